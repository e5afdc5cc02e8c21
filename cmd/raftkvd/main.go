// Command raftkvd runs a single node of the replicated key-value store.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raftkv/raftkv/config"
	"github.com/raftkv/raftkv/kvserver"
	"github.com/raftkv/raftkv/raft"
	"github.com/raftkv/raftkv/statemachine"
	"github.com/raftkv/raftkv/transport"
)

var configPath = flag.String("config", "raftkv.yaml", "Path to the server's YAML configuration file")

func main() {
	flag.Parse()

	logger := log.New(os.Stdout, "", log.Ldate|log.Ltime|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	selfAddr, ok := cfg.Peers[cfg.NodeID]
	if !ok {
		logger.Fatalf("node_id %q is not listed in peers", cfg.NodeID)
	}

	persister, err := raft.NewFilePersister(cfg.DataDir, raft.NodeId(cfg.NodeID))
	if err != nil {
		logger.Fatalf("failed to create persister: %v", err)
	}

	pool := transport.NewClientPool(cfg.RPCTimeout(), logger)
	peers := make(map[raft.NodeId]raft.RaftPeer)
	for peerID, addr := range cfg.Peers {
		if peerID == cfg.NodeID {
			continue
		}
		peers[raft.NodeId(peerID)] = transport.NewRaftPeer(addr, pool.Get(addr))
	}

	kv := kvserver.NewServer(raft.NodeId(cfg.NodeID), peers, persister, statemachine.NewKVStore(), cfg.RaftConfig(), cfg.MaxRaftStateBytes)

	rpcServer := transport.NewServer(selfAddr, logger)
	if err := rpcServer.RegisterName("KVService", kv); err != nil {
		logger.Fatalf("failed to register KVService: %v", err)
	}
	if err := rpcServer.RegisterName("Raft", transport.NewRaftService(kv.Raft())); err != nil {
		logger.Fatalf("failed to register Raft service: %v", err)
	}
	if err := rpcServer.Start(); err != nil {
		logger.Fatalf("failed to start rpc server: %v", err)
	}

	logger.Printf("node %s listening on %s", cfg.NodeID, selfAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Printf("shutting down")
	rpcServer.Stop()
	kv.Raft().Kill()
	pool.CloseAll()
	time.Sleep(100 * time.Millisecond)
}
