// Package kvserver is the gateway that wires a raft.Raft node to a
// statemachine.ASM and exposes the client command surface over RPC:
// applying committed entries, deduplicating retried submissions by
// (client_id, sequence_number), and reporting a leader hint when a
// command lands on the wrong node.
package kvserver

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/raftkv/raftkv/raft"
	"github.com/raftkv/raftkv/statemachine"
)

// Snapshotter is implemented by an ASM that can serialize and restore its
// entire state, used to compact the Raft log once the persisted Raft state
// reaches the server's maxStateBytes limit.
type Snapshotter interface {
	Snapshot() ([]byte, error)
	Restore([]byte) error
}

// CommandArgs is the RPC argument for Server.Command.
type CommandArgs struct {
	ClientID       string
	SequenceNumber uint64
	Payload        []byte
}

// CommandReply is the RPC result for Server.Command.
type CommandReply struct {
	WrongLeader bool
	LeaderHint  string
	Err         string
	Result      []byte
}

// QueryArgs is the RPC argument for Server.Query.
type QueryArgs struct {
	Request []byte
}

// QueryReply is the RPC result for Server.Query.
type QueryReply struct {
	WrongLeader bool
	LeaderHint  string
	Err         string
	Result      []byte
}

type dedupEntry struct {
	sequenceNumber uint64
	result         []byte
	err            string
}

// Server is the per-node gateway: one per cluster member, sitting beside
// that member's raft.Raft instance.
type Server struct {
	id      raft.NodeId
	rf      *raft.Raft
	asm     statemachine.ASM
	applyCh chan raft.ApplyMsg

	mu     sync.Mutex
	notify map[raft.LogIndex]chan dedupEntry
	dedup  map[string]dedupEntry

	logger         *log.Logger
	commandTimeout time.Duration
	maxStateBytes  int
	persister      raft.Persister
}

// NewServer constructs the gateway, the raft.Raft instance it wraps, and
// starts the goroutine that applies committed entries to asm.
func NewServer(id raft.NodeId, peers map[raft.NodeId]raft.RaftPeer, persister raft.Persister, asm statemachine.ASM, raftCfg raft.Config, maxStateBytes int) *Server {
	applyCh := make(chan raft.ApplyMsg)
	rf := raft.NewRaft(id, peers, persister, applyCh, raftCfg)

	s := &Server{
		id:             id,
		rf:             rf,
		asm:            asm,
		applyCh:        applyCh,
		notify:         make(map[raft.LogIndex]chan dedupEntry),
		dedup:          make(map[string]dedupEntry),
		logger:         log.New(os.Stderr, fmt.Sprintf("[kvserver %s] ", id), log.Ltime|log.Lmicroseconds),
		commandTimeout: 2 * time.Second,
		maxStateBytes:  maxStateBytes,
		persister:      persister,
	}

	if snap, ok := asm.(Snapshotter); ok {
		if data := persister.ReadSnapshot(); len(data) > 0 {
			if err := snap.Restore(data); err != nil {
				s.logger.Printf("failed to restore snapshot: %v", err)
			}
		}
	}

	go s.applyLoop()

	s.logger.Printf("initialized with %d peers", len(peers))
	return s
}

// Raft returns the wrapped node core, for registering its RPC handlers
// with a transport.Server.
func (s *Server) Raft() *raft.Raft {
	return s.rf
}

// Command submits a client command, blocking until it commits and applies
// or until commandTimeout elapses. A retried submission whose
// SequenceNumber equals the last one applied for its ClientID returns the
// cached result instead of being resubmitted; only that latest result is
// kept per client, so an older sequence number is submitted again.
func (s *Server) Command(args *CommandArgs, reply *CommandReply) error {
	if args.ClientID != "" {
		s.mu.Lock()
		if cached, ok := s.dedup[args.ClientID]; ok && cached.sequenceNumber == args.SequenceNumber {
			s.mu.Unlock()
			reply.Result = cached.result
			reply.Err = cached.err
			return nil
		}
		s.mu.Unlock()
	}

	index, _, err := s.rf.Submit(args.Payload, args.ClientID, args.SequenceNumber)
	if err != nil {
		reply.WrongLeader = true
		if status, statusErr := s.rf.Status(); statusErr == nil {
			reply.LeaderHint = string(status.LeaderID)
		}
		return nil
	}

	ch := make(chan dedupEntry, 1)
	s.mu.Lock()
	s.notify[index] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.notify, index)
		s.mu.Unlock()
	}()

	select {
	case result := <-ch:
		reply.Result = result.result
		reply.Err = result.err
		return nil
	case <-time.After(s.commandTimeout):
		reply.Err = "timeout"
		return nil
	}
}

// Query answers a read-only request directly against the ASM without
// going through the log. Only a node that believes itself leader answers;
// any other node replies WrongLeader with a leader hint. Leadership is not
// confirmed with a majority before the read, so the result is not
// guaranteed to be linearizable.
func (s *Server) Query(args *QueryArgs, reply *QueryReply) error {
	_, isLeader := s.rf.GetState()
	if !isLeader {
		reply.WrongLeader = true
		if status, err := s.rf.Status(); err == nil {
			reply.LeaderHint = string(status.LeaderID)
		}
		return nil
	}

	result, err := s.asm.Query(args.Request)
	if err != nil {
		reply.Err = err.Error()
		return nil
	}
	reply.Result = result
	return nil
}

// applyLoop drains applyCh, applying each committed command to the ASM in
// order, caching its result for dedup, notifying any client waiting on
// that index, and restoring snapshots the node core hands it.
func (s *Server) applyLoop() {
	for msg := range s.applyCh {
		switch {
		case msg.CommandValid:
			s.applyCommand(msg)
		case msg.SnapshotValid:
			s.applySnapshot(msg)
		}

		if s.maxStateBytes > 0 && s.persister.StateSize() >= s.maxStateBytes {
			s.maybeCompact(msg.CommandIndex)
		}
	}
}

func (s *Server) applyCommand(msg raft.ApplyMsg) {
	result, err := s.asm.Apply(msg.Command)

	entry := dedupEntry{sequenceNumber: msg.SequenceNumber, result: result}
	if err != nil {
		entry.err = err.Error()
	}

	s.mu.Lock()
	if msg.ClientID != "" {
		s.dedup[msg.ClientID] = entry
	}
	ch, waiting := s.notify[msg.CommandIndex]
	s.mu.Unlock()

	if waiting {
		select {
		case ch <- entry:
		default:
		}
	}

	s.logger.Printf("applied command at index %d", msg.CommandIndex)
}

func (s *Server) applySnapshot(msg raft.ApplyMsg) {
	snap, ok := s.asm.(Snapshotter)
	if !ok {
		return
	}
	if err := snap.Restore(msg.Snapshot); err != nil {
		s.logger.Printf("failed to restore snapshot at index %d: %v", msg.SnapshotIndex, err)
	}
}

func (s *Server) maybeCompact(throughIndex raft.LogIndex) {
	snap, ok := s.asm.(Snapshotter)
	if !ok {
		return
	}
	data, err := snap.Snapshot()
	if err != nil {
		s.logger.Printf("failed to snapshot state machine: %v", err)
		return
	}
	if err := s.rf.Compact(throughIndex, data); err != nil {
		s.logger.Printf("compact failed: %v", err)
	}
}
