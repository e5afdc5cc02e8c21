// Command raftkvctl is a CLI client for the replicated key-value store.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/raftkv/raftkv/kvserver"
	"github.com/raftkv/raftkv/statemachine"
	"github.com/raftkv/raftkv/transport"
)

var (
	clusterFlag = flag.String("cluster", "localhost:8001,localhost:8002,localhost:8003", "Comma-separated list of server addresses")
	operation   = flag.String("op", "", "Operation to perform: set, get, delete, mset")
	key         = flag.String("key", "", "Key for the operation")
	value       = flag.String("value", "", "Value for a set operation")
	pairs       = flag.String("pairs", "", "Comma-separated k=v pairs for an mset operation")
)

func main() {
	flag.Parse()

	logger := log.New(os.Stderr, "", log.Ltime)

	if *operation == "" {
		logger.Fatalf("usage: raftkvctl -op=set|get|delete -key=<key> [-value=<value>] | -op=mset -pairs=k1=v1,k2=v2")
	}
	if *operation != "mset" && *key == "" {
		logger.Fatalf("-key is required for %s", *operation)
	}

	servers := strings.Split(*clusterFlag, ",")
	pool := transport.NewClientPool(time.Second, logger)
	defer pool.CloseAll()

	client := kvserver.NewClient(servers, pool)

	switch *operation {
	case "set":
		if *value == "" {
			logger.Fatalf("-value is required for set")
		}
		if err := client.Set(*key, *value); err != nil {
			logger.Fatalf("set failed: %v", err)
		}
		fmt.Printf("set %s -> %s\n", *key, *value)

	case "get":
		v, found, err := client.Get(*key)
		if err != nil {
			logger.Fatalf("get failed: %v", err)
		}
		if !found {
			fmt.Printf("%s: not found\n", *key)
			return
		}
		fmt.Printf("%s -> %s\n", *key, v)

	case "delete":
		found, err := client.Delete(*key)
		if err != nil {
			logger.Fatalf("delete failed: %v", err)
		}
		fmt.Printf("deleted %s: %v\n", *key, found)

	case "mset":
		if *pairs == "" {
			logger.Fatalf("-pairs is required for mset")
		}
		var ops []kvserver.BatchOperation
		for _, pair := range strings.Split(*pairs, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) != 2 {
				logger.Fatalf("malformed pair %q, want key=value", pair)
			}
			ops = append(ops, kvserver.BatchOperation{Op: statemachine.OpSet, Key: kv[0], Value: kv[1]})
		}
		if _, err := client.ExecuteBatch(ops); err != nil {
			logger.Fatalf("mset failed: %v", err)
		}
		fmt.Printf("set %d keys\n", len(ops))

	default:
		logger.Fatalf("unknown operation: %s", *operation)
	}
}
