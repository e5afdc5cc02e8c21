package kvserver

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/raftkv/raftkv/statemachine"
	"github.com/raftkv/raftkv/transport"
)

// Client is the client-facing command surface: it owns a ClientID,
// assigns a strictly increasing SequenceNumber to every command it
// submits, and remembers which server last accepted a command so it
// tries that one first on the next call instead of round-robining from
// scratch every time.
type Client struct {
	mu      sync.Mutex
	servers []string
	pool    *transport.ClientPool
	leader  int

	id  string
	seq atomic.Uint64
}

// NewClient returns a client that knows how to reach every address in
// servers, starting with no opinion about which one is the leader.
func NewClient(servers []string, pool *transport.ClientPool) *Client {
	return &Client{
		servers: servers,
		pool:    pool,
		id:      newClientID(),
	}
}

func newClientID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Set stores key -> value.
func (c *Client) Set(key, value string) error {
	_, err := c.submit(statemachine.Command{Op: statemachine.OpSet, Key: key, Value: value})
	return err
}

// Get reads key's value, going through the log for linearizability.
func (c *Client) Get(key string) (string, bool, error) {
	result, err := c.submit(statemachine.Command{Op: statemachine.OpGet, Key: key})
	if err != nil {
		return "", false, err
	}
	return result.Value, result.Found, nil
}

// Delete removes key.
func (c *Client) Delete(key string) (bool, error) {
	result, err := c.submit(statemachine.Command{Op: statemachine.OpDelete, Key: key})
	if err != nil {
		return false, err
	}
	return result.Found, nil
}

// BatchOperation is one command within ExecuteBatch.
type BatchOperation struct {
	Op    string
	Key   string
	Value string
}

// ExecuteBatch runs every operation concurrently, each as its own
// independent submission (no cross-key atomicity is implied), and
// returns one result per operation in the same order.
func (c *Client) ExecuteBatch(ops []BatchOperation) ([]statemachine.Result, error) {
	results := make([]statemachine.Result, len(ops))
	var g errgroup.Group

	for i, op := range ops {
		i, op := i, op
		g.Go(func() error {
			result, err := c.submit(statemachine.Command{Op: op.Op, Key: op.Key, Value: op.Value})
			if err != nil {
				return fmt.Errorf("batch operation %d (%s %s): %w", i, op.Op, op.Key, err)
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// submit assigns this command the next sequence number and tries every
// server in turn starting from the last known leader, moving on to the
// next server whenever a reply reports WrongLeader.
func (c *Client) submit(cmd statemachine.Command) (statemachine.Result, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return statemachine.Result{}, fmt.Errorf("kvserver: encode command: %w", err)
	}

	args := &CommandArgs{
		ClientID:       c.id,
		SequenceNumber: c.seq.Add(1),
		Payload:        payload,
	}

	c.mu.Lock()
	start := c.leader
	c.mu.Unlock()

	for i := 0; i < len(c.servers); i++ {
		idx := (start + i) % len(c.servers)
		reply := &CommandReply{}

		client := c.pool.Get(c.servers[idx])
		if err := client.Call("KVService.Command", args, reply); err != nil {
			continue
		}
		if reply.WrongLeader {
			continue
		}
		if reply.Err != "" {
			return statemachine.Result{}, fmt.Errorf("kvserver: %s", reply.Err)
		}

		c.mu.Lock()
		c.leader = idx
		c.mu.Unlock()

		var result statemachine.Result
		if len(reply.Result) > 0 {
			if err := json.Unmarshal(reply.Result, &result); err != nil {
				return statemachine.Result{}, fmt.Errorf("kvserver: decode result: %w", err)
			}
		}
		return result, nil
	}

	return statemachine.Result{}, fmt.Errorf("kvserver: no server accepted the command after trying all %d servers", len(c.servers))
}
