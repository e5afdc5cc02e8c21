package raft

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testNetwork routes RaftPeer calls between in-process Raft instances,
// simulating a partition by refusing to deliver RPCs between two nodes
// that have been disconnected from each other.
type testNetwork struct {
	mu        sync.Mutex
	nodes     map[NodeId]*Raft
	connected map[[2]NodeId]bool
}

func newTestNetwork() *testNetwork {
	return &testNetwork{
		nodes:     make(map[NodeId]*Raft),
		connected: make(map[[2]NodeId]bool),
	}
}

func (n *testNetwork) register(id NodeId, rf *Raft) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = rf
}

func (n *testNetwork) setConnected(a, b NodeId, connected bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connected[[2]NodeId{a, b}] = connected
	n.connected[[2]NodeId{b, a}] = connected
}

func (n *testNetwork) isConnected(a, b NodeId) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connected[[2]NodeId{a, b}]
}

// disconnect isolates id from every other node in both directions.
func (n *testNetwork) disconnect(id NodeId) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.nodes {
		if other == id {
			continue
		}
		n.connected[[2]NodeId{id, other}] = false
		n.connected[[2]NodeId{other, id}] = false
	}
}

func (n *testNetwork) reconnectAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for a := range n.nodes {
		for b := range n.nodes {
			if a == b {
				continue
			}
			n.connected[[2]NodeId{a, b}] = true
		}
	}
}

type fakePeer struct {
	from, to NodeId
	net      *testNetwork
}

func (p *fakePeer) RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error {
	if !p.net.isConnected(p.from, p.to) {
		return errConnLost
	}
	return p.net.nodes[p.to].RequestVote(args, reply)
}

func (p *fakePeer) AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error {
	if !p.net.isConnected(p.from, p.to) {
		return errConnLost
	}
	return p.net.nodes[p.to].AppendEntries(args, reply)
}

func (p *fakePeer) InstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) error {
	if !p.net.isConnected(p.from, p.to) {
		return errConnLost
	}
	return p.net.nodes[p.to].InstallSnapshot(args, reply)
}

var errConnLost = &netError{"raft test: connection unavailable"}

type netError struct{ msg string }

func (e *netError) Error() string { return e.msg }

type testCluster struct {
	t       *testing.T
	net     *testNetwork
	ids     []NodeId
	applyCh map[NodeId]chan ApplyMsg
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	net := newTestNetwork()
	ids := make([]NodeId, n)
	for i := 0; i < n; i++ {
		ids[i] = NodeId(string(rune('a' + i)))
	}

	cluster := &testCluster{t: t, net: net, ids: ids, applyCh: make(map[NodeId]chan ApplyMsg)}
	for _, id := range ids {
		peers := make(map[NodeId]RaftPeer)
		for _, other := range ids {
			if other == id {
				continue
			}
			peers[other] = &fakePeer{from: id, to: other, net: net}
		}
		applyCh := make(chan ApplyMsg, 64)
		cluster.applyCh[id] = applyCh

		cfg := Config{ElectionTimeoutMin: 50, ElectionTimeoutMax: 100, HeartbeatInterval: 10, RPCTimeout: 50, MaxAppendEntries: DefaultMaxAppendEntries}
		rf := NewRaft(id, peers, NewMemoryPersister(), applyCh, cfg)
		net.register(id, rf)
	}
	net.reconnectAll()

	t.Cleanup(func() {
		for _, id := range cluster.ids {
			net.nodes[id].Kill()
		}
	})

	return cluster
}

func (c *testCluster) leader() (*Raft, bool) {
	for _, id := range c.ids {
		if _, isLeader := c.net.nodes[id].GetState(); isLeader {
			return c.net.nodes[id], true
		}
	}
	return nil, false
}

func (c *testCluster) awaitLeader(timeout time.Duration) *Raft {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if rf, ok := c.leader(); ok {
			return rf
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.t.Fatalf("no leader elected within %s", timeout)
	return nil
}

func encodeTestCommand(t *testing.T, key, value string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]string{"key": key, "value": value})
	require.NoError(t, err)
	return data
}

func TestSingleNodeClusterBecomesLeaderImmediately(t *testing.T) {
	cluster := newTestCluster(t, 1)
	rf := cluster.awaitLeader(time.Second)
	assert.Equal(t, cluster.ids[0], rf.id)
}

func TestClusterElectsExactlyOneLeader(t *testing.T) {
	cluster := newTestCluster(t, 3)
	_ = cluster.awaitLeader(2 * time.Second)

	time.Sleep(50 * time.Millisecond)
	leaders := 0
	for _, id := range cluster.ids {
		if _, isLeader := cluster.net.nodes[id].GetState(); isLeader {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders)
}

func TestReElectionAfterLeaderPartitioned(t *testing.T) {
	cluster := newTestCluster(t, 3)
	first := cluster.awaitLeader(2 * time.Second)

	cluster.net.disconnect(first.id)
	time.Sleep(50 * time.Millisecond)

	second := cluster.awaitLeader(2 * time.Second)
	assert.NotEqual(t, first.id, second.id)
}

func TestSubmitReplicatesToFollowers(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leader := cluster.awaitLeader(2 * time.Second)

	payload := encodeTestCommand(t, "k", "v")
	index, _, err := leader.Submit(payload, "client-1", 1)
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	seen := 0
	for seen < 1 {
		select {
		case msg := <-cluster.applyCh[leader.id]:
			if msg.CommandValid && msg.CommandIndex == index {
				seen++
				assert.Equal(t, payload, msg.Command)
			}
		case <-deadline:
			t.Fatalf("entry at index %d never applied", index)
		}
	}
}

func TestSubmitOnFollowerReturnsNotLeader(t *testing.T) {
	cluster := newTestCluster(t, 3)
	leader := cluster.awaitLeader(2 * time.Second)

	for _, id := range cluster.ids {
		if id == leader.id {
			continue
		}
		_, _, err := cluster.net.nodes[id].Submit(encodeTestCommand(t, "k", "v"), "c", 1)
		assert.ErrorIs(t, err, ErrNotLeader)
	}
}

func TestPersistedStateSurvivesRestart(t *testing.T) {
	persister := NewMemoryPersister()
	applyCh := make(chan ApplyMsg, 8)
	cfg := Config{ElectionTimeoutMin: 50, ElectionTimeoutMax: 100, HeartbeatInterval: 10, RPCTimeout: 50, MaxAppendEntries: DefaultMaxAppendEntries}

	rf := NewRaft("solo", map[NodeId]RaftPeer{}, persister, applyCh, cfg)
	require.Eventually(t, func() bool {
		status, err := rf.Status()
		return err == nil && status.Role == Leader
	}, time.Second, 5*time.Millisecond)

	_, term, err := rf.Submit(encodeTestCommand(t, "k", "v"), "c", 1)
	require.NoError(t, err)
	rf.Kill()

	restarted := NewRaft("solo", map[NodeId]RaftPeer{}, persister, make(chan ApplyMsg, 8), cfg)
	defer restarted.Kill()

	restartedStatus, err := restarted.Status()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, restartedStatus.Term, term)
	assert.Equal(t, LogIndex(2), restartedStatus.LogLength) // NoOp + the submitted command
}

func TestLogTermAndIndexHelpers(t *testing.T) {
	l := NewLog()
	l.append(LogEntry{Index: 1, Term: 1, Kind: EntryNoOp})
	l.append(LogEntry{Index: 2, Term: 1, Kind: EntryCommand, Payload: []byte("a")})
	l.append(LogEntry{Index: 3, Term: 2, Kind: EntryCommand, Payload: []byte("b")})

	assert.Equal(t, LogIndex(3), l.lastIndex())
	assert.Equal(t, Term(2), l.lastTerm())

	term, ok := l.termAt(2)
	require.True(t, ok)
	assert.Equal(t, Term(1), term)

	first, ok := l.firstIndexOfTerm(1)
	require.True(t, ok)
	assert.Equal(t, LogIndex(1), first)

	last, ok := l.lastIndexOfTerm(1)
	require.True(t, ok)
	assert.Equal(t, LogIndex(2), last)

	l.truncateSuffix(1)
	assert.Equal(t, LogIndex(1), l.lastIndex())
}

func TestLogSliceCapsAtMaxEntries(t *testing.T) {
	l := NewLog()
	for i := LogIndex(1); i <= 5; i++ {
		l.append(LogEntry{Index: i, Term: 1})
	}

	capped := l.slice(0, 2)
	require.Len(t, capped, 2)
	assert.Equal(t, LogIndex(1), capped[0].Index)
	assert.Equal(t, LogIndex(2), capped[1].Index)

	uncapped := l.slice(0, 0)
	assert.Len(t, uncapped, 5)
}

func TestLogCompactPrefixDropsEntries(t *testing.T) {
	l := NewLog()
	l.append(LogEntry{Index: 1, Term: 1})
	l.append(LogEntry{Index: 2, Term: 1})
	l.append(LogEntry{Index: 3, Term: 2})

	l.compactPrefix(2, 1)

	assert.Equal(t, LogIndex(2), l.lastIncludedIndex)
	_, ok := l.at(2)
	assert.False(t, ok, "compacted entry should no longer be addressable")
	entry, ok := l.at(3)
	require.True(t, ok)
	assert.Equal(t, Term(2), entry.Term)
}
