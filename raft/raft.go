package raft

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"
)

// Raft is the node core: one consensus module per cluster member. All of
// its mutable state — term, vote, log, role, commit/apply indices, and the
// leader's per-follower progress — is owned exclusively by the single
// goroutine started in run (see loop.go). Every other method on Raft only
// ever talks to that goroutine through the events channel; none of them
// touch the fields below directly, so Raft itself holds no mutex.
type Raft struct {
	id        NodeId
	peerIDs   []NodeId
	peers     map[NodeId]RaftPeer
	persister Persister
	logger    *log.Logger
	applyCh   chan ApplyMsg

	config Config

	events chan raftEvent
	done   chan struct{}
	dead   int32

	// Owned exclusively by run(). Safe to read/write without a lock only
	// from inside the run goroutine.
	currentTerm Term
	votedFor    NodeId
	log         *Log
	role        Role
	leaderID    NodeId

	commitIndex LogIndex
	lastApplied LogIndex

	nextIndex     map[NodeId]LogIndex
	matchIndex    map[NodeId]LogIndex
	votesReceived map[NodeId]bool

	electionTimer  *time.Timer
	heartbeatTimer *time.Timer
}

// Config bundles the tunables the node core needs; it is populated from
// config.ServerConfig at construction time (see the config package).
type Config struct {
	ElectionTimeoutMin int // milliseconds
	ElectionTimeoutMax int // milliseconds
	HeartbeatInterval  int // milliseconds
	RPCTimeout         int // milliseconds
	MaxAppendEntries   int // cap on entries per AppendEntries batch
}

// DefaultConfig returns the config table's defaults.
func DefaultConfig() Config {
	return Config{
		ElectionTimeoutMin: DefaultElectionTimeoutMin,
		ElectionTimeoutMax: DefaultElectionTimeoutMax,
		HeartbeatInterval:  DefaultHeartbeatInterval,
		RPCTimeout:         DefaultRPCTimeout,
		MaxAppendEntries:   DefaultMaxAppendEntries,
	}
}

// NewRaft constructs a node, restores any persisted state, and starts its
// event loop and applier goroutine. peers must not contain an entry for id
// itself.
func NewRaft(id NodeId, peers map[NodeId]RaftPeer, persister Persister, applyCh chan ApplyMsg, cfg Config) *Raft {
	rf := &Raft{
		id:        id,
		peers:     peers,
		persister: persister,
		applyCh:   applyCh,
		config:    cfg,
		logger:    log.New(os.Stderr, fmt.Sprintf("[raft %s] ", id), log.Ltime|log.Lmicroseconds),
		events:    make(chan raftEvent),
		done:      make(chan struct{}),
		log:       NewLog(),
		votedFor:  "",
	}
	for peerID := range peers {
		rf.peerIDs = append(rf.peerIDs, peerID)
	}

	rf.readPersist(persister.ReadState())
	rf.role = Follower

	rf.electionTimer = time.NewTimer(electionTimeout(cfg.ElectionTimeoutMin, cfg.ElectionTimeoutMax))
	rf.heartbeatTimer = time.NewTimer(time.Hour)
	rf.heartbeatTimer.Stop()

	go rf.run()
	go rf.applyLoop()

	rf.logger.Printf("initialized with %d peers", len(peers))
	return rf
}

// send delivers ev to the owning goroutine, or reports shutdown if the
// node has already been killed.
func (rf *Raft) send(ev raftEvent) error {
	select {
	case rf.events <- ev:
		return nil
	case <-rf.done:
		return ErrShutdown
	}
}

// RequestVote handles an incoming RequestVote RPC. It is safe to call
// concurrently from any number of transport goroutines.
func (rf *Raft) RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error {
	done := make(chan struct{})
	ev := &requestVoteEvent{args: args, reply: reply, done: done}
	if err := rf.send(ev); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-rf.done:
		return ErrShutdown
	}
}

// AppendEntries handles an incoming AppendEntries RPC.
func (rf *Raft) AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error {
	done := make(chan struct{})
	ev := &appendEntriesEvent{args: args, reply: reply, done: done}
	if err := rf.send(ev); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-rf.done:
		return ErrShutdown
	}
}

// InstallSnapshot handles an incoming InstallSnapshot RPC.
func (rf *Raft) InstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) error {
	done := make(chan struct{})
	ev := &installSnapshotEvent{args: args, reply: reply, done: done}
	if err := rf.send(ev); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-rf.done:
		return ErrShutdown
	}
}

// Submit appends a new EntryCommand to the log if this node is currently
// the leader, returning the index and term it was assigned. It does not
// wait for the entry to commit; callers that need that (the kvserver
// gateway) watch ApplyMsg values coming out of applyCh.
func (rf *Raft) Submit(payload []byte, clientID string, sequenceNumber uint64) (LogIndex, Term, error) {
	result := make(chan submitResult, 1)
	ev := &submitEvent{
		kind:           EntryCommand,
		payload:        payload,
		clientID:       clientID,
		sequenceNumber: sequenceNumber,
		result:         result,
	}
	if err := rf.send(ev); err != nil {
		return 0, 0, err
	}
	select {
	case r := <-result:
		return r.index, r.term, r.err
	case <-rf.done:
		return 0, 0, ErrShutdown
	}
}

// Status returns a snapshot of this node's externally visible state.
func (rf *Raft) Status() (Status, error) {
	result := make(chan Status, 1)
	ev := &statusEvent{result: result}
	if err := rf.send(ev); err != nil {
		return Status{}, err
	}
	select {
	case s := <-result:
		return s, nil
	case <-rf.done:
		return Status{}, ErrShutdown
	}
}

// GetState is a convenience wrapper over Status matching the shape the
// gateway layer needs most often: current term and whether this node
// believes itself to be the leader.
func (rf *Raft) GetState() (Term, bool) {
	s, err := rf.Status()
	if err != nil {
		return 0, false
	}
	return s.Term, s.Role == Leader
}

// Compact tells the node core that the owning server has taken a snapshot
// of the state machine covering every entry up through index, so the log
// prefix up to and including index can be discarded. It is a no-op if
// index has already been compacted past.
func (rf *Raft) Compact(index LogIndex, snapshot []byte) error {
	done := make(chan struct{})
	ev := &compactEvent{index: index, snapshot: snapshot, done: done}
	if err := rf.send(ev); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-rf.done:
		return ErrShutdown
	}
}

// Kill permanently stops the node's event loop and applier goroutine.
func (rf *Raft) Kill() {
	if rf.markDead() {
		rf.logger.Printf("killed")
	}
}

// markDead flips the node to dead exactly once, closing done so every
// blocked send/select wakes up and reports ErrShutdown instead of
// proceeding. Returns whether this call was the one that performed the
// transition.
func (rf *Raft) markDead() bool {
	if !atomic.CompareAndSwapInt32(&rf.dead, 0, 1) {
		return false
	}
	close(rf.done)
	return true
}

func (rf *Raft) killed() bool {
	return atomic.LoadInt32(&rf.dead) == 1
}

// truncateSuffix discards log entries above keepThrough, refusing to cut
// into the committed prefix. The log matching property guarantees a
// leader's prevLogIndex/Term check only ever truncates an uncommitted
// suffix, so a violation here means the node core itself has a bug, not a
// recoverable runtime condition.
func (rf *Raft) truncateSuffix(keepThrough LogIndex) {
	if keepThrough < rf.commitIndex {
		panic(fmt.Sprintf("raft: refusing to truncate log below commitIndex (keepThrough=%d commitIndex=%d)", keepThrough, rf.commitIndex))
	}
	rf.log.truncateSuffix(keepThrough)
}

// persist writes current term, vote, and log to the state store, returning
// any error the underlying write produced.
func (rf *Raft) persist() error {
	if err := rf.persister.SaveState(rf.encodeState()); err != nil {
		return fmt.Errorf("%w: %w", ErrDurabilityFailure, err)
	}
	return nil
}

// mustPersist calls persist and treats a failure as fatal: a durability
// failure means currentTerm/votedFor/the log cannot be trusted to survive
// a crash, so the node must stop serving RPCs rather than reply as if the
// write had succeeded. It marks the node dead first, so no event already
// queued behind this one can slip out a reply claiming the unflushed
// state, then panics.
func (rf *Raft) mustPersist() {
	if err := rf.persist(); err != nil {
		rf.logger.Printf("fatal: %v", err)
		rf.markDead()
		panic(err)
	}
}

type persistedState struct {
	CurrentTerm       Term
	VotedFor          NodeId
	Entries           []LogEntry
	LastIncludedIndex LogIndex
	LastIncludedTerm  Term
}

func (rf *Raft) encodeState() []byte {
	w := new(bytes.Buffer)
	e := gob.NewEncoder(w)
	e.Encode(persistedState{
		CurrentTerm:       rf.currentTerm,
		VotedFor:          rf.votedFor,
		Entries:           rf.log.entries,
		LastIncludedIndex: rf.log.lastIncludedIndex,
		LastIncludedTerm:  rf.log.lastIncludedTerm,
	})
	return w.Bytes()
}

func (rf *Raft) readPersist(data []byte) {
	rf.log = NewLog()
	rf.currentTerm = 0
	rf.votedFor = ""
	if len(data) == 0 {
		return
	}

	var ps persistedState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ps); err != nil {
		rf.logger.Printf("error decoding persisted state: %v", err)
		return
	}

	rf.currentTerm = ps.CurrentTerm
	rf.votedFor = ps.VotedFor
	rf.log.entries = ps.Entries
	rf.log.lastIncludedIndex = ps.LastIncludedIndex
	rf.log.lastIncludedTerm = ps.LastIncludedTerm
	rf.commitIndex = ps.LastIncludedIndex
	rf.lastApplied = ps.LastIncludedIndex

	rf.logger.Printf("restored term=%d votedFor=%q logLen=%d", rf.currentTerm, rf.votedFor, len(rf.log.entries))
}
