package raft

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Persister is the storage contract the node core depends on for the two
// logically separate durable stores named in the node's persistent state:
// the term/vote/log store, and the snapshot store. Implementations must
// make SaveState crash-atomic: a partial write must never be observable
// after a restart.
type Persister interface {
	// SaveState persists the term/vote/log blob, replacing whatever was
	// there before.
	SaveState(state []byte) error

	// ReadState returns the last blob passed to SaveState, or nil if none.
	ReadState() []byte

	// SaveSnapshot persists a state-machine snapshot alongside the
	// Raft metadata describing it.
	SaveSnapshot(state []byte, snapshot []byte) error

	// ReadSnapshot returns the last snapshot blob saved, or nil if none.
	ReadSnapshot() []byte

	// StateSize reports the size in bytes of the persisted state blob,
	// used to decide when the log has grown large enough to warrant a
	// snapshot.
	StateSize() int
}

// FilePersister implements Persister using two files per node on the
// local filesystem.
type FilePersister struct {
	mu           sync.Mutex
	stateFile    string
	snapshotFile string
	state        []byte
	snapshot     []byte
}

// NewFilePersister creates a file-based persister rooted at dataDir for
// the given node. It loads any state left over from a previous run.
func NewFilePersister(dataDir string, id NodeId) (*FilePersister, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, err
	}

	p := &FilePersister{
		stateFile:    filepath.Join(dataDir, fmt.Sprintf("raft-%s-state", id)),
		snapshotFile: filepath.Join(dataDir, fmt.Sprintf("raft-%s-snapshot", id)),
	}
	p.loadFromDisk()
	return p, nil
}

// SaveState writes state to disk before returning, so the caller can rely
// on the write having completed before it replies to any RPC that depends
// on it.
func (p *FilePersister) SaveState(state []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Write to a temporary file and rename it over the old one, so a crash
	// mid-write leaves the previous state file intact.
	tmp := p.stateFile + ".tmp"
	if err := os.WriteFile(tmp, state, 0644); err != nil {
		return fmt.Errorf("raft: persist state: %w", err)
	}
	if err := os.Rename(tmp, p.stateFile); err != nil {
		return fmt.Errorf("raft: persist state: %w", err)
	}
	p.state = clone(state)
	return nil
}

// ReadState returns the last persisted state blob.
func (p *FilePersister) ReadState() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.state)
}

// SaveSnapshot writes both the accompanying Raft state and the snapshot
// payload to disk.
func (p *FilePersister) SaveSnapshot(state []byte, snapshot []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.WriteFile(p.stateFile, state, 0644); err != nil {
		return fmt.Errorf("raft: persist state: %w", err)
	}
	if err := os.WriteFile(p.snapshotFile, snapshot, 0644); err != nil {
		return fmt.Errorf("raft: persist snapshot: %w", err)
	}
	p.state = clone(state)
	p.snapshot = clone(snapshot)
	return nil
}

// ReadSnapshot returns the last persisted snapshot blob.
func (p *FilePersister) ReadSnapshot() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return clone(p.snapshot)
}

// StateSize returns the size in bytes of the persisted state blob.
func (p *FilePersister) StateSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.state)
}

func (p *FilePersister) loadFromDisk() {
	if data, err := os.ReadFile(p.stateFile); err == nil {
		p.state = data
	}
	if data, err := os.ReadFile(p.snapshotFile); err == nil {
		p.snapshot = data
	}
}

// MemoryPersister is an in-memory Persister, useful for tests and for
// nodes that intentionally run without durability.
type MemoryPersister struct {
	mu       sync.Mutex
	state    []byte
	snapshot []byte
}

// NewMemoryPersister returns an empty in-memory persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{}
}

func (m *MemoryPersister) SaveState(state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = clone(state)
	return nil
}

func (m *MemoryPersister) ReadState() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.state)
}

func (m *MemoryPersister) SaveSnapshot(state []byte, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = clone(state)
	m.snapshot = clone(snapshot)
	return nil
}

func (m *MemoryPersister) ReadSnapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.snapshot)
}

func (m *MemoryPersister) StateSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.state)
}

func clone(original []byte) []byte {
	if original == nil {
		return nil
	}
	c := make([]byte, len(original))
	copy(c, original)
	return c
}
