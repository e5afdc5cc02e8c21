package raft

import "errors"

// Sentinel errors returned by the node core and checked with errors.Is.
var (
	// ErrNotLeader is returned by Submit when called on a non-leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrStaleTerm names a message carrying a term older than the node's
	// current term. No function in this package returns it: the RPC
	// handlers report a stale term through the reply's Term field.
	ErrStaleTerm = errors.New("raft: stale term")

	// ErrLogInconsistent names an AppendEntries request that fails the log
	// matching consistency check. No function in this package returns it:
	// the handler reports the failure as Success=false with conflict hints.
	ErrLogInconsistent = errors.New("raft: log inconsistent with leader")

	// ErrShutdown is returned by any call made after Kill.
	ErrShutdown = errors.New("raft: node is shut down")

	// ErrDurabilityFailure marks a failure to write persistent state to
	// stable storage. persist() returns an error wrapping both it and the
	// underlying cause; mustPersist treats
	// it as fatal and panics with it rather than letting any caller
	// acknowledge the RPC that triggered the write.
	ErrDurabilityFailure = errors.New("raft: failed to persist state")
)
