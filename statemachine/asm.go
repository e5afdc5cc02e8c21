// Package statemachine provides the pluggable Application State Machine
// (ASM) boundary and a reference key-value implementation of it.
package statemachine

import "errors"

// ASM is the Application State Machine interface the node core's applier
// calls once per committed entry, strictly in log order. Implementations
// must be deterministic: given the same sequence of Apply calls on every
// node, they must end up with the same state.
type ASM interface {
	// Apply executes a committed command against the state machine and
	// returns a result to hand back to the client that submitted it.
	Apply(payload []byte) ([]byte, error)

	// Query answers a read-only request without mutating state. Callers
	// decide for themselves whether a given read needs to first confirm
	// leadership/log position; Query itself makes no such guarantee.
	Query(request []byte) ([]byte, error)
}

// Sentinel errors for Command envelope handling. KVStore returns
// ErrUnknownOp; it does not return ErrKeyNotFound, since a missing key is
// reported as a Result with Found=false.
var (
	ErrKeyNotFound = errors.New("statemachine: key not found")
	ErrUnknownOp   = errors.New("statemachine: unknown operation")
)
