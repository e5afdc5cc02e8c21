package raft

import "time"

// This file is the node's event loop: the single goroutine that owns every
// mutable field on Raft. RPC handlers, Submit, and Status all hand a
// request into this loop over a channel and block on a private reply
// channel instead of taking a mutex, and outbound RPCs are made by
// short-lived worker goroutines that report their outcome back into the
// same channel, so every state transition happens on one goroutine in
// delivery order.

// raftEvent is the marker type for anything the run loop can consume. Each
// concrete event type below corresponds to one arrow into the node core in
// the component diagram: a peer RPC, a client Submit, a Status query, or
// the result of an RPC this node sent out.
type raftEvent interface{}

type requestVoteEvent struct {
	args  *RequestVoteArgs
	reply *RequestVoteReply
	done  chan struct{}
}

type appendEntriesEvent struct {
	args  *AppendEntriesArgs
	reply *AppendEntriesReply
	done  chan struct{}
}

type installSnapshotEvent struct {
	args  *InstallSnapshotArgs
	reply *InstallSnapshotReply
	done  chan struct{}
}

type submitEvent struct {
	kind           EntryKind
	payload        []byte
	clientID       string
	sequenceNumber uint64
	result         chan submitResult
}

type submitResult struct {
	index LogIndex
	term  Term
	err   error
}

type statusEvent struct {
	result chan Status
}

type electionTimeoutEvent struct{}

type heartbeatTimeoutEvent struct{}

// voteResultEvent is posted by the goroutine sendRequestVote spawned to
// carry the outcome of a single RequestVote RPC back onto the loop.
type voteResultEvent struct {
	term  Term // the term this request was sent for
	peer  NodeId
	reply *RequestVoteReply
	ok    bool
}

// appendResultEvent carries the outcome of a single AppendEntries RPC.
type appendResultEvent struct {
	term         Term
	peer         NodeId
	prevLogIndex LogIndex
	numEntries   int
	reply        *AppendEntriesReply
	ok           bool
}

// snapshotResultEvent carries the outcome of a single InstallSnapshot RPC.
type snapshotResultEvent struct {
	term              Term
	peer              NodeId
	lastIncludedIndex LogIndex
	reply             *InstallSnapshotReply
	ok                bool
}

// compactEvent is sent by the owning server (kvserver) once it has taken
// its own snapshot of the state machine up through index, asking the node
// core to discard the log prefix that snapshot now makes redundant.
type compactEvent struct {
	index    LogIndex
	snapshot []byte
	done     chan struct{}
}

// applyBatchRequest is sent by applyLoop whenever it wants the next run of
// committed-but-unapplied entries. The loop answers synchronously since it
// alone knows lastApplied and commitIndex.
type applyBatchRequest struct {
	result chan applyBatchResponse
}

type applyBatchResponse struct {
	entries []LogEntry
}

// run is the node's single-owner event loop. Every field access on rf
// below happens on this goroutine only.
func (rf *Raft) run() {
	for {
		select {
		case <-rf.done:
			return

		case ev := <-rf.events:
			rf.handleEvent(ev)

		case <-rf.electionTimer.C:
			rf.handleElectionTimeout()

		case <-rf.heartbeatTimer.C:
			rf.handleHeartbeatTimeout()
		}
	}
}

func (rf *Raft) handleEvent(ev raftEvent) {
	switch e := ev.(type) {
	case *requestVoteEvent:
		rf.onRequestVote(e.args, e.reply)
		close(e.done)

	case *appendEntriesEvent:
		rf.onAppendEntries(e.args, e.reply)
		close(e.done)

	case *installSnapshotEvent:
		rf.onInstallSnapshot(e.args, e.reply)
		close(e.done)

	case *submitEvent:
		index, term, err := rf.onSubmit(e.kind, e.payload, e.clientID, e.sequenceNumber)
		e.result <- submitResult{index: index, term: term, err: err}

	case *statusEvent:
		e.result <- rf.status()

	case *voteResultEvent:
		rf.onVoteResult(e)

	case *appendResultEvent:
		rf.onAppendResult(e)

	case *snapshotResultEvent:
		rf.onSnapshotResult(e)

	case *applyBatchRequest:
		e.result <- rf.nextApplyBatch()

	case *compactEvent:
		rf.onCompact(e.index, e.snapshot)
		close(e.done)

	default:
		rf.logger.Printf("unhandled event type %T", ev)
	}
}

func (rf *Raft) status() Status {
	return Status{
		ID:          rf.id,
		Term:        rf.currentTerm,
		Role:        rf.role,
		LeaderID:    rf.leaderID,
		CommitIndex: rf.commitIndex,
		LastApplied: rf.lastApplied,
		LogLength:   rf.log.lastIndex(),
	}
}

// nextApplyBatch returns every committed-but-unapplied entry and advances
// lastApplied to match. It is only ever called from the loop goroutine, in
// response to an applyBatchRequest, so no separate lock is needed even
// though it mutates lastApplied.
func (rf *Raft) nextApplyBatch() applyBatchResponse {
	if rf.lastApplied >= rf.commitIndex {
		return applyBatchResponse{}
	}
	var out []LogEntry
	for i := rf.lastApplied + 1; i <= rf.commitIndex; i++ {
		if i <= rf.log.lastIncludedIndex {
			continue
		}
		entry, ok := rf.log.at(i)
		if !ok {
			break
		}
		out = append(out, entry)
	}
	rf.lastApplied = rf.commitIndex
	return applyBatchResponse{entries: out}
}

// applyLoop is the worker goroutine that turns committed log entries into
// ApplyMsg values on applyCh. It never touches Raft's fields directly;
// it only ever asks the loop for the next batch.
func (rf *Raft) applyLoop() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-rf.done:
			return
		case <-ticker.C:
			result := make(chan applyBatchResponse, 1)
			if err := rf.send(&applyBatchRequest{result: result}); err != nil {
				return
			}
			var batch applyBatchResponse
			select {
			case batch = <-result:
			case <-rf.done:
				return
			}
			for _, entry := range batch.entries {
				msg := ApplyMsg{
					CommandIndex:   entry.Index,
					CommandTerm:    entry.Term,
					ClientID:       entry.ClientID,
					SequenceNumber: entry.SequenceNumber,
				}
				if entry.Kind == EntryCommand {
					msg.CommandValid = true
					msg.Command = entry.Payload
				}
				select {
				case rf.applyCh <- msg:
				case <-rf.done:
					return
				}
			}
		}
	}
}
