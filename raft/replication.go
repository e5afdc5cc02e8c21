package raft

import "time"

// This file covers the leader side of the protocol (AppendEntries
// fan-out, commit-index advancement, InstallSnapshot fallback) and the
// follower side of applying a leader's AppendEntries/InstallSnapshot RPC.

// onSubmit appends a new entry to the log if this node is the leader.
func (rf *Raft) onSubmit(kind EntryKind, payload []byte, clientID string, sequenceNumber uint64) (LogIndex, Term, error) {
	if rf.role != Leader {
		return 0, rf.currentTerm, ErrNotLeader
	}

	index := rf.log.lastIndex() + 1
	entry := LogEntry{
		Index:          index,
		Term:           rf.currentTerm,
		Kind:           kind,
		Payload:        payload,
		ClientID:       clientID,
		SequenceNumber: sequenceNumber,
	}
	rf.log.append(entry)
	rf.mustPersist()

	rf.logger.Printf("appended entry at index %d term %d", index, rf.currentTerm)
	rf.advanceCommitIndex()
	rf.broadcastAppendEntries()

	return index, rf.currentTerm, nil
}

func (rf *Raft) handleHeartbeatTimeout() {
	if rf.role != Leader {
		return
	}
	rf.broadcastAppendEntries()
	resetTimer(rf.heartbeatTimer, time.Duration(rf.config.HeartbeatInterval)*time.Millisecond)
}

// broadcastAppendEntries fans AppendEntries (or InstallSnapshot, for a
// follower that has fallen behind the snapshot boundary) out to every
// peer. The actual RPCs run on worker goroutines; their results feed back
// into the loop as events so commitIndex only ever advances on the owning
// goroutine.
func (rf *Raft) broadcastAppendEntries() {
	term := rf.currentTerm
	for _, peerID := range rf.peerIDs {
		peerID := peerID
		if rf.nextIndex[peerID] <= rf.log.lastIncludedIndex {
			args := &InstallSnapshotArgs{
				Term:              term,
				LeaderID:          rf.id,
				LastIncludedIndex: rf.log.lastIncludedIndex,
				LastIncludedTerm:  rf.log.lastIncludedTerm,
				Data:              rf.persister.ReadSnapshot(),
			}
			go rf.sendInstallSnapshot(peerID, args)
			continue
		}

		prevLogIndex := rf.nextIndex[peerID] - 1
		prevLogTerm, _ := rf.log.termAt(prevLogIndex)
		entries := rf.log.slice(prevLogIndex, rf.config.MaxAppendEntries)

		args := &AppendEntriesArgs{
			Term:         term,
			LeaderID:     rf.id,
			PrevLogIndex: prevLogIndex,
			PrevLogTerm:  prevLogTerm,
			Entries:      entries,
			LeaderCommit: rf.commitIndex,
		}
		go rf.sendAppendEntries(peerID, args)
	}
}

func (rf *Raft) sendAppendEntries(peerID NodeId, args *AppendEntriesArgs) {
	peer := rf.peers[peerID]
	reply := &AppendEntriesReply{}
	err := peer.AppendEntries(args, reply)

	ev := &appendResultEvent{
		term:         args.Term,
		peer:         peerID,
		prevLogIndex: args.PrevLogIndex,
		numEntries:   len(args.Entries),
		reply:        reply,
		ok:           err == nil,
	}
	if err != nil {
		rf.logger.Printf("AppendEntries to %s failed: %v", peerID, err)
	}
	_ = rf.send(ev)
}

func (rf *Raft) onAppendResult(e *appendResultEvent) {
	if rf.role != Leader || rf.currentTerm != e.term {
		return
	}
	if !e.ok {
		return
	}
	if e.reply.Term > rf.currentTerm {
		rf.becomeFollower(e.reply.Term)
		return
	}

	if e.reply.Success {
		newMatch := e.prevLogIndex + LogIndex(e.numEntries)
		if newMatch > rf.matchIndex[e.peer] {
			rf.matchIndex[e.peer] = newMatch
			rf.nextIndex[e.peer] = newMatch + 1
		}
		rf.advanceCommitIndex()
		return
	}

	rf.backOffNextIndex(e)
}

// backOffNextIndex applies the conflict-index/conflict-term fast backoff:
// if the leader still has entries from the follower's conflicting term, it
// can skip straight past all of them; otherwise it falls back to the
// follower's reported conflict index.
func (rf *Raft) backOffNextIndex(e *appendResultEvent) {
	if e.reply.ConflictTerm != 0 {
		if lastIdx, ok := rf.log.lastIndexOfTerm(e.reply.ConflictTerm); ok {
			rf.nextIndex[e.peer] = lastIdx + 1
		} else {
			rf.nextIndex[e.peer] = e.reply.ConflictIndex
		}
	} else {
		rf.nextIndex[e.peer] = e.reply.ConflictIndex
	}
	if rf.nextIndex[e.peer] <= rf.log.lastIncludedIndex {
		rf.nextIndex[e.peer] = rf.log.lastIncludedIndex + 1
	}
}

// advanceCommitIndex finds the highest index replicated on a majority of
// servers whose entry is from the current term, and commits up to there.
// Restricting to the current term is what makes the NoOp-on-election-win
// step necessary: it is the vehicle by which earlier-term entries become
// committed, transitively, once something in the new term commits.
func (rf *Raft) advanceCommitIndex() {
	for n := rf.commitIndex + 1; n <= rf.log.lastIndex(); n++ {
		term, ok := rf.log.termAt(n)
		if !ok || term != rf.currentTerm {
			continue
		}

		count := 1 // self
		for _, peerID := range rf.peerIDs {
			if rf.matchIndex[peerID] >= n {
				count++
			}
		}
		if count > (len(rf.peerIDs)+1)/2 {
			rf.commitIndex = n
			rf.logger.Printf("advanced commitIndex to %d", n)
		}
	}
}

// onAppendEntries implements the AppendEntries RPC handler: the log
// matching consistency check, conflicting-entry truncation, and
// commitIndex advancement on the follower side.
func (rf *Raft) onAppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) {
	reply.Success = false
	reply.ConflictIndex = 0
	reply.ConflictTerm = 0

	if args.Term < rf.currentTerm {
		reply.Term = rf.currentTerm
		return
	}

	if args.Term > rf.currentTerm {
		rf.becomeFollower(args.Term)
	} else if rf.role != Follower {
		// A candidate seeing a current-term leader steps down, but the vote
		// it cast this term (for itself) stays recorded: one vote per term.
		rf.role = Follower
	}
	rf.leaderID = args.LeaderID
	rf.resetElectionTimer()
	reply.Term = rf.currentTerm

	lastLogIndex := rf.log.lastIndex()
	if args.PrevLogIndex > lastLogIndex {
		reply.ConflictIndex = lastLogIndex + 1
		return
	}

	if args.PrevLogIndex >= rf.log.lastIncludedIndex {
		prevTerm, _ := rf.log.termAt(args.PrevLogIndex)
		if prevTerm != args.PrevLogTerm {
			reply.ConflictTerm = prevTerm
			reply.ConflictIndex, _ = rf.log.firstIndexOfTerm(prevTerm)
			return
		}
	}

	reply.Success = true

	if len(args.Entries) > 0 {
		for i, entry := range args.Entries {
			index := args.PrevLogIndex + 1 + LogIndex(i)
			existingTerm, exists := rf.log.termAt(index)
			if !exists {
				rf.log.append(args.Entries[i:]...)
				break
			}
			if existingTerm != entry.Term {
				rf.truncateSuffix(index - 1)
				rf.log.append(args.Entries[i:]...)
				break
			}
		}
		rf.mustPersist()
	}

	if args.LeaderCommit > rf.commitIndex {
		lastNewIndex := args.PrevLogIndex + LogIndex(len(args.Entries))
		if args.LeaderCommit < lastNewIndex {
			rf.commitIndex = args.LeaderCommit
		} else {
			rf.commitIndex = lastNewIndex
		}
	}
}

func (rf *Raft) sendInstallSnapshot(peerID NodeId, args *InstallSnapshotArgs) {
	peer := rf.peers[peerID]
	reply := &InstallSnapshotReply{}
	err := peer.InstallSnapshot(args, reply)

	ev := &snapshotResultEvent{
		term:              args.Term,
		peer:              peerID,
		lastIncludedIndex: args.LastIncludedIndex,
		reply:             reply,
		ok:                err == nil,
	}
	if err != nil {
		rf.logger.Printf("InstallSnapshot to %s failed: %v", peerID, err)
	}
	_ = rf.send(ev)
}

func (rf *Raft) onSnapshotResult(e *snapshotResultEvent) {
	if rf.role != Leader || rf.currentTerm != e.term {
		return
	}
	if !e.ok {
		return
	}
	if e.reply.Term > rf.currentTerm {
		rf.becomeFollower(e.reply.Term)
		return
	}
	rf.nextIndex[e.peer] = e.lastIncludedIndex + 1
	rf.matchIndex[e.peer] = e.lastIncludedIndex
}

// onInstallSnapshot implements the InstallSnapshot RPC handler. The
// compaction algorithm itself is out of scope; this only absorbs the
// snapshot boundary into the log.
func (rf *Raft) onInstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) {
	if args.Term < rf.currentTerm {
		reply.Term = rf.currentTerm
		return
	}

	if args.Term > rf.currentTerm {
		rf.becomeFollower(args.Term)
	} else if rf.role != Follower {
		rf.role = Follower
	}
	rf.leaderID = args.LeaderID
	rf.resetElectionTimer()
	reply.Term = rf.currentTerm

	if args.LastIncludedIndex <= rf.log.lastIncludedIndex {
		return
	}

	rf.log.compactPrefix(args.LastIncludedIndex, args.LastIncludedTerm)
	if rf.commitIndex < args.LastIncludedIndex {
		rf.commitIndex = args.LastIncludedIndex
	}
	if rf.lastApplied < args.LastIncludedIndex {
		rf.lastApplied = args.LastIncludedIndex
	}

	if err := rf.persister.SaveSnapshot(rf.encodeState(), args.Data); err != nil {
		rf.logger.Printf("persist snapshot failed: %v", err)
	}

	go func() {
		select {
		case rf.applyCh <- ApplyMsg{
			SnapshotValid: true,
			Snapshot:      args.Data,
			SnapshotTerm:  args.LastIncludedTerm,
			SnapshotIndex: args.LastIncludedIndex,
		}:
		case <-rf.done:
		}
	}()
}
