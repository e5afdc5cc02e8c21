package raft

// This file covers role transitions and the RequestVote side of the
// protocol: starting an election on timeout, granting or denying votes,
// and becoming leader or stepping down to follower.

func (rf *Raft) handleElectionTimeout() {
	if rf.role != Leader {
		rf.startElection()
	}
	rf.resetElectionTimer()
}

func (rf *Raft) resetElectionTimer() {
	resetTimer(rf.electionTimer, electionTimeout(rf.config.ElectionTimeoutMin, rf.config.ElectionTimeoutMax))
}

// startElection increments the term, votes for self, and fans out
// RequestVote RPCs to every peer. A singleton cluster (no peers) wins
// its own election immediately.
func (rf *Raft) startElection() {
	rf.currentTerm++
	rf.role = Candidate
	rf.votedFor = rf.id
	rf.leaderID = ""
	rf.votesReceived = map[NodeId]bool{rf.id: true}
	rf.mustPersist()

	term := rf.currentTerm
	lastLogIndex := rf.log.lastIndex()
	lastLogTerm := rf.log.lastTerm()

	rf.logger.Printf("starting election for term %d (lastLogIndex=%d lastLogTerm=%d)", term, lastLogIndex, lastLogTerm)

	if len(rf.peerIDs) == 0 {
		rf.becomeLeader()
		return
	}

	for _, peerID := range rf.peerIDs {
		go rf.sendRequestVote(peerID, term, lastLogIndex, lastLogTerm)
	}
}

func (rf *Raft) sendRequestVote(peerID NodeId, term Term, lastLogIndex LogIndex, lastLogTerm Term) {
	peer := rf.peers[peerID]
	args := &RequestVoteArgs{
		Term:         term,
		CandidateID:  rf.id,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}
	reply := &RequestVoteReply{}
	err := peer.RequestVote(args, reply)

	ev := &voteResultEvent{term: term, peer: peerID, reply: reply, ok: err == nil}
	if err != nil {
		rf.logger.Printf("RequestVote to %s failed: %v", peerID, err)
	}
	_ = rf.send(ev)
}

func (rf *Raft) onVoteResult(e *voteResultEvent) {
	if rf.role != Candidate || rf.currentTerm != e.term {
		return
	}
	if !e.ok {
		return
	}
	if e.reply.Term > rf.currentTerm {
		rf.becomeFollower(e.reply.Term)
		return
	}
	if !e.reply.VoteGranted {
		return
	}

	rf.votesReceived[e.peer] = true
	if len(rf.votesReceived) > (len(rf.peerIDs)+1)/2 {
		rf.logger.Printf("won election for term %d with %d votes", rf.currentTerm, len(rf.votesReceived))
		rf.becomeLeader()
	}
}

// becomeLeader initializes per-follower progress and immediately appends
// a NoOp entry in the new term. Committing that NoOp is what lets the
// leader safely advance commitIndex past entries an earlier leader left
// uncommitted, since Raft only ever commits by counting replicas of an
// entry from the leader's own current term.
func (rf *Raft) becomeLeader() {
	if rf.role != Candidate {
		return
	}
	rf.role = Leader
	rf.leaderID = rf.id
	rf.logger.Printf("becoming leader for term %d", rf.currentTerm)

	rf.nextIndex = make(map[NodeId]LogIndex, len(rf.peerIDs))
	rf.matchIndex = make(map[NodeId]LogIndex, len(rf.peerIDs))
	next := rf.log.lastIndex() + 1
	for _, peerID := range rf.peerIDs {
		rf.nextIndex[peerID] = next
		rf.matchIndex[peerID] = 0
	}

	noop := LogEntry{
		Index: rf.log.lastIndex() + 1,
		Term:  rf.currentTerm,
		Kind:  EntryNoOp,
	}
	rf.log.append(noop)
	rf.mustPersist()

	// A singleton cluster is its own majority, so the NoOp (and anything
	// submitted later) commits right here rather than via AppendEntries acks.
	rf.advanceCommitIndex()

	resetTimer(rf.heartbeatTimer, 0)
}

// becomeFollower steps down to follower in a newer term, discarding any
// vote record from the term we are leaving.
func (rf *Raft) becomeFollower(term Term) {
	rf.logger.Printf("becoming follower in term %d", term)
	rf.role = Follower
	rf.currentTerm = term
	rf.votedFor = ""
	rf.leaderID = ""
	rf.mustPersist()
	rf.resetElectionTimer()
}

// onRequestVote implements the RequestVote RPC handler: reject stale
// terms, adopt newer ones, and grant the vote only if we haven't already
// voted this term for someone else and the candidate's log is at least as
// up to date as ours.
func (rf *Raft) onRequestVote(args *RequestVoteArgs, reply *RequestVoteReply) {
	if args.Term > rf.currentTerm {
		rf.becomeFollower(args.Term)
	}

	reply.Term = rf.currentTerm

	if args.Term < rf.currentTerm {
		reply.VoteGranted = false
		return
	}

	lastLogIndex := rf.log.lastIndex()
	lastLogTerm := rf.log.lastTerm()
	upToDate := args.LastLogTerm > lastLogTerm ||
		(args.LastLogTerm == lastLogTerm && args.LastLogIndex >= lastLogIndex)

	canVote := rf.votedFor == "" || rf.votedFor == args.CandidateID

	if canVote && upToDate {
		reply.VoteGranted = true
		rf.votedFor = args.CandidateID
		rf.mustPersist()
		rf.resetElectionTimer()
		rf.logger.Printf("granted vote to %s for term %d", args.CandidateID, args.Term)
	} else {
		reply.VoteGranted = false
		rf.logger.Printf("denied vote to %s for term %d (canVote=%v upToDate=%v)", args.CandidateID, args.Term, canVote, upToDate)
	}
}
