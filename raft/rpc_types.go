package raft

// RaftPeer is the abstract transport the node core uses to reach another
// cluster member. Concrete implementations (net/rpc today, per the
// transport package) live outside this package; raft only depends on this
// interface, so the wire protocol is pluggable.
type RaftPeer interface {
	RequestVote(args *RequestVoteArgs, reply *RequestVoteReply) error
	AppendEntries(args *AppendEntriesArgs, reply *AppendEntriesReply) error
	InstallSnapshot(args *InstallSnapshotArgs, reply *InstallSnapshotReply) error
}

// RequestVoteArgs is sent by a candidate to gather votes.
type RequestVoteArgs struct {
	Term         Term
	CandidateID  NodeId
	LastLogIndex LogIndex
	LastLogTerm  Term
}

// RequestVoteReply is the response to a RequestVote RPC.
type RequestVoteReply struct {
	Term        Term
	VoteGranted bool
}

// AppendEntriesArgs is sent by the leader both to replicate log entries
// and, with Entries empty, as a heartbeat.
type AppendEntriesArgs struct {
	Term         Term
	LeaderID     NodeId
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	Entries      []LogEntry
	LeaderCommit LogIndex
}

// AppendEntriesReply is the response to an AppendEntries RPC. ConflictIndex
// and ConflictTerm let the leader skip ahead multiple entries per round
// trip instead of backing off one index at a time.
type AppendEntriesReply struct {
	Term          Term
	Success       bool
	ConflictIndex LogIndex
	ConflictTerm  Term
}

// InstallSnapshotArgs is sent by the leader when a follower has fallen far
// enough behind that the leader no longer holds the entries it needs.
type InstallSnapshotArgs struct {
	Term              Term
	LeaderID          NodeId
	LastIncludedIndex LogIndex
	LastIncludedTerm  Term
	Data              []byte
}

// InstallSnapshotReply is the response to an InstallSnapshot RPC.
type InstallSnapshotReply struct {
	Term Term
}
