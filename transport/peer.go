package transport

import "github.com/raftkv/raftkv/raft"

// RaftPeer adapts a pooled RPC Client to the raft.RaftPeer interface, so
// the node core can reach another cluster member without knowing anything
// about net/rpc.
type RaftPeer struct {
	addr   string
	client *Client
}

// NewRaftPeer wraps client as a raft.RaftPeer bound to service name
// "Raft" on addr.
func NewRaftPeer(addr string, client *Client) *RaftPeer {
	return &RaftPeer{addr: addr, client: client}
}

func (p *RaftPeer) RequestVote(args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error {
	return p.client.Call("Raft.RequestVote", args, reply)
}

func (p *RaftPeer) AppendEntries(args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error {
	return p.client.Call("Raft.AppendEntries", args, reply)
}

func (p *RaftPeer) InstallSnapshot(args *raft.InstallSnapshotArgs, reply *raft.InstallSnapshotReply) error {
	return p.client.Call("Raft.InstallSnapshot", args, reply)
}

// RaftService exposes a *raft.Raft's RPC handlers for registration with a
// transport.Server under the name "Raft".
type RaftService struct {
	rf *raft.Raft
}

// NewRaftService wraps rf for RPC registration.
func NewRaftService(rf *raft.Raft) *RaftService {
	return &RaftService{rf: rf}
}

func (s *RaftService) RequestVote(args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error {
	return s.rf.RequestVote(args, reply)
}

func (s *RaftService) AppendEntries(args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error {
	return s.rf.AppendEntries(args, reply)
}

func (s *RaftService) InstallSnapshot(args *raft.InstallSnapshotArgs, reply *raft.InstallSnapshotReply) error {
	return s.rf.InstallSnapshot(args, reply)
}
