package kvserver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raftkv/raftkv/raft"
	"github.com/raftkv/raftkv/statemachine"
)

func fastRaftConfig() raft.Config {
	return raft.Config{ElectionTimeoutMin: 50, ElectionTimeoutMax: 100, HeartbeatInterval: 10, RPCTimeout: 50, MaxAppendEntries: raft.DefaultMaxAppendEntries}
}

// newSoloServer builds a gateway over a single-node cluster, which elects
// itself and can commit without any peer traffic.
func newSoloServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer("solo", map[raft.NodeId]raft.RaftPeer{}, raft.NewMemoryPersister(), statemachine.NewKVStore(), fastRaftConfig(), 0)
	t.Cleanup(s.Raft().Kill)

	require.Eventually(t, func() bool {
		_, isLeader := s.Raft().GetState()
		return isLeader
	}, 2*time.Second, 5*time.Millisecond)
	return s
}

func commandPayload(t *testing.T, cmd statemachine.Command) []byte {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return data
}

func decodeResult(t *testing.T, raw []byte) statemachine.Result {
	t.Helper()
	var result statemachine.Result
	require.NoError(t, json.Unmarshal(raw, &result))
	return result
}

func TestCommandSetThenGet(t *testing.T) {
	s := newSoloServer(t)

	setReply := &CommandReply{}
	require.NoError(t, s.Command(&CommandArgs{
		ClientID:       "client-1",
		SequenceNumber: 1,
		Payload:        commandPayload(t, statemachine.Command{Op: statemachine.OpSet, Key: "x", Value: "1"}),
	}, setReply))
	require.Empty(t, setReply.Err)
	require.False(t, setReply.WrongLeader)

	getReply := &CommandReply{}
	require.NoError(t, s.Command(&CommandArgs{
		ClientID:       "client-1",
		SequenceNumber: 2,
		Payload:        commandPayload(t, statemachine.Command{Op: statemachine.OpGet, Key: "x"}),
	}, getReply))
	require.Empty(t, getReply.Err)

	result := decodeResult(t, getReply.Result)
	assert.True(t, result.Found)
	assert.Equal(t, "1", result.Value)
}

func TestCommandDeduplicatesRetriedSubmission(t *testing.T) {
	s := newSoloServer(t)

	args := &CommandArgs{
		ClientID:       "client-1",
		SequenceNumber: 1,
		Payload:        commandPayload(t, statemachine.Command{Op: statemachine.OpSet, Key: "x", Value: "1"}),
	}

	first := &CommandReply{}
	require.NoError(t, s.Command(args, first))
	require.Empty(t, first.Err)

	before, err := s.Raft().Status()
	require.NoError(t, err)

	// The same (ClientID, SequenceNumber) again: served from the dedup
	// table, not re-appended to the log.
	retry := &CommandReply{}
	require.NoError(t, s.Command(args, retry))
	require.Empty(t, retry.Err)
	assert.Equal(t, first.Result, retry.Result)

	after, err := s.Raft().Status()
	require.NoError(t, err)
	assert.Equal(t, before.LogLength, after.LogLength)
}

func TestCommandApplyErrorSurfacesToClient(t *testing.T) {
	s := newSoloServer(t)

	reply := &CommandReply{}
	require.NoError(t, s.Command(&CommandArgs{
		ClientID:       "client-1",
		SequenceNumber: 1,
		Payload:        commandPayload(t, statemachine.Command{Op: "FROBNICATE", Key: "x"}),
	}, reply))

	assert.False(t, reply.WrongLeader)
	assert.NotEmpty(t, reply.Err, "a rejected payload still commits, but the error reaches the client")

	// The node keeps making progress past the bad entry.
	next := &CommandReply{}
	require.NoError(t, s.Command(&CommandArgs{
		ClientID:       "client-1",
		SequenceNumber: 2,
		Payload:        commandPayload(t, statemachine.Command{Op: statemachine.OpSet, Key: "x", Value: "1"}),
	}, next))
	assert.Empty(t, next.Err)
}

// rejectingPeer denies every vote, pinning the local node below a majority
// so it can never become leader.
type rejectingPeer struct{}

func (rejectingPeer) RequestVote(args *raft.RequestVoteArgs, reply *raft.RequestVoteReply) error {
	reply.Term = args.Term
	reply.VoteGranted = false
	return nil
}

func (rejectingPeer) AppendEntries(args *raft.AppendEntriesArgs, reply *raft.AppendEntriesReply) error {
	reply.Term = args.Term
	return nil
}

func (rejectingPeer) InstallSnapshot(args *raft.InstallSnapshotArgs, reply *raft.InstallSnapshotReply) error {
	reply.Term = args.Term
	return nil
}

func TestCommandOnNonLeaderReportsWrongLeader(t *testing.T) {
	peers := map[raft.NodeId]raft.RaftPeer{"other": rejectingPeer{}, "another": rejectingPeer{}}
	s := NewServer("minority", peers, raft.NewMemoryPersister(), statemachine.NewKVStore(), fastRaftConfig(), 0)
	t.Cleanup(s.Raft().Kill)

	reply := &CommandReply{}
	require.NoError(t, s.Command(&CommandArgs{
		ClientID:       "client-1",
		SequenceNumber: 1,
		Payload:        commandPayload(t, statemachine.Command{Op: statemachine.OpSet, Key: "x", Value: "1"}),
	}, reply))

	assert.True(t, reply.WrongLeader)
}

func TestQueryOnLeaderReadsAppliedState(t *testing.T) {
	s := newSoloServer(t)

	set := &CommandReply{}
	require.NoError(t, s.Command(&CommandArgs{
		ClientID:       "client-1",
		SequenceNumber: 1,
		Payload:        commandPayload(t, statemachine.Command{Op: statemachine.OpSet, Key: "x", Value: "1"}),
	}, set))
	require.Empty(t, set.Err)

	reply := &QueryReply{}
	require.NoError(t, s.Query(&QueryArgs{
		Request: commandPayload(t, statemachine.Command{Op: statemachine.OpGet, Key: "x"}),
	}, reply))

	require.False(t, reply.WrongLeader)
	require.Empty(t, reply.Err)
	result := decodeResult(t, reply.Result)
	assert.True(t, result.Found)
	assert.Equal(t, "1", result.Value)
}
