package statemachine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMarshal(t *testing.T, cmd Command) []byte {
	t.Helper()
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	return data
}

func TestApplySetThenGet(t *testing.T) {
	store := NewKVStore()

	_, err := store.Apply(mustMarshal(t, Command{Op: OpSet, Key: "a", Value: "1"}))
	require.NoError(t, err)

	raw, err := store.Apply(mustMarshal(t, Command{Op: OpGet, Key: "a"}))
	require.NoError(t, err)

	var result Result
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.True(t, result.Found)
	assert.Equal(t, "1", result.Value)
}

func TestApplyGetMissingKey(t *testing.T) {
	store := NewKVStore()

	raw, err := store.Apply(mustMarshal(t, Command{Op: OpGet, Key: "missing"}))
	require.NoError(t, err)

	var result Result
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.False(t, result.Found)
}

func TestApplyDeleteReportsWhetherKeyExisted(t *testing.T) {
	store := NewKVStore()
	_, err := store.Apply(mustMarshal(t, Command{Op: OpSet, Key: "a", Value: "1"}))
	require.NoError(t, err)

	raw, err := store.Apply(mustMarshal(t, Command{Op: OpDelete, Key: "a"}))
	require.NoError(t, err)
	var first Result
	require.NoError(t, json.Unmarshal(raw, &first))
	assert.True(t, first.Found)

	raw, err = store.Apply(mustMarshal(t, Command{Op: OpDelete, Key: "a"}))
	require.NoError(t, err)
	var second Result
	require.NoError(t, json.Unmarshal(raw, &second))
	assert.False(t, second.Found)
}

func TestApplyUnknownOpIsRejected(t *testing.T) {
	store := NewKVStore()
	_, err := store.Apply(mustMarshal(t, Command{Op: "FROBNICATE", Key: "a"}))
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestQueryDoesNotMutateState(t *testing.T) {
	store := NewKVStore()
	_, err := store.Apply(mustMarshal(t, Command{Op: OpSet, Key: "a", Value: "1"}))
	require.NoError(t, err)

	raw, err := store.Query(mustMarshal(t, Command{Op: OpGet, Key: "a"}))
	require.NoError(t, err)
	var result Result
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, "1", result.Value)

	snapshot, err := store.Snapshot()
	require.NoError(t, err)
	var data map[string]string
	require.NoError(t, json.Unmarshal(snapshot, &data))
	assert.Equal(t, map[string]string{"a": "1"}, data)
}

func TestRestoreReplacesState(t *testing.T) {
	store := NewKVStore()
	_, err := store.Apply(mustMarshal(t, Command{Op: OpSet, Key: "stale", Value: "x"}))
	require.NoError(t, err)

	snapshot, err := json.Marshal(map[string]string{"fresh": "y"})
	require.NoError(t, err)
	require.NoError(t, store.Restore(snapshot))

	raw, err := store.Query(mustMarshal(t, Command{Op: OpGet, Key: "stale"}))
	require.NoError(t, err)
	var staleResult Result
	require.NoError(t, json.Unmarshal(raw, &staleResult))
	assert.False(t, staleResult.Found)

	raw, err = store.Query(mustMarshal(t, Command{Op: OpGet, Key: "fresh"}))
	require.NoError(t, err)
	var freshResult Result
	require.NoError(t, json.Unmarshal(raw, &freshResult))
	assert.True(t, freshResult.Found)
	assert.Equal(t, "y", freshResult.Value)
}
