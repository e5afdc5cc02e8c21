package raft

// onCompact discards the log prefix a caller-produced state machine
// snapshot has made redundant. The snapshotting algorithm itself — how
// the caller decides when to snapshot, and how it transfers a snapshot in
// chunks to a lagging follower — is intentionally out of scope; this only
// updates the bookkeeping InstallSnapshot and AppendEntries rely on.
func (rf *Raft) onCompact(index LogIndex, snapshot []byte) {
	if index <= rf.log.lastIncludedIndex || index > rf.commitIndex {
		return
	}
	term, ok := rf.log.termAt(index)
	if !ok {
		return
	}

	rf.log.compactPrefix(index, term)
	if err := rf.persister.SaveSnapshot(rf.encodeState(), snapshot); err != nil {
		rf.logger.Printf("persist snapshot failed: %v", err)
	}
	rf.logger.Printf("compacted log prefix through index %d", index)
}
