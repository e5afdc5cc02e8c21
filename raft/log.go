package raft

// Log is the Log Store component: the ordered sequence of LogEntry values
// plus the bookkeeping needed to translate between global log indices and
// the in-memory slice once a prefix has been compacted away by a snapshot.
//
// Index 0 is never a real entry. lastIncludedIndex/lastIncludedTerm describe
// the entry immediately before the first entry physically stored in
// entries; they start at (0, 0) and advance whenever compactPrefix runs.
type Log struct {
	entries           []LogEntry
	lastIncludedIndex LogIndex
	lastIncludedTerm  Term
}

// NewLog returns an empty log with no compacted prefix.
func NewLog() *Log {
	return &Log{}
}

// lastIndex returns the index of the last entry in the log, or the
// compacted prefix boundary if the log is currently empty.
func (l *Log) lastIndex() LogIndex {
	if len(l.entries) == 0 {
		return l.lastIncludedIndex
	}
	return l.entries[len(l.entries)-1].Index
}

// lastTerm returns the term of the last entry in the log, or the
// compacted prefix boundary's term if the log is currently empty.
func (l *Log) lastTerm() Term {
	if len(l.entries) == 0 {
		return l.lastIncludedTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// termAt returns the term of the entry at index, and whether index refers
// to an entry this log can answer for (either a live entry or exactly the
// compacted boundary).
func (l *Log) termAt(index LogIndex) (Term, bool) {
	if index == l.lastIncludedIndex {
		return l.lastIncludedTerm, true
	}
	if index < l.lastIncludedIndex {
		return 0, false
	}
	pos := int(index - l.lastIncludedIndex - 1)
	if pos < 0 || pos >= len(l.entries) {
		return 0, false
	}
	return l.entries[pos].Term, true
}

// at returns the entry at index, and whether it exists in memory.
func (l *Log) at(index LogIndex) (LogEntry, bool) {
	if index <= l.lastIncludedIndex {
		return LogEntry{}, false
	}
	pos := int(index - l.lastIncludedIndex - 1)
	if pos < 0 || pos >= len(l.entries) {
		return LogEntry{}, false
	}
	return l.entries[pos], true
}

// append adds entries to the end of the log. Callers are responsible for
// ensuring entries are contiguous and follow the current last index.
func (l *Log) append(entries ...LogEntry) {
	l.entries = append(l.entries, entries...)
}

// slice returns a copy of the entries with index > after, capped at
// maxEntries, for replication batching. A non-positive maxEntries means
// no cap.
func (l *Log) slice(after LogIndex, maxEntries int) []LogEntry {
	if after < l.lastIncludedIndex {
		after = l.lastIncludedIndex
	}
	pos := int(after - l.lastIncludedIndex)
	if pos < 0 || pos >= len(l.entries) {
		return nil
	}
	end := len(l.entries)
	if maxEntries > 0 && pos+maxEntries < end {
		end = pos + maxEntries
	}
	out := make([]LogEntry, end-pos)
	copy(out, l.entries[pos:end])
	return out
}

// truncateSuffix discards every entry with index > keepThrough. The log
// itself has no notion of commitIndex, so it cannot enforce the invariant
// that a committed entry is never discarded; the caller (see
// Raft.truncateSuffix in raft.go) is responsible for checking
// keepThrough against commitIndex and treating a violation as fatal.
func (l *Log) truncateSuffix(keepThrough LogIndex) {
	if keepThrough < l.lastIncludedIndex {
		keepThrough = l.lastIncludedIndex
	}
	pos := int(keepThrough - l.lastIncludedIndex)
	if pos < 0 {
		pos = 0
	}
	if pos >= len(l.entries) {
		return
	}
	l.entries = l.entries[:pos]
}

// firstIndexOfTerm returns the lowest index in the live log whose term
// equals term, used to answer the leader's conflict-term fast backoff.
func (l *Log) firstIndexOfTerm(term Term) (LogIndex, bool) {
	for _, e := range l.entries {
		if e.Term == term {
			return e.Index, true
		}
	}
	return 0, false
}

// lastIndexOfTerm returns the highest index in the live log whose term
// equals term.
func (l *Log) lastIndexOfTerm(term Term) (LogIndex, bool) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Term == term {
			return l.entries[i].Index, true
		}
	}
	return 0, false
}

// compactPrefix discards entries up to and including lastIncludedIndex,
// recording the term of the entry it replaced. This only ever runs against
// a snapshot the caller already produced; there is no separate
// chunked-transfer path.
func (l *Log) compactPrefix(lastIncludedIndex LogIndex, lastIncludedTerm Term) {
	if lastIncludedIndex <= l.lastIncludedIndex {
		return
	}
	pos := int(lastIncludedIndex - l.lastIncludedIndex)
	if pos >= 0 && pos <= len(l.entries) {
		remaining := make([]LogEntry, len(l.entries)-pos)
		copy(remaining, l.entries[pos:])
		l.entries = remaining
	} else {
		l.entries = nil
	}
	l.lastIncludedIndex = lastIncludedIndex
	l.lastIncludedTerm = lastIncludedTerm
}
