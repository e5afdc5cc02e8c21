package raft

import (
	"math/rand"
	"time"
)

// electionTimeout draws a random duration in [min, max) milliseconds, the
// randomization that keeps split votes rare in practice.
func electionTimeout(min, max int) time.Duration {
	if max <= min {
		return time.Duration(min) * time.Millisecond
	}
	return time.Duration(min+rand.Intn(max-min)) * time.Millisecond
}

// resetTimer stops t (draining its channel if it had already fired) and
// reschedules it for d from now. It is safe to call on a timer that may or
// may not have already fired.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
