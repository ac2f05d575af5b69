package queue

import (
	"sync"
	"time"
)

// State holds the in-memory delivery counters derived from the queue. The
// values are approximate between retry ticks; every completed tick and every
// metrics scan recomputes them from persisted entries.
type State struct {
	mu           sync.Mutex
	failed       int
	retryableNow int
	nextDueAt    *time.Time
	lastError    string
	lastRetryAt  *time.Time
}

// Snapshot is a point-in-time copy of the delivery counters.
type Snapshot struct {
	Failed       int
	RetryableNow int
	NextDueAt    *time.Time
	LastError    string
	LastRetryAt  *time.Time
}

// NewState creates an empty State.
func NewState() *State {
	return &State{}
}

// Snapshot returns a copy of the current counters.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Failed:       s.failed,
		RetryableNow: s.retryableNow,
		LastError:    s.lastError,
	}
	if s.nextDueAt != nil {
		t := *s.nextDueAt
		snap.NextDueAt = &t
	}
	if s.lastRetryAt != nil {
		t := *s.lastRetryAt
		snap.LastRetryAt = &t
	}
	return snap
}

// RecordAppend accounts for one entry appended to the queue.
func (s *State) RecordAppend(errMsg string, nextAttempt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	s.lastError = errMsg
	if s.nextDueAt == nil || nextAttempt.Before(*s.nextDueAt) {
		t := nextAttempt
		s.nextDueAt = &t
	}
}

// RecordError updates last_error without touching the counters. Used for
// persistence failures where the entry was dropped.
func (s *State) RecordError(errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = errMsg
}

// Zero resets the queue-derived counters to an empty queue.
func (s *State) Zero() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = 0
	s.retryableNow = 0
	s.nextDueAt = nil
}

// SetScan replaces the queue-derived counters with freshly scanned values.
func (s *State) SetScan(failed, retryableNow int, nextDueAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = failed
	s.retryableNow = retryableNow
	s.nextDueAt = nextDueAt
}

// SetAfterTick replaces the counters from a completed retry tick. lastError
// is only overwritten when it is non-empty.
func (s *State) SetAfterTick(failed, retryableNow int, nextDueAt *time.Time, lastError string, tickAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = failed
	s.retryableNow = retryableNow
	s.nextDueAt = nextDueAt
	if lastError != "" {
		s.lastError = lastError
	}
	t := tickAt
	s.lastRetryAt = &t
}
