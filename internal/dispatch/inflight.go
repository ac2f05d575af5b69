package dispatch

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// InFlight tracks outstanding fanout calls without transferring ownership:
// callers never wait on individual calls, only shutdown drains the set as a
// whole.
type InFlight struct {
	mu      sync.Mutex
	count   int
	waiters []chan struct{}
	gauge   prometheus.Gauge // may be nil
}

// NewInFlight creates a tracker. gauge may be nil.
func NewInFlight(gauge prometheus.Gauge) *InFlight {
	return &InFlight{gauge: gauge}
}

// Add registers one outstanding call.
func (f *InFlight) Add() {
	f.mu.Lock()
	f.count++
	f.mu.Unlock()
	if f.gauge != nil {
		f.gauge.Inc()
	}
}

// Done settles one outstanding call. When the set empties, all drain
// waiters are released.
func (f *InFlight) Done() {
	f.mu.Lock()
	f.count--
	if f.count < 0 {
		f.count = 0
	}
	var toClose []chan struct{}
	if f.count == 0 {
		toClose = f.waiters
		f.waiters = nil
	}
	f.mu.Unlock()

	if f.gauge != nil {
		f.gauge.Dec()
	}
	for _, ch := range toClose {
		close(ch)
	}
}

// Count returns the current number of outstanding calls.
func (f *InFlight) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Drain blocks until the set is empty or the context expires, and returns
// the number of calls still outstanding.
func (f *InFlight) Drain(ctx context.Context) int {
	f.mu.Lock()
	if f.count == 0 {
		f.mu.Unlock()
		return 0
	}
	ch := make(chan struct{})
	f.waiters = append(f.waiters, ch)
	f.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
	}
	return f.Count()
}
