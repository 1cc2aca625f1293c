// Package ratelimit provides per-device sliding-window admission control.
//
// A sliding window counts events within a trailing time interval rather
// than fixed buckets, so a burst at a bucket boundary cannot double the
// effective quota.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a per-key sliding-window rate limiter.
type Limiter interface {
	// Check admits or rejects a request for a key. Admission consumes
	// capacity; rejection does not.
	Check(key string) bool

	// RemainingRequests returns the unconsumed capacity for a key within
	// the current window.
	RemainingRequests(key string) int

	// Reset discards the recorded history for a key.
	Reset(key string)
}

// SlidingWindow is an in-memory Limiter. One mutex guards the whole record
// map; operations are short map and slice work with no I/O. Records whose
// timestamps have all aged out are deleted during pruning, so devices that
// go quiet do not pin memory for the process lifetime.
type SlidingWindow struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	records map[string][]time.Time
}

// NewSlidingWindow creates a limiter admitting at most max requests per key
// within a trailing window.
func NewSlidingWindow(max int, window time.Duration) *SlidingWindow {
	if max <= 0 {
		max = 100
	}
	if window <= 0 {
		window = time.Hour
	}
	return &SlidingWindow{
		window:  window,
		max:     max,
		records: make(map[string][]time.Time),
	}
}

// Check prunes the key's record to the window, then admits iff the pruned
// count is under the limit, recording the new timestamp only on admission.
func (l *SlidingWindow) Check(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	record := l.pruneLocked(key, now)
	if len(record) >= l.max {
		return false
	}

	l.records[key] = append(record, now)
	return true
}

// RemainingRequests returns the unconsumed capacity for a key.
func (l *SlidingWindow) RemainingRequests(key string) int {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := l.max - len(l.pruneLocked(key, now))
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset discards the recorded history for a key.
func (l *SlidingWindow) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key)
}

// Len returns the number of tracked keys (for testing and monitoring).
func (l *SlidingWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// pruneLocked drops timestamps older than the window and returns the pruned
// record. Fully aged-out records are deleted from the map.
func (l *SlidingWindow) pruneLocked(key string, now time.Time) []time.Time {
	record, ok := l.records[key]
	if !ok {
		return nil
	}

	cutoff := now.Add(-l.window)
	kept := record[:0]
	for _, ts := range record {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) == 0 {
		delete(l.records, key)
		return nil
	}

	l.records[key] = kept
	return kept
}
