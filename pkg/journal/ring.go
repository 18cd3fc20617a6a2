// Package journal keeps a record of controller commands and finished doses.
package journal

import (
	"sync"
	"time"
)

// DefaultCapacity is the number of command entries kept by default.
const DefaultCapacity = 50

// Entry is one command exchanged with the motor controller.
type Entry struct {
	Time     time.Time
	Command  string
	Response string
	Duration time.Duration
	Success  bool
}

// Recorder receives command entries.
type Recorder interface {
	Record(Entry)
}

// Stats summarises all commands recorded since creation or the last Clear.
type Stats struct {
	Total       int
	Succeeded   int
	Failed      int
	SuccessRate float64 // Percent
	Since       time.Time
}

// Ring is a fixed-capacity circular command log. Statistics count every
// recorded entry, including those already overwritten.
type Ring struct {
	mu        sync.RWMutex
	entries   []Entry
	next      int
	count     int
	total     int
	succeeded int
	since     time.Time
	now       func() time.Time
}

// NewRing creates a ring holding up to capacity entries.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{
		entries: make([]Entry, capacity),
		since:   time.Now(),
		now:     time.Now,
	}
}

// Record implements Recorder.
func (r *Ring) Record(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e.Time.IsZero() {
		e.Time = r.now()
	}
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}

	r.total++
	if e.Success {
		r.succeeded++
	}
}

// Len returns the number of entries currently held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Capacity returns the maximum number of entries held.
func (r *Ring) Capacity() int {
	return len(r.entries)
}

// Last returns up to n most recent entries, oldest first.
func (r *Ring) Last(n int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]Entry, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}

// Stats returns command statistics.
func (r *Ring) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Total:     r.total,
		Succeeded: r.succeeded,
		Failed:    r.total - r.succeeded,
		Since:     r.since,
	}
	if r.total > 0 {
		s.SuccessRate = float64(r.succeeded) * 100 / float64(r.total)
	}
	return s
}

// Clear drops all entries and resets statistics.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.entries {
		r.entries[i] = Entry{}
	}
	r.next = 0
	r.count = 0
	r.total = 0
	r.succeeded = 0
	r.since = r.now()
}
