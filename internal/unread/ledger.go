// Package unread tracks unread-message counters: one per contact plus a global
// aggregate shown as the badge total.
//
// The aggregate is a running sum maintained on every mutation rather than
// recomputed on read. All mutation goes through Increment and Clear, and Clear
// reports exactly how much it removed so the aggregate is decremented by the
// amount actually cleared and can never drift below zero.
package unread

import "sync"

// Ledger is an owned, goroutine-safe set of unread counters.
type Ledger struct {
	mu     sync.Mutex
	counts map[int64]int
	global int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{counts: make(map[int64]int)}
}

// Increment adds one unread message for contactID and to the aggregate. It
// returns the contact's new count.
func (l *Ledger) Increment(contactID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts[contactID]++
	l.global++
	return l.counts[contactID]
}

// Clear zeroes the counter of contactID and decrements the aggregate by the
// amount removed. It returns that amount, which is 0 when the contact had no
// unread messages.
func (l *Ledger) Clear(contactID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.counts[contactID]
	delete(l.counts, contactID)
	l.global -= n
	if l.global < 0 {
		l.global = 0
	}
	return n
}

// Count returns the unread count for contactID.
func (l *Ledger) Count(contactID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[contactID]
}

// GlobalCount returns the aggregate unread count.
func (l *Ledger) GlobalCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.global
}

// Sum recomputes the aggregate from the per-contact counters. It always equals
// GlobalCount; it exists for consistency checks.
func (l *Ledger) Sum() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := 0
	for _, n := range l.counts {
		total += n
	}
	return total
}

// Snapshot returns a copy of the non-zero per-contact counters.
func (l *Ledger) Snapshot() map[int64]int {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[int64]int, len(l.counts))
	for id, n := range l.counts {
		out[id] = n
	}
	return out
}
