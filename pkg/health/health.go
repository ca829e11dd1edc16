// Package health tracks per-node failure state for routing decisions.
//
// Fast timeouts alone are not enough to keep a client responsive: without
// memoized health, every operation routed to a down node pays the full
// timeout before failing over. The Tracker remembers which nodes have been
// failing so subsequent operations skip straight to the next ring candidate.
//
// The state machine per node is:
//
//	alive -> (failures reach threshold) -> dead
//	dead  -> (cooldown elapses)         -> eligible again (optimistic probe)
//
// A success at any point resets the node to alive with a zero failure
// count. A failure while dead re-arms the cooldown. There is no background
// polling: recovery is lazy, checked on the next routing decision.
//
// Health state is a routing heuristic, not a correctness invariant.
// Concurrent success and failure records for the same node resolve
// last-write-wins.
package health

import (
	"sync"
	"time"
)

// Tracker records operation outcomes per node and answers eligibility
// queries. All methods are safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	nodes     map[string]*nodeState
	threshold int
	cooldown  time.Duration
	now       func() time.Time // Clock, swapped out in tests
}

// nodeState is the mutable health record for one node. A node with no
// record is alive; records exist only for nodes with recent failures.
type nodeState struct {
	failures  int
	deadUntil time.Time
}

// New creates a Tracker that marks a node dead after threshold consecutive
// failures and keeps it ineligible for the cooldown duration. A threshold
// below 1 is treated as 1 (dead on first failure).
func New(threshold int, cooldown time.Duration) *Tracker {
	if threshold < 1 {
		threshold = 1
	}
	return &Tracker{
		nodes:     make(map[string]*nodeState),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// RecordSuccess resets the node to alive, clearing its failure count and
// any dead state.
func (t *Tracker) RecordSuccess(addr string) {
	t.mu.Lock()
	delete(t.nodes, addr)
	t.mu.Unlock()
}

// RecordFailure increments the node's consecutive failure count. Once the
// count reaches the threshold the node is marked dead until now+cooldown;
// further failures while dead push the deadline forward.
func (t *Tracker) RecordFailure(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.nodes[addr]
	if !ok {
		st = &nodeState{}
		t.nodes[addr] = st
	}
	st.failures++
	if st.failures >= t.threshold {
		st.deadUntil = t.now().Add(t.cooldown)
	}
}

// Eligible reports whether an operation may be routed to the node. Alive
// nodes are always eligible. A dead node becomes eligible once its cooldown
// has elapsed, which lets exactly the next operation through as a probe: if
// that operation fails, RecordFailure re-arms the cooldown; if it succeeds,
// RecordSuccess clears the dead state.
func (t *Tracker) Eligible(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.nodes[addr]
	if !ok || st.failures < t.threshold {
		return true
	}
	return !t.now().Before(st.deadUntil)
}

// DeadUntil returns the time at which the node's cooldown expires, or the
// zero time if the node is not dead. Callers use this to pick the
// least-recently-condemned node when every candidate is dead.
func (t *Tracker) DeadUntil(addr string) time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.nodes[addr]
	if !ok || st.failures < t.threshold {
		return time.Time{}
	}
	return st.deadUntil
}

// Failures returns the node's current consecutive failure count.
func (t *Tracker) Failures(addr string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.nodes[addr]; ok {
		return st.failures
	}
	return 0
}
