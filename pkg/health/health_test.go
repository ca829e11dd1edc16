package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests drive the tracker's notion of now.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(threshold int, cooldown time.Duration) (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	tr := New(threshold, cooldown)
	tr.now = clock.Now
	return tr, clock
}

func TestUnknownNodeIsEligible(t *testing.T) {
	tr, _ := newTestTracker(3, 10*time.Second)
	assert.True(t, tr.Eligible("node1:11211"))
	assert.True(t, tr.DeadUntil("node1:11211").IsZero())
}

func TestFailuresBelowThresholdStayEligible(t *testing.T) {
	tr, _ := newTestTracker(3, 10*time.Second)

	tr.RecordFailure("a:1")
	tr.RecordFailure("a:1")

	assert.True(t, tr.Eligible("a:1"))
	assert.Equal(t, 2, tr.Failures("a:1"))
}

func TestThresholdMarksDeadUntilCooldown(t *testing.T) {
	tr, clock := newTestTracker(3, 10*time.Second)

	for i := 0; i < 3; i++ {
		tr.RecordFailure("a:1")
	}
	assert.False(t, tr.Eligible("a:1"))
	assert.Equal(t, clock.Now().Add(10*time.Second), tr.DeadUntil("a:1"))

	clock.Advance(9 * time.Second)
	assert.False(t, tr.Eligible("a:1"))

	// Cooldown elapsed: the node becomes eligible for a probe.
	clock.Advance(time.Second)
	assert.True(t, tr.Eligible("a:1"))
}

func TestFailedProbeReArmsCooldown(t *testing.T) {
	tr, clock := newTestTracker(1, 5*time.Second)

	tr.RecordFailure("a:1")
	assert.False(t, tr.Eligible("a:1"))

	clock.Advance(5 * time.Second)
	assert.True(t, tr.Eligible("a:1"))

	// The probe fails: dead again for a full cooldown.
	tr.RecordFailure("a:1")
	assert.False(t, tr.Eligible("a:1"))
	assert.Equal(t, clock.Now().Add(5*time.Second), tr.DeadUntil("a:1"))
}

func TestSuccessClearsDeadState(t *testing.T) {
	tr, clock := newTestTracker(2, 10*time.Second)

	tr.RecordFailure("a:1")
	tr.RecordFailure("a:1")
	assert.False(t, tr.Eligible("a:1"))

	clock.Advance(10 * time.Second)
	assert.True(t, tr.Eligible("a:1"))

	// Successful probe: fully alive, failure count reset.
	tr.RecordSuccess("a:1")
	assert.True(t, tr.Eligible("a:1"))
	assert.Equal(t, 0, tr.Failures("a:1"))
	assert.True(t, tr.DeadUntil("a:1").IsZero())

	// A single new failure must not immediately re-kill the node.
	tr.RecordFailure("a:1")
	assert.True(t, tr.Eligible("a:1"))
}

func TestNodesTrackedIndependently(t *testing.T) {
	tr, _ := newTestTracker(1, 10*time.Second)

	tr.RecordFailure("a:1")
	assert.False(t, tr.Eligible("a:1"))
	assert.True(t, tr.Eligible("b:1"))
}

func TestThresholdFloor(t *testing.T) {
	tr, _ := newTestTracker(0, time.Second)

	tr.RecordFailure("a:1")
	assert.False(t, tr.Eligible("a:1"))
}

func TestConcurrentRecording(t *testing.T) {
	tr, _ := newTestTracker(3, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if n%2 == 0 {
					tr.RecordFailure("a:1")
				} else {
					tr.RecordSuccess("a:1")
				}
				tr.Eligible("a:1")
			}
		}(i)
	}
	wg.Wait()
	// No assertion beyond not racing; health is last-write-wins.
}
