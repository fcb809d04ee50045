package deal

import (
	"sync"
	"time"

	"github.com/jensholdgaard/discord-market-bot/internal/clock"
)

// Tracker records the last activity in each deal room so idle rooms can
// be swept.
type Tracker struct {
	mu      sync.Mutex
	clock   clock.Clock
	timeout time.Duration
	seen    map[string]time.Time
}

// NewTracker returns a Tracker treating rooms as idle after timeout.
func NewTracker(clk clock.Clock, timeout time.Duration) *Tracker {
	return &Tracker{clock: clk, timeout: timeout, seen: make(map[string]time.Time)}
}

// Touch marks room as active now.
func (t *Tracker) Touch(room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[room] = t.clock.Now()
}

// Tracked reports whether room is being tracked.
func (t *Tracker) Tracked(room string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.seen[room]
	return ok
}

// Forget stops tracking room.
func (t *Tracker) Forget(room string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.seen, room)
}

// Len returns the number of tracked rooms.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Sweep removes every room idle for at least the timeout and calls idle
// for each, outside the lock. It returns the number swept.
func (t *Tracker) Sweep(idle func(room string, since time.Time)) int {
	now := t.clock.Now()
	type stale struct {
		room  string
		since time.Time
	}

	t.mu.Lock()
	var swept []stale
	for room, last := range t.seen {
		if now.Sub(last) >= t.timeout {
			swept = append(swept, stale{room, last})
			delete(t.seen, room)
		}
	}
	t.mu.Unlock()

	for _, s := range swept {
		idle(s.room, s.since)
	}
	return len(swept)
}
