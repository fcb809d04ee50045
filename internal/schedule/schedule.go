// Package schedule runs deferred callbacks at absolute times. Entries are
// always derived from persisted end times, so the whole schedule can be
// rebuilt after a restart by scheduling every open record again.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jensholdgaard/discord-market-bot/internal/clock"
)

// Func is a scheduled callback. It must re-check that its record still
// exists and is in the expected state before acting.
type Func func(ctx context.Context)

// Scheduler keys each pending callback by name. Scheduling an existing key
// replaces its callback.
type Scheduler struct {
	mu      sync.Mutex
	clock   clock.Clock
	logger  *slog.Logger
	entries map[string]*entry
	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
}

type entry struct {
	at    time.Time
	timer clock.Timer
}

// New returns an empty Scheduler.
func New(clk clock.Clock, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:   clk,
		logger:  logger,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Remaining returns how long until at. It is negative once at has passed.
func (s *Scheduler) Remaining(at time.Time) time.Duration {
	return at.Sub(s.clock.Now())
}

// Schedule arranges for fn to run at at. If at is not in the future, fn
// runs immediately.
func (s *Scheduler) Schedule(key string, at time.Time, fn Func) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if old, ok := s.entries[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	e := &entry{at: at}
	s.entries[key] = e
	ctx := s.ctx
	s.mu.Unlock()

	// The timer is assigned after AfterFunc returns, and a zero delay can
	// fire before that, so the callback only needs e's identity.
	timer := s.clock.AfterFunc(s.Remaining(at), func() {
		s.mu.Lock()
		if s.entries[key] == e {
			delete(s.entries, key)
		}
		// Stop cancels under mu, so a callback counted here is one
		// Stop waits for.
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}
		s.running.Add(1)
		s.mu.Unlock()
		s.run(ctx, key, fn)
	})

	s.mu.Lock()
	e.timer = timer
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, key string, fn Func) {
	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "scheduled callback panicked",
				slog.String("key", key),
				slog.Any("error", fmt.Errorf("%v", r)),
			)
		}
	}()
	fn(ctx)
}

// Pending returns the keys still waiting to fire with their due times.
func (s *Scheduler) Pending() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.at
	}
	return out
}

// Stop cancels every pending callback and waits for running ones to
// return. Later calls to Schedule are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	for k, e := range s.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, k)
	}
	s.mu.Unlock()
	s.running.Wait()
}
