package pending

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jensholdgaard/discord-market-bot/internal/clock"
)

// Memory is an in-process Store.
type Memory struct {
	mu      sync.Mutex
	clock   clock.Clock
	timeout time.Duration
	max     int
	entries map[string]Submission
}

// NewMemory returns a Memory store expiring entries after timeout and
// allowing max pending entries per owner.
func NewMemory(clk clock.Clock, timeout time.Duration, max int) *Memory {
	return &Memory{clock: clk, timeout: timeout, max: max, entries: make(map[string]Submission)}
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, s Submission) error {
	now := m.clock.Now()
	s.CreatedAt = now
	s.ExpiresAt = now.Add(m.timeout)
	k := key(s.Owner, s.Channel)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, replacing := m.entries[k]; !replacing && m.max > 0 {
		n := 0
		for _, e := range m.entries {
			if e.Owner == s.Owner && now.Before(e.ExpiresAt) {
				n++
			}
		}
		if n >= m.max {
			return ErrLimit
		}
	}
	m.entries[k] = s
	return nil
}

// Take implements Store.
func (m *Memory) Take(_ context.Context, owner, channel string) (*Submission, error) {
	k := key(owner, channel)

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.entries[k]
	if !ok || !m.clock.Now().Before(s.ExpiresAt) {
		return nil, ErrNotFound
	}
	delete(m.entries, k)
	return &s, nil
}

// Sweep implements Store.
func (m *Memory) Sweep(context.Context) ([]Submission, error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Submission
	for k, s := range m.entries {
		if !now.Before(s.ExpiresAt) {
			expired = append(expired, s)
			delete(m.entries, k)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ExpiresAt.Before(expired[j].ExpiresAt) })
	return expired, nil
}

// Purge implements Store.
func (m *Memory) Purge(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
	return nil
}
