// Package memstore provides a store.Driver that keeps every record in
// process memory. It backs tests and single-process rehearsal runs; data
// does not survive a restart.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/jensholdgaard/discord-market-bot/internal/clock"
	"github.com/jensholdgaard/discord-market-bot/internal/config"
	"github.com/jensholdgaard/discord-market-bot/internal/event"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
)

func init() {
	store.Register("memory", func(context.Context, config.DatabaseConfig, clock.Clock) (*store.Repositories, error) {
		return New().Repositories(), nil
	})
}

// Store holds all records behind one lock, so every read-modify-write is
// atomic.
type Store struct {
	mu        sync.Mutex
	auctions  map[string]listing.Auction
	giveaways map[string]listing.Giveaway
	deals     map[string]listing.Deal
	outcomes  map[string]listing.Outcome
	events    []event.Event
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		auctions:  make(map[string]listing.Auction),
		giveaways: make(map[string]listing.Giveaway),
		deals:     make(map[string]listing.Deal),
		outcomes:  make(map[string]listing.Outcome),
	}
}

// Repositories exposes the store through the repository interfaces.
func (s *Store) Repositories() *store.Repositories {
	return &store.Repositories{
		Auctions:  (*auctions)(s),
		Giveaways: (*giveaways)(s),
		Deals:     (*deals)(s),
		Outcomes:  (*outcomes)(s),
		Events:    (*events)(s),
		Closer:    store.CloserFunc(func() error { return nil }),
		Ping:      func(context.Context) error { return nil },
	}
}

type auctions Store

func (r *auctions) Create(_ context.Context, a *listing.Auction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.auctions[a.ID]; ok {
		return store.ErrDuplicate
	}
	r.auctions[a.ID] = *a
	return nil
}

func (r *auctions) Get(_ context.Context, id string) (*listing.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.auctions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (r *auctions) GetByContainer(_ context.Context, container string) (*listing.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.auctions {
		if a.Container == container {
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *auctions) ListByStatus(_ context.Context, statuses ...listing.Status) ([]listing.Auction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []listing.Auction
	for _, a := range r.auctions {
		if slices.Contains(statuses, a.Status) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

func (r *auctions) RaiseBid(_ context.Context, id string, expected, amount int64, bidder string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.auctions[id]
	if !ok {
		return store.ErrNotFound
	}
	if a.Status != listing.StatusActive || a.HighestBid != expected || amount <= expected {
		return store.ErrConflict
	}
	a.HighestBid = amount
	a.HighestBidder = bidder
	r.auctions[id] = a
	return nil
}

func (r *auctions) Transition(_ context.Context, id string, to listing.Status, from ...listing.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.auctions[id]
	if !ok {
		return store.ErrNotFound
	}
	if !slices.Contains(from, a.Status) {
		return store.ErrConflict
	}
	a.Status = to
	r.auctions[id] = a
	return nil
}

func (r *auctions) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.auctions, id)
	return nil
}

type giveaways Store

func (r *giveaways) Create(_ context.Context, g *listing.Giveaway) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.giveaways[g.ID]; ok {
		return store.ErrDuplicate
	}
	c := *g
	c.Participants = slices.Clone(g.Participants)
	r.giveaways[g.ID] = c
	return nil
}

func (r *giveaways) Get(_ context.Context, id string) (*listing.Giveaway, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.giveaways[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	g.Participants = slices.Clone(g.Participants)
	return &g, nil
}

func (r *giveaways) GetByContainer(_ context.Context, container string) (*listing.Giveaway, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, g := range r.giveaways {
		if g.Container == container {
			g.Participants = slices.Clone(g.Participants)
			return &g, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *giveaways) List(context.Context) ([]listing.Giveaway, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]listing.Giveaway, 0, len(r.giveaways))
	for _, g := range r.giveaways {
		g.Participants = slices.Clone(g.Participants)
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndTime.Before(out[j].EndTime) })
	return out, nil
}

func (r *giveaways) AddParticipant(_ context.Context, id, identity string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.giveaways[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if slices.Contains(g.Participants, identity) {
		return false, nil
	}
	g.Participants = append(slices.Clone(g.Participants), identity)
	r.giveaways[id] = g
	return true, nil
}

func (r *giveaways) Take(_ context.Context, id string) (*listing.Giveaway, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.giveaways[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(r.giveaways, id)
	return &g, nil
}

type deals Store

func (r *deals) Create(_ context.Context, d *listing.Deal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.deals[d.ID]; ok {
		return store.ErrDuplicate
	}
	if d.ListingRef != "" {
		for _, existing := range r.deals {
			if existing.ListingRef == d.ListingRef {
				return store.ErrDuplicate
			}
		}
	}
	r.deals[d.ID] = *d
	return nil
}

func (r *deals) Get(_ context.Context, id string) (*listing.Deal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (r *deals) GetByListing(_ context.Context, listingRef string) (*listing.Deal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.deals {
		if d.ListingRef == listingRef {
			return &d, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *deals) List(context.Context) ([]listing.Deal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]listing.Deal, 0, len(r.deals))
	for _, d := range r.deals {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type outcomes Store

func (r *outcomes) Record(_ context.Context, o *listing.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.outcomes[o.AuctionID]; ok {
		return store.ErrDuplicate
	}
	r.outcomes[o.AuctionID] = *o
	return nil
}

func (r *outcomes) GetByAuction(_ context.Context, auctionID string) (*listing.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.outcomes[auctionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (r *outcomes) ListRecent(_ context.Context, limit int) ([]listing.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]listing.Outcome, 0, len(r.outcomes))
	for _, o := range r.outcomes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type events Store

func (r *events) Append(_ context.Context, evts ...event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evts...)
	return nil
}

func (r *events) Load(_ context.Context, aggregateID string) ([]event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.AggregateID == aggregateID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *events) LoadByType(_ context.Context, eventType event.Type) ([]event.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}
