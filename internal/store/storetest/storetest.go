// Package storetest holds behavioral tests shared by every store driver.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jensholdgaard/discord-market-bot/internal/event"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
)

// Factory returns fresh, empty repositories for one test.
type Factory func(t *testing.T) *store.Repositories

var base = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// Run exercises every repository returned by newRepos.
func Run(t *testing.T, newRepos Factory) {
	t.Run("AuctionCreateAndGet", func(t *testing.T) { testAuctionCreateAndGet(t, newRepos(t)) })
	t.Run("AuctionRaiseBid", func(t *testing.T) { testAuctionRaiseBid(t, newRepos(t)) })
	t.Run("AuctionRaiseBidConcurrent", func(t *testing.T) { testAuctionRaiseBidConcurrent(t, newRepos(t)) })
	t.Run("AuctionTransition", func(t *testing.T) { testAuctionTransition(t, newRepos(t)) })
	t.Run("AuctionListByStatus", func(t *testing.T) { testAuctionListByStatus(t, newRepos(t)) })
	t.Run("GiveawayParticipants", func(t *testing.T) { testGiveawayParticipants(t, newRepos(t)) })
	t.Run("GiveawayTake", func(t *testing.T) { testGiveawayTake(t, newRepos(t)) })
	t.Run("DealUniqueListing", func(t *testing.T) { testDealUniqueListing(t, newRepos(t)) })
	t.Run("Outcomes", func(t *testing.T) { testOutcomes(t, newRepos(t)) })
	t.Run("Events", func(t *testing.T) { testEvents(t, newRepos(t)) })
}

// NewAuction returns a valid active auction for tests.
func NewAuction(t *testing.T, container string, endIn time.Duration) *listing.Auction {
	t.Helper()
	a, err := listing.NewAuction(listing.AuctionParams{
		Container:   container,
		ItemName:    "Sword of " + container,
		Seller:      "seller",
		StartingBid: 100000,
		Duration:    endIn,
	}, base)
	if err != nil {
		t.Fatalf("NewAuction: %v", err)
	}
	return a
}

func testAuctionCreateAndGet(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	a := NewAuction(t, "thread-1", 2*time.Hour)
	a.IsTest = true

	if err := repos.Auctions.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repos.Auctions.Create(ctx, a); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("second Create error = %v, want ErrDuplicate", err)
	}

	got, err := repos.Auctions.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ItemName != a.ItemName || got.Seller != a.Seller || got.StartingBid != a.StartingBid {
		t.Errorf("Get = %+v, want %+v", got, a)
	}
	if !got.EndTime.Equal(a.EndTime) {
		t.Errorf("EndTime = %v, want %v", got.EndTime, a.EndTime)
	}
	if got.Duration != a.Duration {
		t.Errorf("Duration = %v, want %v", got.Duration, a.Duration)
	}
	if got.Status != listing.StatusActive || !got.IsTest || got.HighestBidder != "" {
		t.Errorf("unexpected state %+v", got)
	}

	byContainer, err := repos.Auctions.GetByContainer(ctx, "thread-1")
	if err != nil {
		t.Fatalf("GetByContainer: %v", err)
	}
	if byContainer.ID != a.ID {
		t.Errorf("GetByContainer ID = %q, want %q", byContainer.ID, a.ID)
	}

	if _, err := repos.Auctions.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if err := repos.Auctions.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := repos.Auctions.Get(ctx, a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after Delete error = %v, want ErrNotFound", err)
	}
}

func testAuctionRaiseBid(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	a := NewAuction(t, "thread-1", time.Hour)
	if err := repos.Auctions.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repos.Auctions.RaiseBid(ctx, a.ID, 100000, 150000, "alice"); err != nil {
		t.Fatalf("RaiseBid: %v", err)
	}
	// Stale expectation.
	if err := repos.Auctions.RaiseBid(ctx, a.ID, 100000, 160000, "bob"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("stale RaiseBid error = %v, want ErrConflict", err)
	}
	// Not an increase.
	if err := repos.Auctions.RaiseBid(ctx, a.ID, 150000, 150000, "bob"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("equal RaiseBid error = %v, want ErrConflict", err)
	}
	if err := repos.Auctions.RaiseBid(ctx, "missing", 1, 2, "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("RaiseBid(missing) error = %v, want ErrNotFound", err)
	}

	got, err := repos.Auctions.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.HighestBid != 150000 || got.HighestBidder != "alice" {
		t.Errorf("highest = %d/%q, want 150000/alice", got.HighestBid, got.HighestBidder)
	}

	if err := repos.Auctions.Transition(ctx, a.ID, listing.StatusEnded, listing.StatusActive); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := repos.Auctions.RaiseBid(ctx, a.ID, 150000, 200000, "bob"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("RaiseBid on ended auction error = %v, want ErrConflict", err)
	}
}

func testAuctionRaiseBidConcurrent(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	a := NewAuction(t, "thread-1", time.Hour)
	if err := repos.Auctions.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const bidders = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < bidders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := repos.Auctions.RaiseBid(ctx, a.ID, 100000, 200000+int64(i), "bidder")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrConflict) {
				t.Errorf("RaiseBid: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("%d bids won against the same snapshot, want 1", wins)
	}
}

func testAuctionTransition(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	a := NewAuction(t, "thread-1", time.Hour)
	if err := repos.Auctions.Create(ctx, a); err != nil {
		t.Fatalf("Create: %v", err)
	}

	steps := []struct {
		to      listing.Status
		from    []listing.Status
		wantErr error
	}{
		{to: listing.StatusClosed, from: []listing.Status{listing.StatusEnded}, wantErr: store.ErrConflict},
		{to: listing.StatusEnded, from: []listing.Status{listing.StatusActive}},
		{to: listing.StatusClosed, from: []listing.Status{listing.StatusActive, listing.StatusEnded}},
		{to: listing.StatusClosed, from: []listing.Status{listing.StatusActive, listing.StatusEnded}, wantErr: store.ErrConflict},
		{to: listing.StatusRecovering, from: []listing.Status{listing.StatusClosed}},
	}
	for i, s := range steps {
		err := repos.Auctions.Transition(ctx, a.ID, s.to, s.from...)
		if s.wantErr == nil && err != nil {
			t.Fatalf("step %d: Transition(%s): %v", i, s.to, err)
		}
		if s.wantErr != nil && !errors.Is(err, s.wantErr) {
			t.Fatalf("step %d: Transition(%s) error = %v, want %v", i, s.to, err, s.wantErr)
		}
	}

	got, err := repos.Auctions.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != listing.StatusRecovering {
		t.Errorf("Status = %q, want %q", got.Status, listing.StatusRecovering)
	}

	if err := repos.Auctions.Transition(ctx, "missing", listing.StatusEnded, listing.StatusActive); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Transition(missing) error = %v, want ErrNotFound", err)
	}
}

func testAuctionListByStatus(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	late := NewAuction(t, "late", 3*time.Hour)
	early := NewAuction(t, "early", time.Hour)
	ended := NewAuction(t, "ended", 2*time.Hour)
	for _, a := range []*listing.Auction{late, early, ended} {
		if err := repos.Auctions.Create(ctx, a); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if err := repos.Auctions.Transition(ctx, ended.ID, listing.StatusEnded, listing.StatusActive); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	active, err := repos.Auctions.ListByStatus(ctx, listing.StatusActive)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(active) != 2 || active[0].ID != early.ID || active[1].ID != late.ID {
		t.Errorf("ListByStatus(active) = %v, want [early late] by end time", ids(active))
	}

	all, err := repos.Auctions.ListByStatus(ctx, listing.StatusActive, listing.StatusEnded)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListByStatus(active, ended) returned %d, want 3", len(all))
	}
}

func ids(as []listing.Auction) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = a.Container
	}
	return out
}

func newGiveaway(t *testing.T, repos *store.Repositories) *listing.Giveaway {
	t.Helper()
	g, err := listing.NewGiveaway(listing.GiveawayParams{
		Container: "giveaway-thread", Host: "host", ItemName: "Hat", Duration: time.Hour,
	}, base)
	if err != nil {
		t.Fatalf("NewGiveaway: %v", err)
	}
	if err := repos.Giveaways.Create(context.Background(), g); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return g
}

func testGiveawayParticipants(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	g := newGiveaway(t, repos)

	added, err := repos.Giveaways.AddParticipant(ctx, g.ID, "alice")
	if err != nil || !added {
		t.Fatalf("AddParticipant(alice) = %v, %v; want true, nil", added, err)
	}
	added, err = repos.Giveaways.AddParticipant(ctx, g.ID, "alice")
	if err != nil || added {
		t.Fatalf("second AddParticipant(alice) = %v, %v; want false, nil", added, err)
	}
	if _, err := repos.Giveaways.AddParticipant(ctx, g.ID, "bob"); err != nil {
		t.Fatalf("AddParticipant(bob): %v", err)
	}
	if _, err := repos.Giveaways.AddParticipant(ctx, "missing", "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("AddParticipant(missing) error = %v, want ErrNotFound", err)
	}

	got, err := repos.Giveaways.GetByContainer(ctx, "giveaway-thread")
	if err != nil {
		t.Fatalf("GetByContainer: %v", err)
	}
	if len(got.Participants) != 2 {
		t.Errorf("Participants = %v, want 2 entries", got.Participants)
	}

	list, err := repos.Giveaways.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || len(list[0].Participants) != 2 {
		t.Errorf("List = %+v", list)
	}
}

func testGiveawayTake(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	g := newGiveaway(t, repos)
	for _, p := range []string{"alice", "bob", "carol"} {
		if _, err := repos.Giveaways.AddParticipant(ctx, g.ID, p); err != nil {
			t.Fatalf("AddParticipant(%s): %v", p, err)
		}
	}

	taken, err := repos.Giveaways.Take(ctx, g.ID)
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if len(taken.Participants) != 3 {
		t.Errorf("taken participants = %v, want 3", taken.Participants)
	}

	if _, err := repos.Giveaways.Take(ctx, g.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second Take error = %v, want ErrNotFound", err)
	}
	if _, err := repos.Giveaways.AddParticipant(ctx, g.ID, "dave"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("AddParticipant after Take error = %v, want ErrNotFound", err)
	}
	if _, err := repos.Giveaways.Get(ctx, g.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Get after Take error = %v, want ErrNotFound", err)
	}
}

func testDealUniqueListing(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	newDeal := func(ref string) *listing.Deal {
		d, err := listing.NewDeal(listing.DealParams{
			Kind: listing.KindAuction, Container: "room", Seller: "seller",
			Buyer: "buyer", ItemName: "Sword", Amount: 150000, ListingRef: ref,
		}, base)
		if err != nil {
			t.Fatalf("NewDeal: %v", err)
		}
		return d
	}

	first := newDeal("auction-1")
	if err := repos.Deals.Create(ctx, first); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repos.Deals.Create(ctx, newDeal("auction-1")); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("Create with same listing error = %v, want ErrDuplicate", err)
	}
	// Deals without a listing reference never collide.
	for i := 0; i < 2; i++ {
		if err := repos.Deals.Create(ctx, newDeal("")); err != nil {
			t.Fatalf("Create without listing: %v", err)
		}
	}

	got, err := repos.Deals.GetByListing(ctx, "auction-1")
	if err != nil {
		t.Fatalf("GetByListing: %v", err)
	}
	if got.ID != first.ID || got.Amount != 150000 {
		t.Errorf("GetByListing = %+v, want %+v", got, first)
	}
	if _, err := repos.Deals.Get(ctx, first.ID); err != nil {
		t.Errorf("Get: %v", err)
	}

	all, err := repos.Deals.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List returned %d deals, want 3", len(all))
	}
}

func testOutcomes(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	a := NewAuction(t, "thread-1", time.Hour)

	if err := repos.Outcomes.Record(ctx, listing.OutcomeOf(*a, listing.ResultNoBids, base)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := repos.Outcomes.Record(ctx, listing.OutcomeOf(*a, listing.ResultAccepted, base)); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("second Record error = %v, want ErrDuplicate", err)
	}

	got, err := repos.Outcomes.GetByAuction(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetByAuction: %v", err)
	}
	if got.Result != listing.ResultNoBids || got.FinalBid != a.StartingBid || got.Winner != "" {
		t.Errorf("GetByAuction = %+v", got)
	}

	later := NewAuction(t, "thread-2", time.Hour)
	if err := repos.Outcomes.Record(ctx, listing.OutcomeOf(*later, listing.ResultExpired, base.Add(time.Minute))); err != nil {
		t.Fatalf("Record: %v", err)
	}
	recent, err := repos.Outcomes.ListRecent(ctx, 1)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 1 || recent[0].AuctionID != later.ID {
		t.Errorf("ListRecent(1) = %+v, want the later outcome", recent)
	}
}

func testEvents(t *testing.T, repos *store.Repositories) {
	ctx := context.Background()
	var evts []event.Event
	for i, typ := range []event.Type{event.AuctionCreated, event.AuctionBidAccepted, event.AuctionEnded} {
		e, err := event.New("auction-1", typ, event.BidAcceptedData{Amount: int64(i)}, base)
		if err != nil {
			t.Fatalf("event.New: %v", err)
		}
		evts = append(evts, e)
	}
	other, _ := event.New("auction-2", event.AuctionCreated, event.AuctionCreatedData{}, base)

	if err := repos.Events.Append(ctx, evts...); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := repos.Events.Append(ctx, other); err != nil {
		t.Fatalf("Append: %v", err)
	}

	loaded, err := repos.Events.Load(ctx, "auction-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("Load returned %d events, want 3", len(loaded))
	}
	for i := range evts {
		if loaded[i].ID != evts[i].ID || loaded[i].Type != evts[i].Type {
			t.Errorf("event %d = %s/%s, want %s/%s", i, loaded[i].ID, loaded[i].Type, evts[i].ID, evts[i].Type)
		}
	}

	created, err := repos.Events.LoadByType(ctx, event.AuctionCreated)
	if err != nil {
		t.Fatalf("LoadByType: %v", err)
	}
	if len(created) != 2 {
		t.Errorf("LoadByType returned %d events, want 2", len(created))
	}
}
