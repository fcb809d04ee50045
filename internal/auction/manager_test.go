package auction_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/discord-market-bot/internal/auction"
	"github.com/jensholdgaard/discord-market-bot/internal/bid"
	"github.com/jensholdgaard/discord-market-bot/internal/clock"
	"github.com/jensholdgaard/discord-market-bot/internal/config"
	"github.com/jensholdgaard/discord-market-bot/internal/event"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/messaging"
	"github.com/jensholdgaard/discord-market-bot/internal/schedule"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
	"github.com/jensholdgaard/discord-market-bot/internal/store/memstore"
)

var start = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// --- fakes ---

type fakeMessenger struct {
	mu    sync.Mutex
	posts map[string][]string
	dms   map[string][]string
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{posts: map[string][]string{}, dms: map[string][]string{}}
}

func (f *fakeMessenger) Send(_ context.Context, container, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posts[container] = append(f.posts[container], content)
	return nil
}

func (f *fakeMessenger) DirectMessage(_ context.Context, identity, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms[identity] = append(f.dms[identity], content)
	return nil
}

func (f *fakeMessenger) History(context.Context, string, time.Time, int) ([]messaging.Message, error) {
	return nil, nil
}

func (f *fakeMessenger) directTo(identity string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dms[identity]...)
}

func (f *fakeMessenger) postedTo(container string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.posts[container]...)
}

// fakeIdentity treats identities in alts as the same party as their main.
type fakeIdentity struct {
	alts map[string]string
}

func (f fakeIdentity) DisplayName(_ context.Context, identity string) string {
	return "@" + identity
}

func (f fakeIdentity) IsSameParty(a, b string) bool {
	main := func(id string) string {
		if m, ok := f.alts[id]; ok {
			return m
		}
		return id
	}
	return main(a) == main(b)
}

type fakePrompter struct {
	mu       sync.Mutex
	err      error
	prompted []string
}

func (f *fakePrompter) PromptDecision(_ context.Context, a listing.Auction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.prompted = append(f.prompted, a.ID)
	return nil
}

type fakeDeals struct {
	mu   sync.Mutex
	repo store.DealRepository
	err  error
}

func (f *fakeDeals) CreateDeal(ctx context.Context, p listing.DealParams) (*listing.Deal, error) {
	f.mu.Lock()
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d, err := listing.NewDeal(p, start)
	if err != nil {
		return nil, err
	}
	if err := f.repo.Create(ctx, d); errors.Is(err, store.ErrDuplicate) {
		return f.repo.GetByListing(ctx, p.ListingRef)
	} else if err != nil {
		return nil, err
	}
	return d, nil
}

func (f *fakeDeals) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type harness struct {
	mgr      *auction.Manager
	clk      *clock.Fake
	repos    *store.Repositories
	msgs     *fakeMessenger
	notifier *messaging.Notifier
	prompter *fakePrompter
	deals    *fakeDeals
	sched    *schedule.Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(start)
	repos := memstore.New().Repositories()
	msgs := newFakeMessenger()
	h := &harness{
		clk:      clk,
		repos:    repos,
		msgs:     msgs,
		notifier: messaging.NewNotifier(msgs, slog.Default(), time.Second),
		prompter: &fakePrompter{},
		deals:    &fakeDeals{repo: repos.Deals},
		sched:    schedule.New(clk, slog.Default()),
	}
	t.Cleanup(h.sched.Stop)

	h.mgr = auction.NewManager(auction.Deps{
		Auctions:       repos.Auctions,
		Outcomes:       repos.Outcomes,
		Events:         repos.Events,
		Scheduler:      h.sched,
		Notifier:       h.notifier,
		Prompter:       h.prompter,
		Identity:       fakeIdentity{alts: map[string]string{"seller-alt": "seller"}},
		Deals:          h.deals,
		Market:         config.DefaultMarket(),
		Logger:         slog.Default(),
		TracerProvider: noop.NewTracerProvider(),
		MeterProvider:  metricnoop.NewMeterProvider(),
		Clock:          clk,
	})
	return h
}

func (h *harness) open(t *testing.T, container string, startingBid int64, d time.Duration) *listing.Auction {
	t.Helper()
	a, err := h.mgr.Open(context.Background(), listing.AuctionParams{
		Container:   container,
		ItemName:    "Vintage Lamp",
		Seller:      "seller",
		StartingBid: startingBid,
		Duration:    d,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return a
}

func (h *harness) bid(t *testing.T, id, bidder, raw string) {
	t.Helper()
	if _, err := h.mgr.PlaceBid(context.Background(), id, bidder, raw); err != nil {
		t.Fatalf("PlaceBid(%s, %q) error = %v", bidder, raw, err)
	}
}

func (h *harness) status(t *testing.T, id string) listing.Status {
	t.Helper()
	a, err := h.repos.Auctions.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return a.Status
}

func (h *harness) dealCount(t *testing.T) int {
	t.Helper()
	deals, err := h.repos.Deals.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return len(deals)
}

// --- tests ---

func TestManager_Duration(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name    string
		units   int
		isTest  bool
		want    time.Duration
		wantErr bool
	}{
		{name: "one hour", units: 1, want: time.Hour},
		{name: "one week", units: 168, want: 168 * time.Hour},
		{name: "too long", units: 169, wantErr: true},
		{name: "zero", units: 0, wantErr: true},
		{name: "test minutes", units: 10, isTest: true, want: 10 * time.Minute},
		{name: "test too long", units: 11, isTest: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.mgr.Duration(tt.units, tt.isTest)
			if tt.wantErr {
				if !errors.Is(err, auction.ErrDuration) {
					t.Fatalf("Duration() error = %v, want ErrDuration", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Duration() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Duration() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManager_OpenSchedulesTimers(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "thread-1", 100, 2*time.Hour)

	pending := h.sched.Pending()
	if len(pending) != 2 {
		t.Fatalf("Pending() = %v, want end and warning", pending)
	}
	for key, at := range pending {
		switch {
		case strings.HasSuffix(key, ":end"):
			if !at.Equal(a.EndTime) {
				t.Errorf("end at %v, want %v", at, a.EndTime)
			}
		case strings.HasSuffix(key, ":warn"):
			if want := a.EndTime.Add(-5 * time.Minute); !at.Equal(want) {
				t.Errorf("warning at %v, want %v", at, want)
			}
		default:
			t.Errorf("unexpected key %q", key)
		}
	}

	events, _ := h.repos.Events.Load(context.Background(), a.ID)
	if len(events) != 1 || events[0].Type != event.AuctionCreated {
		t.Errorf("events = %v, want one %s", events, event.AuctionCreated)
	}
}

func TestManager_OpenRejectsStartingBid(t *testing.T) {
	h := newHarness(t)
	for _, amount := range []int64{0, -5, bid.DefaultCeiling} {
		_, err := h.mgr.Open(context.Background(), listing.AuctionParams{
			Container: "thread-1", ItemName: "Lamp", Seller: "seller",
			StartingBid: amount, Duration: time.Hour,
		})
		if !errors.Is(err, auction.ErrStartingBid) {
			t.Errorf("Open(starting %d) error = %v, want ErrStartingBid", amount, err)
		}
	}
}

func TestManager_PlaceBid(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "thread-1", 100, time.Hour)
	h.bid(t, a.ID, "alice", "150")

	tests := []struct {
		name   string
		bidder string
		raw    string
		want   error
	}{
		{name: "seller", bidder: "seller", raw: "500", want: bid.ErrSellerBid},
		{name: "seller alt account", bidder: "seller-alt", raw: "500", want: bid.ErrSellerBid},
		{name: "current holder", bidder: "alice", raw: "500", want: bid.ErrAlreadyHighest},
		{name: "equal", bidder: "bob", raw: "150", want: bid.ErrTooLow},
		{name: "lower", bidder: "bob", raw: "120", want: bid.ErrTooLow},
		{name: "malformed", bidder: "bob", raw: "lots", want: bid.ErrMalformed},
		{name: "over ceiling", bidder: "bob", raw: "1,000,000,000", want: bid.ErrAboveCeiling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.mgr.PlaceBid(context.Background(), a.ID, tt.bidder, tt.raw)
			var rej *bid.Rejection
			if !errors.As(err, &rej) {
				t.Fatalf("PlaceBid() error = %v, want *bid.Rejection", err)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("PlaceBid() error = %v, want %v", err, tt.want)
			}
		})
	}

	acc, err := h.mgr.PlaceBid(context.Background(), a.ID, "bob", "$200")
	if err != nil {
		t.Fatalf("PlaceBid() error = %v", err)
	}
	if acc.NewHighest != 200 || acc.PreviousBidder != "alice" {
		t.Errorf("Accept = %+v, want 200 outbidding alice", acc)
	}

	h.notifier.Wait()
	if dms := h.msgs.directTo("alice"); len(dms) != 1 || !strings.Contains(dms[0], "outbid") {
		t.Errorf("alice DMs = %v, want one outbid notice", dms)
	}
}

func TestManager_AcceptedBidsStrictlyIncrease(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "thread-1", 100, time.Hour)

	seq := []struct{ bidder, raw string }{
		{"alice", "150"}, {"bob", "140"}, {"bob", "151"}, {"alice", "151"},
		{"carol", "1,000"}, {"seller", "2000"}, {"alice", "999"}, {"bob", "1500"},
	}
	for _, s := range seq {
		_, _ = h.mgr.PlaceBid(context.Background(), a.ID, s.bidder, s.raw)
	}

	tl, err := h.mgr.Timeline(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Timeline() error = %v", err)
	}
	var amounts []int64
	for i, b := range tl.Bids {
		amounts = append(amounts, b.Amount)
		if b.Bidder == a.Seller {
			t.Errorf("seller bid accepted: %+v", b)
		}
		if i > 0 && b.Amount <= tl.Bids[i-1].Amount {
			t.Errorf("bid %d (%d) not above previous (%d)", i, b.Amount, tl.Bids[i-1].Amount)
		}
	}
	if want := []int64{150, 151, 1000, 1500}; fmt.Sprint(amounts) != fmt.Sprint(want) {
		t.Errorf("accepted = %v, want %v", amounts, want)
	}
}

func TestManager_ConcurrentBids(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "thread-1", 100, time.Hour)

	bidders := map[string]string{"alice": "200", "bob": "300", "carol": "400", "dave": "500"}
	var wg sync.WaitGroup
	for who, amount := range bidders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.mgr.PlaceBid(context.Background(), a.ID, who, amount)
		}()
	}
	wg.Wait()

	got, err := h.repos.Auctions.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.HighestBid != 500 || got.HighestBidder != "dave" {
		t.Errorf("highest = %d by %q, want 500 by dave", got.HighestBid, got.HighestBidder)
	}
}

func TestManager_EndWithoutBids(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "thread-1", 100, time.Hour)

	h.clk.Advance(56 * time.Minute)
	h.notifier.Wait()
	if posts := h.msgs.postedTo("thread-1"); len(posts) != 1 || !strings.Contains(posts[0], "closes in") {
		t.Errorf("posts after warning = %v", posts)
	}

	h.clk.Advance(5 * time.Minute)
	h.notifier.Wait()

	if _, err := h.repos.Auctions.Get(context.Background(), a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("auction still stored after no-bid end: %v", err)
	}
	o, err := h.repos.Outcomes.GetByAuction(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetByAuction() error = %v", err)
	}
	if o.Result != listing.ResultNoBids {
		t.Errorf("outcome = %s, want %s", o.Result, listing.ResultNoBids)
	}
	if dms := h.msgs.directTo("seller"); len(dms) != 1 {
		t.Errorf("seller DMs = %v, want one notice", dms)
	}
	if n := h.dealCount(t); n != 0 {
		t.Errorf("deals = %d, want 0", n)
	}
	if len(h.prompter.prompted) != 0 {
		t.Error("seller was prompted for an auction without bids")
	}
}

func TestManager_EndWithBidsPromptsSeller(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "thread-1", 100, time.Hour)
	h.bid(t, a.ID, "alice", "150")

	h.clk.Advance(time.Hour)

	if got := h.status(t, a.ID); got != listing.StatusEnded {
		t.Fatalf("status = %s, want %s", got, listing.StatusEnded)
	}
	if len(h.prompter.prompted) != 1 {
		t.Fatalf("prompted = %v, want one prompt", h.prompter.prompted)
	}
	if _, err := h.mgr.PlaceBid(context.Background(), a.ID, "bob", "500"); !errors.Is(err, bid.ErrNotActive) {
		t.Errorf("bid after end error = %v, want ErrNotActive", err)
	}

	// A second firing is a no-op.
	if err := h.mgr.End(context.Background(), a.ID); err != nil {
		t.Errorf("End() again error = %v", err)
	}
	if len(h.prompter.prompted) != 1 {
		t.Errorf("seller prompted %d times", len(h.prompter.prompted))
	}
}

func TestManager_EndSellerUnreachable(t *testing.T) {
	h := newHarness(t)
	h.prompter.err = errors.New("cannot send messages to this user")
	a := h.open(t, "thread-1", 100, time.Hour)
	h.bid(t, a.ID, "alice", "150")

	h.clk.Advance(time.Hour)

	if _, err := h.repos.Auctions.Get(context.Background(), a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expired auction still stored: %v", err)
	}
	o, err := h.repos.Outcomes.GetByAuction(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("GetByAuction() error = %v", err)
	}
	if o.Result != listing.ResultExpired || o.Winner != "alice" {
		t.Errorf("outcome = %+v, want expired with alice", o)
	}
	if _, err := h.mgr.Decide(context.Background(), a.ID, "seller", true); !errors.Is(err, auction.ErrAlreadyProcessed) {
		t.Errorf("Decide() after expiry error = %v, want ErrAlreadyProcessed", err)
	}
}

func TestManager_EndMissingIsNoop(t *testing.T) {
	h := newHarness(t)
	if err := h.mgr.End(context.Background(), "gone"); err != nil {
		t.Errorf("End() error = %v", err)
	}
	h.mgr.Warn(context.Background(), "gone")
}

func TestManager_DecideTwice(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "thread-1", 100, time.Hour)
	h.bid(t, a.ID, "alice", "150")
	h.clk.Advance(time.Hour)

	d, err := h.mgr.Decide(context.Background(), a.ID, "seller", true)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if d.Result != listing.ResultAccepted || d.Deal == nil {
		t.Fatalf("Decision = %+v, want accepted with a deal", d)
	}
	if d.Deal.Buyer != "alice" || d.Deal.Seller != "seller" || d.Deal.Amount != 150 {
		t.Errorf("deal = %+v", d.Deal)
	}

	if _, err := h.mgr.Decide(context.Background(), a.ID, "seller", true); !errors.Is(err, auction.ErrAlreadyProcessed) {
		t.Errorf("second Decide() error = %v, want ErrAlreadyProcessed", err)
	}
	if _, err := h.mgr.Decide(context.Background(), a.ID, "seller", false); !errors.Is(err, auction.ErrAlreadyProcessed) {
		t.Errorf("reject after accept error = %v, want ErrAlreadyProcessed", err)
	}
	if n := h.dealCount(t); n != 1 {
		t.Errorf("deals = %d, want 1", n)
	}
}

func TestManager_DecideConcurrent(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "thread-1", 100, time.Hour)
	h.bid(t, a.ID, "alice", "150")
	h.clk.Advance(time.Hour)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.Decide(context.Background(), a.ID, "seller", true)
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, auction.ErrAlreadyProcessed) {
				t.Errorf("Decide() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("%d decisions succeeded, want 1", succeeded)
	}
	if n := h.dealCount(t); n != 1 {
		t.Errorf("deals = %d, want 1", n)
	}
}

func TestManager_DecideReject(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "thread-1", 100, time.Hour)
	h.bid(t, a.ID, "alice", "150")
	h.clk.Advance(time.Hour)

	d, err := h.mgr.Decide(context.Background(), a.ID, "seller", false)
	if err != nil {
		t.Fatalf("Decide() error = %v", err)
	}
	if d.Result != listing.ResultRejected || d.Deal != nil {
		t.Errorf("Decision = %+v, want rejected without deal", d)
	}
	h.notifier.Wait()
	if dms := h.msgs.directTo("alice"); len(dms) != 1 || !strings.Contains(dms[0], "declined") {
		t.Errorf("alice DMs = %v, want one declined notice", dms)
	}
	if n := h.dealCount(t); n != 0 {
		t.Errorf("deals = %d, want 0", n)
	}
}

func TestManager_DecidePreconditions(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "thread-1", 100, time.Hour)

	if _, err := h.mgr.Decide(context.Background(), a.ID, "alice", false); !errors.Is(err, auction.ErrNotSeller) {
		t.Errorf("Decide(non-seller) error = %v, want ErrNotSeller", err)
	}
	if _, err := h.mgr.Decide(context.Background(), a.ID, "seller", true); !errors.Is(err, auction.ErrNoBids) {
		t.Errorf("Decide(accept, no bids) error = %v, want ErrNoBids", err)
	}
	if _, err := h.mgr.Decide(context.Background(), "missing", "seller", true); !errors.Is(err, auction.ErrNotFound) {
		t.Errorf("Decide(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManager_HandoffFailureCompensates(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "thread-1", 100, time.Hour)
	h.bid(t, a.ID, "alice", "150")
	h.clk.Advance(time.Hour)

	h.deals.fail(errors.New("settlement unavailable"))
	if _, err := h.mgr.Decide(context.Background(), a.ID, "seller", true); !errors.Is(err, auction.ErrHandoff) {
		t.Fatalf("Decide() error = %v, want ErrHandoff", err)
	}
	if got := h.status(t, a.ID); got != listing.StatusRecovering {
		t.Fatalf("status = %s, want %s", got, listing.StatusRecovering)
	}
	if _, err := h.mgr.PlaceBid(context.Background(), a.ID, "bob", "900"); !errors.Is(err, bid.ErrNotActive) {
		t.Errorf("bid while recovering error = %v, want ErrNotActive", err)
	}

	h.deals.fail(nil)
	d, err := h.mgr.Decide(context.Background(), a.ID, "seller", true)
	if err != nil {
		t.Fatalf("retry Decide() error = %v", err)
	}
	if d.Deal.Amount != 150 {
		t.Errorf("deal amount = %d, want 150", d.Deal.Amount)
	}
	if n := h.dealCount(t); n != 1 {
		t.Errorf("deals = %d, want 1", n)
	}

	recovering, _ := h.repos.Events.LoadByType(context.Background(), event.AuctionRecovering)
	if len(recovering) != 1 {
		t.Errorf("recovering events = %d, want 1", len(recovering))
	}
}

func TestManager_Timeline(t *testing.T) {
	h := newHarness(t)
	a := h.open(t, "thread-1", 100, time.Hour)
	h.bid(t, a.ID, "alice", "150")
	if _, err := h.mgr.ReplayBid(context.Background(), a.ID, "bob", "200"); err != nil {
		t.Fatalf("ReplayBid() error = %v", err)
	}
	h.clk.Advance(time.Hour)
	if _, err := h.mgr.Decide(context.Background(), a.ID, "seller", true); err != nil {
		t.Fatalf("Decide() error = %v", err)
	}

	tl, err := h.mgr.Timeline(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Timeline() error = %v", err)
	}
	if tl.Status != listing.StatusClosed || tl.Result != listing.ResultAccepted {
		t.Errorf("timeline status = %s/%s, want closed/accepted", tl.Status, tl.Result)
	}
	top := tl.Highest()
	if top == nil || top.Bidder != "bob" || top.Amount != 200 || !top.Replayed {
		t.Errorf("Highest() = %+v, want replayed 200 by bob", top)
	}

	if _, err := h.mgr.Timeline(context.Background(), "missing"); !errors.Is(err, auction.ErrNoHistory) {
		t.Errorf("Timeline(missing) error = %v, want ErrNoHistory", err)
	}
}
