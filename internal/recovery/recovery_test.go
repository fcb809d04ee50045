package recovery_test

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jensholdgaard/discord-market-bot/internal/auction"
	"github.com/jensholdgaard/discord-market-bot/internal/clock"
	"github.com/jensholdgaard/discord-market-bot/internal/config"
	"github.com/jensholdgaard/discord-market-bot/internal/giveaway"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/messaging"
	"github.com/jensholdgaard/discord-market-bot/internal/pending"
	"github.com/jensholdgaard/discord-market-bot/internal/recovery"
	"github.com/jensholdgaard/discord-market-bot/internal/schedule"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
	"github.com/jensholdgaard/discord-market-bot/internal/store/memstore"
)

const self = "bot"

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type historyMessenger struct {
	mu      sync.Mutex
	history map[string][]messaging.Message
	broken  map[string]error
	posts   map[string][]string
}

func newHistoryMessenger() *historyMessenger {
	return &historyMessenger{
		history: map[string][]messaging.Message{},
		broken:  map[string]error{},
		posts:   map[string][]string{},
	}
}

func (h *historyMessenger) Send(_ context.Context, container, content string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.posts[container] = append(h.posts[container], content)
	return nil
}

func (h *historyMessenger) DirectMessage(context.Context, string, string) error { return nil }

func (h *historyMessenger) History(_ context.Context, container string, since time.Time, limit int) ([]messaging.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.broken[container]; err != nil {
		return nil, err
	}
	var out []messaging.Message
	for _, m := range h.history[container] {
		if m.Timestamp.After(since) && len(out) < limit {
			out = append(out, m)
		}
	}
	return out, nil
}

func (h *historyMessenger) postedTo(container string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.posts[container]...)
}

type plainIdentity struct{}

func (plainIdentity) DisplayName(_ context.Context, id string) string { return id }
func (plainIdentity) IsSameParty(a, b string) bool                    { return a == b }

type recordingPrompter struct {
	mu       sync.Mutex
	prompted []listing.Auction
}

func (p *recordingPrompter) PromptDecision(_ context.Context, a listing.Auction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prompted = append(p.prompted, a)
	return nil
}

type settlement struct {
	mu    sync.Mutex
	err   error
	deals []listing.Deal
}

func (s *settlement) CreateDeal(_ context.Context, p listing.DealParams) (*listing.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	d, err := listing.NewDeal(p, now)
	if err != nil {
		return nil, err
	}
	s.deals = append(s.deals, *d)
	return d, nil
}

func (s *settlement) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *settlement) created() []listing.Deal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]listing.Deal(nil), s.deals...)
}

type harness struct {
	rec      *recovery.Reconciler
	repos    *store.Repositories
	msgs     *historyMessenger
	notifier *messaging.Notifier
	prompter *recordingPrompter
	deals    *settlement
	sched    *schedule.Scheduler
	pending  *pending.Memory
	clk      *clock.Fake
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewFake(now)
	repos := memstore.New().Repositories()
	msgs := newHistoryMessenger()
	notifier := messaging.NewNotifier(msgs, slog.Default(), time.Second)
	sched := schedule.New(clk, slog.Default())
	t.Cleanup(sched.Stop)

	h := &harness{
		repos:    repos,
		msgs:     msgs,
		notifier: notifier,
		prompter: &recordingPrompter{},
		deals:    &settlement{},
		sched:    sched,
		pending:  pending.NewMemory(clk, 90*time.Second, 3),
		clk:      clk,
	}

	tp := noop.NewTracerProvider()
	mp := metricnoop.NewMeterProvider()
	auctions := auction.NewManager(auction.Deps{
		Auctions:       repos.Auctions,
		Outcomes:       repos.Outcomes,
		Events:         repos.Events,
		Scheduler:      sched,
		Notifier:       notifier,
		Prompter:       h.prompter,
		Identity:       plainIdentity{},
		Deals:          h.deals,
		Market:         config.DefaultMarket(),
		Logger:         slog.Default(),
		TracerProvider: tp,
		MeterProvider:  mp,
		Clock:          clk,
	})
	giveaways := giveaway.NewManager(giveaway.Deps{
		Giveaways:      repos.Giveaways,
		Events:         repos.Events,
		Scheduler:      sched,
		Notifier:       notifier,
		Identity:       plainIdentity{},
		Deals:          h.deals,
		Market:         config.DefaultMarket(),
		Logger:         slog.Default(),
		TracerProvider: tp,
		MeterProvider:  mp,
		Clock:          clk,
	})
	h.rec = recovery.New(recovery.Deps{
		AuctionRepo:    repos.Auctions,
		GiveawayRepo:   repos.Giveaways,
		Auctions:       auctions,
		Giveaways:      giveaways,
		Messenger:      msgs,
		Notifier:       notifier,
		Pending:        h.pending,
		Self:           self,
		HistoryLimit:   500,
		Logger:         slog.Default(),
		TracerProvider: tp,
		MeterProvider:  mp,
		Clock:          clk,
	})
	return h
}

// seedAuction stores an active auction that opened at openedAt, as if
// the engine had gone down after creating it.
func (h *harness) seedAuction(t *testing.T, container string, openedAt time.Time, d time.Duration) *listing.Auction {
	t.Helper()
	a, err := listing.NewAuction(listing.AuctionParams{
		Container:   container,
		ItemName:    "Vintage Lamp",
		Seller:      "seller",
		StartingBid: 100000,
		Duration:    d,
	}, openedAt)
	if err != nil {
		t.Fatalf("NewAuction() error = %v", err)
	}
	if err := h.repos.Auctions.Create(context.Background(), a); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return a
}

func (h *harness) say(container, author, content string, at time.Time) {
	h.msgs.mu.Lock()
	defer h.msgs.mu.Unlock()
	h.msgs.history[container] = append(h.msgs.history[container], messaging.Message{
		ID:        author + "@" + at.Format(time.RFC3339),
		Author:    author,
		Content:   content,
		Timestamp: at,
	})
}

func TestReconciler_ReplaysLikeOnline(t *testing.T) {
	h := newHarness(t)
	a := h.seedAuction(t, "thread-1", now.Add(-time.Hour), 2*time.Hour)

	h.say("thread-1", "A", "150,000", now.Add(-50*time.Minute))
	h.say("thread-1", "B", "120000", now.Add(-40*time.Minute))
	h.say("thread-1", "B", "$200.000", now.Add(-30*time.Minute))

	rep, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Replayed != 2 {
		t.Errorf("Replayed = %d, want 2", rep.Replayed)
	}

	got, err := h.repos.Auctions.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.HighestBid != 200000 || got.HighestBidder != "B" {
		t.Errorf("highest = %d by %q, want 200000 by B", got.HighestBid, got.HighestBidder)
	}
	if got.Status != listing.StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}

	pending := h.sched.Pending()
	if at, ok := pending["auction:"+a.ID+":end"]; !ok || !at.Equal(a.EndTime) {
		t.Errorf("end timer = %v (armed %v), want %v", at, ok, a.EndTime)
	}

	h.notifier.Wait()
	if posts := h.msgs.postedTo("thread-1"); !slices.Contains(posts, recovery.OnlineMarker) {
		t.Errorf("posts = %v, want the online marker", posts)
	}
}

func TestReconciler_OverdueAuction(t *testing.T) {
	h := newHarness(t)
	// Ended 30 minutes ago.
	a := h.seedAuction(t, "thread-1", now.Add(-90*time.Minute), time.Hour)

	h.say("thread-1", "A", "150000", now.Add(-70*time.Minute))
	h.say("thread-1", "C", "999999", now.Add(-20*time.Minute)) // after the end

	rep, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Ended != 1 {
		t.Errorf("Ended = %d, want 1", rep.Ended)
	}

	got, err := h.repos.Auctions.Get(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != listing.StatusEnded {
		t.Errorf("status = %s, want ended", got.Status)
	}
	if got.HighestBid != 150000 || got.HighestBidder != "A" {
		t.Errorf("highest = %d by %q, want 150000 by A", got.HighestBid, got.HighestBidder)
	}
	if len(h.prompter.prompted) != 1 || h.prompter.prompted[0].HighestBidder != "A" {
		t.Errorf("prompted = %+v, want the seller asked about A's bid", h.prompter.prompted)
	}
	if pending := h.sched.Pending(); len(pending) != 0 {
		t.Errorf("timers armed for an overdue auction: %v", pending)
	}
}

func TestReconciler_OverdueWithoutBids(t *testing.T) {
	h := newHarness(t)
	a := h.seedAuction(t, "thread-1", now.Add(-90*time.Minute), time.Hour)

	if _, err := h.rec.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := h.repos.Auctions.Get(context.Background(), a.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("auction without bids still stored: %v", err)
	}
	o, err := h.repos.Outcomes.GetByAuction(context.Background(), a.ID)
	if err != nil || o.Result != listing.ResultNoBids {
		t.Errorf("outcome = %+v, %v, want no_bids", o, err)
	}
}

func TestReconciler_HighWaterMark(t *testing.T) {
	h := newHarness(t)
	a := h.seedAuction(t, "thread-1", now.Add(-time.Hour), 2*time.Hour)

	// Processed live before the restart.
	if err := h.repos.Auctions.RaiseBid(context.Background(), a.ID, 100000, 300000, "A"); err != nil {
		t.Fatalf("RaiseBid() error = %v", err)
	}
	h.say("thread-1", "A", "300000", now.Add(-50*time.Minute))
	h.say("thread-1", "D", "250000", now.Add(-49*time.Minute))
	h.say("thread-1", self, "New highest bid: 300000", now.Add(-48*time.Minute))
	// Missed while offline.
	h.say("thread-1", "B", "350000", now.Add(-20*time.Minute))
	h.say("thread-1", "seller", "400000", now.Add(-15*time.Minute))
	h.say("thread-1", "C", "nice lamp", now.Add(-10*time.Minute))

	msgs, _ := h.msgs.History(context.Background(), "thread-1", a.StartTime(), 500)
	cands := recovery.Candidates(msgs, *a, self)
	if len(cands) != 1 || cands[0].Author != "B" {
		t.Fatalf("Candidates() = %+v, want only B's bid", cands)
	}

	rep, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Replayed != 1 {
		t.Errorf("Replayed = %d, want 1", rep.Replayed)
	}
	got, _ := h.repos.Auctions.Get(context.Background(), a.ID)
	if got.HighestBid != 350000 || got.HighestBidder != "B" {
		t.Errorf("highest = %d by %q, want 350000 by B", got.HighestBid, got.HighestBidder)
	}
}

func TestReconciler_UnreadableHistoryIsIsolated(t *testing.T) {
	h := newHarness(t)
	broken := h.seedAuction(t, "thread-gone", now.Add(-time.Hour), 2*time.Hour)
	healthy := h.seedAuction(t, "thread-ok", now.Add(-time.Hour), 2*time.Hour)

	h.msgs.broken["thread-gone"] = errors.New("unknown channel")
	h.say("thread-ok", "A", "150000", now.Add(-10*time.Minute))

	rep, err := h.rec.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Dropped != 1 || rep.Auctions != 2 || rep.Replayed != 1 {
		t.Errorf("Report = %+v, want 2 auctions, 1 dropped, 1 replayed", rep)
	}

	got, _ := h.repos.Auctions.Get(context.Background(), healthy.ID)
	if got.HighestBidder != "A" {
		t.Errorf("healthy auction not replayed: %+v", got)
	}
	if _, ok := h.sched.Pending()["auction:"+broken.ID+":end"]; !ok {
		t.Error("dropped auction has no end timer")
	}
}

func TestReconciler_Giveaways(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	overdue, _ := listing.NewGiveaway(listing.GiveawayParams{
		Container: "thread-g1", Host: "host", ItemName: "Poster", Duration: time.Hour,
	}, now.Add(-2*time.Hour))
	open, _ := listing.NewGiveaway(listing.GiveawayParams{
		Container: "thread-g2", Host: "host", ItemName: "Mug", Duration: 3 * time.Hour,
	}, now.Add(-time.Hour))
	for _, g := range []*listing.Giveaway{overdue, open} {
		if err := h.repos.Giveaways.Create(ctx, g); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if _, err := h.repos.Giveaways.AddParticipant(ctx, overdue.ID, "alice"); err != nil {
		t.Fatalf("AddParticipant() error = %v", err)
	}

	rep, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Giveaways != 2 || rep.Resolved != 1 {
		t.Errorf("Report = %+v, want 2 giveaways, 1 resolved", rep)
	}
	if _, err := h.repos.Giveaways.Get(ctx, overdue.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("overdue giveaway still open: %v", err)
	}
	if at, ok := h.sched.Pending()["giveaway:"+open.ID+":end"]; !ok || !at.Equal(open.EndTime) {
		t.Errorf("open giveaway timer = %v (armed %v), want %v", at, ok, open.EndTime)
	}
}

func TestReconciler_PurgesPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.pending.Put(ctx, pending.Submission{Owner: "alice", Channel: "c1", Kind: listing.KindAuction}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rep, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !rep.Purged {
		t.Error("Purged = false")
	}
	if _, err := h.pending.Take(ctx, "alice", "c1"); !errors.Is(err, pending.ErrNotFound) {
		t.Errorf("Take() after recovery error = %v, want ErrNotFound", err)
	}
}

func TestReconciler_RetriesFailedGiveawayHandoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	g, _ := listing.NewGiveaway(listing.GiveawayParams{
		Container: "thread-g1", Host: "host", ItemName: "Poster", Duration: time.Hour,
	}, now.Add(-2*time.Hour))
	if err := h.repos.Giveaways.Create(ctx, g); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := h.repos.Giveaways.AddParticipant(ctx, g.ID, "alice"); err != nil {
		t.Fatalf("AddParticipant() error = %v", err)
	}

	// The draw happens but the room cannot be opened.
	h.deals.fail(errors.New("room api down"))
	rep, err := h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Resolved != 0 || rep.Settled != 0 {
		t.Errorf("Report = %+v, want nothing resolved or settled", rep)
	}
	if _, err := h.repos.Giveaways.Get(ctx, g.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("giveaway still open after the draw: %v", err)
	}

	// Restart with settlement reachable again.
	h.deals.fail(nil)
	rep, err = h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if rep.Settled != 1 {
		t.Errorf("Settled = %d, want 1", rep.Settled)
	}
	deals := h.deals.created()
	if len(deals) != 1 || deals[0].Buyer != "alice" || deals[0].ListingRef != g.ID {
		t.Fatalf("deals = %+v, want one deal for alice", deals)
	}

	rep, err = h.rec.Run(ctx)
	if err != nil {
		t.Fatalf("third Run() error = %v", err)
	}
	if rep.Settled != 0 || len(h.deals.created()) != 1 {
		t.Errorf("settled giveaway handed off again: Settled = %d, deals = %d", rep.Settled, len(h.deals.created()))
	}
}
