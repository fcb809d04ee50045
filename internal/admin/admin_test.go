package admin_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/jensholdgaard/discord-market-bot/internal/admin"
	"github.com/jensholdgaard/discord-market-bot/internal/auction"
	"github.com/jensholdgaard/discord-market-bot/internal/event"
	"github.com/jensholdgaard/discord-market-bot/internal/giveaway"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/store/memstore"
)

var start = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type ledgerAuctions struct {
	events map[string][]event.Event
}

func (l ledgerAuctions) Timeline(_ context.Context, id string) (*auction.Timeline, error) {
	return auction.Replay(l.events[id])
}

type fakeGiveaways struct {
	unsettled []string
	err       error
	retried   []string
}

func (f *fakeGiveaways) Unsettled(context.Context) ([]string, error) { return f.unsettled, nil }

func (f *fakeGiveaways) Retry(_ context.Context, id string) (*listing.Deal, error) {
	f.retried = append(f.retried, id)
	if f.err != nil {
		return nil, f.err
	}
	if !slices.Contains(f.unsettled, id) {
		return nil, giveaway.ErrNotFound
	}
	return &listing.Deal{ID: "deal-1", Container: "room-1", Seller: "host", Buyer: "alice", ItemName: "Poster", ListingRef: id}, nil
}

func mustEvent(t *testing.T, id string, typ event.Type, data any, at time.Time) event.Event {
	t.Helper()
	e, err := event.New(id, typ, data, at)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func serve(h *admin.Handler, method, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.Register(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestHandler_Recent(t *testing.T) {
	repos := memstore.New().Repositories()
	for i := range 3 {
		a := listing.Auction{ID: fmt.Sprintf("a%d", i), ItemName: "Lamp", Seller: "seller", HighestBid: int64(100 * (i + 1)), HighestBidder: "bob"}
		if err := repos.Outcomes.Record(context.Background(), listing.OutcomeOf(a, listing.ResultAccepted, start.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	h := admin.NewHandler(repos.Outcomes, ledgerAuctions{}, &fakeGiveaways{}, slog.Default())

	tests := []struct {
		target   string
		wantCode int
		wantIDs  []string
	}{
		{"/auctions/recent", http.StatusOK, []string{"a2", "a1", "a0"}},
		{"/auctions/recent?limit=1", http.StatusOK, []string{"a2"}},
		{"/auctions/recent?limit=zero", http.StatusBadRequest, nil},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := serve(h, http.MethodGet, tt.target)
			if rec.Code != tt.wantCode {
				t.Fatalf("got status %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantIDs == nil {
				return
			}
			var out []admin.Outcome
			if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
				t.Fatal(err)
			}
			var ids []string
			for _, o := range out {
				ids = append(ids, o.AuctionID)
			}
			if !slices.Equal(ids, tt.wantIDs) {
				t.Errorf("ids = %v, want %v", ids, tt.wantIDs)
			}
		})
	}
}

func TestHandler_Timeline(t *testing.T) {
	ledger := ledgerAuctions{events: map[string][]event.Event{
		"a1": {
			mustEvent(t, "a1", event.AuctionCreated, event.AuctionCreatedData{ItemName: "Lamp", Seller: "seller", StartingBid: 100}, start),
			mustEvent(t, "a1", event.AuctionBidAccepted, event.BidAcceptedData{Bidder: "alice", Amount: 150, Replayed: true}, start.Add(time.Minute)),
			mustEvent(t, "a1", event.AuctionBidAccepted, event.BidAcceptedData{Bidder: "bob", Amount: 200}, start.Add(2*time.Minute)),
			mustEvent(t, "a1", event.AuctionEnded, event.StatusChangedData{From: "active", To: "ended"}, start.Add(time.Hour)),
		},
	}}
	h := admin.NewHandler(memstore.New().Repositories().Outcomes, ledger, &fakeGiveaways{}, slog.Default())

	rec := serve(h, http.MethodGet, "/auctions/a1/timeline")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusOK)
	}
	var tl admin.Timeline
	if err := json.NewDecoder(rec.Body).Decode(&tl); err != nil {
		t.Fatal(err)
	}
	if tl.Status != "ended" || tl.Seller != "seller" || len(tl.Bids) != 2 {
		t.Fatalf("timeline = %+v", tl)
	}
	if !tl.Bids[0].Replayed || tl.Bids[1].Bidder != "bob" || tl.Bids[1].Amount != 200 {
		t.Errorf("bids = %+v", tl.Bids)
	}

	if rec := serve(h, http.MethodGet, "/auctions/missing/timeline"); rec.Code != http.StatusNotFound {
		t.Errorf("missing auction: got status %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestHandler_GiveawayRetry(t *testing.T) {
	g := &fakeGiveaways{unsettled: []string{"g1"}}
	h := admin.NewHandler(memstore.New().Repositories().Outcomes, ledgerAuctions{}, g, slog.Default())

	rec := serve(h, http.MethodGet, "/giveaways/unsettled")
	var ids []string
	if err := json.NewDecoder(rec.Body).Decode(&ids); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(ids, []string{"g1"}) {
		t.Errorf("unsettled = %v", ids)
	}

	if rec := serve(h, http.MethodGet, "/giveaways/g1/retry"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET retry: got status %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}

	rec = serve(h, http.MethodPost, "/giveaways/g1/retry")
	if rec.Code != http.StatusOK {
		t.Fatalf("retry: got status %d, want %d", rec.Code, http.StatusOK)
	}
	var d admin.Deal
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatal(err)
	}
	if d.Buyer != "alice" || d.ListingRef != "g1" {
		t.Errorf("deal = %+v", d)
	}

	if rec := serve(h, http.MethodPost, "/giveaways/g9/retry"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown giveaway: got status %d, want %d", rec.Code, http.StatusNotFound)
	}

	g.err = fmt.Errorf("%w: %w", giveaway.ErrHandoff, errors.New("room api down"))
	if rec := serve(h, http.MethodPost, "/giveaways/g1/retry"); rec.Code != http.StatusBadGateway {
		t.Errorf("failing handoff: got status %d, want %d", rec.Code, http.StatusBadGateway)
	}
}
