package listing_test

import (
	"errors"
	"testing"
	"time"

	"github.com/jensholdgaard/discord-market-bot/internal/listing"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func TestNewAuction(t *testing.T) {
	tests := []struct {
		name    string
		params  listing.AuctionParams
		wantErr bool
	}{
		{
			name: "valid",
			params: listing.AuctionParams{
				Container: "thread-1", ItemName: "Sword", Seller: "seller",
				StartingBid: 100000, Duration: 2 * time.Hour,
			},
		},
		{
			name: "zero starting bid",
			params: listing.AuctionParams{
				Container: "thread-1", ItemName: "Sword", Seller: "seller",
				StartingBid: 0, Duration: time.Hour,
			},
			wantErr: true,
		},
		{
			name: "missing seller",
			params: listing.AuctionParams{
				Container: "thread-1", ItemName: "Sword",
				StartingBid: 10, Duration: time.Hour,
			},
			wantErr: true,
		},
		{
			name: "missing container",
			params: listing.AuctionParams{
				ItemName: "Sword", Seller: "seller",
				StartingBid: 10, Duration: time.Hour,
			},
			wantErr: true,
		},
		{
			name: "non-positive duration",
			params: listing.AuctionParams{
				Container: "thread-1", ItemName: "Sword", Seller: "seller",
				StartingBid: 10,
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := listing.NewAuction(tt.params, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewAuction() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, listing.ErrInvalid) {
					t.Errorf("error %v does not wrap ErrInvalid", err)
				}
				return
			}
			if a.ID == "" {
				t.Error("expected ID to be set")
			}
			if a.Status != listing.StatusActive {
				t.Errorf("Status = %q, want %q", a.Status, listing.StatusActive)
			}
			if a.HighestBid != tt.params.StartingBid {
				t.Errorf("HighestBid = %d, want %d", a.HighestBid, tt.params.StartingBid)
			}
			if !a.EndTime.Equal(now.Add(tt.params.Duration)) {
				t.Errorf("EndTime = %v, want %v", a.EndTime, now.Add(tt.params.Duration))
			}
			if !a.StartTime().Equal(now) {
				t.Errorf("StartTime() = %v, want %v", a.StartTime(), now)
			}
			if a.HasBids() {
				t.Error("new auction reports bids")
			}
		})
	}
}

func TestAuction_Validate(t *testing.T) {
	base := listing.Auction{
		ID: "a1", Container: "c", ItemName: "Sword", Seller: "seller",
		StartingBid: 100, HighestBid: 100, EndTime: now, Duration: time.Hour,
		Status: listing.StatusActive,
	}

	tests := []struct {
		name    string
		mutate  func(a *listing.Auction)
		wantErr bool
	}{
		{name: "untouched", mutate: func(*listing.Auction) {}},
		{name: "bid with bidder", mutate: func(a *listing.Auction) { a.HighestBid, a.HighestBidder = 200, "bob" }},
		{name: "bidder equals seller", mutate: func(a *listing.Auction) { a.HighestBid, a.HighestBidder = 200, "seller" }, wantErr: true},
		{name: "raised bid without bidder", mutate: func(a *listing.Auction) { a.HighestBid = 200 }, wantErr: true},
		{name: "bidder without raise", mutate: func(a *listing.Auction) { a.HighestBidder = "bob" }, wantErr: true},
		{name: "highest below start", mutate: func(a *listing.Auction) { a.HighestBid = 50 }, wantErr: true},
		{name: "unknown status", mutate: func(a *listing.Auction) { a.Status = "paused" }, wantErr: true},
		{name: "recovering status", mutate: func(a *listing.Auction) { a.Status = listing.StatusRecovering }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := base
			tt.mutate(&a)
			if err := a.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGiveaway_Validate(t *testing.T) {
	g, err := listing.NewGiveaway(listing.GiveawayParams{
		Container: "c", Host: "host", ItemName: "Hat", Duration: time.Hour,
	}, now)
	if err != nil {
		t.Fatalf("NewGiveaway: %v", err)
	}

	g.Participants = []string{"a", "b"}
	if err := g.Validate(); err != nil {
		t.Errorf("Validate() with distinct participants: %v", err)
	}

	g.Participants = []string{"a", "a"}
	if err := g.Validate(); err == nil {
		t.Error("Validate() accepted duplicate participants")
	}
}

func TestNewDeal(t *testing.T) {
	_, err := listing.NewDeal(listing.DealParams{
		Kind: listing.KindAuction, Seller: "s", Buyer: "s", ItemName: "Sword",
	}, now)
	if !errors.Is(err, listing.ErrInvalid) {
		t.Errorf("deal with buyer == seller: error = %v, want ErrInvalid", err)
	}

	d, err := listing.NewDeal(listing.DealParams{
		Kind: listing.KindGiveaway, Seller: "host", Buyer: "winner", ItemName: "Hat", ListingRef: "g1",
	}, now)
	if err != nil {
		t.Fatalf("NewDeal: %v", err)
	}
	if d.ID == "" || d.ListingRef != "g1" {
		t.Errorf("unexpected deal %+v", d)
	}
}

func TestOutcomeOf(t *testing.T) {
	a := listing.Auction{
		ID: "a1", ItemName: "Sword", Seller: "seller", StartingBid: 100,
		HighestBid: 250, HighestBidder: "bob", IsTest: true,
	}
	o := listing.OutcomeOf(a, listing.ResultAccepted, now)
	if o.FinalBid != 250 || o.Winner != "bob" || o.Result != listing.ResultAccepted || !o.IsTest {
		t.Errorf("unexpected outcome %+v", o)
	}
}
