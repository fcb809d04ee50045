package auction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/discord-market-bot/internal/event"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
)

// ErrNoHistory is returned when an auction has no recorded events.
var ErrNoHistory = errors.New("no events recorded for auction")

// Bid is one accepted bid as recorded in the event ledger.
type Bid struct {
	Bidder   string
	Amount   int64
	At       time.Time
	Replayed bool
}

// Timeline is an auction rebuilt from its events. It outlives the
// auction record, which is removed once resolved.
type Timeline struct {
	ID          string
	ItemName    string
	Seller      string
	StartingBid int64
	Status      listing.Status
	Result      listing.Result
	Bids        []Bid
}

// Highest returns the last accepted bid, or nil if there were none.
func (t *Timeline) Highest() *Bid {
	if len(t.Bids) == 0 {
		return nil
	}
	return &t.Bids[len(t.Bids)-1]
}

// Replay reconstructs a timeline from an auction's events, oldest first.
func Replay(events []event.Event) (*Timeline, error) {
	if len(events) == 0 {
		return nil, ErrNoHistory
	}

	t := &Timeline{ID: events[0].AggregateID}
	for _, e := range events {
		switch e.Type {
		case event.AuctionCreated:
			var d event.AuctionCreatedData
			if err := json.Unmarshal(e.Data, &d); err != nil {
				return nil, fmt.Errorf("unmarshaling %s: %w", e.Type, err)
			}
			t.ItemName = d.ItemName
			t.Seller = d.Seller
			t.StartingBid = d.StartingBid
			t.Status = listing.StatusActive

		case event.AuctionBidAccepted:
			var d event.BidAcceptedData
			if err := json.Unmarshal(e.Data, &d); err != nil {
				return nil, fmt.Errorf("unmarshaling %s: %w", e.Type, err)
			}
			t.Bids = append(t.Bids, Bid{
				Bidder:   d.Bidder,
				Amount:   d.Amount,
				At:       e.CreatedAt,
				Replayed: d.Replayed,
			})

		case event.AuctionEnded, event.AuctionClosed, event.AuctionExpired, event.AuctionRecovering:
			var d event.StatusChangedData
			if err := json.Unmarshal(e.Data, &d); err != nil {
				return nil, fmt.Errorf("unmarshaling %s: %w", e.Type, err)
			}
			t.Status = listing.Status(d.To)
			if d.Result != "" {
				t.Result = listing.Result(d.Result)
			}
		}
	}
	return t, nil
}

// Timeline loads and replays the event history of auction id.
func (m *Manager) Timeline(ctx context.Context, id string) (*Timeline, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Timeline",
		trace.WithAttributes(attribute.String("auction_id", id)),
	)
	defer span.End()

	events, err := m.events.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return Replay(events)
}
