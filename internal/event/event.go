package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event kind.
type Type string

const (
	AuctionCreated     Type = "auction.created"
	AuctionBidAccepted Type = "auction.bid_accepted"
	AuctionEnded       Type = "auction.ended"
	AuctionClosed      Type = "auction.closed"
	AuctionExpired     Type = "auction.expired"
	AuctionRecovering  Type = "auction.recovering"

	GiveawayCreated        Type = "giveaway.created"
	GiveawayJoined         Type = "giveaway.joined"
	GiveawayResolved       Type = "giveaway.resolved"
	GiveawayNoParticipants Type = "giveaway.no_participants"
	GiveawaySettled        Type = "giveaway.settled"

	DealCreated Type = "deal.created"
)

// Event represents a single domain event.
type Event struct {
	ID          string          `json:"id" db:"id"`
	AggregateID string          `json:"aggregate_id" db:"aggregate_id"`
	Type        Type            `json:"type" db:"type"`
	Data        json.RawMessage `json:"data" db:"data"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// New builds an event with a JSON-encoded payload.
func New(aggregateID string, typ Type, data any, now time.Time) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshaling %s payload: %w", typ, err)
	}
	return Event{
		ID:          uuid.NewString(),
		AggregateID: aggregateID,
		Type:        typ,
		Data:        raw,
		CreatedAt:   now.UTC(),
	}, nil
}

// AuctionCreatedData is the payload for AuctionCreated events.
type AuctionCreatedData struct {
	ItemName    string        `json:"item_name"`
	Seller      string        `json:"seller"`
	StartingBid int64         `json:"starting_bid"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	IsTest      bool          `json:"is_test"`
}

// BidAcceptedData is the payload for AuctionBidAccepted events.
type BidAcceptedData struct {
	Bidder         string `json:"bidder"`
	Amount         int64  `json:"amount"`
	PreviousBidder string `json:"previous_bidder,omitempty"`
	Replayed       bool   `json:"replayed,omitempty"`
}

// StatusChangedData is the payload for auction status events.
type StatusChangedData struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Result string `json:"result,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// GiveawayCreatedData is the payload for GiveawayCreated events.
type GiveawayCreatedData struct {
	ItemName string    `json:"item_name"`
	Host     string    `json:"host"`
	EndTime  time.Time `json:"end_time"`
}

// ParticipantData is the payload for GiveawayJoined events.
type ParticipantData struct {
	Identity string `json:"identity"`
}

// GiveawayResolvedData is the payload for GiveawayResolved and
// GiveawayNoParticipants events.
type GiveawayResolvedData struct {
	Winner       string `json:"winner,omitempty"`
	Participants int    `json:"participants"`
}

// GiveawaySettledData is the payload for GiveawaySettled events.
type GiveawaySettledData struct {
	DealID string `json:"deal_id"`
	Winner string `json:"winner"`
}

// DealCreatedData is the payload for DealCreated events.
type DealCreatedData struct {
	DealID     string `json:"deal_id"`
	Kind       string `json:"kind"`
	Seller     string `json:"seller"`
	Buyer      string `json:"buyer"`
	ItemName   string `json:"item_name"`
	ListingRef string `json:"listing_ref,omitempty"`
}
