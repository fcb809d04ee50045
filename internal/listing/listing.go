// Package listing defines the records owned by the marketplace engine:
// auctions, giveaways, the deals handed to settlement and the outcome log.
package listing

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Status is the lifecycle state of an auction.
type Status string

const (
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
	StatusClosed     Status = "closed"
	StatusExpired    Status = "expired"
	StatusRecovering Status = "recovering"
)

// Result tags how an auction was resolved.
type Result string

const (
	ResultAccepted Result = "accepted"
	ResultRejected Result = "rejected"
	ResultNoBids   Result = "no_bids"
	ResultExpired  Result = "expired"
)

// Kind tags the origin of a deal.
type Kind string

const (
	KindAuction  Kind = "auction"
	KindGiveaway Kind = "giveaway"
)

var (
	// ErrInvalid wraps every record validation failure.
	ErrInvalid = errors.New("invalid record")

	validate = validator.New(validator.WithRequiredStructEnabled())
)

// Auction is a timed, ascending-bid listing for one item.
type Auction struct {
	ID            string        `validate:"required"`
	Container     string        `validate:"required"`
	ItemName      string        `validate:"required,max=200"`
	Seller        string        `validate:"required"`
	StartingBid   int64         `validate:"gt=0"`
	HighestBid    int64         `validate:"gtefield=StartingBid"`
	HighestBidder string        `validate:"omitempty,nefield=Seller"`
	EndTime       time.Time     `validate:"required"`
	Duration      time.Duration `validate:"gt=0"`
	Status        Status        `validate:"oneof=active ended closed expired recovering"`
	IsTest        bool
	CreatedAt     time.Time
}

// StartTime is the moment bidding opened.
func (a Auction) StartTime() time.Time { return a.EndTime.Add(-a.Duration) }

// HasBids reports whether anyone has outbid the starting price.
func (a Auction) HasBids() bool { return a.HighestBidder != "" }

// Validate checks the record's field constraints.
func (a Auction) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("%w: auction: %v", ErrInvalid, err)
	}
	if a.HasBids() != (a.HighestBid > a.StartingBid) {
		return fmt.Errorf("%w: auction: highest bidder must be set exactly when highest bid exceeds starting bid", ErrInvalid)
	}
	return nil
}

// AuctionParams carries what a seller submits to open an auction.
type AuctionParams struct {
	Container   string
	ItemName    string
	Seller      string
	StartingBid int64
	Duration    time.Duration
	IsTest      bool
}

// NewAuction builds an active auction ending duration after now.
func NewAuction(p AuctionParams, now time.Time) (*Auction, error) {
	a := &Auction{
		ID:          uuid.NewString(),
		Container:   p.Container,
		ItemName:    p.ItemName,
		Seller:      p.Seller,
		StartingBid: p.StartingBid,
		HighestBid:  p.StartingBid,
		EndTime:     now.Add(p.Duration).UTC(),
		Duration:    p.Duration,
		Status:      StatusActive,
		IsTest:      p.IsTest,
		CreatedAt:   now.UTC(),
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Giveaway is a timed enrollment-and-draw listing. It is open for as long
// as it exists in the store.
type Giveaway struct {
	ID           string        `validate:"required"`
	Container    string        `validate:"required"`
	Host         string        `validate:"required"`
	ItemName     string        `validate:"required,max=200"`
	EndTime      time.Time     `validate:"required"`
	Duration     time.Duration `validate:"gt=0"`
	Participants []string      `validate:"unique"`
	CreatedAt    time.Time
}

// Validate checks the record's field constraints.
func (g Giveaway) Validate() error {
	if err := validate.Struct(g); err != nil {
		return fmt.Errorf("%w: giveaway: %v", ErrInvalid, err)
	}
	return nil
}

// GiveawayParams carries what a host submits to open a giveaway.
type GiveawayParams struct {
	Container string
	Host      string
	ItemName  string
	Duration  time.Duration
}

// NewGiveaway builds an open giveaway ending duration after now.
func NewGiveaway(p GiveawayParams, now time.Time) (*Giveaway, error) {
	g := &Giveaway{
		ID:        uuid.NewString(),
		Container: p.Container,
		Host:      p.Host,
		ItemName:  p.ItemName,
		EndTime:   now.Add(p.Duration).UTC(),
		Duration:  p.Duration,
		CreatedAt: now.UTC(),
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Deal hands a resolved auction or giveaway to settlement.
type Deal struct {
	ID         string `validate:"required"`
	Kind       Kind   `validate:"oneof=auction giveaway"`
	Container  string
	Seller     string `validate:"required"`
	Buyer      string `validate:"required,nefield=Seller"`
	ItemName   string `validate:"required"`
	Amount     int64  `validate:"gte=0"`
	ListingRef string
	CreatedAt  time.Time
}

// DealParams carries the parties and item of a new deal.
type DealParams struct {
	Kind       Kind
	Container  string
	Seller     string
	Buyer      string
	ItemName   string
	Amount     int64
	ListingRef string
}

// NewDeal builds a deal record.
func NewDeal(p DealParams, now time.Time) (*Deal, error) {
	d := &Deal{
		ID:         uuid.NewString(),
		Kind:       p.Kind,
		Container:  p.Container,
		Seller:     p.Seller,
		Buyer:      p.Buyer,
		ItemName:   p.ItemName,
		Amount:     p.Amount,
		ListingRef: p.ListingRef,
		CreatedAt:  now.UTC(),
	}
	if err := validate.Struct(d); err != nil {
		return nil, fmt.Errorf("%w: deal: %v", ErrInvalid, err)
	}
	return d, nil
}

// Outcome is the log entry written when an auction is resolved.
type Outcome struct {
	AuctionID  string
	ItemName   string
	Seller     string
	FinalBid   int64
	Winner     string
	Result     Result
	IsTest     bool
	RecordedAt time.Time
}

// OutcomeOf builds the log entry for a resolved auction.
func OutcomeOf(a Auction, result Result, now time.Time) *Outcome {
	return &Outcome{
		AuctionID:  a.ID,
		ItemName:   a.ItemName,
		Seller:     a.Seller,
		FinalBid:   a.HighestBid,
		Winner:     a.HighestBidder,
		Result:     result,
		IsTest:     a.IsTest,
		RecordedAt: now.UTC(),
	}
}
