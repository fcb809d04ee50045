package store

import (
	"context"
	"errors"

	"github.com/jensholdgaard/discord-market-bot/internal/listing"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a compare-and-set did not match the
	// record's current state.
	ErrConflict = errors.New("record changed concurrently")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("record already exists")
)

// AuctionRepository defines auction persistence operations.
type AuctionRepository interface {
	Create(ctx context.Context, a *listing.Auction) error
	Get(ctx context.Context, id string) (*listing.Auction, error)
	GetByContainer(ctx context.Context, container string) (*listing.Auction, error)
	// ListByStatus returns auctions in any of the given statuses ordered by
	// end time.
	ListByStatus(ctx context.Context, statuses ...listing.Status) ([]listing.Auction, error)
	// RaiseBid sets a new highest bid only if the auction is still active
	// and its highest bid still equals expected. It returns ErrConflict
	// otherwise.
	RaiseBid(ctx context.Context, id string, expected, amount int64, bidder string) error
	// Transition moves the auction to status to if its current status is
	// one of from. It returns ErrConflict if the status did not match.
	Transition(ctx context.Context, id string, to listing.Status, from ...listing.Status) error
	Delete(ctx context.Context, id string) error
}

// GiveawayRepository defines giveaway persistence operations.
type GiveawayRepository interface {
	Create(ctx context.Context, g *listing.Giveaway) error
	Get(ctx context.Context, id string) (*listing.Giveaway, error)
	GetByContainer(ctx context.Context, container string) (*listing.Giveaway, error)
	List(ctx context.Context) ([]listing.Giveaway, error)
	// AddParticipant enrolls identity. It reports false if the identity
	// was already enrolled and ErrNotFound if the giveaway is gone.
	AddParticipant(ctx context.Context, id, identity string) (bool, error)
	// Take removes the giveaway and returns it with the participant set
	// as of the removal. Joins after Take observe ErrNotFound.
	Take(ctx context.Context, id string) (*listing.Giveaway, error)
}

// DealRepository defines deal persistence operations.
type DealRepository interface {
	// Create stores a deal. It returns ErrDuplicate if a deal for the same
	// listing reference already exists.
	Create(ctx context.Context, d *listing.Deal) error
	Get(ctx context.Context, id string) (*listing.Deal, error)
	GetByListing(ctx context.Context, listingRef string) (*listing.Deal, error)
	List(ctx context.Context) ([]listing.Deal, error)
}

// OutcomeRepository persists the ended-auction log.
type OutcomeRepository interface {
	// Record stores an outcome. It returns ErrDuplicate if the auction
	// already has one.
	Record(ctx context.Context, o *listing.Outcome) error
	GetByAuction(ctx context.Context, auctionID string) (*listing.Outcome, error)
	ListRecent(ctx context.Context, limit int) ([]listing.Outcome, error)
}
