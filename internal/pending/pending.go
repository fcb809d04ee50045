// Package pending holds listing submissions that are waiting for their
// media attachment. Entries expire after a fixed timeout and each owner
// may only have a bounded number outstanding.
package pending

import (
	"context"
	"errors"
	"time"

	"github.com/jensholdgaard/discord-market-bot/internal/listing"
)

var (
	// ErrNotFound is returned when no live submission matches.
	ErrNotFound = errors.New("no pending submission")
	// ErrLimit is returned when the owner already has the maximum number
	// of pending submissions.
	ErrLimit = errors.New("too many pending submissions")
)

// Submission is a listing form awaiting its attachment.
type Submission struct {
	Owner   string       `json:"owner"`
	Channel string       `json:"channel"`
	Kind    listing.Kind `json:"kind"`

	ItemName    string `json:"item_name"`
	StartingBid int64  `json:"starting_bid,omitempty"`
	// Duration is what the owner asked for, already range checked.
	Duration time.Duration `json:"duration"`
	IsTest   bool          `json:"is_test,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Store keeps pending submissions keyed by owner and channel. Putting a
// submission for a key that is already pending replaces it.
type Store interface {
	// Put stores s, stamping its creation and expiry times.
	Put(ctx context.Context, s Submission) error
	// Take removes and returns the live submission for owner in channel.
	Take(ctx context.Context, owner, channel string) (*Submission, error)
	// Sweep removes and returns every expired submission.
	Sweep(ctx context.Context) ([]Submission, error)
	// Purge removes every submission.
	Purge(ctx context.Context) error
}

func key(owner, channel string) string { return owner + ":" + channel }
