// Package bid decides whether a candidate bid may replace an auction's
// current highest bid. It performs no I/O and mutates nothing.
package bid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jensholdgaard/discord-market-bot/internal/listing"
)

// DefaultCeiling is the largest accepted bid unless configured otherwise.
const DefaultCeiling int64 = 999_999_999

var (
	ErrNotActive      = errors.New("auction is not accepting bids")
	ErrSellerBid      = errors.New("sellers cannot bid on their own auction")
	ErrAlreadyHighest = errors.New("you already hold the highest bid")
	ErrMalformed      = errors.New("bid must be a positive whole number")
	ErrAboveCeiling   = errors.New("bid exceeds the maximum allowed amount")
	ErrTooLow         = errors.New("bid must be higher than the current highest bid")
)

// Rejection explains why a bid was refused. It unwraps to one of the
// package's sentinel errors.
type Rejection struct {
	Reason  error
	Current int64
}

func (r *Rejection) Error() string {
	if errors.Is(r.Reason, ErrTooLow) {
		return fmt.Sprintf("%v (current: %d)", r.Reason, r.Current)
	}
	return r.Reason.Error()
}

func (r *Rejection) Unwrap() error { return r.Reason }

// Accept is the outcome of a valid bid.
type Accept struct {
	NewHighest int64
	// PreviousBidder is the identity that was outbid, empty if the bid
	// replaces the starting price.
	PreviousBidder string
}

// Validator applies the bidding rules.
type Validator struct {
	Ceiling int64
}

// NewValidator returns a Validator with the given ceiling. A non-positive
// ceiling selects DefaultCeiling.
func NewValidator(ceiling int64) Validator {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return Validator{Ceiling: ceiling}
}

// Validate checks raw against the auction's current state. The rules run
// in a fixed order: status, seller, current holder, format, ceiling, and
// strict increase.
func (v Validator) Validate(raw string, a listing.Auction, bidder string) (Accept, error) {
	reject := func(reason error) (Accept, error) {
		return Accept{}, &Rejection{Reason: reason, Current: a.HighestBid}
	}

	if a.Status != listing.StatusActive {
		return reject(ErrNotActive)
	}
	if bidder == a.Seller {
		return reject(ErrSellerBid)
	}
	if a.HighestBidder != "" && bidder == a.HighestBidder {
		return reject(ErrAlreadyHighest)
	}

	amount, err := ParseAmount(raw)
	if err != nil {
		return reject(err)
	}
	if amount > v.Ceiling {
		return reject(ErrAboveCeiling)
	}
	if amount <= a.HighestBid {
		return reject(ErrTooLow)
	}

	return Accept{NewHighest: amount, PreviousBidder: a.HighestBidder}, nil
}

// ParseAmount normalizes currency punctuation ("$", ",", ".", spaces) and
// parses what remains as a positive integer.
func ParseAmount(raw string) (int64, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '$', ',', '.', ' ', '\t':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	if cleaned == "" {
		return 0, ErrMalformed
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return 0, ErrMalformed
		}
	}

	n, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		// Digits only, so this is an int64 overflow.
		return 0, ErrAboveCeiling
	}
	if n <= 0 {
		return 0, ErrMalformed
	}
	return n, nil
}

// LooksLikeBid reports whether content parses as an amount. Chat messages
// that fail this are conversation, not bids.
func LooksLikeBid(content string) bool {
	_, err := ParseAmount(content)
	return err == nil || errors.Is(err, ErrAboveCeiling)
}
