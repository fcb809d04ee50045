package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
)

var auctionColumns = []string{
	"id", "container", "item_name", "seller", "starting_bid", "highest_bid",
	"highest_bidder", "end_time_ms", "duration_ms", "status", "is_test", "created_at_ms",
}

type auctionRow struct {
	ID            string         `db:"id"`
	Container     string         `db:"container"`
	ItemName      string         `db:"item_name"`
	Seller        string         `db:"seller"`
	StartingBid   int64          `db:"starting_bid"`
	HighestBid    int64          `db:"highest_bid"`
	HighestBidder sql.NullString `db:"highest_bidder"`
	EndTime       int64          `db:"end_time_ms"`
	Duration      int64          `db:"duration_ms"`
	Status        string         `db:"status"`
	IsTest        bool           `db:"is_test"`
	CreatedAt     int64          `db:"created_at_ms"`
}

func (r auctionRow) toAuction() listing.Auction {
	return listing.Auction{
		ID:            r.ID,
		Container:     r.Container,
		ItemName:      r.ItemName,
		Seller:        r.Seller,
		StartingBid:   r.StartingBid,
		HighestBid:    r.HighestBid,
		HighestBidder: r.HighestBidder.String,
		EndTime:       fromMillis(r.EndTime),
		Duration:      time.Duration(r.Duration) * time.Millisecond,
		Status:        listing.Status(r.Status),
		IsTest:        r.IsTest,
		CreatedAt:     fromMillis(r.CreatedAt),
	}
}

// AuctionRepo implements store.AuctionRepository.
type AuctionRepo struct {
	*DB
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *DB) *AuctionRepo {
	return &AuctionRepo{DB: db}
}

func (r *AuctionRepo) Create(ctx context.Context, a *listing.Auction) error {
	_, err := r.exec(ctx, r.db, r.sb.Insert("auctions").Columns(auctionColumns...).Values(
		a.ID, a.Container, a.ItemName, a.Seller, a.StartingBid, a.HighestBid,
		nullString(a.HighestBidder), toMillis(a.EndTime), a.Duration.Milliseconds(),
		string(a.Status), a.IsTest, toMillis(a.CreatedAt),
	))
	if err != nil {
		if r.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("creating auction %s: %w", a.ID, store.ErrDuplicate)
		}
		return fmt.Errorf("creating auction: %w", err)
	}
	return nil
}

func (r *AuctionRepo) Get(ctx context.Context, id string) (*listing.Auction, error) {
	return r.getWhere(ctx, sq.Eq{"id": id})
}

func (r *AuctionRepo) GetByContainer(ctx context.Context, container string) (*listing.Auction, error) {
	return r.getWhere(ctx, sq.Eq{"container": container})
}

func (r *AuctionRepo) getWhere(ctx context.Context, pred sq.Eq) (*listing.Auction, error) {
	var row auctionRow
	if err := r.get(ctx, r.db, &row, r.sb.Select(auctionColumns...).From("auctions").Where(pred)); err != nil {
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	a := row.toAuction()
	return &a, nil
}

func (r *AuctionRepo) ListByStatus(ctx context.Context, statuses ...listing.Status) ([]listing.Auction, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	var rows []auctionRow
	err := r.selectAll(ctx, r.db, &rows, r.sb.Select(auctionColumns...).From("auctions").
		Where(sq.Eq{"status": names}).
		OrderBy("end_time_ms ASC", "id ASC"))
	if err != nil {
		return nil, fmt.Errorf("listing auctions: %w", err)
	}

	out := make([]listing.Auction, len(rows))
	for i, row := range rows {
		out[i] = row.toAuction()
	}
	return out, nil
}

func (r *AuctionRepo) RaiseBid(ctx context.Context, id string, expected, amount int64, bidder string) error {
	n, err := r.exec(ctx, r.db, r.sb.Update("auctions").
		Set("highest_bid", amount).
		Set("highest_bidder", bidder).
		Where(sq.Eq{"id": id, "status": string(listing.StatusActive), "highest_bid": expected}).
		Where(sq.Lt{"highest_bid": amount}))
	if err != nil {
		return fmt.Errorf("raising bid on auction %s: %w", id, err)
	}
	if n == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *AuctionRepo) Transition(ctx context.Context, id string, to listing.Status, from ...listing.Status) error {
	names := make([]string, len(from))
	for i, s := range from {
		names[i] = string(s)
	}

	n, err := r.exec(ctx, r.db, r.sb.Update("auctions").
		Set("status", string(to)).
		Where(sq.Eq{"id": id, "status": names}))
	if err != nil {
		return fmt.Errorf("moving auction %s to %s: %w", id, to, err)
	}
	if n == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *AuctionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.exec(ctx, r.db, r.sb.Delete("auctions").Where(sq.Eq{"id": id})); err != nil {
		return fmt.Errorf("deleting auction %s: %w", id, err)
	}
	return nil
}

// missOrConflict tells a missing row apart from a compare-and-set miss.
func (r *AuctionRepo) missOrConflict(ctx context.Context, id string) error {
	var exists int
	err := r.get(ctx, r.db, &exists, r.sb.Select("1").From("auctions").Where(sq.Eq{"id": id}))
	switch {
	case err == nil:
		return fmt.Errorf("auction %s: %w", id, store.ErrConflict)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("auction %s: %w", id, store.ErrNotFound)
	default:
		return fmt.Errorf("checking auction %s: %w", id, err)
	}
}
