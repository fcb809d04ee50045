package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
)

var dealColumns = []string{
	"id", "kind", "container", "seller", "buyer", "item_name", "amount", "listing_ref", "created_at_ms",
}

type dealRow struct {
	ID         string         `db:"id"`
	Kind       string         `db:"kind"`
	Container  string         `db:"container"`
	Seller     string         `db:"seller"`
	Buyer      string         `db:"buyer"`
	ItemName   string         `db:"item_name"`
	Amount     int64          `db:"amount"`
	ListingRef sql.NullString `db:"listing_ref"`
	CreatedAt  int64          `db:"created_at_ms"`
}

func (r dealRow) toDeal() listing.Deal {
	return listing.Deal{
		ID:         r.ID,
		Kind:       listing.Kind(r.Kind),
		Container:  r.Container,
		Seller:     r.Seller,
		Buyer:      r.Buyer,
		ItemName:   r.ItemName,
		Amount:     r.Amount,
		ListingRef: r.ListingRef.String,
		CreatedAt:  fromMillis(r.CreatedAt),
	}
}

// DealRepo implements store.DealRepository. listing_ref carries a unique
// constraint so a listing can never be handed off twice.
type DealRepo struct {
	*DB
}

// NewDealRepo returns a new DealRepo.
func NewDealRepo(db *DB) *DealRepo {
	return &DealRepo{DB: db}
}

func (r *DealRepo) Create(ctx context.Context, d *listing.Deal) error {
	_, err := r.exec(ctx, r.db, r.sb.Insert("deals").Columns(dealColumns...).Values(
		d.ID, string(d.Kind), d.Container, d.Seller, d.Buyer, d.ItemName, d.Amount,
		nullString(d.ListingRef), toMillis(d.CreatedAt),
	))
	if err != nil {
		if r.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("creating deal for %q: %w", d.ListingRef, store.ErrDuplicate)
		}
		return fmt.Errorf("creating deal: %w", err)
	}
	return nil
}

func (r *DealRepo) Get(ctx context.Context, id string) (*listing.Deal, error) {
	return r.getWhere(ctx, sq.Eq{"id": id})
}

func (r *DealRepo) GetByListing(ctx context.Context, listingRef string) (*listing.Deal, error) {
	return r.getWhere(ctx, sq.Eq{"listing_ref": listingRef})
}

func (r *DealRepo) getWhere(ctx context.Context, pred sq.Eq) (*listing.Deal, error) {
	var row dealRow
	if err := r.get(ctx, r.db, &row, r.sb.Select(dealColumns...).From("deals").Where(pred)); err != nil {
		return nil, fmt.Errorf("getting deal: %w", err)
	}
	d := row.toDeal()
	return &d, nil
}

func (r *DealRepo) List(ctx context.Context) ([]listing.Deal, error) {
	var rows []dealRow
	if err := r.selectAll(ctx, r.db, &rows, r.sb.Select(dealColumns...).From("deals").
		OrderBy("created_at_ms ASC", "id ASC")); err != nil {
		return nil, fmt.Errorf("listing deals: %w", err)
	}
	out := make([]listing.Deal, len(rows))
	for i, row := range rows {
		out[i] = row.toDeal()
	}
	return out, nil
}
