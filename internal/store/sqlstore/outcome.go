package sqlstore

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
)

var outcomeColumns = []string{
	"auction_id", "item_name", "seller", "final_bid", "winner", "result", "is_test", "recorded_at_ms",
}

type outcomeRow struct {
	AuctionID  string         `db:"auction_id"`
	ItemName   string         `db:"item_name"`
	Seller     string         `db:"seller"`
	FinalBid   int64          `db:"final_bid"`
	Winner     sql.NullString `db:"winner"`
	Result     string         `db:"result"`
	IsTest     bool           `db:"is_test"`
	RecordedAt int64          `db:"recorded_at_ms"`
}

func (r outcomeRow) toOutcome() listing.Outcome {
	return listing.Outcome{
		AuctionID:  r.AuctionID,
		ItemName:   r.ItemName,
		Seller:     r.Seller,
		FinalBid:   r.FinalBid,
		Winner:     r.Winner.String,
		Result:     listing.Result(r.Result),
		IsTest:     r.IsTest,
		RecordedAt: fromMillis(r.RecordedAt),
	}
}

// OutcomeRepo implements store.OutcomeRepository.
type OutcomeRepo struct {
	*DB
}

// NewOutcomeRepo returns a new OutcomeRepo.
func NewOutcomeRepo(db *DB) *OutcomeRepo {
	return &OutcomeRepo{DB: db}
}

func (r *OutcomeRepo) Record(ctx context.Context, o *listing.Outcome) error {
	_, err := r.exec(ctx, r.db, r.sb.Insert("ended_auctions").Columns(outcomeColumns...).Values(
		o.AuctionID, o.ItemName, o.Seller, o.FinalBid, nullString(o.Winner),
		string(o.Result), o.IsTest, toMillis(o.RecordedAt),
	))
	if err != nil {
		if r.dialect.IsUniqueViolation(err) {
			return fmt.Errorf("recording outcome of auction %s: %w", o.AuctionID, store.ErrDuplicate)
		}
		return fmt.Errorf("recording outcome: %w", err)
	}
	return nil
}

func (r *OutcomeRepo) GetByAuction(ctx context.Context, auctionID string) (*listing.Outcome, error) {
	var row outcomeRow
	if err := r.get(ctx, r.db, &row, r.sb.Select(outcomeColumns...).From("ended_auctions").
		Where(sq.Eq{"auction_id": auctionID})); err != nil {
		return nil, fmt.Errorf("getting outcome: %w", err)
	}
	o := row.toOutcome()
	return &o, nil
}

func (r *OutcomeRepo) ListRecent(ctx context.Context, limit int) ([]listing.Outcome, error) {
	b := r.sb.Select(outcomeColumns...).From("ended_auctions").OrderBy("recorded_at_ms DESC", "auction_id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	var rows []outcomeRow
	if err := r.selectAll(ctx, r.db, &rows, b); err != nil {
		return nil, fmt.Errorf("listing outcomes: %w", err)
	}
	out := make([]listing.Outcome, len(rows))
	for i, row := range rows {
		out[i] = row.toOutcome()
	}
	return out, nil
}
