package sqlstore

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/discord-market-bot/internal/clock"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
)

var giveawayColumns = []string{
	"id", "container", "host", "item_name", "end_time_ms", "duration_ms", "created_at_ms",
}

type giveawayRow struct {
	ID        string `db:"id"`
	Container string `db:"container"`
	Host      string `db:"host"`
	ItemName  string `db:"item_name"`
	EndTime   int64  `db:"end_time_ms"`
	Duration  int64  `db:"duration_ms"`
	CreatedAt int64  `db:"created_at_ms"`
}

func (r giveawayRow) toGiveaway(participants []string) listing.Giveaway {
	return listing.Giveaway{
		ID:           r.ID,
		Container:    r.Container,
		Host:         r.Host,
		ItemName:     r.ItemName,
		EndTime:      fromMillis(r.EndTime),
		Duration:     time.Duration(r.Duration) * time.Millisecond,
		Participants: participants,
		CreatedAt:    fromMillis(r.CreatedAt),
	}
}

// GiveawayRepo implements store.GiveawayRepository. Participants live in
// their own table keyed by (giveaway_id, identity), which makes joins
// duplicate-free without a read-modify-write.
type GiveawayRepo struct {
	*DB
	clock clock.Clock
}

// NewGiveawayRepo returns a new GiveawayRepo.
func NewGiveawayRepo(db *DB, clk clock.Clock) *GiveawayRepo {
	return &GiveawayRepo{DB: db, clock: clk}
}

func (r *GiveawayRepo) Create(ctx context.Context, g *listing.Giveaway) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := r.exec(ctx, tx, r.sb.Insert("giveaways").Columns(giveawayColumns...).Values(
			g.ID, g.Container, g.Host, g.ItemName, toMillis(g.EndTime),
			g.Duration.Milliseconds(), toMillis(g.CreatedAt),
		))
		if err != nil {
			if r.dialect.IsUniqueViolation(err) {
				return fmt.Errorf("creating giveaway %s: %w", g.ID, store.ErrDuplicate)
			}
			return fmt.Errorf("creating giveaway: %w", err)
		}
		for _, p := range g.Participants {
			if _, err := r.exec(ctx, tx, r.sb.Insert("giveaway_participants").
				Columns("giveaway_id", "identity", "joined_at_ms").
				Values(g.ID, p, toMillis(g.CreatedAt))); err != nil {
				return fmt.Errorf("adding participant %s: %w", p, err)
			}
		}
		return nil
	})
}

func (r *GiveawayRepo) Get(ctx context.Context, id string) (*listing.Giveaway, error) {
	return r.load(ctx, r.db, sq.Eq{"id": id}, "")
}

func (r *GiveawayRepo) GetByContainer(ctx context.Context, container string) (*listing.Giveaway, error) {
	return r.load(ctx, r.db, sq.Eq{"container": container}, "")
}

func (r *GiveawayRepo) load(ctx context.Context, q sqlx.QueryerContext, pred sq.Eq, suffix string) (*listing.Giveaway, error) {
	var row giveawayRow
	b := r.sb.Select(giveawayColumns...).From("giveaways").Where(pred)
	if suffix != "" {
		b = b.Suffix(suffix)
	}
	if err := r.get(ctx, q, &row, b); err != nil {
		return nil, fmt.Errorf("getting giveaway: %w", err)
	}
	participants, err := r.participants(ctx, q, row.ID)
	if err != nil {
		return nil, err
	}
	g := row.toGiveaway(participants)
	return &g, nil
}

func (r *GiveawayRepo) participants(ctx context.Context, q sqlx.QueryerContext, id string) ([]string, error) {
	var out []string
	err := r.selectAll(ctx, q, &out, r.sb.Select("identity").From("giveaway_participants").
		Where(sq.Eq{"giveaway_id": id}).
		OrderBy("joined_at_ms ASC", "identity ASC"))
	if err != nil {
		return nil, fmt.Errorf("loading participants of giveaway %s: %w", id, err)
	}
	return out, nil
}

func (r *GiveawayRepo) List(ctx context.Context) ([]listing.Giveaway, error) {
	var rows []giveawayRow
	if err := r.selectAll(ctx, r.db, &rows, r.sb.Select(giveawayColumns...).From("giveaways").
		OrderBy("end_time_ms ASC", "id ASC")); err != nil {
		return nil, fmt.Errorf("listing giveaways: %w", err)
	}

	out := make([]listing.Giveaway, 0, len(rows))
	for _, row := range rows {
		participants, err := r.participants(ctx, r.db, row.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, row.toGiveaway(participants))
	}
	return out, nil
}

func (r *GiveawayRepo) AddParticipant(ctx context.Context, id, identity string) (bool, error) {
	var added bool
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		// Locks the giveaway row so a concurrent Take either sees this
		// participant or makes the join observe a missing giveaway.
		var one int
		b := r.sb.Select("1").From("giveaways").Where(sq.Eq{"id": id})
		if r.dialect.LockSuffix != "" {
			b = b.Suffix(r.dialect.LockSuffix)
		}
		if err := r.get(ctx, tx, &one, b); err != nil {
			return err
		}

		n, err := r.exec(ctx, tx, r.sb.Insert("giveaway_participants").
			Columns("giveaway_id", "identity", "joined_at_ms").
			Values(id, identity, toMillis(r.clock.Now())).
			Suffix("ON CONFLICT (giveaway_id, identity) DO NOTHING"))
		if err != nil {
			if r.dialect.IsForeignKeyViolation(err) {
				return store.ErrNotFound
			}
			return err
		}
		added = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("joining giveaway %s: %w", id, err)
	}
	return added, nil
}

func (r *GiveawayRepo) Take(ctx context.Context, id string) (*listing.Giveaway, error) {
	var taken *listing.Giveaway
	err := r.inTx(ctx, func(tx *sqlx.Tx) error {
		g, err := r.load(ctx, tx, sq.Eq{"id": id}, r.dialect.LockSuffix)
		if err != nil {
			return err
		}
		if _, err := r.exec(ctx, tx, r.sb.Delete("giveaway_participants").Where(sq.Eq{"giveaway_id": id})); err != nil {
			return fmt.Errorf("deleting participants: %w", err)
		}
		if _, err := r.exec(ctx, tx, r.sb.Delete("giveaways").Where(sq.Eq{"id": id})); err != nil {
			return fmt.Errorf("deleting giveaway: %w", err)
		}
		taken = g
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("taking giveaway %s: %w", id, err)
	}
	return taken, nil
}
