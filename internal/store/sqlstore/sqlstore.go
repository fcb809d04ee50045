// Package sqlstore implements the store repositories over database/sql
// through sqlx. Queries are built with squirrel so the same code serves
// every SQL dialect the drivers register.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/discord-market-bot/internal/clock"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
)

// Dialect captures what differs between SQL backends.
type Dialect struct {
	Name        string
	Placeholder sq.PlaceholderFormat
	// LockSuffix is appended to SELECTs that must lock the row inside a
	// transaction. Empty when the backend serializes writers anyway.
	LockSuffix string
	// IsUniqueViolation reports a unique or primary key violation.
	IsUniqueViolation func(error) bool
	// IsForeignKeyViolation reports a foreign key violation.
	IsForeignKeyViolation func(error) bool
}

// DB bundles a connection with its dialect.
type DB struct {
	db      *sqlx.DB
	dialect Dialect
	sb      sq.StatementBuilderType
}

// Wrap pairs db with dialect.
func Wrap(db *sqlx.DB, dialect Dialect) *DB {
	return &DB{
		db:      db,
		dialect: dialect,
		sb:      sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder),
	}
}

// Repositories returns every repository backed by db.
func Repositories(db *DB, clk clock.Clock) *store.Repositories {
	return &store.Repositories{
		Auctions:  NewAuctionRepo(db),
		Giveaways: NewGiveawayRepo(db, clk),
		Deals:     NewDealRepo(db),
		Outcomes:  NewOutcomeRepo(db),
		Events:    NewEventStore(db),
		Closer:    db.db,
		Ping:      db.db.PingContext,
	}
}

type sqlizer interface {
	ToSql() (string, []any, error)
}

func (d *DB) exec(ctx context.Context, ext sqlx.ExtContext, b sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building query: %w", err)
	}
	res, err := ext.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return n, nil
}

func (d *DB) get(ctx context.Context, q sqlx.QueryerContext, dest any, b sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}
	if err := sqlx.GetContext(ctx, q, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}
	return nil
}

func (d *DB) selectAll(ctx context.Context, q sqlx.QueryerContext, dest any, b sqlizer) error {
	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}
	return sqlx.SelectContext(ctx, q, dest, query, args...)
}

func (d *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Timestamps are stored as Unix milliseconds so both dialects share one
// column type.
func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
