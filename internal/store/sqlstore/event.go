package sqlstore

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/discord-market-bot/internal/event"
)

type eventRow struct {
	ID          string `db:"id"`
	AggregateID string `db:"aggregate_id"`
	Type        string `db:"type"`
	Data        []byte `db:"data"`
	CreatedAt   int64  `db:"created_at_ms"`
}

// EventStore implements event.Store. Insertion order is kept by an
// auto-increment sequence column.
type EventStore struct {
	*DB
}

// NewEventStore returns a new EventStore.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{DB: db}
}

func (s *EventStore) Append(ctx context.Context, events ...event.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range events {
			if _, err := s.exec(ctx, tx, s.sb.Insert("events").
				Columns("id", "aggregate_id", "type", "data", "created_at_ms").
				Values(e.ID, e.AggregateID, string(e.Type), string(e.Data), toMillis(e.CreatedAt))); err != nil {
				return fmt.Errorf("inserting event (aggregate=%s, type=%s): %w", e.AggregateID, e.Type, err)
			}
		}
		return nil
	})
}

func (s *EventStore) Load(ctx context.Context, aggregateID string) ([]event.Event, error) {
	evts, err := s.load(ctx, sq.Eq{"aggregate_id": aggregateID})
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	return evts, nil
}

func (s *EventStore) LoadByType(ctx context.Context, eventType event.Type) ([]event.Event, error) {
	evts, err := s.load(ctx, sq.Eq{"type": string(eventType)})
	if err != nil {
		return nil, fmt.Errorf("loading events by type: %w", err)
	}
	return evts, nil
}

func (s *EventStore) load(ctx context.Context, pred sq.Eq) ([]event.Event, error) {
	var rows []eventRow
	if err := s.selectAll(ctx, s.db, &rows, s.sb.
		Select("id", "aggregate_id", "type", "data", "created_at_ms").
		From("events").Where(pred).OrderBy("seq ASC")); err != nil {
		return nil, err
	}
	out := make([]event.Event, len(rows))
	for i, row := range rows {
		out[i] = event.Event{
			ID:          row.ID,
			AggregateID: row.AggregateID,
			Type:        event.Type(row.Type),
			Data:        row.Data,
			CreatedAt:   fromMillis(row.CreatedAt),
		}
	}
	return out, nil
}
