// Package giveaway owns giveaway enrollment and the random draw when a
// giveaway's timer fires.
package giveaway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/discord-market-bot/internal/clock"
	"github.com/jensholdgaard/discord-market-bot/internal/config"
	"github.com/jensholdgaard/discord-market-bot/internal/event"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/messaging"
	"github.com/jensholdgaard/discord-market-bot/internal/schedule"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
	"github.com/jensholdgaard/discord-market-bot/internal/telemetry"
)

const scope = "github.com/jensholdgaard/discord-market-bot/internal/giveaway"

var (
	ErrNotFound  = errors.New("giveaway not found")
	ErrHostEntry = errors.New("hosts cannot enter their own giveaway")
	ErrDuration  = errors.New("duration out of range")
	ErrHandoff   = errors.New("deal handoff failed")
)

// JoinResult distinguishes a fresh entry from a repeated one.
type JoinResult int

const (
	Joined JoinResult = iota + 1
	AlreadyJoined
)

func (r JoinResult) String() string {
	switch r {
	case Joined:
		return "joined"
	case AlreadyJoined:
		return "already_joined"
	default:
		return "unknown"
	}
}

// DealCreator hands a won giveaway to settlement.
type DealCreator interface {
	CreateDeal(ctx context.Context, p listing.DealParams) (*listing.Deal, error)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Giveaways store.GiveawayRepository
	Events    event.Store
	Scheduler *schedule.Scheduler
	Notifier  *messaging.Notifier
	Identity  messaging.Identity
	Deals     DealCreator
	Market    config.MarketConfig
	// Pick returns a uniformly random index in [0, n). Defaults to
	// math/rand/v2.IntN.
	Pick func(n int) int

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Clock          clock.Clock
}

// Resolution is what happened when a giveaway closed.
type Resolution struct {
	Giveaway listing.Giveaway
	// Winner is empty when nobody joined.
	Winner string
	Deal   *listing.Deal
}

// Manager drives giveaway enrollment and resolution.
type Manager struct {
	giveaways store.GiveawayRepository
	events    event.Store
	scheduler *schedule.Scheduler
	notifier  *messaging.Notifier
	identity  messaging.Identity
	deals     DealCreator
	market    config.MarketConfig
	pick      func(n int) int

	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock

	joins    metric.Int64Counter
	resolved metric.Int64Counter
}

// NewManager creates a Manager.
func NewManager(d Deps) *Manager {
	pick := d.Pick
	if pick == nil {
		pick = rand.IntN
	}
	return &Manager{
		giveaways: d.Giveaways,
		events:    d.Events,
		scheduler: d.Scheduler,
		notifier:  d.Notifier,
		identity:  d.Identity,
		deals:     d.Deals,
		market:    d.Market,
		pick:      pick,
		logger:    d.Logger,
		tracer:    d.TracerProvider.Tracer(scope),
		clock:     d.Clock,

		joins:    telemetry.Counter(d.MeterProvider, scope, "market.giveaways.joins", "Giveaway entries, by result."),
		resolved: telemetry.Counter(d.MeterProvider, scope, "market.giveaways.resolved", "Giveaways resolved, by whether anyone won."),
	}
}

// Duration converts a submitted number of hours into a duration.
func (m *Manager) Duration(hours int) (time.Duration, error) {
	if hours < m.market.MinGiveawayHours || hours > m.market.MaxGiveawayHours {
		return 0, fmt.Errorf("%w: giveaways run %d to %d hours", ErrDuration, m.market.MinGiveawayHours, m.market.MaxGiveawayHours)
	}
	return time.Duration(hours) * time.Hour, nil
}

// Open creates a giveaway and schedules its draw.
func (m *Manager) Open(ctx context.Context, p listing.GiveawayParams) (*listing.Giveaway, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Open",
		trace.WithAttributes(
			attribute.String("item", p.ItemName),
			attribute.String("host", p.Host),
		),
	)
	defer span.End()

	g, err := listing.NewGiveaway(p, m.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := m.giveaways.Create(ctx, g); err != nil {
		return nil, fmt.Errorf("creating giveaway: %w", err)
	}
	m.record(ctx, g.ID, event.GiveawayCreated, event.GiveawayCreatedData{
		ItemName: g.ItemName,
		Host:     g.Host,
		EndTime:  g.EndTime,
	})
	m.Schedule(*g)

	m.logger.InfoContext(ctx, "giveaway opened",
		slog.String("giveaway_id", g.ID),
		slog.String("item", g.ItemName),
		slog.Time("end_time", g.EndTime),
	)
	return g, nil
}

// Get returns the open giveaway with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*listing.Giveaway, error) {
	g, err := m.giveaways.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return g, err
}

// Lookup returns the open giveaway running in container.
func (m *Manager) Lookup(ctx context.Context, container string) (*listing.Giveaway, error) {
	g, err := m.giveaways.GetByContainer(ctx, container)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return g, err
}

// Schedule arms the draw for g. An end time in the past resolves it
// immediately.
func (m *Manager) Schedule(g listing.Giveaway) {
	id := g.ID
	m.scheduler.Schedule("giveaway:"+id+":end", g.EndTime, func(ctx context.Context) {
		if _, err := m.Resolve(ctx, id); err != nil {
			m.logger.ErrorContext(ctx, "resolving giveaway failed",
				slog.String("giveaway_id", id),
				slog.Any("error", err),
			)
		}
	})
}

// Join enrolls identity. Entering twice is reported as AlreadyJoined and
// changes nothing. Once the giveaway has been drawn it reports
// ErrNotFound.
func (m *Manager) Join(ctx context.Context, id, identity string) (JoinResult, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Join",
		trace.WithAttributes(
			attribute.String("giveaway_id", id),
			attribute.String("identity", identity),
		),
	)
	defer span.End()

	g, err := m.giveaways.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("loading giveaway: %w", err)
	}
	if m.identity.IsSameParty(identity, g.Host) {
		return 0, ErrHostEntry
	}

	added, err := m.giveaways.AddParticipant(ctx, id, identity)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("adding participant: %w", err)
	}

	result := AlreadyJoined
	if added {
		result = Joined
		m.record(ctx, id, event.GiveawayJoined, event.ParticipantData{Identity: identity})
	}
	m.joins.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result.String())))
	return result, nil
}

// Resolve removes the giveaway and draws one participant uniformly at
// random. The participant set is frozen by the removal. Resolving a
// giveaway that is already gone returns a nil Resolution.
func (m *Manager) Resolve(ctx context.Context, id string) (*Resolution, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Resolve",
		trace.WithAttributes(attribute.String("giveaway_id", id)),
	)
	defer span.End()

	g, err := m.giveaways.Take(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taking giveaway: %w", err)
	}

	res := &Resolution{Giveaway: *g}
	if len(g.Participants) == 0 {
		m.resolved.Add(ctx, 1, metric.WithAttributes(attribute.Bool("winner", false)))
		m.record(ctx, id, event.GiveawayNoParticipants, event.GiveawayResolvedData{})
		m.notifier.Post(ctx, g.Container, fmt.Sprintf("The giveaway for **%s** has ended. No one joined.", g.ItemName))
		m.notifier.Direct(ctx, g.Host, fmt.Sprintf("Your giveaway for **%s** ended with no participants.", g.ItemName))
		m.logger.InfoContext(ctx, "giveaway ended without participants", slog.String("giveaway_id", id))
		return res, nil
	}

	// Storage order is not meaningful; sorting keeps the draw a pure
	// function of the participant set and the random index.
	participants := slices.Clone(g.Participants)
	slices.Sort(participants)
	res.Winner = participants[m.pick(len(participants))]

	m.resolved.Add(ctx, 1, metric.WithAttributes(attribute.Bool("winner", true)))
	m.record(ctx, id, event.GiveawayResolved, event.GiveawayResolvedData{
		Winner:       res.Winner,
		Participants: len(participants),
	})
	m.notifier.Post(ctx, g.Container, fmt.Sprintf("The giveaway for **%s** has ended. Congratulations %s!",
		g.ItemName, m.identity.DisplayName(ctx, res.Winner)))

	deal, err := m.settle(ctx, id, listing.DealParams{
		Kind:       listing.KindGiveaway,
		Seller:     g.Host,
		Buyer:      res.Winner,
		ItemName:   g.ItemName,
		ListingRef: g.ID,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "giveaway handoff failed, the sweep will retry it",
			slog.String("giveaway_id", id),
			slog.String("winner", res.Winner),
			slog.Any("error", err),
		)
		return res, err
	}
	res.Deal = deal

	m.notifier.Direct(ctx, res.Winner, wonNotice(g.ItemName))
	m.logger.InfoContext(ctx, "giveaway resolved",
		slog.String("giveaway_id", id),
		slog.String("winner", res.Winner),
		slog.Int("participants", len(participants)),
	)
	return res, nil
}

// settle hands the won giveaway to settlement and marks it settled in
// the ledger. The handoff is idempotent per giveaway, so settling twice
// yields the same deal.
func (m *Manager) settle(ctx context.Context, id string, p listing.DealParams) (*listing.Deal, error) {
	deal, err := m.deals.CreateDeal(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandoff, err)
	}
	m.record(ctx, id, event.GiveawaySettled, event.GiveawaySettledData{DealID: deal.ID, Winner: p.Buyer})
	return deal, nil
}

// Retry repeats the handoff for a giveaway whose winner was recorded but
// whose deal could not be created.
func (m *Manager) Retry(ctx context.Context, id string) (*listing.Deal, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Retry",
		trace.WithAttributes(attribute.String("giveaway_id", id)),
	)
	defer span.End()

	events, err := m.events.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading events: %w", err)
	}
	var (
		created  *event.GiveawayCreatedData
		resolved *event.GiveawayResolvedData
		settled  bool
	)
	for _, e := range events {
		switch e.Type {
		case event.GiveawayCreated:
			created = new(event.GiveawayCreatedData)
			err = decode(e, created)
		case event.GiveawayResolved:
			resolved = new(event.GiveawayResolvedData)
			err = decode(e, resolved)
		case event.GiveawaySettled:
			settled = true
		}
		if err != nil {
			return nil, err
		}
	}
	if created == nil || resolved == nil || resolved.Winner == "" {
		return nil, ErrNotFound
	}

	params := listing.DealParams{
		Kind:       listing.KindGiveaway,
		Seller:     created.Host,
		Buyer:      resolved.Winner,
		ItemName:   created.ItemName,
		ListingRef: id,
	}
	if settled {
		// The handoff returns the existing deal.
		deal, err := m.deals.CreateDeal(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrHandoff, err)
		}
		return deal, nil
	}

	deal, err := m.settle(ctx, id, params)
	if err != nil {
		return nil, err
	}
	m.notifier.Direct(ctx, resolved.Winner, wonNotice(created.ItemName))
	m.logger.InfoContext(ctx, "giveaway handoff retried",
		slog.String("giveaway_id", id),
		slog.String("deal_id", deal.ID),
	)
	return deal, nil
}

// Unsettled returns the ids of giveaways that drew a winner but have no
// deal yet, oldest first.
func (m *Manager) Unsettled(ctx context.Context) ([]string, error) {
	resolved, err := m.events.LoadByType(ctx, event.GiveawayResolved)
	if err != nil {
		return nil, fmt.Errorf("loading resolved giveaways: %w", err)
	}
	settled, err := m.events.LoadByType(ctx, event.GiveawaySettled)
	if err != nil {
		return nil, fmt.Errorf("loading settled giveaways: %w", err)
	}

	done := make(map[string]bool, len(settled))
	for _, e := range settled {
		done[e.AggregateID] = true
	}
	var ids []string
	for _, e := range resolved {
		if done[e.AggregateID] {
			continue
		}
		done[e.AggregateID] = true
		ids = append(ids, e.AggregateID)
	}
	return ids, nil
}

// RetryUnsettled retries the handoff of every unsettled giveaway and
// returns how many now have a deal. A failed retry is logged and left
// for the next pass.
func (m *Manager) RetryUnsettled(ctx context.Context) (int, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.RetryUnsettled")
	defer span.End()

	ids, err := m.Unsettled(ctx)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, id := range ids {
		if _, err := m.Retry(ctx, id); err != nil {
			m.logger.WarnContext(ctx, "giveaway handoff still failing",
				slog.String("giveaway_id", id),
				slog.Any("error", err),
			)
			continue
		}
		settled++
	}
	return settled, nil
}

func (m *Manager) record(ctx context.Context, id string, typ event.Type, data any) {
	e, err := event.New(id, typ, data, m.clock.Now())
	if err == nil {
		err = m.events.Append(ctx, e)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to persist event",
			slog.String("giveaway_id", id),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

func wonNotice(item string) string {
	return fmt.Sprintf("You won **%s**! A deal room with the host is being opened.", item)
}

func decode(e event.Event, v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", e.Type, err)
	}
	return nil
}
