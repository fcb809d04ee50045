// Package auction owns the auction lifecycle: opening, bidding, ending on
// the timer and the seller's accept or reject decision.
package auction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/discord-market-bot/internal/bid"
	"github.com/jensholdgaard/discord-market-bot/internal/clock"
	"github.com/jensholdgaard/discord-market-bot/internal/config"
	"github.com/jensholdgaard/discord-market-bot/internal/event"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/messaging"
	"github.com/jensholdgaard/discord-market-bot/internal/schedule"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
	"github.com/jensholdgaard/discord-market-bot/internal/telemetry"
)

const scope = "github.com/jensholdgaard/discord-market-bot/internal/auction"

// maxBidAttempts bounds how often a bid is re-validated after losing a
// compare-and-set race.
const maxBidAttempts = 5

var (
	ErrNotFound         = errors.New("auction not found")
	ErrAlreadyProcessed = errors.New("auction already processed")
	ErrNotSeller        = errors.New("only the seller can decide this auction")
	ErrNoBids           = errors.New("auction has no bids to accept")
	ErrDuration         = errors.New("duration out of range")
	ErrStartingBid      = errors.New("starting bid out of range")
	ErrContended        = errors.New("too many concurrent bids, try again")
	ErrHandoff          = errors.New("deal handoff failed")
)

// DealCreator hands an accepted auction to settlement. Creating a deal
// for a listing that already has one returns the existing deal.
type DealCreator interface {
	CreateDeal(ctx context.Context, p listing.DealParams) (*listing.Deal, error)
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Auctions  store.AuctionRepository
	Outcomes  store.OutcomeRepository
	Events    event.Store
	Scheduler *schedule.Scheduler
	Notifier  *messaging.Notifier
	Prompter  messaging.DecisionPrompter
	Identity  messaging.Identity
	Deals     DealCreator
	Market    config.MarketConfig

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Clock          clock.Clock
}

// Decision is the result of a seller's accept or reject.
type Decision struct {
	Result listing.Result
	// Deal is set when the seller accepted.
	Deal *listing.Deal
}

// Manager drives auction state transitions. All state lives in the
// repository; the Manager keeps none of its own.
type Manager struct {
	auctions  store.AuctionRepository
	outcomes  store.OutcomeRepository
	events    event.Store
	scheduler *schedule.Scheduler
	notifier  *messaging.Notifier
	prompter  messaging.DecisionPrompter
	identity  messaging.Identity
	deals     DealCreator
	market    config.MarketConfig
	validator bid.Validator

	logger *slog.Logger
	tracer trace.Tracer
	clock  clock.Clock

	bidsAccepted metric.Int64Counter
	bidsRejected metric.Int64Counter
	resolved     metric.Int64Counter
}

// NewManager creates a Manager.
func NewManager(d Deps) *Manager {
	return &Manager{
		auctions:  d.Auctions,
		outcomes:  d.Outcomes,
		events:    d.Events,
		scheduler: d.Scheduler,
		notifier:  d.Notifier,
		prompter:  d.Prompter,
		identity:  d.Identity,
		deals:     d.Deals,
		market:    d.Market,
		validator: bid.NewValidator(d.Market.BidCeiling),
		logger:    d.Logger,
		tracer:    d.TracerProvider.Tracer(scope),
		clock:     d.Clock,

		bidsAccepted: telemetry.Counter(d.MeterProvider, scope, "market.bids.accepted", "Bids accepted, live and replayed."),
		bidsRejected: telemetry.Counter(d.MeterProvider, scope, "market.bids.rejected", "Bids rejected by validation."),
		resolved:     telemetry.Counter(d.MeterProvider, scope, "market.auctions.resolved", "Auctions resolved, by result."),
	}
}

// Duration converts a submitted length into a duration, checking it
// against the configured range. Rehearsal auctions count minutes,
// production auctions count hours.
func (m *Manager) Duration(units int, isTest bool) (time.Duration, error) {
	if isTest {
		if units < m.market.MinTestMinutes || units > m.market.MaxTestMinutes {
			return 0, fmt.Errorf("%w: test auctions run %d to %d minutes", ErrDuration, m.market.MinTestMinutes, m.market.MaxTestMinutes)
		}
		return time.Duration(units) * time.Minute, nil
	}
	if units < m.market.MinAuctionHours || units > m.market.MaxAuctionHours {
		return 0, fmt.Errorf("%w: auctions run %d to %d hours", ErrDuration, m.market.MinAuctionHours, m.market.MaxAuctionHours)
	}
	return time.Duration(units) * time.Hour, nil
}

// Open creates an active auction and schedules its timers.
func (m *Manager) Open(ctx context.Context, p listing.AuctionParams) (*listing.Auction, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Open",
		trace.WithAttributes(
			attribute.String("item", p.ItemName),
			attribute.String("seller", p.Seller),
			attribute.Bool("is_test", p.IsTest),
		),
	)
	defer span.End()

	if p.StartingBid <= 0 || p.StartingBid >= m.validator.Ceiling {
		return nil, fmt.Errorf("%w: must be between 1 and %d", ErrStartingBid, m.validator.Ceiling-1)
	}

	a, err := listing.NewAuction(p, m.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := m.auctions.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating auction: %w", err)
	}

	m.record(ctx, a.ID, event.AuctionCreated, event.AuctionCreatedData{
		ItemName:    a.ItemName,
		Seller:      a.Seller,
		StartingBid: a.StartingBid,
		EndTime:     a.EndTime,
		Duration:    a.Duration,
		IsTest:      a.IsTest,
	})
	m.Schedule(*a)

	m.logger.InfoContext(ctx, "auction opened",
		slog.String("auction_id", a.ID),
		slog.String("item", a.ItemName),
		slog.Time("end_time", a.EndTime),
	)
	return a, nil
}

// Get returns the auction with the given id.
func (m *Manager) Get(ctx context.Context, id string) (*listing.Auction, error) {
	a, err := m.auctions.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

// Lookup returns the auction running in container.
func (m *Manager) Lookup(ctx context.Context, container string) (*listing.Auction, error) {
	a, err := m.auctions.GetByContainer(ctx, container)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

// Schedule arms the end and warning timers for a. Both are keyed by the
// auction id, so scheduling again replaces them. An end time already in
// the past ends the auction immediately.
func (m *Manager) Schedule(a listing.Auction) {
	id := a.ID
	if warnAt := a.EndTime.Add(-m.warningOffset(a.IsTest)); m.scheduler.Remaining(warnAt) > 0 {
		m.scheduler.Schedule(warnKey(id), warnAt, func(ctx context.Context) {
			m.Warn(ctx, id)
		})
	}
	m.scheduler.Schedule(endKey(id), a.EndTime, func(ctx context.Context) {
		if err := m.End(ctx, id); err != nil {
			m.logger.ErrorContext(ctx, "ending auction failed",
				slog.String("auction_id", id),
				slog.Any("error", err),
			)
		}
	})
}

func (m *Manager) warningOffset(isTest bool) time.Duration {
	if isTest {
		return m.market.TestWarningOffset
	}
	return m.market.WarningOffset
}

func endKey(id string) string  { return "auction:" + id + ":end" }
func warnKey(id string) string { return "auction:" + id + ":warn" }

// Warn posts the closing-soon notice if the auction is still taking bids.
func (m *Manager) Warn(ctx context.Context, id string) {
	ctx, span := m.tracer.Start(ctx, "Manager.Warn",
		trace.WithAttributes(attribute.String("auction_id", id)),
	)
	defer span.End()

	a, err := m.auctions.Get(ctx, id)
	if err != nil || a.Status != listing.StatusActive {
		return
	}
	m.notifier.Post(ctx, a.Container, warningNotice(*a, m.warningOffset(a.IsTest), m.displayName(ctx, a.HighestBidder)))
}

// PlaceBid validates raw as a bid by bidder and applies it. Rejections are
// returned as *bid.Rejection.
func (m *Manager) PlaceBid(ctx context.Context, id, bidder, raw string) (bid.Accept, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.PlaceBid",
		trace.WithAttributes(
			attribute.String("auction_id", id),
			attribute.String("bidder", bidder),
		),
	)
	defer span.End()
	return m.applyBid(ctx, id, bidder, raw, false)
}

// ReplayBid applies a bid recovered from container history. It follows
// exactly the same rules as PlaceBid.
func (m *Manager) ReplayBid(ctx context.Context, id, bidder, raw string) (bid.Accept, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.ReplayBid",
		trace.WithAttributes(
			attribute.String("auction_id", id),
			attribute.String("bidder", bidder),
		),
	)
	defer span.End()
	return m.applyBid(ctx, id, bidder, raw, true)
}

func (m *Manager) applyBid(ctx context.Context, id, bidder, raw string, replayed bool) (bid.Accept, error) {
	mode := attribute.Bool("replayed", replayed)
	for range maxBidAttempts {
		a, err := m.auctions.Get(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			m.bidsRejected.Add(ctx, 1, metric.WithAttributes(mode))
			return bid.Accept{}, &bid.Rejection{Reason: bid.ErrNotActive}
		}
		if err != nil {
			return bid.Accept{}, fmt.Errorf("loading auction: %w", err)
		}

		var acc bid.Accept
		if a.Status == listing.StatusActive && m.identity.IsSameParty(bidder, a.Seller) {
			err = &bid.Rejection{Reason: bid.ErrSellerBid, Current: a.HighestBid}
		} else {
			acc, err = m.validator.Validate(raw, *a, bidder)
		}
		if err != nil {
			m.bidsRejected.Add(ctx, 1, metric.WithAttributes(mode))
			return bid.Accept{}, err
		}

		err = m.auctions.RaiseBid(ctx, id, a.HighestBid, acc.NewHighest, bidder)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return bid.Accept{}, fmt.Errorf("raising bid: %w", err)
		}

		m.bidsAccepted.Add(ctx, 1, metric.WithAttributes(mode))
		m.record(ctx, id, event.AuctionBidAccepted, event.BidAcceptedData{
			Bidder:         bidder,
			Amount:         acc.NewHighest,
			PreviousBidder: acc.PreviousBidder,
			Replayed:       replayed,
		})

		m.notifier.Post(ctx, a.Container, bidNotice(acc.NewHighest, m.displayName(ctx, bidder), replayed))
		m.notifier.Direct(ctx, acc.PreviousBidder, outbidNotice(*a, acc.NewHighest))

		m.logger.InfoContext(ctx, "bid accepted",
			slog.String("auction_id", id),
			slog.String("bidder", bidder),
			slog.Int64("amount", acc.NewHighest),
			slog.Bool("replayed", replayed),
		)
		return acc, nil
	}
	return bid.Accept{}, ErrContended
}

// End moves an active auction to ended. Without bids it resolves as
// no_bids and is removed; otherwise the seller is asked to decide. It is
// a no-op for auctions that are gone or no longer active.
func (m *Manager) End(ctx context.Context, id string) error {
	ctx, span := m.tracer.Start(ctx, "Manager.End",
		trace.WithAttributes(attribute.String("auction_id", id)),
	)
	defer span.End()

	err := m.auctions.Transition(ctx, id, listing.StatusEnded, listing.StatusActive)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ending auction: %w", err)
	}

	// Bids cannot land after the flip, so this read is final.
	a, err := m.auctions.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("loading ended auction: %w", err)
	}

	if !a.HasBids() {
		m.record(ctx, id, event.AuctionEnded, event.StatusChangedData{
			From:   string(listing.StatusActive),
			To:     string(listing.StatusEnded),
			Result: string(listing.ResultNoBids),
		})
		m.finish(ctx, *a, listing.ResultNoBids)
		m.notifier.Post(ctx, a.Container, noBidsNotice(*a))
		m.notifier.Direct(ctx, a.Seller, noBidsNotice(*a))
		return nil
	}

	m.record(ctx, id, event.AuctionEnded, event.StatusChangedData{
		From: string(listing.StatusActive),
		To:   string(listing.StatusEnded),
	})
	m.notifier.Post(ctx, a.Container, endedNotice(*a, m.displayName(ctx, a.HighestBidder)))

	if err := m.prompter.PromptDecision(ctx, *a); err != nil {
		m.logger.WarnContext(ctx, "seller unreachable, expiring auction",
			slog.String("auction_id", id),
			slog.String("seller", a.Seller),
			slog.Any("error", err),
		)
		return m.expire(ctx, *a, err)
	}
	return nil
}

func (m *Manager) expire(ctx context.Context, a listing.Auction, cause error) error {
	err := m.auctions.Transition(ctx, a.ID, listing.StatusExpired, listing.StatusActive, listing.StatusEnded)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		// The seller decided in the meantime.
		return nil
	}
	if err != nil {
		return fmt.Errorf("expiring auction: %w", err)
	}
	m.record(ctx, a.ID, event.AuctionExpired, event.StatusChangedData{
		From:   string(a.Status),
		To:     string(listing.StatusExpired),
		Result: string(listing.ResultExpired),
		Reason: cause.Error(),
	})
	m.finish(ctx, a, listing.ResultExpired)
	m.notifier.Post(ctx, a.Container, expiredNotice(a))
	m.notifier.Direct(ctx, a.HighestBidder, expiredNotice(a))
	return nil
}

// Decide applies the seller's decision. The status flips to closed before
// any side effect, so a second decision reports ErrAlreadyProcessed. If
// the deal handoff fails the auction moves to recovering and the decision
// can be retried.
func (m *Manager) Decide(ctx context.Context, id, actor string, accept bool) (*Decision, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Decide",
		trace.WithAttributes(
			attribute.String("auction_id", id),
			attribute.String("actor", actor),
			attribute.Bool("accept", accept),
		),
	)
	defer span.End()

	a, err := m.auctions.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		if _, oerr := m.outcomes.GetByAuction(ctx, id); oerr == nil {
			return nil, ErrAlreadyProcessed
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading auction: %w", err)
	}

	if actor != a.Seller && !m.identity.IsSameParty(actor, a.Seller) {
		return nil, ErrNotSeller
	}
	if a.Status == listing.StatusClosed || a.Status == listing.StatusExpired {
		return nil, ErrAlreadyProcessed
	}
	if accept && !a.HasBids() {
		return nil, ErrNoBids
	}

	from := a.Status
	err = m.auctions.Transition(ctx, id, listing.StatusClosed,
		listing.StatusActive, listing.StatusEnded, listing.StatusRecovering)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return nil, ErrAlreadyProcessed
	}
	if err != nil {
		return nil, fmt.Errorf("closing auction: %w", err)
	}

	// A bid may have landed between the first read and the flip.
	if a, err = m.auctions.Get(ctx, id); err != nil {
		m.compensate(ctx, id, err)
		return nil, fmt.Errorf("loading closed auction: %w", err)
	}

	d := &Decision{Result: listing.ResultRejected}
	if accept {
		d.Result = listing.ResultAccepted
		deal, err := m.deals.CreateDeal(ctx, listing.DealParams{
			Kind:       listing.KindAuction,
			Seller:     a.Seller,
			Buyer:      a.HighestBidder,
			ItemName:   a.ItemName,
			Amount:     a.HighestBid,
			ListingRef: a.ID,
		})
		if err != nil {
			m.compensate(ctx, id, err)
			return nil, fmt.Errorf("%w: %w", ErrHandoff, err)
		}
		d.Deal = deal
		m.notifier.Direct(ctx, a.HighestBidder, acceptedNotice(*a))
	} else {
		m.notifier.Direct(ctx, a.HighestBidder, rejectedNotice(*a))
	}

	m.record(ctx, id, event.AuctionClosed, event.StatusChangedData{
		From:   string(from),
		To:     string(listing.StatusClosed),
		Result: string(d.Result),
	})
	m.finish(ctx, *a, d.Result)
	m.notifier.Post(ctx, a.Container, decisionNotice(*a, d.Result))

	m.logger.InfoContext(ctx, "auction decided",
		slog.String("auction_id", id),
		slog.String("result", string(d.Result)),
	)
	return d, nil
}

// compensate parks a closed auction whose side effects failed. It never
// reopens the auction to bids.
func (m *Manager) compensate(ctx context.Context, id string, cause error) {
	if err := m.auctions.Transition(ctx, id, listing.StatusRecovering, listing.StatusClosed); err != nil {
		m.logger.ErrorContext(ctx, "compensating failed decision",
			slog.String("auction_id", id),
			slog.Any("error", err),
		)
		return
	}
	m.record(ctx, id, event.AuctionRecovering, event.StatusChangedData{
		From:   string(listing.StatusClosed),
		To:     string(listing.StatusRecovering),
		Reason: cause.Error(),
	})
	m.logger.ErrorContext(ctx, "auction decision failed, awaiting retry",
		slog.String("auction_id", id),
		slog.Any("error", cause),
	)
}

// Reprompt asks the seller of a recovering auction to decide again.
func (m *Manager) Reprompt(ctx context.Context, a listing.Auction) error {
	ctx, span := m.tracer.Start(ctx, "Manager.Reprompt",
		trace.WithAttributes(attribute.String("auction_id", a.ID)),
	)
	defer span.End()

	if a.Status != listing.StatusRecovering && a.Status != listing.StatusEnded {
		return nil
	}
	if err := m.prompter.PromptDecision(ctx, a); err != nil {
		return fmt.Errorf("prompting seller: %w", err)
	}
	return nil
}

// finish writes the outcome log entry and removes the auction. If the
// outcome cannot be written the record stays, so later decisions still
// observe it as processed.
func (m *Manager) finish(ctx context.Context, a listing.Auction, result listing.Result) {
	m.resolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", string(result)),
		attribute.Bool("is_test", a.IsTest),
	))

	err := m.outcomes.Record(ctx, listing.OutcomeOf(a, result, m.clock.Now()))
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		m.logger.ErrorContext(ctx, "recording outcome failed, keeping auction",
			slog.String("auction_id", a.ID),
			slog.Any("error", err),
		)
		return
	}
	if err := m.auctions.Delete(ctx, a.ID); err != nil {
		m.logger.ErrorContext(ctx, "removing auction failed",
			slog.String("auction_id", a.ID),
			slog.Any("error", err),
		)
	}
}

// record appends a domain event. The ledger is an audit trail, so a
// failed append is logged and the transition stands.
func (m *Manager) record(ctx context.Context, id string, typ event.Type, data any) {
	e, err := event.New(id, typ, data, m.clock.Now())
	if err == nil {
		err = m.events.Append(ctx, e)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to persist event",
			slog.String("auction_id", id),
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
	}
}

func (m *Manager) displayName(ctx context.Context, identity string) string {
	if identity == "" {
		return ""
	}
	return m.identity.DisplayName(ctx, identity)
}
