// Package recovery reconciles open auctions and giveaways on startup.
// Bids posted while the engine was offline are read back from container
// history and replayed through the normal bidding rules before timers
// are re-armed.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/discord-market-bot/internal/bid"
	"github.com/jensholdgaard/discord-market-bot/internal/clock"
	"github.com/jensholdgaard/discord-market-bot/internal/giveaway"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/messaging"
	"github.com/jensholdgaard/discord-market-bot/internal/pending"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
	"github.com/jensholdgaard/discord-market-bot/internal/telemetry"
)

const scope = "github.com/jensholdgaard/discord-market-bot/internal/recovery"

// OnlineMarker is posted to every reconciled container. The latest
// marker authored by the engine is where the next replay starts.
const OnlineMarker = "Back online. Bids are being accepted again."

// Auctions is the part of the auction state machine the reconciler drives.
type Auctions interface {
	ReplayBid(ctx context.Context, id, bidder, raw string) (bid.Accept, error)
	End(ctx context.Context, id string) error
	Schedule(a listing.Auction)
	Reprompt(ctx context.Context, a listing.Auction) error
}

// Giveaways is the part of the giveaway state machine the reconciler drives.
type Giveaways interface {
	Resolve(ctx context.Context, id string) (*giveaway.Resolution, error)
	Schedule(g listing.Giveaway)
	RetryUnsettled(ctx context.Context) (int, error)
}

// Deps are the collaborators of a Reconciler.
type Deps struct {
	AuctionRepo  store.AuctionRepository
	GiveawayRepo store.GiveawayRepository
	Auctions     Auctions
	Giveaways    Giveaways
	Messenger    messaging.Messenger
	Notifier     *messaging.Notifier
	Pending      pending.Store
	// Self is the engine's own identity in container history.
	Self string
	// HistoryLimit caps how many messages are read per container.
	HistoryLimit int

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Clock          clock.Clock
}

// Report summarizes one reconciliation pass.
type Report struct {
	Auctions   int
	Ended      int
	Replayed   int
	Dropped    int
	Reprompted int
	Giveaways  int
	Resolved   int
	Settled    int
	Purged     bool
}

// Reconciler rebuilds the engine's schedule from persisted records.
type Reconciler struct {
	auctionRepo  store.AuctionRepository
	giveawayRepo store.GiveawayRepository
	auctions     Auctions
	giveaways    Giveaways
	messenger    messaging.Messenger
	notifier     *messaging.Notifier
	pending      pending.Store
	self         string
	limit        int

	logger    *slog.Logger
	tracer    trace.Tracer
	clock     clock.Clock
	recovered metric.Int64Counter
}

// New creates a Reconciler.
func New(d Deps) *Reconciler {
	limit := d.HistoryLimit
	if limit <= 0 {
		limit = 500
	}
	return &Reconciler{
		auctionRepo:  d.AuctionRepo,
		giveawayRepo: d.GiveawayRepo,
		auctions:     d.Auctions,
		giveaways:    d.Giveaways,
		messenger:    d.Messenger,
		notifier:     d.Notifier,
		pending:      d.Pending,
		self:         d.Self,
		limit:        limit,
		logger:       d.Logger,
		tracer:       d.TracerProvider.Tracer(scope),
		clock:        d.Clock,
		recovered:    telemetry.Counter(d.MeterProvider, scope, "market.records.recovered", "Open records reconciled on startup, by kind."),
	}
}

// Run reconciles every open record. Failures on one record are logged
// and never stop the pass; only a failure to list records is returned.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	ctx, span := r.tracer.Start(ctx, "Reconciler.Run")
	defer span.End()

	var rep Report

	active, err := r.auctionRepo.ListByStatus(ctx, listing.StatusActive)
	if err != nil {
		return rep, fmt.Errorf("listing active auctions: %w", err)
	}
	for _, a := range active {
		r.reconcileAuction(ctx, a, &rep)
	}

	stuck, err := r.auctionRepo.ListByStatus(ctx, listing.StatusRecovering)
	if err != nil {
		return rep, fmt.Errorf("listing recovering auctions: %w", err)
	}
	for _, a := range stuck {
		if err := r.auctions.Reprompt(ctx, a); err != nil {
			r.logger.WarnContext(ctx, "re-prompting seller failed",
				slog.String("auction_id", a.ID),
				slog.Any("error", err),
			)
			continue
		}
		rep.Reprompted++
	}

	giveaways, err := r.giveawayRepo.List(ctx)
	if err != nil {
		return rep, fmt.Errorf("listing giveaways: %w", err)
	}
	for _, g := range giveaways {
		r.reconcileGiveaway(ctx, g, &rep)
	}

	// Winners drawn before the restart whose deal was never created.
	settled, err := r.giveaways.RetryUnsettled(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "retrying giveaway handoffs failed", slog.Any("error", err))
	}
	rep.Settled = settled

	if err := r.pending.Purge(ctx); err != nil {
		r.logger.WarnContext(ctx, "purging pending submissions failed", slog.Any("error", err))
	} else {
		rep.Purged = true
	}

	r.logger.InfoContext(ctx, "reconciliation complete",
		slog.Int("auctions", rep.Auctions),
		slog.Int("ended", rep.Ended),
		slog.Int("bids_replayed", rep.Replayed),
		slog.Int("dropped", rep.Dropped),
		slog.Int("reprompted", rep.Reprompted),
		slog.Int("giveaways", rep.Giveaways),
		slog.Int("giveaways_resolved", rep.Resolved),
		slog.Int("giveaways_settled", rep.Settled),
	)
	return rep, nil
}

func (r *Reconciler) reconcileAuction(ctx context.Context, a listing.Auction, rep *Report) {
	ctx, span := r.tracer.Start(ctx, "Reconciler.reconcileAuction",
		trace.WithAttributes(attribute.String("auction_id", a.ID)),
	)
	defer span.End()

	rep.Auctions++
	r.recovered.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(listing.KindAuction))))

	n, err := r.replay(ctx, a)
	rep.Replayed += n
	if err != nil {
		// The record keeps its timers so it still ends, but nothing
		// from its history is replayed.
		rep.Dropped++
		r.logger.WarnContext(ctx, "dropping auction from replay",
			slog.String("auction_id", a.ID),
			slog.String("container", a.Container),
			slog.Any("error", err),
		)
	}

	if !r.clock.Now().Before(a.EndTime) {
		if err := r.auctions.End(ctx, a.ID); err != nil {
			r.logger.ErrorContext(ctx, "ending overdue auction failed",
				slog.String("auction_id", a.ID),
				slog.Any("error", err),
			)
			return
		}
		rep.Ended++
		return
	}

	r.auctions.Schedule(a)
	if err == nil {
		r.notifier.Post(ctx, a.Container, OnlineMarker)
	}
}

// replay feeds the bids found in a's container since the last online
// marker through the bidding rules, oldest first. It returns how many
// were accepted.
func (r *Reconciler) replay(ctx context.Context, a listing.Auction) (int, error) {
	history, err := r.messenger.History(ctx, a.Container, a.StartTime(), r.limit)
	if err != nil {
		return 0, fmt.Errorf("reading history: %w", err)
	}

	candidates := Candidates(history, a, r.self)
	accepted := 0
	for _, m := range candidates {
		_, err := r.auctions.ReplayBid(ctx, a.ID, m.Author, m.Content)
		var rej *bid.Rejection
		switch {
		case err == nil:
			accepted++
		case errors.As(err, &rej):
			r.logger.DebugContext(ctx, "replayed bid rejected",
				slog.String("auction_id", a.ID),
				slog.String("message_id", m.ID),
				slog.String("reason", rej.Error()),
			)
		default:
			return accepted, fmt.Errorf("replaying message %s: %w", m.ID, err)
		}
	}
	return accepted, nil
}

// Candidates selects the messages of history that may be bids on a:
// posted after the latest message by self, not by the seller, no later
// than the end time, and parseable as an amount. The result is ordered
// by timestamp.
func Candidates(history []messaging.Message, a listing.Auction, self string) []messaging.Message {
	var mark time.Time
	for _, m := range history {
		if m.Author == self && m.Timestamp.After(mark) {
			mark = m.Timestamp
		}
	}

	var out []messaging.Message
	for _, m := range history {
		switch {
		case m.Author == self, m.Author == a.Seller:
		case !m.Timestamp.After(mark):
		case m.Timestamp.After(a.EndTime):
		case !bid.LooksLikeBid(m.Content):
		default:
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (r *Reconciler) reconcileGiveaway(ctx context.Context, g listing.Giveaway, rep *Report) {
	rep.Giveaways++
	r.recovered.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(listing.KindGiveaway))))

	if r.clock.Now().Before(g.EndTime) {
		r.giveaways.Schedule(g)
		return
	}
	if _, err := r.giveaways.Resolve(ctx, g.ID); err != nil {
		r.logger.ErrorContext(ctx, "resolving overdue giveaway failed",
			slog.String("giveaway_id", g.ID),
			slog.Any("error", err),
		)
		return
	}
	rep.Resolved++
}
