// Package deal hands resolved auctions and giveaways to settlement: it
// opens a private room for the two parties, stores the deal record and
// announces it on the settlement stream.
package deal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/discord-market-bot/internal/clock"
	"github.com/jensholdgaard/discord-market-bot/internal/event"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/messaging"
	"github.com/jensholdgaard/discord-market-bot/internal/store"
	"github.com/jensholdgaard/discord-market-bot/internal/telemetry"
)

const scope = "github.com/jensholdgaard/discord-market-bot/internal/deal"

// Publisher announces a stored deal to the settlement subsystem.
type Publisher interface {
	Publish(ctx context.Context, d listing.Deal) error
}

// HandoffDeps are the collaborators of a Handoff.
type HandoffDeps struct {
	Deals     store.DealRepository
	Events    event.Store
	Rooms     messaging.RoomOpener
	Identity  messaging.Identity
	Notifier  *messaging.Notifier
	Publisher Publisher
	// Tracker, if set, starts tracking activity in every new room.
	Tracker *Tracker

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Clock          clock.Clock
}

// Handoff creates deal records. At most one deal exists per originating
// listing; asking again returns the existing one.
type Handoff struct {
	deals     store.DealRepository
	events    event.Store
	rooms     messaging.RoomOpener
	identity  messaging.Identity
	notifier  *messaging.Notifier
	publisher Publisher
	tracker   *Tracker

	logger  *slog.Logger
	tracer  trace.Tracer
	clock   clock.Clock
	created metric.Int64Counter
}

// NewHandoff creates a Handoff.
func NewHandoff(d HandoffDeps) *Handoff {
	return &Handoff{
		deals:     d.Deals,
		events:    d.Events,
		rooms:     d.Rooms,
		identity:  d.Identity,
		notifier:  d.Notifier,
		publisher: d.Publisher,
		tracker:   d.Tracker,
		logger:    d.Logger,
		tracer:    d.TracerProvider.Tracer(scope),
		clock:     d.Clock,
		created:   telemetry.Counter(d.MeterProvider, scope, "market.deals.created", "Deals handed to settlement, by kind."),
	}
}

// CreateDeal opens a room for seller and buyer and records the deal.
func (h *Handoff) CreateDeal(ctx context.Context, p listing.DealParams) (*listing.Deal, error) {
	ctx, span := h.tracer.Start(ctx, "Handoff.CreateDeal",
		trace.WithAttributes(
			attribute.String("kind", string(p.Kind)),
			attribute.String("listing_ref", p.ListingRef),
		),
	)
	defer span.End()

	if p.ListingRef != "" {
		existing, err := h.deals.GetByListing(ctx, p.ListingRef)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("checking existing deal: %w", err)
		}
	}

	d, err := listing.NewDeal(p, h.clock.Now())
	if err != nil {
		return nil, err
	}

	room, err := h.rooms.OpenRoom(ctx, RoomName(p.ItemName), p.Seller, p.Buyer)
	if err != nil {
		return nil, fmt.Errorf("opening deal room: %w", err)
	}
	d.Container = room

	if err := h.deals.Create(ctx, d); err != nil {
		h.discardRoom(ctx, room, p.ListingRef)
		if errors.Is(err, store.ErrDuplicate) && p.ListingRef != "" {
			return h.deals.GetByListing(ctx, p.ListingRef)
		}
		return nil, fmt.Errorf("storing deal: %w", err)
	}

	e, err := event.New(d.ID, event.DealCreated, event.DealCreatedData{
		DealID:     d.ID,
		Kind:       string(d.Kind),
		Seller:     d.Seller,
		Buyer:      d.Buyer,
		ItemName:   d.ItemName,
		ListingRef: d.ListingRef,
	}, h.clock.Now())
	if err == nil {
		err = h.events.Append(ctx, e)
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to persist event",
			slog.String("deal_id", d.ID),
			slog.Any("error", err),
		)
	}

	if h.tracker != nil {
		h.tracker.Touch(room)
	}
	if err := h.publisher.Publish(ctx, *d); err != nil {
		h.logger.ErrorContext(ctx, "publishing deal failed",
			slog.String("deal_id", d.ID),
			slog.Any("error", err),
		)
	}
	h.created.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(d.Kind))))

	h.notifier.Post(ctx, room, h.introduction(ctx, *d))
	h.logger.InfoContext(ctx, "deal created",
		slog.String("deal_id", d.ID),
		slog.String("room", room),
		slog.String("listing_ref", d.ListingRef),
	)
	return d, nil
}

// discardRoom closes a room whose deal was not stored.
func (h *Handoff) discardRoom(ctx context.Context, room, listingRef string) {
	if err := h.rooms.CloseRoom(ctx, room); err != nil {
		h.logger.ErrorContext(ctx, "closing unused deal room failed",
			slog.String("room", room),
			slog.String("listing_ref", listingRef),
			slog.Any("error", err),
		)
		return
	}
	h.logger.WarnContext(ctx, "closed unused deal room",
		slog.String("room", room),
		slog.String("listing_ref", listingRef),
	)
}

func (h *Handoff) introduction(ctx context.Context, d listing.Deal) string {
	seller := h.identity.DisplayName(ctx, d.Seller)
	buyer := h.identity.DisplayName(ctx, d.Buyer)
	if d.Kind == listing.KindGiveaway {
		return fmt.Sprintf("%s won **%s** from %s. Use this room to arrange the handover.", buyer, d.ItemName, seller)
	}
	return fmt.Sprintf("%s bought **%s** from %s for **%d**. Use this room to arrange payment and handover.",
		buyer, d.ItemName, seller, d.Amount)
}

// RoomName derives a channel-safe room name from an item name.
func RoomName(item string) string {
	var b strings.Builder
	b.WriteString("deal-")
	dash := true
	for _, r := range strings.ToLower(item) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= 90 {
			break
		}
	}
	return strings.TrimRight(b.String(), "-")
}
