package deal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jensholdgaard/discord-market-bot/internal/config"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
)

// Message is the settlement stream payload for a deal.
type Message struct {
	DealID     string    `json:"deal_id"`
	Kind       string    `json:"kind"`
	Room       string    `json:"room"`
	Seller     string    `json:"seller"`
	Buyer      string    `json:"buyer"`
	ItemName   string    `json:"item_name"`
	Amount     int64     `json:"amount"`
	ListingRef string    `json:"listing_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MessageOf converts a deal into its stream payload.
func MessageOf(d listing.Deal) Message {
	return Message{
		DealID:     d.ID,
		Kind:       string(d.Kind),
		Room:       d.Container,
		Seller:     d.Seller,
		Buyer:      d.Buyer,
		ItemName:   d.ItemName,
		Amount:     d.Amount,
		ListingRef: d.ListingRef,
		CreatedAt:  d.CreatedAt,
	}
}

// JetStreamPublisher publishes deals to a NATS JetStream stream. Each
// message carries the deal id as its Nats-Msg-Id, so the stream drops
// republished deals inside its duplicate window.
type JetStreamPublisher struct {
	js      jetstream.JetStream
	subject string
}

// NewJetStreamPublisher ensures the configured stream exists and returns
// a publisher for it.
func NewJetStreamPublisher(ctx context.Context, nc *nats.Conn, cfg config.NATSConfig) (*JetStreamPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Deals handed to settlement",
		Subjects:    []string{cfg.Subject + ".>"},
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		Duplicates:  10 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("creating or updating stream %s: %w", cfg.Stream, err)
	}

	return &JetStreamPublisher{js: js, subject: cfg.Subject}, nil
}

// Subject returns the subject a deal of kind is published on.
func (p *JetStreamPublisher) Subject(kind listing.Kind) string {
	return p.subject + "." + string(kind)
}

// Publish sends d and waits for the stream's acknowledgement.
func (p *JetStreamPublisher) Publish(ctx context.Context, d listing.Deal) error {
	data, err := json.Marshal(MessageOf(d))
	if err != nil {
		return fmt.Errorf("marshaling deal: %w", err)
	}
	if _, err := p.js.Publish(ctx, p.Subject(d.Kind), data, jetstream.WithMsgID(d.ID)); err != nil {
		return fmt.Errorf("publishing deal %s: %w", d.ID, err)
	}
	return nil
}

// LogPublisher records deals in the log. It is used when no settlement
// stream is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish logs d.
func (p LogPublisher) Publish(ctx context.Context, d listing.Deal) error {
	p.Logger.InfoContext(ctx, "deal ready for settlement",
		slog.String("deal_id", d.ID),
		slog.String("kind", string(d.Kind)),
		slog.String("room", d.Container),
		slog.String("seller", d.Seller),
		slog.String("buyer", d.Buyer),
		slog.Int64("amount", d.Amount),
	)
	return nil
}
