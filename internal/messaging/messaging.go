// Package messaging declares the chat platform collaborators the engine
// talks to, plus a Notifier that delivers notices without blocking.
package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jensholdgaard/discord-market-bot/internal/listing"
)

// Message is one entry of a container's history.
type Message struct {
	ID        string
	Author    string
	Content   string
	Timestamp time.Time
}

// Messenger posts to containers and people and reads container history.
type Messenger interface {
	Send(ctx context.Context, container, content string) error
	DirectMessage(ctx context.Context, identity, content string) error
	// History returns up to limit messages posted in container after
	// since, oldest first.
	History(ctx context.Context, container string, since time.Time, limit int) ([]Message, error)
}

// Identity resolves how people are shown and compared.
type Identity interface {
	DisplayName(ctx context.Context, identity string) string
	IsSameParty(a, b string) bool
}

// RoomOpener opens a private container for the parties of a deal.
type RoomOpener interface {
	OpenRoom(ctx context.Context, name string, members ...string) (string, error)
	// CloseRoom removes a room that no deal ended up using.
	CloseRoom(ctx context.Context, room string) error
}

// DecisionPrompter asks a seller to accept or reject the winning bid.
// Unlike notices, delivery failure matters to the caller.
type DecisionPrompter interface {
	PromptDecision(ctx context.Context, a listing.Auction) error
}

// Notifier sends notices in the background. Failures are logged and
// never retried.
type Notifier struct {
	messenger Messenger
	logger    *slog.Logger
	timeout   time.Duration
	wg        sync.WaitGroup
}

// NewNotifier returns a Notifier giving each send up to timeout.
func NewNotifier(m Messenger, logger *slog.Logger, timeout time.Duration) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{messenger: m, logger: logger, timeout: timeout}
}

// Post sends content to container.
func (n *Notifier) Post(ctx context.Context, container, content string) {
	n.dispatch(ctx, "container", container, func(ctx context.Context) error {
		return n.messenger.Send(ctx, container, content)
	})
}

// Direct sends content to identity privately.
func (n *Notifier) Direct(ctx context.Context, identity, content string) {
	n.dispatch(ctx, "identity", identity, func(ctx context.Context) error {
		return n.messenger.DirectMessage(ctx, identity, content)
	})
}

func (n *Notifier) dispatch(ctx context.Context, kind, target string, send func(context.Context) error) {
	if target == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, n.timeout)
		defer cancel()
		if err := send(ctx); err != nil {
			n.logger.WarnContext(ctx, "notification failed",
				slog.String(kind, target),
				slog.Any("error", err),
			)
		}
	}()
}

// Wait blocks until every notice dispatched so far has finished.
func (n *Notifier) Wait() {
	n.wg.Wait()
}
