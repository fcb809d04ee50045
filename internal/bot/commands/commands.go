// Package commands turns Discord interactions and messages into calls on
// the auction and giveaway managers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/discord-market-bot/internal/auction"
	"github.com/jensholdgaard/discord-market-bot/internal/bid"
	"github.com/jensholdgaard/discord-market-bot/internal/config"
	"github.com/jensholdgaard/discord-market-bot/internal/deal"
	"github.com/jensholdgaard/discord-market-bot/internal/discord"
	"github.com/jensholdgaard/discord-market-bot/internal/giveaway"
	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/messaging"
	"github.com/jensholdgaard/discord-market-bot/internal/pending"
)

const scope = "github.com/jensholdgaard/discord-market-bot/internal/bot/commands"

// threadArchiveMinutes keeps listing threads open for a week.
const threadArchiveMinutes = 10080

// maxHeld bounds the messages held back while the engine recovers.
const maxHeld = 1000

const startingUp = "The market is starting up, please try again in a moment."

// Session is the subset of *discordgo.Session the handlers use.
type Session interface {
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageThreadStartComplex(channelID, messageID string, data *discordgo.ThreadStart, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

var _ Session = (*discordgo.Session)(nil)

// Deps are the collaborators of Handlers.
type Deps struct {
	Auctions  *auction.Manager
	Giveaways *giveaway.Manager
	Pending   pending.Store
	Tracker   *deal.Tracker
	Notifier  *messaging.Notifier
	Discord   config.DiscordConfig
	Market    config.MarketConfig

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

// Handlers process Discord interactions and messages.
type Handlers struct {
	auctions  *auction.Manager
	giveaways *giveaway.Manager
	pending   pending.Store
	tracker   *deal.Tracker
	notifier  *messaging.Notifier
	discord   config.DiscordConfig
	market    config.MarketConfig
	logger    *slog.Logger
	tracer    trace.Tracer

	gate  sync.Mutex
	ready bool
	held  []heldMessage
}

type heldMessage struct {
	s Session
	m *discordgo.Message
}

// NewHandlers creates new command handlers. Until Ready is called,
// messages are held back and interactions are answered with a notice.
func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		auctions:  d.Auctions,
		giveaways: d.Giveaways,
		pending:   d.Pending,
		tracker:   d.Tracker,
		notifier:  d.Notifier,
		discord:   d.Discord,
		market:    d.Market,
		logger:    d.Logger,
		tracer:    d.TracerProvider.Tracer(scope),
	}
}

// SlashCommands returns the slash command definitions.
func SlashCommands() []*discordgo.ApplicationCommand {
	item := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "item",
		Description: "What you are listing",
		Required:    true,
		MaxLength:   200,
	}
	startingBid := &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionInteger,
		Name:        "starting-bid",
		Description: "Opening price",
		Required:    true,
	}
	return []*discordgo.ApplicationCommand{
		{
			Name:        "auction",
			Description: "List an item for auction",
			Options: []*discordgo.ApplicationCommandOption{
				item,
				startingBid,
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "hours",
					Description: "How long bidding stays open",
					Required:    true,
				},
			},
		},
		{
			Name:        "test-auction",
			Description: "Run a short rehearsal auction",
			Options: []*discordgo.ApplicationCommandOption{
				item,
				startingBid,
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "minutes",
					Description: "How long bidding stays open",
					Required:    true,
				},
			},
		},
		{
			Name:        "giveaway",
			Description: "Give an item away to a random participant",
			Options: []*discordgo.ApplicationCommandOption{
				item,
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "hours",
					Description: "How long entries stay open",
					Required:    true,
				},
			},
		},
	}
}

// InteractionCreate handles slash commands and button presses.
func (h *Handlers) InteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	h.handleInteraction(context.Background(), s, i.Interaction)
}

// MessageCreate handles listing attachments and bids posted in auction
// threads.
func (h *Handlers) MessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	h.handleMessage(context.Background(), s, m.Message)
}

// Ready processes the held messages in arrival order and lets later
// ones through as they come. Call it once replay of missed bids is
// done, so a live bid can never overtake or hide a missed one. It
// returns the number of held messages processed.
func (h *Handlers) Ready(ctx context.Context) int {
	n := 0
	for {
		h.gate.Lock()
		batch := h.held
		h.held = nil
		if len(batch) == 0 {
			h.ready = true
			h.gate.Unlock()
			return n
		}
		h.gate.Unlock()

		for _, hm := range batch {
			h.processMessage(ctx, hm.s, hm.m)
		}
		n += len(batch)
	}
}

func (h *Handlers) isReady() bool {
	h.gate.Lock()
	defer h.gate.Unlock()
	return h.ready
}

// hold queues m if the handlers are not ready yet and reports whether
// it did.
func (h *Handlers) hold(ctx context.Context, s Session, m *discordgo.Message) bool {
	h.gate.Lock()
	defer h.gate.Unlock()
	if h.ready {
		return false
	}
	if len(h.held) >= maxHeld {
		h.logger.WarnContext(ctx, "dropping message during startup",
			slog.String("channel", m.ChannelID),
			slog.String("message_id", m.ID),
		)
		return true
	}
	h.held = append(h.held, heldMessage{s: s, m: m})
	return true
}

func (h *Handlers) handleInteraction(ctx context.Context, s Session, i *discordgo.Interaction) {
	if !h.isReady() {
		if i.Type == discordgo.InteractionApplicationCommand || i.Type == discordgo.InteractionMessageComponent {
			respond(s, i, startingUp)
		}
		return
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		name := i.ApplicationCommandData().Name
		ctx, span := h.tracer.Start(ctx, "InteractionCreate",
			trace.WithAttributes(attribute.String("command", name)),
		)
		defer span.End()

		switch name {
		case "auction":
			h.handleSubmit(ctx, s, i, listing.KindAuction, false)
		case "test-auction":
			h.handleSubmit(ctx, s, i, listing.KindAuction, true)
		case "giveaway":
			h.handleSubmit(ctx, s, i, listing.KindGiveaway, false)
		default:
			respond(s, i, "Unknown command")
		}
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		ctx, span := h.tracer.Start(ctx, "ComponentInteraction",
			trace.WithAttributes(attribute.String("custom_id", customID)),
		)
		defer span.End()

		h.handleComponent(ctx, s, i, customID)
	}
}

func (h *Handlers) handleSubmit(ctx context.Context, s Session, i *discordgo.Interaction, kind listing.Kind, isTest bool) {
	opts := optionMap(i.ApplicationCommandData().Options)
	sub := pending.Submission{
		Owner:    interactionUser(i),
		Channel:  i.ChannelID,
		Kind:     kind,
		ItemName: strings.TrimSpace(opts["item"].StringValue()),
		IsTest:   isTest,
	}

	var err error
	switch {
	case kind == listing.KindGiveaway:
		sub.Duration, err = h.giveaways.Duration(int(opts["hours"].IntValue()))
	case isTest:
		sub.StartingBid = opts["starting-bid"].IntValue()
		sub.Duration, err = h.auctions.Duration(int(opts["minutes"].IntValue()), true)
	default:
		sub.StartingBid = opts["starting-bid"].IntValue()
		sub.Duration, err = h.auctions.Duration(int(opts["hours"].IntValue()), false)
	}
	if err != nil {
		respond(s, i, UserMessage(err))
		return
	}

	if err := h.pending.Put(ctx, sub); err != nil {
		if !errors.Is(err, pending.ErrLimit) {
			h.logger.ErrorContext(ctx, "storing pending submission",
				slog.String("owner", sub.Owner),
				slog.Any("error", err),
			)
		}
		respond(s, i, UserMessage(err))
		return
	}
	respond(s, i, fmt.Sprintf("Post a picture of **%s** in this channel within %s to publish it.",
		sub.ItemName, h.market.PendingTimeout))
}

func (h *Handlers) handleMessage(ctx context.Context, s Session, m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if h.hold(ctx, s, m) {
		return
	}
	h.processMessage(ctx, s, m)
}

func (h *Handlers) processMessage(ctx context.Context, s Session, m *discordgo.Message) {
	if h.tracker.Tracked(m.ChannelID) {
		h.tracker.Touch(m.ChannelID)
	}

	if img := imageURL(m); img != "" {
		sub, err := h.pending.Take(ctx, m.Author.ID, m.ChannelID)
		switch {
		case err == nil:
			h.publish(ctx, s, m, *sub, img)
			return
		case !errors.Is(err, pending.ErrNotFound):
			h.logger.ErrorContext(ctx, "taking pending submission",
				slog.String("owner", m.Author.ID),
				slog.Any("error", err),
			)
		}
	}

	if !bid.LooksLikeBid(m.Content) {
		return
	}
	a, err := h.auctions.Lookup(ctx, m.ChannelID)
	if err != nil {
		if !errors.Is(err, auction.ErrNotFound) {
			h.logger.ErrorContext(ctx, "looking up auction",
				slog.String("container", m.ChannelID),
				slog.Any("error", err),
			)
		}
		return
	}

	ctx, span := h.tracer.Start(ctx, "MessageCreate.Bid",
		trace.WithAttributes(
			attribute.String("auction_id", a.ID),
			attribute.String("bidder", m.Author.ID),
		),
	)
	defer span.End()

	if _, err := h.auctions.PlaceBid(ctx, a.ID, m.Author.ID, m.Content); err != nil {
		reply(s, m, UserMessage(err))
	}
}

// publish posts the listing, opens its thread and starts the auction or
// giveaway inside it.
func (h *Handlers) publish(ctx context.Context, s Session, m *discordgo.Message, sub pending.Submission, img string) {
	ctx, span := h.tracer.Start(ctx, "Handlers.publish",
		trace.WithAttributes(
			attribute.String("kind", string(sub.Kind)),
			attribute.String("owner", sub.Owner),
		),
	)
	defer span.End()

	channel := h.discord.AuctionChannelID
	if sub.Kind == listing.KindGiveaway {
		channel = h.discord.GiveawayChannelID
	}
	if channel == "" {
		channel = m.ChannelID
	}

	post, err := s.ChannelMessageSendComplex(channel, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{listingEmbed(sub, img)},
	}, discordgo.WithContext(ctx))
	if err != nil {
		h.logger.ErrorContext(ctx, "posting listing", slog.Any("error", err))
		reply(s, m, "Could not publish your listing, please submit it again.")
		return
	}
	thread, err := s.MessageThreadStartComplex(channel, post.ID, &discordgo.ThreadStart{
		Name:                ThreadName(sub.ItemName),
		AutoArchiveDuration: threadArchiveMinutes,
	}, discordgo.WithContext(ctx))
	if err != nil {
		h.logger.ErrorContext(ctx, "starting listing thread", slog.Any("error", err))
		reply(s, m, "Could not publish your listing, please submit it again.")
		return
	}

	switch sub.Kind {
	case listing.KindGiveaway:
		g, err := h.giveaways.Open(ctx, listing.GiveawayParams{
			Container: thread.ID,
			Host:      sub.Owner,
			ItemName:  sub.ItemName,
			Duration:  sub.Duration,
		})
		if err != nil {
			reply(s, m, UserMessage(err))
			return
		}
		if _, err := s.ChannelMessageSendComplex(thread.ID, joinMessage(*g), discordgo.WithContext(ctx)); err != nil {
			h.logger.ErrorContext(ctx, "posting join button",
				slog.String("giveaway_id", g.ID),
				slog.Any("error", err),
			)
		}
	default:
		a, err := h.auctions.Open(ctx, listing.AuctionParams{
			Container:   thread.ID,
			ItemName:    sub.ItemName,
			Seller:      sub.Owner,
			StartingBid: sub.StartingBid,
			Duration:    sub.Duration,
			IsTest:      sub.IsTest,
		})
		if err != nil {
			reply(s, m, UserMessage(err))
			return
		}
		h.notifier.Post(ctx, thread.ID, fmt.Sprintf(
			"Bidding on **%s** starts at **%d** and closes <t:%d:R>. Post a number in this thread to bid.",
			a.ItemName, a.StartingBid, a.EndTime.Unix()))
	}
	reply(s, m, fmt.Sprintf("Your listing for **%s** is live in <#%s>.", sub.ItemName, thread.ID))
}

func (h *Handlers) handleComponent(ctx context.Context, s Session, i *discordgo.Interaction, customID string) {
	action, id, ok := discord.ParseActionID(customID)
	if !ok {
		respond(s, i, "Unknown action")
		return
	}
	user := interactionUser(i)

	switch action {
	case discord.ActionJoin:
		res, err := h.giveaways.Join(ctx, id, user)
		if err != nil {
			respond(s, i, UserMessage(err))
			return
		}
		if res == giveaway.AlreadyJoined {
			respond(s, i, "You have already joined this giveaway.")
			return
		}
		respond(s, i, "You're in! Good luck.")
	case discord.ActionAccept, discord.ActionReject:
		d, err := h.auctions.Decide(ctx, id, user, action == discord.ActionAccept)
		if err != nil {
			respond(s, i, UserMessage(err))
			return
		}
		if d.Deal != nil {
			respond(s, i, fmt.Sprintf("Sale accepted. Finish the deal in <#%s>.", d.Deal.Container))
			return
		}
		respond(s, i, "You declined the bid. The auction is closed.")
	}
}

// Sweep retries failed giveaway handoffs, expires pending submissions
// and reports idle deal rooms.
func (h *Handlers) Sweep(ctx context.Context) {
	if n, err := h.giveaways.RetryUnsettled(ctx); err != nil {
		h.logger.ErrorContext(ctx, "retrying giveaway handoffs", slog.Any("error", err))
	} else if n > 0 {
		h.logger.InfoContext(ctx, "giveaway handoffs retried", slog.Int("settled", n))
	}

	subs, err := h.pending.Sweep(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "sweeping pending submissions", slog.Any("error", err))
	}
	for _, sub := range subs {
		h.notifier.Direct(ctx, sub.Owner, fmt.Sprintf(
			"Your %s for **%s** expired before a picture was posted. Run the command again to resubmit.",
			sub.Kind, sub.ItemName))
	}

	h.tracker.Sweep(func(room string, since time.Time) {
		h.logger.InfoContext(ctx, "deal room idle",
			slog.String("room", room),
			slog.Time("since", since),
		)
		h.notifier.Post(ctx, room, fmt.Sprintf(
			"This deal has been quiet since <t:%d:R>. A moderator will check in.", since.Unix()))
	})
}

var userErrors = []struct {
	err error
	msg string
}{
	{auction.ErrNotFound, "That auction is no longer running."},
	{auction.ErrAlreadyProcessed, "This auction has already been processed."},
	{auction.ErrNotSeller, "Only the seller can decide this auction."},
	{auction.ErrNoBids, "There is no bid to accept."},
	{auction.ErrContended, "Bidding is busy right now, please try again."},
	{auction.ErrHandoff, "The sale was accepted but the deal room could not be opened. Press Accept again to retry."},
	{giveaway.ErrNotFound, "That giveaway has already been drawn."},
	{giveaway.ErrHostEntry, "Hosts cannot enter their own giveaway."},
	{pending.ErrLimit, "You have too many listings waiting for a picture. Post one or wait for them to expire."},
}

// UserMessage renders err for the person whose action caused it.
func UserMessage(err error) string {
	var rej *bid.Rejection
	if errors.As(err, &rej) {
		return "Bid not accepted: " + rej.Error() + "."
	}
	for _, ue := range userErrors {
		if errors.Is(err, ue.err) {
			return ue.msg
		}
	}
	switch {
	case errors.Is(err, auction.ErrDuration), errors.Is(err, giveaway.ErrDuration),
		errors.Is(err, auction.ErrStartingBid), errors.Is(err, listing.ErrInvalid):
		return upperFirst(err.Error()) + "."
	}
	return "Something went wrong, please try again."
}

// ThreadName fits item into Discord's thread name limit.
func ThreadName(item string) string {
	const limit = 100
	r := []rune(strings.TrimSpace(item))
	if len(r) > limit {
		r = r[:limit]
	}
	return string(r)
}

func upperFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func listingEmbed(sub pending.Submission, img string) *discordgo.MessageEmbed {
	e := &discordgo.MessageEmbed{
		Title: sub.ItemName,
		Image: &discordgo.MessageEmbedImage{URL: img},
	}
	switch {
	case sub.Kind == listing.KindGiveaway:
		e.Description = fmt.Sprintf("Giveaway hosted by <@%s>", sub.Owner)
	case sub.IsTest:
		e.Description = fmt.Sprintf("Rehearsal auction by <@%s>", sub.Owner)
	default:
		e.Description = fmt.Sprintf("Auction by <@%s>", sub.Owner)
	}
	e.Fields = []*discordgo.MessageEmbedField{{Name: "Runs for", Value: sub.Duration.String(), Inline: true}}
	if sub.Kind == listing.KindAuction {
		e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
			Name: "Starting bid", Value: fmt.Sprint(sub.StartingBid), Inline: true,
		})
	}
	return e
}

func joinMessage(g listing.Giveaway) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content: fmt.Sprintf("Press the button to enter. The winner is drawn <t:%d:R>.", g.EndTime.Unix()),
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{
					Label:    "Join",
					Style:    discordgo.PrimaryButton,
					CustomID: discord.ActionID(discord.ActionJoin, g.ID),
				},
			}},
		},
	}
}

// imageURL returns the first image attached to m.
func imageURL(m *discordgo.Message) string {
	for _, a := range m.Attachments {
		if strings.HasPrefix(a.ContentType, "image/") {
			return a.URL
		}
	}
	return ""
}

func optionMap(opts []*discordgo.ApplicationCommandInteractionDataOption) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	out := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(opts))
	for _, o := range opts {
		out[o.Name] = o
	}
	return out
}

// interactionUser returns who triggered i, in a guild or a direct message.
func interactionUser(i *discordgo.Interaction) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func respond(s Session, i *discordgo.Interaction, msg string) {
	_ = s.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
}

func reply(s Session, m *discordgo.Message, msg string) {
	_, _ = s.ChannelMessageSendReply(m.ChannelID, msg, m.Reference())
}
