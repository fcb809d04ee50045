// Package discord implements the messaging collaborators on top of a
// discordgo session.
package discord

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/jensholdgaard/discord-market-bot/internal/listing"
	"github.com/jensholdgaard/discord-market-bot/internal/messaging"
)

// API is the subset of *discordgo.Session used by this package.
type API interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelDelete(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

var _ API = (*discordgo.Session)(nil)

// discordEpoch is the first millisecond of 2015, the origin of snowflake
// timestamps.
const discordEpoch = 1420070400000

// pageSize is the most messages Discord returns per request.
const pageSize = 100

// Snowflake returns the smallest snowflake id at t. Every message posted
// after t has a larger id.
func Snowflake(t time.Time) string {
	ms := t.UnixMilli() - discordEpoch
	if ms < 0 {
		ms = 0
	}
	return strconv.FormatUint(uint64(ms)<<22, 10)
}

func idLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

// Messenger implements messaging.Messenger.
type Messenger struct {
	api API
}

// NewMessenger returns a Messenger using api.
func NewMessenger(api API) *Messenger {
	return &Messenger{api: api}
}

// Send implements messaging.Messenger.
func (m *Messenger) Send(ctx context.Context, container, content string) error {
	if _, err := m.api.ChannelMessageSend(container, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("sending to channel %s: %w", container, err)
	}
	return nil
}

// DirectMessage implements messaging.Messenger.
func (m *Messenger) DirectMessage(ctx context.Context, identity, content string) error {
	ch, err := m.api.UserChannelCreate(identity, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("opening dm with %s: %w", identity, err)
	}
	if _, err := m.api.ChannelMessageSend(ch.ID, content, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("sending dm to %s: %w", identity, err)
	}
	return nil
}

// History implements messaging.Messenger. It pages forward from since
// and returns the messages oldest first.
func (m *Messenger) History(ctx context.Context, container string, since time.Time, limit int) ([]messaging.Message, error) {
	after := Snowflake(since)
	var out []messaging.Message
	for len(out) < limit {
		page, err := m.api.ChannelMessages(container, min(pageSize, limit-len(out)), "", after, "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("reading history of %s: %w", container, err)
		}
		if len(page) == 0 {
			break
		}
		sort.Slice(page, func(i, j int) bool { return idLess(page[i].ID, page[j].ID) })
		for _, msg := range page {
			var author string
			if msg.Author != nil {
				author = msg.Author.ID
			}
			out = append(out, messaging.Message{
				ID:        msg.ID,
				Author:    author,
				Content:   msg.Content,
				Timestamp: msg.Timestamp,
			})
		}
		after = page[len(page)-1].ID
		if len(page) < pageSize {
			break
		}
	}
	return out, nil
}

// Identity implements messaging.Identity with user mentions. Two ids are
// the same party only when they are the same account.
type Identity struct{}

// DisplayName implements messaging.Identity.
func (Identity) DisplayName(_ context.Context, identity string) string {
	return "<@" + identity + ">"
}

// IsSameParty implements messaging.Identity.
func (Identity) IsSameParty(a, b string) bool {
	return a != "" && a == b
}

// Rooms opens private text channels for deals.
type Rooms struct {
	api      API
	guildID  string
	parentID string
	selfID   func() string
}

// NewRooms returns a RoomOpener creating channels in guildID under the
// optional category parentID. selfID reports the bot's own user id, which
// is granted access to every room.
func NewRooms(api API, guildID, parentID string, selfID func() string) *Rooms {
	return &Rooms{api: api, guildID: guildID, parentID: parentID, selfID: selfID}
}

const memberAccess = discordgo.PermissionViewChannel |
	discordgo.PermissionSendMessages |
	discordgo.PermissionReadMessageHistory |
	discordgo.PermissionAttachFiles

// OpenRoom implements messaging.RoomOpener.
func (r *Rooms) OpenRoom(ctx context.Context, name string, members ...string) (string, error) {
	overwrites := []*discordgo.PermissionOverwrite{{
		// The @everyone role shares the guild's id.
		ID:   r.guildID,
		Type: discordgo.PermissionOverwriteTypeRole,
		Deny: discordgo.PermissionViewChannel,
	}}
	for _, id := range append(members, r.selfID()) {
		if id == "" {
			continue
		}
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID:    id,
			Type:  discordgo.PermissionOverwriteTypeMember,
			Allow: memberAccess,
		})
	}

	ch, err := r.api.GuildChannelCreateComplex(r.guildID, discordgo.GuildChannelCreateData{
		Name:                 name,
		Type:                 discordgo.ChannelTypeGuildText,
		ParentID:             r.parentID,
		PermissionOverwrites: overwrites,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("creating channel %s: %w", name, err)
	}
	return ch.ID, nil
}

// CloseRoom implements messaging.RoomOpener.
func (r *Rooms) CloseRoom(ctx context.Context, room string) error {
	if _, err := r.api.ChannelDelete(room, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("deleting channel %s: %w", room, err)
	}
	return nil
}

// Prompter asks sellers for their decision with accept and reject
// buttons in a direct message.
type Prompter struct {
	api API
}

// NewPrompter returns a Prompter using api.
func NewPrompter(api API) *Prompter {
	return &Prompter{api: api}
}

// PromptDecision implements messaging.DecisionPrompter.
func (p *Prompter) PromptDecision(ctx context.Context, a listing.Auction) error {
	ch, err := p.api.UserChannelCreate(a.Seller, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("opening dm with seller: %w", err)
	}
	_, err = p.api.ChannelMessageSendComplex(ch.ID, &discordgo.MessageSend{
		Content: fmt.Sprintf("Your auction for **%s** has ended. The highest bid is **%d** by <@%s>. Do you accept?",
			a.ItemName, a.HighestBid, a.HighestBidder),
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Accept", Style: discordgo.SuccessButton, CustomID: ActionID(ActionAccept, a.ID)},
				discordgo.Button{Label: "Reject", Style: discordgo.DangerButton, CustomID: ActionID(ActionReject, a.ID)},
			}},
		},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("sending decision prompt: %w", err)
	}
	return nil
}

// Action names a button handled by the bot.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
	ActionJoin   Action = "join"
)

// ActionID builds the custom id of a button acting on record id.
func ActionID(action Action, id string) string {
	return "market:" + string(action) + ":" + id
}

// ParseActionID splits a custom id built by ActionID.
func ParseActionID(customID string) (Action, string, bool) {
	parts := strings.SplitN(customID, ":", 3)
	if len(parts) != 3 || parts[0] != "market" || parts[2] == "" {
		return "", "", false
	}
	switch a := Action(parts[1]); a {
	case ActionAccept, ActionReject, ActionJoin:
		return a, parts[2], true
	}
	return "", "", false
}
