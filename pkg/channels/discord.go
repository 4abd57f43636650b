package channels

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/zhaopengme/threadclaw/pkg/bus"
	"github.com/zhaopengme/threadclaw/pkg/config"
	"github.com/zhaopengme/threadclaw/pkg/history"
	"github.com/zhaopengme/threadclaw/pkg/logger"
	"github.com/zhaopengme/threadclaw/pkg/utils"
)

const (
	Name = "discord"

	sendTimeout    = 10 * time.Second
	typingInterval = 8 * time.Second
	typingTimeout  = 5 * time.Minute

	messageLimit = 2000
	embedLimit   = 4000
	embedColor   = 0xF1C40F

	// Interaction tokens stay valid for 15 minutes.
	interactionTTL  = 15 * time.Minute
	interactionSize = 256
)

// restAPI is the part of *discordgo.Session the channel calls after
// startup.
type restAPI interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	InteractionResponseEdit(interaction *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordChannel bridges the Discord gateway and REST API to the bus. It
// is also the history.Source the fetch scheduler pages through.
type DiscordChannel struct {
	session *discordgo.Session
	api     restAPI
	config  config.DiscordConfig
	bus     bus.Publisher
	limit   int

	ctx       context.Context
	running   atomic.Bool
	botUserID string

	typingMu   sync.Mutex
	typingStop map[string]chan struct{} // chatID → stop signal

	interactions *expirable.LRU[string, *discordgo.Interaction]
	parents      *expirable.LRU[string, string]
}

// NewDiscordChannel creates the session. summaryLimit caps the count
// option of the summary slash command.
func NewDiscordChannel(cfg config.DiscordConfig, b bus.Publisher, summaryLimit int) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentsMessageContent

	c := newDiscordChannel(session, cfg, b, summaryLimit)
	c.session = session
	return c, nil
}

func newDiscordChannel(api restAPI, cfg config.DiscordConfig, b bus.Publisher, summaryLimit int) *DiscordChannel {
	return &DiscordChannel{
		api:          api,
		config:       cfg,
		bus:          b,
		limit:        summaryLimit,
		ctx:          context.Background(),
		typingStop:   make(map[string]chan struct{}),
		interactions: expirable.NewLRU[string, *discordgo.Interaction](interactionSize, nil, interactionTTL),
		parents:      expirable.NewLRU[string, string](1024, nil, time.Hour),
	}
}

// Session exposes the underlying session for the profile tool.
func (c *DiscordChannel) Session() *discordgo.Session { return c.session }

func (c *DiscordChannel) BotUserID() string { return c.botUserID }

func (c *DiscordChannel) IsRunning() bool { return c.running.Load() }

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.ctx = ctx

	// Get bot user ID before opening session to avoid race condition
	botUser, err := c.session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	c.botUserID = botUser.ID

	c.session.AddHandler(c.handleMessage)
	c.session.AddHandler(c.handleInteraction)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	if _, err := c.session.ApplicationCommandCreate(botUser.ID, c.config.GuildID, summaryCommandDef(c.limit), discordgo.WithContext(ctx)); err != nil {
		logger.WarnCF("discord", "Failed to register slash command", map[string]any{
			"command": SummaryCommand,
			"error":   err.Error(),
		})
	}

	c.running.Store(true)

	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
		"guild_id": c.config.GuildID,
	})

	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.running.Store(false)

	// Stop all typing goroutines before closing session
	c.typingMu.Lock()
	for chatID, stop := range c.typingStop {
		close(stop)
		delete(c.typingStop, chatID)
	}
	c.typingMu.Unlock()

	if c.session == nil {
		return nil
	}
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

// FetchPage implements history.Source on top of the channel messages
// endpoint.
func (c *DiscordChannel) FetchPage(ctx context.Context, channelID, beforeID string, limit int) ([]history.Message, error) {
	msgs, err := c.api.ChannelMessages(channelID, limit, beforeID, "", "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, statusError(err)
	}
	page := make([]history.Message, 0, len(msgs))
	for _, m := range msgs {
		if m != nil {
			page = append(page, toHistoryMessage(m))
		}
	}
	return page, nil
}

// Send delivers an outbound message according to its kind.
func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.ChatID == "" {
		return fmt.Errorf("channel ID is empty")
	}

	switch msg.Kind {
	case bus.KindTyping:
		c.startTyping(msg.ChatID)
		return nil
	case bus.KindReaction:
		c.stopTyping(msg.ChatID)
		return c.react(ctx, msg)
	case bus.KindEmbed:
		return c.sendEmbed(ctx, msg)
	case bus.KindInteraction:
		return c.editInteraction(ctx, msg)
	default:
		c.stopTyping(msg.ChatID)
		return c.sendMessage(ctx, msg)
	}
}

func (c *DiscordChannel) sendMessage(ctx context.Context, msg bus.OutboundMessage) error {
	if msg.Content == "" {
		return nil
	}
	replyTo := msg.Metadata[bus.MetaReplyTo]

	for i, chunk := range utils.SplitMessage(msg.Content, messageLimit) {
		data := &discordgo.MessageSend{
			Content: chunk,
			AllowedMentions: &discordgo.MessageAllowedMentions{
				Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeUsers},
			},
		}
		if i == 0 && replyTo != "" {
			failIfMissing := false
			data.Reference = &discordgo.MessageReference{
				MessageID:       replyTo,
				ChannelID:       msg.ChatID,
				FailIfNotExists: &failIfMissing,
			}
		}
		if err := c.send(ctx, msg.ChatID, data); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) sendEmbed(ctx context.Context, msg bus.OutboundMessage) error {
	chunks := utils.SplitMessage(msg.Content, embedLimit)
	for i, chunk := range chunks {
		embed := &discordgo.MessageEmbed{Description: chunk, Color: embedColor}
		if i == 0 {
			embed.Title = msg.Metadata[bus.MetaEmbedTitle]
		}
		if footer := msg.Metadata[bus.MetaEmbedFooter]; footer != "" && i == len(chunks)-1 {
			embed.Footer = &discordgo.MessageEmbedFooter{Text: footer}
		}
		if err := c.send(ctx, msg.ChatID, &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) send(ctx context.Context, channelID string, data *discordgo.MessageSend) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if _, err := c.api.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(sendCtx)); err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	return nil
}

func (c *DiscordChannel) react(ctx context.Context, msg bus.OutboundMessage) error {
	messageID := msg.Metadata[bus.MetaReplyTo]
	emoji := msg.Metadata[bus.MetaEmoji]
	if messageID == "" || emoji == "" {
		return fmt.Errorf("reaction needs a message id and an emoji")
	}
	if err := c.api.MessageReactionAdd(msg.ChatID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to add reaction: %w", err)
	}
	return nil
}

// editInteraction replaces the deferred reply of a slash command. When
// the interaction is gone the text goes to the channel instead.
func (c *DiscordChannel) editInteraction(ctx context.Context, msg bus.OutboundMessage) error {
	interaction, ok := c.interactions.Get(msg.Metadata[bus.MetaInteractionID])
	if !ok {
		logger.DebugCF("discord", "Interaction expired, posting to channel", map[string]any{
			"interaction_id": msg.Metadata[bus.MetaInteractionID],
		})
		return c.sendMessage(ctx, bus.OutboundMessage{ChatID: msg.ChatID, Content: msg.Content})
	}
	content := utils.Truncate(msg.Content, messageLimit)
	if _, err := c.api.InteractionResponseEdit(interaction, &discordgo.WebhookEdit{Content: &content}, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to edit interaction response: %w", err)
	}
	return nil
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil {
		return
	}
	if m.Author.ID == c.botUserID {
		return
	}
	c.publishMessage(m.Message)
}

func (c *DiscordChannel) publishMessage(m *discordgo.Message) {
	meta := inboundMetadata(m, c.botUserID, c.parentOf(m.ChannelID))
	if meta[bus.MetaMentionsBot] != "true" && meta[bus.MetaReplyToBot] != "true" {
		return
	}

	converted := toHistoryMessage(m)
	logger.DebugCF("discord", "Received message", map[string]any{
		"sender_name": meta[bus.MetaDisplayName],
		"sender_id":   m.Author.ID,
		"preview":     utils.Truncate(converted.Content, 50),
	})

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  Name,
		SenderID: m.Author.ID,
		ChatID:   m.ChannelID,
		Content:  converted.Content,
		Media:    converted.AttachmentURLs(),
		Metadata: meta,
	})
}

func (c *DiscordChannel) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	c.publishInteraction(i.Interaction)
}

func (c *DiscordChannel) publishInteraction(i *discordgo.Interaction) {
	data := i.ApplicationCommandData()
	if data.Name != SummaryCommand {
		return
	}

	err := c.api.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	}, discordgo.WithContext(c.ctx))
	if err != nil {
		logger.ErrorCF("discord", "Failed to defer interaction", map[string]any{
			"interaction_id": i.ID,
			"error":          err.Error(),
		})
		return
	}
	c.interactions.Add(i.ID, i)

	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	senderID, name := "", ""
	if user != nil {
		senderID, name = user.ID, user.DisplayName()
	}

	c.bus.PublishInbound(bus.InboundMessage{
		Channel:  Name,
		SenderID: senderID,
		ChatID:   i.ChannelID,
		Content:  summaryCommandText(data),
		Metadata: map[string]string{
			bus.MetaInteractionID: i.ID,
			bus.MetaRequestID:     uuid.NewString(),
			bus.MetaGuildID:       i.GuildID,
			bus.MetaParentID:      c.parentOf(i.ChannelID),
			bus.MetaDisplayName:   name,
			bus.MetaBotID:         c.botUserID,
		},
	})
}

// parentOf returns the parent channel of a thread, or "" for a regular
// channel. Lookups are cached.
func (c *DiscordChannel) parentOf(channelID string) string {
	if parent, ok := c.parents.Get(channelID); ok {
		return parent
	}
	var ch *discordgo.Channel
	if c.session != nil && c.session.State != nil {
		ch, _ = c.session.State.Channel(channelID)
	}
	if ch == nil {
		var err error
		ch, err = c.api.Channel(channelID, discordgo.WithContext(c.ctx))
		if err != nil {
			logger.DebugCF("discord", "Channel lookup failed", map[string]any{
				"channel_id": channelID,
				"error":      err.Error(),
			})
			return ""
		}
	}
	parent := ""
	if ch.IsThread() {
		parent = ch.ParentID
	}
	c.parents.Add(channelID, parent)
	return parent
}

// startTyping starts a continuous typing indicator loop for the given chatID.
// It stops any existing typing loop for that chatID before starting a new one.
func (c *DiscordChannel) startTyping(chatID string) {
	c.typingMu.Lock()
	// Stop existing loop for this chatID if any
	if stop, ok := c.typingStop[chatID]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	c.typingStop[chatID] = stop
	c.typingMu.Unlock()

	ctx := c.ctx
	go func() {
		if err := c.api.ChannelTyping(chatID); err != nil {
			logger.DebugCF("discord", "ChannelTyping error", map[string]any{"chatID": chatID, "err": err.Error()})
		}
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		timeout := time.After(typingTimeout)
		for {
			select {
			case <-stop:
				return
			case <-timeout:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.api.ChannelTyping(chatID); err != nil {
					logger.DebugCF("discord", "ChannelTyping error", map[string]any{"chatID": chatID, "err": err.Error()})
				}
			}
		}
	}()
}

// stopTyping stops the typing indicator loop for the given chatID.
func (c *DiscordChannel) stopTyping(chatID string) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if stop, ok := c.typingStop[chatID]; ok {
		close(stop)
		delete(c.typingStop, chatID)
	}
}
