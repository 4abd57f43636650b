package gateway

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/zhaopengme/threadclaw/pkg/bus"
	"github.com/zhaopengme/threadclaw/pkg/logger"
	"github.com/zhaopengme/threadclaw/pkg/summary"
	"github.com/zhaopengme/threadclaw/pkg/utils"
)

// ChatHandler answers messages addressed to the bot. *chat.Handler
// satisfies it.
type ChatHandler interface {
	ShouldRespond(msg bus.InboundMessage) bool
	Handle(ctx context.Context, msg bus.InboundMessage) error
}

// Summarizer runs one summary request. *summary.Summarizer satisfies it.
type Summarizer interface {
	Run(ctx context.Context, req summary.Request, rep summary.Reporter) (summary.Result, error)
}

// Sender delivers outbound messages. *channels.DiscordChannel satisfies
// it.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// Stats exposes scheduler counters for /status.
type Stats interface {
	QueueLen() int
	CachedLen() int
}

// Blocker reports users the bot ignores. *tools.Blacklist satisfies it.
type Blocker interface {
	IsBlocked(userID string) bool
}

type Options struct {
	// AllowChannels limits /summary the same way chat is limited. Empty
	// allows every channel.
	AllowChannels []string
	Blacklist     Blocker
	Version       string
}

// failureReaction marks a message whose handler crashed.
const failureReaction = "😵"

type CommandGateway struct {
	bus     bus.Broker
	sender  Sender
	chat    ChatHandler
	summary Summarizer
	stats   Stats
	allowed map[string]bool
	blocked Blocker
	version string

	wg sync.WaitGroup
}

func NewCommandGateway(b bus.Broker, sender Sender, chat ChatHandler, sum Summarizer, stats Stats, opts Options) *CommandGateway {
	allowed := make(map[string]bool, len(opts.AllowChannels))
	for _, id := range opts.AllowChannels {
		allowed[id] = true
	}
	return &CommandGateway{
		bus:     b,
		sender:  sender,
		chat:    chat,
		summary: sum,
		stats:   stats,
		allowed: allowed,
		blocked: opts.Blacklist,
		version: opts.Version,
	}
}

// Run dispatches inbound messages and delivers outbound ones until ctx
// ends. Handlers still running are waited for before it returns.
func (g *CommandGateway) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)

	// Forward outbound messages from handlers back to the channel
	eg.Go(func() error {
		for {
			outMsg, ok := g.bus.SubscribeOutbound(ctx)
			if !ok {
				return nil
			}
			if g.sender == nil {
				continue
			}
			if err := g.sender.Send(ctx, outMsg); err != nil {
				logger.ErrorCF("gateway", "Failed to deliver outbound message", map[string]any{
					"chat_id": outMsg.ChatID,
					"kind":    string(outMsg.Kind),
					"error":   err.Error(),
				})
			}
		}
	})

	eg.Go(func() error {
		defer g.wg.Wait()
		for {
			msg, ok := g.bus.ConsumeInbound(ctx)
			if !ok {
				return nil
			}
			g.dispatch(ctx, msg)
		}
	})

	return eg.Wait()
}

func (g *CommandGateway) dispatch(ctx context.Context, msg bus.InboundMessage) {
	if msg.Flag(bus.MetaAuthorBot) {
		return
	}
	if g.blocked != nil && g.blocked.IsBlocked(msg.SenderID) {
		logger.DebugCF("gateway", "Ignoring blocked user", map[string]any{
			"user_id": msg.SenderID,
		})
		return
	}
	if response, handled := g.handleCommand(ctx, msg); handled {
		if response != "" {
			g.bus.PublishOutbound(reply(msg, response))
		}
		return
	}
	if g.chat != nil && g.chat.ShouldRespond(msg) {
		g.spawn(msg, func() {
			if err := g.chat.Handle(ctx, msg); err != nil {
				logger.DebugCF("gateway", "Chat handler failed", map[string]any{
					"chat_id": msg.ChatID,
					"error":   err.Error(),
				})
			}
		})
	}
}

// spawn runs a handler for msg in its own goroutine. A panic in the
// handler is logged and reported on msg instead of taking the bot down.
func (g *CommandGateway) spawn(msg bus.InboundMessage, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.recoverHandler(msg)
		fn()
	}()
}

func (g *CommandGateway) recoverHandler(msg bus.InboundMessage) {
	p := recover()
	if p == nil {
		return
	}
	logger.ErrorCF("gateway", "Handler panicked", map[string]any{
		"chat_id": msg.ChatID,
		"panic":   fmt.Sprint(p),
		"stack":   string(debug.Stack()),
	})

	if id := msg.Metadata[bus.MetaMessageID]; id != "" && msg.Metadata[bus.MetaInteractionID] == "" {
		g.bus.PublishOutbound(bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Kind:     bus.KindReaction,
			Metadata: map[string]string{bus.MetaReplyTo: id, bus.MetaEmoji: failureReaction},
		})
		return
	}
	g.bus.PublishOutbound(reply(msg, failureReaction+" | Something went wrong while handling this command."))
}

// handleCommand answers text commands. The text may start with a mention
// of the bot. Unknown commands are not handled so they can still reach
// chat.
func (g *CommandGateway) handleCommand(ctx context.Context, msg bus.InboundMessage) (string, bool) {
	content := stripMention(strings.TrimSpace(msg.Content), msg.Metadata[bus.MetaBotID])
	if !strings.HasPrefix(content, "/") {
		return "", false
	}

	parts := strings.Fields(content)
	if len(parts) == 0 {
		return "", false
	}

	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case "/help":
		return `/help - Show this help message
/status - Show the fetch queue and cache
/summary <message link> <count> [@members...] - Summarize the messages before a link
Mention me or reply to me to chat.`, true

	case "/status":
		if g.stats == nil {
			return "scheduler not available", true
		}
		status := fmt.Sprintf("Fetch queue: %d | Cached tasks: %d", g.stats.QueueLen(), g.stats.CachedLen())
		if g.version != "" {
			status += " | Version: " + g.version
		}
		return status, true

	case "/summary":
		if g.summary == nil {
			return "summary not available", true
		}
		if !g.channelAllowed(msg.ChatID, msg.Metadata[bus.MetaParentID]) {
			return "❌ | Summaries are not enabled in this channel.", true
		}
		req, ok := parseSummaryArgs(args)
		if !ok {
			return summaryUsage, true
		}
		req.SelfID = msg.Metadata[bus.MetaBotID]
		g.spawn(msg, func() {
			if _, err := g.summary.Run(ctx, req, newBusReporter(g.bus, msg)); err != nil {
				logger.WarnCF("gateway", "Summary failed", map[string]any{
					"chat_id":    msg.ChatID,
					"request_id": msg.Metadata[bus.MetaRequestID],
					"error":      err.Error(),
				})
			}
		})
		return "", true
	}

	return "", false
}

func (g *CommandGateway) channelAllowed(channelID, parentID string) bool {
	if len(g.allowed) == 0 {
		return true
	}
	return g.allowed[channelID] || (parentID != "" && g.allowed[parentID])
}

// reply addresses content to the command that triggered it: the deferred
// interaction reply for slash commands, a reply to the message otherwise.
func reply(msg bus.InboundMessage, content string) bus.OutboundMessage {
	out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: content}
	if id := msg.Metadata[bus.MetaInteractionID]; id != "" {
		out.Kind = bus.KindInteraction
		out.Metadata = map[string]string{bus.MetaInteractionID: id}
	} else if id := msg.Metadata[bus.MetaMessageID]; id != "" {
		out.Metadata = map[string]string{bus.MetaReplyTo: id}
	}
	return out
}

const summaryUsage = "Usage: /summary <message link> <count> [@members...]"

func parseSummaryArgs(args []string) (summary.Request, bool) {
	if len(args) < 2 {
		return summary.Request{}, false
	}
	count, err := strconv.Atoi(args[1])
	if err != nil {
		return summary.Request{}, false
	}
	return summary.Request{
		URL:     args[0],
		Count:   count,
		Members: strings.Join(args[2:], " "),
	}, true
}

// stripMention removes a leading mention of the bot.
func stripMention(content, botID string) string {
	if botID == "" {
		return content
	}
	for _, prefix := range []string{"<@" + botID + ">", "<@!" + botID + ">"} {
		if rest, ok := strings.CutPrefix(content, prefix); ok {
			return strings.TrimSpace(rest)
		}
	}
	return content
}

// busReporter turns summary progress into outbound messages. Slash
// commands get their deferred reply edited; text commands get a reply.
type busReporter struct {
	bus bus.Publisher
	msg bus.InboundMessage
}

func newBusReporter(b bus.Publisher, msg bus.InboundMessage) *busReporter {
	return &busReporter{bus: b, msg: msg}
}

func (r *busReporter) Progress(_ context.Context, text string) {
	r.bus.PublishOutbound(reply(r.msg, text))
}

func (r *busReporter) Result(_ context.Context, res summary.Result) {
	r.bus.PublishOutbound(bus.OutboundMessage{
		Channel: r.msg.Channel,
		ChatID:  r.msg.ChatID,
		Kind:    bus.KindEmbed,
		Content: res.Body,
		Metadata: map[string]string{
			bus.MetaEmbedTitle:  utils.Truncate(res.Title, 256),
			bus.MetaEmbedFooter: res.Footer,
		},
	})
}
