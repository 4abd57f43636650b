// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

// Package chat answers messages that mention the bot or reply to it,
// using the recent channel history as context.
package chat

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/zhaopengme/threadclaw/pkg/bus"
	"github.com/zhaopengme/threadclaw/pkg/config"
	"github.com/zhaopengme/threadclaw/pkg/history"
	"github.com/zhaopengme/threadclaw/pkg/logger"
	"github.com/zhaopengme/threadclaw/pkg/prompt"
	"github.com/zhaopengme/threadclaw/pkg/providers"
	"github.com/zhaopengme/threadclaw/pkg/toolcall"
	"github.com/zhaopengme/threadclaw/pkg/tools"
	"github.com/zhaopengme/threadclaw/pkg/utils"
)

const (
	// ReplyChunk keeps replies, footer included, under Discord's limit.
	ReplyChunk = 1800

	NoResponseText = "*(...no response...)*"
	ErrorReaction  = "😵"

	defaultHistoryLimit = 30
)

// HistoryFetcher returns the newest messages of a channel, oldest first.
// *fetch.Scheduler satisfies it.
type HistoryFetcher interface {
	Fetch(ctx context.Context, channelID string, total int) ([]history.Message, error)
}

// Outbox receives replies, reactions and typing notices.
type Outbox interface {
	PublishOutbound(bus.OutboundMessage)
}

type Deps struct {
	History   HistoryFetcher
	Provider  providers.LLMProvider
	Model     string
	Tools     *tools.ToolRegistry
	Blacklist *tools.Blacklist
	Images    prompt.ImageFetcher
	Out       Outbox
	Now       func() time.Time
}

type Handler struct {
	discord config.DiscordConfig
	llm     config.LLMConfig
	toolCfg config.ToolsConfig
	allowed map[string]bool
	deps    Deps
}

func NewHandler(cfg *config.Config, deps Deps) *Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Model == "" && deps.Provider != nil {
		deps.Model = deps.Provider.GetDefaultModel()
	}
	allowed := make(map[string]bool, len(cfg.Discord.AllowChannels))
	for _, id := range cfg.Discord.AllowChannels {
		allowed[id] = true
	}
	return &Handler{
		discord: cfg.Discord,
		llm:     cfg.LLM,
		toolCfg: cfg.Tools,
		allowed: allowed,
		deps:    deps,
	}
}

// ShouldRespond reports whether msg is addressed to the bot by someone it
// is willing to talk to.
func (h *Handler) ShouldRespond(msg bus.InboundMessage) bool {
	if msg.Flag(bus.MetaAuthorBot) {
		return false
	}
	if h.deps.Blacklist != nil && h.deps.Blacklist.IsBlocked(msg.SenderID) {
		logger.DebugCF("chat", "Ignoring blocked user", map[string]any{
			"user_id": msg.SenderID,
		})
		return false
	}
	if !h.channelAllowed(msg.ChatID, msg.Metadata[bus.MetaParentID]) {
		return false
	}
	return msg.Flag(bus.MetaMentionsBot) || msg.Flag(bus.MetaReplyToBot)
}

// channelAllowed checks the channel and, for threads, its parent. An empty
// allow list permits every channel.
func (h *Handler) channelAllowed(channelID, parentID string) bool {
	if len(h.allowed) == 0 {
		return true
	}
	return h.allowed[channelID] || (parentID != "" && h.allowed[parentID])
}

// Handle answers one triggering message. Failures are reported to the
// channel as a reaction and returned.
func (h *Handler) Handle(ctx context.Context, msg bus.InboundMessage) error {
	messageID := msg.Metadata[bus.MetaMessageID]
	h.publish(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Kind: bus.KindTyping})

	start := h.deps.Now()
	reply, usage, err := h.respond(ctx, msg)
	if err != nil {
		logger.ErrorCF("chat", "Chat processing error", map[string]any{
			"channel_id": msg.ChatID,
			"message_id": messageID,
			"error":      err.Error(),
		})
		h.publish(bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Kind:     bus.KindReaction,
			Metadata: map[string]string{bus.MetaReplyTo: messageID, bus.MetaEmoji: ErrorReaction},
		})
		return err
	}

	if reply == "" {
		h.reply(msg, messageID, []string{NoResponseText})
		return nil
	}

	elapsed := h.deps.Now().Sub(start)
	reply += "\n\n" + footer(elapsed, usage)
	h.reply(msg, messageID, utils.SplitMessage(reply, ReplyChunk))

	logger.InfoCF("chat", "Reply sent", map[string]any{
		"channel_id":    msg.ChatID,
		"elapsed_ms":    elapsed.Milliseconds(),
		"prompt_tokens": usage.PromptTokens,
		"output_tokens": usage.CompletionTokens,
	})
	return nil
}

func (h *Handler) respond(ctx context.Context, msg bus.InboundMessage) (string, providers.UsageInfo, error) {
	limit := h.discord.HistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	msgs, err := h.deps.History.Fetch(ctx, msg.ChatID, limit)
	if err != nil {
		return "", providers.UsageInfo{}, fmt.Errorf("fetching history: %w", err)
	}
	// The compiler takes batches newest first.
	newestFirst := slices.Clone(msgs)
	slices.Reverse(newestFirst)

	formatter := &prompt.MessageFormatter{ViewImages: h.llm.ImageView, Images: h.deps.Images}
	compiler := prompt.NewCompiler(formatter.Format, prompt.CompilerOptions{
		SelfID:   msg.Metadata[bus.MetaBotID],
		AdminIDs: h.discord.AdminIDs,
		Location: h.discord.Location(),
		Now:      h.deps.Now,
	})
	var transcript []providers.Message
	if transcript, err = compiler.ParseMessages(ctx, newestFirst, transcript); err != nil {
		return "", providers.UsageInfo{}, fmt.Errorf("compiling history: %w", err)
	}
	if transcript, err = compiler.Finalize(ctx, transcript); err != nil {
		return "", providers.UsageInfo{}, fmt.Errorf("compiling history: %w", err)
	}

	loop := tools.ToolLoopConfig{
		Provider:      h.deps.Provider,
		Model:         h.deps.Model,
		MaxIterations: h.toolCfg.MaxToolRounds,
		LLMOptions:    h.llmOptions(),
		TextGrammar:   h.toolCfg.Grammar == config.GrammarText,
	}
	var described string
	if h.toolCfg.EnableCustomTools && h.deps.Tools != nil {
		loop.Tools = h.deps.Tools
		if loop.TextGrammar {
			described = h.deps.Tools.Describe()
		}
	}

	messages := make([]providers.Message, 0, len(transcript)+1)
	messages = append(messages, providers.Message{
		Role:    "system",
		Content: systemPrompt(h.llm.SystemPrompt, compiler.Seed(), described),
	})
	messages = append(messages, transcript...)

	logger.DebugCF("chat", "Prompt compiled", map[string]any{
		"channel_id": msg.ChatID,
		"floors":     compiler.Processed(),
		"seed":       compiler.Seed(),
	})

	callCtx := tools.WithCallContext(ctx, tools.CallContext{
		GuildID:   msg.Metadata[bus.MetaGuildID],
		ChannelID: msg.ChatID,
		UserID:    msg.SenderID,
	})
	res, err := tools.RunToolLoop(callCtx, loop, messages)
	if err != nil {
		return "", providers.UsageInfo{}, err
	}
	return toolcall.StripReply(res.Content), res.Usage, nil
}

func (h *Handler) llmOptions() map[string]any {
	opts := map[string]any{}
	if h.llm.MaxTokens > 0 {
		opts[providers.OptMaxTokens] = h.llm.MaxTokens
	}
	if h.llm.Temperature > 0 {
		opts[providers.OptTemperature] = h.llm.Temperature
	}
	return opts
}

// reply posts the chunks in order; only the first one references the
// triggering message.
func (h *Handler) reply(msg bus.InboundMessage, messageID string, chunks []string) {
	for i, chunk := range chunks {
		out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: chunk}
		if i == 0 && messageID != "" {
			out.Metadata = map[string]string{bus.MetaReplyTo: messageID}
		}
		h.publish(out)
	}
}

func (h *Handler) publish(out bus.OutboundMessage) {
	if h.deps.Out != nil {
		h.deps.Out.PublishOutbound(out)
	}
}

func footer(elapsed time.Duration, usage providers.UsageInfo) string {
	secs := math.Round(elapsed.Seconds()*1000) / 1000
	return fmt.Sprintf("-# Time:%ss | In :%dt | Out :%dt",
		strconv.FormatFloat(secs, 'f', -1, 64), usage.PromptTokens, usage.CompletionTokens)
}
