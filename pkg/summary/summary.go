// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

// Package summary condenses a stretch of channel history into a report.
package summary

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/zhaopengme/threadclaw/pkg/fetch"
	"github.com/zhaopengme/threadclaw/pkg/history"
	"github.com/zhaopengme/threadclaw/pkg/logger"
	"github.com/zhaopengme/threadclaw/pkg/prompt"
	"github.com/zhaopengme/threadclaw/pkg/providers"
	"github.com/zhaopengme/threadclaw/pkg/toolcall"
)

var (
	ErrInvalidURL   = errors.New("invalid discord channel url")
	ErrInvalidCount = errors.New("invalid message count")
	ErrNoMessages   = errors.New("no messages fetched")
	ErrEmptySummary = errors.New("model returned an empty summary")
)

const (
	DefaultWait  = 600 * time.Second
	DefaultLimit = 1000

	ResultTitle = "📝 | Chat summary"
)

var (
	channelURLPattern = regexp.MustCompile(`^https://discord\.com/channels/(\d+)/(\d+)(?:/(\d+))?`)
	mentionPattern    = regexp.MustCompile(`<@!?(\d+)>`)
)

// Target is the place a summary starts from. MessageID is empty when the
// link points at a channel rather than a message.
type Target struct {
	GuildID   string
	ChannelID string
	MessageID string
}

func ParseChannelURL(raw string) (Target, error) {
	m := channelURLPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}
	return Target{GuildID: m[1], ChannelID: m[2], MessageID: m[3]}, nil
}

// ParseUserIDs extracts the user ids of every mention in s, in order and
// without duplicates.
func ParseUserIDs(s string) []string {
	var ids []string
	for _, m := range mentionPattern.FindAllStringSubmatch(s, -1) {
		if !slices.Contains(ids, m[1]) {
			ids = append(ids, m[1])
		}
	}
	return ids
}

// Request asks for a summary of Count messages ending just before the
// linked message.
type Request struct {
	URL   string
	Count int
	// Members holds raw mentions. When it names anyone, only their
	// messages are summarized.
	Members string
	// SelfID is the bot's user id.
	SelfID string
}

type Result struct {
	Title  string
	Body   string
	Footer string
}

// Reporter receives status updates while a summary runs and the final
// result.
type Reporter interface {
	Progress(ctx context.Context, text string)
	Result(ctx context.Context, res Result)
}

// Scheduler is the part of *fetch.Scheduler the summarizer drives.
type Scheduler interface {
	Submit(task *fetch.FetchTask) *fetch.Future
	EstimateCompletion(task *fetch.FetchTask) time.Duration
}

type Options struct {
	Model string
	// Mode is shown in the result footer.
	Mode         string
	AdminIDs     []string
	Location     *time.Location
	Wait         time.Duration
	Limit        int
	SystemPrompt string
	LLMOptions   map[string]any
}

type Summarizer struct {
	sched    Scheduler
	provider providers.LLMProvider
	opts     Options
}

func NewSummarizer(sched Scheduler, provider providers.LLMProvider, opts Options) *Summarizer {
	if opts.Wait <= 0 {
		opts.Wait = DefaultWait
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Model == "" && provider != nil {
		opts.Model = provider.GetDefaultModel()
	}
	if strings.TrimSpace(opts.SystemPrompt) == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	return &Summarizer{sched: sched, provider: provider, opts: opts}
}

// Run fetches, compiles and summarizes the requested history. Every
// failure is reported through rep as well as returned.
func (s *Summarizer) Run(ctx context.Context, req Request, rep Reporter) (Result, error) {
	target, err := ParseChannelURL(req.URL)
	if err != nil {
		rep.Progress(ctx, "❌ | The link is not a Discord channel or message link.")
		return Result{}, err
	}
	if req.Count <= 0 || req.Count > s.opts.Limit {
		rep.Progress(ctx, fmt.Sprintf("❌ | The message count must be between 1 and %d.", s.opts.Limit))
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidCount, req.Count)
	}

	task := fetch.NewFetchTask(target.GuildID, target.ChannelID, req.Count)
	task.Cursor = target.MessageID

	members := ParseUserIDs(req.Members)
	who := "every member in the range"
	if len(members) > 0 {
		who = req.Members
	}
	rep.Progress(ctx, fmt.Sprintf("⏳ | Fetching %d messages from %s for %s. Estimated time: %s",
		req.Count, req.URL, who, FormatEstimate(s.sched.EstimateCompletion(task))))

	fut := s.sched.Submit(task)
	waitCtx, cancel := context.WithTimeout(ctx, s.opts.Wait)
	msgs, err := fut.Wait(waitCtx)
	cancel()
	if err != nil {
		fetched, total := fut.Progress()
		logger.WarnCF("summary", "History fetch did not complete", map[string]any{
			"channel_id": target.ChannelID,
			"fetched":    fetched,
			"total":      total,
			"error":      err.Error(),
		})
		rep.Progress(ctx, fmt.Sprintf("❌ | Fetch failed, analyzed %d of %d messages: %v", fetched, total, err))
		return Result{}, fmt.Errorf("analyzed %d of %d messages: %w", fetched, total, err)
	}
	if len(msgs) == 0 {
		rep.Progress(ctx, "🟡 | No messages were fetched. Check the bot's channel permissions and the link.")
		return Result{}, ErrNoMessages
	}

	rep.Progress(ctx, fmt.Sprintf("⚙️ | Fetched %d messages, summarizing...", len(msgs)))

	transcript, err := s.compile(ctx, msgs, members, req.SelfID)
	if err != nil {
		rep.Progress(ctx, fmt.Sprintf("❌ | %v", err))
		return Result{}, err
	}

	resp, err := s.provider.Chat(ctx, []providers.Message{
		{Role: "system", Content: s.opts.SystemPrompt},
		{Role: "user", Content: transcript},
	}, nil, s.opts.Model, s.opts.LLMOptions)
	if err != nil {
		rep.Progress(ctx, fmt.Sprintf("❌ | The model call failed: %v", err))
		return Result{}, fmt.Errorf("summarizing: %w", err)
	}
	body := toolcall.StripReply(resp.Content)
	if body == "" {
		rep.Progress(ctx, "❌ | The model did not produce a summary.")
		return Result{}, ErrEmptySummary
	}

	res := Result{
		Title:  ResultTitle,
		Body:   body,
		Footer: fmt.Sprintf("analyzed %d messages | mode: %s", len(msgs), s.opts.Mode),
	}
	rep.Progress(ctx, "✅ | Summary complete, the report was posted to the channel.")
	rep.Result(ctx, res)

	logger.InfoCF("summary", "Summary posted", map[string]any{
		"channel_id": target.ChannelID,
		"messages":   len(msgs),
		"members":    len(members),
	})
	return res, nil
}

// compile renders the chronological messages as one plain-text log.
func (s *Summarizer) compile(ctx context.Context, msgs []history.Message, members []string, selfID string) (string, error) {
	newestFirst := slices.Clone(msgs)
	slices.Reverse(newestFirst)

	compiler := prompt.NewCompiler(prompt.TextFormat, prompt.CompilerOptions{
		SelfID:   selfID,
		AdminIDs: s.opts.AdminIDs,
		Members:  members,
		Location: s.opts.Location,
	})
	text, err := compiler.ParseMessages(ctx, newestFirst, "")
	if err != nil {
		return "", fmt.Errorf("compiling history: %w", err)
	}
	if compiler.Processed() == 0 {
		return "", fmt.Errorf("%w from the selected members", ErrNoMessages)
	}
	return compiler.Finalize(ctx, text)
}

// FormatEstimate renders an estimate in seconds, adding minutes once it
// passes a minute.
func FormatEstimate(d time.Duration) string {
	secs := d.Seconds()
	if secs > 60 {
		return fmt.Sprintf("%.2f seconds (about %.2f minutes)", secs, secs/60)
	}
	return fmt.Sprintf("%.2f seconds", secs)
}

const defaultSystemPrompt = `You summarize Discord chat logs.
The log is a transcript of floors:
【Floor #N <display_name="..." role="..."> say : "..." 】
Floor #1 is the newest message. Lines starting with [System Seed:...] are
written by the system and mark the start, time gaps and the end of the log.

Write a concise report in the language most of the log uses:
- the main topics, in the order they came up
- decisions, conclusions and open questions
- who contributed what, by display name
Quote floor numbers when pointing at a specific message. Do not invent
content that is not in the log.`
