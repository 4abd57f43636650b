// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

// Package prompt turns fetched channel history into an LLM prompt.
//
// Every message gets a floor number that stays stable across batches:
// the newest message fetched first is floor 1 and older batches continue
// upward. System markers carry a per-compiler random seed so the model
// can tell them apart from text users typed into the channel.
package prompt

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/zhaopengme/threadclaw/pkg/history"
)

const (
	TimeLayout = "2006-01-02 15:04:05"

	previewRunes = 30
	gapThreshold = 300 * time.Second

	previewAttachment = "[attachment]"
	previewEmpty      = "[empty]"
)

type Role string

const (
	RoleUser   Role = "User"
	RoleBot    Role = "Bot"
	RoleSelf   Role = "System-Self"
	RoleMaster Role = "Master"
)

// FormatFunc folds one chunk of prompt text, and the image URLs attached to
// the message it came from, into the accumulator.
type FormatFunc[A any] func(ctx context.Context, text string, imageURLs []string, acc A) (A, error)

type CompilerOptions struct {
	// SelfID is the bot's own user id.
	SelfID   string
	AdminIDs []string
	// Members, when non-empty, drops every message whose author is not
	// listed before floors are assigned.
	Members  []string
	Location *time.Location
	Now      func() time.Time
	// Seed overrides the random session seed. Tests only.
	Seed int
}

type FloorEntry struct {
	Floor   int
	Preview string
	Tag     string
}

type Compiler[A any] struct {
	format   FormatFunc[A]
	selfID   string
	admins   map[string]struct{}
	members  map[string]struct{}
	location *time.Location
	now      func() time.Time

	seed           int
	floors         map[string]FloorEntry
	authors        map[string]string
	authorOrder    []string
	nameCount      map[string]int
	namesTaken     map[string]bool
	totalProcessed int
	lastTimestamp  time.Time
}

func NewCompiler[A any](format FormatFunc[A], opts CompilerOptions) *Compiler[A] {
	c := &Compiler[A]{
		format:     format,
		selfID:     opts.SelfID,
		admins:     toSet(opts.AdminIDs),
		members:    toSet(opts.Members),
		location:   opts.Location,
		now:        opts.Now,
		seed:       opts.Seed,
		floors:     map[string]FloorEntry{},
		authors:    map[string]string{},
		nameCount:  map[string]int{},
		namesTaken: map[string]bool{},
	}
	if c.location == nil {
		c.location = time.UTC
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.seed == 0 {
		c.seed = 100000 + rand.IntN(900000)
	}
	return c
}

func (c *Compiler[A]) Seed() int { return c.seed }

// Processed is the number of messages that have been given a floor.
func (c *Compiler[A]) Processed() int { return c.totalProcessed }

// Floor looks up the floor assigned to a message id.
func (c *Compiler[A]) Floor(messageID string) (FloorEntry, bool) {
	e, ok := c.floors[messageID]
	return e, ok
}

// ParseMessages compiles one batch. The batch must be newest-first, and
// every batch must be older than the ones before it.
func (c *Compiler[A]) ParseMessages(ctx context.Context, batch []history.Message, acc A) (A, error) {
	if len(c.members) > 0 {
		kept := make([]history.Message, 0, len(batch))
		for _, m := range batch {
			if _, ok := c.members[m.Author.ID]; ok {
				kept = append(kept, m)
			}
		}
		batch = kept
	}

	for i, m := range batch {
		name := c.authorName(m.Author)
		c.floors[m.ID] = FloorEntry{
			Floor:   c.totalProcessed + 1 + i,
			Preview: preview(m),
			Tag:     c.identityTag(m.Author, name),
		}
	}

	for i := len(batch) - 1; i >= 0; i-- {
		m := batch[i]
		var sb strings.Builder

		switch {
		case c.lastTimestamp.IsZero():
			fmt.Fprintf(&sb, "[System Seed:%d]: ---chat log begins---\n[Time: %s]\n", c.seed, c.formatTime(m.CreatedAt))
		case m.CreatedAt.Sub(c.lastTimestamp) > gapThreshold:
			minutes := int(m.CreatedAt.Sub(c.lastTimestamp) / time.Minute)
			fmt.Fprintf(&sb, "\n[System Seed:%d]: ---(%d minutes later, current time: %s)\n", c.seed, minutes, c.formatTime(m.CreatedAt))
		}
		c.lastTimestamp = m.CreatedAt

		if m.ReplyTo != "" {
			if target, ok := c.floors[m.ReplyTo]; ok {
				fmt.Fprintf(&sb, "[Replying to Floor #%d <%s>: %s]\n", target.Floor, target.Tag, target.Preview)
			} else {
				fmt.Fprintf(&sb, "[Replying to unknown floor (message id: %s)]\n", m.ReplyTo)
			}
		}

		entry := c.floors[m.ID]
		content := strings.ReplaceAll(m.Content, "】", " ] ")
		fmt.Fprintf(&sb, "【Floor #%d <%s> say : \"%s\" 】\n", entry.Floor, entry.Tag, content)

		var err error
		acc, err = c.format(ctx, sb.String(), m.AttachmentURLs(), acc)
		if err != nil {
			return acc, fmt.Errorf("formatting floor %d: %w", entry.Floor, err)
		}
	}

	c.totalProcessed += len(batch)
	return acc, nil
}

// Finalize closes the log with the end time, the floor count and the
// member directory.
func (c *Compiler[A]) Finalize(ctx context.Context, acc A) (A, error) {
	end := c.lastTimestamp
	if end.IsZero() {
		end = c.now()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "[System Seed:%d]: ---recording ended at %s---\n", c.seed, c.formatTime(end))
	fmt.Fprintf(&sb, "[System Seed:%d]: total floors: %d\n\n", c.seed, c.totalProcessed)
	sb.WriteString("<members_list>\n")
	for _, id := range c.authorOrder {
		fmt.Fprintf(&sb, "<display_name=%q>:%q\n", c.authors[id], id)
	}
	sb.WriteString("</members_list>")

	return c.format(ctx, sb.String(), nil, acc)
}

// authorName returns the name an author is shown under, suffixing " (N)"
// when a different author already took the same display name. Shown
// names are unique even when a raw name already looks like "x (2)".
func (c *Compiler[A]) authorName(a history.Author) string {
	if name, ok := c.authors[a.ID]; ok {
		return name
	}
	raw := a.DisplayName
	n := c.nameCount[raw] + 1
	name := raw
	if n > 1 || c.namesTaken[name] {
		n = max(n, 2)
		name = fmt.Sprintf("%s (%d)", raw, n)
		for c.namesTaken[name] {
			n++
			name = fmt.Sprintf("%s (%d)", raw, n)
		}
	}
	c.nameCount[raw] = n
	c.namesTaken[name] = true
	c.authors[a.ID] = name
	c.authorOrder = append(c.authorOrder, a.ID)
	return name
}

func (c *Compiler[A]) role(a history.Author) Role {
	if c.selfID != "" && a.ID == c.selfID {
		return RoleSelf
	}
	if _, ok := c.admins[a.ID]; ok {
		return RoleMaster
	}
	if a.Bot {
		return RoleBot
	}
	return RoleUser
}

func (c *Compiler[A]) identityTag(a history.Author, name string) string {
	role := c.role(a)
	tag := fmt.Sprintf("display_name=%q role=%q", name, string(role))
	if role == RoleSelf || role == RoleMaster {
		tag += fmt.Sprintf(" Auth=\"%d\"", c.seed)
	}
	return tag
}

func (c *Compiler[A]) formatTime(t time.Time) string {
	return t.In(c.location).Format(TimeLayout)
}

func preview(m history.Message) string {
	content := strings.TrimSpace(m.Content)
	if content == "" {
		if len(m.Attachments) > 0 {
			return previewAttachment
		}
		return previewEmpty
	}
	runes := []rune(content)
	if len(runes) > previewRunes {
		return string(runes[:previewRunes]) + "......"
	}
	return content
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
