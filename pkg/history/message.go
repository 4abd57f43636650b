// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

// Package history defines the minimal chat message shape the fetch and
// prompt layers work with, decoupled from any Discord client type.
package history

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Bot         bool   `json:"bot"`
}

type Attachment struct {
	URL         string `json:"url"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	Author      Author       `json:"author"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	// ReplyTo is the id of the referenced message, empty if none.
	ReplyTo   string    `json:"reply_to,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (m Message) AttachmentURLs() []string {
	if len(m.Attachments) == 0 {
		return nil
	}
	urls := make([]string, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		urls = append(urls, a.URL)
	}
	return urls
}

// Source fetches one page of a channel's history.
//
// Pages are newest-first. beforeID, when set, restricts the page to
// messages older than that id. An empty page means history is exhausted.
type Source interface {
	FetchPage(ctx context.Context, channelID, beforeID string, limit int) ([]Message, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, channelID, beforeID string, limit int) ([]Message, error)

func (f SourceFunc) FetchPage(ctx context.Context, channelID, beforeID string, limit int) ([]Message, error) {
	return f(ctx, channelID, beforeID, limit)
}

// StatusError is an HTTP-level failure reported by a Source.
type StatusError struct {
	Status  int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("http %d: %s: %v", e.Status, msg, e.Err)
	}
	return fmt.Sprintf("http %d: %s", e.Status, msg)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Retryable reports whether the status is one the provider recovers from
// on its own: rate limited, internal error, unavailable.
func (e *StatusError) Retryable() bool {
	switch e.Status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// IsRetryable reports whether err wraps a retryable StatusError.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}
