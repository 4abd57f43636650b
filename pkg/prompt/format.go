// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package prompt

import (
	"context"
	"strings"

	"github.com/zhaopengme/threadclaw/pkg/images"
	"github.com/zhaopengme/threadclaw/pkg/logger"
	"github.com/zhaopengme/threadclaw/pkg/providers"
)

// ImageFetcher resolves an attachment URL to its payload.
type ImageFetcher interface {
	Get(ctx context.Context, url string) (images.Image, error)
}

// MessageFormatter builds provider messages. All compiled text lands in a
// single user turn so the whole history reads as one transcript.
type MessageFormatter struct {
	// ViewImages includes attachments as image parts. Without it they are
	// dropped from the prompt.
	ViewImages bool
	// Images inlines payloads when set. Otherwise parts carry the URL.
	Images ImageFetcher
}

func (f *MessageFormatter) Format(ctx context.Context, text string, imageURLs []string, acc []providers.Message) ([]providers.Message, error) {
	var parts []providers.ContentPart
	if text != "" {
		parts = append(parts, providers.ContentPart{Type: providers.PartText, Text: text})
	}
	if f.ViewImages {
		for _, url := range imageURLs {
			if part, ok := f.imagePart(ctx, url); ok {
				parts = append(parts, part)
			}
		}
	}
	if len(parts) == 0 {
		return acc, nil
	}

	if n := len(acc); n > 0 && acc[n-1].Role == "user" && acc[n-1].ToolCallID == "" {
		acc[n-1].Parts = append(acc[n-1].Parts, parts...)
		return acc, nil
	}
	return append(acc, providers.Message{Role: "user", Parts: parts}), nil
}

func (f *MessageFormatter) imagePart(ctx context.Context, url string) (providers.ContentPart, bool) {
	if f.Images == nil {
		return providers.ContentPart{Type: providers.PartImage, ImageURL: url}, true
	}
	img, err := f.Images.Get(ctx, url)
	if err != nil {
		logger.DebugCF("prompt", "Skipping image", map[string]any{
			"url":   url,
			"error": err.Error(),
		})
		return providers.ContentPart{}, false
	}
	return providers.ContentPart{
		Type:     providers.PartImage,
		ImageURL: url,
		Data:     img.Data,
		MIMEType: img.MIMEType,
	}, true
}

// TextFormat accumulates plain text. Attachments are noted by count only.
func TextFormat(_ context.Context, text string, imageURLs []string, acc string) (string, error) {
	var sb strings.Builder
	sb.WriteString(acc)
	sb.WriteString(text)
	for range imageURLs {
		sb.WriteString("[image]\n")
	}
	return sb.String(), nil
}
