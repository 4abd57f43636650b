// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

// Package images downloads chat attachments for inlining into LLM
// requests and keeps the most recent payloads in memory.
package images

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zhaopengme/threadclaw/pkg/logger"
	"github.com/zhaopengme/threadclaw/pkg/utils"
)

const (
	DefaultSize     = 100
	DefaultMaxBytes = 2 * 1024 * 1024
	DefaultTimeout  = 15 * time.Second

	defaultMIME = "image/jpeg"
)

type Image struct {
	Data     []byte
	MIMEType string
}

type Options struct {
	Size       int
	MaxBytes   int64
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Cache struct {
	entries  *lru.Cache[string, Image]
	client   *http.Client
	maxBytes int64
}

func NewCache(opts Options) (*Cache, error) {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	entries, err := lru.New[string, Image](opts.Size)
	if err != nil {
		return nil, fmt.Errorf("creating image cache: %w", err)
	}
	return &Cache{entries: entries, client: client, maxBytes: opts.MaxBytes}, nil
}

// Get returns the payload for url, downloading it on a miss. Images over
// the size limit fail with utils.ErrTooLarge and are not cached.
func (c *Cache) Get(ctx context.Context, url string) (Image, error) {
	if img, ok := c.entries.Get(url); ok {
		return img, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Image{}, fmt.Errorf("building image request: %w", err)
	}
	dl, err := utils.DownloadBytes(ctx, c.client, req, c.maxBytes)
	if err != nil {
		logger.WarnCF("images", "Image download failed", map[string]any{
			"url":   url,
			"error": err.Error(),
		})
		return Image{}, err
	}

	img := Image{Data: dl.Body, MIMEType: imageMIME(dl.ContentType)}
	c.entries.Add(url, img)
	return img, nil
}

func (c *Cache) Len() int {
	return c.entries.Len()
}

func imageMIME(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mt, "image/") {
		return defaultMIME
	}
	return mt
}
