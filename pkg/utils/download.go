// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package utils

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/zhaopengme/threadclaw/pkg/logger"
)

// ErrTooLarge is returned by DownloadBytes when the body exceeds maxBytes.
var ErrTooLarge = errors.New("download too large")

// Download is the body of a successful GET along with its content type.
type Download struct {
	Body        []byte
	ContentType string
}

// DownloadBytes reads an HTTP response body into memory.
//
// maxBytes of 0 means no limit. Bodies over the limit fail with ErrTooLarge
// rather than being silently truncated.
func DownloadBytes(ctx context.Context, client *http.Client, req *http.Request, maxBytes int64) (*Download, error) {
	req = req.WithContext(ctx)

	logger.DebugCF("download", "Starting download", map[string]any{
		"url":       req.URL.String(),
		"max_bytes": maxBytes,
	})

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := make([]byte, 512)
		n, _ := io.ReadFull(resp.Body, errBody)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(errBody[:n]))
	}

	if maxBytes > 0 && resp.ContentLength > maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, resp.ContentLength, maxBytes)
	}

	var src io.Reader = resp.Body
	if maxBytes > 0 {
		src = io.LimitReader(resp.Body, maxBytes+1) // +1 to detect overflow
	}

	body, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("download read failed: %w", err)
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, maxBytes)
	}

	logger.DebugCF("download", "Download complete", map[string]any{
		"url":   req.URL.String(),
		"bytes": len(body),
	})

	return &Download{Body: body, ContentType: resp.Header.Get("Content-Type")}, nil
}
