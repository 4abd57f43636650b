package tools

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"

	"github.com/zhaopengme/threadclaw/pkg/logger"
	"github.com/zhaopengme/threadclaw/pkg/utils"
)

const (
	webpageDefaultLength = 5000
	webpageMaxLength     = 20000
	webpageMaxBodyBytes  = 8 << 20
	webpageUserAgent     = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// WebpageTool fetches a page and returns its content as Markdown.
type WebpageTool struct {
	client    *http.Client
	converter *md.Converter
}

func NewWebpageTool(client *http.Client) *WebpageTool {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	// Page chrome around the main content only costs tokens.
	converter := md.NewConverter("", true, nil).
		Remove("script", "style", "noscript", "nav", "header", "footer", "aside", "form", "iframe", "svg")
	return &WebpageTool{
		client:    client,
		converter: converter,
	}
}

func (t *WebpageTool) Name() string { return "webpage_context" }

func (t *WebpageTool) Description() string {
	return "Fetch an http(s) URL and return the page content. Cite the URL when answering. " +
		"To read a file on GitHub, use its raw.githubusercontent.com URL. " +
		"Only fetch URLs that appear in the conversation or in search results. " +
		"If the content is a JavaScript or CAPTCHA wall, treat the fetch as failed."
}

func (t *WebpageTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "URL of the page to fetch",
			},
			"max_length": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum characters to return (default 5000, max 20000)",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebpageTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	url, _ := args["url"].(string)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return ErrorResult("url must start with http:// or https://")
	}
	maxLength := clampInt(intArg(args, "max_length", webpageDefaultLength), 1, webpageMaxLength)

	logger.InfoCF("tool.webpage", "Fetching page", map[string]any{"url": url})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	req.Header.Set("User-Agent", webpageUserAgent)
	dl, err := utils.DownloadBytes(ctx, t.client, req, webpageMaxBodyBytes)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err)).WithError(err)
	}

	raw := string(dl.Body)
	var fallback string
	content, err := t.converter.ConvertString(raw)
	content = strings.TrimSpace(content)
	if err != nil || content == "" {
		logger.WarnCF("tool.webpage", "Markdown conversion failed, returning raw body", map[string]any{
			"url":   url,
			"bytes": len(raw),
		})
		content = raw
		fallback = "raw_html"
	}
	if content == "" {
		content = "(empty page)"
	}
	if runes := []rune(content); len(runes) > maxLength {
		content = string(runes[:maxLength]) + "..."
	}

	return JSONResult(map[string]any{
		"url":      url,
		"content":  content,
		"length":   len([]rune(content)),
		"fallback": fallback,
	})
}
