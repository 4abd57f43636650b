package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhaopengme/threadclaw/pkg/logger"
	"github.com/zhaopengme/threadclaw/pkg/utils"
)

const (
	searchDefaultResults  = 10
	searchMinResults      = 5
	searchMaxResults      = 20
	searchSnippetRunes    = 500
	searchMaxBodyBytes    = 4 << 20
	searchDefaultLanguage = "zh-CN"
)

var (
	allowedEngines = map[string]bool{
		"duckduckgo":    true,
		"wikipedia":     true,
		"github":        true,
		"stackoverflow": true,
		"reddit":        true,
		"google":        true,
	}
	defaultEngines = []string{"duckduckgo", "wikipedia"}
	timeRanges     = map[string]bool{"day": true, "week": true, "month": true, "year": true}
)

// SearchTool queries a SearXNG instance and returns compact results.
type SearchTool struct {
	baseURL string
	client  *http.Client
}

func NewSearchTool(baseURL string, client *http.Client) *SearchTool {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &SearchTool{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (t *SearchTool) Name() string { return "internet_search" }

func (t *SearchTool) Description() string {
	return "Search the internet. Results contain only a short snippet and the URL of each hit."
}

func (t *SearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Search keywords",
			},
			"engines": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Optional engines: duckduckgo, wikipedia, github, stackoverflow, reddit, google",
			},
			"time_range": map[string]interface{}{
				"type":        "string",
				"description": "Optional time range: day, week, month, year. Leave empty for no limit.",
			},
			"max_results": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum number of results (5-20, default 10)",
			},
			"language": map[string]interface{}{
				"type":        "string",
				"description": "Optional result language such as en-US (default zh-CN)",
			},
		},
		"required": []string{"query"},
	}
}

type searchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Engine  string `json:"engine"`
	Snippet string `json:"snippet"`
}

func (t *SearchTool) Execute(ctx context.Context, args map[string]interface{}) *ToolResult {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	engines := searchEngines(args["engines"])
	maxResults := clampInt(intArg(args, "max_results", searchDefaultResults), searchMinResults, searchMaxResults)
	language, _ := args["language"].(string)
	if language = strings.TrimSpace(language); language == "" {
		language = searchDefaultLanguage
	}
	timeRange, _ := args["time_range"].(string)
	if !timeRanges[timeRange] {
		timeRange = ""
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("engines", strings.Join(engines, ","))
	params.Set("safesearch", "1")
	params.Set("language", language)
	if timeRange != "" {
		params.Set("time_range", timeRange)
	}

	logger.InfoCF("tool.search", "SearXNG search", map[string]any{
		"query":   query,
		"engines": engines,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return ErrorResult(err.Error()).WithError(err)
	}
	dl, err := utils.DownloadBytes(ctx, t.client, req, searchMaxBodyBytes)
	if err != nil {
		return ErrorResult(fmt.Sprintf("search failed: %v", err)).WithError(err)
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Engine  string `json:"engine"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(dl.Body, &payload); err != nil {
		return ErrorResult(fmt.Sprintf("decoding search response: %v", err)).WithError(err)
	}

	hits := make([]searchHit, 0, maxResults)
	for _, r := range payload.Results {
		if len(hits) >= maxResults {
			break
		}
		snippet := strings.Join(strings.Fields(r.Content), " ")
		if runes := []rune(snippet); len(runes) > searchSnippetRunes {
			snippet = string(runes[:searchSnippetRunes]) + "..."
		}
		engine := r.Engine
		if engine == "" {
			engine = "unknown"
		}
		hits = append(hits, searchHit{Title: r.Title, URL: r.URL, Engine: engine, Snippet: snippet})
	}

	if timeRange == "" {
		timeRange = "any"
	}
	return JSONResult(map[string]any{
		"query":        query,
		"engines_used": engines,
		"time_range":   timeRange,
		"results":      hits,
	})
}

func searchEngines(raw any) []string {
	var engines []string
	if list, ok := raw.([]any); ok {
		for _, e := range list {
			s, _ := e.(string)
			s = strings.ToLower(strings.TrimSpace(s))
			if allowedEngines[s] {
				engines = append(engines, s)
			}
		}
		if len(list) > 0 && len(engines) == 0 {
			return []string{"duckduckgo"}
		}
	}
	if len(engines) == 0 {
		return append([]string(nil), defaultEngines...)
	}
	return engines
}

// intArg reads a numeric argument that may have arrived as a JSON float,
// a grammar int64 or a numeric string.
func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
