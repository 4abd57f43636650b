// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Discord DiscordConfig `json:"discord"`
	LLM     LLMConfig     `json:"llm"`
	Tools   ToolsConfig   `json:"tools"`
	Fetch   FetchConfig   `json:"fetch"`
	Health  HealthConfig  `json:"health"`
	Log     LogConfig     `json:"log"`
}

type DiscordConfig struct {
	Token         string   `json:"token" env:"BOT_TOKEN"`
	GuildID       string   `json:"guild_id" env:"TARGET_GUILD_ID"`
	AdminIDs      []string `json:"admin_ids" env:"ADMIN_IDS" envSeparator:","`
	AllowChannels []string `json:"allow_channels" env:"LLM_ALLOW_CHANNELS" envSeparator:","`
	HistoryLimit  int      `json:"history_limit" env:"CHAT_HISTORY_LIMIT"`
	// UTCZone is the hour offset used when rendering timestamps.
	UTCZone int `json:"utc_zone" env:"UTC_ZONE"`
}

type LLMConfig struct {
	Format           string  `json:"format" env:"LLM_FORMAT"`
	BaseURL          string  `json:"base_url" env:"BASE_URL"`
	APIKey           string  `json:"api_key" env:"API_KEY"`
	Model            string  `json:"model" env:"MODEL"`
	SystemPrompt     string  `json:"system_prompt" env:"SYSTEM_PROMPT"`
	AdditionalHeader string  `json:"additional_header" env:"ADDITIONAL_HEADER"`
	BodyArgument     string  `json:"body_argument" env:"BODY_ARGUMENT"`
	ImageView        bool    `json:"img_view" env:"IMG_VIEW"`
	MaxTokens        int     `json:"max_tokens" env:"LLM_MAX_TOKENS"`
	Temperature      float64 `json:"temperature" env:"LLM_TEMPERATURE"`
}

type ToolsConfig struct {
	SearxngURL        string `json:"searxng_url" env:"SEARXNG_URL"`
	EnableCustomTools bool   `json:"enable_custom_tools" env:"ENABLE_CUSTOM_TOOLS"`
	MaxToolRounds     int    `json:"max_tool_rounds" env:"MAX_TOOL_ROUNDS"`
	// Grammar is "native" for provider function calling or "text" for the
	// tagged call grammar parsed out of plain replies.
	Grammar string `json:"grammar" env:"TOOL_GRAMMAR"`
}

const (
	GrammarNative = "native"
	GrammarText   = "text"
)

type FetchConfig struct {
	RateLimit    int           `json:"rate_limit" env:"FETCH_RATE_LIMIT"`
	RateWindow   time.Duration `json:"rate_window" env:"FETCH_RATE_WINDOW"`
	MaxRetries   int           `json:"max_retries" env:"FETCH_MAX_RETRIES"`
	CacheTTL     time.Duration `json:"cache_ttl" env:"FETCH_CACHE_TTL"`
	SummaryWait  time.Duration `json:"summary_wait" env:"SUMMARY_WAIT"`
	SummaryLimit int           `json:"summary_limit" env:"SUMMARY_LIMIT"`
}

type HealthConfig struct {
	Enabled bool   `json:"enabled" env:"HEALTH_ENABLED"`
	Addr    string `json:"addr" env:"HEALTH_ADDR"`
}

type LogConfig struct {
	Level string `json:"level" env:"LOG_LEVEL"`
	JSON  bool   `json:"json" env:"LOG_JSON"`
}

func DefaultConfig() *Config {
	return &Config{
		Discord: DiscordConfig{
			HistoryLimit: 30,
		},
		LLM: LLMConfig{
			Format:      "openai",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Tools: ToolsConfig{
			EnableCustomTools: true,
			MaxToolRounds:     8,
			Grammar:           GrammarNative,
		},
		Fetch: FetchConfig{
			RateLimit:    50,
			RateWindow:   60 * time.Second,
			MaxRetries:   3,
			CacheTTL:     5 * time.Minute,
			SummaryWait:  10 * time.Minute,
			SummaryLimit: 1000,
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults, the JSON file at path (if present),
// a .env file in the working directory (if present) and the environment,
// in that order of increasing precedence.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv is Load without the file and .env steps, reading only the
// given environment. Used by tests.
func LoadFromEnv(environ map[string]string) (*Config, error) {
	cfg := DefaultConfig()
	if err := env.ParseWithOptions(cfg, env.Options{Environment: environ}); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Discord.Token) == "" {
		return errors.New("discord token is required (BOT_TOKEN)")
	}
	if strings.TrimSpace(c.LLM.Model) == "" {
		return errors.New("llm model is required (MODEL)")
	}
	switch c.LLM.Format {
	case "openai", "gemini", "anthropic":
	default:
		return fmt.Errorf("unsupported llm format %q", c.LLM.Format)
	}
	switch c.Tools.Grammar {
	case GrammarNative, GrammarText:
	default:
		return fmt.Errorf("unsupported tool grammar %q", c.Tools.Grammar)
	}
	if _, err := c.LLM.Headers(); err != nil {
		return err
	}
	if _, err := c.LLM.BodyArgs(); err != nil {
		return err
	}
	return nil
}

// Location returns the fixed zone timestamps are rendered in.
func (d DiscordConfig) Location() *time.Location {
	if d.UTCZone == 0 {
		return time.UTC
	}
	return time.FixedZone(fmt.Sprintf("UTC%+d", d.UTCZone), d.UTCZone*3600)
}

func (d DiscordConfig) IsAdmin(userID string) bool {
	for _, id := range d.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Headers parses AdditionalHeader, a YAML list of "- key: value" lines.
func (l LLMConfig) Headers() (map[string]string, error) {
	raw, err := parseKeyValueList(l.AdditionalHeader)
	if err != nil {
		return nil, fmt.Errorf("parsing ADDITIONAL_HEADER: %w", err)
	}
	headers := make(map[string]string, len(raw))
	for k, v := range raw {
		headers[k] = fmt.Sprint(v)
	}
	return headers, nil
}

// BodyArgs parses BodyArgument the same way as Headers but keeps the
// YAML scalar types, so "temperature: 0.2" stays a number.
func (l LLMConfig) BodyArgs() (map[string]any, error) {
	raw, err := parseKeyValueList(l.BodyArgument)
	if err != nil {
		return nil, fmt.Errorf("parsing BODY_ARGUMENT: %w", err)
	}
	return raw, nil
}

func parseKeyValueList(s string) (map[string]any, error) {
	out := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}

	var list []map[string]any
	if err := yaml.Unmarshal([]byte(s), &list); err == nil {
		for _, item := range list {
			for k, v := range item {
				out[k] = v
			}
		}
		return out, nil
	}

	// Also accept a plain mapping without the leading dashes.
	if err := yaml.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
