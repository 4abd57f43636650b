// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/zhaopengme/threadclaw/pkg/config"
	anthropicprovider "github.com/zhaopengme/threadclaw/pkg/providers/anthropic"
	"github.com/zhaopengme/threadclaw/pkg/providers/gemini"
	"github.com/zhaopengme/threadclaw/pkg/providers/openai_compat"
)

type providerType int

const (
	providerTypeOpenAI providerType = iota
	providerTypeGemini
	providerTypeAnthropic
)

func resolveProviderType(format string) (providerType, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "openai":
		return providerTypeOpenAI, nil
	case "gemini":
		return providerTypeGemini, nil
	case "anthropic", "claude":
		return providerTypeAnthropic, nil
	}
	return 0, fmt.Errorf("unsupported llm format %q", format)
}

// CreateProvider builds the backend selected by LLM_FORMAT. It returns the
// provider and the model id to request, with any trailing "#" removed.
func CreateProvider(ctx context.Context, cfg config.LLMConfig) (LLMProvider, string, error) {
	kind, err := resolveProviderType(cfg.Format)
	if err != nil {
		return nil, "", err
	}
	headers, err := cfg.Headers()
	if err != nil {
		return nil, "", err
	}
	bodyArgs, err := cfg.BodyArgs()
	if err != nil {
		return nil, "", err
	}
	model := strings.TrimSuffix(strings.TrimSpace(cfg.Model), "#")

	switch kind {
	case providerTypeGemini:
		p, err := gemini.NewProvider(ctx, gemini.Options{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: model,
			Headers:      headers,
			BodyArgs:     bodyArgs,
		})
		if err != nil {
			return nil, "", err
		}
		return p, model, nil
	case providerTypeAnthropic:
		return anthropicprovider.NewProvider(anthropicprovider.Options{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: model,
			Headers:      headers,
			BodyArgs:     bodyArgs,
		}), model, nil
	default:
		p, err := openai_compat.NewProvider(openai_compat.Options{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: model,
			Headers:      headers,
			BodyArgs:     bodyArgs,
		})
		if err != nil {
			return nil, "", err
		}
		return p, model, nil
	}
}
