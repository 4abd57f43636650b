package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhaopengme/threadclaw/pkg/config"
	anthropicprovider "github.com/zhaopengme/threadclaw/pkg/providers/anthropic"
	"github.com/zhaopengme/threadclaw/pkg/providers/gemini"
	"github.com/zhaopengme/threadclaw/pkg/providers/openai_compat"
)

func TestCreateProvider(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LLMConfig
		wantModel string
		check     func(t *testing.T, p LLMProvider)
		wantErr   bool
	}{
		{
			name:      "openai is the default",
			cfg:       config.LLMConfig{Model: "gpt-4o-mini", APIKey: "k"},
			wantModel: "gpt-4o-mini",
			check: func(t *testing.T, p LLMProvider) {
				assert.IsType(t, &openai_compat.Provider{}, p)
			},
		},
		{
			name:      "trailing hash is stripped from the model",
			cfg:       config.LLMConfig{Format: "openai", Model: "vendor/model#", BaseURL: "https://gw.example/chat#"},
			wantModel: "vendor/model",
		},
		{
			name:      "anthropic",
			cfg:       config.LLMConfig{Format: "anthropic", Model: "claude-sonnet", APIKey: "k"},
			wantModel: "claude-sonnet",
			check: func(t *testing.T, p LLMProvider) {
				assert.IsType(t, &anthropicprovider.Provider{}, p)
			},
		},
		{
			name:      "gemini",
			cfg:       config.LLMConfig{Format: "Gemini", Model: "gemini-2.5-flash", APIKey: "k"},
			wantModel: "gemini-2.5-flash",
			check: func(t *testing.T, p LLMProvider) {
				assert.IsType(t, &gemini.Provider{}, p)
			},
		},
		{
			name:    "unknown format",
			cfg:     config.LLMConfig{Format: "cohere", Model: "m"},
			wantErr: true,
		},
		{
			name:    "bad header list",
			cfg:     config.LLMConfig{Model: "m", AdditionalHeader: "- [unclosed"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, model, err := CreateProvider(t.Context(), tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantModel, model)
			assert.Equal(t, tt.wantModel, p.GetDefaultModel())
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}
