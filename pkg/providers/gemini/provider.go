// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/zhaopengme/threadclaw/pkg/logger"
	"github.com/zhaopengme/threadclaw/pkg/providers/protocoltypes"
)

type (
	ToolCall       = protocoltypes.ToolCall
	LLMResponse    = protocoltypes.LLMResponse
	UsageInfo      = protocoltypes.UsageInfo
	Message        = protocoltypes.Message
	ToolDefinition = protocoltypes.ToolDefinition
)

type Options struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Headers      map[string]string
	// BodyArgs are merged into every request body.
	BodyArgs   map[string]any
	HTTPClient *http.Client
}

type Provider struct {
	client       *genai.Client
	defaultModel string
}

func NewProvider(ctx context.Context, opts Options) (*Provider, error) {
	httpOpts := genai.HTTPOptions{
		BaseURL: strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "#"),
	}
	if len(opts.BodyArgs) > 0 {
		httpOpts.ExtraBody = map[string]any{}
		for k, v := range opts.BodyArgs {
			if k != "stream" {
				httpOpts.ExtraBody[k] = v
			}
		}
	}
	if len(opts.Headers) > 0 {
		httpOpts.Headers = http.Header{}
		for k, v := range opts.Headers {
			httpOpts.Headers.Set(k, v)
		}
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      opts.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  opts.HTTPClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Provider{client: client, defaultModel: opts.DefaultModel}, nil
}

func (p *Provider) GetDefaultModel() string {
	return p.defaultModel
}

func (p *Provider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	if model == "" {
		model = p.defaultModel
	}
	contents, config := buildRequest(messages, tools, options)

	logger.DebugCF("provider.gemini", "Generating content", map[string]any{
		"model":    model,
		"contents": len(contents),
		"tools":    len(tools),
	})

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, protocoltypes.NewFailoverError("gemini", model, apiErr.Code, err)
		}
		return nil, fmt.Errorf("generateContent: %w", err)
	}
	return parseResponse(resp), nil
}

func buildRequest(messages []Message, tools []ToolDefinition, options map[string]interface{}) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	var system []*genai.Part
	var contents []*genai.Content

	// Function responses must carry the function name, which tool
	// messages only reference by call id.
	callNames := map[string]string{}

	add := func(role string, parts ...*genai.Part) {
		if len(parts) == 0 {
			return
		}
		if n := len(contents); n > 0 && contents[n-1].Role == role {
			contents[n-1].Parts = append(contents[n-1].Parts, parts...)
			return
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = append(system, genai.NewPartFromText(msg.Text()))
		case "user":
			if msg.ToolCallID != "" {
				add(genai.RoleUser, functionResponse(msg, callNames))
				continue
			}
			add(genai.RoleUser, userParts(msg)...)
		case "assistant":
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				callNames[tc.ID] = tc.Name
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Arguments},
				})
			}
			add(genai.RoleModel, parts...)
		case "tool":
			add(genai.RoleUser, functionResponse(msg, callNames))
		}
	}

	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{Parts: system}
	}
	if mt, ok := protocoltypes.IntOption(options, protocoltypes.OptMaxTokens); ok && mt > 0 {
		config.MaxOutputTokens = int32(mt)
	}
	if temp, ok := protocoltypes.FloatOption(options, protocoltypes.OptTemperature); ok {
		config.Temperature = genai.Ptr(float32(temp))
	}
	if stop := protocoltypes.StringsOption(options, protocoltypes.OptStop); len(stop) > 0 {
		config.StopSequences = stop
	}
	if len(tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, t := range tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 t.Function.Name,
				Description:          t.Function.Description,
				ParametersJsonSchema: t.Function.Parameters,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	return contents, config
}

func userParts(msg Message) []*genai.Part {
	var parts []*genai.Part
	if msg.Content != "" {
		parts = append(parts, genai.NewPartFromText(msg.Content))
	}
	for _, part := range msg.Parts {
		switch part.Type {
		case protocoltypes.PartText:
			if part.Text != "" {
				parts = append(parts, genai.NewPartFromText(part.Text))
			}
		case protocoltypes.PartImage:
			mime := part.MIMEType
			if mime == "" {
				mime = "image/jpeg"
			}
			switch {
			case len(part.Data) > 0:
				parts = append(parts, genai.NewPartFromBytes(part.Data, mime))
			case part.ImageURL != "":
				// The Gemini API only dereferences its own file URIs.
				parts = append(parts, genai.NewPartFromText("[image: "+part.ImageURL+"]"))
			}
		}
	}
	return parts
}

func functionResponse(msg Message, callNames map[string]string) *genai.Part {
	response := map[string]any{}
	if err := json.Unmarshal([]byte(msg.Content), &response); err != nil || len(response) == 0 {
		response = map[string]any{"result": msg.Content}
	}
	return &genai.Part{
		FunctionResponse: &genai.FunctionResponse{
			ID:       msg.ToolCallID,
			Name:     callNames[msg.ToolCallID],
			Response: response,
		},
	}
}

func parseResponse(resp *genai.GenerateContentResponse) *LLMResponse {
	out := &LLMResponse{FinishReason: "stop", Usage: &UsageInfo{}}

	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		var text strings.Builder
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
			if fc := part.FunctionCall; fc != nil {
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:        fc.ID,
					Type:      "function",
					Name:      fc.Name,
					Arguments: fc.Args,
				})
			}
		}
		out.Content = text.String()

		if resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
			out.FinishReason = "length"
		}
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = "tool_calls"
	}

	if u := resp.UsageMetadata; u != nil {
		out.Usage.PromptTokens = int(u.PromptTokenCount)
		out.Usage.CompletionTokens = int(u.CandidatesTokenCount)
		out.Usage.TotalTokens = int(u.TotalTokenCount)
	}
	return out
}
