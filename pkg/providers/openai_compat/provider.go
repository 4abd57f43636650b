// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package openai_compat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/zhaopengme/threadclaw/pkg/logger"
	"github.com/zhaopengme/threadclaw/pkg/providers/protocoltypes"
)

type (
	ToolCall       = protocoltypes.ToolCall
	FunctionCall   = protocoltypes.FunctionCall
	LLMResponse    = protocoltypes.LLMResponse
	UsageInfo      = protocoltypes.UsageInfo
	Message        = protocoltypes.Message
	ToolDefinition = protocoltypes.ToolDefinition
)

const defaultBaseURL = "https://api.openai.com/v1"

type Options struct {
	APIKey string
	// BaseURL gets "/v1" appended unless it already ends in it. A trailing
	// "#" means the URL is the exact chat completions endpoint.
	BaseURL      string
	DefaultModel string
	Headers      map[string]string
	// BodyArgs are merged into every request body.
	BodyArgs   map[string]any
	HTTPClient *http.Client
}

type Provider struct {
	client       openai.Client
	defaultModel string
	bodyArgs     map[string]any
}

func NewProvider(opts Options) (*Provider, error) {
	base, exact, err := resolveEndpoint(opts.BaseURL)
	if err != nil {
		return nil, err
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithBaseURL(base),
	}
	if exact != nil {
		reqOpts = append(reqOpts, option.WithMiddleware(func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
			req.URL.Scheme = exact.Scheme
			req.URL.Host = exact.Host
			req.URL.Path = exact.Path
			req.Host = exact.Host
			return next(req)
		}))
	}
	for k, v := range opts.Headers {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}
	if opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(opts.HTTPClient))
	}

	return &Provider{
		client:       openai.NewClient(reqOpts...),
		defaultModel: opts.DefaultModel,
		bodyArgs:     opts.BodyArgs,
	}, nil
}

// resolveEndpoint returns the SDK base URL and, for "#"-terminated input,
// the exact endpoint every request is redirected to.
func resolveEndpoint(raw string) (string, *url.URL, error) {
	base := strings.TrimSpace(raw)
	if base == "" {
		return defaultBaseURL, nil, nil
	}

	if strings.HasSuffix(base, "#") {
		exact, err := url.Parse(strings.TrimSuffix(base, "#"))
		if err != nil {
			return "", nil, fmt.Errorf("invalid base url %q: %w", raw, err)
		}
		return exact.Scheme + "://" + exact.Host, exact, nil
	}

	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	if _, err := url.Parse(base); err != nil {
		return "", nil, fmt.Errorf("invalid base url %q: %w", raw, err)
	}
	return base, nil, nil
}

func (p *Provider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	if model == "" {
		model = p.defaultModel
	}
	params := buildParams(messages, tools, model, options)

	var reqOpts []option.RequestOption
	for k, v := range p.bodyArgs {
		if k == "stream" {
			continue
		}
		reqOpts = append(reqOpts, option.WithJSONSet(k, v))
	}

	logger.DebugCF("provider.openai", "Sending chat completion", map[string]any{
		"model":    model,
		"messages": len(messages),
		"tools":    len(tools),
	})

	resp, err := p.client.Chat.Completions.New(ctx, params, reqOpts...)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, protocoltypes.NewFailoverError("openai", model, apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}

	return parseResponse(resp)
}

func (p *Provider) GetDefaultModel() string {
	return p.defaultModel
}

func buildParams(messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) openai.ChatCompletionNewParams {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			out = append(out, openai.SystemMessage(msg.Text()))
		case "user":
			if msg.ToolCallID != "" {
				out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
			} else if len(msg.Parts) > 0 {
				out = append(out, openai.UserMessage(contentParts(msg)))
			} else {
				out = append(out, openai.UserMessage(msg.Content))
			}
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				out = append(out, assistantWithToolCalls(msg))
			} else {
				out = append(out, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: out,
	}
	if mt, ok := protocoltypes.IntOption(options, protocoltypes.OptMaxTokens); ok && mt > 0 {
		params.MaxTokens = openai.Int(int64(mt))
	}
	if temp, ok := protocoltypes.FloatOption(options, protocoltypes.OptTemperature); ok {
		params.Temperature = openai.Float(temp)
	}
	if stop := protocoltypes.StringsOption(options, protocoltypes.OptStop); len(stop) > 0 {
		params.Stop = openai.ChatCompletionNewParamsStopUnion{OfStringArray: stop}
	}
	if len(tools) > 0 {
		params.Tools = translateTools(tools)
	}
	return params
}

func contentParts(msg Message) []openai.ChatCompletionContentPartUnionParam {
	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Parts)+1)
	if msg.Content != "" {
		parts = append(parts, openai.TextContentPart(msg.Content))
	}
	for _, part := range msg.Parts {
		switch part.Type {
		case protocoltypes.PartText:
			parts = append(parts, openai.TextContentPart(part.Text))
		case protocoltypes.PartImage:
			u := part.ImageURL
			if len(part.Data) > 0 {
				mime := part.MIMEType
				if mime == "" {
					mime = "image/jpeg"
				}
				u = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(part.Data)
			}
			if u == "" {
				continue
			}
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: u}))
		}
	}
	return parts
}

func assistantWithToolCalls(msg Message) openai.ChatCompletionMessageParamUnion {
	calls := make([]openai.ChatCompletionMessageToolCallUnionParam, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		name := tc.Name
		args := ""
		if tc.Function != nil {
			if name == "" {
				name = tc.Function.Name
			}
			args = tc.Function.Arguments
		}
		if args == "" {
			b, _ := json.Marshal(tc.Arguments)
			args = string(b)
		}
		calls = append(calls, openai.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
				ID: tc.ID,
				Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      name,
					Arguments: args,
				},
			},
		})
	}

	assistant := &openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
	if msg.Content != "" {
		assistant.Content.OfString = openai.String(msg.Content)
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: assistant}
}

func translateTools(tools []ToolDefinition) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		def := shared.FunctionDefinitionParam{
			Name:       t.Function.Name,
			Parameters: shared.FunctionParameters(t.Function.Parameters),
		}
		if t.Function.Description != "" {
			def.Description = openai.String(t.Function.Description)
		}
		out = append(out, openai.ChatCompletionFunctionTool(def))
	}
	return out
}

func parseResponse(resp *openai.ChatCompletion) (*LLMResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai chat completion: response has no choices")
	}
	choice := resp.Choices[0]

	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		if tc.Type != "" && tc.Type != "function" {
			continue
		}
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				logger.WarnCF("provider.openai", "Failed to decode tool call arguments", map[string]any{
					"tool":  tc.Function.Name,
					"error": err.Error(),
				})
				args = map[string]interface{}{"raw": tc.Function.Arguments}
			}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Type:      "function",
			Name:      tc.Function.Name,
			Arguments: args,
			Function: &FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	finish := choice.FinishReason
	if finish == "" {
		finish = "stop"
	}

	return &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: finish,
		Usage: &UsageInfo{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}
