// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zhaopengme/threadclaw/pkg/logger"
	"github.com/zhaopengme/threadclaw/pkg/providers"
	"github.com/zhaopengme/threadclaw/pkg/toolcall"
	"github.com/zhaopengme/threadclaw/pkg/utils"
)

const (
	DefaultMaxIterations = 8
	// LimitReachedText replaces the reply when the model is still asking
	// for tools after the last allowed round.
	LimitReachedText = "(tool loop limit reached, please try again)"
)

// ToolLoopConfig configures the tool execution loop.
type ToolLoopConfig struct {
	Provider      providers.LLMProvider
	Model         string
	Tools         *ToolRegistry
	MaxIterations int
	LLMOptions    map[string]any
	// TextGrammar makes the model call tools with tagged text instead of
	// provider function calling.
	TextGrammar bool
}

// ToolLoopResult contains the result of running the tool loop.
type ToolLoopResult struct {
	Content      string
	Iterations   int
	Usage        providers.UsageInfo
	LimitReached bool
}

// RunToolLoop calls the model until it answers without requesting a tool,
// executing requested tools between rounds.
func RunToolLoop(ctx context.Context, config ToolLoopConfig, messages []providers.Message) (*ToolLoopResult, error) {
	maxIterations := config.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	var providerToolDefs []providers.ToolDefinition
	if config.Tools != nil && !config.TextGrammar {
		providerToolDefs = config.Tools.ToProviderDefs()
	}
	llmOpts := make(map[string]any, len(config.LLMOptions)+1)
	for k, v := range config.LLMOptions {
		llmOpts[k] = v
	}
	if config.TextGrammar {
		llmOpts[providers.OptStop] = []string{toolcall.ReplyEnd, toolcall.EndTag}
	}

	result := &ToolLoopResult{}
	for result.Iterations < maxIterations {
		result.Iterations++

		logger.DebugCF("toolloop", "LLM iteration",
			map[string]any{
				"iteration": result.Iterations,
				"max":       maxIterations,
			})

		response, err := config.Provider.Chat(ctx, messages, providerToolDefs, config.Model, llmOpts)
		if err != nil {
			logger.ErrorCF("toolloop", "LLM call failed",
				map[string]any{
					"iteration": result.Iterations,
					"error":     err.Error(),
				})
			return nil, fmt.Errorf("LLM call failed: %w", err)
		}
		if response.Usage != nil {
			result.Usage.PromptTokens += response.Usage.PromptTokens
			result.Usage.CompletionTokens += response.Usage.CompletionTokens
			result.Usage.TotalTokens += response.Usage.TotalTokens
		}

		switch {
		case len(response.ToolCalls) > 0:
			messages = runNativeCalls(ctx, config.Tools, messages, response, result.Iterations)
		case config.TextGrammar:
			spans, _ := toolcall.Extract(response.Content)
			if len(spans) == 0 {
				result.Content = toolcall.StripReply(response.Content)
				return result, nil
			}
			messages = runTextCalls(ctx, config.Tools, messages, response.Content, spans, result.Iterations)
		default:
			result.Content = response.Content
			logger.InfoCF("toolloop", "LLM response without tool calls (direct answer)",
				map[string]any{
					"iteration":     result.Iterations,
					"content_chars": len(result.Content),
				})
			return result, nil
		}
	}

	logger.WarnCF("toolloop", "Tool loop limit reached",
		map[string]any{
			"iterations": result.Iterations,
		})
	result.Content = LimitReachedText
	result.LimitReached = true
	return result, nil
}

func runNativeCalls(ctx context.Context, registry *ToolRegistry, messages []providers.Message, response *providers.LLMResponse, iteration int) []providers.Message {
	normalized := make([]providers.ToolCall, 0, len(response.ToolCalls))
	toolNames := make([]string, 0, len(response.ToolCalls))
	for _, tc := range response.ToolCalls {
		tc = providers.NormalizeToolCall(tc)
		normalized = append(normalized, tc)
		toolNames = append(toolNames, tc.Name)
	}
	logger.InfoCF("toolloop", "LLM requested tool calls",
		map[string]any{
			"tools":     toolNames,
			"count":     len(normalized),
			"iteration": iteration,
		})

	messages = append(messages, providers.Message{
		Role:      "assistant",
		Content:   response.Content,
		ToolCalls: normalized,
	})

	for _, tc := range normalized {
		toolResult := execute(ctx, registry, tc.Name, tc.Arguments, iteration)
		messages = append(messages, providers.Message{
			Role:       "tool",
			Content:    contentForLLM(toolResult),
			ToolCallID: tc.ID,
		})
	}
	return messages
}

// runTextCalls executes tagged calls and feeds every result, or the
// parser's diagnostic, back as a single user turn.
func runTextCalls(ctx context.Context, registry *ToolRegistry, messages []providers.Message, content string, spans []toolcall.Span, iteration int) []providers.Message {
	assistant := content
	if !strings.Contains(assistant, toolcall.EndTag) {
		// The stop sequence swallowed the closing tag.
		assistant += toolcall.EndTag
	}
	messages = append(messages, providers.Message{Role: "assistant", Content: assistant})

	var feedback strings.Builder
	for i, span := range spans {
		if i > 0 {
			feedback.WriteString("\n\n")
		}
		call, err := toolcall.Parse(span.Body)
		if err != nil {
			logger.WarnCF("toolloop", "Tool call parse error",
				map[string]any{
					"iteration": iteration,
					"error":     err.Error(),
				})
			fmt.Fprintf(&feedback, "Tool call parse error:\n%s\nPlease fix the call and try again.", err.Error())
			continue
		}
		toolResult := execute(ctx, registry, call.Name, call.Args, iteration)
		fmt.Fprintf(&feedback, "Tool result for %s:\n%s", call.Name, contentForLLM(toolResult))
	}

	return append(messages, providers.Message{Role: "user", Content: feedback.String()})
}

func execute(ctx context.Context, registry *ToolRegistry, name string, args map[string]any, iteration int) *ToolResult {
	argsJSON, _ := json.Marshal(args)
	logger.InfoCF("toolloop", fmt.Sprintf("Tool call: %s(%s)", name, utils.Truncate(string(argsJSON), 200)),
		map[string]any{
			"tool":      name,
			"iteration": iteration,
		})
	if registry == nil {
		return ErrorResult("no tools available")
	}
	return registry.Execute(ctx, name, args)
}

func contentForLLM(r *ToolResult) string {
	if r.ForLLM == "" && r.Err != nil {
		return r.Err.Error()
	}
	return r.ForLLM
}
