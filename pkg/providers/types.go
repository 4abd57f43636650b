package providers

import (
	"context"

	"github.com/zhaopengme/threadclaw/pkg/providers/protocoltypes"
)

type ToolCall = protocoltypes.ToolCall
type FunctionCall = protocoltypes.FunctionCall
type LLMResponse = protocoltypes.LLMResponse
type UsageInfo = protocoltypes.UsageInfo
type Message = protocoltypes.Message
type ContentPart = protocoltypes.ContentPart
type ToolDefinition = protocoltypes.ToolDefinition
type ToolFunctionDefinition = protocoltypes.ToolFunctionDefinition
type FailoverError = protocoltypes.FailoverError
type FailoverReason = protocoltypes.FailoverReason

const (
	PartText  = protocoltypes.PartText
	PartImage = protocoltypes.PartImage

	OptMaxTokens   = protocoltypes.OptMaxTokens
	OptTemperature = protocoltypes.OptTemperature
	OptStop        = protocoltypes.OptStop
)

type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}

// ProviderFunc adapts a function to LLMProvider. Tests use it for
// scripted models.
type ProviderFunc func(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error)

func (f ProviderFunc) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	return f(ctx, messages, tools, model, options)
}

func (f ProviderFunc) GetDefaultModel() string { return "" }
