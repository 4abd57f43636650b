package tools

import (
	"encoding/json"
	"fmt"
)

// ToolResult is what a tool hands back to the loop. ForLLM goes into the
// conversation.
type ToolResult struct {
	ForLLM  string
	IsError bool
	Err     error
}

func NewToolResult(forLLM string) *ToolResult {
	return &ToolResult{ForLLM: forLLM}
}

// JSONResult marshals v as the LLM-facing content.
func JSONResult(v any) *ToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrorResult(fmt.Sprintf("encoding result: %v", err)).WithError(err)
	}
	return &ToolResult{ForLLM: string(data)}
}

// ErrorResult reports a failure to the model as {"error": msg}.
func ErrorResult(msg string) *ToolResult {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return &ToolResult{ForLLM: string(data), IsError: true}
}

func (r *ToolResult) WithError(err error) *ToolResult {
	r.Err = err
	return r
}
