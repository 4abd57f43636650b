// ThreadClaw - Discord thread and chat assistant
// License: MIT
//
// Copyright (c) 2026 ThreadClaw contributors

package providers

import (
	"encoding/json"

	"github.com/google/uuid"
)

// NormalizeToolCall fills in whichever of Name/Arguments and Function is
// missing so both views agree, and assigns an id to calls that arrived
// without one (custom grammar calls, some Gemini responses).
func NormalizeToolCall(tc ToolCall) ToolCall {
	normalized := tc

	if normalized.ID == "" {
		normalized.ID = NewToolCallID()
	}
	if normalized.Type == "" {
		normalized.Type = "function"
	}

	if normalized.Name == "" && normalized.Function != nil {
		normalized.Name = normalized.Function.Name
	}

	if normalized.Arguments == nil {
		normalized.Arguments = map[string]interface{}{}
	}

	if len(normalized.Arguments) == 0 && normalized.Function != nil && normalized.Function.Arguments != "" {
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(normalized.Function.Arguments), &parsed); err == nil && parsed != nil {
			normalized.Arguments = parsed
		}
	}

	argsJSON, _ := json.Marshal(normalized.Arguments)
	if normalized.Function == nil {
		normalized.Function = &FunctionCall{
			Name:      normalized.Name,
			Arguments: string(argsJSON),
		}
	} else {
		fn := *normalized.Function
		if fn.Name == "" {
			fn.Name = normalized.Name
		}
		if fn.Arguments == "" {
			fn.Arguments = string(argsJSON)
		}
		normalized.Function = &fn
		if normalized.Name == "" {
			normalized.Name = fn.Name
		}
	}

	return normalized
}

func NewToolCallID() string {
	return "call_" + uuid.NewString()
}
