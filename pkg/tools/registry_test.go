package tools

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryDefinitionsSorted(t *testing.T) {
	r := NewToolRegistry(nil)
	r.Register(&echoTool{name: "webpage_context"})
	r.Register(&echoTool{name: "discord_tool"})
	r.Register(&echoTool{name: "internet_search"})

	assert.Equal(t, []string{"discord_tool", "internet_search", "webpage_context"}, r.List())
	defs := r.ToProviderDefs()
	require.Len(t, defs, 3)
	assert.Equal(t, "discord_tool", defs[0].Function.Name)
	assert.Equal(t, "function", defs[0].Type)
	assert.Equal(t, 3, r.Count())

	desc := r.Describe()
	assert.Contains(t, desc, "- internet_search: echoes its arguments\n  parameters: {")
}

func TestRegistryMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewToolRegistry(reg)
	r.Register(&echoTool{name: "echo"})

	r.Execute(t.Context(), "echo", map[string]interface{}{"a": 1})
	r.Execute(t.Context(), "echo", nil)
	res := r.Execute(t.Context(), "nope", nil)
	assert.True(t, res.IsError)

	assert.Equal(t, 2.0, counterValue(t, reg, "tool_executions_total", "echo", "ok"))
	assert.Equal(t, 1.0, counterValue(t, reg, "tool_executions_total", "nope", "not_found"))
}

type panickyTool struct{ echoTool }

func (p *panickyTool) Execute(_ context.Context, _ map[string]interface{}) *ToolResult {
	var seen map[string]bool
	seen["boom"] = true
	return nil
}

func TestRegistryRecoversToolPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewToolRegistry(reg)
	r.Register(&panickyTool{echoTool{name: "broken"}})

	var res *ToolResult
	require.NotPanics(t, func() { res = r.Execute(t.Context(), "broken", nil) })
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "assignment to entry in nil map")
	assert.Error(t, res.Err)
	assert.Equal(t, 1.0, counterValue(t, reg, "tool_executions_total", "broken", "error"))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, tool, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["tool"] == tool && labels["result"] == result {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestResultHelpers(t *testing.T) {
	res := ErrorResult(`bad "input"`)
	assert.True(t, res.IsError)
	assert.JSONEq(t, `{"error":"bad \"input\""}`, res.ForLLM)

	res = JSONResult(map[string]int{"n": 1})
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"n":1}`, res.ForLLM)

	res = JSONResult(func() {})
	assert.True(t, res.IsError)
	assert.Error(t, res.Err)
}
