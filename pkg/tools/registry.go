package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhaopengme/threadclaw/pkg/logger"
	"github.com/zhaopengme/threadclaw/pkg/providers"
)

type ToolRegistry struct {
	tools   map[string]Tool
	mu      sync.RWMutex
	metrics *registryMetrics
}

type registryMetrics struct {
	executions *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewToolRegistry creates an empty registry. Execution metrics are
// registered on registry when it is non-nil.
func NewToolRegistry(registry *prometheus.Registry) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	if registry != nil {
		r.metrics = &registryMetrics{
			executions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "tool_executions_total",
				Help: "Total number of tool executions by tool and outcome",
			}, []string{"tool", "result"}),
			duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "tool_execution_duration_seconds",
				Help:    "Duration of tool executions",
				Buckets: prometheus.DefBuckets,
			}, []string{"tool"}),
		}
		registry.MustRegister(r.metrics.executions, r.metrics.duration)
	}
	return r
}

func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) *ToolResult {
	logger.InfoCF("tool", "Tool execution started",
		map[string]any{
			"tool": name,
			"args": args,
		})

	tool, ok := r.Get(name)
	if !ok {
		logger.ErrorCF("tool", "Tool not found",
			map[string]any{
				"tool": name,
			})
		r.observe(name, "not_found", 0)
		return ErrorResult(fmt.Sprintf("tool %q not found", name)).WithError(fmt.Errorf("tool not found"))
	}

	start := time.Now()
	result := run(ctx, tool, args)
	duration := time.Since(start)
	if result == nil {
		result = ErrorResult("tool returned no result")
	}

	if result.IsError {
		logger.ErrorCF("tool", "Tool execution failed",
			map[string]any{
				"tool":     name,
				"duration": duration.Milliseconds(),
				"error":    result.ForLLM,
			})
		r.observe(name, "error", duration)
	} else {
		logger.InfoCF("tool", "Tool execution completed",
			map[string]any{
				"tool":          name,
				"duration_ms":   duration.Milliseconds(),
				"result_length": len(result.ForLLM),
			})
		r.observe(name, "ok", duration)
	}

	return result
}

// run executes the tool and turns a panic into an error result, so one
// broken tool fails its call instead of the process.
func run(ctx context.Context, tool Tool, args map[string]interface{}) (result *ToolResult) {
	defer func() {
		if p := recover(); p != nil {
			logger.ErrorCF("tool", "Tool panicked",
				map[string]any{
					"tool":  tool.Name(),
					"panic": fmt.Sprint(p),
					"stack": string(debug.Stack()),
				})
			result = ErrorResult(fmt.Sprintf("tool %q crashed: %v", tool.Name(), p)).
				WithError(fmt.Errorf("tool %s panicked: %v", tool.Name(), p))
		}
	}()
	return tool.Execute(ctx, args)
}

func (r *ToolRegistry) observe(name, outcome string, d time.Duration) {
	if r.metrics == nil {
		return
	}
	r.metrics.executions.WithLabelValues(name, outcome).Inc()
	if outcome != "not_found" {
		r.metrics.duration.WithLabelValues(name).Observe(d.Seconds())
	}
}

func (r *ToolRegistry) sorted() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		list = append(list, tool)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return list
}

// ToProviderDefs converts tool definitions to provider-compatible format,
// sorted by name.
func (r *ToolRegistry) ToProviderDefs() []providers.ToolDefinition {
	list := r.sorted()
	definitions := make([]providers.ToolDefinition, 0, len(list))
	for _, tool := range list {
		definitions = append(definitions, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}
	return definitions
}

// Describe renders every tool with its parameter schema, for models that
// call tools through the text grammar instead of native function calling.
func (r *ToolRegistry) Describe() string {
	var sb strings.Builder
	for _, tool := range r.sorted() {
		params, _ := json.Marshal(tool.Parameters())
		fmt.Fprintf(&sb, "- %s: %s\n  parameters: %s\n", tool.Name(), strings.TrimSpace(tool.Description()), params)
	}
	return sb.String()
}

// List returns the registered tool names in sorted order.
func (r *ToolRegistry) List() []string {
	list := r.sorted()
	names := make([]string, 0, len(list))
	for _, tool := range list {
		names = append(names, tool.Name())
	}
	return names
}

func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
