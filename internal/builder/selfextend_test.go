package builder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harleycoops/deepagent/internal/loop"
	"github.com/harleycoops/deepagent/internal/model"
	"github.com/harleycoops/deepagent/internal/oracle"
	"github.com/harleycoops/deepagent/internal/sandbox"
	"github.com/harleycoops/deepagent/internal/tool"
)

// The agent hits a capability gap, builds an adapter mid-run, and uses
// the freshly deployed tool before finishing, all within one run.
func TestSelfExtension_WithinOneRun(t *testing.T) {
	provider := sandbox.NewFakeProvider()
	session, err := sandbox.Open(context.Background(), provider, model.SandboxConfig{
		TTLSec:            600,
		CommandTimeoutSec: 60,
	})
	require.NoError(t, err)
	defer session.Close(context.Background())

	registry := tool.NewRegistry()
	b := New(session, registry, nil, model.LogLevelError)
	for _, spec := range Tools(b) {
		require.NoError(t, registry.Register(spec))
	}

	forecastSchema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
		"required": []any{"city"},
	}

	o := oracle.NewScripted(
		oracle.ToolCallStep("create_adapter", map[string]any{
			"name":        "weather",
			"description": "weather lookups",
		}),
		oracle.ToolCallStep("add_adapter_tool", map[string]any{
			"adapter":          "weather",
			"tool_name":        "get_forecast",
			"description":      "fetch a forecast",
			"parameter_schema": forecastSchema,
			"implementation":   "echo sunny in {city}",
		}),
		oracle.ToolCallStep("test_adapter", map[string]any{
			"adapter": "weather",
			"samples": map[string]any{
				"get_forecast": []any{map[string]any{"city": "Tokyo"}},
			},
		}),
		oracle.ToolCallStep("deploy_adapter", map[string]any{"adapter": "weather"}),
		oracle.ToolCallStep("get_forecast", map[string]any{"city": "Tokyo"}),
		oracle.FinishStep("sunny in Tokyo"),
	)

	cfg := model.AgentConfig{MaxIterations: 25, OracleMaxRetries: 3, OracleRetryBackoffMs: 1}
	l := loop.New(o, registry, cfg, nil, model.LogLevelError)

	taskID, err := model.GenerateID(model.IDTypeTask)
	require.NoError(t, err)
	result, err := l.Run(context.Background(), model.Task{
		ID:          taskID,
		Description: "what is the weather in Tokyo",
	})
	require.NoError(t, err)
	assert.True(t, result.Finished)
	assert.Equal(t, "sunny in Tokyo", result.Answer)
	assert.Equal(t, 5, result.Iterations)

	// The deployed tool is part of the live registry for later runs too.
	_, err = registry.Lookup("get_forecast")
	assert.NoError(t, err)

	// The observation from the freshly deployed tool carried real output.
	requests := o.Requests()
	last := requests[5].Messages[len(requests[5].Messages)-1]
	assert.Equal(t, oracle.RoleTool, last.Role)
	assert.Contains(t, last.Content, "sunny in")
}
