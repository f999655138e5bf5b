package builder

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harleycoops/deepagent/internal/model"
	"github.com/harleycoops/deepagent/internal/sandbox"
	"github.com/harleycoops/deepagent/internal/tool"
)

func newTestBuilder(t *testing.T) (*Builder, *sandbox.FakeProvider, *tool.Registry) {
	t.Helper()
	provider := sandbox.NewFakeProvider()
	session, err := sandbox.Open(context.Background(), provider, model.SandboxConfig{
		TTLSec:            600,
		CommandTimeoutSec: 60,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	registry := tool.NewRegistry()
	return New(session, registry, nil, model.LogLevelError), provider, registry
}

func weatherSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"city": map[string]any{"type": "string"},
		},
		"required": []any{"city"},
	}
}

func TestScaffold(t *testing.T) {
	b, provider, _ := newTestBuilder(t)

	manifest, err := b.Scaffold(context.Background(), "weather", "weather lookups")
	require.NoError(t, err)
	assert.Equal(t, model.AdapterDraft, manifest.Status)
	assert.Equal(t, DefaultStorageRoot+"/weather", manifest.StoragePath)

	handleID := "sbx_0001"
	if _, ok := provider.FileContent(handleID, DefaultStorageRoot+"/weather/manifest.json"); !ok {
		t.Fatal("manifest not persisted")
	}
	readme, ok := provider.FileContent(handleID, DefaultStorageRoot+"/weather/README.md")
	require.True(t, ok, "readme scaffold missing")
	assert.Contains(t, string(readme), "weather")
}

func TestScaffold_DuplicateName(t *testing.T) {
	b, _, _ := newTestBuilder(t)

	_, err := b.Scaffold(context.Background(), "weather", "first")
	require.NoError(t, err)

	_, err = b.Scaffold(context.Background(), "weather", "second")
	var dup *model.DuplicateNameError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, "weather", dup.Name)
}

func TestScaffold_RejectsBadName(t *testing.T) {
	b, _, _ := newTestBuilder(t)

	for _, name := range []string{"", "Weather", "1weather", "we ather", "we-ather"} {
		_, err := b.Scaffold(context.Background(), name, "x")
		var schemaErr *model.SchemaError
		assert.True(t, errors.As(err, &schemaErr), "name %q should be rejected", name)
	}
}

func TestAddTool_StaticChecks(t *testing.T) {
	b, _, _ := newTestBuilder(t)
	_, err := b.Scaffold(context.Background(), "weather", "weather lookups")
	require.NoError(t, err)

	tests := []struct {
		name           string
		toolName       string
		schema         map[string]any
		implementation string
		wantErr        bool
	}{
		{
			name:           "valid tool",
			toolName:       "get_forecast",
			schema:         weatherSchema(),
			implementation: "curl -s 'https://wttr.in/{city}?format=3'",
		},
		{
			name:           "undeclared placeholder",
			toolName:       "get_forecast2",
			schema:         weatherSchema(),
			implementation: "curl -s 'https://wttr.in/{country}'",
			wantErr:        true,
		},
		{
			name:           "malformed schema",
			toolName:       "get_forecast3",
			schema:         map[string]any{"type": 12345},
			implementation: "echo hi",
			wantErr:        true,
		},
		{
			name:           "empty implementation",
			toolName:       "get_forecast4",
			schema:         weatherSchema(),
			implementation: "   ",
			wantErr:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.AddTool(context.Background(), "weather", tt.toolName, "d", tt.schema, tt.implementation)
			if tt.wantErr {
				var schemaErr *model.SchemaError
				assert.True(t, errors.As(err, &schemaErr), "expected SchemaError, got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTest_AllPassingValidates(t *testing.T) {
	b, _, _ := newTestBuilder(t)
	ctx := context.Background()

	_, err := b.Scaffold(ctx, "weather", "weather lookups")
	require.NoError(t, err)
	_, err = b.AddTool(ctx, "weather", "get_forecast", "fetch forecast", weatherSchema(), "echo forecast for {city}")
	require.NoError(t, err)

	report, err := b.Test(ctx, "weather", map[string][]map[string]any{
		"get_forecast": {{"city": "Tokyo"}},
	})
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Empty(t, report.Failures)

	manifest, err := b.loadManifest(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, model.AdapterValidated, manifest.Status)
}

func TestTest_RevalidatingIsIdempotent(t *testing.T) {
	b, _, _ := newTestBuilder(t)
	ctx := context.Background()

	_, err := b.Scaffold(ctx, "weather", "weather lookups")
	require.NoError(t, err)
	_, err = b.AddTool(ctx, "weather", "get_forecast", "fetch forecast", weatherSchema(), "echo forecast for {city}")
	require.NoError(t, err)

	samples := map[string][]map[string]any{
		"get_forecast": {{"city": "Tokyo"}},
	}
	report, err := b.Test(ctx, "weather", samples)
	require.NoError(t, err)
	require.True(t, report.Passed)

	report, err = b.Test(ctx, "weather", samples)
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Empty(t, report.Failures)

	manifest, err := b.loadManifest(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, model.AdapterValidated, manifest.Status)
}

func TestTest_FailureKeepsDraft(t *testing.T) {
	b, provider, _ := newTestBuilder(t)
	ctx := context.Background()

	_, err := b.Scaffold(ctx, "weather", "weather lookups")
	require.NoError(t, err)
	_, err = b.AddTool(ctx, "weather", "get_forecast", "fetch forecast", weatherSchema(), "fetch-forecast {city}")
	require.NoError(t, err)

	provider.RunFunc = func(cmd string) (sandbox.CommandResult, error) {
		if strings.Contains(cmd, "fetch-forecast") {
			return sandbox.CommandResult{Stderr: "fetch-forecast: command not found", ExitCode: 127}, nil
		}
		return sandbox.CommandResult{}, nil
	}

	report, err := b.Test(ctx, "weather", nil)
	require.NoError(t, err)
	assert.False(t, report.Passed)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "get_forecast", report.Failures[0].Tool)
	assert.Contains(t, report.Failures[0].Reason, "command not found")

	provider.RunFunc = nil
	manifest, err := b.loadManifest(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, model.AdapterDraft, manifest.Status, "failed test must never validate")
}

func TestDeploy_RequiresValidated(t *testing.T) {
	b, _, registry := newTestBuilder(t)
	ctx := context.Background()

	_, err := b.Scaffold(ctx, "weather", "weather lookups")
	require.NoError(t, err)
	_, err = b.AddTool(ctx, "weather", "get_forecast", "fetch forecast", weatherSchema(), "echo {city}")
	require.NoError(t, err)

	err = b.Deploy(ctx, "weather")
	var notValidated *model.NotValidatedError
	require.True(t, errors.As(err, &notValidated))
	assert.Equal(t, model.AdapterDraft, notValidated.Status)
	assert.Equal(t, 0, registry.Len(), "nothing may reach the registry before validation")
}

func TestDeploy_RegistersToolsAndIsIdempotent(t *testing.T) {
	b, _, registry := newTestBuilder(t)
	ctx := context.Background()

	_, err := b.Scaffold(ctx, "weather", "weather lookups")
	require.NoError(t, err)
	_, err = b.AddTool(ctx, "weather", "get_forecast", "fetch forecast", weatherSchema(), "echo forecast for {city}")
	require.NoError(t, err)

	report, err := b.Test(ctx, "weather", nil)
	require.NoError(t, err)
	require.True(t, report.Passed)

	require.NoError(t, b.Deploy(ctx, "weather"))
	assert.Equal(t, 1, registry.Len())

	manifest, err := b.loadManifest(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, model.AdapterDeployed, manifest.Status)

	// Re-validating and re-deploying the same adapter must not error.
	_, err = b.AddTool(ctx, "weather", "get_forecast", "fetch forecast", weatherSchema(), "echo forecast for {city}")
	require.NoError(t, err)
	report, err = b.Test(ctx, "weather", nil)
	require.NoError(t, err)
	require.True(t, report.Passed)
	require.NoError(t, b.Deploy(ctx, "weather"))
	assert.Equal(t, 1, registry.Len())
}

func TestAddTool_AfterDeployForcesDraft(t *testing.T) {
	b, _, _ := newTestBuilder(t)
	ctx := context.Background()

	_, err := b.Scaffold(ctx, "weather", "weather lookups")
	require.NoError(t, err)
	_, err = b.AddTool(ctx, "weather", "get_forecast", "fetch forecast", weatherSchema(), "echo {city}")
	require.NoError(t, err)
	_, err = b.Test(ctx, "weather", nil)
	require.NoError(t, err)
	require.NoError(t, b.Deploy(ctx, "weather"))

	manifest, err := b.AddTool(ctx, "weather", "get_alerts", "fetch alerts", weatherSchema(), "echo alerts for {city}")
	require.NoError(t, err)
	assert.Equal(t, model.AdapterDraft, manifest.Status, "mutation invalidates prior validation")

	err = b.Deploy(ctx, "weather")
	var notValidated *model.NotValidatedError
	require.True(t, errors.As(err, &notValidated))
}

func TestList_OrderedSummaries(t *testing.T) {
	b, _, _ := newTestBuilder(t)
	ctx := context.Background()

	for _, name := range []string{"notion", "weather", "github"} {
		_, err := b.Scaffold(ctx, name, name+" integration")
		require.NoError(t, err)
	}
	_, err := b.AddTool(ctx, "weather", "get_forecast", "d", weatherSchema(), "echo {city}")
	require.NoError(t, err)

	summaries, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 3)
	assert.Equal(t, []string{"github", "notion", "weather"},
		[]string{summaries[0].Name, summaries[1].Name, summaries[2].Name})
	assert.Equal(t, 1, summaries[2].ToolCount)
}

func TestRenderCommand_QuotesArguments(t *testing.T) {
	cmd := renderCommand("echo {message}", map[string]any{"message": "hello; rm -rf /"})
	assert.Equal(t, "echo 'hello; rm -rf /'", cmd)

	cmd = renderCommand("echo {message}", map[string]any{"message": "it's"})
	assert.Equal(t, `echo 'it'\''s'`, cmd)
}
