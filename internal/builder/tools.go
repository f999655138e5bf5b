package builder

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harleycoops/deepagent/internal/tool"
)

// Tools exposes the builder's operations to the planning loop, so the
// agent can grow its own tool set mid-run.
func Tools(b *Builder) []*tool.Spec {
	return []*tool.Spec{
		scaffoldTool(b),
		addToolTool(b),
		testTool(b),
		deployTool(b),
		listTool(b),
	}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		reqs := make([]any, len(required))
		for i, r := range required {
			reqs[i] = r
		}
		schema["required"] = reqs
	}
	return schema
}

func scaffoldTool(b *Builder) *tool.Spec {
	return &tool.Spec{
		Name:        "create_adapter",
		Description: "Scaffold a new adapter server in draft status. Use when no existing tool covers a needed external capability.",
		ParameterSchema: objectSchema(map[string]any{
			"name":        stringProp("Adapter name (lowercase, underscores)"),
			"description": stringProp("What the adapter integrates with"),
		}, "name", "description"),
		SideEffect: tool.SideEffectWrite,
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			name, _ := args["name"].(string)
			description, _ := args["description"].(string)
			manifest, err := b.Scaffold(ctx, name, description)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("created adapter %s in %s status at %s", manifest.Name, manifest.Status, manifest.StoragePath), nil
		},
	}
}

func addToolTool(b *Builder) *tool.Spec {
	return &tool.Spec{
		Name:        "add_adapter_tool",
		Description: "Declare a tool on a draft adapter. The implementation is a shell command template; reference parameters as {param}.",
		ParameterSchema: objectSchema(map[string]any{
			"adapter":          stringProp("Adapter name"),
			"tool_name":        stringProp("Tool name (lowercase, underscores)"),
			"description":      stringProp("What the tool does"),
			"parameter_schema": map[string]any{"type": "object", "description": "JSON Schema for the tool arguments"},
			"implementation":   stringProp("Command template executed in the sandbox"),
		}, "adapter", "tool_name", "description", "parameter_schema", "implementation"),
		SideEffect: tool.SideEffectWrite,
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			adapter, _ := args["adapter"].(string)
			toolName, _ := args["tool_name"].(string)
			description, _ := args["description"].(string)
			schema, _ := args["parameter_schema"].(map[string]any)
			implementation, _ := args["implementation"].(string)

			manifest, err := b.AddTool(ctx, adapter, toolName, description, schema, implementation)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("adapter %s now declares %d tools (status %s)", manifest.Name, len(manifest.Tools), manifest.Status), nil
		},
	}
}

func testTool(b *Builder) *tool.Spec {
	return &tool.Spec{
		Name:        "test_adapter",
		Description: "Validate every declared tool of an adapter against sample invocations. Required before deploy.",
		ParameterSchema: objectSchema(map[string]any{
			"adapter": stringProp("Adapter name"),
			"samples": map[string]any{
				"type":        "object",
				"description": "Optional map of tool name to an array of sample argument objects",
			},
		}, "adapter"),
		SideEffect: tool.SideEffectWrite,
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			adapter, _ := args["adapter"].(string)
			samples := decodeSamples(args["samples"])

			report, err := b.Test(ctx, adapter, samples)
			if err != nil {
				return "", err
			}
			data, err := json.Marshal(report)
			if err != nil {
				return "", fmt.Errorf("marshal test report: %w", err)
			}
			return string(data), nil
		},
	}
}

func deployTool(b *Builder) *tool.Spec {
	return &tool.Spec{
		Name:        "deploy_adapter",
		Description: "Register a validated adapter's tools into the live registry. They become callable on the next planning step.",
		ParameterSchema: objectSchema(map[string]any{
			"adapter": stringProp("Adapter name"),
		}, "adapter"),
		SideEffect: tool.SideEffectWrite,
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			adapter, _ := args["adapter"].(string)
			if err := b.Deploy(ctx, adapter); err != nil {
				return "", err
			}
			return fmt.Sprintf("adapter %s deployed", adapter), nil
		},
	}
}

func listTool(b *Builder) *tool.Spec {
	return &tool.Spec{
		Name:            "list_adapters",
		Description:     "List every adapter server with its status and tool count.",
		ParameterSchema: objectSchema(map[string]any{}),
		SideEffect:      tool.SideEffectRead,
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			summaries, err := b.List(ctx)
			if err != nil {
				return "", err
			}
			data, err := json.Marshal(summaries)
			if err != nil {
				return "", fmt.Errorf("marshal adapter list: %w", err)
			}
			return string(data), nil
		},
	}
}

// decodeSamples converts the loosely typed samples argument into the
// builder's shape, dropping anything that does not fit.
func decodeSamples(raw any) map[string][]map[string]any {
	samples := map[string][]map[string]any{}
	byTool, ok := raw.(map[string]any)
	if !ok {
		return samples
	}
	for toolName, entries := range byTool {
		list, ok := entries.([]any)
		if !ok {
			continue
		}
		for _, entry := range list {
			if args, ok := entry.(map[string]any); ok {
				samples[toolName] = append(samples[toolName], args)
			}
		}
	}
	return samples
}
