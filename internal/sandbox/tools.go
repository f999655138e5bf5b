package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harleycoops/deepagent/internal/tool"
)

// BuiltinTools returns the bootstrap tool set bound to a session. This is
// the registry's initial contents for every run.
func BuiltinTools(s *Session) []*tool.Spec {
	return []*tool.Spec{
		executeCommandTool(s),
		readFileTool(s),
		writeFileTool(s),
		listDirectoryTool(s),
		installPackageTool(s),
		sandboxInfoTool(s),
		callAdapterTool(s),
	}
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	req := make([]any, len(required))
	for i, r := range required {
		req[i] = r
	}
	schema := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(req) > 0 {
		schema["required"] = req
	}
	return schema
}

func executeCommandTool(s *Session) *tool.Spec {
	return &tool.Spec{
		Name:        "execute_command",
		Description: "Execute a shell command in the sandbox. Returns stdout, stderr and exit_code as JSON; a non-zero exit code is not an error.",
		ParameterSchema: objectSchema(map[string]any{
			"command":     stringProp("The shell command to execute"),
			"timeout_sec": map[string]any{"type": "integer", "description": "Timeout in seconds (0 for the session default)", "minimum": 0},
		}, "command"),
		SideEffect: tool.SideEffectWrite,
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			cmd, _ := args["command"].(string)
			timeout := time.Duration(intArg(args, "timeout_sec")) * time.Second
			result, err := s.RunCommand(ctx, cmd, timeout)
			if err != nil {
				return "", err
			}
			return marshalResult(result)
		},
	}
}

func readFileTool(s *Session) *tool.Spec {
	return &tool.Spec{
		Name:        "read_file",
		Description: "Read a file from the sandbox filesystem.",
		ParameterSchema: objectSchema(map[string]any{
			"path": stringProp("Absolute path to the file"),
		}, "path"),
		SideEffect: tool.SideEffectRead,
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			p, _ := args["path"].(string)
			data, err := s.ReadFile(ctx, p)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}

func writeFileTool(s *Session) *tool.Spec {
	return &tool.Spec{
		Name:        "write_file",
		Description: "Write content to a file in the sandbox, creating parent directories as needed.",
		ParameterSchema: objectSchema(map[string]any{
			"path":    stringProp("Absolute path to write"),
			"content": stringProp("File content"),
		}, "path", "content"),
		SideEffect: tool.SideEffectWrite,
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			p, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if err := s.WriteFile(ctx, p, []byte(content)); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), p), nil
		},
	}
}

func listDirectoryTool(s *Session) *tool.Spec {
	return &tool.Spec{
		Name:        "list_directory",
		Description: "List the contents of a directory in the sandbox.",
		ParameterSchema: objectSchema(map[string]any{
			"path": stringProp("Directory path (defaults to /home/user)"),
		}),
		SideEffect: tool.SideEffectRead,
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			p, _ := args["path"].(string)
			if p == "" {
				p = "/home/user"
			}
			result, err := s.RunCommand(ctx, fmt.Sprintf("ls -la %q", p), 0)
			if err != nil {
				return "", err
			}
			return marshalResult(result)
		},
	}
}

func installPackageTool(s *Session) *tool.Spec {
	return &tool.Spec{
		Name:        "install_package",
		Description: "Install a Python (pip) or system (apt) package in the sandbox.",
		ParameterSchema: objectSchema(map[string]any{
			"package": stringProp("Package name to install"),
			"manager": map[string]any{
				"type":        "string",
				"enum":        []any{"pip", "apt"},
				"description": "Package manager to use (defaults to pip)",
			},
		}, "package"),
		SideEffect: tool.SideEffectWrite,
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			pkg, _ := args["package"].(string)
			manager, _ := args["manager"].(string)
			var cmd string
			if manager == "apt" {
				cmd = fmt.Sprintf("sudo apt-get update && sudo apt-get install -y %q", pkg)
			} else {
				cmd = fmt.Sprintf("pip install %q", pkg)
			}
			result, err := s.RunCommand(ctx, cmd, 300*time.Second)
			if err != nil {
				return "", err
			}
			return marshalResult(result)
		},
	}
}

func sandboxInfoTool(s *Session) *tool.Spec {
	return &tool.Spec{
		Name:            "sandbox_info",
		Description:     "Report information about the sandbox environment.",
		ParameterSchema: objectSchema(map[string]any{}),
		SideEffect:      tool.SideEffectRead,
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			result, err := s.RunCommand(ctx, "uname -a && pwd && whoami", 0)
			if err != nil {
				return "", err
			}
			info := map[string]any{
				"session_id":  s.ID(),
				"expires_at":  s.ExpiresAt().UTC().Format(time.RFC3339),
				"system_info": strings.TrimSpace(result.Stdout),
			}
			data, err := json.Marshal(info)
			if err != nil {
				return "", fmt.Errorf("marshal sandbox info: %w", err)
			}
			return string(data), nil
		},
	}
}

func callAdapterTool(s *Session) *tool.Spec {
	return &tool.Spec{
		Name:        "call_adapter",
		Description: "Call an operation on a configured external adapter through the session gateway.",
		ParameterSchema: objectSchema(map[string]any{
			"adapter":   stringProp("Adapter name, e.g. 'github' or 'notion'"),
			"operation": stringProp("Operation name advertised by the adapter"),
			"args": map[string]any{
				"type":        "object",
				"description": "Operation arguments",
			},
		}, "adapter", "operation"),
		SideEffect: tool.SideEffectExternal,
		Invoke: func(ctx context.Context, args map[string]any) (string, error) {
			adapter, _ := args["adapter"].(string)
			operation, _ := args["operation"].(string)
			opArgs, _ := args["args"].(map[string]any)
			result, err := s.CallAdapter(ctx, adapter, operation, opArgs)
			if err != nil {
				return "", err
			}
			return string(result), nil
		},
	}
}

func marshalResult(result CommandResult) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal command result: %w", err)
	}
	return string(data), nil
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
