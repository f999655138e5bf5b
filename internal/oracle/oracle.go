// Package oracle abstracts the reasoning service the planning loop
// consults. The engine treats it as an external, rate-limited, possibly
// non-deterministic collaborator behind a narrow propose interface.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harleycoops/deepagent/internal/tool"
)

// Message roles in the running transcript.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of the transcript handed to the oracle.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ActionType is what the oracle decided to do next.
type ActionType string

const (
	ActionToolCall ActionType = "tool_call"
	ActionFinish   ActionType = "finish"
)

// Action is the oracle's proposal for the next step.
type Action struct {
	Type   ActionType     `json:"action"`
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Answer string         `json:"answer,omitempty"`
}

// ProposeRequest carries everything the oracle needs to decide: the task,
// the tools currently visible, and the transcript so far.
type ProposeRequest struct {
	TaskDescription string
	Tools           []tool.Description
	Messages        []Message
}

// Oracle proposes the next action for a run.
type Oracle interface {
	Propose(ctx context.Context, req *ProposeRequest) (Action, error)
}

// MalformedProposalError marks a reply that reached us but does not
// follow the action protocol. The loop degrades these to an observation
// instead of retrying or aborting.
type MalformedProposalError struct {
	Reason string
}

func (e *MalformedProposalError) Error() string {
	return fmt.Sprintf("malformed proposal: %s", e.Reason)
}

// ParseAction decodes an oracle reply. Replies must be a single JSON
// object in the action protocol; anything else is a MalformedProposalError
// the caller degrades to an observation.
func ParseAction(raw []byte) (Action, error) {
	trimmed := strings.TrimSpace(string(raw))
	// Tolerate replies wrapped in a markdown code fence.
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	var action Action
	decoder := json.NewDecoder(strings.NewReader(trimmed))
	if err := decoder.Decode(&action); err != nil {
		return Action{}, &MalformedProposalError{Reason: fmt.Sprintf("not valid JSON: %v", err)}
	}

	switch action.Type {
	case ActionToolCall:
		if action.Tool == "" {
			return Action{}, &MalformedProposalError{Reason: "tool_call proposal missing tool name"}
		}
	case ActionFinish:
		if action.Answer == "" {
			return Action{}, &MalformedProposalError{Reason: "finish proposal missing answer"}
		}
	default:
		return Action{}, &MalformedProposalError{Reason: fmt.Sprintf("unknown action type %q", action.Type)}
	}
	return action, nil
}

// BuildSystemPrompt renders the instruction block describing the action
// protocol and the currently visible tools.
func BuildSystemPrompt(tools []tool.Description) string {
	var b strings.Builder
	b.WriteString("You are an autonomous engineering agent working inside a remote sandbox.\n")
	b.WriteString("On every turn reply with exactly one JSON object, nothing else.\n\n")
	b.WriteString("To invoke a tool:\n")
	b.WriteString(`  {"action": "tool_call", "tool": "<name>", "args": {...}}` + "\n")
	b.WriteString("To finish with a final answer:\n")
	b.WriteString(`  {"action": "finish", "answer": "<final answer>"}` + "\n\n")
	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s (%s): %s\n", t.Name, t.SideEffect, t.Description)
		if len(t.ParameterSchema) > 0 {
			if schema, err := json.Marshal(t.ParameterSchema); err == nil {
				fmt.Fprintf(&b, "  parameters: %s\n", schema)
			}
		}
	}
	return b.String()
}
