package oracle

import (
	"context"
	"sync"
)

// Step is one scripted oracle turn.
type Step struct {
	Action Action
	Err    error
}

// Scripted replays a fixed sequence of proposals. When the script runs
// out it repeats the last step, which makes "always proposes another tool
// call" stubs trivial.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	cursor   int
	requests []*ProposeRequest
}

func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// ToolCallStep is a convenience constructor for a scripted tool call.
func ToolCallStep(tool string, args map[string]any) Step {
	return Step{Action: Action{Type: ActionToolCall, Tool: tool, Args: args}}
}

// FinishStep is a convenience constructor for a scripted finish.
func FinishStep(answer string) Step {
	return Step{Action: Action{Type: ActionFinish, Answer: answer}}
}

func (s *Scripted) Propose(ctx context.Context, req *ProposeRequest) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)

	if len(s.steps) == 0 {
		return Action{}, &MalformedProposalError{Reason: "scripted oracle has no steps"}
	}
	step := s.steps[s.cursor]
	if s.cursor < len(s.steps)-1 {
		s.cursor++
	}
	return step.Action, step.Err
}

// Requests returns every request seen, for assertions on the transcript.
func (s *Scripted) Requests() []*ProposeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ProposeRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many times Propose was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}
