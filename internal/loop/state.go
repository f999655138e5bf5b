package loop

import (
	"encoding/json"

	"github.com/harleycoops/deepagent/internal/oracle"
)

// AgentState is the working memory of one run. It is owned by exactly one
// in-flight run, mutated only by the loop, and discarded on termination.
type AgentState struct {
	Messages        []oracle.Message
	Iteration       int
	LastObservation string
}

func newAgentState() *AgentState {
	return &AgentState{}
}

// recordAction appends the oracle's proposal to the transcript.
func (s *AgentState) recordAction(action oracle.Action) {
	data, err := json.Marshal(action)
	if err != nil {
		return
	}
	s.Messages = append(s.Messages, oracle.Message{
		Role:    oracle.RoleAssistant,
		Content: string(data),
	})
}

// observe appends a tool result or synthetic error observation.
func (s *AgentState) observe(observation string) {
	s.LastObservation = observation
	s.Messages = append(s.Messages, oracle.Message{
		Role:    oracle.RoleTool,
		Content: observation,
	})
}
