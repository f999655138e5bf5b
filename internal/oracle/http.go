package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/harleycoops/deepagent/internal/model"
)

// HTTPOracle talks to a chat-completion style reasoning service.
type HTTPOracle struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPOracle builds a client from config. The API key comes from the
// environment, never from the config file.
func NewHTTPOracle(cfg model.OracleConfig, apiKey string) *HTTPOracle {
	return &HTTPOracle{
		baseURL: cfg.BaseURL,
		apiKey:  apiKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
	}
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Propose sends the transcript and parses the reply into an Action.
// Transient failures (rate limits, 5xx, network) come back as plain
// errors the loop retries with backoff; a rejected credential comes back
// as AuthenticationError and is not retried here.
func (o *HTTPOracle) Propose(ctx context.Context, req *ProposeRequest) (Action, error) {
	messages := make([]Message, 0, len(req.Messages)+2)
	messages = append(messages, Message{Role: RoleSystem, Content: BuildSystemPrompt(req.Tools)})
	messages = append(messages, Message{Role: RoleUser, Content: req.TaskDescription})
	messages = append(messages, req.Messages...)

	payload, err := json.Marshal(chatRequest{Model: o.model, Messages: messages})
	if err != nil {
		return Action{}, fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Action{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	httpReq.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Action{}, fmt.Errorf("oracle request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return Action{}, fmt.Errorf("read oracle response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Action{}, &model.AuthenticationError{Operation: "propose"}
	case resp.StatusCode != http.StatusOK:
		return Action{}, fmt.Errorf("oracle returned status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var chat chatResponse
	if err := json.Unmarshal(body, &chat); err != nil {
		return Action{}, fmt.Errorf("decode oracle response: %w", err)
	}
	if chat.Error != nil {
		return Action{}, fmt.Errorf("oracle error: %s", chat.Error.Message)
	}
	if len(chat.Choices) == 0 {
		return Action{}, fmt.Errorf("oracle returned no choices")
	}

	return ParseAction([]byte(chat.Choices[0].Message.Content))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
