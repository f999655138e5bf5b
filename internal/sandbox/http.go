package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harleycoops/deepagent/internal/model"
)

// Every provider call carries a deadline so a stalled provider cannot
// wedge the loop. Command runs get the command's own timeout plus grace
// for the provider to report the result.
const (
	requestTimeout = 60 * time.Second
	commandGrace   = 15 * time.Second
)

// HTTPProvider talks to a remote sandbox provider over its REST API.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvider(baseURL, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (p *HTTPProvider) Create(ctx context.Context, opts CreateOptions) (Handle, error) {
	body := map[string]any{
		"ttl_sec":  int(opts.TTL / time.Second),
		"adapters": opts.Adapters,
		"env":      opts.Env,
	}

	var resp struct {
		SandboxID string `json:"sandbox_id"`
	}
	if err := p.do(ctx, requestTimeout, http.MethodPost, "/v1/sandboxes", "", body, &resp); err != nil {
		var auth *model.AuthenticationError
		if isStatus(err, http.StatusUnauthorized) || isStatus(err, http.StatusForbidden) {
			auth = &model.AuthenticationError{Operation: "create_sandbox"}
			return Handle{}, &model.ProvisioningError{Reason: "credential rejected", Err: auth}
		}
		return Handle{}, &model.ProvisioningError{Reason: "provider request failed", Err: err}
	}
	if resp.SandboxID == "" {
		return Handle{}, &model.ProvisioningError{Reason: "provider returned empty sandbox id"}
	}
	return Handle{ID: resp.SandboxID}, nil
}

func (p *HTTPProvider) Run(ctx context.Context, h Handle, cmd string, timeout time.Duration) (CommandResult, error) {
	body := map[string]any{
		"command":     cmd,
		"timeout_sec": int(timeout / time.Second),
	}

	var result CommandResult
	path := fmt.Sprintf("/v1/sandboxes/%s/commands", url.PathEscape(h.ID))
	if err := p.do(ctx, timeout+commandGrace, http.MethodPost, path, "", body, &result); err != nil {
		return CommandResult{}, p.mapHandleError(err, h, "run_command")
	}
	return result, nil
}

func (p *HTTPProvider) ReadFile(ctx context.Context, h Handle, filePath string) ([]byte, error) {
	path := fmt.Sprintf("/v1/sandboxes/%s/files?path=%s", url.PathEscape(h.ID), url.QueryEscape(filePath))
	data, err := p.doRaw(ctx, requestTimeout, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, p.mapHandleError(err, h, "read_file")
	}
	return data, nil
}

func (p *HTTPProvider) WriteFile(ctx context.Context, h Handle, filePath string, data []byte) error {
	path := fmt.Sprintf("/v1/sandboxes/%s/files?path=%s", url.PathEscape(h.ID), url.QueryEscape(filePath))
	if _, err := p.doRaw(ctx, requestTimeout, http.MethodPut, path, "", data); err != nil {
		return p.mapHandleError(err, h, "write_file")
	}
	return nil
}

func (p *HTTPProvider) AdapterToken(ctx context.Context, h Handle) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	path := fmt.Sprintf("/v1/sandboxes/%s/adapter-token", url.PathEscape(h.ID))
	if err := p.do(ctx, requestTimeout, http.MethodGet, path, "", nil, &resp); err != nil {
		return "", p.mapHandleError(err, h, "adapter_token")
	}
	return resp.Token, nil
}

func (p *HTTPProvider) CallAdapter(ctx context.Context, h Handle, token, adapter, operation string, args map[string]any) (json.RawMessage, error) {
	path := fmt.Sprintf("/v1/sandboxes/%s/adapters/%s/%s",
		url.PathEscape(h.ID), url.PathEscape(adapter), url.PathEscape(operation))
	data, err := p.doRaw(ctx, requestTimeout, http.MethodPost, path, token, mustJSON(args))
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, &model.AdapterUnavailableError{Adapter: adapter}
		}
		return nil, p.mapHandleError(err, h, "call_adapter")
	}
	return json.RawMessage(data), nil
}

func (p *HTTPProvider) Kill(ctx context.Context, h Handle) error {
	path := fmt.Sprintf("/v1/sandboxes/%s", url.PathEscape(h.ID))
	if _, err := p.doRaw(ctx, requestTimeout, http.MethodDelete, path, "", nil); err != nil {
		// Killing an already-expired environment is fine.
		if isStatus(err, http.StatusNotFound) || isStatus(err, http.StatusGone) {
			return nil
		}
		return fmt.Errorf("kill sandbox %s: %w", h.ID, err)
	}
	return nil
}

// statusError carries the HTTP status of a failed provider call.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.status, e.body)
}

func isStatus(err error, status int) bool {
	se, ok := err.(*statusError)
	return ok && se.status == status
}

// mapHandleError translates per-handle failures onto the taxonomy. A 404/410
// on an existing handle means the environment's TTL elapsed.
func (p *HTTPProvider) mapHandleError(err error, h Handle, operation string) error {
	switch {
	case isStatus(err, http.StatusUnauthorized), isStatus(err, http.StatusForbidden):
		return &model.AuthenticationError{Operation: operation}
	case isStatus(err, http.StatusNotFound), isStatus(err, http.StatusGone):
		return &model.SessionExpiredError{SessionID: h.ID}
	default:
		return fmt.Errorf("%s: %w", operation, err)
	}
}

// do issues a JSON request and decodes the JSON response into out.
func (p *HTTPProvider) do(ctx context.Context, timeout time.Duration, method, path, token string, body, out any) error {
	var payload []byte
	if body != nil {
		payload = mustJSON(body)
	}
	data, err := p.doRaw(ctx, timeout, method, path, token, payload)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode provider response: %w", err)
	}
	return nil
}

func (p *HTTPProvider) doRaw(ctx context.Context, timeout time.Duration, method, path, token string, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", p.apiKey)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &statusError{status: resp.StatusCode, body: truncate(string(data), 200)}
	}
	return data, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// All provider payloads are maps of JSON-safe values.
		panic(fmt.Sprintf("marshal provider payload: %v", err))
	}
	return data
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
