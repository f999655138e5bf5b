package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/harleycoops/deepagent/internal/model"
)

// verifyMarker is echoed through the environment right after provisioning to
// prove the command channel works before any tool call depends on it.
const verifyMarker = "DEEPAGENT_SANDBOX_OK"

// Session owns one provisioned environment. All operations are single-flight
// against the handle: a mutex serializes them so no two calls can corrupt
// shared filesystem or process state.
type Session struct {
	mu       sync.Mutex
	provider Provider
	handle   Handle
	id       string
	deadline time.Time

	cmdTimeout time.Duration
	adapters   map[string]bool
	token      string

	closeOnce sync.Once
	closeErr  error
	closed    bool
}

// Open provisions a fresh environment and verifies its command channel.
// The caller must Close the session on all exit paths.
func Open(ctx context.Context, provider Provider, cfg model.SandboxConfig) (*Session, error) {
	id, err := model.GenerateID(model.IDTypeSession)
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	ttl := time.Duration(cfg.TTLSec) * time.Second
	handle, err := provider.Create(ctx, CreateOptions{
		TTL:      ttl,
		Adapters: cfg.Adapters,
	})
	if err != nil {
		var prov *model.ProvisioningError
		if errors.As(err, &prov) {
			return nil, err
		}
		return nil, &model.ProvisioningError{Reason: "create environment", Err: err}
	}

	s := &Session{
		provider:   provider,
		handle:     handle,
		id:         id,
		deadline:   time.Now().Add(ttl),
		cmdTimeout: time.Duration(cfg.CommandTimeoutSec) * time.Second,
		adapters:   make(map[string]bool, len(cfg.Adapters)),
	}
	for _, name := range cfg.Adapters {
		s.adapters[name] = true
	}

	if err := s.verifyCommandChannel(ctx); err != nil {
		s.Close(ctx)
		return nil, &model.ProvisioningError{Reason: "command channel verification", Err: err}
	}
	return s, nil
}

func (s *Session) verifyCommandChannel(ctx context.Context) error {
	result, err := s.RunCommand(ctx, "echo "+verifyMarker, 10*time.Second)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 || !strings.Contains(result.Stdout, verifyMarker) {
		return fmt.Errorf("unexpected verification output: exit=%d stdout=%q", result.ExitCode, result.Stdout)
	}
	return nil
}

// ID returns the local session identifier.
func (s *Session) ID() string { return s.id }

// ExpiresAt returns the environment's self-termination deadline.
func (s *Session) ExpiresAt() time.Time { return s.deadline }

// DefaultCommandTimeout is the per-command timeout applied when a caller
// passes zero.
func (s *Session) DefaultCommandTimeout() time.Duration { return s.cmdTimeout }

func (s *Session) guard() error {
	if s.closed {
		return fmt.Errorf("session %s is closed", s.id)
	}
	if time.Now().After(s.deadline) {
		return &model.SessionExpiredError{SessionID: s.id}
	}
	return nil
}

// RunCommand executes a shell command in the environment. A non-zero exit
// code is returned as data. Known ambiguous failure patterns are annotated
// with a structured hint so the oracle can self-correct.
func (s *Session) RunCommand(ctx context.Context, cmd string, timeout time.Duration) (CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(); err != nil {
		return CommandResult{}, err
	}
	if timeout <= 0 {
		timeout = s.cmdTimeout
	}

	result, err := s.provider.Run(ctx, s.handle, cmd, timeout)
	if err != nil {
		return CommandResult{}, err
	}
	annotateFootguns(&result)
	return result, nil
}

// annotateFootguns attaches hints for failures whose stdout alone is
// ambiguous about cause.
func annotateFootguns(result *CommandResult) {
	combined := result.Stdout + "\n" + result.Stderr
	lowered := strings.ToLower(combined)

	switch {
	case strings.Contains(combined, "ZeroDivisionError"),
		strings.Contains(lowered, "division by zero"):
		result.Hint = "division by zero: this often happens when computing ratios over an empty result set; check that the data source returned any rows before dividing"
	case result.ExitCode != 0 && (strings.Contains(lowered, "empty") || strings.Contains(lowered, "no data")):
		result.Hint = "empty dataset: verify the data source returned results and that credentials carry the required scopes"
	}
}

// ReadFile reads a file from the environment's filesystem.
func (s *Session) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.provider.ReadFile(ctx, s.handle, filePath)
}

// WriteFile writes a file, creating parent directories as needed.
func (s *Session) WriteFile(ctx context.Context, filePath string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(); err != nil {
		return err
	}

	dir := path.Dir(filePath)
	if dir != "." && dir != "/" {
		if _, err := s.provider.Run(ctx, s.handle, fmt.Sprintf("mkdir -p %q", dir), 10*time.Second); err != nil {
			return fmt.Errorf("create parent dir %s: %w", dir, err)
		}
	}
	return s.provider.WriteFile(ctx, s.handle, filePath, data)
}

// CallAdapter routes a call through the bearer-token-authenticated gateway.
// A rejected token is refreshed and retried exactly once, then surfaced.
func (s *Session) CallAdapter(ctx context.Context, adapter, operation string, args map[string]any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.guard(); err != nil {
		return nil, err
	}
	if !s.adapters[adapter] {
		return nil, &model.AdapterUnavailableError{Adapter: adapter}
	}

	if s.token == "" {
		if err := s.refreshToken(ctx); err != nil {
			return nil, err
		}
	}

	result, err := s.provider.CallAdapter(ctx, s.handle, s.token, adapter, operation, args)
	var auth *model.AuthenticationError
	if errors.As(err, &auth) {
		if err := s.refreshToken(ctx); err != nil {
			return nil, err
		}
		return s.provider.CallAdapter(ctx, s.handle, s.token, adapter, operation, args)
	}
	return result, err
}

func (s *Session) refreshToken(ctx context.Context) error {
	token, err := s.provider.AdapterToken(ctx, s.handle)
	if err != nil {
		return fmt.Errorf("refresh adapter token: %w", err)
	}
	s.token = token
	return nil
}

// HasAdapter reports whether the named adapter is bound to this session.
func (s *Session) HasAdapter(adapter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adapters[adapter]
}

// Close releases the environment. Idempotent; safe on every exit path.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.closeErr = s.provider.Kill(ctx, s.handle)
	})
	return s.closeErr
}
