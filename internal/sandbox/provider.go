// Package sandbox manages one isolated remote execution environment and
// proxies command, file, and external-adapter calls to it.
package sandbox

import (
	"context"
	"encoding/json"
	"time"
)

// Handle identifies one provisioned environment at the provider.
type Handle struct {
	ID string
}

// CreateOptions configures environment provisioning.
type CreateOptions struct {
	// TTL is the environment's time-to-live. The provider terminates the
	// environment after this regardless of in-flight calls.
	TTL time.Duration
	// Adapters names the external-service adapters to bind to the
	// environment's gateway.
	Adapters []string
	// Env is injected into the environment's process space.
	Env map[string]string
}

// CommandResult is the outcome of one command execution. A non-zero exit
// code is data, not an error.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	// Hint is a structured annotation attached when the output matches a
	// known failure pattern whose cause is ambiguous from stdout alone.
	Hint string `json:"hint,omitempty"`
}

// Provider is the remote execution provider boundary. Implementations map
// provider-level failures onto the error taxonomy: quota/auth failures at
// Create become ProvisioningError, rejected credentials become
// AuthenticationError, and calls against a dead environment become
// SessionExpiredError.
type Provider interface {
	Create(ctx context.Context, opts CreateOptions) (Handle, error)
	Run(ctx context.Context, h Handle, cmd string, timeout time.Duration) (CommandResult, error)
	ReadFile(ctx context.Context, h Handle, path string) ([]byte, error)
	WriteFile(ctx context.Context, h Handle, path string, data []byte) error
	// AdapterToken returns a short-lived bearer token scoped to the
	// environment's adapter gateway.
	AdapterToken(ctx context.Context, h Handle) (string, error)
	// CallAdapter routes one operation through the gateway using token.
	CallAdapter(ctx context.Context, h Handle, token, adapter, operation string, args map[string]any) (json.RawMessage, error)
	Kill(ctx context.Context, h Handle) error
}
