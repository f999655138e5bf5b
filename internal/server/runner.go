package server

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/harleycoops/deepagent/internal/builder"
	"github.com/harleycoops/deepagent/internal/events"
	"github.com/harleycoops/deepagent/internal/loop"
	"github.com/harleycoops/deepagent/internal/model"
	"github.com/harleycoops/deepagent/internal/oracle"
	"github.com/harleycoops/deepagent/internal/sandbox"
	"github.com/harleycoops/deepagent/internal/tool"
)

// Environment variables carrying credentials. They never live in the
// config file.
const (
	EnvOracleAPIKey  = "DEEPAGENT_ORACLE_API_KEY"
	EnvSandboxAPIKey = "DEEPAGENT_SANDBOX_API_KEY"
)

// Runner executes one task end to end. The server keeps one alive across
// tasks and replaces it when it reports unhealthy.
type Runner interface {
	Run(ctx context.Context, task model.Task) (loop.Result, error)
	Close(ctx context.Context) error
}

// RunnerFactory builds a Runner. Swapped for a stub in tests.
type RunnerFactory func(ctx context.Context) (Runner, error)

// engineRunner is a live SandboxSession/PlanningLoop pair with the
// builtin and builder tools registered.
type engineRunner struct {
	session *sandbox.Session
	loop    *loop.Loop
}

// NewEngineRunner provisions a sandbox session and wires the full tool
// set: sandbox builtins plus the self-extension builder tools.
func NewEngineRunner(ctx context.Context, cfg model.Config, logger *log.Logger, logLevel model.LogLevel, eventLog *events.Log, bus *events.Bus) (Runner, error) {
	oracleKey := os.Getenv(EnvOracleAPIKey)
	if oracleKey == "" {
		return nil, fmt.Errorf("%s is not set", EnvOracleAPIKey)
	}

	provider := sandbox.NewHTTPProvider(cfg.Sandbox.BaseURL, os.Getenv(EnvSandboxAPIKey))
	session, err := sandbox.Open(ctx, provider, cfg.Sandbox)
	if err != nil {
		return nil, err
	}

	registry := tool.NewRegistry()
	for _, spec := range sandbox.BuiltinTools(session) {
		if err := registry.Register(spec); err != nil {
			_ = session.Close(ctx)
			return nil, fmt.Errorf("register builtin %s: %w", spec.Name, err)
		}
	}

	b := builder.New(session, registry, logger, logLevel)
	b.SetEventLog(eventLog)
	b.SetBus(bus)
	for _, spec := range builder.Tools(b) {
		if err := registry.Register(spec); err != nil {
			_ = session.Close(ctx)
			return nil, fmt.Errorf("register builder tool %s: %w", spec.Name, err)
		}
	}

	o := oracle.NewHTTPOracle(cfg.Oracle, oracleKey)
	l := loop.New(o, registry, cfg.Agent, logger, logLevel)
	l.SetEventLog(eventLog)

	return &engineRunner{session: session, loop: l}, nil
}

func (r *engineRunner) Run(ctx context.Context, task model.Task) (loop.Result, error) {
	return r.loop.Run(ctx, task)
}

func (r *engineRunner) Close(ctx context.Context) error {
	return r.session.Close(ctx)
}
