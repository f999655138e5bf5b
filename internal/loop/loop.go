// Package loop implements the bounded planning loop that turns one task
// into a sequence of tool invocations and a final answer.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/harleycoops/deepagent/internal/events"
	"github.com/harleycoops/deepagent/internal/model"
	"github.com/harleycoops/deepagent/internal/oracle"
	"github.com/harleycoops/deepagent/internal/tool"
)

// Result is the outcome of one run. Finished reports whether the oracle
// emitted a final answer; a false value means the iteration ceiling was
// reached first.
type Result struct {
	RunID      string
	Answer     string
	Iterations int
	Finished   bool
}

// Loop drives PLAN, ACT, OBSERVE until the oracle finishes or the
// iteration ceiling is reached.
type Loop struct {
	oracle   oracle.Oracle
	registry *tool.Registry
	cfg      model.AgentConfig
	logger   *log.Logger
	logLevel model.LogLevel
	events   *events.Log // optional
}

func New(o oracle.Oracle, registry *tool.Registry, cfg model.AgentConfig, logger *log.Logger, logLevel model.LogLevel) *Loop {
	return &Loop{
		oracle:   o,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		logLevel: logLevel,
	}
}

// SetEventLog wires an execution log; tool calls and run boundaries are
// recorded there.
func (l *Loop) SetEventLog(eventLog *events.Log) {
	l.events = eventLog
}

// Run executes one task. Errors returned here are fatal for the run
// (sandbox unreachable, credentials rejected, oracle retries exhausted,
// destructive tool failed ambiguously); everything recoverable is fed
// back into planning as an observation instead.
func (l *Loop) Run(ctx context.Context, task model.Task) (Result, error) {
	runID, err := model.GenerateID(model.IDTypeRun)
	if err != nil {
		return Result{}, fmt.Errorf("generate run ID: %w", err)
	}
	state := newAgentState()

	l.log(model.LogLevelInfo, "run %s started task=%s ceiling=%d", runID, task.ID, l.cfg.MaxIterations)
	l.record(events.Entry{EventType: string(events.EventRunStarted), TaskID: task.ID, RunID: runID})

	for state.Iteration < l.cfg.MaxIterations {
		// Deploys mutate the registry only between iterations, so each
		// iteration plans against a point-in-time snapshot.
		snapshot := l.registry.Snapshot()

		action, err := l.propose(ctx, task, snapshot, state)
		if err != nil {
			var malformed *oracle.MalformedProposalError
			if errors.As(err, &malformed) {
				l.log(model.LogLevelWarn, "run %s iteration %d: %v", runID, state.Iteration, err)
				state.observe(fmt.Sprintf("error: %v. Reply with exactly one JSON action object.", err))
				state.Iteration++
				continue
			}
			l.log(model.LogLevelError, "run %s aborted in PLAN: %v", runID, err)
			return Result{RunID: runID, Iterations: state.Iteration}, err
		}

		state.recordAction(action)

		if action.Type == oracle.ActionFinish {
			l.log(model.LogLevelInfo, "run %s finished after %d iterations", runID, state.Iteration)
			l.record(events.Entry{
				EventType: string(events.EventRunFinished),
				TaskID:    task.ID,
				RunID:     runID,
				Iteration: state.Iteration,
				Details:   map[string]any{"finished": true},
			})
			return Result{
				RunID:      runID,
				Answer:     action.Answer,
				Iterations: state.Iteration,
				Finished:   true,
			}, nil
		}

		observation, fatalErr := l.act(ctx, task.ID, runID, snapshot, action, state.Iteration)
		if fatalErr != nil {
			l.log(model.LogLevelError, "run %s aborted in ACT: %v", runID, fatalErr)
			return Result{RunID: runID, Iterations: state.Iteration}, fatalErr
		}

		state.observe(observation)
		state.Iteration++
	}

	l.log(model.LogLevelWarn, "run %s hit iteration ceiling %d without an answer", runID, l.cfg.MaxIterations)
	l.record(events.Entry{
		EventType: string(events.EventRunFinished),
		TaskID:    task.ID,
		RunID:     runID,
		Iteration: state.Iteration,
		Details:   map[string]any{"finished": false, "reason": "iteration ceiling"},
	})
	return Result{RunID: runID, Iterations: state.Iteration}, nil
}

// propose asks the oracle for the next action, retrying transient
// failures with doubling backoff. Credential rejection and malformed
// proposals are returned as-is.
func (l *Loop) propose(ctx context.Context, task model.Task, snapshot *tool.Snapshot, state *AgentState) (oracle.Action, error) {
	req := &oracle.ProposeRequest{
		TaskDescription: task.Description,
		Tools:           snapshot.Descriptions(),
		Messages:        state.Messages,
	}

	backoff := time.Duration(l.cfg.OracleRetryBackoffMs) * time.Millisecond
	var lastErr error

	for attempt := 0; attempt <= l.cfg.OracleMaxRetries; attempt++ {
		if attempt > 0 {
			l.log(model.LogLevelWarn, "oracle retry %d/%d after %v: %v", attempt, l.cfg.OracleMaxRetries, backoff, lastErr)
			if err := sleepCtx(ctx, backoff); err != nil {
				return oracle.Action{}, err
			}
			backoff *= 2
		}

		action, err := l.oracle.Propose(ctx, req)
		if err == nil {
			return action, nil
		}

		var malformed *oracle.MalformedProposalError
		var auth *model.AuthenticationError
		if errors.As(err, &malformed) || errors.As(err, &auth) {
			return oracle.Action{}, err
		}
		lastErr = err
	}

	return oracle.Action{}, fmt.Errorf("oracle unavailable after %d retries: %w", l.cfg.OracleMaxRetries, lastErr)
}

// act validates and executes one proposed tool call. The returned string
// is the observation fed back into planning; a non-nil error aborts the
// run.
func (l *Loop) act(ctx context.Context, taskID, runID string, snapshot *tool.Snapshot, action oracle.Action, iteration int) (string, error) {
	spec, err := snapshot.Lookup(action.Tool)
	if err != nil {
		return fmt.Sprintf("error: %v. Available tools: %v", err, snapshot.Names()), nil
	}

	if err := spec.ValidateArgs(action.Args); err != nil {
		return fmt.Sprintf("error: %v", err), nil
	}

	l.log(model.LogLevelDebug, "run %s iteration %d: invoking %s", runID, iteration, spec.Name)
	started := time.Now()
	output, invokeErr := spec.Invoke(ctx, action.Args)
	duration := time.Since(started)

	entry := events.Entry{
		EventType:  string(events.EventToolCall),
		TaskID:     taskID,
		RunID:      runID,
		Iteration:  iteration,
		Tool:       spec.Name,
		DurationMs: duration.Milliseconds(),
	}
	if invokeErr != nil {
		entry.Details = map[string]any{"error": model.Classify(invokeErr)}
	}
	l.record(entry)

	if invokeErr == nil {
		return output, nil
	}

	// A destructive tool that errors mid-flight leaves state we cannot
	// reason about; the run fails rather than replanning over it.
	if spec.SideEffect == tool.SideEffectDestructive {
		return "", fmt.Errorf("destructive tool %s failed ambiguously: %w", spec.Name, invokeErr)
	}

	if isFatalToolError(invokeErr) {
		return "", invokeErr
	}

	return fmt.Sprintf("error: %v", invokeErr), nil
}

// isFatalToolError reports whether a tool failure means the run cannot
// continue at all, as opposed to the oracle choosing differently.
func isFatalToolError(err error) bool {
	var expired *model.SessionExpiredError
	var auth *model.AuthenticationError
	var prov *model.ProvisioningError
	return errors.As(err, &expired) || errors.As(err, &auth) || errors.As(err, &prov)
}

func (l *Loop) record(entry events.Entry) {
	if l.events == nil {
		return
	}
	if err := l.events.Record(entry); err != nil {
		l.log(model.LogLevelWarn, "event log write failed: %v", err)
	}
}

func (l *Loop) log(level model.LogLevel, format string, args ...any) {
	if l.logger == nil || level < l.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.logger.Printf("%s %s loop: %s", time.Now().Format(time.RFC3339), level, msg)
}

// sleepCtx sleeps for d or returns early if ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
