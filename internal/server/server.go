// Package server implements the queue server process: it owns the durable
// job queue, executes tasks through the planning loop one at a time, and
// answers CLI requests over a Unix domain socket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/harleycoops/deepagent/internal/events"
	"github.com/harleycoops/deepagent/internal/lock"
	"github.com/harleycoops/deepagent/internal/loop"
	"github.com/harleycoops/deepagent/internal/model"
	"github.com/harleycoops/deepagent/internal/queue"
	"github.com/harleycoops/deepagent/internal/store"
	"github.com/harleycoops/deepagent/internal/uds"
)

// Server is the queue server process. Exactly one runs per base directory,
// enforced by a file lock.
type Server struct {
	baseDir  string
	config   model.Config
	logLevel model.LogLevel
	logger   *log.Logger
	logFile  io.Closer

	fileLock      *lock.FileLock
	artifactLocks *lock.MutexMap
	udsServer     *uds.Server
	watcher       *fsnotify.Watcher
	ticker        *time.Ticker

	queue    *queue.Queue
	eventLog *events.Log
	bus      *events.Bus

	runnerFactory RunnerFactory
	runner        Runner

	// kick wakes the worker loop; buffered so producers never block.
	kick chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context
	shutdown sync.Once

	forceExit atomic.Bool
}

// New creates a server logging to logs/server.log under baseDir.
func New(baseDir string, cfg model.Config) (*Server, error) {
	logPath := filepath.Join(baseDir, "logs", "server.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open server log: %w", err)
	}

	return newServer(baseDir, cfg, logFile, logFile)
}

// newServer is the internal constructor for testing.
func newServer(baseDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Server, error) {
	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	cfg = cfg.ApplyDefaults()

	s := &Server{
		baseDir:       baseDir,
		config:        cfg,
		logLevel:      model.ParseLogLevel(cfg.Logging.Level),
		logger:        log.New(w, "", 0),
		logFile:       closer,
		fileLock:      lock.NewFileLock(filepath.Join(baseDir, "locks", "server.lock")),
		artifactLocks: lock.NewMutexMap(),
		udsServer:     uds.NewServer(filepath.Join(baseDir, uds.DefaultSocketName)),
		ticker:        time.NewTicker(time.Duration(cfg.Server.PollIntervalSec) * time.Second),
		queue:         queue.New(baseDir),
		bus:           events.NewBus(0),
		kick:          make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		group:         group,
		groupCtx:      groupCtx,
	}
	s.udsServer.SetLogger(s.logger)
	s.runnerFactory = func(ctx context.Context) (Runner, error) {
		return NewEngineRunner(ctx, s.config, s.logger, s.logLevel, s.eventLog, s.bus)
	}

	return s, nil
}

// SetRunnerFactory overrides how runners are built. Must be called before
// Start.
func (s *Server) SetRunnerFactory(f RunnerFactory) {
	s.runnerFactory = f
}

// Bus exposes the in-process event bus for subscribers.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

// Run starts the server and blocks until a signal triggers shutdown.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}
	s.waitSignals()
	return nil
}

// Start brings the server up: lock, watcher, event log, socket, background
// loops, stale-run recovery. Non-blocking; pair with Shutdown.
func (s *Server) Start() error {
	if err := os.MkdirAll(filepath.Join(s.baseDir, "locks"), 0755); err != nil {
		return fmt.Errorf("ensure locks dir: %w", err)
	}
	if err := s.fileLock.TryLock(); err != nil {
		return fmt.Errorf("server lock: %w", err)
	}
	s.log(model.LogLevelInfo, "server starting pid=%d", os.Getpid())

	eventLog, err := events.NewLog(filepath.Join(s.baseDir, "logs", "execution.jsonl"), 0)
	if err != nil {
		s.fileLock.Unlock()
		return fmt.Errorf("open execution log: %w", err)
	}
	s.eventLog = eventLog

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	s.watcher = watcher
	if err := watcher.Add(s.baseDir); err != nil {
		s.cleanup()
		return fmt.Errorf("watch %s: %w", s.baseDir, err)
	}

	s.registerHandlers()
	if err := s.udsServer.Start(); err != nil {
		s.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	s.log(model.LogLevelInfo, "UDS server listening on %s", filepath.Join(s.baseDir, uds.DefaultSocketName))

	staleAfter := time.Duration(s.config.Server.StaleRunningMin) * time.Minute
	if recovered, err := s.queue.RecoverStale(staleAfter); err != nil {
		s.log(model.LogLevelError, "stale recovery failed: %v", err)
	} else if recovered > 0 {
		s.log(model.LogLevelWarn, "recovered %d stale running jobs", recovered)
	}

	s.group.Go(s.fsnotifyLoop)
	s.group.Go(s.tickerLoop)
	s.group.Go(s.workLoop)

	s.wake()
	s.log(model.LogLevelInfo, "server ready")
	return nil
}

// registerHandlers registers UDS request handlers.
func (s *Server) registerHandlers() {
	s.udsServer.Handle(uds.CommandPing, func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})
	s.udsServer.Handle(uds.CommandSubmit, s.handleSubmit)
	s.udsServer.Handle(uds.CommandStatus, s.handleStatus)
	s.udsServer.Handle(uds.CommandShutdown, func(req *uds.Request) *uds.Response {
		s.log(model.LogLevelInfo, "shutdown requested via UDS")
		go s.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

// SubmitParams is the payload of a submit request.
type SubmitParams struct {
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (s *Server) handleSubmit(req *uds.Request) *uds.Response {
	if s.ctx.Err() != nil {
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, "server is shutting down")
	}

	var params SubmitParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid submit params: %v", err))
	}
	if params.Description == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "description is required")
	}

	taskID, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	task := model.Task{
		ID:          taskID,
		Description: params.Description,
		Metadata:    params.Metadata,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	if _, err := s.queue.Append(task); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	s.recordEvent(events.EventJobQueued, events.Entry{TaskID: task.ID})
	s.bus.Publish(events.EventJobQueued, map[string]any{"task_id": task.ID})
	s.log(model.LogLevelInfo, "task submitted id=%s", task.ID)
	s.wake()

	return uds.SuccessResponse(map[string]string{"task_id": task.ID})
}

// StatusParams is the payload of a status request. An empty task ID asks
// for the whole queue.
type StatusParams struct {
	TaskID string `json:"task_id,omitempty"`
}

func (s *Server) handleStatus(req *uds.Request) *uds.Response {
	var params StatusParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid status params: %v", err))
		}
	}

	f, err := s.queue.Load()
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	if params.TaskID != "" {
		job := f.Find(params.TaskID)
		if job == nil {
			return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("task %s not found", params.TaskID))
		}
		return uds.SuccessResponse(job)
	}

	counts := map[string]int{}
	for status, n := range f.Counts() {
		counts[string(status)] = n
	}
	return uds.SuccessResponse(map[string]any{
		"counts": counts,
		"jobs":   f.Jobs,
	})
}

// fsnotifyLoop wakes the worker when the queue file changes on disk. A
// producer with no running server appends directly; one with a running
// server submits over the socket, so both paths land here or in
// handleSubmit.
func (s *Server) fsnotifyLoop() error {
	for {
		select {
		case <-s.groupCtx.Done():
			return nil
		case event, ok := <-s.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != queue.FileName {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.log(model.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)
				s.wake()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return nil
			}
			s.log(model.LogLevelError, "fsnotify error=%v", err)
		}
	}
}

// tickerLoop wakes the worker at the poll interval as a fallback for
// missed filesystem events.
func (s *Server) tickerLoop() error {
	for {
		select {
		case <-s.groupCtx.Done():
			return nil
		case <-s.ticker.C:
			s.log(model.LogLevelDebug, "periodic poll triggered")
			s.wake()
		}
	}
}

// workLoop drains the queue whenever woken. Jobs execute strictly one at
// a time.
func (s *Server) workLoop() error {
	for {
		select {
		case <-s.groupCtx.Done():
			return nil
		case <-s.kick:
			s.drainQueue()
		}
	}
}

func (s *Server) wake() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// drainQueue claims and runs queued jobs until none remain or shutdown
// begins.
func (s *Server) drainQueue() {
	for {
		if s.groupCtx.Err() != nil {
			return
		}
		job, ok, err := s.claimNext()
		if err != nil {
			s.log(model.LogLevelError, "claim failed: %v", err)
			return
		}
		if !ok {
			return
		}
		s.runJob(job)

		delay := time.Duration(s.config.Server.InterTaskDelaySec) * time.Second
		if !sleepCtx(s.groupCtx, delay) {
			return
		}
	}
}

// claimNext atomically moves the head queued job to running and bumps its
// attempt counter.
func (s *Server) claimNext() (model.JobRecord, bool, error) {
	var claimed model.JobRecord
	found := false
	err := s.queue.Update(func(f *queue.File) error {
		job := f.NextQueued()
		if job == nil {
			return nil
		}
		if err := model.ValidateJobTransition(job.Status, model.JobRunning); err != nil {
			return err
		}
		now := time.Now().UTC().Format(time.RFC3339)
		job.Status = model.JobRunning
		job.StartedAt = &now
		job.Attempts++
		claimed = *job
		found = true
		return nil
	})
	if err != nil {
		return model.JobRecord{}, false, err
	}
	return claimed, found, nil
}

// runJob executes one claimed job through the planning loop and records the
// outcome.
func (s *Server) runJob(job model.JobRecord) {
	s.log(model.LogLevelInfo, "job started task=%s attempt=%d", job.Task.ID, job.Attempts)
	s.recordEvent(events.EventJobStarted, events.Entry{
		TaskID:  job.Task.ID,
		Details: map[string]any{"attempt": job.Attempts},
	})
	s.bus.Publish(events.EventJobStarted, map[string]any{"task_id": job.Task.ID, "attempt": job.Attempts})

	runner, err := s.currentRunner()
	if err != nil {
		s.finishJob(job, loop.Result{}, fmt.Errorf("provision runner: %w", err))
		return
	}

	result, runErr := runner.Run(s.groupCtx, job.Task)

	if runErr != nil && s.groupCtx.Err() != nil && errors.Is(runErr, context.Canceled) {
		// Shutdown interrupted the run. Give the attempt back; stale
		// recovery or the next start picks the job up again.
		s.requeueInterrupted(job)
		return
	}

	if runErr != nil && isSessionFatal(runErr) {
		s.discardRunner()
	}

	s.finishJob(job, result, runErr)
}

// currentRunner returns the live runner, building one on first use or
// after a discard.
func (s *Server) currentRunner() (Runner, error) {
	if s.runner != nil {
		return s.runner, nil
	}
	runner, err := s.runnerFactory(s.groupCtx)
	if err != nil {
		return nil, err
	}
	s.runner = runner
	return runner, nil
}

// discardRunner closes a runner whose session went bad so the next job
// provisions a fresh one.
func (s *Server) discardRunner() {
	if s.runner == nil {
		return
	}
	s.log(model.LogLevelWarn, "discarding runner after session failure")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.runner.Close(ctx); err != nil {
		s.log(model.LogLevelWarn, "runner close failed: %v", err)
	}
	s.runner = nil
}

func isSessionFatal(err error) bool {
	var expired *model.SessionExpiredError
	var provisioning *model.ProvisioningError
	return errors.As(err, &expired) || errors.As(err, &provisioning)
}

// finishJob records the terminal or retry outcome of one attempt.
func (s *Server) finishJob(job model.JobRecord, result loop.Result, runErr error) {
	failure := runErr
	if failure == nil && !result.Finished {
		failure = fmt.Errorf("run %s stopped at iteration ceiling (%d)", result.RunID, result.Iterations)
	}

	err := s.queue.Update(func(f *queue.File) error {
		current := f.Find(job.Task.ID)
		if current == nil {
			return fmt.Errorf("job %s vanished from queue", job.Task.ID)
		}
		now := time.Now().UTC().Format(time.RFC3339)

		if failure == nil {
			if err := model.ValidateJobTransition(current.Status, model.JobSucceeded); err != nil {
				return err
			}
			current.Status = model.JobSucceeded
			current.Result = result.Answer
			current.Error = nil
			current.FinishedAt = &now
			return nil
		}

		// MaxRetries counts retries, so a job gets MaxRetries+1 attempts.
		if current.Attempts <= s.config.Server.MaxRetries {
			if err := model.ValidateJobTransition(current.Status, model.JobQueued); err != nil {
				return err
			}
			requeued := *current
			requeued.Status = model.JobQueued
			requeued.StartedAt = nil
			detail := model.Classify(failure)
			requeued.Error = &detail
			f.Jobs = append(removeJob(f.Jobs, job.Task.ID), requeued)
			return nil
		}

		if err := model.ValidateJobTransition(current.Status, model.JobFailed); err != nil {
			return err
		}
		current.Status = model.JobFailed
		detail := model.Classify(failure)
		current.Error = &detail
		current.FinishedAt = &now
		return nil
	})
	if err != nil {
		s.log(model.LogLevelError, "record outcome for %s: %v", job.Task.ID, err)
		return
	}

	switch {
	case failure == nil:
		s.writeTaskArtifact(job.Task.ID)
		s.log(model.LogLevelInfo, "job succeeded task=%s run=%s iterations=%d", job.Task.ID, result.RunID, result.Iterations)
		s.recordEvent(events.EventJobSucceeded, events.Entry{
			TaskID:    job.Task.ID,
			RunID:     result.RunID,
			Iteration: result.Iterations,
		})
		s.bus.Publish(events.EventJobSucceeded, map[string]any{"task_id": job.Task.ID, "run_id": result.RunID})
	case job.Attempts <= s.config.Server.MaxRetries:
		s.log(model.LogLevelWarn, "job requeued task=%s attempt=%d err=%v", job.Task.ID, job.Attempts, failure)
		s.recordEvent(events.EventJobRequeued, events.Entry{
			TaskID:  job.Task.ID,
			RunID:   result.RunID,
			Details: map[string]any{"attempt": job.Attempts, "error": failure.Error()},
		})
		s.bus.Publish(events.EventJobRequeued, map[string]any{"task_id": job.Task.ID, "attempt": job.Attempts})
	default:
		s.writeTaskArtifact(job.Task.ID)
		s.log(model.LogLevelError, "job failed task=%s attempts=%d err=%v", job.Task.ID, job.Attempts, failure)
		s.recordEvent(events.EventJobFailed, events.Entry{
			TaskID:  job.Task.ID,
			RunID:   result.RunID,
			Details: map[string]any{"attempts": job.Attempts, "error": failure.Error()},
		})
		s.bus.Publish(events.EventJobFailed, map[string]any{"task_id": job.Task.ID, "error": failure.Error()})
	}
}

// writeTaskArtifact persists the final job record as a standalone JSON
// file under logs/tasks/ once the job reaches a terminal status. Writes
// are serialized per task so overlapping finishes cannot interleave on
// the same artifact.
func (s *Server) writeTaskArtifact(taskID string) {
	s.artifactLocks.Lock(taskID)
	defer s.artifactLocks.Unlock(taskID)

	f, err := s.queue.Load()
	if err != nil {
		s.log(model.LogLevelWarn, "task artifact for %s: %v", taskID, err)
		return
	}
	job := f.Find(taskID)
	if job == nil {
		return
	}
	name := fmt.Sprintf("%s_%d.json", taskID, time.Now().Unix())
	path := filepath.Join(s.baseDir, "logs", "tasks", name)
	if err := store.WriteJSON(path, job); err != nil {
		s.log(model.LogLevelWarn, "write task artifact %s: %v", path, err)
	}
}

// requeueInterrupted puts a shutdown-interrupted job back at its place
// without consuming an attempt.
func (s *Server) requeueInterrupted(job model.JobRecord) {
	err := s.queue.Update(func(f *queue.File) error {
		current := f.Find(job.Task.ID)
		if current == nil || current.Status != model.JobRunning {
			return nil
		}
		current.Status = model.JobQueued
		current.StartedAt = nil
		current.Attempts--
		return nil
	})
	if err != nil {
		s.log(model.LogLevelError, "requeue interrupted %s: %v", job.Task.ID, err)
		return
	}
	s.log(model.LogLevelInfo, "job interrupted by shutdown, requeued task=%s", job.Task.ID)
}

func removeJob(jobs []model.JobRecord, taskID string) []model.JobRecord {
	out := jobs[:0]
	for i := range jobs {
		if jobs[i].Task.ID != taskID {
			out = append(out, jobs[i])
		}
	}
	return out
}

func (s *Server) recordEvent(eventType events.EventType, entry events.Entry) {
	if s.eventLog == nil {
		return
	}
	entry.EventType = string(eventType)
	if err := s.eventLog.Record(entry); err != nil {
		s.log(model.LogLevelWarn, "record event %s: %v", eventType, err)
	}
}

// waitSignals blocks until a shutdown signal is received.
func (s *Server) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	s.log(model.LogLevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	// Second signal forces exit.
	go func() {
		<-sigCh
		s.log(model.LogLevelWarn, "received second signal, forcing exit")
		s.forceExit.Store(true)
		os.Exit(1)
	}()

	s.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (s *Server) Shutdown() {
	s.shutdown.Do(func() {
		s.log(model.LogLevelInfo, "shutdown started")

		s.cancel()
		s.ticker.Stop()
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
		if s.udsServer != nil {
			_ = s.udsServer.Stop()
		}

		timeout := time.Duration(s.config.Server.ShutdownTimeoutSec) * time.Second
		done := make(chan struct{})
		go func() {
			_ = s.group.Wait()
			close(done)
		}()

		select {
		case <-done:
			s.log(model.LogLevelInfo, "all loops drained")
		case <-time.After(timeout):
			s.log(model.LogLevelWarn, "shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		if s.runner != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.runner.Close(ctx); err != nil {
				s.log(model.LogLevelWarn, "runner close failed: %v", err)
			}
			cancel()
			s.runner = nil
		}

		s.cleanup()
		s.log(model.LogLevelInfo, "server stopped")
	})
}

// cleanup releases resources.
func (s *Server) cleanup() {
	_ = os.Remove(filepath.Join(s.baseDir, uds.DefaultSocketName))
	s.fileLock.Unlock()
	if s.eventLog != nil {
		_ = s.eventLog.Close()
	}
	s.bus.Close()
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
}

func (s *Server) log(level model.LogLevel, format string, args ...any) {
	if level < s.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	s.logger.Printf("%s %s server: %s", time.Now().Format(time.RFC3339), level, msg)
}

// sleepCtx sleeps for d or until ctx is done, reporting whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
