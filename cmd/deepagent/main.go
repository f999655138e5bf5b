package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/harleycoops/deepagent/internal/loop"
	"github.com/harleycoops/deepagent/internal/model"
	"github.com/harleycoops/deepagent/internal/queue"
	"github.com/harleycoops/deepagent/internal/server"
	"github.com/harleycoops/deepagent/internal/setup"
	"github.com/harleycoops/deepagent/internal/status"
	"github.com/harleycoops/deepagent/internal/uds"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "task":
		runTask(os.Args[2:])
	case "queue":
		runQueue(os.Args[2:])
	case "server":
		runServer(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("deepagent %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	projectDir := "."
	projectName := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "usage: deepagent setup [dir] [--name NAME]")
				os.Exit(1)
			}
			i++
			projectName = args[i]
		default:
			projectDir = args[i]
		}
	}
	if err := setup.Run(projectDir, projectName); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absDir, _ := filepath.Abs(projectDir)
	fmt.Printf("Initialized %s/ in %s\n", setup.DirName, absDir)
}

// taskReport is the JSON record printed by `deepagent task`.
type taskReport struct {
	TaskID     string             `json:"task_id"`
	RunID      string             `json:"run_id,omitempty"`
	Status     model.JobStatus    `json:"status"`
	Answer     string             `json:"answer,omitempty"`
	Iterations int                `json:"iterations,omitempty"`
	Error      *model.ErrorDetail `json:"error,omitempty"`
}

// buildTaskReport mirrors how the queue server records outcomes: a run
// that stops at the iteration ceiling without an answer is a failure.
func buildTaskReport(taskID string, result loop.Result, runErr error) taskReport {
	if runErr == nil && !result.Finished {
		runErr = fmt.Errorf("run %s stopped at iteration ceiling (%d)", result.RunID, result.Iterations)
	}
	report := taskReport{
		TaskID:     taskID,
		RunID:      result.RunID,
		Iterations: result.Iterations,
	}
	if runErr != nil {
		report.Status = model.JobFailed
		detail := model.Classify(runErr)
		report.Error = &detail
		return report
	}
	report.Status = model.JobSucceeded
	report.Answer = result.Answer
	return report
}

func printTaskReport(report taskReport) {
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "task: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
	if report.Status != model.JobSucceeded {
		os.Exit(1)
	}
}

// runTask executes one task in the foreground without touching the queue.
func runTask(args []string) {
	if len(args) < 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: deepagent task \"<description>\"")
		os.Exit(1)
	}
	baseDir := mustFindBaseDir()
	cfg := mustLoadConfig(baseDir)

	taskID, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		fmt.Fprintf(os.Stderr, "task: %v\n", err)
		os.Exit(1)
	}
	task := model.Task{
		ID:          taskID,
		Description: args[0],
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	ctx := context.Background()
	logger := log.New(os.Stderr, "", 0)
	runner, err := server.NewEngineRunner(ctx, cfg, logger, model.ParseLogLevel(cfg.Logging.Level), nil, nil)
	if err != nil {
		printTaskReport(buildTaskReport(taskID, loop.Result{}, err))
		return
	}
	result, runErr := runner.Run(ctx, task)
	// Close before printing: the failure path exits and would skip a defer.
	_ = runner.Close(ctx)
	printTaskReport(buildTaskReport(taskID, result, runErr))
}

func runQueue(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: deepagent queue add \"<description>\"")
		os.Exit(1)
	}
	switch args[0] {
	case "add":
		runQueueAdd(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown queue subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "usage: deepagent queue add \"<description>\"")
		os.Exit(1)
	}
}

// runQueueAdd submits over the socket when a server is running, otherwise
// appends to the queue file directly. The flock keeps both paths safe.
func runQueueAdd(args []string) {
	if len(args) < 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: deepagent queue add \"<description>\"")
		os.Exit(1)
	}
	baseDir := mustFindBaseDir()
	description := args[0]

	client := uds.NewClient(filepath.Join(baseDir, uds.DefaultSocketName))
	if client.Available() {
		resp, err := client.SendCommand(uds.CommandSubmit, server.SubmitParams{Description: description})
		if err != nil {
			fmt.Fprintf(os.Stderr, "queue add: %v\n", err)
			os.Exit(1)
		}
		if !resp.Success {
			fmt.Fprintf(os.Stderr, "queue add: %s: %s\n", resp.Error.Code, resp.Error.Message)
			os.Exit(1)
		}
		var data map[string]string
		_ = json.Unmarshal(resp.Data, &data)
		fmt.Printf("Queued %s\n", data["task_id"])
		return
	}

	taskID, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		fmt.Fprintf(os.Stderr, "queue add: %v\n", err)
		os.Exit(1)
	}
	task := model.Task{
		ID:          taskID,
		Description: description,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := queue.New(baseDir).Append(task); err != nil {
		fmt.Fprintf(os.Stderr, "queue add: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Queued %s (no server running; it will be picked up on start)\n", taskID)
}

func runServer(_ []string) {
	baseDir := mustFindBaseDir()
	cfg := mustLoadConfig(baseDir)

	s, err := server.New(baseDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
	if err := s.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func runStatus(args []string) {
	jsonOutput := false
	taskID := ""
	for _, a := range args {
		switch a {
		case "--json":
			jsonOutput = true
		default:
			taskID = a
		}
	}
	baseDir := mustFindBaseDir()
	if err := status.Run(os.Stdout, baseDir, taskID, jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func mustFindBaseDir() string {
	cwd, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	baseDir, err := setup.FindBaseDir(cwd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return baseDir
}

func mustLoadConfig(baseDir string) model.Config {
	cfg, err := setup.LoadConfig(baseDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `deepagent %s — Agent execution and self-extension engine

Usage: deepagent <command> [options]

Project:
  setup [dir] [--name NAME]   Initialize %s/ directory
  status [task_id] [--json]   Show server and queue status

Tasks:
  task "<description>"        Run one task in the foreground
  queue add "<description>"   Enqueue a task for the server

Server:
  server                      Run the queue server process

Utilities:
  version                     Show version
  help                        Show this help

Credentials are read from the environment:
  %s    oracle API key (required)
  %s   sandbox API key

`, version, setup.DirName, server.EnvOracleAPIKey, server.EnvSandboxAPIKey)
}
