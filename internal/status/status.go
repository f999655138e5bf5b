// Package status reports server and queue state for the CLI.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"

	"github.com/harleycoops/deepagent/internal/model"
	"github.com/harleycoops/deepagent/internal/queue"
	"github.com/harleycoops/deepagent/internal/uds"
)

type Report struct {
	ServerRunning bool              `json:"server_running"`
	Counts        map[string]int    `json:"counts"`
	Jobs          []model.JobRecord `json:"jobs,omitempty"`
}

// Run prints overall status, or one job's status when taskID is set.
func Run(w io.Writer, baseDir string, taskID string, jsonOutput bool) error {
	f, err := queue.New(baseDir).Load()
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}

	if taskID != "" {
		job := f.Find(taskID)
		if job == nil {
			return fmt.Errorf("task %s not found", taskID)
		}
		return printJob(w, *job, jsonOutput)
	}

	report := Report{
		ServerRunning: checkServer(filepath.Join(baseDir, uds.DefaultSocketName)),
		Counts:        map[string]int{},
		Jobs:          f.Jobs,
	}
	for s, n := range f.Counts() {
		report.Counts[string(s)] = n
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printReport(w, report)
	return nil
}

// checkServer pings the socket rather than trusting the lock file; a
// crashed server leaves the lock file behind but nothing answering.
func checkServer(sockPath string) bool {
	client := uds.NewClient(sockPath)
	resp, err := client.SendCommand(uds.CommandPing, nil)
	return err == nil && resp.Success
}

func printReport(w io.Writer, report Report) {
	if report.ServerRunning {
		fmt.Fprintln(w, "server: running")
	} else {
		fmt.Fprintln(w, "server: stopped")
	}
	fmt.Fprintf(w, "queue: %d queued, %d running, %d succeeded, %d failed\n",
		report.Counts[string(model.JobQueued)],
		report.Counts[string(model.JobRunning)],
		report.Counts[string(model.JobSucceeded)],
		report.Counts[string(model.JobFailed)])
	for i := range report.Jobs {
		job := &report.Jobs[i]
		fmt.Fprintf(w, "  %-9s %s  %s\n", job.Status, job.Task.ID, truncate(job.Task.Description, 60))
	}
}

func printJob(w io.Writer, job model.JobRecord, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	}
	fmt.Fprintf(w, "task:     %s\n", job.Task.ID)
	fmt.Fprintf(w, "status:   %s\n", job.Status)
	fmt.Fprintf(w, "attempts: %d\n", job.Attempts)
	if job.Result != "" {
		fmt.Fprintf(w, "result:   %s\n", job.Result)
	}
	if job.Error != nil {
		fmt.Fprintf(w, "error:    %s: %s\n", job.Error.Code, job.Error.Message)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
