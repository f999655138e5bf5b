// Package queue implements the durable job queue: one JSON file, atomic
// writes, and a flock serializing every read-modify-write so producer and
// server never interleave.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harleycoops/deepagent/internal/lock"
	"github.com/harleycoops/deepagent/internal/model"
	"github.com/harleycoops/deepagent/internal/store"
)

const (
	FileName         = "queue.json"
	LockFileName     = "queue.lock"
	FileTypeJobQueue = "job_queue"
)

// File is the on-disk queue document.
type File struct {
	SchemaVersion int               `json:"schema_version"`
	FileType      string            `json:"file_type"`
	Jobs          []model.JobRecord `json:"jobs"`
}

// NewFile returns an empty queue document.
func NewFile() *File {
	return &File{
		SchemaVersion: CurrentSchemaVersion,
		FileType:      FileTypeJobQueue,
		Jobs:          []model.JobRecord{},
	}
}

// NextQueued returns a pointer to the first queued job, FIFO relative to
// this snapshot, or nil.
func (f *File) NextQueued() *model.JobRecord {
	for i := range f.Jobs {
		if f.Jobs[i].Status == model.JobQueued {
			return &f.Jobs[i]
		}
	}
	return nil
}

// Find returns a pointer to the job for taskID, or nil.
func (f *File) Find(taskID string) *model.JobRecord {
	for i := range f.Jobs {
		if f.Jobs[i].Task.ID == taskID {
			return &f.Jobs[i]
		}
	}
	return nil
}

// Counts tallies jobs by status.
func (f *File) Counts() map[model.JobStatus]int {
	counts := map[model.JobStatus]int{}
	for i := range f.Jobs {
		counts[f.Jobs[i].Status]++
	}
	return counts
}

// Queue owns the queue file under one .deepagent directory.
type Queue struct {
	baseDir string
}

func New(baseDir string) *Queue {
	return &Queue{baseDir: baseDir}
}

func (q *Queue) Path() string {
	return filepath.Join(q.baseDir, FileName)
}

func (q *Queue) lockPath() string {
	return filepath.Join(q.baseDir, LockFileName)
}

// Load reads the queue file. A missing file is an empty queue; a corrupt
// one is quarantined and recovered before re-reading.
func (q *Queue) Load() (*File, error) {
	f := NewFile()
	err := store.ReadJSON(q.Path(), f)
	if err == nil {
		if f.SchemaVersion > CurrentSchemaVersion {
			return nil, fmt.Errorf("queue file %s: unsupported schema_version %d (max supported: %d)", q.Path(), f.SchemaVersion, CurrentSchemaVersion)
		}
		if f.FileType != FileTypeJobQueue {
			return nil, fmt.Errorf("queue file %s: file_type mismatch: got %q, expected %q", q.Path(), f.FileType, FileTypeJobQueue)
		}
		return f, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return NewFile(), nil
	}

	if recoverErr := RecoverCorruptedFile(q.baseDir, q.Path(), FileTypeJobQueue); recoverErr != nil {
		return nil, fmt.Errorf("recover queue file: %w", recoverErr)
	}
	f = NewFile()
	if err := store.ReadJSON(q.Path(), f); err != nil {
		return nil, fmt.Errorf("reload recovered queue file: %w", err)
	}
	return f, nil
}

// Update runs one locked read-modify-write cycle against the queue file.
func (q *Queue) Update(fn func(*File) error) error {
	return lock.WithLock(q.lockPath(), func() error {
		f, err := q.Load()
		if err != nil {
			return err
		}
		if err := fn(f); err != nil {
			return err
		}
		return store.WriteJSON(q.Path(), f)
	})
}

// Append adds a task to the tail as a queued job. Safe to call while a
// server is mid-poll; the flock serializes against its writes.
func (q *Queue) Append(task model.Task) (model.JobRecord, error) {
	record := model.JobRecord{
		Task:   task,
		Status: model.JobQueued,
	}
	err := q.Update(func(f *File) error {
		if existing := f.Find(task.ID); existing != nil {
			return fmt.Errorf("task %s already queued", task.ID)
		}
		f.Jobs = append(f.Jobs, record)
		return nil
	})
	if err != nil {
		return model.JobRecord{}, err
	}
	return record, nil
}

// RecoverStale resets RUNNING jobs whose start time is older than
// staleAfter back to QUEUED. A crash between claiming a job and finishing
// it leaves exactly this shape behind.
func (q *Queue) RecoverStale(staleAfter time.Duration) (int, error) {
	recovered := 0
	err := q.Update(func(f *File) error {
		cutoff := time.Now().UTC().Add(-staleAfter)
		for i := range f.Jobs {
			job := &f.Jobs[i]
			if job.Status != model.JobRunning {
				continue
			}
			stale := true
			if job.StartedAt != nil {
				if startedAt, err := time.Parse(time.RFC3339, *job.StartedAt); err == nil {
					stale = startedAt.Before(cutoff)
				}
			}
			if !stale {
				continue
			}
			if err := model.ValidateJobTransition(job.Status, model.JobQueued); err != nil {
				return err
			}
			job.Status = model.JobQueued
			job.StartedAt = nil
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return recovered, nil
}
