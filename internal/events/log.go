package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// Default maximum log file size (100MB)
	DefaultMaxLogSize = 100 * 1024 * 1024
	// Log file extension
	LogFileExtension = ".jsonl"
	// Archive directory name
	ArchiveDir = "archive"
)

// Entry is a single line of the execution log. One entry per lifecycle
// event: a job changing status, a planning iteration, a tool call, an
// adapter being deployed.
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  string         `json:"event_type"`
	TaskID     string         `json:"task_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Iteration  int            `json:"iteration,omitempty"`
	Tool       string         `json:"tool,omitempty"`
	DurationMs int64          `json:"duration_ms,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Checksum   string         `json:"checksum,omitempty"`
}

// Log provides append-only JSONL logging with size-based rotation.
type Log struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	logPath         string
	enableChecksum  bool
	rotationCounter int
}

// NewLog creates an execution log at logPath, creating parent directories
// as needed.
func NewLog(logPath string, maxSize int64) (*Log, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &Log{
		logPath: logPath,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := l.openLogFile(); err != nil {
		return nil, err
	}

	return l, nil
}

func (l *Log) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record appends an event. The timestamp is set here so callers only
// supply what happened.
func (l *Log) Record(entry Entry) error {
	entry.Timestamp = time.Now().UTC()
	return l.writeEntry(&entry)
}

func (l *Log) writeEntry(entry *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.enableChecksum {
		entry.Checksum = checksumEntry(entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}

	l.currentSize += int64(n)
	return nil
}

// rotate moves the current file into the archive directory and starts a
// fresh one.
func (l *Log) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close current log file: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(l.logPath), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	l.rotationCounter++
	baseName := filepath.Base(l.logPath)
	archiveName := fmt.Sprintf("%s.%s.%d%s",
		baseName[:len(baseName)-len(LogFileExtension)],
		timestamp,
		l.rotationCounter,
		LogFileExtension)

	if err := os.Rename(l.logPath, filepath.Join(archiveDir, archiveName)); err != nil {
		return fmt.Errorf("failed to archive log file: %w", err)
	}

	return l.openLogFile()
}

func checksumEntry(entry *Entry) string {
	entryCopy := *entry
	entryCopy.Checksum = ""

	data, err := json.Marshal(entryCopy)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%x", simpleHash(data))
}

func simpleHash(data []byte) uint64 {
	var hash uint64 = 5381
	for _, b := range data {
		hash = ((hash << 5) + hash) + uint64(b)
	}
	return hash
}

// EnableChecksum enables checksum calculation for log entries.
func (l *Log) EnableChecksum(enable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enableChecksum = enable
}

// VerifyLogIntegrity re-reads a log file and reports total and valid
// entries. Entries without a checksum count as valid.
func VerifyLogIntegrity(logPath string) (int, int, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	totalEntries := 0
	validEntries := 0

	for decoder.More() {
		var entry Entry
		if err := decoder.Decode(&entry); err != nil {
			// Skip malformed entries
			continue
		}

		totalEntries++

		if entry.Checksum == "" {
			validEntries++
			continue
		}
		expected := entry.Checksum
		entry.Checksum = ""
		data, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if fmt.Sprintf("%x", simpleHash(data)) == expected {
			validEntries++
		}
	}

	return totalEntries, validEntries, nil
}

// Close syncs and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		return l.file.Close()
	}
	return nil
}

// Path returns the current log file path.
func (l *Log) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logPath
}

// Size returns the current size of the log file.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentSize
}
