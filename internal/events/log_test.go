package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLog_RecordAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "execution.jsonl")

	l, err := NewLog(logPath, 0)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	defer l.Close()

	entries := []Entry{
		{EventType: string(EventJobStarted), TaskID: "task_1756400000_0a1b2c3d"},
		{EventType: string(EventToolCall), TaskID: "task_1756400000_0a1b2c3d", Tool: "execute_command", Iteration: 1, DurationMs: 42},
		{EventType: string(EventJobSucceeded), TaskID: "task_1756400000_0a1b2c3d", Details: map[string]any{"answer_len": 120}},
	}
	for _, e := range entries {
		if err := l.Record(e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	file, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer file.Close()

	var got []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		got = append(got, e)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
	if got[1].Tool != "execute_command" || got[1].DurationMs != 42 {
		t.Errorf("tool call entry mangled: %+v", got[1])
	}
	for i, e := range got {
		if e.Timestamp.IsZero() {
			t.Errorf("entry %d missing timestamp", i)
		}
	}
}

func TestLog_RotatesAtMaxSize(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "execution.jsonl")

	l, err := NewLog(logPath, 256)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	defer l.Close()

	for i := 0; i < 20; i++ {
		if err := l.Record(Entry{EventType: string(EventToolCall), Tool: "execute_command"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	archives, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	if err != nil {
		t.Fatalf("expected archive dir: %v", err)
	}
	if len(archives) == 0 {
		t.Fatal("expected at least one rotated file")
	}
	if l.Size() > 256 {
		t.Errorf("current file exceeds max size: %d", l.Size())
	}
}

func TestLog_ChecksumIntegrity(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "execution.jsonl")

	l, err := NewLog(logPath, 0)
	if err != nil {
		t.Fatalf("NewLog: %v", err)
	}
	l.EnableChecksum(true)

	for i := 0; i < 5; i++ {
		if err := l.Record(Entry{EventType: string(EventJobQueued), TaskID: "task_1756400000_0a1b2c3d"}); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	total, valid, err := VerifyLogIntegrity(logPath)
	if err != nil {
		t.Fatalf("VerifyLogIntegrity: %v", err)
	}
	if total != 5 || valid != 5 {
		t.Errorf("expected 5/5 valid, got %d/%d", valid, total)
	}
}
