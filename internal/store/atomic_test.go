package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteJSON_Success(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")

	data := map[string]any{"key": "value", "count": 42}
	if err := WriteJSON(path, data); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}

	var result map[string]any
	if err := ReadJSON(path, &result); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}

	if result["key"] != "value" {
		t.Errorf("key: got %v, want %q", result["key"], "value")
	}
}

func TestWriteJSON_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")

	if err := WriteJSON(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := WriteJSON(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	bakContent, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("ReadFile .bak failed: %v", err)
	}
	var bakData map[string]string
	if err := json.Unmarshal(bakContent, &bakData); err != nil {
		t.Fatalf("Unmarshal .bak failed: %v", err)
	}
	if bakData["version"] != "1" {
		t.Errorf("backup version: got %q, want %q", bakData["version"], "1")
	}

	var curData map[string]string
	if err := ReadJSON(path, &curData); err != nil {
		t.Fatalf("ReadJSON current failed: %v", err)
	}
	if curData["version"] != "2" {
		t.Errorf("current version: got %q, want %q", curData["version"], "2")
	}
}

func TestWriteRaw_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")

	if err := WriteRaw(path, []byte("{not json")); err == nil {
		t.Fatal("WriteRaw with invalid JSON should fail")
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("invalid write must not create the target file")
	}

	// No temp files left behind
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty dir after failed write, found %d entries", len(entries))
	}
}

func TestWriteJSON_CreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue", "jobs.json")

	if err := WriteJSON(path, map[string]int{"n": 1}); err != nil {
		t.Fatalf("WriteJSON with missing parent failed: %v", err)
	}
	var out map[string]int
	if err := ReadJSON(path, &out); err != nil {
		t.Fatal(err)
	}
	if out["n"] != 1 {
		t.Errorf("round trip mismatch: %v", out)
	}
}

func TestReadJSON_Missing(t *testing.T) {
	err := ReadJSON(filepath.Join(t.TempDir(), "absent.json"), &struct{}{})
	if !os.IsNotExist(err) {
		t.Errorf("expected IsNotExist error, got %v", err)
	}
}
