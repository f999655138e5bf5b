package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves a corrupted file into <baseDir>/quarantine with a
// timestamped name so it can be inspected later.
func Quarantine(baseDir, filePath string) error {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().Format("20060102T150405")
	quarantineName := fmt.Sprintf("%s.%s.corrupt", baseName, timestamp)
	quarantinePath := filepath.Join(quarantineDir, quarantineName)

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return fmt.Errorf("move to quarantine: %w", err)
	}

	log.Printf("quarantined corrupted file: %s → %s", filePath, quarantinePath)
	return nil
}

// RestoreFromBackup copies the .bak sibling over filePath after checking
// it is still valid JSON.
func RestoreFromBackup(filePath string) error {
	bakPath := filePath + ".bak"
	if _, err := os.Stat(bakPath); os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}

	content, err := os.ReadFile(bakPath)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	var probe any
	if err := json.Unmarshal(content, &probe); err != nil {
		return fmt.Errorf("backup JSON is also corrupted: %w", err)
	}

	if err := os.WriteFile(filePath, content, 0644); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}

	log.Printf("restored from backup: %s → %s", bakPath, filePath)
	return nil
}

// GenerateSkeleton writes a minimal valid file for the given type.
func GenerateSkeleton(filePath string, fileType string) error {
	content, err := json.MarshalIndent(skeletonForType(fileType), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal skeleton: %w", err)
	}

	if err := os.WriteFile(filePath, append(content, '\n'), 0644); err != nil {
		return fmt.Errorf("write skeleton: %w", err)
	}

	log.Printf("generated skeleton: %s (type: %s)", filePath, fileType)
	return nil
}

// RecoverCorruptedFile quarantines the broken file, then restores from
// the .bak sibling, falling back to a fresh skeleton.
func RecoverCorruptedFile(baseDir, filePath, fileType string) error {
	if err := Quarantine(baseDir, filePath); err != nil {
		return fmt.Errorf("quarantine failed: %w", err)
	}

	if err := RestoreFromBackup(filePath); err != nil {
		log.Printf("backup restore failed for %s: %v — falling back to skeleton generation", filePath, err)
	} else {
		return nil
	}

	if err := GenerateSkeleton(filePath, fileType); err != nil {
		return fmt.Errorf("skeleton generation failed: %w", err)
	}

	return nil
}

func skeletonForType(fileType string) any {
	switch fileType {
	case FileTypeJobQueue:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      FileTypeJobQueue,
			"jobs":           []any{},
		}
	default:
		return map[string]any{
			"schema_version": CurrentSchemaVersion,
			"file_type":      fileType,
		}
	}
}
