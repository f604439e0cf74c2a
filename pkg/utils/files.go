// Package utils provides small filesystem helpers for OpenRLE.
// It includes directory creation, atomic file writes, and existence
// checks used by the checkpoint manager and metrics writers.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDir creates a directory (and parents) if it does not exist
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a file or directory exists
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// AtomicWriteFile writes data to a temporary file in the target directory
// and renames it into place, so readers never observe a partial file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file into place: %w", err)
	}
	return nil
}

//Personal.AI order the ending
