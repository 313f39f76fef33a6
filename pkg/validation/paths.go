// Package validation checks and sanitizes gateway configuration values:
// broker and listen addresses, certificate paths, the backup directory and
// identifiers sent to the broker.
package validation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidateCertFile checks a certificate or key store path. The file must be a
// readable regular file. When allowedDirs is not empty the file must live
// under one of them.
func ValidateCertFile(path string, allowedDirs []string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("path traversal not allowed in file path")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid file path: %w", err)
	}
	cleanPath := filepath.Clean(absPath)

	if len(allowedDirs) > 0 && !within(cleanPath, allowedDirs) {
		return fmt.Errorf("file path not in allowed directories")
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("file does not exist: %s", cleanPath)
		}
		return fmt.Errorf("file not accessible: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("path is not a regular file: %s", cleanPath)
	}

	f, err := os.Open(cleanPath)
	if err != nil {
		return fmt.Errorf("file not readable: %w", err)
	}
	return f.Close()
}

// ValidateConfigPath checks that a configuration file exists.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path cannot be empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid config path: %w", err)
	}
	if _, err := os.Stat(filepath.Clean(absPath)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file does not exist: %s", absPath)
		}
		return fmt.Errorf("config file not accessible: %w", err)
	}
	return nil
}

// ValidateBackupDir checks the backup directory. A missing directory is
// accepted since the backup store creates it; an existing path must be a
// directory.
func ValidateBackupDir(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("backup directory cannot be empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("backup directory not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("backup path is not a directory: %s", path)
	}
	return nil
}

func within(path string, dirs []string) bool {
	for _, dir := range dirs {
		absDir, err := filepath.Abs(dir)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absDir, path)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
