// Package backup persists outbound broker messages that could not be
// delivered. Each record lives in its own JSON file so the resend loop can
// delete exactly the records it redelivered.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"wiogate/pkg/types"
)

const (
	filePrefix    = "backup_"
	fileExt       = ".json"
	quarantineExt = ".corrupt"
	tempPattern   = ".backup-*.tmp"
)

// ErrMalformed is returned by Load when a file does not hold a BackupRecord.
var ErrMalformed = errors.New("malformed backup record")

// Store is the contract the broker client relies on.
type Store interface {
	Save(record types.BackupRecord) (string, error)
	List() ([]string, error)
	Load(name string) (types.BackupRecord, error)
	Remove(name string) error
	Quarantine(name string) error
}

// FileStore keeps one record per file inside a directory.
type FileStore struct {
	dir string
	seq atomic.Uint64
	now func() time.Time
}

// NewFileStore creates the directory when it is missing and removes temp
// files a crash left behind mid-Save.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("backup directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
	}
	if err := sweepTemp(dir); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func sweepTemp(dir string) error {
	leftovers, err := filepath.Glob(filepath.Join(dir, tempPattern))
	if err != nil {
		return fmt.Errorf("failed to scan backup directory %s: %w", dir, err)
	}
	for _, path := range leftovers {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale temp file %s: %w", path, err)
		}
	}
	return nil
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Save writes the record and returns its file name. The record becomes
// visible to List only once fully written.
func (s *FileStore) Save(record types.BackupRecord) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode backup record: %w", err)
	}

	// Both fields are zero padded to the width of their type so names sort
	// by time, then by sequence.
	name := fmt.Sprintf("%s%013d_%020d%s", filePrefix, s.now().UnixMilli(), s.seq.Add(1), fileExt)

	tmp, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write backup file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to sync backup file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close backup file: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(s.dir, name)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to commit backup file: %w", err)
	}
	return name, nil
}

// List returns pending record names, oldest first.
func (s *FileStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Load reads one record. Undecodable content yields ErrMalformed.
func (s *FileStore) Load(name string) (types.BackupRecord, error) {
	var record types.BackupRecord

	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return record, fmt.Errorf("failed to read backup file %s: %w", name, err)
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	if record.Topic == "" {
		return record, fmt.Errorf("%w: %s: empty topic", ErrMalformed, name)
	}
	return record, nil
}

// Remove deletes a redelivered record.
func (s *FileStore) Remove(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove backup file %s: %w", name, err)
	}
	return nil
}

// Quarantine renames a malformed record so List stops returning it while
// the file stays on disk for inspection.
func (s *FileStore) Quarantine(name string) error {
	if err := os.Rename(s.path(name), s.path(name+quarantineExt)); err != nil {
		return fmt.Errorf("failed to quarantine backup file %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}
