package trampoline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/randomizedcoder/go-trampoline/internal/supervisor"
)

// StatusFile mirrors the slot snapshot to a JSON file. Every write replaces
// the file atomically, so readers never see a partial document.
type StatusFile struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

// NewStatusFile creates a writer for path.
func NewStatusFile(path string, logger *slog.Logger) *StatusFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusFile{path: path, logger: logger}
}

// Path returns the file location.
func (s *StatusFile) Path() string {
	return s.path
}

// Write replaces the file with snap. Errors are logged, not returned: a
// status file must never disturb supervision.
func (s *StatusFile) Write(snap supervisor.Snapshot) {
	if err := s.write(snap); err != nil {
		s.logger.Warn("status_file_write_failed", "path", s.path, "error", err)
	}
}

func (s *StatusFile) write(snap supervisor.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	return renameio.WriteFile(s.path, data, 0o644)
}

// ReadStatusFile loads a snapshot written by StatusFile.
func ReadStatusFile(path string) (supervisor.Snapshot, error) {
	var snap supervisor.Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("decode status file %s: %w", path, err)
	}
	return snap, nil
}
