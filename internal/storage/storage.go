package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/bdougie/posepace/internal/models"
)

// ResultsFile is the default name of the persisted result log.
const ResultsFile = "pose_results.json"

// Storage defines the interface for storing analysis results
type Storage interface {
	// Record appends a single result.
	Record(ctx context.Context, rec models.ResultRecord) error

	// Flush persists everything recorded so far to path.
	Flush(ctx context.Context, path string) error

	// Len returns the number of records not yet flushed.
	Len() int
}

// FileStorage keeps results in memory in the order they were recorded and
// writes them as one JSON array on Flush.
type FileStorage struct {
	mu      sync.Mutex
	results []models.ResultRecord
}

// NewFileStorage creates an empty result log.
func NewFileStorage() *FileStorage {
	return &FileStorage{}
}

// Record appends rec to the log.
func (s *FileStorage) Record(_ context.Context, rec models.ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, rec)
	return nil
}

// Len returns the number of buffered records.
func (s *FileStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

// Results returns a copy of the buffered records.
func (s *FileStorage) Results() []models.ResultRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ResultRecord(nil), s.results...)
}

// Flush writes the log to path, replacing any existing file, and clears it.
// On failure the log is kept so a later Flush can retry.
func (s *FileStorage) Flush(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	results := s.results
	if results == nil {
		results = []models.ResultRecord{}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create directory for results")
	}

	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode results")
	}

	// write next to the target and rename so a failed write never leaves a
	// truncated file behind
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write results to %s", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return multierr.Combine(
			errors.Wrapf(err, "failed to write results to %s", path),
			os.Remove(tmp),
		)
	}

	s.results = nil
	return nil
}

// Discard drops buffered records without writing them.
func (s *FileStorage) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = nil
}

// MultiStorage fans every call out to several storages.
type MultiStorage []Storage

// Record records rec in every storage. All storages are tried; failures are
// combined.
func (m MultiStorage) Record(ctx context.Context, rec models.ResultRecord) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Record(ctx, rec))
	}
	return err
}

// Flush flushes every storage.
func (m MultiStorage) Flush(ctx context.Context, path string) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Flush(ctx, path))
	}
	return err
}

// Len returns the largest backlog among the storages.
func (m MultiStorage) Len() int {
	n := 0
	for _, s := range m {
		n = max(n, s.Len())
	}
	return n
}
