// Package replay implements the execution replay store: every completed
// execution is kept in memory and persisted as one JSON file per record, so
// a prior submission's code and result can be inspected or rerun later.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"cage/internal/logging"
	"cage/internal/model"
)

// Archiver offloads a StoredExecution to a secondary store (e.g. S3) once
// persisted locally. A nil Archiver disables archival entirely.
type Archiver interface {
	Archive(ctx context.Context, record model.StoredExecution) error
}

// Store holds completed executions for replay, bounded by maxStored with
// oldest-first eviction once that bound is reached.
type Store struct {
	mu         sync.RWMutex
	executions map[string]model.StoredExecution // execution_id -> record
	storageDir string
	maxStored  int
	archiver   Archiver
}

// New creates a Store rooted at storageDir, loading any records already on
// disk from a previous process. storageDir is created if missing.
func New(storageDir string, maxStored int, archiver Archiver) (*Store, error) {
	if err := os.MkdirAll(storageDir, 0o755); err != nil {
		return nil, fmt.Errorf("create replay storage directory: %w", err)
	}

	s := &Store{
		executions: make(map[string]model.StoredExecution),
		storageDir: storageDir,
		maxStored:  maxStored,
		archiver:   archiver,
	}

	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.storageDir)
	if err != nil {
		return fmt.Errorf("read replay storage directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.storageDir, entry.Name()))
		if err != nil {
			continue
		}
		var record model.StoredExecution
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		s.executions[record.ExecutionID.String()] = record
		loaded++
	}
	for s.maxStored > 0 && len(s.executions) > s.maxStored {
		s.evictOldestLocked()
	}

	logging.L().Info("loaded stored executions for replay", zap.Int("loaded", loaded))
	return nil
}

// Store records a completed execution, persisting it to disk before
// returning, and evicting the oldest-by-timestamp record if at capacity.
func (s *Store) Store(ctx context.Context, record model.StoredExecution) error {
	s.mu.Lock()
	if len(s.executions) >= s.maxStored {
		s.evictOldestLocked()
	}
	s.executions[record.ExecutionID.String()] = record
	s.mu.Unlock()

	if err := s.saveToFile(record); err != nil {
		return err
	}

	if s.archiver != nil {
		if err := s.archiver.Archive(ctx, record); err != nil {
			logging.L().Warn("replay archival failed",
				zap.String("execution_id", record.ExecutionID.String()),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (s *Store) evictOldestLocked() {
	var oldestID string
	var oldest model.StoredExecution
	first := true
	for id, rec := range s.executions {
		if first || rec.Timestamp.Before(oldest.Timestamp) {
			oldestID = id
			oldest = rec
			first = false
		}
	}
	if oldestID != "" {
		delete(s.executions, oldestID)
	}
}

func (s *Store) saveToFile(record model.StoredExecution) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize execution: %w", err)
	}

	path := filepath.Join(s.storageDir, record.ExecutionID.String()+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write replay file: %w", err)
	}
	return nil
}

// Get retrieves a stored execution by id.
func (s *Store) Get(executionID string) (model.StoredExecution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[executionID]
	return rec, ok
}

// ListAll returns every stored execution, newest first.
func (s *Store) ListAll() []model.StoredExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.StoredExecution, 0, len(s.executions))
	for _, rec := range s.executions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// ListUserExecutions returns userID's stored executions, newest first.
func (s *Store) ListUserExecutions(userID string) []model.StoredExecution {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.StoredExecution
	for _, rec := range s.executions {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Replay returns the original request for a stored execution, suitable for
// resubmission to the admission pipeline.
func (s *Store) Replay(executionID string) (model.ExecuteRequest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.executions[executionID]
	if !ok {
		return model.ExecuteRequest{}, false
	}
	return rec.Request, true
}
