package invoiceflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore persists runs and checkpoints as JSON documents on disk:
//
//	<dir>/runs/<run_id>.json
//	<dir>/checkpoints/<checkpoint_id>.json
//
// Writes go to a temporary file that is renamed into place. A process-wide
// mutex serializes checkpoint resolution; the store is not meant to be shared
// between processes.
type FileStore struct {
	dataDir string
	mutex   sync.Mutex
}

// NewFileStore creates the directory layout under dataDir. An empty dataDir
// defaults to ~/.invoiceflow/data.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".invoiceflow", "data")
	}
	for _, sub := range []string{"runs", "checkpoints"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
		}
	}
	return &FileStore{dataDir: dataDir}, nil
}

func (s *FileStore) runPath(id string) string {
	return filepath.Join(s.dataDir, "runs", id+".json")
}

func (s *FileStore) checkpointPath(id string) string {
	return filepath.Join(s.dataDir, "checkpoints", id+".json")
}

func (s *FileStore) CreateRun(ctx context.Context, run *Run) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, err := os.Stat(s.runPath(run.ID)); err == nil {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	return writeJSON(s.runPath(run.ID), run)
}

func (s *FileStore) UpdateRun(ctx context.Context, run *Run) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, err := os.Stat(s.runPath(run.ID)); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("run %s: %w", run.ID, ErrRunNotFound)
	}
	return writeJSON(s.runPath(run.ID), run)
}

func (s *FileStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := readJSON(s.runPath(runID), &run); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return nil, err
	}
	return &run, nil
}

func (s *FileStore) ListRuns(ctx context.Context, opts ListOptions) ([]*Run, error) {
	var runs []*Run
	err := s.each("runs", func(path string) error {
		var run Run
		if err := readJSON(path, &run); err != nil {
			return err
		}
		if opts.Status == "" || run.Status == opts.Status {
			runs = append(runs, &run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.Before(runs[j].StartedAt)
		}
		return runs[i].ID < runs[j].ID
	})
	return Page(runs, opts.Limit, opts.Offset), nil
}

func (s *FileStore) DeleteRun(ctx context.Context, runID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	err := s.each("checkpoints", func(path string) error {
		var cp Checkpoint
		if err := readJSON(path, &cp); err != nil {
			return err
		}
		if cp.RunID == runID {
			return os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints for run %s: %w", runID, err)
	}
	if err := os.Remove(s.runPath(runID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	return nil
}

func (s *FileStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, err := os.Stat(s.checkpointPath(cp.ID)); err == nil {
		return fmt.Errorf("checkpoint %s already exists", cp.ID)
	}
	return writeJSON(s.checkpointPath(cp.ID), cp)
}

func (s *FileStore) ResolveCheckpoint(ctx context.Context, id string, res Resolution) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	cp, err := s.GetCheckpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if cp.Resolved {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrCheckpointAlreadyResolved)
	}
	cp.MarkResolved(res)
	if err := writeJSON(s.checkpointPath(id), cp); err != nil {
		return nil, err
	}
	return cp, nil
}

func (s *FileStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	var cp Checkpoint
	if err := readJSON(s.checkpointPath(id), &cp); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("checkpoint %s: %w", id, ErrCheckpointNotFound)
		}
		return nil, err
	}
	return &cp, nil
}

func (s *FileStore) ListPendingCheckpoints(ctx context.Context, limit, offset int) ([]*Checkpoint, error) {
	var pending []*Checkpoint
	err := s.each("checkpoints", func(path string) error {
		var cp Checkpoint
		if err := readJSON(path, &cp); err != nil {
			return err
		}
		if !cp.Resolved {
			pending = append(pending, &cp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return pending[i].ID < pending[j].ID
	})
	return Page(pending, limit, offset), nil
}

func (s *FileStore) each(sub string, fn func(path string) error) error {
	entries, err := os.ReadDir(filepath.Join(s.dataDir, sub))
	if err != nil {
		return fmt.Errorf("failed to read %s directory: %w", sub, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := fn(filepath.Join(s.dataDir, sub, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}
