package invoiceflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps runs and checkpoints in process memory. Every value is
// copied on the way in and out, so callers never share state with the store.
type MemoryStore struct {
	mutex       sync.RWMutex
	runs        map[string]*Run
	checkpoints map[string]*Checkpoint
	seq         map[string]int
	next        int
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        map[string]*Run{},
		checkpoints: map[string]*Checkpoint{},
		seq:         map[string]int{},
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run.Clone()
	s.seq[run.ID] = s.nextSeq()
	return nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *Run) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrRunNotFound)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return run.Clone(), nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, opts ListOptions) ([]*Run, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var runs []*Run
	for _, run := range s.runs {
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool {
		return s.seq[runs[i].ID] < s.seq[runs[j].ID]
	})
	page := Page(runs, opts.Limit, opts.Offset)
	out := make([]*Run, len(page))
	for i, run := range page {
		out[i] = run.Clone()
	}
	return out, nil
}

func (s *MemoryStore) DeleteRun(ctx context.Context, runID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.runs, runID)
	delete(s.seq, runID)
	for id, cp := range s.checkpoints {
		if cp.RunID == runID {
			delete(s.checkpoints, id)
			delete(s.seq, id)
		}
	}
	return nil
}

func (s *MemoryStore) CreateCheckpoint(ctx context.Context, cp *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.checkpoints[cp.ID]; ok {
		return fmt.Errorf("checkpoint %s already exists", cp.ID)
	}
	s.checkpoints[cp.ID] = cp.Clone()
	s.seq[cp.ID] = s.nextSeq()
	return nil
}

func (s *MemoryStore) ResolveCheckpoint(ctx context.Context, id string, res Resolution) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrCheckpointNotFound)
	}
	if cp.Resolved {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrCheckpointAlreadyResolved)
	}
	cp.MarkResolved(res)
	return cp.Clone(), nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	cp, ok := s.checkpoints[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", id, ErrCheckpointNotFound)
	}
	return cp.Clone(), nil
}

func (s *MemoryStore) ListPendingCheckpoints(ctx context.Context, limit, offset int) ([]*Checkpoint, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var pending []*Checkpoint
	for _, cp := range s.checkpoints {
		if !cp.Resolved {
			pending = append(pending, cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		if !pending[i].CreatedAt.Equal(pending[j].CreatedAt) {
			return pending[i].CreatedAt.Before(pending[j].CreatedAt)
		}
		return s.seq[pending[i].ID] < s.seq[pending[j].ID]
	})
	page := Page(pending, limit, offset)
	out := make([]*Checkpoint, len(page))
	for i, cp := range page {
		out[i] = cp.Clone()
	}
	return out, nil
}

func (s *MemoryStore) nextSeq() int {
	s.next++
	return s.next
}
