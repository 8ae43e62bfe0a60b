package invoiceflow

import "context"

// ListOptions filters and pages run listings.
type ListOptions struct {
	Status RunStatus
	Limit  int
	Offset int
}

// RunStore persists workflow runs.
type RunStore interface {
	// CreateRun stores a new run. The ID must be unique.
	CreateRun(ctx context.Context, run *Run) error

	// UpdateRun replaces the stored copy of an existing run.
	UpdateRun(ctx context.Context, run *Run) error

	// GetRun returns a copy of the run or ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns returns runs oldest first.
	ListRuns(ctx context.Context, opts ListOptions) ([]*Run, error)

	// DeleteRun removes a run and its checkpoints.
	DeleteRun(ctx context.Context, runID string) error
}

// CheckpointStore persists HITL checkpoints.
type CheckpointStore interface {
	// CreateCheckpoint stores a new, unresolved checkpoint.
	CreateCheckpoint(ctx context.Context, cp *Checkpoint) error

	// ResolveCheckpoint marks a checkpoint resolved exactly once. Concurrent
	// callers race on an atomic compare-and-set: one wins, the others get
	// ErrCheckpointAlreadyResolved. Unknown ids get ErrCheckpointNotFound.
	ResolveCheckpoint(ctx context.Context, id string, res Resolution) (*Checkpoint, error)

	// GetCheckpoint returns a copy of the checkpoint or ErrCheckpointNotFound.
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)

	// ListPendingCheckpoints returns unresolved checkpoints, oldest first.
	ListPendingCheckpoints(ctx context.Context, limit, offset int) ([]*Checkpoint, error)
}

// Store persists both runs and checkpoints.
type Store interface {
	RunStore
	CheckpointStore
}

// DefaultPageSize is used when a listing is requested with a zero limit.
const DefaultPageSize = 50

// Page applies limit and offset to an already ordered slice.
func Page[T any](items []T, limit, offset int) []T {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	if limit > len(items)-offset {
		return items[offset:]
	}
	return items[offset : offset+limit]
}
