package invoiceflow

import "time"

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending       RunStatus = "PENDING"
	RunStatusRunning       RunStatus = "RUNNING"
	RunStatusPaused        RunStatus = "PAUSED"
	RunStatusCompleted     RunStatus = "COMPLETED"
	RunStatusFailed        RunStatus = "FAILED"
	RunStatusManualHandoff RunStatus = "MANUAL_HANDOFF"
)

// Terminal reports whether no further transitions are possible.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusManualHandoff:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusPaused,
		RunStatusCompleted, RunStatusFailed, RunStatusManualHandoff:
		return true
	}
	return false
}

// Run is one invoice moving through the pipeline.
type Run struct {
	ID           string    `json:"id"`
	InvoiceID    string    `json:"invoice_id"`
	Status       RunStatus `json:"status"`
	CurrentStage StageID   `json:"current_stage,omitempty"`
	State        State     `json:"state"`
	RetryCount   int       `json:"retry_count"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.State = r.State.Clone()
	return &out
}

// Outcome is what Start and Resume report back to the caller.
type Outcome struct {
	RunID        string    `json:"run_id"`
	Status       RunStatus `json:"status"`
	CurrentStage StageID   `json:"current_stage"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
}

func outcomeOf(run *Run, checkpointID string) *Outcome {
	return &Outcome{
		RunID:        run.ID,
		Status:       run.Status,
		CurrentStage: run.CurrentStage,
		CheckpointID: checkpointID,
	}
}
