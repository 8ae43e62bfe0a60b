package invoiceflow

import (
	"context"
	"sync"
	"time"
)

// EventType names an audit event.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventStageStarted      EventType = "stage_started"
	EventStageCompleted    EventType = "stage_completed"
	EventStageRetry        EventType = "stage_retry"
	EventStageFailed       EventType = "stage_failed"
	EventBranchDecision    EventType = "branch_decision"
	EventCheckpointCreated EventType = "checkpoint_created"
	EventHumanDecision     EventType = "human_decision"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventRequestRejected   EventType = "request_rejected"
)

// ActorType distinguishes engine actions from reviewer actions.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorHuman  ActorType = "human"
)

// SystemActorID is recorded as the actor for everything the engine does.
const SystemActorID = "invoiceflow"

// AuditEvent is one append-only entry in a run's history.
type AuditEvent struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Stage     StageID        `json:"stage_id,omitempty"`
	Type      EventType      `json:"event_type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	ActorType ActorType      `json:"actor_type"`
	ActorID   string         `json:"actor_id"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditSink records audit events. Record failures are logged by the engine
// and never fail a run.
type AuditSink interface {
	// Record appends an event.
	Record(ctx context.Context, event *AuditEvent) error

	// History returns a run's events in the order they were recorded.
	History(ctx context.Context, runID string) ([]*AuditEvent, error)
}

// NullAuditSink discards every event.
type NullAuditSink struct{}

func NewNullAuditSink() *NullAuditSink { return &NullAuditSink{} }

func (NullAuditSink) Record(ctx context.Context, event *AuditEvent) error { return nil }

func (NullAuditSink) History(ctx context.Context, runID string) ([]*AuditEvent, error) {
	return nil, nil
}

// MemoryAuditSink keeps events in memory.
type MemoryAuditSink struct {
	mutex  sync.RWMutex
	events []*AuditEvent
}

func NewMemoryAuditSink() *MemoryAuditSink { return &MemoryAuditSink{} }

func (s *MemoryAuditSink) Record(ctx context.Context, event *AuditEvent) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	e := *event
	if event.Details != nil {
		e.Details = copyMap(event.Details)
	}
	s.events = append(s.events, &e)
	return nil
}

func (s *MemoryAuditSink) History(ctx context.Context, runID string) ([]*AuditEvent, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	var out []*AuditEvent
	for _, e := range s.events {
		if e.RunID == runID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// Events returns every recorded event regardless of run.
func (s *MemoryAuditSink) Events() []*AuditEvent {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	out := make([]*AuditEvent, len(s.events))
	copy(out, s.events)
	return out
}
