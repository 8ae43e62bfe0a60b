package invoiceflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func auditEvent(id, runID string, typ EventType) *AuditEvent {
	return &AuditEvent{
		ID:        id,
		RunID:     runID,
		Type:      typ,
		Message:   string(typ),
		ActorType: ActorSystem,
		ActorID:   SystemActorID,
		Timestamp: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
	}
}

func TestMemoryAuditSink(t *testing.T) {
	ctx := context.Background()
	sink := NewMemoryAuditSink()

	event := auditEvent("evt_1", "run_1", EventWorkflowStarted)
	event.Details = map[string]any{"invoice_id": "INV-1"}
	require.NoError(t, sink.Record(ctx, event))
	require.NoError(t, sink.Record(ctx, auditEvent("evt_2", "run_2", EventWorkflowStarted)))
	require.NoError(t, sink.Record(ctx, auditEvent("evt_3", "run_1", EventStageStarted)))

	// Later changes to the caller's event must not leak into history.
	event.Details["invoice_id"] = "INV-2"

	history, err := sink.History(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "evt_1", history[0].ID)
	require.Equal(t, "INV-1", history[0].Details["invoice_id"])
	require.Equal(t, "evt_3", history[1].ID)
	require.Len(t, sink.Events(), 3)
}

func TestFileAuditSink(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "audit")
	sink := NewFileAuditSink(dir)

	history, err := sink.History(ctx, "run_1")
	require.NoError(t, err)
	require.Empty(t, history)

	decided := auditEvent("evt_2", "run_1", EventHumanDecision)
	decided.ActorType = ActorHuman
	decided.ActorID = "r1"
	decided.Details = map[string]any{"decision": "REJECT"}
	require.NoError(t, sink.Record(ctx, auditEvent("evt_1", "run_1", EventWorkflowStarted)))
	require.NoError(t, sink.Record(ctx, decided))
	require.NoError(t, sink.Record(ctx, auditEvent("evt_3", "", EventRequestRejected)))

	history, err = sink.History(ctx, "run_1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, EventWorkflowStarted, history[0].Type)
	require.Equal(t, ActorHuman, history[1].ActorType)
	require.Equal(t, "REJECT", history[1].Details["decision"])

	_, err = os.Stat(filepath.Join(dir, "_unassigned.jsonl"))
	require.NoError(t, err)
	unassigned, err := sink.History(ctx, "")
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	require.Equal(t, EventRequestRejected, unassigned[0].Type)
}

func TestNullAuditSink(t *testing.T) {
	ctx := context.Background()
	sink := NewNullAuditSink()
	require.NoError(t, sink.Record(ctx, auditEvent("evt_1", "run_1", EventWorkflowStarted)))
	history, err := sink.History(ctx, "run_1")
	require.NoError(t, err)
	require.Empty(t, history)
}
