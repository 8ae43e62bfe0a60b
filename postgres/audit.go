package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/invoiceflow"
)

// AuditSink appends audit events to the invoice_audit_log table.
type AuditSink struct {
	pool DBPool
}

var _ invoiceflow.AuditSink = (*AuditSink)(nil)

// NewAuditSink returns a sink writing through pool. The table is created by
// Store.InitSchema.
func NewAuditSink(pool DBPool) *AuditSink {
	return &AuditSink{pool: pool}
}

func (s *AuditSink) Record(ctx context.Context, event *invoiceflow.AuditEvent) error {
	var details []byte
	if len(event.Details) > 0 {
		var err error
		if details, err = json.Marshal(event.Details); err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO invoice_audit_log
		(id, run_id, stage_id, event_type, message, details, actor_type, actor_id, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.RunID, string(event.Stage), string(event.Type), event.Message,
		details, string(event.ActorType), event.ActorID, event.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

func (s *AuditSink) History(ctx context.Context, runID string) ([]*invoiceflow.AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, run_id, stage_id, event_type, message, details, actor_type, actor_id, timestamp
		FROM invoice_audit_log
		WHERE run_id = $1
		ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit history: %w", err)
	}
	defer rows.Close()

	events := []*invoiceflow.AuditEvent{}
	for rows.Next() {
		var (
			e                 invoiceflow.AuditEvent
			stage, typ, actor string
			details           []byte
		)
		if err := rows.Scan(&e.ID, &e.RunID, &stage, &typ, &e.Message, &details, &actor, &e.ActorID, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.Stage = invoiceflow.StageID(stage)
		e.Type = invoiceflow.EventType(typ)
		e.ActorType = invoiceflow.ActorType(actor)
		e.Timestamp = e.Timestamp.UTC()
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}
	return events, nil
}
