package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/invoiceflow"
)

// AuditSink appends audit events to the invoice_audit_log table.
type AuditSink struct {
	db *sql.DB
}

var _ invoiceflow.AuditSink = (*AuditSink)(nil)

// NewAuditSink returns a sink writing to db. The table is created by
// Store.InitSchema.
func NewAuditSink(db *sql.DB) *AuditSink {
	return &AuditSink{db: db}
}

func (s *AuditSink) Record(ctx context.Context, event *invoiceflow.AuditEvent) error {
	var details string
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		details = string(data)
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO invoice_audit_log
		(id, run_id, stage_id, event_type, message, details, actor_type, actor_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.RunID, string(event.Stage), string(event.Type), event.Message,
		details, string(event.ActorType), event.ActorID, formatTime(event.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

func (s *AuditSink) History(ctx context.Context, runID string) ([]*invoiceflow.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, stage_id, event_type, message, details, actor_type, actor_id, timestamp
		FROM invoice_audit_log
		WHERE run_id = ?
		ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit history: %w", err)
	}
	defer rows.Close()

	events := []*invoiceflow.AuditEvent{}
	for rows.Next() {
		var (
			e                     invoiceflow.AuditEvent
			stage, typ, actor, ts string
			details               string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &stage, &typ, &e.Message, &details, &actor, &e.ActorID, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		e.Stage = invoiceflow.StageID(stage)
		e.Type = invoiceflow.EventType(typ)
		e.ActorType = invoiceflow.ActorType(actor)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if details != "" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
