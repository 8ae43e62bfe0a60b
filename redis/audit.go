package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deepnoodle-ai/invoiceflow"
	"github.com/redis/go-redis/v9"
)

// AuditSink appends audit events to one Redis list per run.
type AuditSink struct {
	client *redis.Client
	prefix string
}

var _ invoiceflow.AuditSink = (*AuditSink)(nil)

// NewAuditSink returns a sink sharing the store's client and prefix.
func NewAuditSink(client *redis.Client, prefix string) *AuditSink {
	if prefix == "" {
		prefix = "invoiceflow:"
	}
	return &AuditSink{client: client, prefix: prefix}
}

func (s *AuditSink) key(runID string) string {
	return fmt.Sprintf("%saudit:%s", s.prefix, runID)
}

func (s *AuditSink) Record(ctx context.Context, event *invoiceflow.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	if err := s.client.RPush(ctx, s.key(event.RunID), data).Err(); err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

func (s *AuditSink) History(ctx context.Context, runID string) ([]*invoiceflow.AuditEvent, error) {
	values, err := s.client.LRange(ctx, s.key(runID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load audit history: %w", err)
	}
	events := make([]*invoiceflow.AuditEvent, 0, len(values))
	for _, value := range values {
		var event invoiceflow.AuditEvent
		if err := json.Unmarshal([]byte(value), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit event: %w", err)
		}
		events = append(events, &event)
	}
	return events, nil
}
