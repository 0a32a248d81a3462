package events

import (
	"context"
	"encoding/json"
	"fmt"
)

const createSecurityEventsTable = `
CREATE TABLE IF NOT EXISTS security_events (
    event_id     String,
    event_type   LowCardinality(String),
    occurred_at  DateTime64(3, 'UTC'),
    contact_hash String,
    contact_type LowCardinality(String),
    user_id      String,
    reason       String,
    metadata     String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(occurred_at)
ORDER BY (event_type, occurred_at)
TTL toDateTime(occurred_at) + INTERVAL 180 DAY`

const insertSecurityEvent = `INSERT INTO security_events
    (event_id, event_type, occurred_at, contact_hash, contact_type, user_id, reason, metadata)`

// BatchWriter is satisfied by client.ClickHouseClient.
type BatchWriter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

type ClickHousePublisher struct {
	db BatchWriter
}

func NewClickHousePublisher(db BatchWriter) *ClickHousePublisher {
	return &ClickHousePublisher{db: db}
}

func (p *ClickHousePublisher) EnsureSchema(ctx context.Context) error {
	if err := p.db.Exec(ctx, createSecurityEventsTable); err != nil {
		return fmt.Errorf("failed to create security_events table: %w", err)
	}
	return nil
}

func (p *ClickHousePublisher) Publish(ctx context.Context, event *SecurityEvent) error {
	metadata := "{}"
	if len(event.Metadata) > 0 {
		b, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode event metadata: %w", err)
		}
		metadata = string(b)
	}

	row := []interface{}{
		event.ID,
		string(event.Type),
		event.OccurredAt,
		event.ContactHash,
		event.ContactType,
		event.UserID,
		event.Reason,
		metadata,
	}
	if err := p.db.BatchInsert(ctx, insertSecurityEvent, [][]interface{}{row}); err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}
