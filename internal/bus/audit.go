package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Harvey-AU/blue-banded-bus/internal/db"
	"github.com/lib/pq"
)

// AuditLogger appends lifecycle events to the command audit trail. Rows are
// never mutated or deleted for active commands.
type AuditLogger struct {
	db *sql.DB
}

// NewAuditLogger creates an audit logger backed by the given pool
func NewAuditLogger(database *sql.DB) *AuditLogger {
	if database == nil {
		panic("database connection is required")
	}
	return &AuditLogger{db: database}
}

func (a *AuditLogger) querier(tx db.Querier) db.Querier {
	if tx == nil {
		return a.db
	}
	return tx
}

// Log appends a single audit event
func (a *AuditLogger) Log(ctx context.Context, tx db.Querier, domain, commandID string, eventType AuditEventType, details map[string]interface{}) error {
	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return err
	}

	_, err = a.querier(tx).ExecContext(ctx,
		`INSERT INTO command_audit (domain, command_id, event_type, details) VALUES ($1, $2, $3, $4::jsonb)`,
		domain, commandID, eventType, detailsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to log audit event: %w", err)
	}
	return nil
}

// LogBatch appends audit events in a single multi-row insert
func (a *AuditLogger) LogBatch(ctx context.Context, tx db.Querier, events []AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	domains := make([]string, len(events))
	commandIDs := make([]string, len(events))
	eventTypes := make([]string, len(events))
	details := make([]sql.NullString, len(events))

	for i, e := range events {
		domains[i] = e.Domain
		commandIDs[i] = e.CommandID
		eventTypes[i] = string(e.EventType)
		d, err := marshalDetails(e.Details)
		if err != nil {
			return err
		}
		details[i] = d
	}

	_, err := a.querier(tx).ExecContext(ctx, `
		INSERT INTO command_audit (domain, command_id, event_type, details)
		SELECT domain, command_id, event_type, details::jsonb
		FROM (
			SELECT
				unnest($1::text[]) AS domain,
				unnest($2::text[]) AS command_id,
				unnest($3::text[]) AS event_type,
				unnest($4::text[]) AS details
		) AS new_events
	`, pq.Array(domains), pq.Array(commandIDs), pq.Array(eventTypes), pq.Array(details))
	if err != nil {
		return fmt.Errorf("failed to batch log audit events: %w", err)
	}
	return nil
}

// GetEvents returns a command's audit trail in chronological order
func (a *AuditLogger) GetEvents(ctx context.Context, tx db.Querier, domain, commandID string) ([]AuditEvent, error) {
	rows, err := a.querier(tx).QueryContext(ctx, `
		SELECT audit_id, domain, command_id, event_type, created_at, details
		FROM command_audit
		WHERE domain = $1 AND command_id = $2
		ORDER BY audit_id ASC
	`, domain, commandID)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var details []byte
		if err := rows.Scan(&e.AuditID, &e.Domain, &e.CommandID, &e.EventType, &e.CreatedAt, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode audit details: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
