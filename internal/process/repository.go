package process

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Harvey-AU/blue-banded-bus/internal/db"
)

// ErrProcessNotFound is returned when a process row is absent
var ErrProcessNotFound = errors.New("process not found")

// Repository persists process rows and their step audit
type Repository struct {
	db *sql.DB
}

// NewRepository creates a process repository backed by the given pool
func NewRepository(database *sql.DB) *Repository {
	if database == nil {
		panic("database connection is required")
	}
	return &Repository{db: database}
}

func (r *Repository) querier(tx db.Querier) db.Querier {
	if tx == nil {
		return r.db
	}
	return tx
}

// Save inserts a new process row
func (r *Repository) Save(ctx context.Context, tx db.Querier, p *Metadata) error {
	state, err := marshalJSON(p.State)
	if err != nil {
		return err
	}

	_, err = r.querier(tx).ExecContext(ctx, `
		INSERT INTO processes (
			domain, process_id, process_type, status, current_step, state,
			batch_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $8)
	`,
		p.Domain, p.ProcessID, p.ProcessType, p.Status,
		nullStr(p.CurrentStep), state, nullStr(p.BatchID), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save process: %w", err)
	}
	return nil
}

// Get fetches a process. Returns nil when it does not exist.
func (r *Repository) Get(ctx context.Context, tx db.Querier, domain, processID string) (*Metadata, error) {
	row := r.querier(tx).QueryRowContext(ctx, `
		SELECT domain, process_id, process_type, status, current_step, state,
			last_error, batch_id, created_at, updated_at, completed_at
		FROM processes WHERE domain = $1 AND process_id = $2
	`, domain, processID)

	var p Metadata
	var currentStep, lastError, batchID sql.NullString
	var state []byte
	var completedAt sql.NullTime

	err := row.Scan(
		&p.Domain, &p.ProcessID, &p.ProcessType, &p.Status, &currentStep,
		&state, &lastError, &batchID, &p.CreatedAt, &p.UpdatedAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get process: %w", err)
	}

	p.CurrentStep = currentStep.String
	p.LastError = lastError.String
	p.BatchID = batchID.String
	if len(state) > 0 {
		if err := json.Unmarshal(state, &p.State); err != nil {
			return nil, fmt.Errorf("failed to decode process state: %w", err)
		}
	}
	if completedAt.Valid {
		p.CompletedAt = completedAt.Time
	}
	return &p, nil
}

// Advance moves a process to its next step with updated state
func (r *Repository) Advance(ctx context.Context, tx db.Querier, domain, processID, step string, state map[string]interface{}) error {
	stateJSON, err := marshalJSON(state)
	if err != nil {
		return err
	}

	result, err := r.querier(tx).ExecContext(ctx, `
		UPDATE processes SET
			status = 'WAITING_FOR_REPLY', current_step = $3, state = $4::jsonb,
			updated_at = now()
		WHERE domain = $1 AND process_id = $2
	`, domain, processID, step, stateJSON)
	if err != nil {
		return fmt.Errorf("failed to advance process: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("%w: %s/%s", ErrProcessNotFound, domain, processID)
	}
	return nil
}

// Complete marks a process finished with its final state
func (r *Repository) Complete(ctx context.Context, tx db.Querier, domain, processID string, state map[string]interface{}) error {
	stateJSON, err := marshalJSON(state)
	if err != nil {
		return err
	}

	_, err = r.querier(tx).ExecContext(ctx, `
		UPDATE processes SET
			status = 'COMPLETED', state = $3::jsonb,
			updated_at = now(), completed_at = now()
		WHERE domain = $1 AND process_id = $2
	`, domain, processID, stateJSON)
	if err != nil {
		return fmt.Errorf("failed to complete process: %w", err)
	}
	return nil
}

// Fail marks a process failed with a diagnostic
func (r *Repository) Fail(ctx context.Context, tx db.Querier, domain, processID, reason string) error {
	_, err := r.querier(tx).ExecContext(ctx, `
		UPDATE processes SET
			status = 'FAILED', last_error = $3,
			updated_at = now(), completed_at = now()
		WHERE domain = $1 AND process_id = $2
	`, domain, processID, reason)
	if err != nil {
		return fmt.Errorf("failed to mark process failed: %w", err)
	}
	return nil
}

// RecordStepSent appends a step audit row for a sent command
func (r *Repository) RecordStepSent(ctx context.Context, tx db.Querier, domain, processID, step, commandID, commandType string, data map[string]interface{}) error {
	dataJSON, err := marshalJSON(data)
	if err != nil {
		return err
	}

	_, err = r.querier(tx).ExecContext(ctx, `
		INSERT INTO process_audit (domain, process_id, step_name, command_id, command_type, command_data, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, now())
	`, domain, processID, step, commandID, commandType, dataJSON)
	if err != nil {
		return fmt.Errorf("failed to record step sent: %w", err)
	}
	return nil
}

// RecordStepReply stamps the reply onto the step's audit row. The reason is
// the diagnostic carried by FAILED and CANCELED replies; empty for SUCCESS.
func (r *Repository) RecordStepReply(ctx context.Context, tx db.Querier, domain, processID, step, outcome, reason string, replyData map[string]interface{}) error {
	dataJSON, err := marshalJSON(replyData)
	if err != nil {
		return err
	}

	_, err = r.querier(tx).ExecContext(ctx, `
		UPDATE process_audit SET reply_outcome = $4, reply_reason = $5, reply_data = $6::jsonb, received_at = now()
		WHERE process_audit_id = (
			SELECT process_audit_id FROM process_audit
			WHERE domain = $1 AND process_id = $2 AND step_name = $3
			ORDER BY process_audit_id DESC LIMIT 1
		)
	`, domain, processID, step, outcome, nullStr(reason), dataJSON)
	if err != nil {
		return fmt.Errorf("failed to record step reply: %w", err)
	}
	return nil
}

// StepHistory returns a process's step audit rows in order
func (r *Repository) StepHistory(ctx context.Context, tx db.Querier, domain, processID string) ([]StepRecord, error) {
	rows, err := r.querier(tx).QueryContext(ctx, `
		SELECT process_audit_id, domain, process_id, step_name, command_id,
			command_type, command_data, sent_at, reply_outcome, reply_reason,
			reply_data, received_at
		FROM process_audit
		WHERE domain = $1 AND process_id = $2
		ORDER BY process_audit_id ASC
	`, domain, processID)
	if err != nil {
		return nil, fmt.Errorf("failed to get step history: %w", err)
	}
	defer rows.Close()

	var records []StepRecord
	for rows.Next() {
		var rec StepRecord
		var commandID, commandType, replyOutcome, replyReason sql.NullString
		var commandData, replyData []byte
		var sentAt, receivedAt sql.NullTime

		err := rows.Scan(
			&rec.RecordID, &rec.Domain, &rec.ProcessID, &rec.StepName,
			&commandID, &commandType, &commandData, &sentAt,
			&replyOutcome, &replyReason, &replyData, &receivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step record: %w", err)
		}

		rec.CommandID = commandID.String
		rec.CommandType = commandType.String
		rec.ReplyOutcome = replyOutcome.String
		rec.ReplyReason = replyReason.String
		if len(commandData) > 0 {
			if err := json.Unmarshal(commandData, &rec.CommandData); err != nil {
				return nil, fmt.Errorf("failed to decode command data: %w", err)
			}
		}
		if len(replyData) > 0 {
			if err := json.Unmarshal(replyData, &rec.ReplyData); err != nil {
				return nil, fmt.Errorf("failed to decode reply data: %w", err)
			}
		}
		if sentAt.Valid {
			rec.SentAt = sentAt.Time
		}
		if receivedAt.Valid {
			rec.ReceivedAt = receivedAt.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalJSON(m map[string]interface{}) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal json: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
