package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Harvey-AU/blue-banded-bus/internal/db"
)

// BatchRepository persists batch metadata and invokes the aggregate counter
// stored procedures
type BatchRepository struct {
	db *sql.DB
}

// NewBatchRepository creates a batch repository backed by the given pool
func NewBatchRepository(database *sql.DB) *BatchRepository {
	if database == nil {
		panic("database connection is required")
	}
	return &BatchRepository{db: database}
}

func (r *BatchRepository) querier(tx db.Querier) db.Querier {
	if tx == nil {
		return r.db
	}
	return tx
}

// Save inserts a new batch row
func (r *BatchRepository) Save(ctx context.Context, tx db.Querier, batch *BatchMetadata) error {
	customData, err := marshalDetails(batch.CustomData)
	if err != nil {
		return err
	}

	_, err = r.querier(tx).ExecContext(ctx, `
		INSERT INTO batches (domain, batch_id, name, custom_data, status, total_count, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)
	`,
		batch.Domain, batch.BatchID, nullString(batch.Name), customData,
		batch.Status, batch.TotalCount, batch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

// Get fetches a batch. Returns nil when it does not exist.
func (r *BatchRepository) Get(ctx context.Context, tx db.Querier, domain, batchID string) (*BatchMetadata, error) {
	row := r.querier(tx).QueryRowContext(ctx, `
		SELECT domain, batch_id, name, custom_data, status, total_count,
			completed_count, failed_count, canceled_count, in_troubleshooting_count,
			created_at, started_at, completed_at
		FROM batches WHERE domain = $1 AND batch_id = $2
	`, domain, batchID)

	batch, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}
	return batch, nil
}

// Exists reports whether a batch exists
func (r *BatchRepository) Exists(ctx context.Context, tx db.Querier, domain, batchID string) (bool, error) {
	var exists bool
	err := r.querier(tx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM batches WHERE domain = $1 AND batch_id = $2)`,
		domain, batchID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check batch existence: %w", err)
	}
	return exists, nil
}

// List returns batches for a domain ordered by created_at descending
func (r *BatchRepository) List(ctx context.Context, tx db.Querier, domain string, status BatchStatus, limit, offset int) ([]*BatchMetadata, error) {
	query := `
		SELECT domain, batch_id, name, custom_data, status, total_count,
			completed_count, failed_count, canceled_count, in_troubleshooting_count,
			created_at, started_at, completed_at
		FROM batches WHERE domain = $1
	`
	args := []interface{}{domain}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.querier(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*BatchMetadata
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}

// UpdateOnReceive promotes a PENDING batch to IN_PROGRESS on first receive
func (r *BatchRepository) UpdateOnReceive(ctx context.Context, tx db.Querier, domain, batchID string) error {
	if _, err := r.querier(tx).ExecContext(ctx,
		`SELECT sp_update_batch_on_receive($1, $2)`, domain, batchID,
	); err != nil {
		return fmt.Errorf("failed to update batch on receive: %w", err)
	}
	return nil
}

// UpdateOnComplete increments completed_count and reports whether the batch
// became terminal
func (r *BatchRepository) UpdateOnComplete(ctx context.Context, tx db.Querier, domain, batchID string) (bool, error) {
	return r.counterWithTerminal(ctx, tx, `SELECT sp_update_batch_on_complete($1, $2)`, domain, batchID)
}

// UpdateOnTSQMove increments in_troubleshooting_count
func (r *BatchRepository) UpdateOnTSQMove(ctx context.Context, tx db.Querier, domain, batchID string) error {
	if _, err := r.querier(tx).ExecContext(ctx,
		`SELECT sp_update_batch_on_tsq_move($1, $2)`, domain, batchID,
	); err != nil {
		return fmt.Errorf("failed to update batch on tsq move: %w", err)
	}
	return nil
}

// UpdateOnTSQComplete moves a command from troubleshooting to completed and
// reports whether the batch became terminal
func (r *BatchRepository) UpdateOnTSQComplete(ctx context.Context, tx db.Querier, domain, batchID string) (bool, error) {
	return r.counterWithTerminal(ctx, tx, `SELECT sp_update_batch_on_tsq_complete($1, $2)`, domain, batchID)
}

// UpdateOnTSQCancel moves a command from troubleshooting to canceled and
// reports whether the batch became terminal
func (r *BatchRepository) UpdateOnTSQCancel(ctx context.Context, tx db.Querier, domain, batchID string) (bool, error) {
	return r.counterWithTerminal(ctx, tx, `SELECT sp_update_batch_on_tsq_cancel($1, $2)`, domain, batchID)
}

// UpdateOnTSQRetry decrements in_troubleshooting_count for an operator retry
func (r *BatchRepository) UpdateOnTSQRetry(ctx context.Context, tx db.Querier, domain, batchID string) error {
	if _, err := r.querier(tx).ExecContext(ctx,
		`SELECT sp_update_batch_on_tsq_retry($1, $2)`, domain, batchID,
	); err != nil {
		return fmt.Errorf("failed to update batch on tsq retry: %w", err)
	}
	return nil
}

func (r *BatchRepository) counterWithTerminal(ctx context.Context, tx db.Querier, query, domain, batchID string) (bool, error) {
	var terminal bool
	if err := r.querier(tx).QueryRowContext(ctx, query, domain, batchID).Scan(&terminal); err != nil {
		return false, fmt.Errorf("failed to update batch counters: %w", err)
	}
	return terminal, nil
}

func scanBatch(row rowScanner) (*BatchMetadata, error) {
	var batch BatchMetadata
	var name sql.NullString
	var customData []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&batch.Domain, &batch.BatchID, &name, &customData, &batch.Status,
		&batch.TotalCount, &batch.CompletedCount, &batch.FailedCount,
		&batch.CanceledCount, &batch.InTroubleshootingCount,
		&batch.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	batch.Name = name.String
	if len(customData) > 0 {
		if err := json.Unmarshal(customData, &batch.CustomData); err != nil {
			return nil, fmt.Errorf("failed to decode batch custom data: %w", err)
		}
	}
	if startedAt.Valid {
		batch.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		batch.CompletedAt = completedAt.Time
	}
	return &batch, nil
}
