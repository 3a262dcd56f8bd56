package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Harvey-AU/blue-banded-bus/internal/db"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

const commandColumns = `domain, command_id, queue_name, msg_id, command_type, status,
	attempts, max_attempts, correlation_id, reply_queue,
	last_error_type, last_error_code, last_error_msg, batch_id,
	created_at, updated_at`

// CommandRepository persists command metadata rows
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository creates a command repository backed by the given pool
func NewCommandRepository(database *sql.DB) *CommandRepository {
	if database == nil {
		panic("database connection is required")
	}
	return &CommandRepository{db: database}
}

func (r *CommandRepository) querier(tx db.Querier) db.Querier {
	if tx == nil {
		return r.db
	}
	return tx
}

// Exists reports whether a (domain, command_id) pair already exists
func (r *CommandRepository) Exists(ctx context.Context, tx db.Querier, domain, commandID string) (bool, error) {
	var exists bool
	err := r.querier(tx).QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM commands WHERE domain = $1 AND command_id = $2)`,
		domain, commandID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check command existence: %w", err)
	}
	return exists, nil
}

// ExistsBatch returns the subset of commandIDs that already exist in the domain
func (r *CommandRepository) ExistsBatch(ctx context.Context, tx db.Querier, domain string, commandIDs []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(commandIDs) == 0 {
		return existing, nil
	}

	rows, err := r.querier(tx).QueryContext(ctx,
		`SELECT command_id FROM commands WHERE domain = $1 AND command_id = ANY($2::text[])`,
		domain, pq.Array(commandIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to check batch command existence: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan command id: %w", err)
		}
		existing[id] = struct{}{}
	}
	return existing, rows.Err()
}

// Save inserts a new command metadata row
func (r *CommandRepository) Save(ctx context.Context, tx db.Querier, meta *CommandMetadata) error {
	_, err := r.querier(tx).ExecContext(ctx, `
		INSERT INTO commands (
			domain, command_id, queue_name, msg_id, command_type, status,
			attempts, max_attempts, correlation_id, reply_queue, batch_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`,
		meta.Domain, meta.CommandID, meta.QueueName, meta.MsgID,
		meta.CommandType, meta.Status, meta.Attempts, meta.MaxAttempts,
		meta.CorrelationID, nullString(meta.ReplyTo), nullString(meta.BatchID),
		meta.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return duplicateCommandError(meta.Domain, meta.CommandID)
		}
		return fmt.Errorf("failed to save command: %w", err)
	}
	return nil
}

// SaveBatch inserts command metadata rows in a single statement
func (r *CommandRepository) SaveBatch(ctx context.Context, tx db.Querier, metas []*CommandMetadata) error {
	if len(metas) == 0 {
		return nil
	}

	domains := make([]string, len(metas))
	commandIDs := make([]string, len(metas))
	queueNames := make([]string, len(metas))
	msgIDs := make([]int64, len(metas))
	commandTypes := make([]string, len(metas))
	statuses := make([]string, len(metas))
	maxAttempts := make([]int, len(metas))
	correlationIDs := make([]string, len(metas))
	replyQueues := make([]sql.NullString, len(metas))
	batchIDs := make([]sql.NullString, len(metas))
	createdAts := make([]time.Time, len(metas))

	for i, m := range metas {
		domains[i] = m.Domain
		commandIDs[i] = m.CommandID
		queueNames[i] = m.QueueName
		msgIDs[i] = m.MsgID
		commandTypes[i] = m.CommandType
		statuses[i] = string(m.Status)
		maxAttempts[i] = m.MaxAttempts
		correlationIDs[i] = m.CorrelationID
		replyQueues[i] = nullString(m.ReplyTo)
		batchIDs[i] = nullString(m.BatchID)
		createdAts[i] = m.CreatedAt
	}

	_, err := r.querier(tx).ExecContext(ctx, `
		INSERT INTO commands (
			domain, command_id, queue_name, msg_id, command_type, status,
			attempts, max_attempts, correlation_id, reply_queue, batch_id,
			created_at, updated_at
		)
		SELECT domain, command_id, queue_name, msg_id, command_type, status,
			0, max_attempts, correlation_id, reply_queue, batch_id,
			created_at, created_at
		FROM (
			SELECT
				unnest($1::text[]) AS domain,
				unnest($2::text[]) AS command_id,
				unnest($3::text[]) AS queue_name,
				unnest($4::bigint[]) AS msg_id,
				unnest($5::text[]) AS command_type,
				unnest($6::text[]) AS status,
				unnest($7::integer[]) AS max_attempts,
				unnest($8::text[]) AS correlation_id,
				unnest($9::text[]) AS reply_queue,
				unnest($10::text[]) AS batch_id,
				unnest($11::timestamptz[]) AS created_at
		) AS new_commands
	`,
		pq.Array(domains), pq.Array(commandIDs), pq.Array(queueNames),
		pq.Array(msgIDs), pq.Array(commandTypes), pq.Array(statuses),
		pq.Array(maxAttempts), pq.Array(correlationIDs), pq.Array(replyQueues),
		pq.Array(batchIDs), pq.Array(createdAts),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: batch insert collided", ErrDuplicateCommand)
		}
		return fmt.Errorf("failed to batch save commands: %w", err)
	}
	return nil
}

// Get fetches a command by its (domain, command_id) key. Returns nil when the
// command does not exist.
func (r *CommandRepository) Get(ctx context.Context, tx db.Querier, domain, commandID string) (*CommandMetadata, error) {
	row := r.querier(tx).QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE domain = $1 AND command_id = $2`,
		domain, commandID,
	)

	meta, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	return meta, nil
}

// QueryFilter narrows a command listing
type QueryFilter struct {
	Status        CommandStatus
	Domain        string
	CommandType   string
	CreatedAfter  time.Time
	CreatedBefore time.Time
	Limit         int
	Offset        int
}

// Query lists commands ordered by created_at descending
func (r *CommandRepository) Query(ctx context.Context, tx db.Querier, filter QueryFilter) ([]*CommandMetadata, error) {
	var conditions []string
	var args []interface{}

	addCondition := func(clause string, value interface{}) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if filter.Status != "" {
		addCondition("status = $%d", string(filter.Status))
	}
	if filter.Domain != "" {
		addCondition("domain = $%d", filter.Domain)
	}
	if filter.CommandType != "" {
		addCondition("command_type = $%d", filter.CommandType)
	}
	if !filter.CreatedAfter.IsZero() {
		addCondition("created_at >= $%d", filter.CreatedAfter)
	}
	if !filter.CreatedBefore.IsZero() {
		addCondition("created_at <= $%d", filter.CreatedBefore)
	}

	query := `SELECT ` + commandColumns + ` FROM commands`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.querier(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	var metas []*CommandMetadata
	for rows.Next() {
		meta, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		metas = append(metas, meta)
	}
	return metas, rows.Err()
}

// UpdateStatus transitions a command's status
func (r *CommandRepository) UpdateStatus(ctx context.Context, tx db.Querier, domain, commandID string, status CommandStatus) error {
	result, err := r.querier(tx).ExecContext(ctx,
		`UPDATE commands SET status = $3, updated_at = now() WHERE domain = $1 AND command_id = $2`,
		domain, commandID, status,
	)
	if err != nil {
		return fmt.Errorf("failed to update command status: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return commandNotFoundError(domain, commandID)
	}
	return nil
}

// UpdateMsgID points a command at a new queue message
func (r *CommandRepository) UpdateMsgID(ctx context.Context, tx db.Querier, domain, commandID string, msgID int64) error {
	_, err := r.querier(tx).ExecContext(ctx,
		`UPDATE commands SET msg_id = $3, updated_at = now() WHERE domain = $1 AND command_id = $2`,
		domain, commandID, msgID,
	)
	if err != nil {
		return fmt.Errorf("failed to update command msg_id: %w", err)
	}
	return nil
}

// UpdateError stamps a command's last error
func (r *CommandRepository) UpdateError(ctx context.Context, tx db.Querier, domain, commandID string, cmdErr *CommandError) error {
	_, err := r.querier(tx).ExecContext(ctx, `
		UPDATE commands SET
			last_error_type = $3, last_error_code = $4, last_error_msg = $5,
			updated_at = now()
		WHERE domain = $1 AND command_id = $2
	`, domain, commandID, cmdErr.Kind, cmdErr.Code, cmdErr.Message)
	if err != nil {
		return fmt.Errorf("failed to update command error: %w", err)
	}
	return nil
}

// IncrementAttempts bumps the attempts counter and returns the new value
func (r *CommandRepository) IncrementAttempts(ctx context.Context, tx db.Querier, domain, commandID string) (int, error) {
	var attempts int
	err := r.querier(tx).QueryRowContext(ctx, `
		UPDATE commands SET attempts = attempts + 1, updated_at = now()
		WHERE domain = $1 AND command_id = $2
		RETURNING attempts
	`, domain, commandID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, commandNotFoundError(domain, commandID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	return attempts, nil
}

// ReceiveCommand atomically transitions a non-terminal command to the target
// status, increments attempts and returns the updated row. Returns nil when
// the command is already terminal, in which case the caller archives the
// redelivered queue message.
func (r *CommandRepository) ReceiveCommand(ctx context.Context, tx db.Querier, domain, commandID string, msgID int64) (*CommandMetadata, error) {
	row := r.querier(tx).QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM sp_receive_command($1, $2, 'IN_PROGRESS', $3)`,
		domain, commandID, msgID,
	)

	meta, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to receive command: %w", err)
	}
	return meta, nil
}

// FinishCommand writes the terminal state, the audit event and the batch
// counter update in one round-trip. Returns whether the batch also became
// terminal.
func (r *CommandRepository) FinishCommand(ctx context.Context, tx db.Querier, domain, commandID string, status CommandStatus, event AuditEventType, cmdErr *CommandError, details map[string]interface{}, batchID string) (bool, error) {
	var errType, errCode, errMsg sql.NullString
	if cmdErr != nil {
		errType = sql.NullString{String: string(cmdErr.Kind), Valid: true}
		errCode = sql.NullString{String: cmdErr.Code, Valid: true}
		errMsg = sql.NullString{String: cmdErr.Message, Valid: true}
	}

	detailsJSON, err := marshalDetails(details)
	if err != nil {
		return false, err
	}

	var batchTerminal bool
	err = r.querier(tx).QueryRowContext(ctx,
		`SELECT sp_finish_command($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)`,
		domain, commandID, status, event, errType, errCode, errMsg,
		detailsJSON, nullString(batchID),
	).Scan(&batchTerminal)
	if err != nil {
		return false, fmt.Errorf("failed to finish command: %w", err)
	}
	return batchTerminal, nil
}

// ResetForRetry rewinds a command for a fresh delivery: PENDING status, zeroed
// attempts, cleared error and a new queue message id
func (r *CommandRepository) ResetForRetry(ctx context.Context, tx db.Querier, domain, commandID string, msgID int64) error {
	result, err := r.querier(tx).ExecContext(ctx, `
		UPDATE commands SET
			status = 'PENDING', attempts = 0, msg_id = $3,
			last_error_type = NULL, last_error_code = NULL, last_error_msg = NULL,
			updated_at = now()
		WHERE domain = $1 AND command_id = $2
	`, domain, commandID, msgID)
	if err != nil {
		return fmt.Errorf("failed to reset command for retry: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return commandNotFoundError(domain, commandID)
	}
	return nil
}

// FailCommand stamps a transient failure without leaving IN_PROGRESS; the
// worker then defers redelivery via the queue visibility timeout
func (r *CommandRepository) FailCommand(ctx context.Context, tx db.Querier, domain, commandID string, cmdErr *CommandError, attempts, maxAttempts int, msgID int64) (bool, error) {
	var updated bool
	err := r.querier(tx).QueryRowContext(ctx,
		`SELECT sp_fail_command($1, $2, $3, $4, $5, $6, $7, $8)`,
		domain, commandID, cmdErr.Kind, cmdErr.Code, cmdErr.Message,
		attempts, maxAttempts, msgID,
	).Scan(&updated)
	if err != nil {
		return false, fmt.Errorf("failed to record command failure: %w", err)
	}
	return updated, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommand(row rowScanner) (*CommandMetadata, error) {
	var meta CommandMetadata
	var msgID sql.NullInt64
	var correlationID, replyQueue, batchID sql.NullString
	var errType, errCode, errMsg sql.NullString

	err := row.Scan(
		&meta.Domain, &meta.CommandID, &meta.QueueName, &msgID,
		&meta.CommandType, &meta.Status, &meta.Attempts, &meta.MaxAttempts,
		&correlationID, &replyQueue, &errType, &errCode, &errMsg, &batchID,
		&meta.CreatedAt, &meta.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	meta.MsgID = msgID.Int64
	meta.CorrelationID = correlationID.String
	meta.ReplyTo = replyQueue.String
	meta.BatchID = batchID.String
	if errType.Valid {
		meta.LastError = &CommandError{
			Kind:    ErrorKind(errType.String),
			Code:    errCode.String,
			Message: errMsg.String,
		}
	}
	return &meta, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalDetails(details map[string]interface{}) (sql.NullString, error) {
	if details == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal details: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func isUniqueViolation(err error) bool {
	// The pool runs on the pgx driver; lib/pq only serves LISTEN connections
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
