package bus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// TSQEntry pairs a stuck command's metadata with its archived queue payload
type TSQEntry struct {
	Command    *CommandMetadata `json:"command"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
	ArchivedAt time.Time        `json:"archived_at,omitempty"`
}

// TroubleshootingQueue exposes operator actions on commands parked in
// IN_TROUBLESHOOTING_QUEUE. The original messages live in the pgmq archive
// table, so retries re-enqueue the archived payload as a fresh message.
type TroubleshootingQueue struct {
	bus *Bus
}

// NewTroubleshootingQueue creates the operator surface for a bus
func NewTroubleshootingQueue(bus *Bus) *TroubleshootingQueue {
	if bus == nil {
		panic("bus is required")
	}
	return &TroubleshootingQueue{bus: bus}
}

// List returns the domain's troubleshooting queue entries, oldest first,
// joined against the archived payloads. An empty commandType matches all
// command types.
func (t *TroubleshootingQueue) List(ctx context.Context, domain, commandType string, limit, offset int) ([]TSQEntry, error) {
	archiveTable := fmt.Sprintf("pgmq.%s", pq.QuoteIdentifier("a_"+CommandQueueName(domain)))
	query := fmt.Sprintf(`
		SELECT c.domain, c.command_id, c.queue_name, c.msg_id, c.command_type, c.status,
			c.attempts, c.max_attempts, c.correlation_id, c.reply_queue,
			c.last_error_type, c.last_error_code, c.last_error_msg, c.batch_id,
			c.created_at, c.updated_at,
			a.message, a.archived_at
		FROM commands c
		LEFT JOIN %s a ON a.msg_id = c.msg_id
		WHERE c.domain = $1 AND c.status = 'IN_TROUBLESHOOTING_QUEUE'
	`, archiveTable)

	args := []interface{}{domain}
	if commandType != "" {
		args = append(args, commandType)
		query += fmt.Sprintf(" AND c.command_type = $%d", len(args))
	}
	query += " ORDER BY c.updated_at ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := t.bus.db.GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list troubleshooting queue: %w", err)
	}
	defer rows.Close()

	var entries []TSQEntry
	for rows.Next() {
		var meta CommandMetadata
		var msgID sql.NullInt64
		var correlationID, replyQueue, batchID sql.NullString
		var errType, errCode, errMsg sql.NullString
		var payload []byte
		var archivedAt sql.NullTime

		err := rows.Scan(
			&meta.Domain, &meta.CommandID, &meta.QueueName, &msgID,
			&meta.CommandType, &meta.Status, &meta.Attempts, &meta.MaxAttempts,
			&correlationID, &replyQueue, &errType, &errCode, &errMsg, &batchID,
			&meta.CreatedAt, &meta.UpdatedAt,
			&payload, &archivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan troubleshooting entry: %w", err)
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

		entry := TSQEntry{Command: &meta}
		if len(payload) > 0 {
			entry.Payload = json.RawMessage(payload)
		}
		if archivedAt.Valid {
			entry.ArchivedAt = archivedAt.Time
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Count returns how many of the domain's commands are parked in the
// troubleshooting queue, optionally narrowed to one command type
func (t *TroubleshootingQueue) Count(ctx context.Context, domain, commandType string) (int, error) {
	query := `SELECT COUNT(*) FROM commands WHERE domain = $1 AND status = 'IN_TROUBLESHOOTING_QUEUE'`
	args := []interface{}{domain}
	if commandType != "" {
		args = append(args, commandType)
		query += fmt.Sprintf(" AND command_type = $%d", len(args))
	}

	var count int
	err := t.bus.db.GetDB().QueryRowContext(ctx, query, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count troubleshooting queue: %w", err)
	}
	return count, nil
}

// Retry re-enqueues a stuck command's archived payload as a fresh message and
// rewinds its metadata: PENDING, zero attempts, cleared error. The batch's
// in-troubleshooting counter drops so the batch can still complete. The
// operator identity is stamped into the audit trail.
func (t *TroubleshootingQueue) Retry(ctx context.Context, domain, commandID, operator string) error {
	span := sentry.StartSpan(ctx, "tsq.retry")
	defer span.Finish()

	queueName := CommandQueueName(domain)
	err := t.bus.db.Execute(ctx, func(tx *sql.Tx) error {
		meta, err := t.requireInTSQ(ctx, tx, domain, commandID)
		if err != nil {
			return err
		}

		payload, err := t.bus.queue.GetArchivedMessage(ctx, tx, queueName, meta.MsgID)
		if errors.Is(err, sql.ErrNoRows) {
			return invalidOperationError("archived message %d for %s/%s is gone", meta.MsgID, domain, commandID)
		}
		if err != nil {
			return fmt.Errorf("failed to load archived message: %w", err)
		}

		msgID, err := t.bus.queue.Send(ctx, tx, queueName, payload, 0)
		if err != nil {
			return err
		}
		if err := t.bus.commands.ResetForRetry(ctx, tx, domain, commandID, msgID); err != nil {
			return err
		}

		if meta.BatchID != "" {
			if err := t.bus.batches.UpdateOnTSQRetry(ctx, tx, domain, meta.BatchID); err != nil {
				return err
			}
		}

		if err := t.bus.audit.Log(ctx, tx, domain, commandID, EventOperatorRetry, map[string]interface{}{
			"operator":   operator,
			"old_msg_id": meta.MsgID,
			"new_msg_id": msgID,
		}); err != nil {
			return err
		}

		return t.bus.queue.Notify(ctx, tx, queueName)
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("domain", domain).
		Str("command_id", commandID).
		Str("operator", operator).
		Msg("Operator retried troubleshooting command")
	return nil
}

// Cancel marks a stuck command CANCELED and, when the sender asked for a
// reply, posts a CANCELED reply carrying the operator's reason
func (t *TroubleshootingQueue) Cancel(ctx context.Context, domain, commandID, operator, reason string) error {
	span := sentry.StartSpan(ctx, "tsq.cancel")
	defer span.Finish()

	return t.finish(ctx, domain, commandID, operator, StatusCanceled, EventOperatorCancel, ReplyCanceled, reason, nil)
}

// Complete marks a stuck command COMPLETED, for cases an operator resolved
// out of band, and posts a SUCCESS reply carrying resultData when one was
// requested
func (t *TroubleshootingQueue) Complete(ctx context.Context, domain, commandID, operator string, resultData map[string]interface{}) error {
	span := sentry.StartSpan(ctx, "tsq.complete")
	defer span.Finish()

	return t.finish(ctx, domain, commandID, operator, StatusCompleted, EventOperatorComplete, ReplySuccess, "", resultData)
}

func (t *TroubleshootingQueue) finish(ctx context.Context, domain, commandID, operator string, status CommandStatus, event AuditEventType, outcome ReplyOutcome, reason string, result map[string]interface{}) error {
	var batchTerminal bool
	var batchID string

	err := t.bus.db.Execute(ctx, func(tx *sql.Tx) error {
		batchTerminal, batchID = false, ""

		meta, err := t.requireInTSQ(ctx, tx, domain, commandID)
		if err != nil {
			return err
		}
		batchID = meta.BatchID

		details := map[string]interface{}{"operator": operator}
		if reason != "" {
			details["reason"] = reason
		}
		if result != nil {
			details["result"] = result
		}
		batchTerminal, err = t.bus.commands.FinishCommand(ctx, tx, domain, commandID, status, event, nil, details, meta.BatchID)
		if err != nil {
			return err
		}

		if meta.ReplyTo != "" {
			reply, err := json.Marshal(Reply{
				CommandID:     commandID,
				CorrelationID: meta.CorrelationID,
				Outcome:       outcome,
				Result:        result,
				Reason:        reason,
			})
			if err != nil {
				return fmt.Errorf("failed to marshal reply: %w", err)
			}
			if _, err := t.bus.queue.Send(ctx, tx, meta.ReplyTo, reply, 0); err != nil {
				return err
			}
			if err := t.bus.queue.Notify(ctx, tx, meta.ReplyTo); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if batchTerminal && batchID != "" {
		t.bus.NotifyBatchTerminal(domain, batchID)
	}

	log.Info().
		Str("domain", domain).
		Str("command_id", commandID).
		Str("operator", operator).
		Str("status", string(status)).
		Msg("Operator resolved troubleshooting command")
	return nil
}

func (t *TroubleshootingQueue) requireInTSQ(ctx context.Context, tx *sql.Tx, domain, commandID string) (*CommandMetadata, error) {
	meta, err := t.bus.commands.Get(ctx, tx, domain, commandID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, commandNotFoundError(domain, commandID)
	}
	if meta.Status != StatusInTroubleshooting {
		return nil, invalidOperationError("command %s/%s is %s, not in the troubleshooting queue", domain, commandID, meta.Status)
	}
	return meta, nil
}
