package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// Querier is the subset of database operations the queue adapter needs. Both
// *sql.DB and *sql.Tx satisfy it, so every queue operation can participate in
// a caller-owned transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Message is a queue message as returned by a read
type Message struct {
	MsgID      int64           `json:"msg_id"`
	ReadCount  int             `json:"read_ct"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	VT         time.Time       `json:"vt"`
	Payload    json.RawMessage `json:"message"`
}

// Queue is a thin adapter over the pgmq extension. All methods accept a
// Querier; pass nil to run against the pool on a short-lived connection.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a queue adapter backed by the given connection pool
func NewQueue(database *sql.DB) *Queue {
	if database == nil {
		panic("database connection is required")
	}
	return &Queue{db: database}
}

func (q *Queue) querier(tx Querier) Querier {
	if tx == nil {
		return q.db
	}
	return tx
}

// Create creates the named queue. Safe to call repeatedly.
func (q *Queue) Create(ctx context.Context, tx Querier, queueName string) error {
	if _, err := q.querier(tx).ExecContext(ctx, `SELECT pgmq.create($1)`, queueName); err != nil {
		return fmt.Errorf("failed to create queue %s: %w", queueName, err)
	}
	return nil
}

// Send enqueues a single payload with an optional delivery delay and returns
// the queue message id
func (q *Queue) Send(ctx context.Context, tx Querier, queueName string, payload json.RawMessage, delay time.Duration) (int64, error) {
	var msgID int64
	err := q.querier(tx).QueryRowContext(ctx,
		`SELECT pgmq.send($1, $2::jsonb, $3::integer)`,
		queueName, string(payload), int(delay.Seconds()),
	).Scan(&msgID)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue to %s: %w", queueName, err)
	}
	return msgID, nil
}

// SendBatch enqueues payloads in order and returns their message ids in the
// same order
func (q *Queue) SendBatch(ctx context.Context, tx Querier, queueName string, payloads []json.RawMessage) ([]int64, error) {
	if len(payloads) == 0 {
		return nil, nil
	}

	raw := make([]string, len(payloads))
	for i, p := range payloads {
		raw[i] = string(p)
	}

	rows, err := q.querier(tx).QueryContext(ctx,
		`SELECT * FROM pgmq.send_batch($1, $2::jsonb[])`,
		queueName, pq.Array(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to batch enqueue to %s: %w", queueName, err)
	}
	defer rows.Close()

	msgIDs := make([]int64, 0, len(payloads))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		msgIDs = append(msgIDs, id)
	}
	return msgIDs, rows.Err()
}

// Notify emits an asynchronous wake-up on the channel named after the queue.
// Listeners see it when the surrounding transaction commits.
func (q *Queue) Notify(ctx context.Context, tx Querier, queueName string) error {
	if _, err := q.querier(tx).ExecContext(ctx, `SELECT pg_notify($1, '')`, queueName); err != nil {
		return fmt.Errorf("failed to notify %s: %w", queueName, err)
	}
	return nil
}

// Read returns up to batchSize messages, making them invisible to other
// readers for the visibility timeout
func (q *Queue) Read(ctx context.Context, tx Querier, queueName string, visibilityTimeout time.Duration, batchSize int) ([]Message, error) {
	rows, err := q.querier(tx).QueryContext(ctx,
		`SELECT msg_id, read_ct, enqueued_at, vt, message
		 FROM pgmq.read($1, $2::integer, $3::integer)`,
		queueName, int(visibilityTimeout.Seconds()), batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to read from %s: %w", queueName, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var payload []byte
		if err := rows.Scan(&m.MsgID, &m.ReadCount, &m.EnqueuedAt, &m.VT, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Payload = json.RawMessage(payload)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// ReadWithPoll repeatedly reads until at least one message arrives or maxWait
// elapses
func (q *Queue) ReadWithPoll(ctx context.Context, queueName string, visibilityTimeout time.Duration, batchSize int, pollInterval, maxWait time.Duration) ([]Message, error) {
	deadline := time.Now().Add(maxWait)
	for {
		messages, err := q.Read(ctx, nil, queueName, visibilityTimeout, batchSize)
		if err != nil {
			return nil, err
		}
		if len(messages) > 0 || time.Now().After(deadline) {
			return messages, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Delete removes a message permanently. Returns false if the message no
// longer exists.
func (q *Queue) Delete(ctx context.Context, tx Querier, queueName string, msgID int64) (bool, error) {
	var deleted bool
	err := q.querier(tx).QueryRowContext(ctx,
		`SELECT pgmq.delete($1, $2::bigint)`, queueName, msgID,
	).Scan(&deleted)
	if err != nil {
		return false, fmt.Errorf("failed to delete message %d from %s: %w", msgID, queueName, err)
	}
	return deleted, nil
}

// Archive moves a message to the queue's archive table, where it stays
// queryable. Returns false if the message no longer exists.
func (q *Queue) Archive(ctx context.Context, tx Querier, queueName string, msgID int64) (bool, error) {
	var archived bool
	err := q.querier(tx).QueryRowContext(ctx,
		`SELECT pgmq.archive($1, $2::bigint)`, queueName, msgID,
	).Scan(&archived)
	if err != nil {
		return false, fmt.Errorf("failed to archive message %d from %s: %w", msgID, queueName, err)
	}
	return archived, nil
}

// SetVisibility extends or defers a message's next delivery by the given
// duration from now. Returns false if the message no longer exists.
func (q *Queue) SetVisibility(ctx context.Context, tx Querier, queueName string, msgID int64, timeout time.Duration) (bool, error) {
	rows, err := q.querier(tx).QueryContext(ctx,
		`SELECT msg_id FROM pgmq.set_vt($1, $2::bigint, $3::integer)`,
		queueName, msgID, int(timeout.Seconds()),
	)
	if err != nil {
		return false, fmt.Errorf("failed to set visibility for message %d on %s: %w", msgID, queueName, err)
	}
	defer rows.Close()

	found := rows.Next()
	return found, rows.Err()
}

// GetArchivedMessage fetches the payload of an archived message. Returns
// sql.ErrNoRows when the message was never archived.
func (q *Queue) GetArchivedMessage(ctx context.Context, tx Querier, queueName string, msgID int64) (json.RawMessage, error) {
	archiveTable := fmt.Sprintf("pgmq.%s", pq.QuoteIdentifier("a_"+queueName))
	var payload []byte
	err := q.querier(tx).QueryRowContext(ctx,
		fmt.Sprintf(`SELECT message FROM %s WHERE msg_id = $1`, archiveTable), msgID,
	).Scan(&payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(payload), nil
}

// PurgeArchive deletes archived messages older than the cutoff and returns
// how many were removed
func (q *Queue) PurgeArchive(ctx context.Context, queueName string, olderThan time.Duration) (int64, error) {
	archiveTable := fmt.Sprintf("pgmq.%s", pq.QuoteIdentifier("a_"+queueName))
	result, err := q.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE archived_at < now() - $1::interval`, archiveTable),
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge archive for %s: %w", queueName, err)
	}

	purged, _ := result.RowsAffected()
	if purged > 0 {
		log.Debug().
			Str("queue", queueName).
			Int64("purged", purged).
			Msg("Purged archived messages")
	}
	return purged, nil
}
