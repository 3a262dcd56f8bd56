//go:build unit || !integration

package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Harvey-AU/blue-banded-bus/internal/bus"
	"github.com/Harvey-AU/blue-banded-bus/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(t *testing.T, handlers *Registry) (*Worker, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	b := bus.NewBus(db.NewFromClient(sqlDB, &db.Config{}))
	w := NewWorker(b, handlers, DefaultRetryPolicy(), Config{Domain: "payments"})
	return w, mock
}

func envelopePayload(t *testing.T, env bus.Envelope) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	return payload
}

func receivedRows(meta *bus.CommandMetadata) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"domain", "command_id", "queue_name", "msg_id", "command_type", "status",
		"attempts", "max_attempts", "correlation_id", "reply_queue",
		"last_error_type", "last_error_code", "last_error_msg", "batch_id",
		"created_at", "updated_at",
	})
	if meta == nil {
		return rows
	}

	var replyQueue, batchID interface{}
	if meta.ReplyTo != "" {
		replyQueue = meta.ReplyTo
	}
	if meta.BatchID != "" {
		batchID = meta.BatchID
	}
	rows.AddRow(
		meta.Domain, meta.CommandID, meta.QueueName, meta.MsgID,
		meta.CommandType, string(meta.Status), meta.Attempts, meta.MaxAttempts,
		meta.CorrelationID, replyQueue, nil, nil, nil, batchID,
		meta.CreatedAt, meta.UpdatedAt,
	)
	return rows
}

// expectReceive covers the receive transaction for a first delivery
func expectReceive(mock sqlmock.Sqlmock, meta *bus.CommandMetadata, detailsJSON string) {
	mock.ExpectBegin()
	mock.ExpectQuery("FROM sp_receive_command").
		WithArgs(meta.Domain, meta.CommandID, meta.MsgID).
		WillReturnRows(receivedRows(meta))
	mock.ExpectExec("INSERT INTO command_audit").
		WithArgs(meta.Domain, meta.CommandID, "RECEIVED", detailsJSON).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func TestProcessMessageCompletedSendsReply(t *testing.T) {
	handlers := NewRegistry()
	handlers.Register("payments", "DebitAccount", func(ctx context.Context, cmd *bus.Envelope, hctx *HandlerContext) (map[string]interface{}, error) {
		return map[string]interface{}{"balance": 150}, nil
	})
	w, mock := newTestWorker(t, handlers)

	now := time.Now()
	meta := &bus.CommandMetadata{
		Domain:        "payments",
		CommandID:     "cmd-1",
		QueueName:     "payments__commands",
		MsgID:         7,
		CommandType:   "DebitAccount",
		Status:        bus.StatusInProgress,
		Attempts:      1,
		MaxAttempts:   3,
		CorrelationID: "corr-1",
		ReplyTo:       "payments__replies",
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	expectReceive(mock, meta, `{"attempt":1,"msg_id":7}`)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pgmq.delete").
		WithArgs("payments__commands", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"delete"}).AddRow(true))
	mock.ExpectQuery("SELECT sp_finish_command").
		WithArgs("payments", "cmd-1", "COMPLETED", "COMPLETED", nil, nil, nil, `{"attempt":1}`, nil).
		WillReturnRows(sqlmock.NewRows([]string{"sp_finish_command"}).AddRow(false))
	mock.ExpectQuery("SELECT pgmq.send").
		WithArgs("payments__replies", sqlmock.AnyArg(), 0).
		WillReturnRows(sqlmock.NewRows([]string{"send"}).AddRow(int64(88)))
	mock.ExpectExec("SELECT pg_notify").
		WithArgs("payments__replies").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	w.processMessage(context.Background(), db.Message{
		MsgID: 7,
		Payload: envelopePayload(t, bus.Envelope{
			Domain:      "payments",
			CommandType: "DebitAccount",
			CommandID:   "cmd-1",
			ReplyTo:     "payments__replies",
		}),
	})

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, HealthHealthy, w.Health().State)
	assert.Zero(t, w.Health().ConsecutiveFailures)
}

func TestProcessMessagePermanentMovesToTroubleshooting(t *testing.T) {
	handlers := NewRegistry()
	handlers.Register("payments", "DebitAccount", func(ctx context.Context, cmd *bus.Envelope, hctx *HandlerContext) (map[string]interface{}, error) {
		return nil, Permanent("BAD_PAYLOAD", "unparseable account ref", nil)
	})
	w, mock := newTestWorker(t, handlers)

	now := time.Now()
	meta := &bus.CommandMetadata{
		Domain:      "payments",
		CommandID:   "cmd-1",
		QueueName:   "payments__commands",
		MsgID:       7,
		CommandType: "DebitAccount",
		Status:      bus.StatusInProgress,
		Attempts:    1,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	expectReceive(mock, meta, `{"attempt":1,"msg_id":7}`)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pgmq.archive").
		WithArgs("payments__commands", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"archive"}).AddRow(true))
	mock.ExpectQuery("SELECT sp_finish_command").
		WithArgs("payments", "cmd-1", "IN_TROUBLESHOOTING_QUEUE", "MOVED_TO_TSQ",
			"PERMANENT", "BAD_PAYLOAD", "unparseable account ref",
			`{"attempt":1,"error_code":"BAD_PAYLOAD","error_msg":"unparseable account ref","error_type":"PERMANENT","reason":"PERMANENT"}`,
			nil).
		WillReturnRows(sqlmock.NewRows([]string{"sp_finish_command"}).AddRow(false))
	mock.ExpectCommit()

	w.processMessage(context.Background(), db.Message{
		MsgID: 7,
		Payload: envelopePayload(t, bus.Envelope{
			Domain:      "payments",
			CommandType: "DebitAccount",
			CommandID:   "cmd-1",
		}),
	})

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, w.Health().ConsecutiveFailures)
}

func TestProcessMessageBusinessRuleFailsCommand(t *testing.T) {
	handlers := NewRegistry()
	handlers.Register("payments", "DebitAccount", func(ctx context.Context, cmd *bus.Envelope, hctx *HandlerContext) (map[string]interface{}, error) {
		return nil, BusinessRule("INSUFFICIENT_FUNDS", "balance too low")
	})
	w, mock := newTestWorker(t, handlers)

	now := time.Now()
	meta := &bus.CommandMetadata{
		Domain:      "payments",
		CommandID:   "cmd-1",
		QueueName:   "payments__commands",
		MsgID:       7,
		CommandType: "DebitAccount",
		Status:      bus.StatusInProgress,
		Attempts:    1,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	expectReceive(mock, meta, `{"attempt":1,"msg_id":7}`)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pgmq.archive").
		WithArgs("payments__commands", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"archive"}).AddRow(true))
	mock.ExpectQuery("SELECT sp_finish_command").
		WithArgs("payments", "cmd-1", "FAILED", "BUSINESS_RULE_FAILED",
			"BUSINESS_RULE", "INSUFFICIENT_FUNDS", "balance too low",
			`{"attempt":1}`, nil).
		WillReturnRows(sqlmock.NewRows([]string{"sp_finish_command"}).AddRow(false))
	mock.ExpectCommit()

	w.processMessage(context.Background(), db.Message{
		MsgID: 7,
		Payload: envelopePayload(t, bus.Envelope{
			Domain:      "payments",
			CommandType: "DebitAccount",
			CommandID:   "cmd-1",
		}),
	})

	assert.NoError(t, mock.ExpectationsWereMet())
	// A domain rejection is an expected outcome, not a pipeline fault
	assert.Zero(t, w.Health().ConsecutiveFailures)
}

func TestProcessMessageTransientSchedulesRetry(t *testing.T) {
	handlers := NewRegistry()
	handlers.Register("payments", "DebitAccount", func(ctx context.Context, cmd *bus.Envelope, hctx *HandlerContext) (map[string]interface{}, error) {
		return nil, Transient("TIMEOUT", "downstream timed out", nil)
	})
	w, mock := newTestWorker(t, handlers)

	now := time.Now()
	meta := &bus.CommandMetadata{
		Domain:      "payments",
		CommandID:   "cmd-1",
		QueueName:   "payments__commands",
		MsgID:       7,
		CommandType: "DebitAccount",
		Status:      bus.StatusInProgress,
		Attempts:    1,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	expectReceive(mock, meta, `{"attempt":1,"msg_id":7}`)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT sp_fail_command").
		WithArgs("payments", "cmd-1", "TRANSIENT", "TIMEOUT", "downstream timed out", 1, 3, int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"sp_fail_command"}).AddRow(true))
	mock.ExpectQuery("pgmq.set_vt").
		WithArgs("payments__commands", int64(7), 10).
		WillReturnRows(sqlmock.NewRows([]string{"msg_id"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO command_audit").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 2))
	mock.ExpectCommit()

	w.processMessage(context.Background(), db.Message{
		MsgID: 7,
		Payload: envelopePayload(t, bus.Envelope{
			Domain:      "payments",
			CommandType: "DebitAccount",
			CommandID:   "cmd-1",
		}),
	})

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, 1, w.Health().ConsecutiveFailures)
}

func TestProcessMessageExhaustedMovesToTroubleshooting(t *testing.T) {
	handlers := NewRegistry()
	handlers.Register("payments", "DebitAccount", func(ctx context.Context, cmd *bus.Envelope, hctx *HandlerContext) (map[string]interface{}, error) {
		return nil, Transient("TIMEOUT", "downstream timed out", nil)
	})
	w, mock := newTestWorker(t, handlers)

	now := time.Now()
	meta := &bus.CommandMetadata{
		Domain:      "payments",
		CommandID:   "cmd-1",
		QueueName:   "payments__commands",
		MsgID:       7,
		CommandType: "DebitAccount",
		Status:      bus.StatusInProgress,
		Attempts:    3,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	expectReceive(mock, meta, `{"attempt":3,"msg_id":7}`)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO command_audit").
		WithArgs("payments", "cmd-1", "RETRY_EXHAUSTED", `{"attempts":3}`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT pgmq.archive").
		WithArgs("payments__commands", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"archive"}).AddRow(true))
	mock.ExpectQuery("SELECT sp_finish_command").
		WithArgs("payments", "cmd-1", "IN_TROUBLESHOOTING_QUEUE", "MOVED_TO_TSQ",
			"TRANSIENT", "TIMEOUT", "downstream timed out",
			`{"attempt":3,"error_code":"TIMEOUT","error_msg":"downstream timed out","error_type":"TRANSIENT","reason":"EXHAUSTED"}`,
			nil).
		WillReturnRows(sqlmock.NewRows([]string{"sp_finish_command"}).AddRow(false))
	mock.ExpectCommit()

	w.processMessage(context.Background(), db.Message{
		MsgID: 7,
		Payload: envelopePayload(t, bus.Envelope{
			Domain:      "payments",
			CommandType: "DebitAccount",
			CommandID:   "cmd-1",
		}),
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessMessageTerminalRedeliveryArchives(t *testing.T) {
	invoked := false
	handlers := NewRegistry()
	handlers.Register("payments", "DebitAccount", func(ctx context.Context, cmd *bus.Envelope, hctx *HandlerContext) (map[string]interface{}, error) {
		invoked = true
		return nil, nil
	})
	w, mock := newTestWorker(t, handlers)

	mock.ExpectBegin()
	mock.ExpectQuery("FROM sp_receive_command").
		WithArgs("payments", "cmd-1", int64(7)).
		WillReturnRows(receivedRows(nil))
	mock.ExpectQuery("SELECT pgmq.archive").
		WithArgs("payments__commands", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"archive"}).AddRow(true))
	mock.ExpectCommit()

	w.processMessage(context.Background(), db.Message{
		MsgID: 7,
		Payload: envelopePayload(t, bus.Envelope{
			Domain:      "payments",
			CommandType: "DebitAccount",
			CommandID:   "cmd-1",
		}),
	})

	assert.False(t, invoked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatchedCommandSurvivesShutdownCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handlerCtx context.Context
	handlers := NewRegistry()
	handlers.Register("payments", "DebitAccount", func(hCtx context.Context, cmd *bus.Envelope, hctx *HandlerContext) (map[string]interface{}, error) {
		handlerCtx = hCtx
		cancel() // shutdown lands while the command is mid-handler
		return nil, nil
	})
	w, mock := newTestWorker(t, handlers)

	now := time.Now()
	meta := &bus.CommandMetadata{
		Domain:      "payments",
		CommandID:   "cmd-1",
		QueueName:   "payments__commands",
		MsgID:       7,
		CommandType: "DebitAccount",
		Status:      bus.StatusInProgress,
		Attempts:    1,
		MaxAttempts: 3,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	payload := envelopePayload(t, bus.Envelope{
		Domain:      "payments",
		CommandType: "DebitAccount",
		CommandID:   "cmd-1",
	})
	mock.ExpectQuery("FROM pgmq.read").
		WithArgs("payments__commands", 30, 10).
		WillReturnRows(sqlmock.NewRows([]string{"msg_id", "read_ct", "enqueued_at", "vt", "message"}).
			AddRow(int64(7), 1, now, now, []byte(payload)))

	expectReceive(mock, meta, `{"attempt":1,"msg_id":7}`)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT pgmq.delete").
		WithArgs("payments__commands", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"delete"}).AddRow(true))
	mock.ExpectQuery("SELECT sp_finish_command").
		WithArgs("payments", "cmd-1", "COMPLETED", "COMPLETED", nil, nil, nil, `{"attempt":1}`, nil).
		WillReturnRows(sqlmock.NewRows([]string{"sp_finish_command"}).AddRow(false))
	mock.ExpectCommit()

	dispatched, err := w.dispatchBatch(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, dispatched)
	w.wg.Wait()

	require.NotNil(t, handlerCtx)
	assert.NoError(t, handlerCtx.Err())
	assert.NoError(t, mock.ExpectationsWereMet())
}
