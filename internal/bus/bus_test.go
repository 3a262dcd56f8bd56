//go:build unit || !integration

package bus

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Harvey-AU/blue-banded-bus/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) (*Bus, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	return NewBus(db.NewFromClient(sqlDB, &db.Config{})), mock
}

func TestNewBusValidation(t *testing.T) {
	assert.PanicsWithValue(t, "database connection is required", func() {
		NewBus(nil)
	})
}

func TestSendHappyPath(t *testing.T) {
	b, mock := newTestBus(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM commands WHERE domain = $1 AND command_id = $2)`)).
		WithArgs("payments", "cmd-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pgmq.send($1, $2::jsonb, $3::integer)`)).
		WithArgs("payments__commands", sqlmock.AnyArg(), 0).
		WillReturnRows(sqlmock.NewRows([]string{"send"}).AddRow(int64(42)))
	mock.ExpectExec("INSERT INTO commands").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO command_audit").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_notify($1, '')`)).
		WithArgs("payments__commands").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	commandID, msgID, err := b.Send(context.Background(), SendRequest{
		Domain:      "payments",
		CommandType: "DebitAccount",
		CommandID:   "cmd-1",
		Data:        map[string]interface{}{"acct": "A", "amt": 100},
	})

	require.NoError(t, err)
	assert.Equal(t, "cmd-1", commandID)
	assert.Equal(t, int64(42), msgID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendDuplicateCommand(t *testing.T) {
	b, mock := newTestBus(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("payments", "cmd-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, _, err := b.Send(context.Background(), SendRequest{
		Domain:      "payments",
		CommandType: "DebitAccount",
		CommandID:   "cmd-1",
	})

	assert.ErrorIs(t, err, ErrDuplicateCommand)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendUnknownBatch(t *testing.T) {
	b, mock := newTestBus(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS (SELECT 1 FROM batches WHERE domain = $1 AND batch_id = $2)`)).
		WithArgs("payments", "missing-batch").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, _, err := b.Send(context.Background(), SendRequest{
		Domain:      "payments",
		CommandType: "DebitAccount",
		CommandID:   "cmd-1",
		BatchID:     "missing-batch",
	})

	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestSendGeneratesIdentifiers(t *testing.T) {
	b, mock := newTestBus(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("SELECT pgmq.send").
		WillReturnRows(sqlmock.NewRows([]string{"send"}).AddRow(int64(1)))
	mock.ExpectExec("INSERT INTO commands").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO command_audit").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("SELECT pg_notify").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	commandID, _, err := b.Send(context.Background(), SendRequest{
		Domain:      "payments",
		CommandType: "DebitAccount",
	})

	require.NoError(t, err)
	assert.NotEmpty(t, commandID)
}

func TestSendRequiresDomainAndType(t *testing.T) {
	b, _ := newTestBus(t)

	_, _, err := b.Send(context.Background(), SendRequest{CommandType: "DebitAccount"})
	assert.Error(t, err)

	_, _, err = b.Send(context.Background(), SendRequest{Domain: "payments"})
	assert.Error(t, err)
}

func TestSendBatchSkipsDuplicates(t *testing.T) {
	b, mock := newTestBus(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT command_id FROM commands WHERE domain = $1 AND command_id = ANY($2::text[])`)).
		WithArgs("payments", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"command_id"}).AddRow("cmd-1"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM pgmq.send_batch($1, $2::jsonb[])`)).
		WithArgs("payments__commands", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"send_batch"}).AddRow(int64(7)))
	mock.ExpectExec("INSERT INTO commands").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO command_audit").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("SELECT pg_notify").
		WithArgs("payments__commands").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	result, err := b.SendBatch(context.Background(), []SendRequest{
		{Domain: "payments", CommandType: "DebitAccount", CommandID: "cmd-1"},
		{Domain: "payments", CommandType: "DebitAccount", CommandID: "cmd-2"},
	}, 0)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Duplicates)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendBatchAllDuplicatesSkipsEnqueue(t *testing.T) {
	b, mock := newTestBus(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT command_id FROM commands WHERE").
		WithArgs("payments", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"command_id"}).
			AddRow("cmd-1").
			AddRow("cmd-2"))
	mock.ExpectCommit()

	result, err := b.SendBatch(context.Background(), []SendRequest{
		{Domain: "payments", CommandType: "DebitAccount", CommandID: "cmd-1"},
		{Domain: "payments", CommandType: "DebitAccount", CommandID: "cmd-2"},
	}, 0)

	require.NoError(t, err)
	assert.Equal(t, 0, result.Sent)
	assert.Equal(t, 2, result.Duplicates)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBatchValidation(t *testing.T) {
	b, _ := newTestBus(t)

	_, _, err := b.CreateBatch(context.Background(), CreateBatchRequest{Domain: "payments"})
	assert.ErrorContains(t, err, "at least one command")

	_, _, err = b.CreateBatch(context.Background(), CreateBatchRequest{
		Domain: "payments",
		Commands: []BatchCommand{
			{CommandID: "dup", CommandType: "DebitAccount"},
			{CommandID: "dup", CommandType: "DebitAccount"},
		},
	})
	assert.ErrorIs(t, err, ErrDuplicateCommand)
}

func TestBatchCallbackFiresOnce(t *testing.T) {
	b, _ := newTestBus(t)

	fired := 0
	b.RegisterBatchCallback("payments", "batch-1", func(domain, batchID string) {
		fired++
		assert.Equal(t, "payments", domain)
		assert.Equal(t, "batch-1", batchID)
	})

	b.NotifyBatchTerminal("payments", "batch-1")
	b.NotifyBatchTerminal("payments", "batch-1")

	assert.Equal(t, 1, fired)
}

func TestBatchCallbackPanicContained(t *testing.T) {
	b, _ := newTestBus(t)

	b.RegisterBatchCallback("payments", "batch-1", func(domain, batchID string) {
		panic("callback exploded")
	})

	assert.NotPanics(t, func() {
		b.NotifyBatchTerminal("payments", "batch-1")
	})
}

func TestBatchTerminalObserverSeesEveryBatch(t *testing.T) {
	b, _ := newTestBus(t)

	var seen []string
	b.OnBatchTerminal(func(domain, batchID string) {
		seen = append(seen, domain+"/"+batchID)
	})

	fired := 0
	b.RegisterBatchCallback("payments", "batch-1", func(domain, batchID string) {
		fired++
	})

	b.NotifyBatchTerminal("payments", "batch-1")
	b.NotifyBatchTerminal("payments", "batch-2")

	assert.Equal(t, 1, fired)
	assert.Equal(t, []string{"payments/batch-1", "payments/batch-2"}, seen)
}

func TestNotifyBatchTerminalWithoutCallback(t *testing.T) {
	b, _ := newTestBus(t)

	assert.NotPanics(t, func() {
		b.NotifyBatchTerminal("payments", "unregistered")
	})
}
