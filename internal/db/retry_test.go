//go:build unit || !integration

package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	assert.Equal(t, 10, config.MaxAttempts)
	assert.Equal(t, 1*time.Second, config.InitialInterval)
	assert.Equal(t, 30*time.Second, config.MaxInterval)
	assert.Equal(t, 2.0, config.Multiplier)
	assert.True(t, config.Jitter)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{
			name:      "nil error",
			err:       nil,
			retryable: false,
		},
		{
			name:      "connection exception",
			err:       &pgconn.PgError{Code: "08006"},
			retryable: true,
		},
		{
			name:      "wrapped pgx error",
			err:       errors.Join(errors.New("connect failed"), &pgconn.PgError{Code: "53300"}),
			retryable: true,
		},
		{
			name:      "bad password",
			err:       &pgconn.PgError{Code: "28P01"},
			retryable: false,
		},
		{
			name:      "unknown database",
			err:       &pgconn.PgError{Code: "3D000"},
			retryable: false,
		},
		{
			name:      "unique violation from pool driver",
			err:       &pgconn.PgError{Code: "23505"},
			retryable: false,
		},
		{
			name:      "listener connection exception",
			err:       &pq.Error{Code: "08006"},
			retryable: true,
		},
		{
			name:      "insufficient resources",
			err:       &pq.Error{Code: "53300"},
			retryable: true,
		},
		{
			name:      "operator intervention",
			err:       &pq.Error{Code: "57P01"},
			retryable: true,
		},
		{
			name:      "system error",
			err:       &pq.Error{Code: "58030"},
			retryable: true,
		},
		{
			name:      "unique violation",
			err:       &pq.Error{Code: "23505"},
			retryable: false,
		},
		{
			name:      "data exception",
			err:       &pq.Error{Code: "22001"},
			retryable: false,
		},
		{
			name:      "wrapped pq error",
			err:       errors.Join(errors.New("query failed"), &pq.Error{Code: "08000"}),
			retryable: true,
		},
		{
			name:      "connection done",
			err:       sql.ErrConnDone,
			retryable: true,
		},
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			retryable: true,
		},
		{
			name:      "context canceled",
			err:       context.Canceled,
			retryable: true,
		},
		{
			name:      "dial refused",
			err:       errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"),
			retryable: true,
		},
		{
			name:      "io timeout",
			err:       errors.New("read tcp 10.0.0.3:41808: i/o timeout"),
			retryable: true,
		},
		{
			name:      "too many clients",
			err:       errors.New("pq: sorry, too many clients already"),
			retryable: true,
		},
		{
			name:      "generic error",
			err:       errors.New("something else"),
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, IsRetryableError(tt.err))
		})
	}
}

func TestInitFromEnvWithRetryFailsFastOnConfigError(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_HOST", "")

	_, err := InitFromEnvWithRetryConfig(context.Background(), RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
	})

	// A missing host will not heal between attempts; the loop must give up on
	// the first one instead of burning all three
	assert.Error(t, err)
	assert.ErrorContains(t, err, "database host is required")
	assert.NotContains(t, err.Error(), "after 3 attempts")
}
