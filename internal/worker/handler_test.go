//go:build unit || !integration

package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Harvey-AU/blue-banded-bus/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind bus.ErrorKind
		wantCode string
	}{
		{
			name:     "transient",
			err:      Transient("TIMEOUT", "downstream timed out", nil),
			wantKind: bus.ErrorKindTransient,
			wantCode: "TIMEOUT",
		},
		{
			name:     "permanent",
			err:      Permanent("BAD_PAYLOAD", "unparseable account ref", nil),
			wantKind: bus.ErrorKindPermanent,
			wantCode: "BAD_PAYLOAD",
		},
		{
			name:     "business rule",
			err:      BusinessRule("INSUFFICIENT_FUNDS", "balance too low"),
			wantKind: bus.ErrorKindBusinessRule,
			wantCode: "INSUFFICIENT_FUNDS",
		},
		{
			name:     "wrapped transient",
			err:      fmt.Errorf("handler failed: %w", Transient("TIMEOUT", "downstream timed out", nil)),
			wantKind: bus.ErrorKindTransient,
			wantCode: "TIMEOUT",
		},
		{
			name:     "unclassified error defaults to transient",
			err:      errors.New("something broke"),
			wantKind: bus.ErrorKindTransient,
			wantCode: "UNCLASSIFIED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmdErr := Classify(tt.err)
			require.NotNil(t, cmdErr)
			assert.Equal(t, tt.wantKind, cmdErr.Kind)
			assert.Equal(t, tt.wantCode, cmdErr.Code)
			assert.NotEmpty(t, cmdErr.Message)
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "TIMEOUT: downstream timed out",
		Transient("TIMEOUT", "downstream timed out", nil).Error())
	assert.Equal(t, "TIMEOUT: downstream timed out: dial tcp: connection refused",
		Transient("TIMEOUT", "downstream timed out", errors.New("dial tcp: connection refused")).Error())

	wrapped := errors.New("root cause")
	assert.ErrorIs(t, Permanent("BAD", "nope", wrapped), wrapped)
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	registry := NewRegistry()

	handler := func(ctx context.Context, cmd *bus.Envelope, hctx *HandlerContext) (map[string]interface{}, error) {
		return nil, nil
	}
	registry.Register("payments", "DebitAccount", handler)

	assert.NotNil(t, registry.Resolve("payments", "DebitAccount"))
	assert.Nil(t, registry.Resolve("payments", "Refund"))
	assert.Nil(t, registry.Resolve("billing", "DebitAccount"))
}

func TestRegistryRejectsNilHandler(t *testing.T) {
	registry := NewRegistry()

	assert.PanicsWithValue(t, "handler is required", func() {
		registry.Register("payments", "DebitAccount", nil)
	})
}
