//go:build unit || !integration

package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status   CommandStatus
		terminal bool
	}{
		{StatusPending, false},
		{StatusInProgress, false},
		{StatusInTroubleshooting, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCanceled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestParseEnvelope(t *testing.T) {
	payload := []byte(`{
		"domain": "payments",
		"command_type": "DebitAccount",
		"command_id": "cmd-1",
		"correlation_id": "corr-1",
		"data": {"acct": "A", "amt": 100},
		"reply_to": "payments__replies"
	}`)

	env, err := ParseEnvelope(payload)
	require.NoError(t, err)
	assert.Equal(t, "payments", env.Domain)
	assert.Equal(t, "DebitAccount", env.CommandType)
	assert.Equal(t, "cmd-1", env.CommandID)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, "payments__replies", env.ReplyTo)
	assert.Equal(t, "A", env.Data["acct"])
}

func TestParseEnvelopeMissingCommandID(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{"domain": "payments", "command_type": "DebitAccount"}`))
	assert.ErrorContains(t, err, "missing command_id")
}

func TestParseEnvelopeMalformed(t *testing.T) {
	_, err := ParseEnvelope([]byte(`{not json`))
	assert.ErrorContains(t, err, "malformed command envelope")
}

func TestParseReply(t *testing.T) {
	reply, err := ParseReply([]byte(`{
		"command_id": "cmd-1",
		"correlation_id": "proc-1",
		"outcome": "SUCCESS",
		"result": {"ok": true}
	}`))

	require.NoError(t, err)
	assert.Equal(t, "cmd-1", reply.CommandID)
	assert.Equal(t, "proc-1", reply.CorrelationID)
	assert.Equal(t, ReplySuccess, reply.Outcome)
	assert.Equal(t, true, reply.Result["ok"])
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "payments__commands", CommandQueueName("payments"))
	assert.Equal(t, "payments__replies", ReplyQueueName("payments"))
}
