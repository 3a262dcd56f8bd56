package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandStatus represents the current status of a command
type CommandStatus string

const (
	StatusPending           CommandStatus = "PENDING"
	StatusInProgress        CommandStatus = "IN_PROGRESS"
	StatusCompleted         CommandStatus = "COMPLETED"
	StatusFailed            CommandStatus = "FAILED"
	StatusCanceled          CommandStatus = "CANCELED"
	StatusInTroubleshooting CommandStatus = "IN_TROUBLESHOOTING_QUEUE"
)

// IsTerminal reports whether no further lifecycle transitions are possible
func (s CommandStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// ErrorKind classifies handler failures
type ErrorKind string

const (
	ErrorKindTransient    ErrorKind = "TRANSIENT"
	ErrorKindPermanent    ErrorKind = "PERMANENT"
	ErrorKindBusinessRule ErrorKind = "BUSINESS_RULE"
)

// CommandError is the last recorded failure for a command
type CommandError struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
}

// CommandMetadata is the durable lifecycle record of a command
type CommandMetadata struct {
	Domain        string        `json:"domain"`
	CommandID     string        `json:"command_id"`
	QueueName     string        `json:"queue_name"`
	MsgID         int64         `json:"msg_id"`
	CommandType   string        `json:"command_type"`
	Status        CommandStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	MaxAttempts   int           `json:"max_attempts"`
	CorrelationID string        `json:"correlation_id"`
	ReplyTo       string        `json:"reply_to,omitempty"`
	LastError     *CommandError `json:"last_error,omitempty"`
	BatchID       string        `json:"batch_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// AuditEventType identifies a lifecycle event in the audit trail
type AuditEventType string

const (
	EventSent               AuditEventType = "SENT"
	EventReceived           AuditEventType = "RECEIVED"
	EventCompleted          AuditEventType = "COMPLETED"
	EventFailed             AuditEventType = "FAILED"
	EventBusinessRuleFailed AuditEventType = "BUSINESS_RULE_FAILED"
	EventRetryScheduled     AuditEventType = "RETRY_SCHEDULED"
	EventRetryExhausted     AuditEventType = "RETRY_EXHAUSTED"
	EventMovedToTSQ         AuditEventType = "MOVED_TO_TSQ"
	EventOperatorRetry      AuditEventType = "OPERATOR_RETRY"
	EventOperatorCancel     AuditEventType = "OPERATOR_CANCEL"
	EventOperatorComplete   AuditEventType = "OPERATOR_COMPLETE"
)

// AuditEvent is one append-only row in a command's audit trail
type AuditEvent struct {
	AuditID   int64                  `json:"audit_id"`
	Domain    string                 `json:"domain"`
	CommandID string                 `json:"command_id"`
	EventType AuditEventType         `json:"event_type"`
	CreatedAt time.Time              `json:"created_at"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// BatchStatus represents the aggregate status of a batch
type BatchStatus string

const (
	BatchPending               BatchStatus = "PENDING"
	BatchInProgress            BatchStatus = "IN_PROGRESS"
	BatchCompleted             BatchStatus = "COMPLETED"
	BatchCompletedWithFailures BatchStatus = "COMPLETED_WITH_FAILURES"
)

// BatchMetadata carries a batch's aggregate counters
type BatchMetadata struct {
	Domain                 string                 `json:"domain"`
	BatchID                string                 `json:"batch_id"`
	Name                   string                 `json:"name,omitempty"`
	CustomData             map[string]interface{} `json:"custom_data,omitempty"`
	Status                 BatchStatus            `json:"status"`
	TotalCount             int                    `json:"total_count"`
	CompletedCount         int                    `json:"completed_count"`
	FailedCount            int                    `json:"failed_count"`
	CanceledCount          int                    `json:"canceled_count"`
	InTroubleshootingCount int                    `json:"in_troubleshooting_count"`
	CreatedAt              time.Time              `json:"created_at"`
	StartedAt              time.Time              `json:"started_at,omitempty"`
	CompletedAt            time.Time              `json:"completed_at,omitempty"`
}

// BatchCommand is one command in a batch-create request
type BatchCommand struct {
	CommandID   string                 `json:"command_id"`
	CommandType string                 `json:"command_type"`
	Data        map[string]interface{} `json:"data"`
	MaxAttempts int                    `json:"max_attempts,omitempty"` // 0 means the bus default
	ReplyTo     string                 `json:"reply_to,omitempty"`
}

// Envelope is the wire format of a command queue message
type Envelope struct {
	Domain        string                 `json:"domain"`
	CommandType   string                 `json:"command_type"`
	CommandID     string                 `json:"command_id"`
	CorrelationID string                 `json:"correlation_id"`
	Data          map[string]interface{} `json:"data"`
	ReplyTo       string                 `json:"reply_to,omitempty"`
}

// ParseEnvelope decodes a queue payload. A missing command_id marks the
// message as poison; the worker archives it without touching metadata.
func ParseEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("malformed command envelope: %w", err)
	}
	if env.CommandID == "" {
		return nil, fmt.Errorf("command envelope missing command_id")
	}
	return &env, nil
}

// ReplyOutcome is the terminal outcome reported on a reply queue
type ReplyOutcome string

const (
	ReplySuccess  ReplyOutcome = "SUCCESS"
	ReplyCanceled ReplyOutcome = "CANCELED"
	ReplyFailed   ReplyOutcome = "FAILED"
)

// Reply is the wire format of a reply queue message
type Reply struct {
	CommandID     string                 `json:"command_id"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Outcome       ReplyOutcome           `json:"outcome"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Reason        string                 `json:"reason,omitempty"`
}

// ParseReply decodes a reply queue payload
func ParseReply(payload []byte) (*Reply, error) {
	var r Reply
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("malformed reply envelope: %w", err)
	}
	return &r, nil
}

// CommandQueueName returns the primary queue for a domain
func CommandQueueName(domain string) string {
	return domain + "__commands"
}

// ReplyQueueName returns the default reply queue for a domain
func ReplyQueueName(domain string) string {
	return domain + "__replies"
}
