package process

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/Harvey-AU/blue-banded-bus/internal/bus"
)

// Status is the lifecycle state of a long-running process
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusInProgress      Status = "IN_PROGRESS"
	StatusWaitingForReply Status = "WAITING_FOR_REPLY"
	StatusCompleted       Status = "COMPLETED"
	StatusFailed          Status = "FAILED"
)

// Metadata is the durable record of a process instance. Commands it sends
// carry the process id as their correlation id, which is how replies find
// their way back.
type Metadata struct {
	Domain      string                 `json:"domain"`
	ProcessID   string                 `json:"process_id"`
	ProcessType string                 `json:"process_type"`
	Status      Status                 `json:"status"`
	CurrentStep string                 `json:"current_step,omitempty"`
	State       map[string]interface{} `json:"state,omitempty"`
	LastError   string                 `json:"last_error,omitempty"`
	BatchID     string                 `json:"batch_id,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
	CompletedAt time.Time              `json:"completed_at,omitempty"`
}

// StepRecord is one row of a process's step audit: the command sent for a
// step and, once it arrives, the reply
type StepRecord struct {
	RecordID     int64                  `json:"process_audit_id"`
	Domain       string                 `json:"domain"`
	ProcessID    string                 `json:"process_id"`
	StepName     string                 `json:"step_name"`
	CommandID    string                 `json:"command_id,omitempty"`
	CommandType  string                 `json:"command_type,omitempty"`
	CommandData  map[string]interface{} `json:"command_data,omitempty"`
	SentAt       time.Time              `json:"sent_at,omitempty"`
	ReplyOutcome string                 `json:"reply_outcome,omitempty"`
	ReplyReason  string                 `json:"reply_reason,omitempty"`
	ReplyData    map[string]interface{} `json:"reply_data,omitempty"`
	ReceivedAt   time.Time              `json:"received_at,omitempty"`
}

// Command is what a manager emits for a step
type Command struct {
	CommandType string
	Data        map[string]interface{}
}

// Manager defines one process type's state machine. Implementations must be
// stateless; all per-instance state lives in the process row.
type Manager interface {
	// InitialState derives the starting state from the caller's input
	InitialState(data map[string]interface{}) (map[string]interface{}, error)
	// FirstStep names the step to run first
	FirstStep(state map[string]interface{}) (string, error)
	// BuildCommand produces the command for a step
	BuildCommand(step string, state map[string]interface{}) (Command, error)
	// UpdateState folds a step's reply into the state
	UpdateState(state map[string]interface{}, step string, reply *bus.Reply) (map[string]interface{}, error)
	// NextStep names the step after current, or ok=false when the process
	// is done
	NextStep(current string, reply *bus.Reply, state map[string]interface{}) (next string, ok bool, err error)
}

// BeforeSender is an optional hook letting a manager persist side state in
// the same transaction that sends a step's command
type BeforeSender interface {
	BeforeSend(ctx context.Context, tx *sql.Tx, step string, state map[string]interface{}) error
}

// Registry maps (domain, process_type) to managers
type Registry struct {
	mu       sync.RWMutex
	managers map[string]Manager
}

// NewRegistry creates an empty manager registry
func NewRegistry() *Registry {
	return &Registry{managers: make(map[string]Manager)}
}

// Register binds a manager to a (domain, process_type) pair
func (r *Registry) Register(domain, processType string, m Manager) {
	if m == nil {
		panic("manager is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.managers[domain+"/"+processType] = m
}

// Resolve returns the manager for a (domain, process_type) pair, or nil
func (r *Registry) Resolve(domain, processType string) Manager {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.managers[domain+"/"+processType]
}
