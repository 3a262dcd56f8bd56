package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Harvey-AU/blue-banded-bus/internal/bus"
)

// HandlerContext carries delivery metadata into a handler invocation
type HandlerContext struct {
	Attempt     int
	MaxAttempts int
	MsgID       int64
}

// HandlerFunc processes one command and returns a result for the reply, if
// the sender asked for one. Failures are classified by the error type:
// Transient retries, Permanent parks the command in the troubleshooting
// queue, BusinessRule terminates it as FAILED.
type HandlerFunc func(ctx context.Context, cmd *bus.Envelope, hctx *HandlerContext) (map[string]interface{}, error)

// TransientError marks a failure worth retrying, e.g. a downstream timeout
type TransientError struct {
	Code    string
	Message string
	Err     error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure no retry can fix; the command goes to the
// troubleshooting queue for an operator
type PermanentError struct {
	Code    string
	Message string
	Err     error
}

func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// BusinessRuleError marks an expected domain-level rejection. The command
// terminates as FAILED with no retry and no troubleshooting queue entry.
type BusinessRuleError struct {
	Code    string
	Message string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Transient wraps an error as retryable
func Transient(code, message string, err error) error {
	return &TransientError{Code: code, Message: message, Err: err}
}

// Permanent wraps an error as unretryable
func Permanent(code, message string, err error) error {
	return &PermanentError{Code: code, Message: message, Err: err}
}

// BusinessRule rejects a command on domain grounds
func BusinessRule(code, message string) error {
	return &BusinessRuleError{Code: code, Message: message}
}

// Classify maps a handler error onto the command error taxonomy. Anything
// unrecognised is treated as transient so a redeploy or operator retry can
// still recover it.
func Classify(err error) *bus.CommandError {
	var transient *TransientError
	if errors.As(err, &transient) {
		return &bus.CommandError{Kind: bus.ErrorKindTransient, Code: transient.Code, Message: transient.Message}
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return &bus.CommandError{Kind: bus.ErrorKindPermanent, Code: permanent.Code, Message: permanent.Message}
	}
	var businessRule *BusinessRuleError
	if errors.As(err, &businessRule) {
		return &bus.CommandError{Kind: bus.ErrorKindBusinessRule, Code: businessRule.Code, Message: businessRule.Message}
	}
	return &bus.CommandError{Kind: bus.ErrorKindTransient, Code: "UNCLASSIFIED", Message: err.Error()}
}

// Registry maps (domain, command_type) to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a (domain, command_type) pair, replacing any
// previous binding
func (r *Registry) Register(domain, commandType string, handler HandlerFunc) {
	if handler == nil {
		panic("handler is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[domain+"/"+commandType] = handler
}

// Resolve returns the handler for a (domain, command_type) pair, or nil
func (r *Registry) Resolve(domain, commandType string) HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[domain+"/"+commandType]
}
