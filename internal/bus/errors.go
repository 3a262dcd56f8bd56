package bus

import (
	"errors"
	"fmt"
)

// ErrDuplicateCommand is returned when a (domain, command_id) pair already exists
var ErrDuplicateCommand = errors.New("command already exists")

// ErrCommandNotFound is returned when an operator acts on an unknown command
var ErrCommandNotFound = errors.New("command not found")

// ErrBatchNotFound is returned when a command references an unknown batch
var ErrBatchNotFound = errors.New("batch not found")

// ErrInvalidOperation is returned when an operator action's precondition fails,
// e.g. retrying a command that is not in the troubleshooting queue
var ErrInvalidOperation = errors.New("invalid operation")

func duplicateCommandError(domain, commandID string) error {
	return fmt.Errorf("%w: %s/%s", ErrDuplicateCommand, domain, commandID)
}

func commandNotFoundError(domain, commandID string) error {
	return fmt.Errorf("%w: %s/%s", ErrCommandNotFound, domain, commandID)
}

func batchNotFoundError(domain, batchID string) error {
	return fmt.Errorf("%w: %s/%s", ErrBatchNotFound, domain, batchID)
}

func invalidOperationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}
