package logging

import (
	"errors"
	"fmt"
)

// OperationError annotates an error with the operation and request it
// occurred in. errors.Is and errors.As see through it to the cause.
type OperationError struct {
	Operation string
	RequestID string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", e.Operation, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps err with operation metadata. A nil err stays nil.
func NewOperationError(operation, requestID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, RequestID: requestID, Err: err}
}

// Operation reports the innermost operation name recorded on err, if any.
func Operation(err error) (string, bool) {
	var op *OperationError
	found := ""
	for errors.As(err, &op) {
		found = op.Operation
		err = op.Err
	}
	return found, found != ""
}
