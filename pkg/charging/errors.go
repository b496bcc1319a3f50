package charging

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the charging service.
var (
	ErrUnknownUser            = errors.New("unknown user")
	ErrUnknownProduct         = errors.New("unknown product")
	ErrUnknownSession         = errors.New("unknown session")
	ErrUserExists             = errors.New("user already exists")
	ErrDuplicateTxn           = errors.New("duplicate transaction id")
	ErrAllocationExists       = errors.New("allocation already exists")
	ErrNoFinancialHistory     = errors.New("user has no financial history")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrInvalidProductID       = errors.New("invalid product id")
	ErrInvalidSessionID       = errors.New("invalid session id")
	ErrInvalidTxnID           = errors.New("invalid transaction id")
	ErrInvalidSessionUpdate   = errors.New("invalid session update")
	ErrInvalidServiceConfig   = errors.New("invalid service config")
	ErrInvalidCollectorConfig = errors.New("invalid collector config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
