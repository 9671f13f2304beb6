package app

import "time"

// Operation statuses.
const (
	OperationSuccess = "success"
	OperationError   = "error"
)

// Operation tracks the CLI command being run. Its ID tags every log line
// written during the invocation.
type Operation struct {
	ID     string
	Name   string
	Status string
}

// NewOperation creates an operation that started at now. The ID is the
// UTC start time, which keeps log lines of one invocation greppable.
func NewOperation(name string, now time.Time) *Operation {
	return &Operation{
		ID:     now.UTC().Format("20060102T150405Z"),
		Name:   name,
		Status: OperationSuccess,
	}
}

// Fail marks the operation as failed. It stays failed.
func (op *Operation) Fail() {
	op.Status = OperationError
}

// Failed reports whether any step of the operation failed.
func (op *Operation) Failed() bool {
	return op.Status == OperationError
}
