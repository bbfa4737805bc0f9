package tm

import (
	"strings"
	"time"
)

// Operation statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation is one lifecycle call recorded in the history.
type Operation struct {
	ID         int64
	Operation  string // "track", "follow", "pause", "resume", "delete"
	Crawler    string
	Parameters string
	Status     string
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// History stores lifecycle operations.
type History interface {
	// RecordOperation persists op and sets its ID.
	RecordOperation(op *Operation) error

	// ListOperations returns the most recent operations, newest first.
	ListOperations(limit int) ([]*Operation, error)
}

// NopHistory discards every operation.
type NopHistory struct{}

func (NopHistory) RecordOperation(*Operation) error         { return nil }
func (NopHistory) ListOperations(int) ([]*Operation, error) { return nil, nil }

// newOperation starts an operation record for a lifecycle call.
func newOperation(name, crawler string, params []string, now time.Time) *Operation {
	return &Operation{
		Operation:  name,
		Crawler:    crawler,
		Parameters: strings.Join(params, ","),
		Status:     StatusSuccess,
		StartedAt:  now,
	}
}

// finish stamps the outcome of the operation.
func (op *Operation) finish(err error, message string, now time.Time) {
	op.FinishedAt = now
	op.Message = message
	if err != nil {
		op.Status = StatusError
		op.Message = err.Error()
	}
}
