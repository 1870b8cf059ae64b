package failure

import (
	"errors"
	"fmt"
)

var (
	// ErrRetryExhausted marks an entry whose transient failures reached the retry limit.
	ErrRetryExhausted = errors.New("retry exhausted")

	// ErrCycleInProgress is returned when a cycle is already running for the same queue or subscription.
	ErrCycleInProgress = errors.New("synchronization cycle already in progress")

	// ErrQueueNotFound is returned for unknown queue names.
	ErrQueueNotFound = errors.New("queue not found")

	// ErrEntryNotFound is returned when an entry id does not exist in the queue.
	ErrEntryNotFound = errors.New("queue entry not found")

	// ErrPayloadNotFound is returned by payload stores for unknown keys.
	ErrPayloadNotFound = errors.New("payload not found")
)

// RejectionKind classifies an upstream business rejection.
type RejectionKind string

const (
	RejectValidation    RejectionKind = "validation"
	RejectAuthorization RejectionKind = "authorization"
	RejectConflict      RejectionKind = "conflict"
	RejectDetectedIssue RejectionKind = "detected-issue"
	RejectOther         RejectionKind = "rejected"
)

// RejectionError is a permanent application-level rejection reported by upstream.
type RejectionError struct {
	Kind   RejectionKind
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("upstream %s rejection: %s", e.Kind, e.Detail)
}

// NewRejection builds a RejectionError.
func NewRejection(kind RejectionKind, format string, args ...any) *RejectionError {
	return &RejectionError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// TransportError wraps a failure below the application protocol, such as a
// proxy refusing to tunnel or a TLS handshake that never completed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// QueueError wraps any failure interacting with a specific queue.
type QueueError struct {
	Queue   string
	EntryID int64
	Op      string
	Err     error
}

func (e *QueueError) Error() string {
	if e.EntryID != 0 {
		return fmt.Sprintf("queue %s: %s entry %d: %v", e.Queue, e.Op, e.EntryID, e.Err)
	}
	return fmt.Sprintf("queue %s: %s: %v", e.Queue, e.Op, e.Err)
}

func (e *QueueError) Unwrap() error {
	return e.Err
}

// NewQueueError wraps err unless it is nil.
func NewQueueError(queue, op string, entryID int64, err error) error {
	if err == nil {
		return nil
	}
	return &QueueError{Queue: queue, EntryID: entryID, Op: op, Err: err}
}

// ConfigurationGapError reports missing or forbidding configuration. It is
// never fatal to a cycle.
type ConfigurationGapError struct {
	Subject string
	Reason  string
}

func (e *ConfigurationGapError) Error() string {
	return fmt.Sprintf("configuration gap for %s: %s", e.Subject, e.Reason)
}

// ArgumentRangeError reports an argument outside the accepted domain.
type ArgumentRangeError struct {
	Param    string
	Expected string
	Value    string
}

func (e *ArgumentRangeError) Error() string {
	return fmt.Sprintf("argument %s out of range: expected %s, got %q", e.Param, e.Expected, e.Value)
}
