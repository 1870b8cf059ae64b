package models

import (
	"fmt"
	"strings"
	"time"
)

// Operation is the data operation a queue entry carries.
type Operation string

const (
	OperationSync     Operation = "sync"
	OperationInsert   Operation = "insert"
	OperationUpdate   Operation = "update"
	OperationObsolete Operation = "obsolete"
)

// ParseOperation accepts the canonical names case-insensitively.
func ParseOperation(raw string) (Operation, error) {
	switch op := Operation(strings.ToLower(strings.TrimSpace(raw))); op {
	case OperationSync, OperationInsert, OperationUpdate, OperationObsolete:
		return op, nil
	default:
		return "", fmt.Errorf("unknown operation %q", raw)
	}
}

// QueueEntry describes one pending operation. The payload itself lives in the
// payload store and is referenced through DataFileKey.
type QueueEntry struct {
	ID             int64     `json:"id"`
	CorrelationKey string    `json:"correlation_key"`
	CreationTime   time.Time `json:"creation_time"`
	ResourceType   string    `json:"resource_type"`
	ResourceKey    string    `json:"resource_key,omitempty"`
	DataFileKey    string    `json:"data_file_key"`
	Operation      Operation `json:"operation"`
	RetryCount     int       `json:"retry_count"`
	Queue          string    `json:"queue"`
}

// DeadLetterEntry is a queue entry evicted after a terminal failure.
type DeadLetterEntry struct {
	QueueEntry
	OriginalQueue      string `json:"original_queue"`
	ReasonForRejection string `json:"reason_for_rejection"`
}

// EntryState is the lifecycle position of an entry.
type EntryState string

const (
	StatePending      EntryState = "pending"
	StateTransmitting EntryState = "transmitting"
	StateRemoved      EntryState = "removed"
	StateDeadLettered EntryState = "dead_lettered"
	StatePurged       EntryState = "purged"
)

var entryTransitions = map[EntryState][]EntryState{
	StatePending:      {StateTransmitting},
	StateTransmitting: {StateRemoved, StatePending, StateDeadLettered},
	StateDeadLettered: {StatePending, StatePurged},
}

// CanTransition reports whether next is reachable from s in one step.
func (s EntryState) CanTransition(next EntryState) bool {
	for _, allowed := range entryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition exists.
func (s EntryState) IsTerminal() bool {
	return s == StateRemoved || s == StatePurged
}
