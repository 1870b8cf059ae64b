package models

import (
	"fmt"
	"strings"
	"time"
)

// SyncMode controls how much of the upstream is replicated.
type SyncMode string

const (
	ModeNone      SyncMode = "none"
	ModePartial   SyncMode = "partial"
	ModeReplicate SyncMode = "replicate"
)

// ParseSyncMode accepts "full" as an alias of replicate.
func ParseSyncMode(raw string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none", "off":
		return ModeNone, nil
	case "partial":
		return ModePartial, nil
	case "replicate", "full":
		return ModeReplicate, nil
	default:
		return "", fmt.Errorf("unknown synchronization mode %q", raw)
	}
}

// SubscriptionDefinition names a replicated resource and the filters applied upstream.
type SubscriptionDefinition struct {
	ID           string   `yaml:"id" json:"id"`
	ResourceType string   `yaml:"resource" json:"resource"`
	Filters      []string `yaml:"filters" json:"filters,omitempty"`
}

// ResourceConfiguration binds a subscription to the triggers that pull it and
// the local operations that push it.
type ResourceConfiguration struct {
	SubscriptionID string
	ResourceType   string
	Filters        []string
	Triggers       TriggerSet
	Operations     OperationSet
}

// SubscribedObjectConfiguration lists individual objects of one type that the
// client follows in addition to its subscriptions.
type SubscribedObjectConfiguration struct {
	SubscribeTo string   `yaml:"subscribeTo" json:"subscribeTo"`
	Subscribed  []string `yaml:"subscribed" json:"subscribed"`
}

// Mutation is a committed local data change offered to the dispatcher.
type Mutation struct {
	ResourceType string
	ResourceKey  string
	Operation    Operation
	Payload      []byte
}

// RemoteRecord is one record returned by an upstream pull.
type RemoteRecord struct {
	ResourceType string    `json:"resource_type"`
	ResourceKey  string    `json:"resource_key"`
	Payload      []byte    `json:"payload"`
	ModifiedOn   time.Time `json:"modified_on"`
}

// Direction of a synchronization cycle.
type Direction string

const (
	DirectionPush  Direction = "push"
	DirectionPull  Direction = "pull"
	DirectionApply Direction = "apply"
)

// CycleSummary counts the outcome of a cycle.
type CycleSummary struct {
	Direction    Direction     `json:"direction"`
	Trigger      TriggerEvent  `json:"trigger,omitempty"`
	Pushed       int           `json:"pushed"`
	Pulled       int           `json:"pulled"`
	Applied      int           `json:"applied"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"dead_lettered"`
	Skipped      int           `json:"skipped"`
	Duration     time.Duration `json:"duration"`
}

// Merge adds the counters of other into s.
func (s *CycleSummary) Merge(other CycleSummary) {
	s.Pushed += other.Pushed
	s.Pulled += other.Pulled
	s.Applied += other.Applied
	s.Failed += other.Failed
	s.DeadLettered += other.DeadLettered
	s.Skipped += other.Skipped
	s.Duration += other.Duration
}
