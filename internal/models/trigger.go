package models

import (
	"fmt"
	"strings"
)

// TriggerEvent is a condition that may start a synchronization cycle.
type TriggerEvent string

const (
	TriggerOnStart         TriggerEvent = "OnStart"
	TriggerOnCommit        TriggerEvent = "OnCommit"
	TriggerOnStop          TriggerEvent = "OnStop"
	TriggerOnNetworkChange TriggerEvent = "OnNetworkChange"
	TriggerPeriodicPoll    TriggerEvent = "PeriodicPoll"
	TriggerManual          TriggerEvent = "Manual"
)

var triggerOrder = []TriggerEvent{
	TriggerOnStart,
	TriggerOnCommit,
	TriggerOnStop,
	TriggerOnNetworkChange,
	TriggerPeriodicPoll,
	TriggerManual,
}

// ParseTriggerEvent accepts trigger names case-insensitively.
func ParseTriggerEvent(raw string) (TriggerEvent, error) {
	name := strings.TrimSpace(raw)
	for _, ev := range triggerOrder {
		if strings.EqualFold(string(ev), name) {
			return ev, nil
		}
	}
	return "", fmt.Errorf("unknown trigger %q", raw)
}

// TriggerSet is a set over the closed list of trigger events. The zero value
// is the empty set. Sets are values; Add and Union return new sets.
type TriggerSet struct {
	members []TriggerEvent
}

// NewTriggerSet builds a set from the given events.
func NewTriggerSet(events ...TriggerEvent) TriggerSet {
	var s TriggerSet
	for _, ev := range events {
		s = s.Add(ev)
	}
	return s
}

// ParseTriggerSet parses a list of trigger names. "always" expands to every trigger.
func ParseTriggerSet(names []string) (TriggerSet, error) {
	var s TriggerSet
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), "always") {
			return NewTriggerSet(triggerOrder...), nil
		}
		ev, err := ParseTriggerEvent(name)
		if err != nil {
			return TriggerSet{}, err
		}
		s = s.Add(ev)
	}
	return s, nil
}

func (s TriggerSet) Add(ev TriggerEvent) TriggerSet {
	if s.Contains(ev) {
		return s
	}
	out := make([]TriggerEvent, 0, len(s.members)+1)
	for _, candidate := range triggerOrder {
		if candidate == ev || s.Contains(candidate) {
			out = append(out, candidate)
		}
	}
	return TriggerSet{members: out}
}

func (s TriggerSet) Union(other TriggerSet) TriggerSet {
	out := s
	for _, ev := range other.members {
		out = out.Add(ev)
	}
	return out
}

func (s TriggerSet) Contains(ev TriggerEvent) bool {
	for _, m := range s.members {
		if m == ev {
			return true
		}
	}
	return false
}

// Events returns the members in canonical order.
func (s TriggerSet) Events() []TriggerEvent {
	return append([]TriggerEvent(nil), s.members...)
}

func (s TriggerSet) IsEmpty() bool { return len(s.members) == 0 }

func (s TriggerSet) String() string {
	names := make([]string, len(s.members))
	for i, m := range s.members {
		names[i] = string(m)
	}
	return strings.Join(names, "|")
}

var operationOrder = []Operation{OperationInsert, OperationUpdate, OperationObsolete}

// OperationSet is a set of local data operations that cause a push.
type OperationSet struct {
	members []Operation
}

// NewOperationSet builds a set from the given operations.
func NewOperationSet(ops ...Operation) OperationSet {
	var s OperationSet
	for _, op := range ops {
		s = s.Add(op)
	}
	return s
}

// ParseOperationSet parses operation names; "any" expands to all data operations.
func ParseOperationSet(names []string) (OperationSet, error) {
	var s OperationSet
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), "any") {
			return NewOperationSet(operationOrder...), nil
		}
		op, err := ParseOperation(name)
		if err != nil {
			return OperationSet{}, err
		}
		if op == OperationSync {
			return OperationSet{}, fmt.Errorf("operation %q cannot be used as a push filter", name)
		}
		s = s.Add(op)
	}
	return s, nil
}

func (s OperationSet) Add(op Operation) OperationSet {
	if s.Contains(op) {
		return s
	}
	out := make([]Operation, 0, len(s.members)+1)
	for _, candidate := range operationOrder {
		if candidate == op || s.Contains(candidate) {
			out = append(out, candidate)
		}
	}
	return OperationSet{members: out}
}

func (s OperationSet) Union(other OperationSet) OperationSet {
	out := s
	for _, op := range other.members {
		out = out.Add(op)
	}
	return out
}

func (s OperationSet) Contains(op Operation) bool {
	for _, m := range s.members {
		if m == op {
			return true
		}
	}
	return false
}

func (s OperationSet) Operations() []Operation {
	return append([]Operation(nil), s.members...)
}

func (s OperationSet) IsEmpty() bool { return len(s.members) == 0 }
