package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriggerSet(t *testing.T) {
	t.Run("ZeroValueIsEmpty", func(t *testing.T) {
		var s TriggerSet
		assert.True(t, s.IsEmpty())
		assert.False(t, s.Contains(TriggerManual))
	})

	t.Run("AddIsIdempotentAndOrdered", func(t *testing.T) {
		s := NewTriggerSet(TriggerManual, TriggerOnStart, TriggerManual)
		assert.Equal(t, []TriggerEvent{TriggerOnStart, TriggerManual}, s.Events())
	})

	t.Run("Union", func(t *testing.T) {
		a := NewTriggerSet(TriggerOnCommit)
		b := NewTriggerSet(TriggerPeriodicPoll, TriggerOnCommit)
		u := a.Union(b)
		assert.True(t, u.Contains(TriggerOnCommit))
		assert.True(t, u.Contains(TriggerPeriodicPoll))
		assert.Len(t, u.Events(), 2)
		// operands are untouched
		assert.Len(t, a.Events(), 1)
	})

	t.Run("Parse", func(t *testing.T) {
		s, err := ParseTriggerSet([]string{"oncommit", "PeriodicPoll"})
		require.NoError(t, err)
		assert.Equal(t, "OnCommit|PeriodicPoll", s.String())

		all, err := ParseTriggerSet([]string{"always"})
		require.NoError(t, err)
		assert.Len(t, all.Events(), 6)

		_, err = ParseTriggerSet([]string{"sometimes"})
		assert.Error(t, err)
	})
}

func TestOperationSet(t *testing.T) {
	s, err := ParseOperationSet([]string{"Insert"})
	require.NoError(t, err)
	assert.True(t, s.Contains(OperationInsert))
	assert.False(t, s.Contains(OperationUpdate))

	all, err := ParseOperationSet([]string{"any"})
	require.NoError(t, err)
	assert.Equal(t, []Operation{OperationInsert, OperationUpdate, OperationObsolete}, all.Operations())

	_, err = ParseOperationSet([]string{"sync"})
	assert.Error(t, err)

	u := NewOperationSet(OperationObsolete).Union(NewOperationSet(OperationInsert))
	assert.Equal(t, []Operation{OperationInsert, OperationObsolete}, u.Operations())
}

func TestEntryStateTransitions(t *testing.T) {
	tests := []struct {
		from, to EntryState
		ok       bool
	}{
		{StatePending, StateTransmitting, true},
		{StatePending, StateRemoved, false},
		{StateTransmitting, StateRemoved, true},
		{StateTransmitting, StatePending, true},
		{StateTransmitting, StateDeadLettered, true},
		{StateDeadLettered, StatePending, true},
		{StateDeadLettered, StatePurged, true},
		{StateRemoved, StatePending, false},
		{StatePurged, StatePending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, StateRemoved.IsTerminal())
	assert.True(t, StatePurged.IsTerminal())
	assert.False(t, StateDeadLettered.IsTerminal())
}

func TestParsers(t *testing.T) {
	mode, err := ParseSyncMode("full")
	require.NoError(t, err)
	assert.Equal(t, ModeReplicate, mode)

	mode, err = ParseSyncMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeNone, mode)

	_, err = ParseSyncMode("everything")
	assert.Error(t, err)

	p, err := ParseQueuePattern("Admin")
	require.NoError(t, err)
	assert.Equal(t, PatternAdminOutbound, p)
	assert.True(t, p.IsOutgoing())
	assert.False(t, PatternInbound.IsOutgoing())

	op, err := ParseOperation(" Obsolete ")
	require.NoError(t, err)
	assert.Equal(t, OperationObsolete, op)
}

func TestCycleSummaryMerge(t *testing.T) {
	s := CycleSummary{Pushed: 1, Failed: 1}
	s.Merge(CycleSummary{Pushed: 2, Pulled: 3, DeadLettered: 1})
	assert.Equal(t, 3, s.Pushed)
	assert.Equal(t, 3, s.Pulled)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.DeadLettered)
}
