// Package notify reports synchronization progress to the user.
package notify

import (
	"context"
	"errors"

	"github.com/santedb/santedb-dc-core-sub006/internal/domain"
	"github.com/santedb/santedb-dc-core-sub006/internal/events"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/rs/zerolog"
)

// DeadLetterNotifier is implemented by notifiers that also report evicted entries.
type DeadLetterNotifier interface {
	EntryDeadLettered(ctx context.Context, entry events.EntryPayload)
}

// Attach subscribes n to the cycle events of bus.
func Attach(bus *events.EventBus, name string, n domain.Notifier) {
	bus.Subscribe(events.EventCycleStarted, name, func(e *events.Event) error {
		var p events.CyclePayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		n.CycleStarted(context.Background(), p.Trigger)
		return nil
	})
	bus.Subscribe(events.EventCycleCompleted, name, func(e *events.Event) error {
		var p events.CyclePayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		n.CycleCompleted(context.Background(), p.Summary)
		return nil
	})
	bus.Subscribe(events.EventCycleFailed, name, func(e *events.Event) error {
		var p events.CyclePayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		p.Summary.Trigger = p.Trigger
		n.CycleFailed(context.Background(), p.Summary, errors.New(p.Error))
		return nil
	})

	if dl, ok := n.(DeadLetterNotifier); ok {
		bus.Subscribe(events.EventDeadLettered, name, func(e *events.Event) error {
			var p events.EntryPayload
			if err := e.Decode(&p); err != nil {
				return err
			}
			dl.EntryDeadLettered(context.Background(), p)
			return nil
		})
	}
}

// LogNotifier writes cycle progress to the log.
type LogNotifier struct {
	logger *zerolog.Logger
}

func NewLogNotifier(logger *zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) CycleStarted(_ context.Context, trigger models.TriggerEvent) {
	n.logger.Debug().Str("trigger", string(trigger)).Msg("Synchronization started")
}

func (n *LogNotifier) CycleCompleted(_ context.Context, summary models.CycleSummary) {
	n.logger.Info().
		Str("trigger", string(summary.Trigger)).
		Int("pushed", summary.Pushed).
		Int("pulled", summary.Pulled).
		Int("applied", summary.Applied).
		Msg("Synchronization finished")
}

func (n *LogNotifier) CycleFailed(_ context.Context, summary models.CycleSummary, err error) {
	n.logger.Error().Err(err).Str("trigger", string(summary.Trigger)).Msg("Synchronization failed")
}

func (n *LogNotifier) EntryDeadLettered(_ context.Context, entry events.EntryPayload) {
	n.logger.Warn().
		Str("queue", entry.Queue).
		Str("correlation_key", entry.CorrelationKey).
		Str("reason", entry.Reason).
		Msg("Entry needs attention")
}
