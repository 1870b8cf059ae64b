package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/config"
	"github.com/santedb/santedb-dc-core-sub006/internal/domain"
	"github.com/santedb/santedb-dc-core-sub006/internal/events"
	"github.com/santedb/santedb-dc-core-sub006/internal/failure"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"
	"github.com/santedb/santedb-dc-core-sub006/internal/queue"

	"github.com/rs/zerolog"
)

// CycleRunner executes a synchronization cycle for a set of resources.
type CycleRunner interface {
	RunCycle(ctx context.Context, trigger models.TriggerEvent, resources []models.ResourceConfiguration) (models.CycleSummary, error)
}

// Dispatcher turns local mutations and trigger events into queue entries
// and synchronization cycles.
type Dispatcher struct {
	subscriptions *SubscriptionService
	outbound      queue.Queue
	payloads      domain.PayloadStore
	runner        CycleRunner
	eventBus      domain.EventPublisher
	logger        *zerolog.Logger
	online        atomic.Bool
}

func NewDispatcher(
	subscriptions *SubscriptionService,
	outbound queue.Queue,
	payloads domain.PayloadStore,
	runner CycleRunner,
	eventBus domain.EventPublisher,
	logger *zerolog.Logger,
) *Dispatcher {
	return &Dispatcher{
		subscriptions: subscriptions,
		outbound:      outbound,
		payloads:      payloads,
		runner:        runner,
		eventBus:      eventBus,
		logger:        logger,
	}
}

// OnMutation queues a committed local change for upload. It reports whether
// an entry was queued. Changes of forbidden types, of types no active
// resource pushes for this operation, or made while synchronization is off
// are ignored.
func (d *Dispatcher) OnMutation(ctx context.Context, m models.Mutation) (bool, error) {
	settings := d.subscriptions.Settings()
	if settings.SyncMode() == models.ModeNone {
		return false, nil
	}
	if settings.Forbidden(m.ResourceType) {
		d.logger.Debug().Str("resource_type", m.ResourceType).Msg("Mutation of forbidden resource type not queued")
		return false, nil
	}

	resources, _ := d.subscriptions.ActiveResources()
	covered := false
	matched := false
	onCommit := false
	for _, rc := range resources {
		if !strings.EqualFold(rc.ResourceType, m.ResourceType) {
			continue
		}
		covered = true
		if !rc.Operations.Contains(m.Operation) {
			continue
		}
		matched = true
		if rc.Triggers.Contains(models.TriggerOnCommit) {
			onCommit = true
		}
	}
	if !matched {
		if !covered {
			gap := &failure.ConfigurationGapError{Subject: m.ResourceType, Reason: "no active subscription"}
			d.logger.Debug().Err(gap).Msg("Mutation not queued")
		}
		return false, nil
	}

	key, err := d.payloads.Save(ctx, m.Payload)
	if err != nil {
		return false, fmt.Errorf("save mutation payload: %w", err)
	}
	entry := &models.QueueEntry{
		ResourceType: m.ResourceType,
		ResourceKey:  m.ResourceKey,
		DataFileKey:  key,
		Operation:    m.Operation,
	}
	if err := d.outbound.Enqueue(ctx, entry); err != nil {
		if rmErr := d.payloads.Remove(ctx, key); rmErr != nil {
			d.logger.Warn().Err(rmErr).Str("data_file_key", key).Msg("Failed to remove orphaned payload")
		}
		return false, err
	}

	d.logger.Debug().
		Str("resource_type", m.ResourceType).
		Str("operation", string(m.Operation)).
		Int64("entry_id", entry.ID).
		Msg("Mutation queued")
	d.publish(events.EventMutationQueued, events.EntryPayload{
		Queue:          d.outbound.Name(),
		EntryID:        entry.ID,
		CorrelationKey: entry.CorrelationKey,
		ResourceType:   entry.ResourceType,
		Operation:      entry.Operation,
	})

	if onCommit {
		if _, err := d.Fire(ctx, models.TriggerOnCommit); err != nil && !errors.Is(err, failure.ErrCycleInProgress) {
			d.logger.Warn().Err(err).Msg("Commit-triggered cycle failed")
		}
	}
	return true, nil
}

// Fire runs a cycle for trigger. The push side always runs; the pull side
// covers the resources bound to the trigger, or every resource for Manual.
func (d *Dispatcher) Fire(ctx context.Context, trigger models.TriggerEvent) (models.CycleSummary, error) {
	settings := d.subscriptions.Settings()
	if settings.SyncMode() == models.ModeNone {
		return models.CycleSummary{Trigger: trigger}, nil
	}

	resources, gaps := d.subscriptions.ActiveResources()
	d.logGaps(trigger, gaps)
	selected := make([]models.ResourceConfiguration, 0, len(resources))
	for _, rc := range resources {
		if trigger == models.TriggerManual || rc.Triggers.Contains(trigger) {
			selected = append(selected, rc)
		}
	}

	d.logger.Debug().Str("trigger", string(trigger)).Int("resources", len(selected)).Msg("Trigger fired")
	return d.runner.RunCycle(ctx, trigger, selected)
}

func (d *Dispatcher) logGaps(trigger models.TriggerEvent, gaps []error) {
	for _, err := range gaps {
		if IsGap(err) {
			d.logger.Warn().Err(err).Str("trigger", string(trigger)).Msg("Subscription skipped")
			continue
		}
		d.logger.Error().Err(err).Str("trigger", string(trigger)).Msg("Subscription not resolved")
	}
}

// Start fires OnStart.
func (d *Dispatcher) Start(ctx context.Context) (models.CycleSummary, error) {
	return d.Fire(ctx, models.TriggerOnStart)
}

// Stop fires OnStop.
func (d *Dispatcher) Stop(ctx context.Context) (models.CycleSummary, error) {
	return d.Fire(ctx, models.TriggerOnStop)
}

// NetworkChanged records connectivity and fires OnNetworkChange when the
// device comes online.
func (d *Dispatcher) NetworkChanged(ctx context.Context, online bool) (models.CycleSummary, error) {
	if !online {
		d.online.Store(false)
		return models.CycleSummary{}, nil
	}
	if !d.online.CompareAndSwap(false, true) {
		return models.CycleSummary{}, nil
	}
	return d.Fire(ctx, models.TriggerOnNetworkChange)
}

// Poll fires PeriodicPoll every poll interval until ctx is done. The interval
// is re-read after every cycle; a "never" interval ends the loop.
func (d *Dispatcher) Poll(ctx context.Context) error {
	var current time.Duration
	for {
		interval, err := d.subscriptions.Settings().Poll()
		if err != nil {
			return err
		}
		if interval <= 0 {
			d.logger.Info().Msg("Periodic polling disabled")
			return nil
		}
		if interval != current {
			d.logger.Info().Str("interval", config.FormatISODuration(interval)).Msg("Periodic polling scheduled")
			current = interval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		if _, err := d.Fire(ctx, models.TriggerPeriodicPoll); err != nil && !errors.Is(err, failure.ErrCycleInProgress) {
			d.logger.Warn().Err(err).Msg("Periodic synchronization failed")
		}
	}
}

func (d *Dispatcher) publish(eventType string, payload interface{}) {
	if d.eventBus == nil {
		return
	}
	if err := d.eventBus.PublishJSON(eventType, payload); err != nil {
		d.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}
