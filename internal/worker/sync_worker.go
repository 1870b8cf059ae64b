package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/config"
	"github.com/santedb/santedb-dc-core-sub006/internal/domain"
	"github.com/santedb/santedb-dc-core-sub006/internal/events"
	"github.com/santedb/santedb-dc-core-sub006/internal/failure"
	"github.com/santedb/santedb-dc-core-sub006/internal/metrics"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"
	"github.com/santedb/santedb-dc-core-sub006/internal/queue"

	"github.com/rs/zerolog"
)

// QueueManager is the part of the queue manager the worker drives.
type QueueManager interface {
	ByPattern(pattern models.QueuePattern) []queue.Queue
	DeadLetter(ctx context.Context, source string, entryID int64, reason string) (*models.DeadLetterEntry, error)
}

// SettingsProvider exposes the current synchronization section.
type SettingsProvider interface {
	Settings() config.SynchronizationConfig
}

// Dependencies groups the collaborators of a SyncWorker.
type Dependencies struct {
	Queues   QueueManager
	Upstream domain.Upstream
	Payloads domain.PayloadStore
	SyncLog  domain.SyncLog
	Applier  domain.LocalApplier
	Settings SettingsProvider
	EventBus domain.EventPublisher
}

// SyncWorker drains outbound queues upstream, pulls subscriptions into the
// inbound queue and applies inbound entries locally.
type SyncWorker struct {
	deps        Dependencies
	retryPolicy RetryPolicy
	timeout     time.Duration
	logger      *zerolog.Logger
	now         func() time.Time

	pushGuards sync.Map // queue name -> *sync.Mutex
	pullGuards sync.Map // subscription id -> *sync.Mutex
	applyGuard sync.Mutex

	backoffMu   sync.Mutex
	nextAttempt map[string]time.Time
}

// NewSyncWorker builds a worker. timeout bounds every upstream call.
func NewSyncWorker(deps Dependencies, retry RetryPolicy, timeout time.Duration, logger *zerolog.Logger) *SyncWorker {
	if timeout <= 0 {
		timeout = models.DefaultNetworkTimeout
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SyncWorker{
		deps:        deps,
		retryPolicy: retry.withDefaults(),
		timeout:     timeout,
		logger:      logger,
		now:         time.Now,
		nextAttempt: make(map[string]time.Time),
	}
}

func guardFor(m *sync.Map, key string) *sync.Mutex {
	v, _ := m.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// outcome tells the drain loop what to do after one entry.
type outcome int

const (
	outcomeNext outcome = iota
	outcomeStop
)

// Push transmits every outgoing queue in FIFO order. A queue whose push is
// already running is skipped and reported through ErrCycleInProgress.
func (w *SyncWorker) Push(ctx context.Context) (models.CycleSummary, error) {
	start := w.now()
	summary := models.CycleSummary{Direction: models.DirectionPush}
	defer func() {
		metrics.ObserveCycle(string(models.DirectionPush), time.Since(start))
	}()

	if !w.deps.Upstream.IsAvailable(ctx) {
		w.logger.Debug().Msg("Upstream unavailable, skipping push")
		return summary, nil
	}

	settings := w.deps.Settings.Settings()
	var busy []string
	for _, pattern := range []models.QueuePattern{models.PatternOutbound, models.PatternAdminOutbound} {
		for _, q := range w.deps.Queues.ByPattern(pattern) {
			s, err := w.pushQueue(ctx, q, settings)
			summary.Merge(s)
			switch {
			case errors.Is(err, failure.ErrCycleInProgress):
				busy = append(busy, q.Name())
			case err != nil:
				summary.Duration = w.now().Sub(start)
				return summary, err
			}
		}
	}

	summary.Duration = w.now().Sub(start)
	if len(busy) > 0 {
		return summary, fmt.Errorf("%w: %v", failure.ErrCycleInProgress, busy)
	}
	return summary, nil
}

func (w *SyncWorker) pushQueue(ctx context.Context, q queue.Queue, settings config.SynchronizationConfig) (models.CycleSummary, error) {
	var summary models.CycleSummary

	guard := guardFor(&w.pushGuards, q.Name())
	if !guard.TryLock() {
		return summary, failure.ErrCycleInProgress
	}
	defer guard.Unlock()

	if until, waiting := w.backingOff(q.Name()); waiting {
		w.logger.Debug().Str("queue", q.Name()).Time("until", until).Msg("Queue backing off")
		return summary, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		entry, err := q.Peek(ctx)
		if err != nil {
			w.logger.Error().Err(err).Str("queue", q.Name()).Msg("Failed to read queue head")
			summary.Failed++
			return summary, nil
		}
		if entry == nil {
			w.clearBackoff(q.Name())
			return summary, nil
		}

		next, err := w.transmit(ctx, q, entry, settings, &summary)
		if err != nil {
			return summary, err
		}
		if next == outcomeStop {
			return summary, nil
		}
	}
}

func (w *SyncWorker) transmit(
	ctx context.Context,
	q queue.Queue,
	entry *models.QueueEntry,
	settings config.SynchronizationConfig,
	summary *models.CycleSummary,
) (outcome, error) {
	log := w.logger.With().
		Str("queue", q.Name()).
		Int64("entry_id", entry.ID).
		Str("correlation_key", entry.CorrelationKey).
		Str("resource_type", entry.ResourceType).
		Logger()

	if settings.Forbidden(entry.ResourceType) {
		gap := &failure.ConfigurationGapError{Subject: entry.ResourceType, Reason: "resource type is forbidden for sending"}
		return w.reject(ctx, q, entry, gap.Error(), summary), nil
	}

	payload, err := w.deps.Payloads.Get(ctx, entry.DataFileKey)
	if errors.Is(err, failure.ErrPayloadNotFound) {
		gap := &failure.ConfigurationGapError{Subject: entry.DataFileKey, Reason: "payload missing"}
		return w.reject(ctx, q, entry, gap.Error(), summary), nil
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to load payload")
		summary.Failed++
		return outcomeStop, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	err = w.deps.Upstream.Push(callCtx, domain.PushRequest{
		CorrelationKey: entry.CorrelationKey,
		ResourceType:   entry.ResourceType,
		ResourceKey:    entry.ResourceKey,
		Operation:      entry.Operation,
		Payload:        payload,
		UsePatches:     settings.UsePatches,
		Overwrite:      settings.OverwriteServer,
	})
	cancel()

	if err == nil {
		if err := q.Remove(ctx, entry.ID); err != nil {
			log.Error().Err(err).Msg("Transmitted entry could not be removed")
			summary.Failed++
			return outcomeStop, nil
		}
		w.removePayload(ctx, entry.DataFileKey)
		metrics.IncPushed()
		summary.Pushed++
		log.Debug().Msg("Entry transmitted")
		return outcomeNext, nil
	}

	if ctx.Err() != nil {
		return outcomeStop, ctx.Err()
	}
	return w.handleFailure(ctx, q, entry, err, summary, true), nil
}

// handleFailure applies the retry rules to a failed entry. With backoff set,
// a surviving transient failure delays the next attempt on the queue.
func (w *SyncWorker) handleFailure(
	ctx context.Context,
	q queue.Queue,
	entry *models.QueueEntry,
	cause error,
	summary *models.CycleSummary,
	backoff bool,
) outcome {
	summary.Failed++
	class := failure.Classify(cause)
	metrics.IncFailure(string(class))

	if class == failure.Permanent {
		w.logger.Warn().Err(cause).Str("queue", q.Name()).Int64("entry_id", entry.ID).Msg("Entry rejected")
		return w.reject(ctx, q, entry, cause.Error(), summary)
	}

	retries, err := q.IncrementRetry(ctx, entry.ID)
	if err != nil {
		w.logger.Error().Err(err).Str("queue", q.Name()).Int64("entry_id", entry.ID).Msg("Failed to record retry")
		return outcomeStop
	}

	if w.retryPolicy.Exhausted(retries) {
		reason := fmt.Sprintf("%s: %v", failure.ErrRetryExhausted, cause)
		return w.reject(ctx, q, entry, reason, summary)
	}

	if backoff {
		w.setBackoff(q.Name(), w.retryPolicy.NextDelay(retries))
	}
	w.logger.Info().Err(cause).
		Str("queue", q.Name()).
		Int64("entry_id", entry.ID).
		Int("retry_count", retries).
		Msg("Transient failure, entry kept for retry")
	return outcomeStop
}

// reject dead-letters entry and continues with the next one.
func (w *SyncWorker) reject(ctx context.Context, q queue.Queue, entry *models.QueueEntry, reason string, summary *models.CycleSummary) outcome {
	if _, err := w.deps.Queues.DeadLetter(ctx, q.Name(), entry.ID, reason); err != nil {
		w.logger.Error().Err(err).Str("queue", q.Name()).Int64("entry_id", entry.ID).Msg("Failed to dead-letter entry")
		return outcomeStop
	}
	summary.DeadLettered++
	return outcomeNext
}

func (w *SyncWorker) removePayload(ctx context.Context, key string) {
	if err := w.deps.Payloads.Remove(ctx, key); err != nil {
		w.logger.Warn().Err(err).Str("data_file_key", key).Msg("Failed to remove payload")
	}
}

func (w *SyncWorker) backingOff(queueName string) (time.Time, bool) {
	w.backoffMu.Lock()
	defer w.backoffMu.Unlock()
	until, ok := w.nextAttempt[queueName]
	if !ok {
		return time.Time{}, false
	}
	if !w.now().Before(until) {
		delete(w.nextAttempt, queueName)
		return time.Time{}, false
	}
	return until, true
}

func (w *SyncWorker) setBackoff(queueName string, d time.Duration) {
	w.backoffMu.Lock()
	w.nextAttempt[queueName] = w.now().Add(d)
	w.backoffMu.Unlock()
}

func (w *SyncWorker) clearBackoff(queueName string) {
	w.backoffMu.Lock()
	delete(w.nextAttempt, queueName)
	w.backoffMu.Unlock()
}

// ResetBackoff lets the next push retry every queue immediately.
func (w *SyncWorker) ResetBackoff() {
	w.backoffMu.Lock()
	w.nextAttempt = make(map[string]time.Time)
	w.backoffMu.Unlock()
}

// ApplyInbound writes inbound entries through the local applier in FIFO order.
func (w *SyncWorker) ApplyInbound(ctx context.Context) (models.CycleSummary, error) {
	start := w.now()
	summary := models.CycleSummary{Direction: models.DirectionApply}
	defer func() {
		metrics.ObserveCycle(string(models.DirectionApply), time.Since(start))
	}()

	if !w.applyGuard.TryLock() {
		return summary, failure.ErrCycleInProgress
	}
	defer w.applyGuard.Unlock()

	for _, q := range w.deps.Queues.ByPattern(models.PatternInbound) {
		if err := w.applyQueue(ctx, q, &summary); err != nil {
			summary.Duration = w.now().Sub(start)
			return summary, err
		}
	}
	summary.Duration = w.now().Sub(start)
	return summary, nil
}

func (w *SyncWorker) applyQueue(ctx context.Context, q queue.Queue, summary *models.CycleSummary) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, err := q.Peek(ctx)
		if err != nil {
			w.logger.Error().Err(err).Str("queue", q.Name()).Msg("Failed to read queue head")
			summary.Failed++
			return nil
		}
		if entry == nil {
			return nil
		}

		payload, err := w.deps.Payloads.Get(ctx, entry.DataFileKey)
		if errors.Is(err, failure.ErrPayloadNotFound) {
			gap := &failure.ConfigurationGapError{Subject: entry.DataFileKey, Reason: "payload missing"}
			if w.reject(ctx, q, entry, gap.Error(), summary) == outcomeStop {
				return nil
			}
			continue
		}
		if err != nil {
			w.logger.Error().Err(err).Str("queue", q.Name()).Msg("Failed to load payload")
			summary.Failed++
			return nil
		}

		if err := w.deps.Applier.Apply(ctx, *entry, payload); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if w.handleFailure(ctx, q, entry, err, summary, false) == outcomeStop {
				return nil
			}
			continue
		}

		if err := q.Remove(ctx, entry.ID); err != nil {
			w.logger.Error().Err(err).Str("queue", q.Name()).Int64("entry_id", entry.ID).Msg("Applied entry could not be removed")
			summary.Failed++
			return nil
		}
		w.removePayload(ctx, entry.DataFileKey)
		summary.Applied++
	}
}

// RunCycle pushes, pulls the given resources and applies the result. Cycle
// observers are told about the start and the outcome.
func (w *SyncWorker) RunCycle(ctx context.Context, trigger models.TriggerEvent, resources []models.ResourceConfiguration) (models.CycleSummary, error) {
	start := w.now()
	summary := models.CycleSummary{Trigger: trigger}
	w.publish(events.EventCycleStarted, events.CyclePayload{Trigger: trigger})

	var errs []error
	steps := []func(context.Context) (models.CycleSummary, error){
		w.Push,
		func(ctx context.Context) (models.CycleSummary, error) { return w.Pull(ctx, resources) },
		w.ApplyInbound,
	}
	for _, step := range steps {
		s, err := step(ctx)
		summary.Merge(s)
		if err == nil {
			continue
		}
		if errors.Is(err, failure.ErrCycleInProgress) {
			w.logger.Debug().Err(err).Msg("Cycle step already running")
			continue
		}
		errs = append(errs, err)
		if failure.IsCancellation(err) || ctx.Err() != nil {
			break
		}
	}
	summary.Duration = w.now().Sub(start)

	if err := errors.Join(errs...); err != nil {
		w.logger.Warn().Err(err).Str("trigger", string(trigger)).Msg("Synchronization cycle failed")
		w.publish(events.EventCycleFailed, events.CyclePayload{Trigger: trigger, Summary: summary, Error: err.Error()})
		return summary, err
	}

	w.logger.Info().
		Str("trigger", string(trigger)).
		Int("pushed", summary.Pushed).
		Int("pulled", summary.Pulled).
		Int("applied", summary.Applied).
		Int("failed", summary.Failed).
		Int("dead_lettered", summary.DeadLettered).
		Dur("duration", summary.Duration).
		Msg("Synchronization cycle completed")
	w.publish(events.EventCycleCompleted, events.CyclePayload{Trigger: trigger, Summary: summary})
	return summary, nil
}

func (w *SyncWorker) publish(eventType string, payload interface{}) {
	if w.deps.EventBus == nil {
		return
	}
	if err := w.deps.EventBus.PublishJSON(eventType, payload); err != nil {
		w.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish cycle event")
	}
}
