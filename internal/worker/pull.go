package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/config"
	"github.com/santedb/santedb-dc-core-sub006/internal/domain"
	"github.com/santedb/santedb-dc-core-sub006/internal/failure"
	"github.com/santedb/santedb-dc-core-sub006/internal/metrics"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"
	"github.com/santedb/santedb-dc-core-sub006/internal/queue"
)

func pageSize(settings config.SynchronizationConfig) int {
	if settings.BigBundles {
		return models.BigBundleSize
	}
	return models.DefaultPullPageSize
}

// Pull fetches every resource configuration page by page into the inbound
// queue. The sync log cursor of a resource advances only once all of its
// pages are queued. A subscription already being pulled by another cycle is
// skipped and reported through ErrCycleInProgress.
func (w *SyncWorker) Pull(ctx context.Context, resources []models.ResourceConfiguration) (models.CycleSummary, error) {
	start := w.now()
	summary := models.CycleSummary{Direction: models.DirectionPull}
	defer func() {
		metrics.ObserveCycle(string(models.DirectionPull), time.Since(start))
	}()

	if len(resources) == 0 {
		return summary, nil
	}

	if !w.deps.Upstream.IsAvailable(ctx) {
		w.logger.Debug().Msg("Upstream unavailable, skipping pull")
		return summary, nil
	}

	inbound := w.deps.Queues.ByPattern(models.PatternInbound)
	if len(inbound) == 0 {
		return summary, fmt.Errorf("%w: no inbound queue", failure.ErrQueueNotFound)
	}

	settings := w.deps.Settings.Settings()
	outgoing := append(w.deps.Queues.ByPattern(models.PatternOutbound), w.deps.Queues.ByPattern(models.PatternAdminOutbound)...)
	policy := ConflictPolicy{OverwriteServer: settings.OverwriteServer}

	var (
		errs []error
		busy []string
	)
	for _, rc := range resources {
		if err := ctx.Err(); err != nil {
			summary.Duration = w.now().Sub(start)
			return summary, err
		}
		if settings.Forbidden(rc.ResourceType) {
			summary.Skipped++
			continue
		}

		guard := guardFor(&w.pullGuards, rc.SubscriptionID)
		if !guard.TryLock() {
			busy = append(busy, rc.SubscriptionID)
			continue
		}
		s, err := w.pullResource(ctx, rc, inbound[0], outgoing, settings, policy)
		guard.Unlock()
		summary.Merge(s)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			summary.Duration = w.now().Sub(start)
			return summary, ctx.Err()
		}
		w.logger.Warn().Err(err).Str("subscription", rc.SubscriptionID).Msg("Pull failed")
		errs = append(errs, err)
	}

	summary.Duration = w.now().Sub(start)
	if len(errs) > 0 {
		return summary, errors.Join(errs...)
	}
	if len(busy) > 0 {
		w.logger.Debug().Strs("subscriptions", busy).Msg("Subscriptions already being pulled")
		return summary, fmt.Errorf("%w: %v", failure.ErrCycleInProgress, busy)
	}
	return summary, nil
}

func (w *SyncWorker) pullResource(
	ctx context.Context,
	rc models.ResourceConfiguration,
	target queue.Queue,
	outgoing []queue.Queue,
	settings config.SynchronizationConfig,
	policy ConflictPolicy,
) (models.CycleSummary, error) {
	var summary models.CycleSummary

	since, err := w.deps.SyncLog.LastSynced(ctx, rc.ResourceType, rc.SubscriptionID)
	if err != nil {
		return summary, fmt.Errorf("read cursor of %s: %w", rc.SubscriptionID, err)
	}

	started := w.now().UTC()
	size := pageSize(settings)
	offset := 0
	for {
		callCtx, cancel := context.WithTimeout(ctx, w.timeout)
		page, err := w.deps.Upstream.Pull(callCtx, domain.PullRequest{
			SubscriptionID: rc.SubscriptionID,
			ResourceType:   rc.ResourceType,
			Filters:        rc.Filters,
			Since:          since,
			Offset:         offset,
			Count:          size,
		})
		cancel()
		if err != nil {
			summary.Failed++
			metrics.IncFailure(string(failure.Classify(err)))
			return summary, fmt.Errorf("pull %s at offset %d: %w", rc.SubscriptionID, offset, err)
		}

		n := len(page.Records)
		if n == 0 {
			break
		}
		for i := range page.Records {
			if page.Records[i].ResourceType == "" {
				page.Records[i].ResourceType = rc.ResourceType
			}
		}
		summary.Pulled += n
		metrics.AddPulled(rc.ResourceType, n)

		kept := w.resolveConflicts(ctx, page.Records, outgoing, policy)
		summary.Skipped += n - len(kept)

		if err := w.enqueueInbound(ctx, target, rc, kept, settings.BigBundles); err != nil {
			summary.Failed++
			return summary, err
		}

		offset += n
		if n < size || (page.Total > 0 && offset >= page.Total) {
			break
		}
	}

	if err := w.deps.SyncLog.SetLastSynced(ctx, rc.ResourceType, rc.SubscriptionID, started); err != nil {
		return summary, fmt.Errorf("advance cursor of %s: %w", rc.SubscriptionID, err)
	}
	return summary, nil
}

func (w *SyncWorker) resolveConflicts(
	ctx context.Context,
	records []models.RemoteRecord,
	outgoing []queue.Queue,
	policy ConflictPolicy,
) []models.RemoteRecord {
	kept := make([]models.RemoteRecord, 0, len(records))
	for _, rec := range records {
		var pending []*models.QueueEntry
		owner := make(map[int64]queue.Queue)
		for _, q := range outgoing {
			found, err := q.FindByResource(ctx, rec.ResourceType, rec.ResourceKey)
			if err != nil {
				w.logger.Warn().Err(err).Str("queue", q.Name()).Msg("Conflict lookup failed")
				continue
			}
			for _, e := range found {
				owner[e.ID] = q
			}
			pending = append(pending, found...)
		}

		res := policy.Resolve(rec, pending)
		for _, local := range res.DropLocal {
			q := owner[local.ID]
			if err := q.Remove(ctx, local.ID); err != nil {
				w.logger.Warn().Err(err).Str("queue", q.Name()).Int64("entry_id", local.ID).Msg("Failed to drop superseded local change")
				continue
			}
			w.removePayload(ctx, local.DataFileKey)
			w.logger.Info().
				Str("resource_type", rec.ResourceType).
				Str("resource_key", rec.ResourceKey).
				Int64("entry_id", local.ID).
				Msg("Local change superseded by server copy")
		}
		if res.KeepRemote {
			kept = append(kept, rec)
		} else {
			w.logger.Info().
				Str("resource_type", rec.ResourceType).
				Str("resource_key", rec.ResourceKey).
				Msg("Server copy skipped, pending local change overwrites it")
		}
	}
	return kept
}

func (w *SyncWorker) enqueueInbound(
	ctx context.Context,
	target queue.Queue,
	rc models.ResourceConfiguration,
	records []models.RemoteRecord,
	bundle bool,
) error {
	if len(records) == 0 {
		return nil
	}

	if bundle {
		data, err := models.EncodeBundle(records)
		if err != nil {
			return err
		}
		return w.enqueuePayload(ctx, target, &models.QueueEntry{
			ResourceType: rc.ResourceType,
			Operation:    models.OperationSync,
		}, data)
	}

	for _, rec := range records {
		err := w.enqueuePayload(ctx, target, &models.QueueEntry{
			ResourceType: rec.ResourceType,
			ResourceKey:  rec.ResourceKey,
			Operation:    models.OperationSync,
		}, rec.Payload)
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *SyncWorker) enqueuePayload(ctx context.Context, target queue.Queue, entry *models.QueueEntry, data []byte) error {
	key, err := w.deps.Payloads.Save(ctx, data)
	if err != nil {
		return fmt.Errorf("save inbound payload: %w", err)
	}
	entry.DataFileKey = key
	if err := target.Enqueue(ctx, entry); err != nil {
		w.removePayload(ctx, key)
		return err
	}
	return nil
}
