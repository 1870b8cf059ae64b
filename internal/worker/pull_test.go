package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/failure"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func remoteRecords(resourceType string, n int) []models.RemoteRecord {
	records := make([]models.RemoteRecord, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, models.RemoteRecord{
			ResourceType: resourceType,
			ResourceKey:  fmt.Sprintf("r%d", i),
			Payload:      []byte(fmt.Sprintf(`{"n":%d}`, i)),
		})
	}
	return records
}

var patients = []models.ResourceConfiguration{{SubscriptionID: "patients", ResourceType: "Patient", Filters: []string{"active=true"}}}

func TestPullBigBundles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.settings.cfg.BigBundles = true
	h.upstream.records = remoteRecords("Patient", 2500)

	summary, err := h.worker.Pull(ctx, patients)
	require.NoError(t, err)
	assert.Equal(t, 2500, summary.Pulled)

	require.Len(t, h.upstream.pulls, 3)
	for i, req := range h.upstream.pulls {
		assert.Equal(t, models.BigBundleSize, req.Count)
		assert.Equal(t, i*models.BigBundleSize, req.Offset)
		assert.Equal(t, []string{"active=true"}, req.Filters)
	}
	assert.Equal(t, 3, h.depth(t, models.QueueInbound))

	_, err = h.worker.ApplyInbound(ctx)
	require.NoError(t, err)
	require.Len(t, h.applier.applied, 3)

	sizes := make([]int, 0, 3)
	for _, a := range h.applier.applied {
		records, err := models.DecodeBundle(a.payload)
		require.NoError(t, err)
		sizes = append(sizes, len(records))
		assert.Equal(t, "Patient", a.resourceType)
	}
	assert.Equal(t, []int{1000, 1000, 500}, sizes)
}

func TestPullSmallPages(t *testing.T) {
	h := newHarness(t)
	h.upstream.records = remoteRecords("", 150)

	summary, err := h.worker.Pull(context.Background(), patients)
	require.NoError(t, err)
	assert.Equal(t, 150, summary.Pulled)
	require.Len(t, h.upstream.pulls, 2)
	assert.Equal(t, models.DefaultPullPageSize, h.upstream.pulls[0].Count)
	assert.Equal(t, 150, h.depth(t, models.QueueInbound))

	head, err := h.queue(t, models.QueueInbound).Peek(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Patient", head.ResourceType)
	assert.Equal(t, "r0", head.ResourceKey)
	assert.Equal(t, models.OperationSync, head.Operation)
}

func TestPullAdvancesCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.upstream.records = remoteRecords("Patient", 3)

	before := time.Now().UTC().Add(-time.Second)
	_, err := h.worker.Pull(ctx, patients)
	require.NoError(t, err)
	assert.True(t, h.upstream.pulls[0].Since.IsZero())

	cursor, err := h.syncLog.LastSynced(ctx, "Patient", "patients")
	require.NoError(t, err)
	assert.True(t, cursor.After(before))

	_, err = h.worker.Pull(ctx, patients)
	require.NoError(t, err)
	last := h.upstream.pulls[len(h.upstream.pulls)-1]
	assert.WithinDuration(t, cursor, last.Since, time.Second)
}

func TestPullFailureKeepsCursor(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.upstream.pullErr = refused()

	summary, err := h.worker.Pull(ctx, patients)
	require.Error(t, err)
	assert.True(t, failure.IsTransient(err))
	assert.Equal(t, 1, summary.Failed)

	cursor, err := h.syncLog.LastSynced(ctx, "Patient", "patients")
	require.NoError(t, err)
	assert.True(t, cursor.IsZero())
}

func TestPullSkipsForbiddenResource(t *testing.T) {
	h := newHarness(t)
	h.settings.cfg.ForbidSending = []string{"Patient"}
	h.upstream.records = remoteRecords("Patient", 3)

	summary, err := h.worker.Pull(context.Background(), patients)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Empty(t, h.upstream.pulls)
}

func TestPullConflictRemoteWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	local := h.enqueue(t, "Patient", "r1")
	h.enqueue(t, "Patient", "other")
	h.upstream.records = remoteRecords("Patient", 3)

	summary, err := h.worker.Pull(ctx, patients)
	require.NoError(t, err)
	assert.Zero(t, summary.Skipped)
	assert.Equal(t, 3, h.depth(t, models.QueueInbound))

	assert.Equal(t, 1, h.depth(t, models.QueueOutbound))
	_, err = h.queue(t, models.QueueOutbound).Get(ctx, local.ID)
	assert.ErrorIs(t, err, failure.ErrEntryNotFound)
	_, err = h.payloads.Get(ctx, local.DataFileKey)
	assert.ErrorIs(t, err, failure.ErrPayloadNotFound)
}

func TestPullConflictLocalWins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.settings.cfg.OverwriteServer = true

	h.enqueue(t, "Patient", "r1")
	h.upstream.records = remoteRecords("Patient", 3)

	summary, err := h.worker.Pull(ctx, patients)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, h.depth(t, models.QueueInbound))
	assert.Equal(t, 1, h.depth(t, models.QueueOutbound))

	_, err = h.worker.Push(ctx)
	require.NoError(t, err)
	require.Len(t, h.upstream.pushed, 1)
	assert.True(t, h.upstream.pushed[0].Overwrite)
}

func TestPullNothingToDo(t *testing.T) {
	h := newHarness(t)

	summary, err := h.worker.Pull(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, summary.Pulled)

	h.upstream.offline = true
	_, err = h.worker.Pull(context.Background(), patients)
	require.NoError(t, err)
	assert.Empty(t, h.upstream.pulls)
}

func TestConflictPolicy(t *testing.T) {
	rec := models.RemoteRecord{ResourceType: "Patient", ResourceKey: "r1"}
	pending := []*models.QueueEntry{{ID: 7, ResourceType: "Patient", ResourceKey: "r1"}}

	res := ConflictPolicy{}.Resolve(rec, nil)
	assert.True(t, res.KeepRemote)
	assert.Empty(t, res.DropLocal)

	res = ConflictPolicy{OverwriteServer: false}.Resolve(rec, pending)
	assert.True(t, res.KeepRemote)
	assert.Equal(t, pending, res.DropLocal)

	res = ConflictPolicy{OverwriteServer: true}.Resolve(rec, pending)
	assert.False(t, res.KeepRemote)
	assert.Empty(t, res.DropLocal)
}

func TestPullOverlappingSetsDoNotDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.upstream.records = remoteRecords("Patient", 10)
	h.upstream.blockOn = "patients"
	h.upstream.pullEntered = make(chan struct{})
	h.upstream.release = make(chan struct{})

	observations := models.ResourceConfiguration{SubscriptionID: "observations", ResourceType: "Observation"}
	done := make(chan error, 1)
	go func() {
		_, err := h.worker.Pull(ctx, []models.ResourceConfiguration{patients[0], observations})
		done <- err
	}()
	<-h.upstream.pullEntered

	summary, err := h.worker.Pull(ctx, patients)
	require.ErrorIs(t, err, failure.ErrCycleInProgress)
	assert.Zero(t, summary.Pulled)

	close(h.upstream.release)
	require.NoError(t, <-done)
	assert.Equal(t, 20, h.depth(t, models.QueueInbound))

	// once released the subscription can be pulled again
	_, err = h.worker.Pull(ctx, patients)
	require.NoError(t, err)
}
