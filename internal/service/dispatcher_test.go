package service

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/santedb/santedb-dc-core-sub006/internal/config"
	"github.com/santedb/santedb-dc-core-sub006/internal/database"
	"github.com/santedb/santedb-dc-core-sub006/internal/events"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"
	"github.com/santedb/santedb-dc-core-sub006/internal/queue"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cycleCall struct {
	trigger   models.TriggerEvent
	resources []string
}

type recordingRunner struct {
	mu    sync.Mutex
	calls []cycleCall
}

func (r *recordingRunner) RunCycle(_ context.Context, trigger models.TriggerEvent, resources []models.ResourceConfiguration) (models.CycleSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(resources))
	for _, rc := range resources {
		ids = append(ids, rc.SubscriptionID)
	}
	r.calls = append(r.calls, cycleCall{trigger: trigger, resources: ids})
	return models.CycleSummary{Trigger: trigger}, nil
}

func (r *recordingRunner) triggers() []models.TriggerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.TriggerEvent, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.trigger)
	}
	return out
}

type dispatcherFixture struct {
	dispatcher *Dispatcher
	outbound   queue.Queue
	payloads   *database.PayloadStore
	runner     *recordingRunner
	bus        *events.EventBus
	logs       *bytes.Buffer
}

func newDispatcher(t *testing.T, settings config.SynchronizationConfig) *dispatcherFixture {
	t.Helper()
	return newDispatcherWith(t, settings, registry)
}

func newDispatcherWith(t *testing.T, settings config.SynchronizationConfig, definitions []models.SubscriptionDefinition) *dispatcherFixture {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewEventBus(&logger)
	payloads := database.NewPayloadStore(db)
	manager := queue.NewManager(db, payloads, bus, &logger)
	require.NoError(t, manager.OpenDefaults(context.Background()))
	outbound, err := manager.Queue(models.QueueOutbound)
	require.NoError(t, err)

	subscriptions := NewSubscriptionService(&settings, definitions, nil, bus, &logger)
	runner := &recordingRunner{}
	logs := &bytes.Buffer{}
	dispatcherLogger := zerolog.New(zerolog.SyncWriter(logs))
	return &dispatcherFixture{
		dispatcher: NewDispatcher(subscriptions, outbound, payloads, runner, bus, &dispatcherLogger),
		outbound:   outbound,
		payloads:   payloads,
		runner:     runner,
		bus:        bus,
		logs:       logs,
	}
}

func patientInsert() models.Mutation {
	return models.Mutation{
		ResourceType: "Patient",
		ResourceKey:  "8f0c6f2e-1111-4c6e-9a51-3f1d2b7e0a01",
		Operation:    models.OperationInsert,
		Payload:      []byte(`{"name":"Jane"}`),
	}
}

func TestOnMutationQueuesEntry(t *testing.T) {
	f := newDispatcher(t, config.SynchronizationConfig{Mode: "partial", Subscriptions: []string{"patients"}})
	ctx := context.Background()

	var queued events.EntryPayload
	f.bus.Subscribe(events.EventMutationQueued, "test", func(e *events.Event) error {
		return e.Decode(&queued)
	})

	ok, err := f.dispatcher.OnMutation(ctx, patientInsert())
	require.NoError(t, err)
	assert.True(t, ok)

	entries, err := f.outbound.Entries(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "Patient", e.ResourceType)
	assert.Equal(t, models.OperationInsert, e.Operation)
	assert.Zero(t, e.RetryCount)
	assert.NotEmpty(t, e.CorrelationKey)

	payload, err := f.payloads.Get(ctx, e.DataFileKey)
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Jane"}`, string(payload))

	assert.Equal(t, e.CorrelationKey, queued.CorrelationKey)
	// no OnCommit binding, so nothing runs yet
	assert.Empty(t, f.runner.triggers())
}

func TestOnMutationInsertOnlyBinding(t *testing.T) {
	f := newDispatcher(t, config.SynchronizationConfig{
		Mode:          "partial",
		Subscriptions: []string{"patients"},
		Resources: []config.ResourceBinding{
			{Subscription: "patients", Triggers: []string{"OnCommit"}, Operations: []string{"Insert"}},
		},
	})
	ctx := context.Background()

	ok, err := f.dispatcher.OnMutation(ctx, patientInsert())
	require.NoError(t, err)
	assert.True(t, ok)

	update := patientInsert()
	update.Operation = models.OperationUpdate
	ok, err = f.dispatcher.OnMutation(ctx, update)
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := f.outbound.Entries(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.OperationInsert, entries[0].Operation)
	assert.Equal(t, "Patient", entries[0].ResourceType)
	assert.Equal(t, []models.TriggerEvent{models.TriggerOnCommit}, f.runner.triggers())
}

func TestOnMutationOnCommitRunsCycle(t *testing.T) {
	f := newDispatcher(t, config.SynchronizationConfig{
		Mode:          "partial",
		Subscriptions: []string{"patients", "observations"},
		Resources: []config.ResourceBinding{
			{Subscription: "patients", Triggers: []string{"OnCommit"}, Operations: []string{"any"}},
		},
	})

	ok, err := f.dispatcher.OnMutation(context.Background(), patientInsert())
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, models.TriggerOnCommit, f.runner.calls[0].trigger)
	assert.Equal(t, []string{"patients"}, f.runner.calls[0].resources)
}

func TestOnMutationIgnored(t *testing.T) {
	tests := []struct {
		name     string
		settings config.SynchronizationConfig
		mutation models.Mutation
	}{
		{
			name:     "ModeNone",
			settings: config.SynchronizationConfig{Mode: "none", Subscriptions: []string{"patients"}},
			mutation: patientInsert(),
		},
		{
			name: "Forbidden",
			settings: config.SynchronizationConfig{
				Mode:          "partial",
				Subscriptions: []string{"patients"},
				ForbidSending: []string{"Patient"},
			},
			mutation: patientInsert(),
		},
		{
			name:     "NotSubscribed",
			settings: config.SynchronizationConfig{Mode: "partial", Subscriptions: []string{"observations"}},
			mutation: patientInsert(),
		},
		{
			name: "OperationNotBound",
			settings: config.SynchronizationConfig{
				Mode:          "partial",
				Subscriptions: []string{"patients"},
				Resources: []config.ResourceBinding{
					{Subscription: "patients", Triggers: []string{"Manual"}, Operations: []string{"update"}},
				},
			},
			mutation: patientInsert(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcher(t, tt.settings)
			ok, err := f.dispatcher.OnMutation(context.Background(), tt.mutation)
			require.NoError(t, err)
			assert.False(t, ok)

			n, err := f.outbound.Count(context.Background())
			require.NoError(t, err)
			assert.Zero(t, n)
			stored, err := f.payloads.Count(context.Background())
			require.NoError(t, err)
			assert.Zero(t, stored)
		})
	}
}

func TestOnMutationQueuesOnceForOverlappingSubscriptions(t *testing.T) {
	definitions := append([]models.SubscriptionDefinition{}, registry...)
	definitions = append(definitions, models.SubscriptionDefinition{ID: "local-patients", ResourceType: "Patient"})

	f := newDispatcherWith(t, config.SynchronizationConfig{
		Mode:          "partial",
		Subscriptions: []string{"patients", "local-patients"},
	}, definitions)

	_, err := f.dispatcher.OnMutation(context.Background(), patientInsert())
	require.NoError(t, err)

	n, err := f.outbound.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFireSelectsResourcesByTrigger(t *testing.T) {
	f := newDispatcher(t, config.SynchronizationConfig{
		Mode:          "partial",
		Subscriptions: []string{"patients", "observations"},
		Resources: []config.ResourceBinding{
			{Subscription: "patients", Triggers: []string{"PeriodicPoll"}, Operations: []string{"any"}},
			{Subscription: "observations", Triggers: []string{"OnStop"}, Operations: []string{"any"}},
		},
	})
	ctx := context.Background()

	_, err := f.dispatcher.Fire(ctx, models.TriggerPeriodicPoll)
	require.NoError(t, err)
	_, err = f.dispatcher.Stop(ctx)
	require.NoError(t, err)
	_, err = f.dispatcher.Start(ctx)
	require.NoError(t, err)
	_, err = f.dispatcher.Fire(ctx, models.TriggerManual)
	require.NoError(t, err)

	require.Len(t, f.runner.calls, 4)
	assert.Equal(t, []string{"patients"}, f.runner.calls[0].resources)
	assert.Equal(t, []string{"observations"}, f.runner.calls[1].resources)
	// the push side still runs for a trigger nobody pulls on
	assert.Equal(t, models.TriggerOnStart, f.runner.calls[2].trigger)
	assert.Empty(t, f.runner.calls[2].resources)
	assert.Equal(t, []string{"patients", "observations"}, f.runner.calls[3].resources)
}

func TestFireModeNone(t *testing.T) {
	f := newDispatcher(t, config.SynchronizationConfig{Mode: "none"})

	summary, err := f.dispatcher.Fire(context.Background(), models.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, models.TriggerManual, summary.Trigger)
	assert.Empty(t, f.runner.calls)
}

func TestNetworkChanged(t *testing.T) {
	f := newDispatcher(t, config.SynchronizationConfig{Mode: "partial", Subscriptions: []string{"patients"}})
	ctx := context.Background()

	_, err := f.dispatcher.NetworkChanged(ctx, true)
	require.NoError(t, err)
	_, err = f.dispatcher.NetworkChanged(ctx, true)
	require.NoError(t, err)
	_, err = f.dispatcher.NetworkChanged(ctx, false)
	require.NoError(t, err)
	_, err = f.dispatcher.NetworkChanged(ctx, true)
	require.NoError(t, err)

	assert.Equal(t, []models.TriggerEvent{models.TriggerOnNetworkChange, models.TriggerOnNetworkChange}, f.runner.triggers())
}

func TestAdHocSubscriptionPulledOnNetworkChange(t *testing.T) {
	f := newDispatcher(t, config.SynchronizationConfig{Mode: "partial"})
	ctx := context.Background()

	_, err := f.dispatcher.subscriptions.Subscribe(ctx, "Patient", "8f0c6f2e-1111-4c6e-9a51-3f1d2b7e0a01")
	require.NoError(t, err)

	_, err = f.dispatcher.NetworkChanged(ctx, true)
	require.NoError(t, err)
	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, []string{AdHocPrefix + "Patient"}, f.runner.calls[0].resources)

	// ad hoc subscriptions pull only
	ok, err := f.dispatcher.OnMutation(ctx, patientInsert())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPollNeverReturns(t *testing.T) {
	f := newDispatcher(t, config.SynchronizationConfig{Mode: "partial", PollInterval: "never"})

	require.NoError(t, f.dispatcher.Poll(context.Background()))
	assert.Empty(t, f.runner.calls)
}

func TestPollStopsWithContext(t *testing.T) {
	f := newDispatcher(t, config.SynchronizationConfig{Mode: "partial", PollInterval: "PT1H30M"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, f.dispatcher.Poll(ctx))
	assert.Empty(t, f.runner.calls)
	assert.Contains(t, f.logs.String(), `"interval":"PT1H30M"`)
}

func TestFireLogsSkippedSubscriptions(t *testing.T) {
	f := newDispatcher(t, config.SynchronizationConfig{Mode: "partial", Subscriptions: []string{"patients", "vaccines"}})

	_, err := f.dispatcher.Fire(context.Background(), models.TriggerManual)
	require.NoError(t, err)
	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, []string{"patients"}, f.runner.calls[0].resources)

	logs := f.logs.String()
	assert.Contains(t, logs, "Subscription skipped")
	assert.Contains(t, logs, "vaccines")
	assert.Contains(t, logs, `"level":"warn"`)
}
