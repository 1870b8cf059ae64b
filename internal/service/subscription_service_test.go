package service

import (
	"context"
	"errors"
	"testing"

	"github.com/santedb/santedb-dc-core-sub006/internal/config"
	"github.com/santedb/santedb-dc-core-sub006/internal/domain"
	"github.com/santedb/santedb-dc-core-sub006/internal/events"
	"github.com/santedb/santedb-dc-core-sub006/internal/failure"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPersister struct {
	mock.Mock
}

func (m *mockPersister) Persist(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

var registry = []models.SubscriptionDefinition{
	{ID: "patients", ResourceType: "Patient", Filters: []string{"active=true"}},
	{ID: "observations", ResourceType: "Observation"},
	{ID: "audits", ResourceType: "AuditEvent"},
}

func newSubscriptions(settings config.SynchronizationConfig, persister domain.ConfigPersister) (*SubscriptionService, *events.EventBus) {
	logger := zerolog.Nop()
	bus := events.NewEventBus(&logger)
	return NewSubscriptionService(&settings, registry, persister, bus, &logger), bus
}

func TestActiveResourcesPartial(t *testing.T) {
	svc, _ := newSubscriptions(config.SynchronizationConfig{
		Mode:          "partial",
		Subscriptions: []string{"patients", "missing", "patients"},
		Resources: []config.ResourceBinding{
			{Subscription: "patients", Triggers: []string{"OnCommit", "Manual"}, Operations: []string{"insert"}},
		},
	}, nil)

	resources, gaps := svc.ActiveResources()
	require.Len(t, resources, 1)
	rc := resources[0]
	assert.Equal(t, "patients", rc.SubscriptionID)
	assert.Equal(t, "Patient", rc.ResourceType)
	assert.Equal(t, []string{"active=true"}, rc.Filters)
	assert.True(t, rc.Triggers.Contains(models.TriggerOnCommit))
	assert.False(t, rc.Triggers.Contains(models.TriggerPeriodicPoll))
	assert.True(t, rc.Operations.Contains(models.OperationInsert))
	assert.False(t, rc.Operations.Contains(models.OperationUpdate))

	require.Len(t, gaps, 1)
	assert.True(t, IsGap(gaps[0]))
	assert.Contains(t, gaps[0].Error(), "missing")
}

func TestActiveResourcesDefaultsWithoutBinding(t *testing.T) {
	svc, _ := newSubscriptions(config.SynchronizationConfig{Mode: "partial", Subscriptions: []string{"observations"}}, nil)

	resources, gaps := svc.ActiveResources()
	assert.Empty(t, gaps)
	require.Len(t, resources, 1)
	assert.Equal(t, defaultTriggers, resources[0].Triggers)
	assert.Equal(t,
		[]models.Operation{models.OperationInsert, models.OperationUpdate, models.OperationObsolete},
		resources[0].Operations.Operations())
}

func TestActiveResourcesReplicateAndForbidden(t *testing.T) {
	svc, _ := newSubscriptions(config.SynchronizationConfig{
		Mode:          "full",
		ForbidSending: []string{"auditevent"},
	}, nil)

	resources, gaps := svc.ActiveResources()
	require.Len(t, resources, 2)
	assert.Equal(t, "observations", resources[0].SubscriptionID)
	assert.Equal(t, "patients", resources[1].SubscriptionID)
	require.Len(t, gaps, 1)
	assert.Contains(t, gaps[0].Error(), "forbidden")
}

func TestActiveResourcesModeNone(t *testing.T) {
	svc, _ := newSubscriptions(config.SynchronizationConfig{Mode: "none", Subscriptions: []string{"patients"}}, nil)

	resources, gaps := svc.ActiveResources()
	assert.Empty(t, resources)
	assert.Empty(t, gaps)
}

func TestSubscribe(t *testing.T) {
	ctx := context.Background()
	persister := &mockPersister{}
	persister.On("Persist", mock.Anything).Return(nil)
	svc, bus := newSubscriptions(config.SynchronizationConfig{Mode: "partial"}, persister)

	var published int
	bus.Subscribe(events.EventSubscribed, "test", func(*events.Event) error {
		published++
		return nil
	})

	id := uuid.New()
	added, err := svc.Subscribe(ctx, "Patient", id.String())
	require.NoError(t, err)
	assert.True(t, added)

	added, err = svc.Subscribe(ctx, "patient", " "+id.String()+" ")
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, []string{id.String()}, svc.Subscribed("Patient"))
	assert.Equal(t, 1, published)
	persister.AssertNumberOfCalls(t, "Persist", 1)

	resources, _ := svc.ActiveResources()
	require.Len(t, resources, 1)
	rc := resources[0]
	assert.Equal(t, AdHocPrefix+"Patient", rc.SubscriptionID)
	assert.Equal(t, []string{"id=" + id.String()}, rc.Filters)
	assert.True(t, rc.Triggers.Contains(models.TriggerOnNetworkChange))
	assert.True(t, rc.Operations.IsEmpty())

	settings := svc.Settings()
	require.Len(t, settings.SubscribedObjects, 1)
	assert.Equal(t, "Patient", settings.SubscribedObjects[0].SubscribeTo)
}

func TestSubscribeRejectsBadID(t *testing.T) {
	svc, _ := newSubscriptions(config.SynchronizationConfig{Mode: "partial"}, nil)

	_, err := svc.Subscribe(context.Background(), "Patient", "not-a-guid")
	var rangeErr *failure.ArgumentRangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, "id", rangeErr.Param)
	assert.Empty(t, svc.Subscribed("Patient"))

	_, err = svc.SubscribeTo(context.Background(), " ", uuid.New())
	assert.ErrorAs(t, err, &rangeErr)
}

func TestSubscribeRollsBackWhenPersistFails(t *testing.T) {
	persister := &mockPersister{}
	persister.On("Persist", mock.Anything).Return(errors.New("read-only file system"))
	svc, _ := newSubscriptions(config.SynchronizationConfig{Mode: "partial"}, persister)

	_, err := svc.SubscribeTo(context.Background(), "Patient", uuid.New())
	require.Error(t, err)
	assert.Empty(t, svc.Subscribed("Patient"))
	assert.Empty(t, svc.Settings().SubscribedObjects)

	resources, _ := svc.ActiveResources()
	assert.Empty(t, resources)
}

func TestSubscribeRollbackKeepsEarlierObjects(t *testing.T) {
	ctx := context.Background()
	persister := &mockPersister{}
	persister.On("Persist", mock.Anything).Return(nil).Once()
	persister.On("Persist", mock.Anything).Return(errors.New("disk full"))
	svc, _ := newSubscriptions(config.SynchronizationConfig{Mode: "partial"}, persister)

	first := uuid.New()
	_, err := svc.SubscribeTo(ctx, "Patient", first)
	require.NoError(t, err)

	_, err = svc.SubscribeTo(ctx, "Observation", uuid.New())
	require.Error(t, err)
	_, err = svc.SubscribeTo(ctx, "Patient", uuid.New())
	require.Error(t, err)

	objects := svc.Settings().SubscribedObjects
	require.Len(t, objects, 1)
	assert.Equal(t, "Patient", objects[0].SubscribeTo)
	assert.Equal(t, []string{first.String()}, objects[0].Subscribed)
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSubscriptions(config.SynchronizationConfig{Mode: "partial"}, nil)

	id := uuid.New()
	_, err := svc.SubscribeTo(ctx, "Patient", id)
	require.NoError(t, err)

	removed, err := svc.Unsubscribe(ctx, "Patient", id)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = svc.Unsubscribe(ctx, "Patient", id)
	require.NoError(t, err)
	assert.False(t, removed)

	resources, _ := svc.ActiveResources()
	assert.Empty(t, resources)
}

func TestUnsubscribeLeavesEarlierSettingsIntact(t *testing.T) {
	ctx := context.Background()
	svc, _ := newSubscriptions(config.SynchronizationConfig{Mode: "partial"}, nil)

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		_, err := svc.SubscribeTo(ctx, "Patient", id)
		require.NoError(t, err)
	}
	held := svc.Settings()

	removed, err := svc.Unsubscribe(ctx, "Patient", ids[0])
	require.NoError(t, err)
	require.True(t, removed)
	_, err = svc.SubscribeTo(ctx, "Patient", uuid.New())
	require.NoError(t, err)

	want := []string{ids[0].String(), ids[1].String(), ids[2].String()}
	assert.Equal(t, want, held.SubscribedObjects[0].Subscribed)
	assert.Equal(t, []string{ids[1].String(), ids[2].String()}, svc.Subscribed("Patient")[:2])
}

func TestReload(t *testing.T) {
	svc, _ := newSubscriptions(config.SynchronizationConfig{Mode: "none"}, nil)
	svc.Reload(config.SynchronizationConfig{Mode: "partial", Subscriptions: []string{"patients"}})

	resources, _ := svc.ActiveResources()
	assert.Len(t, resources, 1)

	def, ok := svc.Definition("patients")
	require.True(t, ok)
	assert.Equal(t, "Patient", def.ResourceType)
}
