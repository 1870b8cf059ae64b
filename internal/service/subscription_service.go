package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santedb/santedb-dc-core-sub006/internal/config"
	"github.com/santedb/santedb-dc-core-sub006/internal/domain"
	"github.com/santedb/santedb-dc-core-sub006/internal/events"
	"github.com/santedb/santedb-dc-core-sub006/internal/failure"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// AdHocPrefix prefixes the subscription id of individually followed objects.
const AdHocPrefix = "adhoc:"

// defaultTriggers applies to subscriptions without an explicit resource binding.
var defaultTriggers = models.NewTriggerSet(models.TriggerOnStart, models.TriggerPeriodicPoll, models.TriggerManual)

// SubscriptionService owns the synchronization section at runtime: the
// subscription registry, resource bindings and ad hoc object subscriptions.
type SubscriptionService struct {
	mu          sync.RWMutex
	settings    *config.SynchronizationConfig
	definitions map[string]models.SubscriptionDefinition
	persister   domain.ConfigPersister
	eventBus    domain.EventPublisher
	logger      *zerolog.Logger
}

func NewSubscriptionService(
	settings *config.SynchronizationConfig,
	definitions []models.SubscriptionDefinition,
	persister domain.ConfigPersister,
	eventBus domain.EventPublisher,
	logger *zerolog.Logger,
) *SubscriptionService {
	registry := make(map[string]models.SubscriptionDefinition, len(definitions))
	for _, def := range definitions {
		registry[def.ID] = def
	}
	return &SubscriptionService{
		settings:    settings,
		definitions: registry,
		persister:   persister,
		eventBus:    eventBus,
		logger:      logger,
	}
}

// Settings returns a copy of the current synchronization section.
func (s *SubscriptionService) Settings() config.SynchronizationConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.settings
}

// Reload replaces the synchronization section, e.g. after the file changed.
func (s *SubscriptionService) Reload(settings config.SynchronizationConfig) {
	s.mu.Lock()
	*s.settings = settings
	s.mu.Unlock()
	s.logger.Info().Str("mode", settings.Mode).Int("subscriptions", len(settings.Subscriptions)).Msg("Synchronization settings reloaded")
}

// Definition looks up a subscription definition by id.
func (s *SubscriptionService) Definition(id string) (models.SubscriptionDefinition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	return def, ok
}

// Subscribe parses rawID as a GUID and follows the object.
func (s *SubscriptionService) Subscribe(ctx context.Context, resourceType, rawID string) (bool, error) {
	id, err := uuid.Parse(strings.TrimSpace(rawID))
	if err != nil {
		return false, &failure.ArgumentRangeError{Param: "id", Expected: "uuid", Value: rawID}
	}
	return s.SubscribeTo(ctx, resourceType, id)
}

// SubscribeTo adds id to the subscribed objects of resourceType. Subscribing
// twice is a no-op and reports false. A failed persist restores the previous
// subscribed objects.
func (s *SubscriptionService) SubscribeTo(ctx context.Context, resourceType string, id uuid.UUID) (bool, error) {
	resourceType = strings.TrimSpace(resourceType)
	if resourceType == "" {
		return false, &failure.ArgumentRangeError{Param: "resourceType", Expected: "resource type name", Value: resourceType}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := id.String()
	previous := s.settings.SubscribedObjects
	idx := s.subscribedIndexLocked(resourceType)
	var ids []string
	if idx >= 0 {
		for _, existing := range previous[idx].Subscribed {
			if strings.EqualFold(existing, key) {
				return false, nil
			}
		}
		ids = previous[idx].Subscribed
	}

	objects := append([]models.SubscribedObjectConfiguration(nil), previous...)
	if idx < 0 {
		objects = append(objects, models.SubscribedObjectConfiguration{SubscribeTo: resourceType})
		idx = len(objects) - 1
	}
	objects[idx].Subscribed = append(append(make([]string, 0, len(ids)+1), ids...), key)
	s.settings.SubscribedObjects = objects

	if err := s.persistLocked(ctx); err != nil {
		s.settings.SubscribedObjects = previous
		return false, err
	}

	s.logger.Info().Str("resource_type", resourceType).Str("id", key).Msg("Object subscribed")
	s.publish(events.EventSubscribed, map[string]string{"resource_type": resourceType, "id": key})
	return true, nil
}

// Unsubscribe stops following an object. It reports whether id was followed.
// Like SubscribeTo it swaps in new slices, so copies returned by Settings keep
// their contents.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, resourceType string, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.subscribedIndexLocked(resourceType)
	if idx < 0 {
		return false, nil
	}
	previous := s.settings.SubscribedObjects
	current := previous[idx].Subscribed
	key := id.String()
	for i, existing := range current {
		if !strings.EqualFold(existing, key) {
			continue
		}
		ids := make([]string, 0, len(current)-1)
		ids = append(ids, current[:i]...)
		ids = append(ids, current[i+1:]...)

		objects := append([]models.SubscribedObjectConfiguration(nil), previous...)
		objects[idx].Subscribed = ids
		s.settings.SubscribedObjects = objects
		if err := s.persistLocked(ctx); err != nil {
			s.settings.SubscribedObjects = previous
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Subscribed returns the ids followed for resourceType.
func (s *SubscriptionService) Subscribed(resourceType string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.subscribedIndexLocked(resourceType)
	if idx < 0 {
		return nil
	}
	return append([]string(nil), s.settings.SubscribedObjects[idx].Subscribed...)
}

func (s *SubscriptionService) subscribedIndexLocked(resourceType string) int {
	for i, so := range s.settings.SubscribedObjects {
		if strings.EqualFold(so.SubscribeTo, resourceType) {
			return i
		}
	}
	return -1
}

func (s *SubscriptionService) persistLocked(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	if err := s.persister.Persist(ctx); err != nil {
		return fmt.Errorf("persist subscriptions: %w", err)
	}
	return nil
}

func (s *SubscriptionService) publish(eventType string, payload interface{}) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.PublishJSON(eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}

// ActiveResources resolves the resource configurations in effect. Subscriptions
// without a definition and forbidden resource types are reported as
// configuration gaps and skipped. Ad hoc subscribed objects are appended as
// pull-only configurations filtered by id.
func (s *SubscriptionService) ActiveResources() ([]models.ResourceConfiguration, []error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	mode := s.settings.SyncMode()
	if mode == models.ModeNone {
		return nil, nil
	}

	ids := s.settings.Subscriptions
	if mode == models.ModeReplicate {
		ids = make([]string, 0, len(s.definitions))
		for id := range s.definitions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	var (
		resources []models.ResourceConfiguration
		gaps      []error
		seen      = make(map[string]bool, len(ids))
	)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		def, ok := s.definitions[id]
		if !ok {
			gaps = append(gaps, &failure.ConfigurationGapError{Subject: id, Reason: "no subscription definition"})
			continue
		}
		if s.settings.Forbidden(def.ResourceType) {
			gaps = append(gaps, &failure.ConfigurationGapError{Subject: id, Reason: "resource type " + def.ResourceType + " is forbidden"})
			continue
		}

		rc := models.ResourceConfiguration{
			SubscriptionID: id,
			ResourceType:   def.ResourceType,
			Filters:        def.Filters,
			Triggers:       defaultTriggers,
			Operations:     models.NewOperationSet(models.OperationInsert, models.OperationUpdate, models.OperationObsolete),
		}
		if binding, ok := s.bindingLocked(id); ok {
			// Validate already rejected malformed bindings
			rc.Triggers, _ = models.ParseTriggerSet(binding.Triggers)
			rc.Operations, _ = models.ParseOperationSet(binding.Operations)
		}
		resources = append(resources, rc)
	}

	for _, so := range s.settings.SubscribedObjects {
		if len(so.Subscribed) == 0 || s.settings.Forbidden(so.SubscribeTo) {
			continue
		}
		filters := make([]string, 0, len(so.Subscribed))
		for _, id := range so.Subscribed {
			filters = append(filters, "id="+id)
		}
		resources = append(resources, models.ResourceConfiguration{
			SubscriptionID: AdHocPrefix + so.SubscribeTo,
			ResourceType:   so.SubscribeTo,
			Filters:        filters,
			Triggers:       defaultTriggers.Add(models.TriggerOnNetworkChange),
		})
	}

	return resources, gaps
}

func (s *SubscriptionService) bindingLocked(id string) (config.ResourceBinding, bool) {
	for _, b := range s.settings.Resources {
		if b.Subscription == id {
			return b, true
		}
	}
	return config.ResourceBinding{}, false
}

// IsGap reports whether err is a configuration gap.
func IsGap(err error) bool {
	var gap *failure.ConfigurationGapError
	return errors.As(err, &gap)
}
