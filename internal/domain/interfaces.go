package domain

import (
	"context"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// PushRequest is a single outbound transmission.
type PushRequest struct {
	CorrelationKey string
	ResourceType   string
	ResourceKey    string
	Operation      models.Operation
	Payload        []byte
	UsePatches     bool
	Overwrite      bool
}

// PullRequest asks the upstream for one page of a subscription.
type PullRequest struct {
	SubscriptionID string
	ResourceType   string
	Filters        []string
	Since          time.Time
	Offset         int
	Count          int
}

// PullResult is one page of remote records. Total is the number of records
// matching the request, or -1 when the upstream does not report it.
type PullResult struct {
	Records []models.RemoteRecord
	Total   int
}

// Upstream is the remote server transport.
type Upstream interface {
	IsAvailable(ctx context.Context) bool
	Push(ctx context.Context, req PushRequest) error
	Pull(ctx context.Context, req PullRequest) (PullResult, error)
}

// PayloadStore keeps entry payloads out of the queue tables.
type PayloadStore interface {
	Save(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Copy(ctx context.Context, key string) (string, error)
	Remove(ctx context.Context, key string) error
}

// SyncLog remembers how far each subscription has been pulled.
type SyncLog interface {
	LastSynced(ctx context.Context, resourceType, filter string) (time.Time, error)
	SetLastSynced(ctx context.Context, resourceType, filter string, at time.Time) error
}

// LocalApplier writes pulled records into the local store. A Sync entry
// without a resource key carries a bundle.
type LocalApplier interface {
	Apply(ctx context.Context, entry models.QueueEntry, payload []byte) error
}

// Notifier is told about cycle progress. Implementations must not block.
type Notifier interface {
	CycleStarted(ctx context.Context, trigger models.TriggerEvent)
	CycleCompleted(ctx context.Context, summary models.CycleSummary)
	CycleFailed(ctx context.Context, summary models.CycleSummary, err error)
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// ConfigPersister stores the synchronization section after ad hoc changes.
type ConfigPersister interface {
	Persist(ctx context.Context) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}
