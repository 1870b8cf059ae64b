package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/config"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// QueueAdmin is the administrative view of the queue manager.
type QueueAdmin interface {
	Queues(ctx context.Context) []models.QueueInfo
	Depths(ctx context.Context) (map[string]int, error)
	Entries(ctx context.Context, name string, offset, limit int) ([]*models.QueueEntry, error)
	DeadLetters(ctx context.Context, offset, limit int) ([]*models.DeadLetterEntry, error)
	Requeue(ctx context.Context, deadLetterID int64) (*models.QueueEntry, error)
	RequeueAll(ctx context.Context, originalQueue string) (int, error)
	Purge(ctx context.Context, deadLetterID int64) error
}

// Subscriptions manages ad hoc object subscriptions.
type Subscriptions interface {
	Subscribe(ctx context.Context, resourceType, rawID string) (bool, error)
	Unsubscribe(ctx context.Context, resourceType string, id uuid.UUID) (bool, error)
}

// Dispatcher accepts local mutations and manual synchronization requests.
type Dispatcher interface {
	OnMutation(ctx context.Context, m models.Mutation) (bool, error)
	Fire(ctx context.Context, trigger models.TriggerEvent) (models.CycleSummary, error)
}

// Availability reports whether the upstream answers.
type Availability interface {
	IsAvailable(ctx context.Context) bool
}

// Services are the collaborators behind the HTTP API.
type Services struct {
	Queues        QueueAdmin
	Subscriptions Subscriptions
	Dispatcher    Dispatcher
	Upstream      Availability
	ExportDir     string
}

// HTTPServer exposes queue administration and manual synchronization.
type HTTPServer struct {
	cfg    config.APIConfig
	svc    Services
	auth   *Authenticator
	server *http.Server
	logger *zerolog.Logger
	now    func() time.Time
}

func NewHTTPServer(cfg config.APIConfig, svc Services, auth *Authenticator, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if auth == nil {
		auth = NewAuthenticator(cfg)
	}
	srv := &HTTPServer{cfg: cfg, svc: svc, auth: auth, logger: logger, now: time.Now}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/v1/queues", auth.Require(PermReadQueues, srv.handleQueues))
	mux.HandleFunc("GET /api/v1/queues/{name}/entries", auth.Require(PermReadQueues, srv.handleEntries))
	mux.HandleFunc("GET /api/v1/deadletter", auth.Require(PermReadQueues, srv.handleDeadLetters))
	mux.HandleFunc("GET /api/v1/deadletter/export", auth.Require(PermReadQueues, srv.handleExport))
	mux.HandleFunc("POST /api/v1/deadletter/requeue", auth.Require(PermWriteQueues, srv.handleRequeueAll))
	mux.HandleFunc("POST /api/v1/deadletter/{id}/requeue", auth.Require(PermWriteQueues, srv.handleRequeue))
	mux.HandleFunc("DELETE /api/v1/deadletter/{id}", auth.Require(PermWriteQueues, srv.handlePurge))
	mux.HandleFunc("POST /api/v1/subscriptions/{type}/{id}", auth.Require(PermSync, srv.handleSubscribe))
	mux.HandleFunc("DELETE /api/v1/subscriptions/{type}/{id}", auth.Require(PermSync, srv.handleUnsubscribe))
	mux.HandleFunc("POST /api/v1/mutations", auth.Require(PermSync, srv.handleMutation))
	mux.HandleFunc("POST /api/v1/sync", auth.Require(PermSync, srv.handleSync))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           loggingMiddleware(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}
	return srv
}

// Handler returns the routed handler, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
