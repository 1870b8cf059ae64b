package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/santedb/santedb-dc-core-sub006/internal/export"
	"github.com/santedb/santedb-dc-core-sub006/internal/failure"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/google/uuid"
)

type queueView struct {
	models.QueueInfo
	Depth int `json:"depth"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.svc.Upstream != nil {
		resp["upstream"] = s.svc.Upstream.IsAvailable(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleQueues(w http.ResponseWriter, r *http.Request) {
	depths, err := s.svc.Queues.Depths(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	infos := s.svc.Queues.Queues(r.Context())
	out := make([]queueView, 0, len(infos))
	for _, info := range infos {
		out = append(out, queueView{QueueInfo: info, Depth: depths[info.Name]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (s *HTTPServer) handleEntries(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := page(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	entries, err := s.svc.Queues.Entries(r.Context(), r.PathValue("name"), offset, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *HTTPServer) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	offset, limit, err := page(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	entries, err := s.svc.Queues.DeadLetters(r.Context(), offset, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	var all []*models.DeadLetterEntry
	for offset := 0; ; offset += models.MaxPageSize {
		batch, err := s.svc.Queues.DeadLetters(r.Context(), offset, models.MaxPageSize)
		if err != nil {
			s.fail(w, err)
			return
		}
		all = append(all, batch...)
		if len(batch) < models.MaxPageSize {
			break
		}
	}

	path, err := export.DeadLetterReport(s.svc.ExportDir, all, s.now())
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}

func (s *HTTPServer) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	entry, err := s.svc.Queues.Requeue(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *HTTPServer) handleRequeueAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Queues.RequeueAll(r.Context(), strings.TrimSpace(r.URL.Query().Get("queue")))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (s *HTTPServer) handlePurge(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.svc.Queues.Purge(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	added, err := s.svc.Subscriptions.Subscribe(r.Context(), r.PathValue("type"), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	statusCode := http.StatusOK
	if added {
		statusCode = http.StatusCreated
	}
	writeJSON(w, statusCode, map[string]bool{"subscribed": added})
}

func (s *HTTPServer) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	id, err := uuid.Parse(raw)
	if err != nil {
		s.fail(w, &failure.ArgumentRangeError{Param: "id", Expected: "uuid", Value: raw})
		return
	}
	removed, err := s.svc.Subscriptions.Unsubscribe(r.Context(), r.PathValue("type"), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unsubscribed": removed})
}

type mutationRequest struct {
	ResourceType string          `json:"resource_type"`
	ResourceKey  string          `json:"resource_key"`
	Operation    string          `json:"operation"`
	Payload      json.RawMessage `json:"payload"`
}

func (s *HTTPServer) handleMutation(w http.ResponseWriter, r *http.Request) {
	var body mutationRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(body.ResourceType) == "" {
		writeError(w, http.StatusBadRequest, "resource_type is required")
		return
	}
	op, err := models.ParseOperation(body.Operation)
	if err != nil || op == models.OperationSync {
		writeError(w, http.StatusBadRequest, "operation must be insert, update or obsolete")
		return
	}

	queued, err := s.svc.Dispatcher.OnMutation(r.Context(), models.Mutation{
		ResourceType: strings.TrimSpace(body.ResourceType),
		ResourceKey:  strings.TrimSpace(body.ResourceKey),
		Operation:    op,
		Payload:      body.Payload,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	statusCode := http.StatusOK
	if queued {
		statusCode = http.StatusAccepted
	}
	writeJSON(w, statusCode, map[string]bool{"queued": queued})
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.Dispatcher.Fire(r.Context(), models.TriggerManual)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// fail maps domain errors onto HTTP status codes.
func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	var argErr *failure.ArgumentRangeError
	switch {
	case errors.As(err, &argErr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, failure.ErrEntryNotFound), errors.Is(err, failure.ErrQueueNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, failure.ErrCycleInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case failure.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error().Err(err).Msg("API request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func page(r *http.Request) (int, int, error) {
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		return 0, 0, err
	}
	limit, err := intParam(r, "limit", models.DefaultPageSize)
	if err != nil {
		return 0, 0, err
	}
	return offset, limit, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, &failure.ArgumentRangeError{Param: name, Expected: "non-negative integer", Value: raw}
	}
	return v, nil
}

func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &failure.ArgumentRangeError{Param: "id", Expected: "positive integer", Value: raw}
	}
	return id, nil
}
