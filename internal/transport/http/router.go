// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/metrics"
	"github.com/adiadia/secflow/internal/transport/middleware"
)

const headerLastEventID = "Last-Event-ID"

const maxSubmissionBytes = 1 << 20

type submitRequest struct {
	TargetInfo map[string]any `json:"target_info"`
	TestScope  []string       `json:"test_scope"`
}

type Deps struct {
	Workflows     WorkflowService
	Queues        QueueInspector
	Providers     ProviderCatalog
	HealthChecker HealthChecker
	Logger        *slog.Logger

	// APIToken enables bearer auth on every route except health, metrics
	// and version. Empty disables auth.
	APIToken        string
	RateLimitPerMin int
	// EventPoll is the SSE polling interval. Zero means 500ms.
	EventPoll time.Duration

	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")
	poll := deps.EventPoll
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if strings.TrimSpace(deps.APIToken) != "" {
		r.Use(middleware.TokenAuth(deps.APIToken, logger))
	}
	if deps.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(middleware.NewRateLimiter(deps.RateLimitPerMin), logger))
	}

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.HealthChecker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.HealthChecker.Check(ctx); err != nil {
				logger.Warn("health check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- QUEUES ----------------

	r.Get("/queues", func(w http.ResponseWriter, r *http.Request) {
		if deps.Queues == nil {
			writeError(w, http.StatusNotImplemented, "queue inspection not available")
			return
		}

		names, err := deps.Queues.Names(r.Context())
		if err != nil {
			logger.Error("list queues failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list queues")
			return
		}
		sort.Strings(names)

		type queueDepth struct {
			Name  string `json:"name"`
			Depth int    `json:"depth"`
		}
		out := make([]queueDepth, 0, len(names))
		for _, name := range names {
			n, err := deps.Queues.Len(r.Context(), name)
			if err != nil {
				logger.Error("queue length failed", "queue", name, "error", err)
				writeError(w, http.StatusInternalServerError, "failed to read queue depth")
				return
			}
			out = append(out, queueDepth{Name: name, Depth: n})
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"status": domain.ReportSuccess,
			"queues": out,
		})
	})

	// ---------------- PROVIDERS ----------------

	r.Get("/providers", func(w http.ResponseWriter, r *http.Request) {
		if deps.Providers == nil {
			writeError(w, http.StatusNotImplemented, "provider catalog not available")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    domain.ReportSuccess,
			"providers": deps.Providers.Names(),
			"agents":    deps.Providers.Roster(),
		})
	})

	// ---------------- WORKFLOWS ----------------

	r.Route("/workflows", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			sub, err := decodeSubmitRequest(w, r)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
				return
			}

			id, err := deps.Workflows.Submit(r.Context(), sub)
			if err != nil {
				if errors.Is(err, domain.ErrInvalidSubmission) {
					writeError(w, http.StatusBadRequest, err.Error())
					return
				}
				logger.Error("submit workflow failed", "error", err)
				writeError(w, http.StatusInternalServerError, "failed to submit workflow")
				return
			}

			logger.Info("workflow submitted via API", "workflow_id", id)

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":      domain.ReportSuccess,
				"workflow_id": id.String(),
			})
		})

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			limit := 0
			if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n < 0 {
					writeError(w, http.StatusBadRequest, "invalid limit")
					return
				}
				limit = n
			}

			records, err := deps.Workflows.List(r.Context(), limit)
			if err != nil {
				logger.Error("list workflows failed", "error", err)
				writeError(w, http.StatusInternalServerError, "failed to list workflows")
				return
			}

			out := make([]workflowSummary, 0, len(records))
			for _, rec := range records {
				out = append(out, summarize(rec))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"status":    domain.ReportSuccess,
				"workflows": out,
			})
		})

		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, ok := workflowID(w, r)
			if !ok {
				return
			}

			rec, err := deps.Workflows.Status(r.Context(), id)
			if err != nil {
				writeLookupError(w, logger, "get workflow failed", id, err)
				return
			}

			writeJSON(w, http.StatusOK, statusResponse{
				workflowSummary: summarize(rec),
				PartialResults:  rec.PartialResults(),
				RetryCounts:     rec.RetryCounts,
				Error:           rec.Error,
				Report:          rec.Report,
			})
		})

		r.Post("/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			id, ok := workflowID(w, r)
			if !ok {
				return
			}

			if err := deps.Workflows.Cancel(r.Context(), id); err != nil {
				if errors.Is(err, domain.ErrWorkflowFinal) {
					writeError(w, http.StatusConflict, err.Error())
					return
				}
				writeLookupError(w, logger, "cancel workflow failed", id, err)
				return
			}

			logger.Info("workflow cancel requested via API", "workflow_id", id)

			writeJSON(w, http.StatusAccepted, map[string]string{
				"status":      domain.ReportSuccess,
				"workflow_id": id.String(),
			})
		})

		// ---------------- STREAM EVENTS (SSE) ----------------

		r.Get("/{id}/events", func(w http.ResponseWriter, r *http.Request) {
			id, ok := workflowID(w, r)
			if !ok {
				return
			}

			cursor, err := resolveEventsCursor(r)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}

			if _, err := deps.Workflows.Status(r.Context(), id); err != nil {
				writeLookupError(w, logger, "sse get workflow failed", id, err)
				return
			}

			flusher, ok := w.(http.Flusher)
			if !ok {
				writeError(w, http.StatusInternalServerError, "streaming unsupported")
				return
			}

			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			flusher.Flush()

			// writeEvents reports whether the workflow has finished.
			writeEvents := func() (bool, error) {
				events, err := deps.Workflows.Events(r.Context(), id, cursor)
				if err != nil {
					return false, err
				}

				done := false
				for _, ev := range events {
					payload, err := json.Marshal(ev)
					if err != nil {
						return false, err
					}
					if _, err := fmt.Fprintf(w, "id: %d\nevent: workflow_update\ndata: %s\n\n", ev.Seq, payload); err != nil {
						return false, err
					}
					flusher.Flush()
					cursor = ev.Seq
					done = done || terminalEvent(ev.Type)
				}
				return done, nil
			}

			done, err := writeEvents()
			if err != nil {
				logger.Error("sse initial write failed", "workflow_id", id, "error", err)
				return
			}
			if done {
				return
			}

			ticker := time.NewTicker(poll)
			defer ticker.Stop()

			for {
				select {
				case <-r.Context().Done():
					return
				case <-ticker.C:
					done, err := writeEvents()
					if err != nil {
						if r.Context().Err() == nil {
							logger.Error("sse write failed", "workflow_id", id, "error", err)
						}
						return
					}
					if done {
						return
					}
				}
			}
		})
	})

	return r
}

type workflowSummary struct {
	ID        uuid.UUID             `json:"workflow_id"`
	Phase     domain.Phase          `json:"phase"`
	Status    domain.WorkflowStatus `json:"status"`
	Progress  int                   `json:"progress"`
	TargetURL string                `json:"target_url"`
	TestScope []string              `json:"test_scope"`
	Aborted   bool                  `json:"aborted,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	UpdatedAt time.Time             `json:"updated_at"`
}

type statusResponse struct {
	workflowSummary
	PartialResults map[domain.Phase]domain.Payload `json:"partial_results"`
	RetryCounts    map[domain.Phase]int            `json:"retry_counts"`
	Error          string                          `json:"error,omitempty"`
	Report         *domain.Report                  `json:"report,omitempty"`
}

func summarize(rec domain.WorkflowRecord) workflowSummary {
	return workflowSummary{
		ID:        rec.ID,
		Phase:     rec.Phase,
		Status:    rec.Status,
		Progress:  rec.Progress,
		TargetURL: rec.Submission.TargetURL(),
		TestScope: rec.Submission.TestScope,
		Aborted:   rec.Aborted,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func terminalEvent(t string) bool {
	switch t {
	case domain.EventWorkflowCompleted, domain.EventWorkflowFailed, domain.EventWorkflowAborted:
		return true
	}
	return false
}

func workflowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow ID")
		return uuid.Nil, false
	}
	return id, true
}

func writeLookupError(w http.ResponseWriter, logger *slog.Logger, msg string, id uuid.UUID, err error) {
	if errors.Is(err, domain.ErrWorkflowNotFound) {
		logger.Warn("workflow not found", "workflow_id", id)
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	logger.Error(msg, "workflow_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"status": domain.ReportError,
		"error":  msg,
	})
}

func decodeSubmitRequest(w http.ResponseWriter, r *http.Request) (domain.Submission, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return domain.Submission{}, errors.New("empty body")
	}

	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmissionBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.Submission{}, errors.New("empty body")
		}
		return domain.Submission{}, err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return domain.Submission{}, errors.New("request body must contain exactly one JSON object")
	}

	scope := make([]string, 0, len(req.TestScope))
	for _, t := range req.TestScope {
		scope = append(scope, strings.TrimSpace(t))
	}
	return domain.Submission{TargetInfo: req.TargetInfo, TestScope: scope}, nil
}

var errInvalidSinceID = errors.New("invalid since_id")

// resolveEventsCursor reads the resume point from since_id or, for
// reconnecting EventSource clients, the Last-Event-ID header.
func resolveEventsCursor(r *http.Request) (int64, error) {
	since := strings.TrimSpace(r.URL.Query().Get("since_id"))
	if since == "" {
		since = strings.TrimSpace(r.Header.Get(headerLastEventID))
	}
	if since == "" {
		return 0, nil
	}

	seq, err := strconv.ParseInt(since, 10, 64)
	if err != nil || seq < 0 {
		return 0, errInvalidSinceID
	}
	return seq, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
