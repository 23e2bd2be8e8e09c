// SPDX-License-Identifier: Apache-2.0

// Package notify delivers workflow completion callbacks.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adiadia/secflow/internal/domain"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 300 * time.Millisecond
	HeaderSignature = "X-Signature"
)

// Payload is the JSON body posted when a workflow reaches a terminal status.
type Payload struct {
	WorkflowID uuid.UUID             `json:"workflow_id"`
	Status     domain.WorkflowStatus `json:"status"`
	Phase      domain.Phase          `json:"phase"`
	Aborted    bool                  `json:"aborted,omitempty"`
	TargetURL  string                `json:"target_url"`
	FinishedAt time.Time             `json:"finished_at"`
	Report     *domain.Report        `json:"report,omitempty"`
}

type WebhookDeps struct {
	URL    string
	Secret string
	Client *http.Client
	Logger *slog.Logger
	// Attempts bounds delivery tries, default 3.
	Attempts int
	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration
}

// Webhook posts completion payloads, signed with HMAC-SHA256 when a secret is
// configured.
type Webhook struct {
	url      string
	secret   string
	client   *http.Client
	logger   *slog.Logger
	attempts int
	backoff  time.Duration
}

// NewWebhook returns nil when no URL is configured.
func NewWebhook(deps WebhookDeps) *Webhook {
	url := strings.TrimSpace(deps.URL)
	if url == "" {
		return nil
	}
	w := &Webhook{
		url:      url,
		secret:   deps.Secret,
		client:   deps.Client,
		logger:   deps.Logger,
		attempts: deps.Attempts,
		backoff:  deps.Backoff,
	}
	if w.client == nil {
		w.client = &http.Client{Timeout: 10 * time.Second}
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.attempts <= 0 {
		w.attempts = defaultAttempts
	}
	if w.backoff <= 0 {
		w.backoff = defaultBackoff
	}
	return w
}

// WorkflowFinished delivers rec. Failures are logged, never returned: a lost
// callback must not change the workflow's outcome.
func (w *Webhook) WorkflowFinished(ctx context.Context, rec domain.WorkflowRecord) {
	if w == nil {
		return
	}

	body, err := json.Marshal(Payload{
		WorkflowID: rec.ID,
		Status:     rec.Status,
		Phase:      rec.Phase,
		Aborted:    rec.Aborted,
		TargetURL:  rec.Submission.TargetURL(),
		FinishedAt: rec.UpdatedAt,
		Report:     rec.Report,
	})
	if err != nil {
		w.logger.Error("webhook payload marshal failed", "workflow_id", rec.ID, "error", err)
		return
	}

	signature := Sign(w.secret, body)

	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.logger.Error("webhook request build failed", "workflow_id", rec.ID, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(HeaderSignature, signature)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			w.logger.Warn("webhook failure",
				"workflow_id", rec.ID,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				w.logger.Info("webhook delivered",
					"workflow_id", rec.ID,
					"status", rec.Status,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				return
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			w.logger.Warn("webhook failure",
				"workflow_id", rec.ID,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < w.attempts {
			timer := time.NewTimer(w.backoff * time.Duration(1<<(attempt-1)))
			select {
			case <-ctx.Done():
				timer.Stop()
				w.logger.Warn("webhook canceled before retry", "workflow_id", rec.ID, "error", ctx.Err())
				return
			case <-timer.C:
			}
		}
	}

	w.logger.Error("webhook retries exhausted", "workflow_id", rec.ID, "error", lastErr)
}

// Sign returns the hex HMAC-SHA256 of payload, or "" without a secret.
func Sign(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
