// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/provider"
)

// apiClient talks to cmd/api.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(opts *rootOptions) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(opts.server, "/"),
		token: opts.token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Code    int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Code, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &apiError{Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

type submitResponse struct {
	Status     string `json:"status"`
	WorkflowID string `json:"workflow_id"`
}

func (c *apiClient) Submit(ctx context.Context, sub domain.Submission) (submitResponse, error) {
	var out submitResponse
	err := c.do(ctx, http.MethodPost, "/workflows", sub, &out)
	return out, err
}

type workflowStatus struct {
	WorkflowID     string                          `json:"workflow_id"`
	Phase          domain.Phase                    `json:"phase"`
	Status         domain.WorkflowStatus           `json:"status"`
	Progress       int                             `json:"progress"`
	TargetURL      string                          `json:"target_url"`
	TestScope      []string                        `json:"test_scope"`
	Aborted        bool                            `json:"aborted"`
	PartialResults map[domain.Phase]domain.Payload `json:"partial_results"`
	RetryCounts    map[domain.Phase]int            `json:"retry_counts"`
	Error          string                          `json:"error"`
	Report         *domain.Report                  `json:"report"`
}

func (c *apiClient) Status(ctx context.Context, id string) (workflowStatus, json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/workflows/"+id, nil, &raw); err != nil {
		return workflowStatus{}, nil, err
	}
	var out workflowStatus
	err := json.Unmarshal(raw, &out)
	return out, raw, err
}

func (c *apiClient) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/workflows/"+id+"/cancel", nil, nil)
}

type providersResponse struct {
	Providers []string        `json:"providers"`
	Agents    provider.Roster `json:"agents"`
}

func (c *apiClient) Providers(ctx context.Context) (providersResponse, error) {
	var out providersResponse
	err := c.do(ctx, http.MethodGet, "/providers", nil, &out)
	return out, err
}

// Events reads the SSE stream and calls fn for every event until the stream
// ends or ctx is done.
func (c *apiClient) Events(ctx context.Context, id string, fn func(domain.EventRecord)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/workflows/"+id+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	// The stream outlives the default client timeout.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &apiError{Code: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 8<<20)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev domain.EventRecord
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		fn(ev)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return err
	}
	return nil
}
