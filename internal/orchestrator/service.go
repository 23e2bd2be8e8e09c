// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/repository"
)

// Notifier is told about every workflow that reaches a terminal status.
type Notifier interface {
	WorkflowFinished(ctx context.Context, rec domain.WorkflowRecord)
}

type ServiceDeps struct {
	Orchestrator *Orchestrator
	Store        repository.Store
	Logger       *slog.Logger
	// Notifier is optional.
	Notifier Notifier
}

// Service accepts submissions, runs each workflow on its own goroutine and
// persists every transition.
type Service struct {
	orch   *Orchestrator
	store  repository.Store
	logger *slog.Logger
	notify Notifier

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	runs map[uuid.UUID]*handle
}

type handle struct {
	svc     *Service
	created time.Time
	aborted atomic.Bool
	done    chan struct{}
	report  domain.Report
}

func NewService(deps ServiceDeps) *Service {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		orch:   deps.Orchestrator,
		store:  deps.Store,
		logger: l,
		notify: deps.Notifier,
		ctx:    ctx,
		cancel: cancel,
		runs:   map[uuid.UUID]*handle{},
	}
}

// ValidateSubmission checks the caller's request before anything is stored.
func ValidateSubmission(sub domain.Submission) error {
	if strings.TrimSpace(sub.TargetURL()) == "" {
		return fmt.Errorf("%w: target_info.target_url is required", domain.ErrInvalidSubmission)
	}
	if len(sub.TestScope) == 0 {
		return fmt.Errorf("%w: test_scope must name at least one test type", domain.ErrInvalidSubmission)
	}
	for _, t := range sub.TestScope {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: test_scope contains an empty entry", domain.ErrInvalidSubmission)
		}
	}
	return nil
}

// Submit stores a pending workflow and starts it. It returns as soon as the
// workflow is accepted.
func (s *Service) Submit(ctx context.Context, sub domain.Submission) (uuid.UUID, error) {
	if err := ValidateSubmission(sub); err != nil {
		return uuid.Nil, err
	}

	id := uuid.New()
	h := &handle{svc: s, created: time.Now().UTC(), done: make(chan struct{})}
	st := NewState(id, sub)

	if err := s.store.Save(ctx, st.Record(h.created, nil)); err != nil {
		s.logger.Error("save workflow failed", "workflow_id", id, "error", err)
		return uuid.Nil, err
	}
	if _, err := s.store.AppendEvent(ctx, id, domain.EventWorkflowSubmitted, map[string]any{
		"target_url": sub.TargetURL(),
		"test_scope": sub.TestScope,
	}); err != nil {
		s.logger.Error("append event failed", "workflow_id", id, "error", err)
		return uuid.Nil, err
	}

	s.mu.Lock()
	s.runs[id] = h
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.execute(h, id, sub)
	}()

	s.logger.Info("workflow submitted", "workflow_id", id, "target", sub.TargetURL())
	return id, nil
}

func (s *Service) execute(h *handle, id uuid.UUID, sub domain.Submission) {
	report, final := s.orch.Run(s.ctx, id, sub, h)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 10*time.Second)
	defer cancel()
	rec := final.Record(h.created, &report)
	if err := s.store.Save(ctx, rec); err != nil {
		s.logger.Error("save final workflow state failed", "workflow_id", id, "error", err)
	}

	h.report = report
	close(h.done)

	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()

	s.finished(rec)
}

func (s *Service) finished(rec domain.WorkflowRecord) {
	if s.notify == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 30*time.Second)
	defer cancel()
	s.notify.WorkflowFinished(ctx, rec)
}

// Observe persists the state and appends the event.
func (h *handle) Observe(ctx context.Context, st State, ev Event) {
	s := h.svc
	ctx = context.WithoutCancel(ctx)
	if err := s.store.Save(ctx, st.Record(h.created, nil)); err != nil {
		s.logger.Error("save workflow failed", "workflow_id", st.WorkflowID, "error", err)
	}

	payload := map[string]any{
		"phase":    ev.Phase,
		"status":   st.Status,
		"progress": st.Progress(),
	}
	if ev.Attempt > 0 {
		payload["attempt"] = ev.Attempt
	}
	for k, v := range ev.Detail {
		payload[k] = v
	}
	if _, err := s.store.AppendEvent(ctx, st.WorkflowID, ev.Type, payload); err != nil {
		s.logger.Error("append event failed", "workflow_id", st.WorkflowID, "event", ev.Type, "error", err)
	}
}

func (h *handle) Aborted() bool { return h.aborted.Load() }

// Status returns the persisted view of a workflow.
func (s *Service) Status(ctx context.Context, id uuid.UUID) (domain.WorkflowRecord, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, limit int) ([]domain.WorkflowRecord, error) {
	return s.store.List(ctx, limit)
}

// Events returns the workflow's events after the given sequence number.
func (s *Service) Events(ctx context.Context, id uuid.UUID, afterSeq int64) ([]domain.EventRecord, error) {
	return s.store.ListEventsAfter(ctx, id, afterSeq)
}

// Cancel stops a running workflow before its next phase. Work already in
// flight finishes on its own timeout.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	h, ok := s.runs[id]
	s.mu.Unlock()
	if ok {
		h.aborted.Store(true)
		s.logger.Info("workflow cancel requested", "workflow_id", id)
		return nil
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return domain.ErrWorkflowFinal
	}

	// Known to the store but not running here: its process is gone.
	rec.Status = domain.StatusFailed
	rec.Aborted = true
	rec.Error = ErrAborted.Error()
	rec.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, rec); err != nil {
		return err
	}
	if _, err := s.store.AppendEvent(ctx, id, domain.EventWorkflowAborted, map[string]any{"phase": rec.Phase}); err != nil {
		return err
	}
	s.finished(rec)
	return nil
}

// Wait blocks until the workflow finishes or ctx is done.
func (s *Service) Wait(ctx context.Context, id uuid.UUID) (domain.Report, error) {
	s.mu.Lock()
	h, ok := s.runs[id]
	s.mu.Unlock()

	if ok {
		select {
		case <-h.done:
			return h.report, nil
		case <-ctx.Done():
			return domain.Report{}, ctx.Err()
		}
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Report{}, err
	}
	if rec.Report == nil {
		return domain.Report{}, errors.New("workflow is not running in this process")
	}
	return *rec.Report, nil
}

// Shutdown stops every running workflow and waits for them to record their
// final state.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
