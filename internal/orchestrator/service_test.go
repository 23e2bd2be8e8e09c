// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiadia/secflow/internal/domain"
	"github.com/adiadia/secflow/internal/logging"
	"github.com/adiadia/secflow/internal/repository"
)

func newService(t *testing.T, h *harness) (*Service, repository.Store) {
	t.Helper()
	store := repository.NewMemory()
	svc := NewService(ServiceDeps{Orchestrator: h.orch, Store: store, Logger: logging.Discard()})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, store
}

func TestServiceSubmitAndWait(t *testing.T) {
	svc, _ := newService(t, newHarness(t, 3))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := svc.Submit(ctx, submission())
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	report, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportSuccess, report.Status)
	assert.Equal(t, id, report.WorkflowID)

	rec, err := svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, rec.Status)
	assert.Equal(t, domain.PhaseCompleted, rec.Phase)
	assert.Equal(t, 100, rec.Progress)
	require.NotNil(t, rec.Report)
	assert.Equal(t, domain.ReportSuccess, rec.Report.Status)
	assert.NotEmpty(t, rec.PartialResults()[domain.PhaseDecision])

	events, err := svc.Events(ctx, id, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventWorkflowSubmitted, events[0].Type)
	assert.Equal(t, domain.EventWorkflowCompleted, events[len(events)-1].Type)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}

	// Waiting again after the run is gone reads the stored report.
	again, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, report.Status, again.Status)

	assert.ErrorIs(t, svc.Cancel(ctx, id), domain.ErrWorkflowFinal)
}

func TestServiceRejectsInvalidSubmissions(t *testing.T) {
	svc, store := newService(t, newHarness(t, 3))
	ctx := context.Background()

	cases := []domain.Submission{
		{TestScope: []string{"port_scan"}},
		{TargetInfo: map[string]any{"target_url": "http://x"}},
		{TargetInfo: map[string]any{"target_url": "http://x"}, TestScope: []string{" "}},
	}
	for _, sub := range cases {
		_, err := svc.Submit(ctx, sub)
		assert.ErrorIs(t, err, domain.ErrInvalidSubmission)
	}

	list, err := store.List(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestServiceUnknownWorkflow(t *testing.T) {
	svc, _ := newService(t, newHarness(t, 3))
	ctx := context.Background()

	_, err := svc.Status(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
	assert.ErrorIs(t, svc.Cancel(ctx, uuid.New()), domain.ErrWorkflowNotFound)
	_, err = svc.Wait(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
}

// gatedProcessor blocks until released so a cancel lands mid-phase.
type gatedProcessor struct {
	release chan struct{}
}

func (g *gatedProcessor) Name() string { return "manager" }

func (g *gatedProcessor) Process(ctx context.Context, in domain.Payload) (domain.Payload, error) {
	<-g.release
	return domain.Payload{"execution_packages": []domain.ExecutionPackage{{TestType: "port_scan", ShellCommands: []string{"nmap x"}}}}, nil
}

func TestServiceCancelStopsBeforeNextPhase(t *testing.T) {
	h := newHarness(t, 3)
	gate := &gatedProcessor{release: make(chan struct{})}
	h.orch.planner = gate
	svc, _ := newService(t, h)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := svc.Submit(ctx, submission())
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, id))
	close(gate.release)

	report, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ReportFailed, report.Status)
	assert.Zero(t, h.runner.calls.Load())

	rec, err := svc.Status(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.Aborted)
	assert.Equal(t, domain.StatusFailed, rec.Status)

	events, err := svc.Events(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.EventWorkflowAborted, events[len(events)-1].Type)
}

type recordingNotifier struct {
	got chan domain.WorkflowRecord
}

func (n *recordingNotifier) WorkflowFinished(_ context.Context, rec domain.WorkflowRecord) {
	n.got <- rec
}

func TestServiceNotifiesOnCompletion(t *testing.T) {
	h := newHarness(t, 3)
	notifier := &recordingNotifier{got: make(chan domain.WorkflowRecord, 1)}
	svc := NewService(ServiceDeps{
		Orchestrator: h.orch,
		Store:        repository.NewMemory(),
		Logger:       logging.Discard(),
		Notifier:     notifier,
	})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	id, err := svc.Submit(ctx, submission())
	require.NoError(t, err)

	select {
	case rec := <-notifier.got:
		assert.Equal(t, id, rec.ID)
		assert.Equal(t, domain.StatusCompleted, rec.Status)
		require.NotNil(t, rec.Report)
		assert.Equal(t, domain.ReportSuccess, rec.Report.Status)
	case <-ctx.Done():
		t.Fatal("notifier was not called")
	}
}

func TestServiceCancelOrphanedWorkflowNotifies(t *testing.T) {
	h := newHarness(t, 3)
	store := repository.NewMemory()
	notifier := &recordingNotifier{got: make(chan domain.WorkflowRecord, 1)}
	svc := NewService(ServiceDeps{Orchestrator: h.orch, Store: store, Logger: logging.Discard(), Notifier: notifier})
	ctx := context.Background()

	// A running record left behind by a process that no longer exists.
	st := NewState(uuid.New(), submission())
	st.Status = domain.StatusRunning
	require.NoError(t, store.Save(ctx, st.Record(time.Now().UTC(), nil)))

	require.NoError(t, svc.Cancel(ctx, st.WorkflowID))

	rec := <-notifier.got
	assert.Equal(t, st.WorkflowID, rec.ID)
	assert.True(t, rec.Aborted)
	assert.Equal(t, domain.StatusFailed, rec.Status)

	events, err := svc.Events(ctx, st.WorkflowID, 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.EventWorkflowAborted, events[len(events)-1].Type)
}
