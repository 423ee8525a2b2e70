package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arbor-sh/arbor/pkg/models"
)

// fakeInvoker scripts a sequence of invocation results.
type fakeInvoker struct {
	startErrs []error
	responses []fakeResponse
	calls     int
	probeErr  error
	closed    bool
}

type fakeResponse struct {
	text string
	err  error
}

func (f *fakeInvoker) Start(ctx context.Context) error {
	if len(f.startErrs) == 0 {
		return nil
	}
	err := f.startErrs[0]
	f.startErrs = f.startErrs[1:]
	return err
}

func (f *fakeInvoker) Invoke(ctx context.Context, prompt string) (*InvokeResult, error) {
	if f.calls >= len(f.responses) {
		return nil, &AgentError{Kind: ErrKindProtocol, Message: "no scripted response"}
	}
	r := f.responses[f.calls]
	f.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &InvokeResult{Text: r.text}, nil
}

func (f *fakeInvoker) Probe(ctx context.Context) error { return f.probeErr }
func (f *fakeInvoker) Close() error                    { f.closed = true; return nil }

func fastConfig() HandleConfig {
	cfg := DefaultHandleConfig()
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 2 * time.Millisecond
	cfg.Retry.Jitter = 0
	return cfg
}

func transientErr() error {
	return &AgentError{Kind: ErrKindTimeout, Message: "timed out"}
}

func fatalErr() error {
	return &AgentError{Kind: ErrKindInvalidRequest, Message: "bad prompt"}
}

func startedHandle(t *testing.T, inv *fakeInvoker, cfg HandleConfig) *Handle {
	t.Helper()
	h := NewHandle("agent-0", inv, cfg)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return h
}

func TestHandle_Start_RetriesThenReady(t *testing.T) {
	inv := &fakeInvoker{startErrs: []error{transientErr(), nil}}
	h := NewHandle("agent-0", inv, fastConfig())

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.State() != models.HandleReady {
		t.Errorf("expected ready, got %s", h.State())
	}
}

func TestHandle_Start_ExhaustsAttempts(t *testing.T) {
	inv := &fakeInvoker{startErrs: []error{transientErr(), transientErr(), transientErr()}}
	cfg := fastConfig()
	cfg.StartupAttempts = 3
	h := NewHandle("agent-0", inv, cfg)

	err := h.Start(context.Background())
	if !errors.Is(err, ErrAgentUnavailable) {
		t.Errorf("expected ErrAgentUnavailable, got %v", err)
	}
	if h.State() != models.HandleTerminated {
		t.Errorf("expected terminated, got %s", h.State())
	}
}

func TestHandle_RunTask_Success(t *testing.T) {
	inv := &fakeInvoker{responses: []fakeResponse{{text: "done"}}}
	h := startedHandle(t, inv, fastConfig())

	task := &models.Task{ID: "task-1", Description: "do the thing"}
	run, err := h.RunTask(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if run.Outcome.Kind() != models.OutcomeSucceeded {
		t.Errorf("expected succeeded, got %s", run.Outcome)
	}
	if run.Outcome.Result() != "done" {
		t.Errorf("unexpected result %q", run.Outcome.Result())
	}
	if run.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", run.Attempts)
	}
	if h.State() != models.HandleReady {
		t.Errorf("expected ready after success, got %s", h.State())
	}
}

func TestHandle_RunTask_TransientTwiceThenSuccess(t *testing.T) {
	inv := &fakeInvoker{responses: []fakeResponse{
		{err: transientErr()},
		{err: transientErr()},
		{text: "done"},
	}}
	h := startedHandle(t, inv, fastConfig())

	run, err := h.RunTask(context.Background(), &models.Task{ID: "task-1"}, nil)
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if run.Outcome.Kind() != models.OutcomeSucceeded {
		t.Errorf("expected success after retries, got %s", run.Outcome)
	}
	if run.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", run.Attempts)
	}
	if run.Retries() != 2 {
		t.Errorf("expected 2 retries, got %d", run.Retries())
	}
}

func TestHandle_RunTask_FatalStopsImmediately(t *testing.T) {
	inv := &fakeInvoker{responses: []fakeResponse{{err: fatalErr()}}}
	h := startedHandle(t, inv, fastConfig())

	run, err := h.RunTask(context.Background(), &models.Task{ID: "task-1"}, nil)
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if run.Outcome.Kind() != models.OutcomeFailed {
		t.Errorf("expected failed, got %s", run.Outcome)
	}
	if run.Attempts != 1 {
		t.Errorf("fatal error must not be retried, got %d attempts", run.Attempts)
	}
}

func TestHandle_RunTask_ExhaustsRetries(t *testing.T) {
	inv := &fakeInvoker{responses: []fakeResponse{
		{err: transientErr()}, {err: transientErr()}, {err: transientErr()},
	}}
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 3
	h := startedHandle(t, inv, cfg)

	run, err := h.RunTask(context.Background(), &models.Task{ID: "task-1"}, nil)
	if err != nil {
		t.Fatalf("RunTask failed: %v", err)
	}
	if run.Outcome.Kind() != models.OutcomeFailed {
		t.Errorf("expected failed after exhausting retries, got %s", run.Outcome)
	}
	if run.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", run.Attempts)
	}
}

func TestHandle_Degraded_AfterConsecutiveFailures(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.DegradedThreshold = 2
	inv := &fakeInvoker{responses: []fakeResponse{
		{err: fatalErr()}, {err: fatalErr()},
	}}
	h := startedHandle(t, inv, cfg)

	ctx := context.Background()
	h.RunTask(ctx, &models.Task{ID: "task-1"}, nil)
	if h.State() != models.HandleReady {
		t.Errorf("one failure should not degrade, got %s", h.State())
	}
	h.RunTask(ctx, &models.Task{ID: "task-2"}, nil)
	if h.State() != models.HandleDegraded {
		t.Errorf("expected degraded after threshold, got %s", h.State())
	}
}

func TestHandle_Probe_ClearsDegraded(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.DegradedThreshold = 1
	inv := &fakeInvoker{responses: []fakeResponse{{err: fatalErr()}}}
	h := startedHandle(t, inv, cfg)

	h.RunTask(context.Background(), &models.Task{ID: "task-1"}, nil)
	if h.State() != models.HandleDegraded {
		t.Fatalf("expected degraded, got %s", h.State())
	}

	if err := h.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if h.State() != models.HandleReady {
		t.Errorf("successful probe should clear degraded, got %s", h.State())
	}
}

func TestHandle_RunTask_RejectsDegraded(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.DegradedThreshold = 1
	inv := &fakeInvoker{responses: []fakeResponse{{err: fatalErr()}}}
	h := startedHandle(t, inv, cfg)

	h.RunTask(context.Background(), &models.Task{ID: "task-1"}, nil)
	_, err := h.RunTask(context.Background(), &models.Task{ID: "task-2"}, nil)
	if !errors.Is(err, ErrHandleDegraded) {
		t.Errorf("expected ErrHandleDegraded, got %v", err)
	}
}

func TestHandle_RunTask_Canceled(t *testing.T) {
	inv := &fakeInvoker{responses: []fakeResponse{{err: transientErr()}}}
	h := startedHandle(t, inv, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.RunTask(ctx, &models.Task{ID: "task-1"}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if h.State() != models.HandleReady {
		t.Errorf("cancellation should not count against health, got %s", h.State())
	}
}

func TestHandle_Terminate(t *testing.T) {
	inv := &fakeInvoker{}
	h := startedHandle(t, inv, fastConfig())

	if err := h.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	if !inv.closed {
		t.Error("expected invoker closed")
	}
	_, err := h.RunTask(context.Background(), &models.Task{ID: "task-1"}, nil)
	if !errors.Is(err, ErrHandleTerminated) {
		t.Errorf("expected ErrHandleTerminated, got %v", err)
	}
	// Second terminate is a no-op.
	if err := h.Terminate(); err != nil {
		t.Errorf("second Terminate failed: %v", err)
	}
}

func TestAgentError_Transient(t *testing.T) {
	transient := []ErrorKind{ErrKindTimeout, ErrKindConnectionReset, ErrKindRateLimit}
	for _, k := range transient {
		if !(&AgentError{Kind: k}).Transient() {
			t.Errorf("expected %s transient", k)
		}
	}
	fatal := []ErrorKind{ErrKindInvalidRequest, ErrKindAuth, ErrKindProtocol}
	for _, k := range fatal {
		if (&AgentError{Kind: k}).Transient() {
			t.Errorf("expected %s fatal", k)
		}
	}
	if IsTransient(errors.New("plain")) {
		t.Error("plain errors are not transient")
	}
}

func TestBuildPrompt_SortedContext(t *testing.T) {
	task := &models.Task{Name: "build", Description: "compile the tree"}
	got := BuildPrompt(task, map[string]string{"b": "2", "a": "1"})
	want := "Task: build\n\ncompile the tree\n\nAdditional context:\n- a: 1\n- b: 2\n"
	if got != want {
		t.Errorf("unexpected prompt:\n%q\nwant:\n%q", got, want)
	}
}
