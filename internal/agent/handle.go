package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/arbor-sh/arbor/pkg/models"
)

var (
	// ErrAgentUnavailable is returned when the backend cannot be reached
	// after the configured startup attempts.
	ErrAgentUnavailable = errors.New("agent unavailable")
	// ErrHandleBusy is returned when RunTask is called on a handle that
	// is already executing a task.
	ErrHandleBusy = errors.New("handle busy")
	// ErrHandleTerminated is returned for operations on a terminated handle.
	ErrHandleTerminated = errors.New("handle terminated")
	// ErrHandleDegraded is returned when RunTask is called on a degraded
	// handle. A successful Probe clears the state.
	ErrHandleDegraded = errors.New("handle degraded")
)

// RetryConfig controls the backoff between transient failures.
type RetryConfig struct {
	// MaxAttempts caps total invocation attempts, first try included.
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to each delay, 0 to 1.
	Jitter float64
}

// DefaultRetryConfig returns the standard retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		Jitter:      0.5,
	}
}

// HandleConfig controls handle lifecycle behavior.
type HandleConfig struct {
	// StartupAttempts is how many times Start tries to connect.
	StartupAttempts int
	// InvokeTimeout bounds each invocation attempt.
	InvokeTimeout time.Duration
	// DegradedThreshold is the consecutive failure count that marks the
	// handle degraded.
	DegradedThreshold int
	Retry             RetryConfig
}

// DefaultHandleConfig returns the standard handle settings.
func DefaultHandleConfig() HandleConfig {
	return HandleConfig{
		StartupAttempts:   3,
		InvokeTimeout:     300 * time.Second,
		DegradedThreshold: 3,
		Retry:             DefaultRetryConfig(),
	}
}

// TaskRun is the result of executing one task through a handle.
type TaskRun struct {
	Outcome models.Outcome
	// Attempts is how many invocation attempts were made.
	Attempts int
	Output   string
}

// Retries returns the number of attempts beyond the first.
func (r TaskRun) Retries() int {
	if r.Attempts <= 1 {
		return 0
	}
	return r.Attempts - 1
}

// Handle runs tasks against one agent backend, retrying transient
// failures and tracking its own health.
type Handle struct {
	id      string
	invoker Invoker
	cfg     HandleConfig

	mu          sync.Mutex
	state       models.HandleState
	consecFails int
}

// NewHandle creates a handle over the given invoker.
func NewHandle(id string, invoker Invoker, cfg HandleConfig) *Handle {
	if cfg.StartupAttempts <= 0 {
		cfg.StartupAttempts = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	return &Handle{
		id:      id,
		invoker: invoker,
		cfg:     cfg,
		state:   models.HandleUninitialized,
	}
}

// ID returns the handle identifier.
func (h *Handle) ID() string { return h.id }

// State returns the current lifecycle state.
func (h *Handle) State() models.HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start connects the backend, retrying with the handle's backoff. The
// handle ends up ready on success or terminated on failure.
func (h *Handle) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.state == models.HandleTerminated {
		h.mu.Unlock()
		return ErrHandleTerminated
	}
	h.state = models.HandleStarting
	h.mu.Unlock()

	bo := h.newBackoff(ctx, h.cfg.StartupAttempts)
	err := backoff.Retry(func() error {
		return h.invoker.Start(ctx)
	}, bo)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.state = models.HandleTerminated
		return fmt.Errorf("%w: %s: %v", ErrAgentUnavailable, h.id, err)
	}
	h.state = models.HandleReady
	return nil
}

// RunTask executes one task. Transient failures are retried with capped
// exponential backoff; fatal failures stop immediately. The returned
// TaskRun always carries a terminal outcome unless err is non-nil for a
// handle-level problem (busy, terminated, context canceled).
func (h *Handle) RunTask(ctx context.Context, task *models.Task, extra map[string]string) (*TaskRun, error) {
	h.mu.Lock()
	switch h.state {
	case models.HandleReady:
	case models.HandleBusy:
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrHandleBusy, h.id)
	case models.HandleDegraded:
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrHandleDegraded, h.id)
	case models.HandleTerminated:
		h.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrHandleTerminated, h.id)
	default:
		h.mu.Unlock()
		return nil, fmt.Errorf("handle %s not started", h.id)
	}
	h.state = models.HandleBusy
	h.mu.Unlock()

	prompt := BuildPrompt(task, extra)

	attempts := 0
	var result *InvokeResult
	bo := h.newBackoff(ctx, h.cfg.Retry.MaxAttempts)
	err := backoff.Retry(func() error {
		attempts++
		invCtx := ctx
		if h.cfg.InvokeTimeout > 0 {
			var cancel context.CancelFunc
			invCtx, cancel = context.WithTimeout(ctx, h.cfg.InvokeTimeout)
			defer cancel()
		}
		res, invErr := h.invoker.Invoke(invCtx, prompt)
		if invErr != nil {
			if IsTransient(invErr) {
				return invErr
			}
			return backoff.Permanent(invErr)
		}
		result = res
		return nil
	}, bo)

	run := &TaskRun{Attempts: attempts}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			// Canceled from outside, not an agent verdict.
			h.state = models.HandleReady
			return nil, fmt.Errorf("run task %s: %w", task.ID, ctx.Err())
		}
		h.consecFails++
		if h.consecFails >= h.cfg.DegradedThreshold {
			h.state = models.HandleDegraded
		} else {
			h.state = models.HandleReady
		}
		run.Outcome = models.Failed(err.Error())
		return run, nil
	}

	h.consecFails = 0
	h.state = models.HandleReady
	run.Output = result.Text
	run.Outcome = models.Succeeded(result.Text)
	return run, nil
}

// Probe checks backend health. A successful probe clears the degraded
// state and resets the failure counter.
func (h *Handle) Probe(ctx context.Context) error {
	h.mu.Lock()
	if h.state == models.HandleTerminated {
		h.mu.Unlock()
		return ErrHandleTerminated
	}
	h.mu.Unlock()

	err := h.invoker.Probe(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("probe %s: %w", h.id, err)
	}
	if h.state == models.HandleDegraded {
		h.state = models.HandleReady
	}
	h.consecFails = 0
	return nil
}

// Terminate closes the backend connection. Idempotent.
func (h *Handle) Terminate() error {
	h.mu.Lock()
	if h.state == models.HandleTerminated {
		h.mu.Unlock()
		return nil
	}
	h.state = models.HandleTerminated
	h.mu.Unlock()
	return h.invoker.Close()
}

// newBackoff builds the shared retry policy. maxAttempts includes the
// first try.
func (h *Handle) newBackoff(ctx context.Context, maxAttempts int) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = h.cfg.Retry.BaseDelay
	bo.Multiplier = h.cfg.Retry.Multiplier
	bo.MaxInterval = h.cfg.Retry.MaxDelay
	bo.RandomizationFactor = h.cfg.Retry.Jitter
	bo.MaxElapsedTime = 0
	bo.Reset()
	var b backoff.BackOff = bo
	b = backoff.WithMaxRetries(b, uint64(maxAttempts-1))
	return backoff.WithContext(b, ctx)
}
