// Package orchestrator drives sessions of dependent tasks across a
// pool of isolated agent contexts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbor-sh/arbor/internal/agent"
	"github.com/arbor-sh/arbor/internal/pool"
	"github.com/arbor-sh/arbor/internal/scheduler"
	"github.com/arbor-sh/arbor/internal/state"
	"github.com/arbor-sh/arbor/internal/worktree"
	"github.com/arbor-sh/arbor/pkg/models"
)

var (
	// ErrSchedulingDeadlock is returned when tasks remain but none can
	// ever become eligible.
	ErrSchedulingDeadlock = errors.New("scheduling deadlock")
	// ErrSessionNotActive is returned when running a session that is not
	// in the active state.
	ErrSessionNotActive = errors.New("session not active")
)

// Config holds the orchestrator's required settings.
type Config struct {
	// Concurrency is the context pool size.
	Concurrency int
	// BaseBranch is the ref new worktrees are cut from.
	BaseBranch string
}

// Orchestrator wires the scheduler, pool, store, and agent handles
// together.
type Orchestrator struct {
	cfg      Config
	sched    *scheduler.Scheduler
	pool     *pool.Pool
	store    state.Store
	provider worktree.Provider

	newInvoker func(id string) agent.Invoker
	handleCfg  agent.HandleConfig

	acquireTimeout time.Duration
	pollInterval   time.Duration
	shutdownGrace  time.Duration

	emitter *EventEmitter
	logger  Logger

	mu      sync.Mutex
	handles map[string]*agent.Handle
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithPolicy sets the dependency resolution policy.
func WithPolicy(p scheduler.Policy) Option {
	return func(o *Orchestrator) { o.sched = scheduler.New(p) }
}

// WithHandleConfig sets the agent handle settings.
func WithHandleConfig(cfg agent.HandleConfig) Option {
	return func(o *Orchestrator) { o.handleCfg = cfg }
}

// WithAcquireTimeout bounds how long a dispatch waits for a free slot.
func WithAcquireTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.acquireTimeout = d }
}

// WithPollInterval sets the idle loop wakeup interval.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// WithShutdownGrace sets how long cancellation waits for in-flight
// tasks before abandoning them.
func WithShutdownGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.shutdownGrace = d }
}

// WithLogger sets the diagnostic logger.
func WithLogger(l Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEventBuffer sets the event channel buffer size.
func WithEventBuffer(n int) Option {
	return func(o *Orchestrator) { o.emitter = NewEventEmitter(n) }
}

// New creates an orchestrator. The store, worktree provider, and
// invoker factory are required.
func New(cfg Config, store state.Store, provider worktree.Provider,
	newInvoker func(id string) agent.Invoker, opts ...Option) (*Orchestrator, error) {

	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if provider == nil {
		return nil, errors.New("worktree provider is required")
	}
	if newInvoker == nil {
		return nil, errors.New("invoker factory is required")
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}

	o := &Orchestrator{
		cfg:            cfg,
		sched:          scheduler.New(scheduler.Policy{}),
		pool:           pool.New(cfg.Concurrency, provider),
		store:          store,
		provider:       provider,
		newInvoker:     newInvoker,
		handleCfg:      agent.DefaultHandleConfig(),
		acquireTimeout: 30 * time.Second,
		pollInterval:   50 * time.Millisecond,
		shutdownGrace:  10 * time.Second,
		emitter:        NewEventEmitter(64),
		logger:         NopLogger{},
		handles:        make(map[string]*agent.Handle),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Events returns the progress event channel.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// NewSession registers and persists a new session.
func (o *Orchestrator) NewSession(name string) (*models.Session, error) {
	now := time.Now()
	s := &models.Session{
		ID:        "session-" + uuid.New().String()[:8],
		Name:      name,
		Status:    models.SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateSession(s); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	if err := o.sched.AddSession(s.ID); err != nil {
		return nil, fmt.Errorf("new session: %w", err)
	}
	return s, nil
}

// AddTask adds one task to a session and persists it.
func (o *Orchestrator) AddTask(sessionID string, spec scheduler.TaskSpec) (string, error) {
	ids, err := o.AddTasks(sessionID, []scheduler.TaskSpec{spec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddTasks adds a batch of tasks atomically and persists them.
func (o *Orchestrator) AddTasks(sessionID string, specs []scheduler.TaskSpec) ([]string, error) {
	ids, err := o.sched.AddTasks(sessionID, specs)
	if err != nil {
		return nil, err
	}
	tasks := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		t, err := o.sched.Task(id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := o.store.SaveTasks(tasks); err != nil {
		return nil, fmt.Errorf("add tasks: %w", err)
	}
	return ids, nil
}

// Run executes a session until every task is terminal, the context is
// canceled, or the run aborts.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) (*RunResult, error) {
	s, err := o.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.SessionStatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotActive, sessionID, s.Status)
	}
	o.emit(Event{Type: EventSessionStarted, SessionID: sessionID})
	return o.runLoop(ctx, sessionID)
}

// Resume reloads a previously persisted session and continues it.
// Tasks that were running when the process died are dispatched again,
// and stale worktree bindings are cleaned up first.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*RunResult, error) {
	s, err := o.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status != models.SessionStatusActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotActive, sessionID, s.Status)
	}

	tasks, err := o.store.ListTasksBySession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("resume %s: %w", sessionID, err)
	}
	if err := o.sched.Load(sessionID, tasks); err != nil {
		return nil, fmt.Errorf("resume %s: %w", sessionID, err)
	}

	// Reset persisted interrupted tasks to match the scheduler.
	reloaded, err := o.sched.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}
	if err := o.store.SaveTasks(reloaded); err != nil {
		return nil, fmt.Errorf("resume %s: %w", sessionID, err)
	}

	if err := o.cleanupBindings(ctx, sessionID); err != nil {
		o.logger.Logf("resume %s: binding cleanup: %v", sessionID, err)
	}

	o.emit(Event{Type: EventSessionStarted, SessionID: sessionID, Message: "resumed"})
	return o.runLoop(ctx, sessionID)
}

// cleanupBindings removes worktrees left behind by an interrupted run.
func (o *Orchestrator) cleanupBindings(ctx context.Context, sessionID string) error {
	bindings, err := o.store.ListBindings(sessionID)
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if err := o.pool.Unbind(ctx, &pool.Slot{ID: b.SlotID, Worktree: &worktree.Worktree{Name: b.WorktreeName}}, true); err != nil {
			o.logger.Logf("cleanup binding %s/%s: %v", b.SlotID, b.WorktreeName, err)
		}
	}
	return o.store.ClearBindings(sessionID)
}

// RunWorkflow creates a session whose steps run strictly in order, each
// depending on the previous one, and executes it.
func (o *Orchestrator) RunWorkflow(ctx context.Context, name string, steps []scheduler.TaskSpec) (*RunResult, error) {
	if len(steps) == 0 {
		return nil, errors.New("workflow has no steps")
	}
	s, err := o.NewSession(name)
	if err != nil {
		return nil, err
	}

	var prev string
	for i := range steps {
		spec := steps[i]
		if prev != "" {
			spec.DependsOn = append(append([]string(nil), spec.DependsOn...), prev)
		}
		id, err := o.AddTask(s.ID, spec)
		if err != nil {
			return nil, fmt.Errorf("workflow step %d: %w", i, err)
		}
		prev = id
	}
	return o.Run(ctx, s.ID)
}

// HealthCheck checks the store and worktree provider and probes every
// active handle. Handles that pass have their degraded state cleared.
func (o *Orchestrator) HealthCheck(ctx context.Context) models.HealthStatus {
	o.mu.Lock()
	handles := make([]*agent.Handle, 0, len(o.handles))
	for _, h := range o.handles {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	status := models.HealthStatus{
		Store:     "ok",
		Worktrees: "ok",
		Handles:   make(map[string]string),
	}
	if _, err := o.store.ListSessions(); err != nil {
		status.Store = err.Error()
	}
	if _, err := o.provider.List(ctx); err != nil {
		status.Worktrees = err.Error()
	}
	for _, h := range handles {
		if err := h.Probe(ctx); err != nil {
			status.Degraded++
			status.Handles[h.ID()] = err.Error()
			continue
		}
		status.Healthy++
		status.Handles[h.ID()] = "ok"
	}
	return status
}

// Status returns the persisted view of a session.
func (o *Orchestrator) Status(sessionID string) (*models.Session, []*models.Task, error) {
	s, err := o.store.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := o.store.ListTasksBySession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	return s, tasks, nil
}

// Close terminates handles and closes the pool and event stream. The
// store is left open for the caller.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	handles := o.handles
	o.handles = make(map[string]*agent.Handle)
	o.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := h.Terminate(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.pool.Close()
	o.emitter.Close()
	return firstErr
}

// dropHandle discards the slot's handle so the next dispatch builds a
// fresh one. Used when an invocation is abandoned with the handle
// still busy.
func (o *Orchestrator) dropHandle(slotID string) {
	o.mu.Lock()
	h, ok := o.handles[slotID]
	delete(o.handles, slotID)
	o.mu.Unlock()
	if ok {
		if err := h.Terminate(); err != nil {
			o.logger.Logf("terminate %s: %v", h.ID(), err)
		}
	}
}

// handleFor returns a started handle for the slot, creating one on
// first use. Degraded handles must pass a health probe before they get
// new work; terminated handles are replaced. A busy handle on a freshly
// acquired slot belongs to an abandoned invocation and is replaced too.
func (o *Orchestrator) handleFor(ctx context.Context, slotID string) (*agent.Handle, error) {
	o.mu.Lock()
	h, ok := o.handles[slotID]
	o.mu.Unlock()
	if ok {
		switch h.State() {
		case models.HandleDegraded:
			if err := h.Probe(ctx); err != nil {
				return nil, fmt.Errorf("%w: %s", agent.ErrHandleDegraded, slotID)
			}
			return h, nil
		case models.HandleTerminated, models.HandleBusy:
		default:
			return h, nil
		}
	}
	o.mu.Lock()
	delete(o.handles, slotID)
	o.mu.Unlock()

	h = agent.NewHandle("agent-"+slotID, o.newInvoker(slotID), o.handleCfg)
	if err := h.Start(ctx); err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.handles[slotID] = h
	o.mu.Unlock()
	return h, nil
}

func (o *Orchestrator) emit(ev Event) {
	o.emitter.Emit(ev)
}
