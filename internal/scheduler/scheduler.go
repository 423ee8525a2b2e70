package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbor-sh/arbor/pkg/models"
)

// UpstreamFailurePolicy controls what happens to tasks whose dependency
// failed.
type UpstreamFailurePolicy string

const (
	// SkipDependents marks every transitive dependent of a failed task as
	// skipped so the session can still drain.
	SkipDependents UpstreamFailurePolicy = "skip"
	// HoldDependents leaves dependents pending. They will never become
	// eligible, but the session is not treated as deadlocked.
	HoldDependents UpstreamFailurePolicy = "hold"
)

// Policy configures how the scheduler resolves dependencies.
type Policy struct {
	// OnUpstreamFailure selects the cascade behavior for failed
	// dependencies. Defaults to SkipDependents.
	OnUpstreamFailure UpstreamFailurePolicy
	// SkippedSatisfies treats a skipped dependency as resolved rather
	// than blocking. Off by default.
	SkippedSatisfies bool
}

// TaskSpec describes a task to add in a batch. DependsOn entries may
// reference existing task IDs or the Name of another spec in the same
// batch.
type TaskSpec struct {
	Name        string
	Description string
	DependsOn   []string
}

// Scheduler tracks task dependency graphs per session and decides which
// task runs next. All methods are safe for concurrent use.
type Scheduler struct {
	mu       sync.Mutex
	sessions map[string]*sessionGraph
	// taskIndex maps task ID to owning session ID.
	taskIndex map[string]string
	policy    Policy
}

type sessionGraph struct {
	tasks map[string]*models.Task
	// order preserves insertion order for the eligibility tie-break.
	order []string
	// dependents is the reverse adjacency, dep ID -> dependent IDs.
	dependents map[string][]string
}

// New creates a scheduler with the given policy.
func New(policy Policy) *Scheduler {
	if policy.OnUpstreamFailure == "" {
		policy.OnUpstreamFailure = SkipDependents
	}
	return &Scheduler{
		sessions:  make(map[string]*sessionGraph),
		taskIndex: make(map[string]string),
		policy:    policy,
	}
}

// AddSession registers an empty graph for the session.
func (s *Scheduler) AddSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}
	s.sessions[sessionID] = &sessionGraph{
		tasks:      make(map[string]*models.Task),
		dependents: make(map[string][]string),
	}
	return nil
}

// AddTask adds a single task whose dependencies must already exist in
// the session. Returns the generated task ID.
func (s *Scheduler) AddTask(sessionID string, spec TaskSpec) (string, error) {
	ids, err := s.AddTasks(sessionID, []TaskSpec{spec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// AddTasks adds a batch of tasks atomically. Specs may depend on each
// other by name, so a cyclic batch is rejected as a whole and the
// session graph is left untouched.
func (s *Scheduler) AddTasks(sessionID string, specs []TaskSpec) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	// Assign IDs up front so intra-batch name references can resolve.
	ids := make([]string, len(specs))
	byName := make(map[string]string, len(specs))
	for i, spec := range specs {
		ids[i] = newTaskID()
		if spec.Name != "" {
			byName[spec.Name] = ids[i]
		}
	}

	// Resolve dependencies against existing tasks and batch names.
	resolved := make([][]string, len(specs))
	for i, spec := range specs {
		deps := make([]string, 0, len(spec.DependsOn))
		for _, ref := range spec.DependsOn {
			switch {
			case g.tasks[ref] != nil:
				deps = append(deps, ref)
			case byName[ref] != "":
				deps = append(deps, byName[ref])
			default:
				return nil, fmt.Errorf("%w: task %q depends on %q", ErrUnknownDependency, spec.Name, ref)
			}
		}
		resolved[i] = deps
	}

	if hasCycle(g, ids, resolved) {
		return nil, fmt.Errorf("%w: batch of %d tasks", ErrCycle, len(specs))
	}

	now := time.Now()
	for i, spec := range specs {
		task := &models.Task{
			ID:          ids[i],
			SessionID:   sessionID,
			Name:        spec.Name,
			Description: spec.Description,
			Status:      models.TaskStatusPending,
			DependsOn:   resolved[i],
			CreatedAt:   now,
		}
		g.tasks[task.ID] = task
		g.order = append(g.order, task.ID)
		for _, dep := range resolved[i] {
			g.dependents[dep] = append(g.dependents[dep], task.ID)
		}
		s.taskIndex[task.ID] = sessionID
	}
	return ids, nil
}

// hasCycle runs DFS coloring over the session graph extended with the
// candidate batch. Colors: 0 white, 1 gray, 2 black.
func hasCycle(g *sessionGraph, ids []string, resolved [][]string) bool {
	deps := make(map[string][]string, len(g.tasks)+len(ids))
	for id, task := range g.tasks {
		deps[id] = task.DependsOn
	}
	for i, id := range ids {
		deps[id] = resolved[i]
	}

	colors := make(map[string]int, len(deps))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch colors[id] {
		case 1:
			return true
		case 2:
			return false
		}
		colors[id] = 1
		for _, dep := range deps[id] {
			if visit(dep) {
				return true
			}
		}
		colors[id] = 2
		return false
	}

	for id := range deps {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// NextEligible returns the oldest pending task whose dependencies are
// all resolved, marking it ready. Returns nil when nothing is eligible.
func (s *Scheduler) NextEligible(sessionID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	for _, id := range g.order {
		task := g.tasks[id]
		if task.Status != models.TaskStatusPending {
			continue
		}
		if s.depsResolvedLocked(g, task) {
			task.Status = models.TaskStatusReady
			return task.Clone(), nil
		}
	}
	return nil, nil
}

// depsResolvedLocked reports whether every dependency of the task has
// resolved favorably. Caller holds s.mu.
func (s *Scheduler) depsResolvedLocked(g *sessionGraph, task *models.Task) bool {
	for _, dep := range task.DependsOn {
		d := g.tasks[dep]
		switch d.Status {
		case models.TaskStatusSucceeded:
		case models.TaskStatusSkipped:
			if !s.policy.SkippedSatisfies {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// MarkRunning transitions a ready task to running and records the
// context it was assigned.
func (s *Scheduler) MarkRunning(taskID, contextID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, _, err := s.lookupLocked(taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusReady {
		return fmt.Errorf("%w: %s is %s, want ready", ErrInvalidTransition, taskID, task.Status)
	}
	now := time.Now()
	task.Status = models.TaskStatusRunning
	task.ContextID = contextID
	task.StartedAt = &now
	return nil
}

// SetRetries records the retry count observed while running the task.
func (s *Scheduler) SetRetries(taskID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, _, err := s.lookupLocked(taskID)
	if err != nil {
		return err
	}
	task.RetryCount = n
	return nil
}

// RecordOutcome finalizes a task. When the outcome is a failure and the
// policy skips dependents, every transitive dependent still pending is
// skipped as well. Returns copies of all tasks that changed.
func (s *Scheduler) RecordOutcome(taskID string, outcome models.Outcome) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, g, err := s.lookupLocked(taskID)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case models.TaskStatusReady, models.TaskStatusRunning:
	default:
		return nil, fmt.Errorf("%w: %s is %s, want ready or running", ErrInvalidTransition, taskID, task.Status)
	}

	now := time.Now()
	task.Status = outcome.Status()
	task.Result = outcome.Result()
	task.FailureReason = outcome.Reason()
	task.FinishedAt = &now

	changed := []*models.Task{task.Clone()}

	blocking := task.Status == models.TaskStatusFailed ||
		(task.Status == models.TaskStatusSkipped && !s.policy.SkippedSatisfies)
	if blocking && s.policy.OnUpstreamFailure == SkipDependents {
		changed = append(changed, s.skipDependentsLocked(g, task.ID, now)...)
	}
	return changed, nil
}

// skipDependentsLocked walks the reverse adjacency from the failed task
// and skips every pending dependent. Caller holds s.mu.
func (s *Scheduler) skipDependentsLocked(g *sessionGraph, rootID string, now time.Time) []*models.Task {
	var changed []*models.Task
	queue := append([]string(nil), g.dependents[rootID]...)
	seen := map[string]bool{rootID: true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		dep := g.tasks[id]
		if dep.Status == models.TaskStatusPending {
			finished := now
			dep.Status = models.TaskStatusSkipped
			dep.FailureReason = fmt.Sprintf("upstream failure: %s", rootID)
			dep.FinishedAt = &finished
			changed = append(changed, dep.Clone())
		}
		queue = append(queue, g.dependents[id]...)
	}
	return changed
}

// IsSessionComplete reports whether every task in the session is terminal.
func (s *Scheduler) IsSessionComplete(sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	for _, task := range g.tasks {
		if !task.Status.Terminal() {
			return false, nil
		}
	}
	return true, nil
}

// BlockedByFailure reports whether every non-terminal task in the
// session transitively depends on a failed or blocking-skipped task.
// Used to tell a policy hold apart from a genuine deadlock.
func (s *Scheduler) BlockedByFailure(sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.sessions[sessionID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	any := false
	for _, task := range g.tasks {
		if task.Status.Terminal() {
			continue
		}
		any = true
		if !s.blockedLocked(g, task, map[string]bool{}) {
			return false, nil
		}
	}
	return any, nil
}

// blockedLocked reports whether a task can never become eligible because
// some transitive dependency terminated unfavorably. Caller holds s.mu.
func (s *Scheduler) blockedLocked(g *sessionGraph, task *models.Task, seen map[string]bool) bool {
	if seen[task.ID] {
		return false
	}
	seen[task.ID] = true
	for _, dep := range task.DependsOn {
		d := g.tasks[dep]
		switch d.Status {
		case models.TaskStatusFailed:
			return true
		case models.TaskStatusSkipped:
			if !s.policy.SkippedSatisfies {
				return true
			}
		case models.TaskStatusSucceeded:
		default:
			if s.blockedLocked(g, d, seen) {
				return true
			}
		}
	}
	return false
}

// Snapshot returns copies of the session's tasks in insertion order.
func (s *Scheduler) Snapshot(sessionID string) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	out := make([]*models.Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].Clone())
	}
	return out, nil
}

// Task returns a copy of a single task.
func (s *Scheduler) Task(taskID string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, _, err := s.lookupLocked(taskID)
	if err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// Load rebuilds a session graph from persisted tasks, for resuming an
// interrupted run. Tasks found running or ready are reset to pending so
// they get dispatched again. Tasks must arrive in their original
// insertion order.
func (s *Scheduler) Load(sessionID string, tasks []*models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sessionID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, sessionID)
	}
	g := &sessionGraph{
		tasks:      make(map[string]*models.Task, len(tasks)),
		dependents: make(map[string][]string),
	}
	for _, t := range tasks {
		c := t.Clone()
		switch c.Status {
		case models.TaskStatusRunning, models.TaskStatusReady:
			c.Status = models.TaskStatusPending
			c.ContextID = ""
			c.StartedAt = nil
		}
		g.tasks[c.ID] = c
		g.order = append(g.order, c.ID)
		for _, dep := range c.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], c.ID)
		}
	}
	// Validate before touching scheduler state so a bad load leaves no
	// trace behind.
	for _, t := range g.tasks {
		for _, dep := range t.DependsOn {
			if g.tasks[dep] == nil {
				return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, t.ID, dep)
			}
		}
	}
	for _, id := range g.order {
		s.taskIndex[id] = sessionID
	}
	s.sessions[sessionID] = g
	return nil
}

// lookupLocked resolves a task ID to its task and graph. Caller holds s.mu.
func (s *Scheduler) lookupLocked(taskID string) (*models.Task, *sessionGraph, error) {
	sessionID, ok := s.taskIndex[taskID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	g := s.sessions[sessionID]
	return g.tasks[taskID], g, nil
}

func newTaskID() string {
	return "task-" + uuid.New().String()[:8]
}
