package scheduler

import (
	"errors"
	"testing"

	"github.com/arbor-sh/arbor/pkg/models"
)

func newTestScheduler(t *testing.T, policy Policy) *Scheduler {
	t.Helper()
	s := New(policy)
	if err := s.AddSession("sess"); err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}
	return s
}

func TestScheduler_AddTask_UnknownDependency(t *testing.T) {
	s := newTestScheduler(t, Policy{})
	_, err := s.AddTask("sess", TaskSpec{Name: "a", DependsOn: []string{"nope"}})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("expected ErrUnknownDependency, got %v", err)
	}
	snap, _ := s.Snapshot("sess")
	if len(snap) != 0 {
		t.Errorf("rejected task should not be in graph, got %d tasks", len(snap))
	}
}

func TestScheduler_AddTask_SelfDependency(t *testing.T) {
	s := newTestScheduler(t, Policy{})
	_, err := s.AddTask("sess", TaskSpec{Name: "a", DependsOn: []string{"a"}})
	if !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}
}

func TestScheduler_AddTasks_CycleRejectedAtomically(t *testing.T) {
	s := newTestScheduler(t, Policy{})
	ok, err := s.AddTask("sess", TaskSpec{Name: "base"})
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	_, err = s.AddTasks("sess", []TaskSpec{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	})
	if !errors.Is(err, ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}

	snap, _ := s.Snapshot("sess")
	if len(snap) != 1 || snap[0].ID != ok {
		t.Errorf("cyclic batch should leave graph untouched, got %d tasks", len(snap))
	}
}

func TestScheduler_AddTasks_BatchNameReferences(t *testing.T) {
	s := newTestScheduler(t, Policy{})
	ids, err := s.AddTasks("sess", []TaskSpec{
		{Name: "build"},
		{Name: "test", DependsOn: []string{"build"}},
	})
	if err != nil {
		t.Fatalf("AddTasks failed: %v", err)
	}
	task, err := s.Task(ids[1])
	if err != nil {
		t.Fatalf("Task failed: %v", err)
	}
	if len(task.DependsOn) != 1 || task.DependsOn[0] != ids[0] {
		t.Errorf("expected name reference to resolve to %s, got %v", ids[0], task.DependsOn)
	}
}

func TestScheduler_NextEligible_InsertionOrder(t *testing.T) {
	s := newTestScheduler(t, Policy{})
	first, _ := s.AddTask("sess", TaskSpec{Name: "first"})
	second, _ := s.AddTask("sess", TaskSpec{Name: "second"})

	got, err := s.NextEligible("sess")
	if err != nil {
		t.Fatalf("NextEligible failed: %v", err)
	}
	if got.ID != first {
		t.Errorf("expected oldest task %s first, got %s", first, got.ID)
	}
	got, _ = s.NextEligible("sess")
	if got.ID != second {
		t.Errorf("expected second task %s, got %s", second, got.ID)
	}
	got, _ = s.NextEligible("sess")
	if got != nil {
		t.Errorf("expected nil when nothing eligible, got %v", got)
	}
}

func TestScheduler_NextEligible_MarksReady(t *testing.T) {
	s := newTestScheduler(t, Policy{})
	id, _ := s.AddTask("sess", TaskSpec{Name: "a"})

	got, _ := s.NextEligible("sess")
	if got.Status != models.TaskStatusReady {
		t.Errorf("expected returned task ready, got %s", got.Status)
	}
	stored, _ := s.Task(id)
	if stored.Status != models.TaskStatusReady {
		t.Errorf("expected stored task ready, got %s", stored.Status)
	}
}

func TestScheduler_NextEligible_WaitsForDependencies(t *testing.T) {
	s := newTestScheduler(t, Policy{})
	dep, _ := s.AddTask("sess", TaskSpec{Name: "dep"})
	_, _ = s.AddTask("sess", TaskSpec{Name: "child", DependsOn: []string{dep}})

	got, _ := s.NextEligible("sess")
	if got.ID != dep {
		t.Fatalf("expected dep task, got %s", got.ID)
	}
	if next, _ := s.NextEligible("sess"); next != nil {
		t.Errorf("child should not be eligible before dep resolves, got %s", next.ID)
	}

	if err := s.MarkRunning(dep, "slot-0"); err != nil {
		t.Fatalf("MarkRunning failed: %v", err)
	}
	if next, _ := s.NextEligible("sess"); next != nil {
		t.Errorf("child should not be eligible while dep is running")
	}

	if _, err := s.RecordOutcome(dep, models.Succeeded("ok")); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	next, _ := s.NextEligible("sess")
	if next == nil || next.Name != "child" {
		t.Errorf("child should be eligible after dep succeeds, got %v", next)
	}
}

func TestScheduler_RecordOutcome_SkipsDependentsTransitively(t *testing.T) {
	s := newTestScheduler(t, Policy{OnUpstreamFailure: SkipDependents})
	a, _ := s.AddTask("sess", TaskSpec{Name: "a"})
	b, _ := s.AddTask("sess", TaskSpec{Name: "b", DependsOn: []string{a}})
	c, _ := s.AddTask("sess", TaskSpec{Name: "c", DependsOn: []string{b}})
	d, _ := s.AddTask("sess", TaskSpec{Name: "d"})

	next, _ := s.NextEligible("sess")
	if next.ID != a {
		t.Fatalf("expected a first, got %s", next.ID)
	}
	s.MarkRunning(a, "slot-0")

	changed, err := s.RecordOutcome(a, models.Failed("boom"))
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if len(changed) != 3 {
		t.Fatalf("expected 3 changed tasks (a, b, c), got %d", len(changed))
	}

	for _, id := range []string{b, c} {
		task, _ := s.Task(id)
		if task.Status != models.TaskStatusSkipped {
			t.Errorf("expected %s skipped, got %s", id, task.Status)
		}
		if task.FailureReason == "" {
			t.Errorf("expected skip reason on %s", id)
		}
	}

	// The independent task is untouched and still runnable.
	task, _ := s.Task(d)
	if task.Status != models.TaskStatusPending {
		t.Errorf("expected d pending, got %s", task.Status)
	}
	done, _ := s.IsSessionComplete("sess")
	if done {
		t.Error("session should not be complete while d is pending")
	}
}

func TestScheduler_RecordOutcome_HoldPolicyLeavesDependentsPending(t *testing.T) {
	s := newTestScheduler(t, Policy{OnUpstreamFailure: HoldDependents})
	a, _ := s.AddTask("sess", TaskSpec{Name: "a"})
	b, _ := s.AddTask("sess", TaskSpec{Name: "b", DependsOn: []string{a}})

	s.NextEligible("sess")
	s.MarkRunning(a, "slot-0")
	changed, _ := s.RecordOutcome(a, models.Failed("boom"))
	if len(changed) != 1 {
		t.Errorf("expected only the failed task to change, got %d", len(changed))
	}

	task, _ := s.Task(b)
	if task.Status != models.TaskStatusPending {
		t.Errorf("expected b to stay pending, got %s", task.Status)
	}
	blocked, _ := s.BlockedByFailure("sess")
	if !blocked {
		t.Error("expected session to report blocked by failure")
	}
}

func TestScheduler_SkippedSatisfies(t *testing.T) {
	s := newTestScheduler(t, Policy{OnUpstreamFailure: SkipDependents, SkippedSatisfies: true})
	a, _ := s.AddTask("sess", TaskSpec{Name: "a"})
	b, _ := s.AddTask("sess", TaskSpec{Name: "b", DependsOn: []string{a}})

	s.NextEligible("sess")
	if _, err := s.RecordOutcome(a, models.Skipped("operator request")); err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}

	next, _ := s.NextEligible("sess")
	if next == nil || next.ID != b {
		t.Errorf("skipped dependency should satisfy b, got %v", next)
	}
}

func TestScheduler_MarkRunning_RequiresReady(t *testing.T) {
	s := newTestScheduler(t, Policy{})
	id, _ := s.AddTask("sess", TaskSpec{Name: "a"})
	err := s.MarkRunning(id, "slot-0")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for pending task, got %v", err)
	}
}

func TestScheduler_RecordOutcome_RejectsTerminalTask(t *testing.T) {
	s := newTestScheduler(t, Policy{})
	id, _ := s.AddTask("sess", TaskSpec{Name: "a"})
	s.NextEligible("sess")
	s.MarkRunning(id, "slot-0")
	if _, err := s.RecordOutcome(id, models.Succeeded("ok")); err != nil {
		t.Fatalf("first RecordOutcome failed: %v", err)
	}
	_, err := s.RecordOutcome(id, models.Failed("late"))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition on second outcome, got %v", err)
	}
}

func TestScheduler_SetRetries(t *testing.T) {
	s := newTestScheduler(t, Policy{})
	id, _ := s.AddTask("sess", TaskSpec{Name: "a"})
	if err := s.SetRetries(id, 2); err != nil {
		t.Fatalf("SetRetries failed: %v", err)
	}
	task, _ := s.Task(id)
	if task.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", task.RetryCount)
	}
}

func TestScheduler_IsSessionComplete(t *testing.T) {
	s := newTestScheduler(t, Policy{})
	id, _ := s.AddTask("sess", TaskSpec{Name: "a"})
	done, _ := s.IsSessionComplete("sess")
	if done {
		t.Error("session with pending task should not be complete")
	}
	s.NextEligible("sess")
	s.MarkRunning(id, "slot-0")
	s.RecordOutcome(id, models.Succeeded("ok"))
	done, _ = s.IsSessionComplete("sess")
	if !done {
		t.Error("session with all terminal tasks should be complete")
	}
}

func TestScheduler_Load_ResetsRunningTasks(t *testing.T) {
	s := New(Policy{})
	tasks := []*models.Task{
		{ID: "task-aaa", SessionID: "sess", Name: "a", Status: models.TaskStatusSucceeded},
		{ID: "task-bbb", SessionID: "sess", Name: "b", Status: models.TaskStatusRunning,
			DependsOn: []string{"task-aaa"}, ContextID: "slot-1"},
	}
	if err := s.Load("sess", tasks); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	task, _ := s.Task("task-bbb")
	if task.Status != models.TaskStatusPending {
		t.Errorf("expected running task reset to pending, got %s", task.Status)
	}
	if task.ContextID != "" {
		t.Errorf("expected context cleared, got %q", task.ContextID)
	}

	next, _ := s.NextEligible("sess")
	if next == nil || next.ID != "task-bbb" {
		t.Errorf("expected reset task to be eligible, got %v", next)
	}
}

func TestScheduler_Load_RejectsMissingDependency(t *testing.T) {
	s := New(Policy{})
	err := s.Load("sess", []*models.Task{
		{ID: "task-bbb", SessionID: "sess", Status: models.TaskStatusPending, DependsOn: []string{"gone"}},
	})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Errorf("expected ErrUnknownDependency, got %v", err)
	}
}

func TestScheduler_Load_FailureLeavesNoState(t *testing.T) {
	s := New(Policy{})
	err := s.Load("sess", []*models.Task{
		{ID: "task-ok", SessionID: "sess", Status: models.TaskStatusPending},
		{ID: "task-bad", SessionID: "sess", Status: models.TaskStatusPending, DependsOn: []string{"gone"}},
	})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("expected ErrUnknownDependency, got %v", err)
	}

	// Nothing from the rejected load may be reachable afterwards.
	if _, err := s.Task("task-ok"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask after failed load, got %v", err)
	}
	if err := s.MarkRunning("task-ok", "slot-0"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask after failed load, got %v", err)
	}

	// A corrected load of the same session is not a duplicate.
	if err := s.Load("sess", []*models.Task{
		{ID: "task-ok", SessionID: "sess", Status: models.TaskStatusPending},
	}); err != nil {
		t.Errorf("corrected load failed: %v", err)
	}
}

func TestScheduler_UnknownSessionAndTask(t *testing.T) {
	s := New(Policy{})
	if _, err := s.NextEligible("missing"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
	if err := s.MarkRunning("missing", "slot-0"); !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}
