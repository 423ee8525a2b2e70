package models

import (
	"testing"
	"time"
)

func TestTaskStatus_Valid(t *testing.T) {
	valid := []TaskStatus{
		TaskStatusPending, TaskStatusReady, TaskStatusRunning,
		TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped,
	}
	for _, s := range valid {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if TaskStatus("bogus").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}
	open := []TaskStatus{TaskStatusPending, TaskStatusReady, TaskStatusRunning}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("expected %q to not be terminal", s)
		}
	}
}

func TestTask_Clone(t *testing.T) {
	started := time.Now()
	orig := &Task{
		ID:        "task-1",
		DependsOn: []string{"task-0"},
		StartedAt: &started,
	}
	c := orig.Clone()

	c.DependsOn[0] = "mutated"
	if orig.DependsOn[0] != "task-0" {
		t.Error("clone shares DependsOn slice with original")
	}

	*c.StartedAt = started.Add(time.Hour)
	if !orig.StartedAt.Equal(started) {
		t.Error("clone shares StartedAt pointer with original")
	}
}

func TestOutcome_Succeeded(t *testing.T) {
	o := Succeeded("done")
	if o.Kind() != OutcomeSucceeded {
		t.Errorf("expected kind succeeded, got %q", o.Kind())
	}
	if o.Result() != "done" {
		t.Errorf("expected result 'done', got %q", o.Result())
	}
	if o.Reason() != "" {
		t.Errorf("expected empty reason, got %q", o.Reason())
	}
	if o.Status() != TaskStatusSucceeded {
		t.Errorf("expected status succeeded, got %q", o.Status())
	}
}

func TestOutcome_Failed(t *testing.T) {
	o := Failed("boom")
	if o.Kind() != OutcomeFailed {
		t.Errorf("expected kind failed, got %q", o.Kind())
	}
	if o.Reason() != "boom" {
		t.Errorf("expected reason 'boom', got %q", o.Reason())
	}
	if o.Status() != TaskStatusFailed {
		t.Errorf("expected status failed, got %q", o.Status())
	}
}

func TestOutcome_Skipped(t *testing.T) {
	o := Skipped("upstream failure")
	if o.Kind() != OutcomeSkipped {
		t.Errorf("expected kind skipped, got %q", o.Kind())
	}
	if o.Status() != TaskStatusSkipped {
		t.Errorf("expected status skipped, got %q", o.Status())
	}
	if o.String() != "skipped: upstream failure" {
		t.Errorf("unexpected string: %q", o.String())
	}
}

func TestHealthStatus_OK(t *testing.T) {
	h := HealthStatus{Healthy: 3, Store: "ok", Worktrees: "ok"}
	if !h.OK() {
		t.Error("expected healthy status to be OK")
	}
	h.Degraded = 1
	if h.OK() {
		t.Error("expected degraded status to not be OK")
	}
	h.Degraded = 0
	h.Store = "disk full"
	if h.OK() {
		t.Error("expected store failure to not be OK")
	}
}
