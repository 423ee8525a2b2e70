package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting on its dependencies.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusReady indicates all dependencies are resolved and the task
	// has been handed to the orchestrator for dispatch.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusRunning indicates an agent is executing the task.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSucceeded indicates the task completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusSkipped indicates the task was skipped, usually because an
	// upstream dependency failed.
	TaskStatusSkipped TaskStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusReady, TaskStatusRunning,
		TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is a terminal state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Task represents a unit of work in the system.
type Task struct {
	// ID is the unique identifier for this task within its session.
	ID string `json:"id"`
	// SessionID is the ID of the session that owns this task.
	SessionID string `json:"session_id"`
	// Name is the short human label for the task.
	Name string `json:"name"`
	// Description is the full instruction sent to the agent.
	Description string `json:"description"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// DependsOn lists task IDs that must resolve before this task runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// Result contains the agent output. Present only when succeeded.
	Result string `json:"result,omitempty"`
	// FailureReason contains the error message. Present only when failed
	// or skipped.
	FailureReason string `json:"failure_reason,omitempty"`
	// RetryCount is the number of retried invocation attempts.
	RetryCount int `json:"retry_count,omitempty"`
	// ContextID is the context slot the task was assigned to.
	ContextID string `json:"context_id,omitempty"`
	// CreatedAt is when the task was added to the session.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the task was dispatched, if it was.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// FinishedAt is when the task reached a terminal state, if it did.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.StartedAt != nil {
		started := *t.StartedAt
		c.StartedAt = &started
	}
	if t.FinishedAt != nil {
		finished := *t.FinishedAt
		c.FinishedAt = &finished
	}
	return &c
}
