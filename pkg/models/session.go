package models

import "time"

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	// SessionStatusActive indicates the session accepts tasks and may run.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusCompleted indicates every task reached a terminal state.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusFailed indicates the session aborted.
	SessionStatusFailed SessionStatus = "failed"
	// SessionStatusArchived indicates the session is retained for history
	// only and can no longer run.
	SessionStatusArchived SessionStatus = "archived"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusActive, SessionStatusCompleted,
		SessionStatusFailed, SessionStatusArchived:
		return true
	default:
		return false
	}
}

// Session groups a set of tasks under a single run.
type Session struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// HandleState represents the lifecycle state of an agent handle.
type HandleState string

const (
	HandleUninitialized HandleState = "uninitialized"
	HandleStarting      HandleState = "starting"
	HandleReady         HandleState = "ready"
	HandleBusy          HandleState = "busy"
	HandleDegraded      HandleState = "degraded"
	HandleTerminated    HandleState = "terminated"
)

// Valid returns true if the state is a known value.
func (s HandleState) Valid() bool {
	switch s {
	case HandleUninitialized, HandleStarting, HandleReady,
		HandleBusy, HandleDegraded, HandleTerminated:
		return true
	default:
		return false
	}
}

// HealthStatus summarizes a health check across the store, worktree
// provider, and agent handles. Store and Worktrees hold "ok" or the
// failure message.
type HealthStatus struct {
	Healthy   int               `json:"healthy"`
	Degraded  int               `json:"degraded"`
	Store     string            `json:"store"`
	Worktrees string            `json:"worktrees"`
	Handles   map[string]string `json:"handles"`
}

// OK returns true if no component reported a problem.
func (h HealthStatus) OK() bool {
	return h.Degraded == 0 && h.Store == "ok" && h.Worktrees == "ok"
}
