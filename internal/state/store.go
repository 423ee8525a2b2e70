package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/arbor-sh/arbor/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSessionActive is returned when archiving a session that has not
	// finished.
	ErrSessionActive = errors.New("session still active")
)

// Binding remembers which worktree a slot held for a session, so an
// interrupted run can clean up or reattach.
type Binding struct {
	SessionID    string
	SlotID       string
	WorktreeName string
	TaskID       string
}

// Store is the persistence surface used by the orchestrator.
type Store interface {
	io.Closer

	CreateSession(s *models.Session) error
	GetSession(id string) (*models.Session, error)
	UpdateSessionStatus(id string, status models.SessionStatus) error
	ArchiveSession(id string) error
	ListSessions() ([]*models.Session, error)

	SaveTask(t *models.Task) error
	SaveTasks(tasks []*models.Task) error
	GetTask(id string) (*models.Task, error)
	ListTasksBySession(sessionID string) ([]*models.Task, error)

	SaveBinding(b Binding) error
	ListBindings(sessionID string) ([]Binding, error)
	ClearBinding(sessionID, slotID string) error
	ClearBindings(sessionID string) error
}

var _ Store = (*DB)(nil)

// CreateSession inserts a new session row.
func (db *DB) CreateSession(s *models.Session) error {
	_, err := db.conn.Exec(`
		INSERT INTO sessions (id, name, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.Name, string(s.Status), formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads a session by ID.
func (db *DB) GetSession(id string) (*models.Session, error) {
	row := db.conn.QueryRow(`
		SELECT id, name, status, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// UpdateSessionStatus changes the session status and bumps updated_at.
func (db *DB) UpdateSessionStatus(id string, status models.SessionStatus) error {
	res, err := db.conn.Exec(`
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update session %s: %w", id, ErrNotFound)
	}
	return nil
}

// ArchiveSession marks a finished session archived. Active sessions
// cannot be archived.
func (db *DB) ArchiveSession(id string) error {
	res, err := db.conn.Exec(`
		UPDATE sessions SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(models.SessionStatusArchived), formatTime(time.Now()), id,
		string(models.SessionStatusCompleted), string(models.SessionStatusFailed))
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	if n > 0 {
		return nil
	}
	s, err := db.GetSession(id)
	if err != nil {
		return err
	}
	if s.Status == models.SessionStatusArchived {
		return nil
	}
	return fmt.Errorf("archive session %s: %w", id, ErrSessionActive)
}

// ListSessions returns all sessions, newest first.
func (db *DB) ListSessions() ([]*models.Session, error) {
	rows, err := db.conn.Query(`
		SELECT id, name, status, created_at, updated_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SaveTask upserts a task, assigning its position on first insert.
func (db *DB) SaveTask(t *models.Task) error {
	return db.saveTask(db.conn, t)
}

// SaveTasks upserts a batch of tasks in one transaction.
func (db *DB) SaveTasks(tasks []*models.Task) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	for _, t := range tasks {
		if err := db.saveTask(tx, t); err != nil {
			tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	return nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

func (db *DB) saveTask(ex execer, t *models.Task) error {
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("save task %s: marshal deps: %w", t.ID, err)
	}
	var position int
	err = ex.QueryRow(`
		SELECT COALESCE(MAX(position) + 1, 0) FROM tasks WHERE session_id = ?`,
		t.SessionID).Scan(&position)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}

	_, err = ex.Exec(`
		INSERT INTO tasks (id, session_id, name, description, status, depends_on,
			result, failure_reason, retry_count, context_id, position,
			created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			result = excluded.result,
			failure_reason = excluded.failure_reason,
			retry_count = excluded.retry_count,
			context_id = excluded.context_id,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		t.ID, t.SessionID, t.Name, t.Description, string(t.Status), string(deps),
		t.Result, t.FailureReason, t.RetryCount, t.ContextID, position,
		formatTime(t.CreatedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.FinishedAt))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads a task by ID.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.conn.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasksBySession returns the session's tasks in insertion order.
func (db *DB) ListTasksBySession(sessionID string) ([]*models.Task, error) {
	rows, err := db.conn.Query(taskSelect+` WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SaveBinding upserts a slot binding for the session.
func (db *DB) SaveBinding(b Binding) error {
	_, err := db.conn.Exec(`
		INSERT INTO bindings (session_id, slot_id, worktree_name, task_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id, slot_id) DO UPDATE SET
			worktree_name = excluded.worktree_name,
			task_id = excluded.task_id`,
		b.SessionID, b.SlotID, b.WorktreeName, b.TaskID)
	if err != nil {
		return fmt.Errorf("save binding: %w", err)
	}
	return nil
}

// ListBindings returns the session's slot bindings.
func (db *DB) ListBindings(sessionID string) ([]Binding, error) {
	rows, err := db.conn.Query(`
		SELECT session_id, slot_id, worktree_name, task_id
		FROM bindings WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var bindings []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.SessionID, &b.SlotID, &b.WorktreeName, &b.TaskID); err != nil {
			return nil, fmt.Errorf("list bindings: %w", err)
		}
		bindings = append(bindings, b)
	}
	return bindings, rows.Err()
}

// ClearBinding removes one slot binding.
func (db *DB) ClearBinding(sessionID, slotID string) error {
	_, err := db.conn.Exec(`
		DELETE FROM bindings WHERE session_id = ? AND slot_id = ?`, sessionID, slotID)
	if err != nil {
		return fmt.Errorf("clear binding: %w", err)
	}
	return nil
}

// ClearBindings removes all of the session's bindings.
func (db *DB) ClearBindings(sessionID string) error {
	_, err := db.conn.Exec(`DELETE FROM bindings WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("clear bindings: %w", err)
	}
	return nil
}

const taskSelect = `
	SELECT id, session_id, name, description, status, depends_on,
		result, failure_reason, retry_count, context_id,
		created_at, started_at, finished_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var status, createdAt, updatedAt string
	if err := row.Scan(&s.ID, &s.Name, &status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	var err error
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	var status, deps, createdAt string
	var startedAt, finishedAt sql.NullString
	if err := row.Scan(&t.ID, &t.SessionID, &t.Name, &t.Description, &status, &deps,
		&t.Result, &t.FailureReason, &t.RetryCount, &t.ContextID,
		&createdAt, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
		return nil, fmt.Errorf("unmarshal deps: %w", err)
	}
	var err error
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if t.FinishedAt, err = parseTimePtr(finishedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
