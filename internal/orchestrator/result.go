package orchestrator

import "github.com/arbor-sh/arbor/pkg/models"

// RunResult summarizes a session run.
type RunResult struct {
	SessionID string
	Status    models.SessionStatus
	Tasks     []*models.Task

	Succeeded int
	Failed    int
	Skipped   int
	Remaining int
}

func newRunResult(sessionID string, status models.SessionStatus, tasks []*models.Task) *RunResult {
	r := &RunResult{SessionID: sessionID, Status: status, Tasks: tasks}
	for _, t := range tasks {
		switch t.Status {
		case models.TaskStatusSucceeded:
			r.Succeeded++
		case models.TaskStatusFailed:
			r.Failed++
		case models.TaskStatusSkipped:
			r.Skipped++
		default:
			r.Remaining++
		}
	}
	return r
}

// AllSucceeded reports whether every task succeeded.
func (r *RunResult) AllSucceeded() bool {
	return r.Failed == 0 && r.Skipped == 0 && r.Remaining == 0
}
