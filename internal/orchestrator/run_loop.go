package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/arbor-sh/arbor/internal/agent"
	"github.com/arbor-sh/arbor/internal/pool"
	"github.com/arbor-sh/arbor/internal/state"
	"github.com/arbor-sh/arbor/pkg/models"
)

// completion is the result of one in-flight task arriving back at the
// run loop.
type completion struct {
	taskID string
	slot   *pool.Slot
	run    *agent.TaskRun
	err    error
}

// runLoop drives a session to completion. It dispatches eligible tasks
// into pool slots, collects completions, and detects stalls.
func (o *Orchestrator) runLoop(ctx context.Context, sessionID string) (*RunResult, error) {
	completionCh := make(chan completion, o.cfg.Concurrency)
	inflight := make(map[string]*pool.Slot)
	// queue holds tasks already marked ready that are waiting for a slot.
	var queue []*models.Task

	for {
		// Collect any finished tasks first so their slots free up
		// before dispatching.
	drain:
		for {
			select {
			case c := <-completionCh:
				delete(inflight, c.taskID)
				if err := o.complete(ctx, sessionID, c); err != nil {
					return o.abort(sessionID, err)
				}
			default:
				break drain
			}
		}

		for {
			task, err := o.sched.NextEligible(sessionID)
			if err != nil {
				return nil, err
			}
			if task == nil {
				break
			}
			queue = append(queue, task)
		}

		for len(queue) > 0 {
			task := queue[0]
			slot, err := o.pool.Acquire(ctx, o.acquireTimeout, task.ID)
			if err != nil {
				if len(inflight) > 0 {
					// A completion will free a slot; wait below.
					break
				}
				if ctx.Err() != nil {
					return o.shutdown(ctx, sessionID, inflight, completionCh)
				}
				return o.abort(sessionID, fmt.Errorf("dispatch %s: %w", task.ID, err))
			}
			queue = queue[1:]
			o.emit(Event{Type: EventSlotAcquired, SessionID: sessionID, TaskID: task.ID, SlotID: slot.ID})

			started, err := o.dispatch(ctx, sessionID, task, slot, completionCh)
			if err != nil {
				o.pool.Release(slot)
				return o.abort(sessionID, err)
			}
			if started {
				inflight[task.ID] = slot
			}
		}

		done, err := o.sched.IsSessionComplete(sessionID)
		if err != nil {
			return nil, err
		}
		if done && len(inflight) == 0 {
			return o.finish(sessionID)
		}

		if !done && len(queue) == 0 && len(inflight) == 0 {
			blocked, err := o.sched.BlockedByFailure(sessionID)
			if err != nil {
				return nil, err
			}
			if blocked {
				// Held dependents of a failed task. The session stays
				// active so the operator can intervene and resume.
				o.logger.Logf("session %s stalled on upstream failures, leaving active", sessionID)
				return o.result(sessionID, models.SessionStatusActive)
			}
			return o.abort(sessionID, fmt.Errorf("%w: session %s has unrunnable tasks", ErrSchedulingDeadlock, sessionID))
		}

		select {
		case <-ctx.Done():
			return o.shutdown(ctx, sessionID, inflight, completionCh)
		case c := <-completionCh:
			delete(inflight, c.taskID)
			if err := o.complete(ctx, sessionID, c); err != nil {
				return o.abort(sessionID, err)
			}
		case <-time.After(o.pollInterval):
		}
	}
}

// dispatch binds a worktree, starts the agent, and launches the task.
// Environmental failures fail the task and return started=false; only
// persistence errors are returned as fatal.
func (o *Orchestrator) dispatch(ctx context.Context, sessionID string, task *models.Task,
	slot *pool.Slot, ch chan<- completion) (bool, error) {

	failTask := func(reason string) (bool, error) {
		changed, err := o.sched.RecordOutcome(task.ID, models.Failed(reason))
		if err != nil {
			return false, err
		}
		if err := o.persistTasks(changed); err != nil {
			return false, err
		}
		o.emitOutcomes(sessionID, changed)
		o.releaseSlot(ctx, sessionID, slot)
		return false, nil
	}

	if err := o.pool.Bind(ctx, slot, task.ID, o.cfg.BaseBranch); err != nil {
		o.logger.Logf("bind %s for %s: %v", slot.ID, task.ID, err)
		return failTask(fmt.Sprintf("isolation setup failed: %v", err))
	}

	handle, err := o.handleFor(ctx, slot.ID)
	if err != nil {
		o.logger.Logf("handle for %s: %v", slot.ID, err)
		return failTask(fmt.Sprintf("agent unavailable: %v", err))
	}

	if err := o.sched.MarkRunning(task.ID, slot.ID); err != nil {
		return false, err
	}
	running, err := o.sched.Task(task.ID)
	if err != nil {
		return false, err
	}
	if err := o.persistTasks([]*models.Task{running}); err != nil {
		return false, err
	}
	if err := o.store.SaveBinding(state.Binding{
		SessionID:    sessionID,
		SlotID:       slot.ID,
		WorktreeName: task.ID,
		TaskID:       task.ID,
	}); err != nil {
		return false, fmt.Errorf("save binding: %w", err)
	}

	o.emit(Event{Type: EventTaskDispatched, SessionID: sessionID, TaskID: task.ID, SlotID: slot.ID})
	o.logger.Logf("dispatch %s on %s", task.ID, slot.ID)

	extra := map[string]string{}
	if slot.Worktree != nil {
		extra["workspace"] = slot.Worktree.Path
		extra["branch"] = slot.Worktree.Branch
	}
	go func() {
		run, err := handle.RunTask(ctx, running, extra)
		ch <- completion{taskID: running.ID, slot: slot, run: run, err: err}
	}()
	return true, nil
}

// complete records one finished task and frees its slot. Returns only
// fatal errors.
func (o *Orchestrator) complete(ctx context.Context, sessionID string, c completion) error {
	defer func() {
		o.store.ClearBinding(sessionID, c.slot.ID)
		o.releaseSlot(ctx, sessionID, c.slot)
	}()

	if c.err != nil {
		// Handle-level failure, usually cancellation. The task stays
		// running in the scheduler; resume will reset it.
		o.logger.Logf("task %s interrupted: %v", c.taskID, c.err)
		return nil
	}

	if err := o.sched.SetRetries(c.taskID, c.run.Retries()); err != nil {
		return err
	}
	changed, err := o.sched.RecordOutcome(c.taskID, c.run.Outcome)
	if err != nil {
		return err
	}
	if err := o.persistTasks(changed); err != nil {
		return err
	}
	o.emitOutcomes(sessionID, changed)
	o.logger.Logf("task %s %s after %d attempt(s)", c.taskID, c.run.Outcome.Kind(), c.run.Attempts)
	return nil
}

// shutdown drains in-flight tasks for the grace period, then abandons
// the stragglers and reclaims their slots. The session stays active for
// resume.
func (o *Orchestrator) shutdown(ctx context.Context, sessionID string,
	inflight map[string]*pool.Slot, ch <-chan completion) (*RunResult, error) {

	o.logger.Logf("session %s: canceled with %d in flight", sessionID, len(inflight))
	deadline := time.After(o.shutdownGrace)
	for len(inflight) > 0 {
		select {
		case c := <-ch:
			delete(inflight, c.taskID)
			if err := o.complete(ctx, sessionID, c); err != nil {
				o.logger.Logf("shutdown: %v", err)
			}
		case <-deadline:
			for _, info := range o.pool.Snapshot() {
				o.logger.Logf("slot %s still held by %s (worktree %s)", info.ID, info.Holder, info.Worktree)
			}
			// The run context is canceled; worktree teardown needs a
			// live context.
			cleanupCtx := context.Background()
			for taskID, slot := range inflight {
				o.logger.Logf("abandoning %s, reclaiming %s", taskID, slot.ID)
				o.store.ClearBinding(sessionID, slot.ID)
				o.dropHandle(slot.ID)
				o.releaseSlot(cleanupCtx, sessionID, slot)
				delete(inflight, taskID)
			}
		}
	}

	res, rerr := o.result(sessionID, models.SessionStatusActive)
	if rerr != nil {
		return nil, rerr
	}
	return res, ctx.Err()
}

// finish marks the session completed and builds the result.
func (o *Orchestrator) finish(sessionID string) (*RunResult, error) {
	if err := o.store.UpdateSessionStatus(sessionID, models.SessionStatusCompleted); err != nil {
		return o.abort(sessionID, fmt.Errorf("finish session: %w", err))
	}
	o.emit(Event{Type: EventSessionCompleted, SessionID: sessionID})
	return o.result(sessionID, models.SessionStatusCompleted)
}

// abort marks the session failed, best effort, and returns err.
func (o *Orchestrator) abort(sessionID string, err error) (*RunResult, error) {
	if uerr := o.store.UpdateSessionStatus(sessionID, models.SessionStatusFailed); uerr != nil {
		o.logger.Logf("abort %s: mark failed: %v", sessionID, uerr)
	}
	o.emit(Event{Type: EventSessionFailed, SessionID: sessionID, Message: err.Error()})
	return nil, err
}

// releaseSlot tears down the slot's worktree and returns it to the pool.
func (o *Orchestrator) releaseSlot(ctx context.Context, sessionID string, slot *pool.Slot) {
	if err := o.pool.Unbind(ctx, slot, true); err != nil {
		o.logger.Logf("unbind %s: %v", slot.ID, err)
	}
	if err := o.pool.Release(slot); err != nil {
		o.logger.Logf("release %s: %v", slot.ID, err)
		return
	}
	o.emit(Event{Type: EventSlotReleased, SessionID: sessionID, SlotID: slot.ID})
}

// persistTasks writes task snapshots to the store. Any error here is
// fatal to the session.
func (o *Orchestrator) persistTasks(tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if err := o.store.SaveTasks(tasks); err != nil {
		return fmt.Errorf("persist tasks: %w", err)
	}
	return nil
}

func (o *Orchestrator) emitOutcomes(sessionID string, tasks []*models.Task) {
	for _, t := range tasks {
		var typ EventType
		switch t.Status {
		case models.TaskStatusSucceeded:
			typ = EventTaskSucceeded
		case models.TaskStatusFailed:
			typ = EventTaskFailed
		case models.TaskStatusSkipped:
			typ = EventTaskSkipped
		default:
			continue
		}
		o.emit(Event{Type: typ, SessionID: sessionID, TaskID: t.ID, Message: t.FailureReason})
	}
}

// result snapshots the session's tasks into a RunResult.
func (o *Orchestrator) result(sessionID string, status models.SessionStatus) (*RunResult, error) {
	tasks, err := o.sched.Snapshot(sessionID)
	if err != nil {
		return nil, err
	}
	return newRunResult(sessionID, status, tasks), nil
}
