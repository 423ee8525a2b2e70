package scheduler

import "errors"

var (
	// ErrCycle is returned when adding tasks would create a dependency cycle.
	ErrCycle = errors.New("dependency cycle detected")
	// ErrUnknownDependency is returned when a task references a dependency
	// that does not exist in the session.
	ErrUnknownDependency = errors.New("unknown dependency")
	// ErrUnknownSession is returned for operations on a session the
	// scheduler has never seen.
	ErrUnknownSession = errors.New("unknown session")
	// ErrUnknownTask is returned for operations on a task the scheduler
	// has never seen.
	ErrUnknownTask = errors.New("unknown task")
	// ErrDuplicateSession is returned when a session ID is registered twice.
	ErrDuplicateSession = errors.New("duplicate session")
	// ErrInvalidTransition is returned when a task status change is not
	// allowed from its current state.
	ErrInvalidTransition = errors.New("invalid status transition")
)
