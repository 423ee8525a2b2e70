package models

import "fmt"

// OutcomeKind discriminates the variants of Outcome.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeFailed    OutcomeKind = "failed"
	OutcomeSkipped   OutcomeKind = "skipped"
)

// Outcome is the terminal result of a task. It is a closed variant:
// construct one with Succeeded, Failed, or Skipped.
type Outcome struct {
	kind   OutcomeKind
	result string
	reason string
}

// Succeeded returns an outcome carrying the agent result.
func Succeeded(result string) Outcome {
	return Outcome{kind: OutcomeSucceeded, result: result}
}

// Failed returns an outcome carrying a failure reason.
func Failed(reason string) Outcome {
	return Outcome{kind: OutcomeFailed, reason: reason}
}

// Skipped returns an outcome carrying the reason the task never ran.
func Skipped(reason string) Outcome {
	return Outcome{kind: OutcomeSkipped, reason: reason}
}

// Kind returns the variant of the outcome.
func (o Outcome) Kind() OutcomeKind { return o.kind }

// Result returns the agent result. Empty unless the outcome succeeded.
func (o Outcome) Result() string { return o.result }

// Reason returns the failure or skip reason. Empty for success.
func (o Outcome) Reason() string { return o.reason }

// Status maps the outcome to the corresponding task status.
func (o Outcome) Status() TaskStatus {
	switch o.kind {
	case OutcomeSucceeded:
		return TaskStatusSucceeded
	case OutcomeFailed:
		return TaskStatusFailed
	case OutcomeSkipped:
		return TaskStatusSkipped
	default:
		return TaskStatusPending
	}
}

func (o Outcome) String() string {
	switch o.kind {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return fmt.Sprintf("failed: %s", o.reason)
	case OutcomeSkipped:
		return fmt.Sprintf("skipped: %s", o.reason)
	default:
		return "unknown"
	}
}
