package job

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of a job.
type Status int

const (
	NotRunning Status = iota
	Running
	Suspended // A snapshot epoch is in flight
	Restarting
	Failed
	Completed
)

var statusNames = [...]string{
	NotRunning: "NOT_RUNNING",
	Running:    "RUNNING",
	Suspended:  "SUSPENDED",
	Restarting: "RESTARTING",
	Failed:     "FAILED",
	Completed:  "COMPLETED",
}

// AllStatuses lists every status in declaration order.
var AllStatuses = []Status{NotRunning, Running, Suspended, Restarting, Failed, Completed}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText renders the status name in JSON and logs.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseStatus is the inverse of String.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return NotRunning, fmt.Errorf("unknown job status %q", name)
}

// Live reports whether an execution may be running in this status.
func (s Status) Live() bool {
	return s == Running || s == Suspended || s == Restarting
}

// Terminal reports whether the current execution has ended for good. Only
// an explicit restart leaves a terminal status.
func (s Status) Terminal() bool {
	return s == Failed || s == Completed
}

var (
	// ErrInvalidTransition is returned for a lifecycle operation the job's
	// current status does not allow.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrCancelled is the failure cause of a cancelled job.
	ErrCancelled = errors.New("job cancelled")

	// ErrDiscardRequired is returned by Restart when the job failed on a
	// corrupt checkpoint. Only RestartDiscardingState can recover it.
	ErrDiscardRequired = errors.New("checkpoint is corrupt, restart requires discarding state")
)

// transitions lists the allowed next statuses for each status.
var transitions = map[Status][]Status{
	NotRunning: {Running, Restarting, Failed},
	Running:    {Suspended, Restarting, Failed, Completed, NotRunning},
	Suspended:  {Running, Restarting, Failed, Completed, NotRunning},
	Restarting: {Running, Failed, NotRunning},
	Failed:     {Restarting},
	Completed:  {Restarting},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionError describes a rejected lifecycle step.
type TransitionError struct {
	JobID string
	From  Status
	To    Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s cannot move from %s to %s", e.JobID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
