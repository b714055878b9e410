package cdc

import (
	"errors"
	"fmt"
	"time"
)

// ErrPositionExpired is returned by connectors when asked to stream from a
// position the source no longer retains.
var ErrPositionExpired = errors.New("resume position is no longer retained by the source")

// ConnectionError is a transient connectivity failure. Readers retry it with
// backoff.
type ConnectionError struct {
	Source string
	Op     string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error on %s during %s: %v", e.Source, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError means the source rejected the configured credentials.
type AuthError struct {
	Source string
	User   string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed on %s for user %q: %v", e.Source, e.User, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// SchemaIncompatibleError means a source row no longer matches the shape it
// is decoded into.
type SchemaIncompatibleError struct {
	Table  string
	Column string
	Reason string
}

func (e *SchemaIncompatibleError) Error() string {
	switch {
	case e.Table != "" && e.Column != "":
		return fmt.Sprintf("schema incompatible for %s.%s: %s", e.Table, e.Column, e.Reason)
	case e.Column != "":
		return fmt.Sprintf("schema incompatible for column %s: %s", e.Column, e.Reason)
	case e.Table != "":
		return fmt.Sprintf("schema incompatible for table %s: %s", e.Table, e.Reason)
	}
	return "schema incompatible: " + e.Reason
}

// SnapshotTimeoutError means not every participant reported its state for a
// snapshot epoch in time. The epoch is discarded; the job keeps running.
type SnapshotTimeoutError struct {
	JobID   string
	Epoch   uint64
	Missing int
	Timeout time.Duration
	Err     error
}

func (e *SnapshotTimeoutError) Error() string {
	msg := fmt.Sprintf("snapshot epoch %d of job %s incomplete after %s: %d participant(s) missing",
		e.Epoch, e.JobID, e.Timeout, e.Missing)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SnapshotTimeoutError) Unwrap() error { return e.Err }

// CheckpointCorruptError means a stored checkpoint cannot be trusted. A job
// hitting it on restore stays failed until its state is explicitly discarded.
type CheckpointCorruptError struct {
	JobID        string
	CheckpointID uint64
	Reason       string
}

func (e *CheckpointCorruptError) Error() string {
	return fmt.Sprintf("checkpoint %d of job %s is corrupt: %s", e.CheckpointID, e.JobID, e.Reason)
}

// IsFatal reports whether err must fail the job rather than be retried.
func IsFatal(err error) bool {
	var auth *AuthError
	var schema *SchemaIncompatibleError
	var corrupt *CheckpointCorruptError
	return errors.As(err, &auth) || errors.As(err, &schema) || errors.As(err, &corrupt)
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	var conn *ConnectionError
	var timeout *SnapshotTimeoutError
	return errors.As(err, &conn) || errors.As(err, &timeout)
}

// Kind names the error class of err for status reporting and metric labels.
func Kind(err error) string {
	var (
		conn    *ConnectionError
		auth    *AuthError
		schema  *SchemaIncompatibleError
		timeout *SnapshotTimeoutError
		corrupt *CheckpointCorruptError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &auth):
		return "AuthError"
	case errors.As(err, &schema):
		return "SchemaIncompatibleError"
	case errors.As(err, &corrupt):
		return "CheckpointCorruptError"
	case errors.As(err, &timeout):
		return "SnapshotTimeoutError"
	case errors.As(err, &conn):
		return "ConnectionError"
	}
	return "Error"
}
