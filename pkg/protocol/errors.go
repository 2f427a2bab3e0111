package protocol

import "fmt"

// Error kinds observable to clients. Batch operations return these per-target
// alongside successes; whole-operation failures surface them at the top level.
// Match with errors.As.

// NotFoundError reports an unknown session, agent, team, lock, manager, or
// subscription.
type NotFoundError struct {
	What string // entity kind, e.g. "session", "agent"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.Key)
}

// NameConflictError reports a duplicate registration of a unique-named entity.
type NameConflictError struct {
	Name string
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("name already in use: %s", e.Name)
}

// InvalidArgumentError reports a schema or value violation.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// LockedByError reports a write refused because a peer agent holds the lock.
type LockedByError struct {
	Owner string
}

func (e *LockedByError) Error() string {
	return fmt.Sprintf("session locked by %q", e.Owner)
}

// NotOwnerError reports a release or modify attempted by a non-owner.
type NotOwnerError struct {
	Session string
	Caller  string
}

func (e *NotOwnerError) Error() string {
	return fmt.Sprintf("%q does not own the lock on session %s", e.Caller, e.Session)
}

// ResolutionError reports a target descriptor that could not be resolved.
type ResolutionError struct {
	Descriptor string
	Reason     string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve target %s: %s", e.Descriptor, e.Reason)
}

// CycleError reports a dependency cycle in a submitted plan.
// Path holds the step ids along the cycle, first id repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("plan has a dependency cycle: %v", e.Path)
}

// TimeoutError reports a deadline that passed.
type TimeoutError struct {
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out: %s", e.Operation)
}

// CancelledError reports a caller-cancelled operation.
type CancelledError struct {
	Operation string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("operation cancelled: %s", e.Operation)
}

// DriverError wraps a terminal driver failure. The kernel does not retry
// driver errors except as part of plan step retries.
type DriverError struct {
	Kind string // e.g. "write", "read", "split", "close"
	Err  error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("terminal driver %s failed: %v", e.Kind, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// PersistenceError reports a disk write failure. In-memory state is preserved
// and remains authoritative; the operation's logical effect still holds.
type PersistenceError struct {
	Path string
	Kind string // "append", "rewrite", "mkdir"
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed for %s: %v", e.Kind, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// InternalError reports an invariant violation. Always logged at source.
type InternalError struct {
	Code string
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %s", e.Code)
}
