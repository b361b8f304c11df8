package operation

import (
	"errors"
	"fmt"
)

// ErrUnknownKind is returned when an operation carries a kind no
// handler exists for.
var ErrUnknownKind = errors.New("operation: unknown kind")

// DuplicateError reports a create attempt while an active operation
// already exists for the same target and kind.
type DuplicateError struct {
	TargetID   string
	Kind       Kind
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("operation: active %s operation %s already exists for target %s",
		e.Kind, e.ExistingID, e.TargetID)
}

// TransitionError reports a status change the state machine does not
// allow, such as pausing an operation that is not running.
type TransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("operation: cannot move %s from %s to %s", e.ID, e.From, e.To)
}

// UnrecoverableError marks a condition that fails the whole operation,
// such as the target resource having been deleted remotely. Item and
// batch level errors are absorbed and recorded instead.
type UnrecoverableError struct {
	Reason string
	Err    error
}

func (e *UnrecoverableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("operation: unrecoverable: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("operation: unrecoverable: %s", e.Reason)
}

func (e *UnrecoverableError) Unwrap() error { return e.Err }

// Unrecoverable reports whether err carries an UnrecoverableError
// anywhere in its chain.
func Unrecoverable(err error) bool {
	var ue *UnrecoverableError
	return errors.As(err, &ue)
}
