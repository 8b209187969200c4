package capability

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHandle is returned for handles that were never issued by the
	// table, were already released, or point at an object of another type.
	ErrInvalidHandle = errors.New("invalid capability handle")

	// ErrDoubleRelease is returned when an owned handle is released again.
	ErrDoubleRelease = errors.New("capability handle released twice")

	// ErrBorrowedHandleReleased is returned when a borrowed handle is released.
	ErrBorrowedHandleReleased = errors.New("borrowed capability handle cannot be released")

	ErrTableFull   = errors.New("capability table full")
	ErrTableClosed = errors.New("capability table closed")
)

// HandleError records the operation and handle that failed.
type HandleError struct {
	Op     string
	Handle Handle
	Err    error
}

func (e *HandleError) Error() string {
	return fmt.Sprintf("capability %s %s: %v", e.Op, e.Handle, e.Err)
}

func (e *HandleError) Unwrap() error {
	return e.Err
}
