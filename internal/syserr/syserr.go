// Package syserr reports failed system calls with enough context to
// diagnose them: the operation, the numeric errno and its text.
package syserr

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Error is a failed system call.
type Error struct {
	Op    string
	Errno unix.Errno
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failed, errno=%d (%s)", e.Op, int(e.Errno), e.Errno.Error())
}

// Unwrap lets errors.Is match the underlying errno.
func (e *Error) Unwrap() error { return e.Errno }

// New wraps err as an *Error for op. Errors that are not errnos (or do
// not wrap one) are wrapped with the op name only.
func New(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return &Error{Op: op, Errno: errno}
	}
	return fmt.Errorf("%s failed: %w", op, err)
}

// Errno returns the errno carried by err, or 0.
func Errno(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return 0
}
