package supervisor

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Status is the outcome of a run, used as the process exit status.
type Status int

const (
	StatusSuccess        Status = 0
	StatusFailure        Status = 1
	StatusNoResource     Status = 3
	StatusNotImplemented Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusNoResource:
		return "no resource"
	case StatusNotImplemented:
		return "not implemented"
	}
	return "unknown"
}

func (s Status) severity() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusNotImplemented:
		return 1
	case StatusNoResource:
		return 2
	}
	return 3
}

// Worst returns the more severe of a and b: failure beats no resource,
// which beats not implemented, which beats success.
func Worst(a, b Status) Status {
	if b.severity() > a.severity() {
		return b
	}
	return a
}

// statusFor maps a setup error to a status. Running out of something is
// not the stressor's fault.
func statusFor(err error) Status {
	for _, errno := range []unix.Errno{unix.ENOSPC, unix.ENOMEM, unix.EDQUOT, unix.EMFILE, unix.ENFILE, unix.EAGAIN} {
		if errors.Is(err, errno) {
			return StatusNoResource
		}
	}
	return StatusFailure
}
