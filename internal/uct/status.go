// Package uct defines the device-neutral verbs contract this module binds
// against: protection domains, interfaces, endpoints, active messages, and
// one-sided zero-copy GET, mirroring the real UCX/UCT C API. Two drivers
// implement it: simuct (in-process, used by tests) and cgouct
// (real libucx via cgo, built with -tags ucx).
package uct

import "fmt"

// Status mirrors a subset of ucs_status_t. Zero is success, positive is
// "in progress", negative is an error.
type Status int32

const (
	StatusOK           Status = 0
	StatusInProgress   Status = 1
	StatusErrNoMessage Status = -1
	StatusErrNoResource Status = -2
	StatusErrIOError    Status = -3
	StatusErrNoMemory   Status = -4
	StatusErrUnsupported Status = -8
	StatusErrNotConnected Status = -30
	StatusErrConnectionReset Status = -31
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInProgress:
		return "in progress"
	case StatusErrNoMessage:
		return "no pending message"
	case StatusErrNoResource:
		return "no resource"
	case StatusErrIOError:
		return "io error"
	case StatusErrNoMemory:
		return "no memory"
	case StatusErrUnsupported:
		return "unsupported"
	case StatusErrNotConnected:
		return "not connected"
	case StatusErrConnectionReset:
		return "connection reset"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

func (s Status) Error() string { return s.String() }

// ErrorFromStatus converts a status into a Go error, or nil for OK/InProgress.
func ErrorFromStatus(status Status, op string) error {
	if status == StatusOK || status == StatusInProgress {
		return nil
	}
	if op == "" {
		return status
	}
	return fmt.Errorf("%s: %w", op, status)
}

// IsNoResource reports whether status is StatusErrNoResource.
func IsNoResource(status Status) bool {
	return status == StatusErrNoResource
}
