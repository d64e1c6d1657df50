package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the transient-post and decode error
// classes from the error handling design (spec §7). Setup and fatal-rma
// failures are surfaced as *FatalError rather than a sentinel, since they
// always carry an underlying status/operation.
var (
	// ErrNoResource signals a transient ep_am_short/send_connect_ack
	// failure; the caller retries after Context.Progress.
	ErrNoResource = errors.New("transport: no resource, retry after progress")

	// ErrNotConnected is returned when an operation is attempted before
	// its connection (receive_handle / sender_handle) has completed.
	ErrNotConnected = errors.New("transport: connection not yet acknowledged")

	// ErrUnknownTicket is returned when a ticket carried over the wire
	// does not resolve to a live object in the dispatcher's table.
	ErrUnknownTicket = errors.New("transport: unknown ticket")

	// ErrZeroCopyUnimplemented is returned at Context construction when
	// the caller asks for the zero-copy multi-chunk optimization, which
	// this core does not implement (spec §9 open question).
	ErrZeroCopyUnimplemented = errors.New("transport: zero_copy_optimization is not implemented")
)

// FatalError wraps a Setup-class or Fatal-rma-class failure: anything the
// error handling design says tears down the connection (and, by policy,
// the process). Op names the failing operation; Err is the underlying
// cause.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("transport: fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(op string, err error) error {
	return &FatalError{Op: op, Err: err}
}
