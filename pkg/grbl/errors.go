// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package grbl

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation is attempted while the
	// client holds no usable link (fault state).
	ErrNotConnected = errors.New("not connected to controller")

	// ErrNoStatusInResponse is returned when a status report was requested
	// but none of the collected lines was one.
	ErrNoStatusInResponse = errors.New("expected status report but none found")

	// ErrNoAckInResponse is returned when neither "ok" nor an error line was
	// found in the collected response lines.
	ErrNoAckInResponse = errors.New("no acknowledgement from controller")
)

// LinkError wraps an I/O failure on the physical connection. Link errors are
// the only errors that should trigger reconnection; everything else means the
// link is fine and the firmware simply refused or mishandled the command.
type LinkError struct {
	Op  string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link error during %s: %v", e.Op, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// CommandError is a firmware "error:N" acknowledgement, surfaced verbatim.
type CommandError struct {
	Response string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("controller rejected command: %s", e.Response)
}

// TimeoutError reports an operation that exceeded its ceiling (homing, stop
// polling). The link itself is assumed healthy.
type TimeoutError struct {
	Op      string
	Elapsed string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Elapsed)
}

// IsLinkError reports whether err is link-level: an I/O failure, a closed
// connection, or an operation attempted with no connection at all. Callers
// use this to decide whether reconnecting can help.
func IsLinkError(err error) bool {
	var le *LinkError
	if errors.As(err, &le) {
		return true
	}
	return errors.Is(err, ErrNotConnected)
}
