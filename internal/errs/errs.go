// SPDX-License-Identifier: MIT

// Package errs defines the closed set of error kinds the capture engine can
// surface to callers, matching the propagation rules of the session façade.
package errs

import "errors"

// Sentinel errors for the kinds enumerated by the session façade's error
// handling design. Components wrap these with fmt.Errorf("...: %w", ...)
// so callers can still errors.Is against the kind.
var (
	// ErrPermissionDenied is returned when microphone permission is missing
	// at start or on resume. No state change accompanies it.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrEncoderUnavailable is returned when the segment encoder could not
	// be prepared. The session returns to idle.
	ErrEncoderUnavailable = errors.New("encoder unavailable")

	// ErrEncoderFailure is a mid-session encoder fault. It is fatal to the
	// current segment but not to the process: the façade attempts a
	// best-effort finalize and surfaces the partial file path alongside it.
	ErrEncoderFailure = errors.New("encoder failure")

	// ErrIOFailure covers disk write/delete failures. Retried locally by
	// the owning component before being surfaced.
	ErrIOFailure = errors.New("io failure")

	// ErrSegmentInvalid marks a sealed segment that failed admission
	// validation. The segment is dropped; the pipeline continues.
	ErrSegmentInvalid = errors.New("segment invalid")

	// ErrMergeFailure is returned by the muxer contract on a failed merge
	// or trim. Retried with a rebuild before falling back further down the
	// finalizer's selection order.
	ErrMergeFailure = errors.New("merge failure")

	// ErrInvalidState is returned when a command is illegal for the
	// session's current state (e.g. start on a non-idle session).
	ErrInvalidState = errors.New("invalid state")

	// ErrInterruptedByCall marks a pause forced by an OS phone-call event.
	ErrInterruptedByCall = errors.New("interrupted by call")

	// ErrTimeout is returned when waiting for the background merger to
	// catch up at stop exceeded its cap; selection falls through.
	ErrTimeout = errors.New("timeout")
)
