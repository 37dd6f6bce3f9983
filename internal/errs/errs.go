// Package errs defines the sentinel error kinds shared across the bridge.
package errs

import "errors"

var (
	// ErrInvalidShape is returned by DSP functions given a buffer shape
	// that cannot represent the requested conversion (e.g. odd-length
	// stereo interleave).
	ErrInvalidShape = errors.New("audiodsp: invalid buffer shape")

	// ErrInvalidRate is returned when a sample rate is non-positive.
	ErrInvalidRate = errors.New("audiodsp: invalid sample rate")

	// ErrNotConfigured is returned by the STT session when required
	// credentials are missing, before any network I/O is attempted.
	ErrNotConfigured = errors.New("sttsession: not configured")

	// ErrStreamFailed marks a per-speaker pipeline terminated by an
	// upstream STT error message.
	ErrStreamFailed = errors.New("pipeline: stream failed")

	// ErrRateLimited is a terminal signaling failure; the caller must
	// not retry.
	ErrRateLimited = errors.New("signaling: rate limited")

	// ErrDuplicateSession is a terminal signaling failure returned by
	// the HPB when another connection already owns the session.
	ErrDuplicateSession = errors.New("signaling: duplicate session")

	// ErrRoomJoinFailed indicates the HPB rejected the room join and a
	// full reconnect should be attempted.
	ErrRoomJoinFailed = errors.New("signaling: room join failed")

	// ErrDefunct is returned by any operation attempted on an
	// orchestrator that has already torn down.
	ErrDefunct = errors.New("room: orchestrator is defunct")

	// ErrNotFound is returned by the registry when no orchestrator
	// exists for the given room token.
	ErrNotFound = errors.New("registry: room not found")

	// ErrProviderUnavailable is surfaced to the control plane when the
	// signaling connection could not be established.
	ErrProviderUnavailable = errors.New("registry: signaling provider unavailable")
)
