// Package errs names the error kinds the core reasons about, per the
// error-handling design: these are sentinels for errors.Is classification,
// not a hierarchy of concrete types.
package errs

import "errors"

var (
	// ErrAuthExpired means the bearer token was rejected; recoverable by
	// one refresh, surfaced if that refresh also fails.
	ErrAuthExpired = errors.New("auth expired")

	// ErrTicketUnavailable means a signalling ticket could not be obtained
	// after the retry budget was exhausted and no stale ticket existed to
	// fall back to.
	ErrTicketUnavailable = errors.New("signalling ticket unavailable")

	// ErrSignallingHandshakeFailure means the WebSocket upgrade was
	// rejected by the signalling endpoint.
	ErrSignallingHandshakeFailure = errors.New("signalling handshake failed")

	// ErrPeerClosed means the signalling channel was closed by the peer
	// with a reason other than "not ready" (code 26).
	ErrPeerClosed = errors.New("peer closed signalling channel")

	// ErrIceFailed means ICE connectivity permanently failed after the
	// recovery window elapsed.
	ErrIceFailed = errors.New("ice connection failed")

	// ErrRecorderFailure means the sink's final file was below the
	// minimum size or missing.
	ErrRecorderFailure = errors.New("recorder produced no usable output")

	// ErrStorageFailed means at least one storage backend's save failed;
	// the overall fan-out may still have succeeded elsewhere.
	ErrStorageFailed = errors.New("storage backend save failed")

	// ErrAccountIDMissing is a fatal configuration error: no automatic
	// recovery is attempted.
	ErrAccountIDMissing = errors.New("account id missing")
)
