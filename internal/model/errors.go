package model

import "errors"

// The error taxonomy of the tunnel. Errors returned by the client wrap
// exactly one of these sentinels; use [errors.Is] to classify them.
var (
	// ErrUnreachable means that no endpoint could be reached.
	ErrUnreachable = errors.New("unreachable")

	// ErrNegotiationFailed means that the remote rejected us or we could
	// not agree on a cipher suite, a certificate or credentials.
	ErrNegotiationFailed = errors.New("negotiation failed")

	// ErrAuthenticationFailed means that too many data packets failed
	// authentication.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrTransport is a transient transport failure.
	ErrTransport = errors.New("transport error")

	// ErrTimeout means that an operation did not complete in time.
	ErrTimeout = errors.New("timeout")
)

// IsFatal returns whether err must terminate the tunnel without
// consuming the retry budget.
func IsFatal(err error) bool {
	return errors.Is(err, ErrNegotiationFailed) || errors.Is(err, ErrAuthenticationFailed)
}
