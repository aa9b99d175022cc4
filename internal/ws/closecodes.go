// Package ws implements the realtime connection manager: websocket and SSE
// transports, authentication, connection caps, replay on reconnect, and the
// close-code policy clients use to decide whether and how to reconnect.
package ws

// Close codes sent on websocket teardown. Clients key their reconnect
// behavior off these values, so the numbers are part of the wire contract.
const (
	// No reconnect.
	CloseNormal          = 1000
	CloseProtocolError   = 1002
	CloseAuthFailed      = 4001
	CloseForbiddenDomain = 4003
	CloseNotFound        = 4004

	// Refresh credentials, then reconnect.
	CloseAuthExpired = 4401

	// Reconnect immediately (this connection was superseded by a newer one).
	CloseSuperseded = 4408

	// Reconnect with backoff.
	CloseRateLimited      = 4429
	CloseHeartbeatTimeout = 4499
	CloseInternalError    = 4500
	CloseOverloaded       = 4503
)

// ReconnectPolicy describes what a client should do after a close code.
type ReconnectPolicy int

const (
	PolicyNoReconnect ReconnectPolicy = iota
	PolicyRefreshThenReconnect
	PolicyReconnectImmediately
	PolicyReconnectWithBackoff
)

// PolicyFor maps a close code to its reconnect policy. Unknown codes get the
// conservative backoff policy.
func PolicyFor(code int) ReconnectPolicy {
	switch code {
	case CloseNormal, CloseProtocolError, CloseAuthFailed, CloseForbiddenDomain, CloseNotFound:
		return PolicyNoReconnect
	case CloseAuthExpired:
		return PolicyRefreshThenReconnect
	case CloseSuperseded:
		return PolicyReconnectImmediately
	case CloseRateLimited, CloseHeartbeatTimeout, CloseInternalError, CloseOverloaded:
		return PolicyReconnectWithBackoff
	default:
		return PolicyReconnectWithBackoff
	}
}

// HTTPStatusFor maps a rejection close code to the equivalent HTTP status
// for the SSE transport, which cannot carry websocket close codes.
func HTTPStatusFor(code int) int {
	switch code {
	case CloseAuthFailed, CloseAuthExpired:
		return 401
	case CloseForbiddenDomain:
		return 403
	case CloseNotFound:
		return 404
	case CloseRateLimited:
		return 429
	case CloseOverloaded:
		return 503
	default:
		return 500
	}
}
