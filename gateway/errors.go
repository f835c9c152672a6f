package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned for an unknown session or order id.
	ErrSessionNotFound = errors.New("gateway session not found")

	// ErrSessionExists is returned when a gateway reuses a session id.
	ErrSessionExists = errors.New("gateway session already exists")

	// ErrStaleSession is returned when a concurrent update won the race.
	ErrStaleSession = errors.New("gateway session modified concurrently")

	// ErrSignatureVerificationFailed is returned when a callback signature
	// does not match. It never creates a Payment.
	ErrSignatureVerificationFailed = errors.New("signature verification failed")

	// ErrGatewayTimeout is returned once a checkout exhausted its poll budget.
	ErrGatewayTimeout = errors.New("gateway did not confirm within the polling budget")

	// ErrGatewayExpired is returned once the gateway reported the checkout expired.
	ErrGatewayExpired = errors.New("gateway session expired")

	// ErrOrderRejected is returned for an order closed by a bad signature.
	ErrOrderRejected = errors.New("gateway order rejected")

	// ErrWrongFlow is returned when a checkout id is used as an order or vice versa.
	ErrWrongFlow = errors.New("session belongs to a different gateway flow")

	// ErrGatewayUnavailable wraps transport failures talking to a gateway.
	ErrGatewayUnavailable = errors.New("gateway unavailable")

	// ErrNotConfigured is returned when an adapter has no gateway client.
	ErrNotConfigured = errors.New("gateway not configured")
)

// SessionClosedError reports a session that reached a terminal failure state.
// It unwraps to ErrGatewayTimeout, ErrGatewayExpired or ErrOrderRejected.
type SessionClosedError struct {
	SessionID string
	Status    SessionStatus
}

func (e *SessionClosedError) Error() string {
	return fmt.Sprintf("gateway session %s is closed (%s)", e.SessionID, e.Status)
}

func (e *SessionClosedError) Unwrap() error {
	switch e.Status {
	case StatusExpired:
		return ErrGatewayExpired
	case StatusRejected:
		return ErrOrderRejected
	default:
		return ErrGatewayTimeout
	}
}

func closedError(s *Session) error {
	return &SessionClosedError{SessionID: s.ID, Status: s.Status}
}
