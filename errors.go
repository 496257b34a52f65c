package sentinel

import "errors"

// Tagged error kinds surfaced by the session manager. The tool and HTTP
// boundaries flatten these into {success:false, error:"..."}; internal
// callers branch on them with errors.Is.
var (
	// ErrNoActiveSession marks an operation that needs an open session.
	ErrNoActiveSession = errors.New("no active session")
	// ErrSessionActive marks an open call while a session is still live.
	ErrSessionActive = errors.New("session already active")
	// ErrInvalidSessionState marks a lifecycle call in the wrong status.
	// Programmer error; callers should not retry.
	ErrInvalidSessionState = errors.New("invalid session state")
	// ErrPolicyRejected marks a proposal the policy engine declined. The
	// full decision travels with the outcome; no state was mutated.
	ErrPolicyRejected = errors.New("proposal rejected by policy")
	// ErrInsufficientBalance marks a proposal larger than the held balance.
	// Distinct from a policy rejection; surfaced before any mutation.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrActionLimit marks a session that used up maxActionsPerSession.
	ErrActionLimit = errors.New("session action limit reached")
	// ErrChannelUpdate marks a failed co-signing round-trip. The in-memory
	// delta was rolled back; the proposal may be retried.
	ErrChannelUpdate = errors.New("channel update failed")
	// ErrSettlerNotConfigured marks a settle call without a backend.
	ErrSettlerNotConfigured = errors.New("no settlement backend configured")
)
