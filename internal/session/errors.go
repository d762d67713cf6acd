package session

import "errors"

// Sentinel errors shared by stores and the reconciler.
var (
	// ErrSessionNotFound is returned when no session exists for an id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned by CreateSession on a duplicate id.
	ErrSessionExists = errors.New("session already exists")

	// ErrInvalidTransition is returned when a caller attempts a state
	// transition not valid from the session's current state.
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrArtifactNotFound is returned when no backup artifact exists.
	ErrArtifactNotFound = errors.New("backup artifact not found")

	// ErrArtifactExists is returned by an atomic create-if-absent write
	// that lost the race. Callers treat it as success-already-done.
	ErrArtifactExists = errors.New("backup artifact already exists")

	// ErrUpstreamUnavailable wraps failures talking to the external
	// job-execution service. It never converts a session to failed;
	// the caller retries later.
	ErrUpstreamUnavailable = errors.New("job execution service unavailable")
)
