package infrastructure

import "errors"

var (
	// ErrValidation covers malformed identities, empty required fields and
	// anything else that must be rejected before touching the store.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized covers acting on another user's entity, e.g. editing
	// someone else's message or answering someone else's invitation.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound covers missing rows and entities already in a terminal
	// state; the caller should refresh its local view.
	ErrNotFound = errors.New("not found")

	// ErrTransient covers store or network unavailability. The mutation was
	// not applied; sends keep their failed artifact, everything else rolls
	// back to the last confirmed state.
	ErrTransient = errors.New("temporarily unavailable")

	ErrMissingToken = errors.New("missing access token")
	ErrInvalidToken = errors.New("invalid access token")
)

// IsDomainError reports whether err already carries one of the sentinels
// above, so callers know not to re-wrap it as transient.
func IsDomainError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTransient)
}
