package app

import "errors"

var (
	// ErrInvalidParticipant indicates a participant id that does not resolve
	// to an existing non-admin principal.
	ErrInvalidParticipant = errors.New("invalid participant")
	// ErrEmptyMessage indicates message content that is empty after trimming.
	ErrEmptyMessage = errors.New("message content required")
	// ErrNotFound covers absent entities and conversations hidden for the
	// requester; the two are indistinguishable on purpose.
	ErrNotFound      = errors.New("not found")
	ErrForbidden     = errors.New("forbidden")
	ErrAlreadyHidden = errors.New("conversation already hidden")
)
