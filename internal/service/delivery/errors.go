package delivery

import "errors"

var (
	// ErrNotFound is returned when no newsletter matches the given id.
	ErrNotFound = errors.New("newsletter not found")
	// ErrInvalidTransition is returned when an operation is not legal
	// from the newsletter's current status.
	ErrInvalidTransition = errors.New("invalid newsletter state transition")
	// ErrNotEditable is returned when content mutation is attempted after
	// sending has started.
	ErrNotEditable = errors.New("newsletter content is frozen")
	// ErrDeliveryAborted marks a sending session that ended without
	// reaching a terminal state: an administrator pause/cancel or a
	// systemic sender fault.
	ErrDeliveryAborted = errors.New("delivery aborted")
)
