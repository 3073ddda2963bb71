package domain

import "errors"

var (
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrInvalidRole        = errors.New("invalid role")

	// Local media acquisition.
	ErrDeviceDenied      = errors.New("device access denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrUserCancelled     = errors.New("user cancelled")
	ErrNotSupported      = errors.New("not supported")

	// ErrMalformed marks a signaling message that failed decoding or validation.
	ErrMalformed = errors.New("malformed signal message")

	ErrLinkNegotiationFailed = errors.New("link negotiation failed")
	ErrPeerUnreachable       = errors.New("peer unreachable")
	ErrRelayUnavailable      = errors.New("relay unavailable")

	ErrUnauthorized  = errors.New("not authorized for session")
	ErrSessionClosed = errors.New("session closed")
)
