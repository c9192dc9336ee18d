package domain

import "errors"

var (
	ErrSessionNotFound          = errors.New("peer session not found")
	ErrSessionClosed            = errors.New("peer session closed")
	ErrMalformedSignal          = errors.New("malformed signal message")
	ErrDuplicateSignal          = errors.New("duplicate signal message")
	ErrParticipantNotFound      = errors.New("participant not found")
	ErrCaptureUnavailable       = errors.New("local capture unavailable")
	ErrRenegotiationUnsupported = errors.New("mid-session track replacement is not supported")
	ErrChatUnavailable          = errors.New("chat log not configured")
	ErrNotJoined                = errors.New("room session not joined")
	ErrAlreadyJoined            = errors.New("room session already joined")
)
