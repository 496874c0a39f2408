package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNotInRoom           = errors.New("connection has not joined a room")
	ErrInvalidSignal       = errors.New("invalid signal message")
	ErrUnknownEvent        = errors.New("unknown event")
	ErrInvalidEvent        = errors.New("invalid event")
	ErrLinkClosed          = errors.New("peer link closed")
	ErrOutOfOrder          = errors.New("negotiation message out of order")
	ErrNegotiationTimeout  = errors.New("negotiation did not complete in time")
	ErrTransportLost       = errors.New("peer transport lost")
	ErrCaptureUnavailable  = errors.New("capture device unavailable")
	ErrSessionClosed       = errors.New("session closed")

	ErrUserExists         = errors.New("username or email already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid email or password")
)
