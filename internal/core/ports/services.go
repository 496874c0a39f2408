package ports

import (
	"context"

	"meshcall/internal/core/domain"
)

// Connection is the server-side handle used to push events to one
// participant connection. Deliver must not block; it reports false when the
// event could not be queued.
type Connection interface {
	ID() domain.ConnectionID
	Deliver(event domain.Event) bool
}

type SessionRegistry interface {
	Join(ctx context.Context, room domain.RoomID, participant domain.ParticipantID, media domain.MediaState, conn Connection) (*domain.RoomSnapshot, error)
	Leave(ctx context.Context, room domain.RoomID, participant domain.ParticipantID, conn Connection) bool
	UpdateMedia(ctx context.Context, room domain.RoomID, participant domain.ParticipantID, media domain.MediaState) error
	Snapshot(ctx context.Context, room domain.RoomID) (*domain.RoomSnapshot, error)
	// WithParticipant and WithMembers run fn with live connections under the
	// room's serialization, so deliveries interleave with membership changes in
	// one order per room. fn must not block.
	WithParticipant(ctx context.Context, room domain.RoomID, participant domain.ParticipantID, fn func(conns []Connection)) error
	WithMembers(ctx context.Context, room domain.RoomID, fn func(members map[domain.ParticipantID][]Connection)) error
	RoomCount() int
}

type SignalingRelay interface {
	Relay(ctx context.Context, room domain.RoomID, msg domain.SignalMessage) bool
	RelayChat(ctx context.Context, room domain.RoomID, msg domain.ChatMessage) int
}

// SignalingMetrics receives counters from the registry and relay.
type SignalingMetrics interface {
	RoomCreated()
	RoomClosed()
	ParticipantJoined()
	ParticipantLeft()
	IdentifierCollision()
	SignalRelayed(signalType domain.SignalType)
	SignalDropped(reason string)
	ChatRelayed(recipients int)
	DeliveryFailed()
}

type AccountService interface {
	Signup(ctx context.Context, username, email, password, confirmPassword string) (*domain.User, error)
	Login(ctx context.Context, email, password string) (*domain.User, string, error)
}
