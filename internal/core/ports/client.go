package ports

import (
	"context"
	"encoding/json"

	"meshcall/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// SignalingConnection is the participant's connection to the rendezvous
// server. It is owned by one session and has an explicit lifecycle.
type SignalingConnection interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, event domain.Event) error
	// Events is closed when the connection is lost or closed.
	Events() <-chan domain.Event
	Close() error
}

// TransportState is the link-level connectivity reported by a PeerTransport.
type TransportState string

const (
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// RemoteTrack is an incoming media stream handle exposed to the UI layer.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() domain.MediaKind
}

// PeerTransport performs the encrypted link negotiation for one PeerLink.
// Descriptions and candidates are opaque JSON payloads.
type PeerTransport interface {
	CreateOffer(ctx context.Context) (json.RawMessage, error)
	AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error)
	AcceptAnswer(ctx context.Context, answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	// SetTrack binds track to the kind's sender; later calls substitute the
	// track without renegotiation. A nil track detaches the source.
	SetTrack(kind domain.MediaKind, track webrtc.TrackLocal) error
	OnLocalCandidate(func(candidate json.RawMessage))
	OnRemoteTrack(func(track RemoteTrack))
	OnStateChange(func(state TransportState))
	Close() error
}

type TransportFactory interface {
	NewTransport(remote domain.ParticipantID) (PeerTransport, error)
}

// CaptureSource is one acquired capture device feeding a local track.
type CaptureSource interface {
	Kind() domain.CaptureKind
	Track() webrtc.TrackLocal
	SetEnabled(enabled bool)
	// OnEnded fires once when the source stops on its own (for example the
	// user ends a screen capture from the operating system).
	OnEnded(func())
	Close() error
}

type CaptureDevice interface {
	Acquire(ctx context.Context, kind domain.CaptureKind) (CaptureSource, error)
}
