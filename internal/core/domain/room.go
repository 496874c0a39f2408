package domain

import "time"

type RoomID string
type ParticipantID string
type ConnectionID string

// MediaState is the local outgoing media state a participant advertises to the room.
type MediaState struct {
	CameraEnabled     bool `json:"cameraEnabled"`
	MicrophoneEnabled bool `json:"microphoneEnabled"`
}

// Participant is one member of a room as seen by the registry.
type Participant struct {
	ID       ParticipantID
	RoomID   RoomID
	Media    MediaState
	JoinedAt time.Time
}

// MemberInfo is the snapshot entry returned to a joining participant.
type MemberInfo struct {
	ParticipantID ParticipantID `json:"participantId"`
	MediaState
}

type RoomSnapshot struct {
	RoomID       RoomID       `json:"roomId"`
	Participants []MemberInfo `json:"participants"`
}
