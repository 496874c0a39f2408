package domain

// EventType is the wire discriminator for signaling protocol events.
type EventType string

const (
	EventJoinRoom    EventType = "join-room"
	EventLeaveRoom   EventType = "leave-room"
	EventRoomJoined  EventType = "room-joined"
	EventUserJoined  EventType = "user-joined"
	EventUserLeft    EventType = "user-left"
	EventSignal      EventType = "signal"
	EventChatMessage EventType = "chat-message"
	EventMediaState  EventType = "media-state"
	EventError       EventType = "error"
)

// Event is a tagged variant; each concrete type below is one protocol event.
type Event interface {
	EventType() EventType
}

// JoinRoom is sent by a client to enter a room. Media is optional and
// defaults to both tracks enabled.
type JoinRoom struct {
	RoomID        RoomID        `json:"roomId"`
	ParticipantID ParticipantID `json:"participantId"`
	Media         *MediaState   `json:"media,omitempty"`
}

type LeaveRoom struct{}

type RoomJoined struct {
	RoomSnapshot
}

type UserJoined struct {
	ParticipantID ParticipantID `json:"participantId"`
	MediaState
}

type UserLeft struct {
	ParticipantID ParticipantID `json:"participantId"`
}

type Signal struct {
	SignalMessage
}

// ChatSend is the client->server chat event; ChatDelivered is the broadcast.
type ChatSend struct {
	Body string `json:"message"`
}

type ChatDelivered struct {
	ChatMessage
}

// MediaStateUpdate travels client->server without ParticipantID and
// server->client with it.
type MediaStateUpdate struct {
	ParticipantID ParticipantID `json:"participantId,omitempty"`
	MediaState
}

type ErrorEvent struct {
	Message string `json:"message"`
}

func (JoinRoom) EventType() EventType         { return EventJoinRoom }
func (LeaveRoom) EventType() EventType        { return EventLeaveRoom }
func (RoomJoined) EventType() EventType       { return EventRoomJoined }
func (UserJoined) EventType() EventType       { return EventUserJoined }
func (UserLeft) EventType() EventType         { return EventUserLeft }
func (Signal) EventType() EventType           { return EventSignal }
func (ChatSend) EventType() EventType         { return EventChatMessage }
func (ChatDelivered) EventType() EventType    { return EventChatMessage }
func (MediaStateUpdate) EventType() EventType { return EventMediaState }
func (ErrorEvent) EventType() EventType       { return EventError }
