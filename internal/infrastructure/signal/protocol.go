package signal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"meshcall/internal/core/domain"
	"meshcall/pkg/validation"
)

// Frame is the JSON envelope every protocol event travels in.
type Frame struct {
	Event domain.EventType `json:"event"`
	Data  json.RawMessage  `json:"data,omitempty"`
}

// EncodeEvent renders ev as one text frame.
func EncodeEvent(ev domain.Event) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch e := ev.(type) {
	case domain.LeaveRoom:
		data = nil
	case domain.ChatSend:
		// clients send chat as a bare string
		data, err = json.Marshal(e.Body)
	default:
		data, err = json.Marshal(ev)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return json.Marshal(Frame{Event: ev.EventType(), Data: data})
}

// DecodeClientEvent parses a frame sent by a participant to the server.
func DecodeClientEvent(raw []byte) (domain.Event, error) {
	frame, err := decodeFrame(raw)
	if err != nil {
		return nil, err
	}

	switch frame.Event {
	case domain.EventJoinRoom:
		return decodeJoin(frame.Data)
	case domain.EventLeaveRoom:
		return domain.LeaveRoom{}, nil
	case domain.EventSignal:
		return decodeAs[domain.Signal](frame)
	case domain.EventChatMessage:
		body, err := decodeChatBody(frame.Data)
		if err != nil {
			return nil, err
		}
		if err := validation.ValidateChatMessage(body); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
		}
		return domain.ChatSend{Body: body}, nil
	case domain.EventMediaState:
		var ev domain.MediaStateUpdate
		if err := unmarshalData(frame, &ev); err != nil {
			return nil, err
		}
		// the server fills in the sender
		ev.ParticipantID = ""
		return ev, nil
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEvent, frame.Event)
	}
}

// DecodeServerEvent parses a frame pushed by the server to a participant.
func DecodeServerEvent(raw []byte) (domain.Event, error) {
	frame, err := decodeFrame(raw)
	if err != nil {
		return nil, err
	}

	switch frame.Event {
	case domain.EventRoomJoined:
		return decodeAs[domain.RoomJoined](frame)
	case domain.EventUserJoined:
		return decodeAs[domain.UserJoined](frame)
	case domain.EventUserLeft:
		return decodeAs[domain.UserLeft](frame)
	case domain.EventSignal:
		return decodeAs[domain.Signal](frame)
	case domain.EventChatMessage:
		return decodeAs[domain.ChatDelivered](frame)
	case domain.EventMediaState:
		return decodeAs[domain.MediaStateUpdate](frame)
	case domain.EventError:
		return decodeAs[domain.ErrorEvent](frame)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownEvent, frame.Event)
	}
}

func decodeAs[T domain.Event](frame Frame) (domain.Event, error) {
	var ev T
	if err := unmarshalData(frame, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return frame, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	if frame.Event == "" {
		return frame, fmt.Errorf("%w: missing event name", domain.ErrInvalidEvent)
	}
	return frame, nil
}

func unmarshalData(frame Frame, v any) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("%w: %s without data", domain.ErrInvalidEvent, frame.Event)
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidEvent, frame.Event, err)
	}
	return nil
}

func decodeJoin(data json.RawMessage) (domain.Event, error) {
	var body struct {
		RoomID            domain.RoomID        `json:"roomId"`
		ParticipantID     domain.ParticipantID `json:"participantId"`
		Media             *domain.MediaState   `json:"media"`
		CameraEnabled     *bool                `json:"cameraEnabled"`
		MicrophoneEnabled *bool                `json:"microphoneEnabled"`
	}
	if err := unmarshalData(Frame{Event: domain.EventJoinRoom, Data: data}, &body); err != nil {
		return nil, err
	}
	if err := validation.ValidateRoomID(string(body.RoomID)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}
	if err := validation.ValidateParticipantID(string(body.ParticipantID)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}

	ev := domain.JoinRoom{RoomID: body.RoomID, ParticipantID: body.ParticipantID, Media: body.Media}
	if ev.Media == nil && (body.CameraEnabled != nil || body.MicrophoneEnabled != nil) {
		media := domain.MediaState{CameraEnabled: true, MicrophoneEnabled: true}
		if body.CameraEnabled != nil {
			media.CameraEnabled = *body.CameraEnabled
		}
		if body.MicrophoneEnabled != nil {
			media.MicrophoneEnabled = *body.MicrophoneEnabled
		}
		ev.Media = &media
	}
	return ev, nil
}

// decodeChatBody accepts either a bare string or {"message": "..."}.
func decodeChatBody(data json.RawMessage) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", fmt.Errorf("%w: chat-message without data", domain.ErrInvalidEvent)
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", fmt.Errorf("%w: chat-message: %v", domain.ErrInvalidEvent, err)
		}
		return s, nil
	}
	var obj domain.ChatSend
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("%w: chat-message: %v", domain.ErrInvalidEvent, err)
	}
	return obj.Body, nil
}
