package domain

import (
	"encoding/json"
	"fmt"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
)

func (t SignalType) Valid() bool {
	switch t {
	case SignalOffer, SignalAnswer, SignalICECandidate:
		return true
	}
	return false
}

// SignalMessage is an opaque negotiation envelope. Payload is forwarded untouched.
type SignalMessage struct {
	To      ParticipantID   `json:"to"`
	From    ParticipantID   `json:"from"`
	Type    SignalType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (m SignalMessage) Validate() error {
	if m.To == "" {
		return fmt.Errorf("%w: missing recipient", ErrInvalidSignal)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSignal, m.Type)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidSignal)
	}
	if m.To == m.From {
		return fmt.Errorf("%w: sender and recipient are the same", ErrInvalidSignal)
	}
	return nil
}

type ChatMessage struct {
	From ParticipantID `json:"participantId"`
	Body string        `json:"message"`
}
