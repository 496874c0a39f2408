package services

import (
	"context"
	"errors"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	"meshcall/pkg/tracing"
	"meshcall/pkg/utils"

	"go.uber.org/zap"
)

type signalingRelay struct {
	registry ports.SessionRegistry
	metrics  ports.SignalingMetrics
	logger   *zap.SugaredLogger
}

func NewSignalingRelay(registry ports.SessionRegistry, metrics ports.SignalingMetrics, logger *zap.SugaredLogger) ports.SignalingRelay {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &signalingRelay{
		registry: registry,
		metrics:  metrics,
		logger:   logger,
	}
}

// Relay hands msg to the connections of msg.To only. Undeliverable messages
// are dropped; negotiation timeouts belong to the caller.
func (s *signalingRelay) Relay(ctx context.Context, roomID domain.RoomID, msg domain.SignalMessage) bool {
	ctx, span := tracing.TraceSignalRelay(ctx, string(roomID), string(msg.From), string(msg.To), string(msg.Type))
	defer span.End()

	if err := msg.Validate(); err != nil {
		s.drop(roomID, msg, "invalid")
		return false
	}

	delivered := false
	err := s.registry.WithParticipant(ctx, roomID, msg.To, func(conns []ports.Connection) {
		for _, conn := range conns {
			if conn.Deliver(domain.Signal{SignalMessage: msg}) {
				delivered = true
			} else {
				s.metrics.DeliveryFailed()
			}
		}
	})

	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		s.drop(roomID, msg, "room_not_found")
		return false
	case errors.Is(err, domain.ErrParticipantNotFound):
		s.drop(roomID, msg, "recipient_not_in_room")
		return false
	case !delivered:
		s.drop(roomID, msg, "queue_full")
		return false
	}

	s.metrics.SignalRelayed(msg.Type)
	s.logger.Debugw("relayed signal",
		"room_id", roomID,
		"from", msg.From,
		"to", msg.To,
		"signal_type", msg.Type,
		"payload_bytes", len(msg.Payload),
	)
	return true
}

// RelayChat broadcasts to every member, sender included; echo suppression is
// left to the client display layer.
func (s *signalingRelay) RelayChat(ctx context.Context, roomID domain.RoomID, msg domain.ChatMessage) int {
	recipients := 0
	err := s.registry.WithMembers(ctx, roomID, func(members map[domain.ParticipantID][]ports.Connection) {
		for _, conns := range members {
			for _, conn := range conns {
				if conn.Deliver(domain.ChatDelivered{ChatMessage: msg}) {
					recipients++
				} else {
					s.metrics.DeliveryFailed()
				}
			}
		}
	})
	if err != nil {
		s.logger.Debugw("dropped chat message", "room_id", roomID, "from", msg.From, "error", err)
		return 0
	}

	s.metrics.ChatRelayed(recipients)
	s.logger.Debugw("chat relayed",
		"room_id", roomID,
		"from", msg.From,
		"recipients", recipients,
		"preview", utils.TruncateString(msg.Body, 40),
	)
	return recipients
}

func (s *signalingRelay) drop(roomID domain.RoomID, msg domain.SignalMessage, reason string) {
	s.metrics.SignalDropped(reason)
	s.logger.Debugw("dropped signal",
		"room_id", roomID,
		"from", msg.From,
		"to", msg.To,
		"signal_type", msg.Type,
		"reason", reason,
	)
}
