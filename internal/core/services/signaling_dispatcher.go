package services

import (
	"context"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"go.uber.org/zap"
)

// ServerSession is the server's record of which room one connection joined.
type ServerSession struct {
	conn ports.Connection

	mu          sync.Mutex
	room        domain.RoomID
	participant domain.ParticipantID
	joined      bool
}

func NewServerSession(conn ports.Connection) *ServerSession {
	return &ServerSession{conn: conn}
}

func (s *ServerSession) Conn() ports.Connection { return s.conn }

// Membership returns the room and participant id, or ok=false before join.
func (s *ServerSession) Membership() (domain.RoomID, domain.ParticipantID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.participant, s.joined
}

// take clears the membership and returns what it was; only one caller gets
// joined=true for a given join.
func (s *ServerSession) take() (domain.RoomID, domain.ParticipantID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, pid, joined := s.room, s.participant, s.joined
	s.room, s.participant, s.joined = "", "", false
	return room, pid, joined
}

// SignalingDispatcher turns inbound protocol events from one connection into
// registry and relay operations. Each call completes without waiting on any
// remote participant.
type SignalingDispatcher struct {
	registry ports.SessionRegistry
	relay    ports.SignalingRelay
	logger   *zap.SugaredLogger
}

func NewSignalingDispatcher(registry ports.SessionRegistry, relay ports.SignalingRelay, logger *zap.SugaredLogger) *SignalingDispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SignalingDispatcher{
		registry: registry,
		relay:    relay,
		logger:   logger,
	}
}

// Dispatch handles one event. A returned error is meant for the sender as an
// error event; it never affects other members.
func (d *SignalingDispatcher) Dispatch(ctx context.Context, sess *ServerSession, ev domain.Event) error {
	switch e := ev.(type) {
	case domain.JoinRoom:
		return d.join(ctx, sess, e)
	case domain.LeaveRoom:
		d.Disconnect(ctx, sess)
		return nil
	case domain.Signal:
		room, pid, ok := sess.Membership()
		if !ok {
			return domain.ErrNotInRoom
		}
		msg := e.SignalMessage
		// The sender is whoever owns this connection, not what the frame claims.
		msg.From = pid
		if err := msg.Validate(); err != nil {
			return err
		}
		d.relay.Relay(ctx, room, msg)
		return nil
	case domain.ChatSend:
		room, pid, ok := sess.Membership()
		if !ok {
			return domain.ErrNotInRoom
		}
		d.relay.RelayChat(ctx, room, domain.ChatMessage{From: pid, Body: e.Body})
		return nil
	case domain.MediaStateUpdate:
		room, pid, ok := sess.Membership()
		if !ok {
			return domain.ErrNotInRoom
		}
		if err := d.registry.UpdateMedia(ctx, room, pid, e.MediaState); err != nil {
			d.logger.Debugw("media state update dropped", "room_id", room, "participant_id", pid, "error", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnknownEvent, ev.EventType())
	}
}

func (d *SignalingDispatcher) join(ctx context.Context, sess *ServerSession, e domain.JoinRoom) error {
	media := domain.MediaState{CameraEnabled: true, MicrophoneEnabled: true}
	if e.Media != nil {
		media = *e.Media
	}

	if room, pid, ok := sess.Membership(); ok {
		if room == e.RoomID && pid == e.ParticipantID {
			snap, err := d.registry.Join(ctx, room, pid, media, sess.conn)
			if err != nil {
				return err
			}
			sess.conn.Deliver(domain.RoomJoined{RoomSnapshot: *snap})
			return nil
		}
		// Switching rooms or identities leaves the old membership first.
		d.Disconnect(ctx, sess)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	snap, err := d.registry.Join(ctx, e.RoomID, e.ParticipantID, media, sess.conn)
	if err != nil {
		return err
	}
	sess.room, sess.participant, sess.joined = e.RoomID, e.ParticipantID, true
	sess.conn.Deliver(domain.RoomJoined{RoomSnapshot: *snap})
	return nil
}

// Disconnect leaves the connection's room. Repeated calls are no-ops, so a
// connection that drops twice produces one user-left.
func (d *SignalingDispatcher) Disconnect(ctx context.Context, sess *ServerSession) {
	room, pid, ok := sess.take()
	if !ok {
		return
	}
	d.registry.Leave(ctx, room, pid, sess.conn)
}
