package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"go.uber.org/zap"
)

type member struct {
	participant domain.Participant
	conns       map[domain.ConnectionID]ports.Connection
	connOrder   []domain.ConnectionID
}

func (m *member) connections() []ports.Connection {
	conns := make([]ports.Connection, 0, len(m.connOrder))
	for _, id := range m.connOrder {
		conns = append(conns, m.conns[id])
	}
	return conns
}

func (m *member) removeConn(id domain.ConnectionID) bool {
	if _, ok := m.conns[id]; !ok {
		return false
	}
	delete(m.conns, id)
	for i, cid := range m.connOrder {
		if cid == id {
			m.connOrder = append(m.connOrder[:i], m.connOrder[i+1:]...)
			break
		}
	}
	return true
}

// room serializes every membership change and delivery for one room id.
type room struct {
	id      domain.RoomID
	mu      sync.Mutex
	members map[domain.ParticipantID]*member
	order   []domain.ParticipantID
	closed  bool
}

func (r *room) snapshotExcluding(exclude domain.ParticipantID) *domain.RoomSnapshot {
	snap := &domain.RoomSnapshot{RoomID: r.id, Participants: []domain.MemberInfo{}}
	for _, pid := range r.order {
		if pid == exclude {
			continue
		}
		snap.Participants = append(snap.Participants, domain.MemberInfo{
			ParticipantID: pid,
			MediaState:    r.members[pid].participant.Media,
		})
	}
	return snap
}

func (r *room) removeFromOrder(pid domain.ParticipantID) {
	for i, id := range r.order {
		if id == pid {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

type sessionRegistry struct {
	mu                sync.Mutex
	rooms             map[domain.RoomID]*room
	metrics           ports.SignalingMetrics
	meshWarnThreshold int
	logger            *zap.SugaredLogger
}

// NewSessionRegistry creates the room membership registry. A zero
// meshWarnThreshold disables the mesh size warning.
func NewSessionRegistry(metrics ports.SignalingMetrics, meshWarnThreshold int, logger *zap.SugaredLogger) ports.SessionRegistry {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &sessionRegistry{
		rooms:             make(map[domain.RoomID]*room),
		metrics:           metrics,
		meshWarnThreshold: meshWarnThreshold,
		logger:            logger,
	}
}

func (r *sessionRegistry) acquire(id domain.RoomID) *room {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		rm = &room{id: id, members: make(map[domain.ParticipantID]*member)}
		r.rooms[id] = rm
		r.metrics.RoomCreated()
		r.logger.Debugw("room created", "room_id", id)
	}
	return rm
}

func (r *sessionRegistry) lookup(id domain.RoomID) *room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rooms[id]
}

// discard drops a closed room from the index. Only the first caller for a
// given room instance removes it.
func (r *sessionRegistry) discard(rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.rooms[rm.id]; ok && current == rm {
		delete(r.rooms, rm.id)
		r.metrics.RoomClosed()
		r.logger.Debugw("room closed", "room_id", rm.id)
	}
}

func (r *sessionRegistry) Join(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, media domain.MediaState, conn ports.Connection) (*domain.RoomSnapshot, error) {
	if roomID == "" || pid == "" {
		return nil, fmt.Errorf("%w: room and participant ids are required", domain.ErrInvalidEvent)
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: connection is required", domain.ErrInvalidEvent)
	}

	for {
		rm := r.acquire(roomID)
		rm.mu.Lock()
		if rm.closed {
			// Lost a race with the last Leave; retry against a fresh room.
			rm.mu.Unlock()
			r.discard(rm)
			continue
		}
		snap := r.joinLocked(rm, pid, media, conn)
		rm.mu.Unlock()
		return snap, nil
	}
}

func (r *sessionRegistry) joinLocked(rm *room, pid domain.ParticipantID, media domain.MediaState, conn ports.Connection) *domain.RoomSnapshot {
	if m, ok := rm.members[pid]; ok {
		if _, same := m.conns[conn.ID()]; same {
			return rm.snapshotExcluding(pid)
		}
		m.conns[conn.ID()] = conn
		m.connOrder = append(m.connOrder, conn.ID())
		r.metrics.IdentifierCollision()
		r.logger.Warnw("participant id already held by another connection",
			"room_id", rm.id,
			"participant_id", pid,
			"connection_id", conn.ID(),
			"connections", len(m.conns),
		)
		return rm.snapshotExcluding(pid)
	}

	rm.members[pid] = &member{
		participant: domain.Participant{ID: pid, RoomID: rm.id, Media: media, JoinedAt: time.Now()},
		conns:       map[domain.ConnectionID]ports.Connection{conn.ID(): conn},
		connOrder:   []domain.ConnectionID{conn.ID()},
	}
	rm.order = append(rm.order, pid)
	r.metrics.ParticipantJoined()

	r.broadcastLocked(rm, pid, domain.UserJoined{ParticipantID: pid, MediaState: media})

	r.logger.Infow("participant joined room",
		"room_id", rm.id,
		"participant_id", pid,
		"connection_id", conn.ID(),
		"members", len(rm.members),
	)
	if r.meshWarnThreshold > 0 && len(rm.members) > r.meshWarnThreshold {
		r.logger.Warnw("room exceeds practical mesh size",
			"room_id", rm.id,
			"members", len(rm.members),
			"threshold", r.meshWarnThreshold,
		)
	}

	return rm.snapshotExcluding(pid)
}

func (r *sessionRegistry) Leave(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, conn ports.Connection) bool {
	if conn == nil {
		return false
	}
	rm := r.lookup(roomID)
	if rm == nil {
		return false
	}

	rm.mu.Lock()
	m, ok := rm.members[pid]
	if !ok || !m.removeConn(conn.ID()) {
		rm.mu.Unlock()
		return false
	}

	if len(m.conns) == 0 {
		delete(rm.members, pid)
		rm.removeFromOrder(pid)
		r.metrics.ParticipantLeft()
		r.broadcastLocked(rm, pid, domain.UserLeft{ParticipantID: pid})
		r.logger.Infow("participant left room",
			"room_id", rm.id,
			"participant_id", pid,
			"connection_id", conn.ID(),
			"members", len(rm.members),
		)
	}
	empty := len(rm.members) == 0
	if empty {
		rm.closed = true
	}
	rm.mu.Unlock()

	if empty {
		r.discard(rm)
	}
	return true
}

func (r *sessionRegistry) UpdateMedia(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, media domain.MediaState) error {
	rm := r.lookup(roomID)
	if rm == nil {
		return domain.ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	m, ok := rm.members[pid]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	if m.participant.Media == media {
		return nil
	}
	m.participant.Media = media
	r.broadcastLocked(rm, pid, domain.MediaStateUpdate{ParticipantID: pid, MediaState: media})
	return nil
}

func (r *sessionRegistry) Snapshot(ctx context.Context, roomID domain.RoomID) (*domain.RoomSnapshot, error) {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil, domain.ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.closed {
		return nil, domain.ErrRoomNotFound
	}
	return rm.snapshotExcluding(""), nil
}

func (r *sessionRegistry) WithParticipant(ctx context.Context, roomID domain.RoomID, pid domain.ParticipantID, fn func(conns []ports.Connection)) error {
	rm := r.lookup(roomID)
	if rm == nil {
		return domain.ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	m, ok := rm.members[pid]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	fn(m.connections())
	return nil
}

func (r *sessionRegistry) WithMembers(ctx context.Context, roomID domain.RoomID, fn func(members map[domain.ParticipantID][]ports.Connection)) error {
	rm := r.lookup(roomID)
	if rm == nil {
		return domain.ErrRoomNotFound
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	members := make(map[domain.ParticipantID][]ports.Connection, len(rm.members))
	for pid, m := range rm.members {
		members[pid] = m.connections()
	}
	fn(members)
	return nil
}

func (r *sessionRegistry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// broadcastLocked queues event to every member except skip. rm.mu must be held.
func (r *sessionRegistry) broadcastLocked(rm *room, skip domain.ParticipantID, event domain.Event) {
	for _, pid := range rm.order {
		if pid == skip {
			continue
		}
		for _, conn := range rm.members[pid].connections() {
			if !conn.Deliver(event) {
				r.metrics.DeliveryFailed()
				r.logger.Warnw("dropped room notification",
					"room_id", rm.id,
					"participant_id", pid,
					"event", event.EventType(),
				)
			}
		}
	}
}
