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

const leaveNotifyTimeout = 2 * time.Second

// SessionCallbacks surface session activity to the UI layer. They are called
// from internal goroutines and must not block.
type SessionCallbacks struct {
	OnRemoteTrack     func(remote domain.ParticipantID, track ports.RemoteTrack)
	OnPeerUnavailable func(remote domain.ParticipantID, err error)
	OnLinkState       func(remote domain.ParticipantID, state domain.LinkState)
	OnMembership      func(remote domain.ParticipantID, joined bool)
	OnMediaState      func(remote domain.ParticipantID, media domain.MediaState)
	OnChat            func(msg domain.ChatMessage)
	OnClosed          func()
}

type SessionConfig struct {
	RoomID        domain.RoomID
	ParticipantID domain.ParticipantID
	Media         domain.MediaState

	// NegotiationTimeout is how long a PeerLink may take to reach Connected
	// before the peer is reported unavailable. Zero means
	// DefaultNegotiationTimeout; negative disables the deadline.
	NegotiationTimeout time.Duration
}

const DefaultNegotiationTimeout = 20 * time.Second

type sessionEvent struct {
	remote domain.ParticipantID
	link   *PeerLinkCoordinator
	state  ports.TransportState
}

// ParticipantSession is one participant's view of a room. It owns the
// signaling connection and the map of PeerLinks keyed by remote id; the map
// is only written by the session's event loop.
type ParticipantSession struct {
	room       domain.RoomID
	self       domain.ParticipantID
	conn       ports.SignalingConnection
	transports ports.TransportFactory
	media      *MediaTrackManager
	callbacks  SessionCallbacks
	logger     *zap.SugaredLogger

	negotiationTimeout time.Duration

	linksMu sync.RWMutex
	links   map[domain.ParticipantID]*PeerLinkCoordinator

	lost *mailbox[sessionEvent]

	joined   chan *domain.RoomSnapshot
	loopCtx  context.Context
	stopLoop context.CancelFunc
	loopDone chan struct{}

	joinOnce     sync.Once
	teardownOnce sync.Once
	leaveOnce    sync.Once
}

func NewParticipantSession(
	cfg SessionConfig,
	conn ports.SignalingConnection,
	transports ports.TransportFactory,
	device ports.CaptureDevice,
	callbacks SessionCallbacks,
	logger *zap.SugaredLogger,
) *ParticipantSession {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	logger = logger.With("room_id", cfg.RoomID, "participant_id", cfg.ParticipantID)

	ctx, cancel := context.WithCancel(context.Background())
	timeout := cfg.NegotiationTimeout
	if timeout == 0 {
		timeout = DefaultNegotiationTimeout
	}

	s := &ParticipantSession{
		room:       cfg.RoomID,
		self:       cfg.ParticipantID,
		conn:       conn,
		transports: transports,
		media:      NewMediaTrackManager(device, cfg.Media, logger),
		callbacks:  callbacks,
		logger:     logger,
		links:      make(map[domain.ParticipantID]*PeerLinkCoordinator),
		lost:       newMailbox[sessionEvent](),
		joined:     make(chan *domain.RoomSnapshot, 1),
		loopCtx:    ctx,
		stopLoop:   cancel,
		loopDone:   make(chan struct{}),

		negotiationTimeout: timeout,
	}
	s.media.OnStateChange(s.publishMediaState)
	return s
}

func (s *ParticipantSession) ID() domain.ParticipantID  { return s.self }
func (s *ParticipantSession) Room() domain.RoomID       { return s.room }
func (s *ParticipantSession) Media() *MediaTrackManager { return s.media }
func (s *ParticipantSession) Done() <-chan struct{}     { return s.loopDone }

// Join opens the signaling connection, acquires local media and enters the
// room. It returns the members already present, excluding this participant.
func (s *ParticipantSession) Join(ctx context.Context) (*domain.RoomSnapshot, error) {
	started := false
	var err error
	s.joinOnce.Do(func() {
		started = true
		err = s.join(ctx)
	})
	if !started {
		return nil, fmt.Errorf("join already attempted")
	}
	if err != nil {
		return nil, err
	}

	select {
	case snap := <-s.joined:
		return snap, nil
	case <-s.loopDone:
		return nil, domain.ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ParticipantSession) join(ctx context.Context) error {
	if err := s.conn.Open(ctx); err != nil {
		close(s.loopDone)
		return fmt.Errorf("open signaling connection: %w", err)
	}

	media := s.media.Start(ctx)
	go s.run()

	if err := s.conn.Send(ctx, domain.JoinRoom{RoomID: s.room, ParticipantID: s.self, Media: &media}); err != nil {
		s.stopLoop()
		<-s.loopDone
		s.teardown(false)
		return fmt.Errorf("send join-room: %w", err)
	}
	s.logger.Infow("joining room", "camera", media.CameraEnabled, "microphone", media.MicrophoneEnabled)
	return nil
}

// Leave closes every PeerLink, releases every capture source, tells the
// server and closes the connection. It returns once all of that is done.
func (s *ParticipantSession) Leave() {
	s.leaveOnce.Do(func() {
		s.stopLoop()
		s.joinOnce.Do(func() { close(s.loopDone) })
		<-s.loopDone
		s.teardown(true)
	})
}

func (s *ParticipantSession) SendChat(ctx context.Context, body string) error {
	return s.conn.Send(ctx, domain.ChatSend{Body: body})
}

// Links returns the negotiation state of every current PeerLink.
func (s *ParticipantSession) Links() map[domain.ParticipantID]domain.LinkState {
	s.linksMu.RLock()
	defer s.linksMu.RUnlock()

	out := make(map[domain.ParticipantID]domain.LinkState, len(s.links))
	for remote, link := range s.links {
		out[remote] = link.State()
	}
	return out
}

func (s *ParticipantSession) run() {
	defer close(s.loopDone)

	events := s.conn.Events()
	for {
		select {
		case <-s.loopCtx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				s.logger.Warnw("signaling connection lost")
				s.teardown(false)
				return
			}
			s.handleEvent(ev)
		case <-s.lost.notify:
			for _, ev := range s.lost.drain() {
				s.handleTransportLost(ev)
			}
		}
	}
}

func (s *ParticipantSession) handleEvent(ev domain.Event) {
	switch e := ev.(type) {
	case domain.RoomJoined:
		snap := e.RoomSnapshot
		s.logger.Infow("joined room", "members", len(snap.Participants))
		for _, m := range snap.Participants {
			s.notifyMembership(m.ParticipantID, true)
			s.notifyMediaState(m.ParticipantID, m.MediaState)
		}
		select {
		case s.joined <- &snap:
		default:
		}
	case domain.UserJoined:
		s.handleUserJoined(e)
	case domain.UserLeft:
		s.handleUserLeft(e.ParticipantID)
	case domain.Signal:
		s.handleSignal(e.SignalMessage)
	case domain.ChatDelivered:
		if s.callbacks.OnChat != nil {
			s.callbacks.OnChat(e.ChatMessage)
		}
	case domain.MediaStateUpdate:
		s.notifyMediaState(e.ParticipantID, e.MediaState)
	case domain.ErrorEvent:
		s.logger.Warnw("signaling server reported an error", "message", e.Message)
	default:
		s.logger.Debugw("ignoring event", "event", ev.EventType())
	}
}

// handleUserJoined makes this participant the initiator toward a newcomer.
// Existing members initiate and newcomers only answer, so two sides never
// offer at once.
func (s *ParticipantSession) handleUserJoined(e domain.UserJoined) {
	if e.ParticipantID == s.self {
		return
	}
	s.notifyMembership(e.ParticipantID, true)
	s.notifyMediaState(e.ParticipantID, e.MediaState)

	if existing := s.link(e.ParticipantID); existing != nil {
		// The id reappeared; start over with a fresh link.
		s.closeLink(e.ParticipantID)
	}
	link, err := s.openLink(e.ParticipantID, domain.RoleInitiator)
	if err != nil {
		s.reportUnavailable(e.ParticipantID, err)
		return
	}
	link.Initiate()
}

func (s *ParticipantSession) handleUserLeft(remote domain.ParticipantID) {
	if remote == s.self {
		return
	}
	s.closeLink(remote)
	s.notifyMembership(remote, false)
}

func (s *ParticipantSession) handleSignal(msg domain.SignalMessage) {
	if msg.To != s.self || msg.From == "" || msg.From == s.self {
		s.logger.Warnw("discarding misaddressed signal", "from", msg.From, "to", msg.To, "signal_type", msg.Type)
		return
	}

	link := s.link(msg.From)
	if link == nil {
		// Only an offer or an early candidate can open a link from the
		// receiving side; an answer here has no offer behind it.
		if msg.Type == domain.SignalAnswer {
			s.logger.Warnw("discarding answer for unknown link", "from", msg.From, "error", domain.ErrOutOfOrder)
			return
		}
		var err error
		link, err = s.openLink(msg.From, domain.RoleReceiver)
		if err != nil {
			s.reportUnavailable(msg.From, err)
			return
		}
	}
	link.Deliver(msg)
}

func (s *ParticipantSession) handleTransportLost(ev sessionEvent) {
	// Ignore reports from a link that was already replaced.
	if current := s.link(ev.remote); current == nil || current != ev.link {
		return
	}
	s.logger.Infow("peer link lost", "remote_id", ev.remote, "transport_state", ev.state)
	s.closeLink(ev.remote)
	s.reportUnavailable(ev.remote, fmt.Errorf("%w: %s", domain.ErrTransportLost, ev.state))
}

func (s *ParticipantSession) openLink(remote domain.ParticipantID, role domain.LinkRole) (*PeerLinkCoordinator, error) {
	transport, err := s.transports.NewTransport(remote)
	if err != nil {
		return nil, fmt.Errorf("create peer transport: %w", err)
	}

	var link *PeerLinkCoordinator
	hooks := coordinatorHooks{
		onState:       s.callbacks.OnLinkState,
		onRemoteTrack: s.callbacks.OnRemoteTrack,
		onUnavailable: s.callbacks.OnPeerUnavailable,
		onTransportLost: func(remote domain.ParticipantID, state ports.TransportState) {
			s.lost.push(sessionEvent{remote: remote, link: link, state: state})
		},
	}
	link = newPeerLinkCoordinator(s.self, remote, role, transport, s.sendSignal, hooks, s.logger)
	link.negotiationTimeout = s.negotiationTimeout

	s.linksMu.Lock()
	s.links[remote] = link
	s.linksMu.Unlock()

	s.media.Attach(remote, link)
	link.start()
	s.logger.Debugw("peer link created", "remote_id", remote, "role", role)
	return link, nil
}

func (s *ParticipantSession) closeLink(remote domain.ParticipantID) {
	s.linksMu.Lock()
	link, ok := s.links[remote]
	delete(s.links, remote)
	s.linksMu.Unlock()
	if !ok {
		return
	}

	s.media.Detach(remote)
	link.Close()
	s.logger.Debugw("peer link closed", "remote_id", remote)
}

func (s *ParticipantSession) link(remote domain.ParticipantID) *PeerLinkCoordinator {
	s.linksMu.RLock()
	defer s.linksMu.RUnlock()
	return s.links[remote]
}

// teardown closes every link and releases local media in one pass. It runs
// once, either from the loop on connection loss or from Leave.
func (s *ParticipantSession) teardown(notifyServer bool) {
	s.teardownOnce.Do(func() {
		s.linksMu.Lock()
		links := s.links
		s.links = make(map[domain.ParticipantID]*PeerLinkCoordinator)
		s.linksMu.Unlock()

		for _, link := range links {
			link.Close()
		}
		s.media.Release()

		if notifyServer {
			ctx, cancel := context.WithTimeout(context.Background(), leaveNotifyTimeout)
			if err := s.conn.Send(ctx, domain.LeaveRoom{}); err != nil {
				s.logger.Debugw("sending leave-room", "error", err)
			}
			cancel()
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debugw("closing signaling connection", "error", err)
		}

		s.logger.Infow("left room", "links_closed", len(links))
		if s.callbacks.OnClosed != nil {
			s.callbacks.OnClosed()
		}
	})
}

func (s *ParticipantSession) sendSignal(ctx context.Context, msg domain.SignalMessage) error {
	return s.conn.Send(ctx, domain.Signal{SignalMessage: msg})
}

func (s *ParticipantSession) publishMediaState(media domain.MediaState) {
	ctx, cancel := context.WithTimeout(context.Background(), leaveNotifyTimeout)
	defer cancel()
	if err := s.conn.Send(ctx, domain.MediaStateUpdate{MediaState: media}); err != nil {
		s.logger.Debugw("sending media-state", "error", err)
	}
}

func (s *ParticipantSession) reportUnavailable(remote domain.ParticipantID, err error) {
	s.logger.Warnw("peer unavailable", "remote_id", remote, "error", err)
	if s.callbacks.OnPeerUnavailable != nil {
		s.callbacks.OnPeerUnavailable(remote, err)
	}
}

func (s *ParticipantSession) notifyMembership(remote domain.ParticipantID, joined bool) {
	if s.callbacks.OnMembership != nil {
		s.callbacks.OnMembership(remote, joined)
	}
}

func (s *ParticipantSession) notifyMediaState(remote domain.ParticipantID, media domain.MediaState) {
	if s.callbacks.OnMediaState != nil {
		s.callbacks.OnMediaState(remote, media)
	}
}
