package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type linkEventKind int

const (
	linkInitiate linkEventKind = iota
	linkInbound
	linkLocalCandidate
	linkTransportState
	linkRemoteTrack
	linkDeadline
)

type linkEvent struct {
	kind      linkEventKind
	signal    domain.SignalMessage
	candidate json.RawMessage
	state     ports.TransportState
	track     ports.RemoteTrack
	deadline  int
}

// coordinatorHooks are invoked from the coordinator goroutine and must not block.
type coordinatorHooks struct {
	onState         func(remote domain.ParticipantID, state domain.LinkState)
	onRemoteTrack   func(remote domain.ParticipantID, track ports.RemoteTrack)
	onUnavailable   func(remote domain.ParticipantID, err error)
	onTransportLost func(remote domain.ParticipantID, state ports.TransportState)
}

type signalSender func(ctx context.Context, msg domain.SignalMessage) error

// PeerLinkCoordinator drives the negotiation state machine toward one remote
// participant. All state changes happen on its own goroutine, so links never
// block one another.
type PeerLinkCoordinator struct {
	local     domain.ParticipantID
	remote    domain.ParticipantID
	role      domain.LinkRole
	transport ports.PeerTransport
	send      signalSender
	hooks     coordinatorHooks
	logger    *zap.SugaredLogger

	// negotiationTimeout bounds the time from offer (or first inbound
	// message) to Connected. Zero disables the deadline. Set before start.
	negotiationTimeout time.Duration

	mu    sync.RWMutex
	state domain.LinkState

	// Owned by the coordinator goroutine.
	remoteDescSet     bool
	descriptionSent   bool
	pendingRemote     []json.RawMessage
	pendingLocal      []json.RawMessage
	pendingTracks     []ports.RemoteTrack
	unavailableRaised bool
	deadline          *time.Timer
	deadlineGen       int

	box       *mailbox[linkEvent]
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

func newPeerLinkCoordinator(
	local, remote domain.ParticipantID,
	role domain.LinkRole,
	transport ports.PeerTransport,
	send signalSender,
	hooks coordinatorHooks,
	logger *zap.SugaredLogger,
) *PeerLinkCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &PeerLinkCoordinator{
		local:     local,
		remote:    remote,
		role:      role,
		transport: transport,
		send:      send,
		hooks:     hooks,
		logger:    logger.With("remote_id", remote, "role", role),
		state:     domain.LinkIdle,
		box:       newMailbox[linkEvent](),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	transport.OnLocalCandidate(func(candidate json.RawMessage) {
		c.box.push(linkEvent{kind: linkLocalCandidate, candidate: candidate})
	})
	transport.OnStateChange(func(state ports.TransportState) {
		c.box.push(linkEvent{kind: linkTransportState, state: state})
	})
	transport.OnRemoteTrack(func(track ports.RemoteTrack) {
		c.box.push(linkEvent{kind: linkRemoteTrack, track: track})
	})
	return c
}

func (c *PeerLinkCoordinator) Remote() domain.ParticipantID { return c.remote }
func (c *PeerLinkCoordinator) Role() domain.LinkRole        { return c.role }

func (c *PeerLinkCoordinator) State() domain.LinkState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *PeerLinkCoordinator) start() {
	c.startOnce.Do(func() { go c.run() })
}

// Initiate asks the link to produce and relay an offer. Only valid from Idle.
func (c *PeerLinkCoordinator) Initiate() {
	c.box.push(linkEvent{kind: linkInitiate})
}

// Deliver queues an inbound negotiation message from the remote.
func (c *PeerLinkCoordinator) Deliver(msg domain.SignalMessage) {
	c.box.push(linkEvent{kind: linkInbound, signal: msg})
}

// SetTrack substitutes the outgoing track of kind without touching
// negotiation state.
func (c *PeerLinkCoordinator) SetTrack(kind domain.MediaKind, track webrtc.TrackLocal) error {
	if c.State() == domain.LinkClosed {
		return domain.ErrLinkClosed
	}
	return c.transport.SetTrack(kind, track)
}

// Close moves the link to Closed, releases the transport and waits for the
// coordinator goroutine to exit.
func (c *PeerLinkCoordinator) Close() {
	c.closeOnce.Do(func() {
		c.setState(domain.LinkClosed)
		c.cancel()
		if err := c.transport.Close(); err != nil {
			c.logger.Debugw("closing peer transport", "error", err)
		}
		c.startOnce.Do(func() { close(c.done) })
		<-c.done
	})
}

func (c *PeerLinkCoordinator) run() {
	defer close(c.done)
	defer c.disarmDeadline()

	if c.role == domain.RoleReceiver {
		c.armDeadline()
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.box.notify:
			for _, ev := range c.box.drain() {
				if c.ctx.Err() != nil {
					return
				}
				c.handle(ev)
			}
		}
	}
}

func (c *PeerLinkCoordinator) handle(ev linkEvent) {
	switch ev.kind {
	case linkInitiate:
		c.handleInitiate()
	case linkInbound:
		c.handleInbound(ev.signal)
	case linkLocalCandidate:
		c.handleLocalCandidate(ev.candidate)
	case linkTransportState:
		c.handleTransportState(ev.state)
	case linkRemoteTrack:
		c.handleRemoteTrack(ev.track)
	case linkDeadline:
		c.handleDeadline(ev.deadline)
	}
}

func (c *PeerLinkCoordinator) handleInitiate() {
	if !c.transition(domain.LinkLocalOfferPending) {
		return
	}
	c.armDeadline()

	offer, err := c.transport.CreateOffer(c.ctx)
	if err != nil {
		c.unavailable(fmt.Errorf("create offer: %w", err))
		return
	}
	if err := c.sendSignal(domain.SignalOffer, offer); err != nil {
		c.unavailable(fmt.Errorf("send offer: %w", err))
		return
	}
	c.transition(domain.LinkOfferSent)
	c.descriptionSent = true
	c.flushLocalCandidates()
	c.transition(domain.LinkAwaitingAnswer)
}

func (c *PeerLinkCoordinator) handleInbound(msg domain.SignalMessage) {
	switch msg.Type {
	case domain.SignalOffer:
		c.handleOffer(msg.Payload)
	case domain.SignalAnswer:
		c.handleAnswer(msg.Payload)
	case domain.SignalICECandidate:
		c.handleRemoteCandidate(msg.Payload)
	default:
		c.logger.Warnw("discarding unknown signal", "signal_type", msg.Type)
	}
}

func (c *PeerLinkCoordinator) handleOffer(offer json.RawMessage) {
	state := c.State()
	if state != domain.LinkIdle {
		c.logger.Warnw("discarding offer", "state", state, "error", domain.ErrOutOfOrder)
		return
	}
	c.transition(domain.LinkOfferReceived)

	answer, err := c.transport.AcceptOffer(c.ctx, offer)
	if err != nil {
		c.unavailable(fmt.Errorf("accept offer: %w", err))
		return
	}
	c.remoteDescSet = true
	c.applyPendingCandidates()

	if err := c.sendSignal(domain.SignalAnswer, answer); err != nil {
		c.unavailable(fmt.Errorf("send answer: %w", err))
		return
	}
	c.transition(domain.LinkAnswerSent)
	c.descriptionSent = true
	c.flushLocalCandidates()
	c.connected()
}

func (c *PeerLinkCoordinator) handleAnswer(answer json.RawMessage) {
	state := c.State()
	if state != domain.LinkOfferSent && state != domain.LinkAwaitingAnswer {
		c.logger.Warnw("discarding answer", "state", state, "error", domain.ErrOutOfOrder)
		return
	}

	if err := c.transport.AcceptAnswer(c.ctx, answer); err != nil {
		c.unavailable(fmt.Errorf("accept answer: %w", err))
		return
	}
	c.remoteDescSet = true
	c.applyPendingCandidates()
	c.connected()
}

func (c *PeerLinkCoordinator) handleRemoteCandidate(candidate json.RawMessage) {
	if !c.State().AcceptsCandidates() {
		return
	}
	if !c.remoteDescSet {
		c.pendingRemote = append(c.pendingRemote, candidate)
		return
	}
	c.addCandidate(candidate)
}

func (c *PeerLinkCoordinator) applyPendingCandidates() {
	pending := c.pendingRemote
	c.pendingRemote = nil
	for _, candidate := range pending {
		c.addCandidate(candidate)
	}
}

func (c *PeerLinkCoordinator) addCandidate(candidate json.RawMessage) {
	if err := c.transport.AddCandidate(candidate); err != nil {
		c.logger.Debugw("ignoring ICE candidate", "error", err)
	}
}

func (c *PeerLinkCoordinator) handleLocalCandidate(candidate json.RawMessage) {
	if !c.descriptionSent {
		c.pendingLocal = append(c.pendingLocal, candidate)
		return
	}
	if err := c.sendSignal(domain.SignalICECandidate, candidate); err != nil {
		c.logger.Debugw("dropping local ICE candidate", "error", err)
	}
}

func (c *PeerLinkCoordinator) flushLocalCandidates() {
	pending := c.pendingLocal
	c.pendingLocal = nil
	for _, candidate := range pending {
		if err := c.sendSignal(domain.SignalICECandidate, candidate); err != nil {
			c.logger.Debugw("dropping local ICE candidate", "error", err)
		}
	}
}

func (c *PeerLinkCoordinator) handleTransportState(state ports.TransportState) {
	c.logger.Debugw("peer transport state changed", "transport_state", state, "state", c.State())
	// Disconnected may recover on its own; only failed and closed end the link.
	switch state {
	case ports.TransportFailed, ports.TransportClosed:
		if c.hooks.onTransportLost != nil {
			c.hooks.onTransportLost(c.remote, state)
		}
	}
}

func (c *PeerLinkCoordinator) handleRemoteTrack(track ports.RemoteTrack) {
	if c.State() != domain.LinkConnected {
		c.pendingTracks = append(c.pendingTracks, track)
		return
	}
	c.emitTrack(track)
}

func (c *PeerLinkCoordinator) connected() {
	if !c.transition(domain.LinkConnected) {
		return
	}
	c.disarmDeadline()
	tracks := c.pendingTracks
	c.pendingTracks = nil
	for _, track := range tracks {
		c.emitTrack(track)
	}
}

func (c *PeerLinkCoordinator) emitTrack(track ports.RemoteTrack) {
	if c.hooks.onRemoteTrack != nil {
		c.hooks.onRemoteTrack(c.remote, track)
	}
}

// armDeadline (re)starts the negotiation timer. The timer only posts to the
// mailbox; the generation check drops firings of a timer that was replaced.
func (c *PeerLinkCoordinator) armDeadline() {
	if c.negotiationTimeout <= 0 {
		return
	}
	c.disarmDeadline()
	gen := c.deadlineGen
	c.deadline = time.AfterFunc(c.negotiationTimeout, func() {
		c.box.push(linkEvent{kind: linkDeadline, deadline: gen})
	})
}

func (c *PeerLinkCoordinator) disarmDeadline() {
	if c.deadline != nil {
		c.deadline.Stop()
		c.deadline = nil
	}
	c.deadlineGen++
}

func (c *PeerLinkCoordinator) handleDeadline(gen int) {
	if gen != c.deadlineGen {
		return
	}
	c.deadline = nil
	state := c.State()
	if state == domain.LinkConnected || state == domain.LinkClosed {
		return
	}
	c.unavailable(fmt.Errorf("%w: still %s after %s", domain.ErrNegotiationTimeout, state, c.negotiationTimeout))
}

func (c *PeerLinkCoordinator) sendSignal(kind domain.SignalType, payload json.RawMessage) error {
	return c.send(c.ctx, domain.SignalMessage{
		To:      c.remote,
		From:    c.local,
		Type:    kind,
		Payload: payload,
	})
}

// unavailable reports the link as unreachable once. The link stays where it
// is; the surrounding layer treats the peer as absent.
func (c *PeerLinkCoordinator) unavailable(err error) {
	c.logger.Warnw("peer link negotiation failed", "state", c.State(), "error", err)
	if c.unavailableRaised {
		return
	}
	c.unavailableRaised = true
	if c.hooks.onUnavailable != nil {
		c.hooks.onUnavailable(c.remote, err)
	}
}

func (c *PeerLinkCoordinator) transition(to domain.LinkState) bool {
	c.mu.Lock()
	from := c.state
	if !from.CanTransition(to) {
		c.mu.Unlock()
		c.logger.Debugw("ignoring illegal link transition", "from", from, "to", to)
		return false
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Debugw("peer link state changed", "from", from, "to", to)
	if c.hooks.onState != nil {
		c.hooks.onState(c.remote, to)
	}
	return true
}

func (c *PeerLinkCoordinator) setState(to domain.LinkState) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from != to && c.hooks.onState != nil {
		c.hooks.onState(c.remote, to)
	}
}
