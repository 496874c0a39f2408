package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type linkHarness struct {
	link      *PeerLinkCoordinator
	transport *fakeTransport

	mu          sync.Mutex
	sent        []domain.SignalMessage
	states      []domain.LinkState
	tracks      []ports.RemoteTrack
	unavailable []error
	lost        []ports.TransportState
	sendErr     error
}

func newLinkHarness(t *testing.T, role domain.LinkRole) *linkHarness {
	t.Helper()
	return newTimedLinkHarness(t, role, 0)
}

func newTimedLinkHarness(t *testing.T, role domain.LinkRole, negotiationTimeout time.Duration) *linkHarness {
	t.Helper()
	h := &linkHarness{transport: &fakeTransport{remote: "bob"}}
	hooks := coordinatorHooks{
		onState: func(_ domain.ParticipantID, s domain.LinkState) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
		onRemoteTrack: func(_ domain.ParticipantID, tr ports.RemoteTrack) {
			h.mu.Lock()
			h.tracks = append(h.tracks, tr)
			h.mu.Unlock()
		},
		onUnavailable: func(_ domain.ParticipantID, err error) {
			h.mu.Lock()
			h.unavailable = append(h.unavailable, err)
			h.mu.Unlock()
		},
		onTransportLost: func(_ domain.ParticipantID, s ports.TransportState) {
			h.mu.Lock()
			h.lost = append(h.lost, s)
			h.mu.Unlock()
		},
	}
	send := func(ctx context.Context, msg domain.SignalMessage) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.sendErr != nil {
			return h.sendErr
		}
		h.sent = append(h.sent, msg)
		return nil
	}
	h.link = newPeerLinkCoordinator("alice", "bob", role, h.transport, send, hooks, zap.NewNop().Sugar())
	h.link.negotiationTimeout = negotiationTimeout
	h.link.start()
	t.Cleanup(h.link.Close)
	return h
}

func (h *linkHarness) sentTypes() []domain.SignalType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.SignalType, 0, len(h.sent))
	for _, m := range h.sent {
		out = append(out, m.Type)
	}
	return out
}

func (h *linkHarness) sentMessages() []domain.SignalMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.SignalMessage(nil), h.sent...)
}

func (h *linkHarness) stateHistory() []domain.LinkState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.LinkState(nil), h.states...)
}

func (h *linkHarness) unavailableCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.unavailable)
}

func (h *linkHarness) trackCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tracks)
}

func (h *linkHarness) waitState(t *testing.T, want domain.LinkState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.link.State() == want }, waitFor, tick, "want %s, have %s", want, h.link.State())
}

func inbound(kind domain.SignalType, payload string) domain.SignalMessage {
	return domain.SignalMessage{From: "bob", To: "alice", Type: kind, Payload: json.RawMessage(payload)}
}

func TestCoordinator_InitiatorHappyPath(t *testing.T) {
	h := newLinkHarness(t, domain.RoleInitiator)
	assert.Equal(t, domain.LinkIdle, h.link.State())

	h.link.Initiate()
	h.waitState(t, domain.LinkAwaitingAnswer)

	msgs := h.sentMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.SignalOffer, msgs[0].Type)
	assert.Equal(t, domain.ParticipantID("bob"), msgs[0].To)
	assert.Equal(t, domain.ParticipantID("alice"), msgs[0].From)

	h.link.Deliver(inbound(domain.SignalAnswer, `{"type":"answer"}`))
	h.waitState(t, domain.LinkConnected)

	assert.Equal(t, []domain.LinkState{
		domain.LinkLocalOfferPending,
		domain.LinkOfferSent,
		domain.LinkAwaitingAnswer,
		domain.LinkConnected,
	}, h.stateHistory())
	assert.Equal(t, 1, h.transport.offerCount())
}

func TestCoordinator_InitiateTwiceOffersOnce(t *testing.T) {
	h := newLinkHarness(t, domain.RoleInitiator)
	h.link.Initiate()
	h.link.Initiate()
	h.waitState(t, domain.LinkAwaitingAnswer)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []domain.SignalType{domain.SignalOffer}, h.sentTypes())
}

func TestCoordinator_ReceiverHappyPath(t *testing.T) {
	h := newLinkHarness(t, domain.RoleReceiver)

	h.link.Deliver(inbound(domain.SignalOffer, `{"type":"offer"}`))
	h.waitState(t, domain.LinkConnected)

	assert.Equal(t, []domain.SignalType{domain.SignalAnswer}, h.sentTypes())
	assert.Equal(t, []domain.LinkState{
		domain.LinkOfferReceived,
		domain.LinkAnswerSent,
		domain.LinkConnected,
	}, h.stateHistory())
	assert.Zero(t, h.transport.offerCount(), "a receiver never offers")
}

func TestCoordinator_RemoteCandidatesBufferedUntilDescription(t *testing.T) {
	h := newLinkHarness(t, domain.RoleInitiator)
	h.link.Initiate()
	h.waitState(t, domain.LinkAwaitingAnswer)

	h.link.Deliver(inbound(domain.SignalICECandidate, `{"candidate":"c1"}`))
	h.link.Deliver(inbound(domain.SignalICECandidate, `{"candidate":"c2"}`))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.transport.addedCandidates(), "no remote description yet")

	h.link.Deliver(inbound(domain.SignalAnswer, `{"type":"answer"}`))
	h.link.Deliver(inbound(domain.SignalICECandidate, `{"candidate":"c3"}`))
	require.Eventually(t, func() bool { return len(h.transport.addedCandidates()) == 3 }, waitFor, tick)

	var got []string
	for _, c := range h.transport.addedCandidates() {
		got = append(got, string(c))
	}
	assert.Equal(t, []string{`{"candidate":"c1"}`, `{"candidate":"c2"}`, `{"candidate":"c3"}`}, got)
}

func TestCoordinator_ReceiverAcceptsCandidatesBeforeOffer(t *testing.T) {
	h := newLinkHarness(t, domain.RoleReceiver)

	h.link.Deliver(inbound(domain.SignalICECandidate, `{"candidate":"early"}`))
	h.link.Deliver(inbound(domain.SignalOffer, `{"type":"offer"}`))
	h.waitState(t, domain.LinkConnected)
	require.Eventually(t, func() bool { return len(h.transport.addedCandidates()) == 1 }, waitFor, tick)
}

func TestCoordinator_LocalCandidatesFollowTheDescription(t *testing.T) {
	h := newLinkHarness(t, domain.RoleReceiver)

	h.transport.gatherCandidate(`{"candidate":"local-early"}`)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.sentTypes(), "nothing is sent before the answer")

	h.link.Deliver(inbound(domain.SignalOffer, `{"type":"offer"}`))
	h.waitState(t, domain.LinkConnected)
	h.transport.gatherCandidate(`{"candidate":"local-late"}`)

	require.Eventually(t, func() bool { return len(h.sentTypes()) == 3 }, waitFor, tick)
	assert.Equal(t, []domain.SignalType{domain.SignalAnswer, domain.SignalICECandidate, domain.SignalICECandidate}, h.sentTypes())
	assert.Equal(t, `{"candidate":"local-early"}`, string(h.sentMessages()[1].Payload))
}

func TestCoordinator_OutOfOrderMessagesAreDiscarded(t *testing.T) {
	h := newLinkHarness(t, domain.RoleReceiver)

	// answer with no offer outstanding
	h.link.Deliver(inbound(domain.SignalAnswer, `{"type":"answer"}`))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.LinkIdle, h.link.State())

	h.link.Deliver(inbound(domain.SignalOffer, `{"type":"offer"}`))
	h.waitState(t, domain.LinkConnected)

	// a second offer does not restart negotiation
	h.link.Deliver(inbound(domain.SignalOffer, `{"type":"offer"}`))
	h.link.Deliver(inbound("bogus", `{}`))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.LinkConnected, h.link.State())
	assert.Equal(t, []domain.SignalType{domain.SignalAnswer}, h.sentTypes())
	assert.Zero(t, h.unavailableCount())
}

func TestCoordinator_NegotiationFailureRaisesUnavailableOnce(t *testing.T) {
	h := newLinkHarness(t, domain.RoleInitiator)
	h.transport.failOffer = errors.New("no codecs")

	h.link.Initiate()
	require.Eventually(t, func() bool { return h.unavailableCount() == 1 }, waitFor, tick)
	assert.Equal(t, domain.LinkLocalOfferPending, h.link.State())

	h2 := newLinkHarness(t, domain.RoleReceiver)
	h2.transport.failAccept = errors.New("bad sdp")
	h2.link.Deliver(inbound(domain.SignalOffer, `{}`))
	h2.link.Deliver(inbound(domain.SignalOffer, `{}`))
	require.Eventually(t, func() bool { return h2.unavailableCount() == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h2.unavailableCount())
}

func TestCoordinator_SendFailureIsUnavailable(t *testing.T) {
	h := newLinkHarness(t, domain.RoleInitiator)
	h.mu.Lock()
	h.sendErr = domain.ErrSessionClosed
	h.mu.Unlock()

	h.link.Initiate()
	require.Eventually(t, func() bool { return h.unavailableCount() == 1 }, waitFor, tick)
	assert.NotEqual(t, domain.LinkConnected, h.link.State())
}

func TestCoordinator_RemoteTracksWaitForConnected(t *testing.T) {
	h := newLinkHarness(t, domain.RoleInitiator)
	h.transport.mu.Lock()
	onTrack := h.transport.onTrack
	h.transport.mu.Unlock()

	h.link.Initiate()
	h.waitState(t, domain.LinkAwaitingAnswer)
	onTrack(fakeRemoteTrack{kind: domain.MediaAudio})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.trackCount())

	h.link.Deliver(inbound(domain.SignalAnswer, `{}`))
	require.Eventually(t, func() bool { return h.trackCount() == 1 }, waitFor, tick)

	onTrack(fakeRemoteTrack{kind: domain.MediaVideo})
	require.Eventually(t, func() bool { return h.trackCount() == 2 }, waitFor, tick)
}

func TestCoordinator_TransportLoss(t *testing.T) {
	h := newLinkHarness(t, domain.RoleReceiver)
	h.link.Deliver(inbound(domain.SignalOffer, `{}`))
	h.waitState(t, domain.LinkConnected)

	h.transport.reportState(ports.TransportDisconnected)
	time.Sleep(20 * time.Millisecond)
	h.mu.Lock()
	assert.Empty(t, h.lost, "disconnected may recover")
	h.mu.Unlock()

	h.transport.reportState(ports.TransportFailed)
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.lost) == 1 && h.lost[0] == ports.TransportFailed
	}, waitFor, tick)
}

func TestCoordinator_CloseIsTerminal(t *testing.T) {
	h := newLinkHarness(t, domain.RoleReceiver)
	h.link.Deliver(inbound(domain.SignalOffer, `{}`))
	h.waitState(t, domain.LinkConnected)

	h.link.Close()
	h.link.Close()
	assert.Equal(t, domain.LinkClosed, h.link.State())
	assert.True(t, h.transport.isClosed())
	assert.ErrorIs(t, h.link.SetTrack(domain.MediaVideo, nil), domain.ErrLinkClosed)

	h.link.Deliver(inbound(domain.SignalOffer, `{}`))
	h.link.Initiate()
	assert.Equal(t, domain.LinkClosed, h.link.State())
}

func TestCoordinator_CloseBeforeStart(t *testing.T) {
	transport := &fakeTransport{}
	link := newPeerLinkCoordinator("alice", "bob", domain.RoleInitiator, transport,
		func(context.Context, domain.SignalMessage) error { return nil }, coordinatorHooks{}, zap.NewNop().Sugar())

	done := make(chan struct{})
	go func() {
		link.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("Close blocked on a coordinator that never started")
	}
	assert.True(t, transport.isClosed())
}

func TestCoordinator_SetTrackDoesNotRenegotiate(t *testing.T) {
	h := newLinkHarness(t, domain.RoleInitiator)
	h.link.Initiate()
	h.link.Deliver(inbound(domain.SignalAnswer, `{}`))
	h.waitState(t, domain.LinkConnected)

	src := newFakeSource(domain.CaptureScreen, 0)
	require.NoError(t, h.link.SetTrack(domain.MediaVideo, src.Track()))
	assert.Equal(t, src.Track(), h.transport.track(domain.MediaVideo))
	assert.Equal(t, domain.LinkConnected, h.link.State())
	assert.Equal(t, 1, h.transport.offerCount())
	assert.Equal(t, []domain.SignalType{domain.SignalOffer}, h.sentTypes())
}

func (h *linkHarness) unavailableErrs() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.unavailable...)
}

func TestCoordinator_LostAnswerTimesOut(t *testing.T) {
	h := newTimedLinkHarness(t, domain.RoleInitiator, 40*time.Millisecond)
	h.link.Initiate()
	h.waitState(t, domain.LinkAwaitingAnswer)

	require.Eventually(t, func() bool { return len(h.unavailableErrs()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, h.unavailableErrs()[0], domain.ErrNegotiationTimeout)
	assert.Equal(t, domain.LinkAwaitingAnswer, h.link.State(), "the link is reported, not torn down")

	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.unavailableErrs(), 1, "reported once")
}

func TestCoordinator_ReceiverWithoutOfferTimesOut(t *testing.T) {
	h := newTimedLinkHarness(t, domain.RoleReceiver, 40*time.Millisecond)
	// an early candidate opened the link but the offer never arrives
	h.link.Deliver(inbound(domain.SignalICECandidate, `{"candidate":"c1"}`))

	require.Eventually(t, func() bool { return len(h.unavailableErrs()) == 1 }, waitFor, tick)
	assert.ErrorIs(t, h.unavailableErrs()[0], domain.ErrNegotiationTimeout)
	assert.Equal(t, domain.LinkIdle, h.link.State())
}

func TestCoordinator_ConnectedLinkDoesNotTimeOut(t *testing.T) {
	h := newTimedLinkHarness(t, domain.RoleInitiator, 60*time.Millisecond)
	h.link.Initiate()
	h.waitState(t, domain.LinkAwaitingAnswer)
	h.link.Deliver(inbound(domain.SignalAnswer, `{}`))
	h.waitState(t, domain.LinkConnected)

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, h.unavailableErrs())
}

func TestCoordinator_CloseStopsTheDeadline(t *testing.T) {
	h := newTimedLinkHarness(t, domain.RoleInitiator, 40*time.Millisecond)
	h.link.Initiate()
	h.waitState(t, domain.LinkAwaitingAnswer)
	h.link.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, h.unavailableErrs())
}
