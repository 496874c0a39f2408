package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
)

var connSeq atomic.Int64

// recordingConn is a server-side connection that keeps every event it is
// handed.
type recordingConn struct {
	id     domain.ConnectionID
	mu     sync.Mutex
	events []domain.Event
	full   bool
}

func newRecordingConn() *recordingConn {
	return &recordingConn{id: domain.ConnectionID(fmt.Sprintf("conn-%d", connSeq.Add(1)))}
}

func (c *recordingConn) ID() domain.ConnectionID { return c.id }

func (c *recordingConn) Deliver(ev domain.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *recordingConn) Events() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Event(nil), c.events...)
}

func (c *recordingConn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

func eventsOf[T domain.Event](c *recordingConn) []T {
	var out []T
	for _, ev := range c.Events() {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

// countingMetrics counts what the registry and relay report.
type countingMetrics struct {
	mu         sync.Mutex
	rooms      int
	members    int
	collisions int
	relayed    map[domain.SignalType]int
	dropped    map[string]int
	chats      int
	failures   int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{relayed: map[domain.SignalType]int{}, dropped: map[string]int{}}
}

func (m *countingMetrics) RoomCreated()         { m.mu.Lock(); m.rooms++; m.mu.Unlock() }
func (m *countingMetrics) RoomClosed()          { m.mu.Lock(); m.rooms--; m.mu.Unlock() }
func (m *countingMetrics) ParticipantJoined()   { m.mu.Lock(); m.members++; m.mu.Unlock() }
func (m *countingMetrics) ParticipantLeft()     { m.mu.Lock(); m.members--; m.mu.Unlock() }
func (m *countingMetrics) IdentifierCollision() { m.mu.Lock(); m.collisions++; m.mu.Unlock() }
func (m *countingMetrics) DeliveryFailed()      { m.mu.Lock(); m.failures++; m.mu.Unlock() }
func (m *countingMetrics) ChatRelayed(int)      { m.mu.Lock(); m.chats++; m.mu.Unlock() }

func (m *countingMetrics) SignalRelayed(t domain.SignalType) {
	m.mu.Lock()
	m.relayed[t]++
	m.mu.Unlock()
}

func (m *countingMetrics) SignalDropped(reason string) {
	m.mu.Lock()
	m.dropped[reason]++
	m.mu.Unlock()
}

func (m *countingMetrics) snapshot() (rooms, members, collisions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms, m.members, m.collisions
}

func (m *countingMetrics) droppedFor(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[reason]
}

// fakeTransport negotiates instantly and records what the coordinator asks
// of it.
type fakeTransport struct {
	remote domain.ParticipantID

	mu          sync.Mutex
	offers      int
	answers     int
	accepted    int
	candidates  []json.RawMessage
	tracks      map[domain.MediaKind]webrtc.TrackLocal
	trackCalls  int
	closed      bool
	failOffer   error
	failAccept  error
	emitTrack   bool
	onCandidate func(json.RawMessage)
	onTrack     func(ports.RemoteTrack)
	onState     func(ports.TransportState)
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failOffer != nil {
		return nil, t.failOffer
	}
	t.offers++
	return json.RawMessage(`{"type":"offer","sdp":"fake"}`), nil
}

func (t *fakeTransport) AcceptOffer(ctx context.Context, offer json.RawMessage) (json.RawMessage, error) {
	t.mu.Lock()
	if t.failAccept != nil {
		t.mu.Unlock()
		return nil, t.failAccept
	}
	t.answers++
	emit, onTrack := t.emitTrack, t.onTrack
	t.mu.Unlock()

	if emit && onTrack != nil {
		onTrack(fakeRemoteTrack{kind: domain.MediaVideo})
	}
	return json.RawMessage(`{"type":"answer","sdp":"fake"}`), nil
}

func (t *fakeTransport) AcceptAnswer(ctx context.Context, answer json.RawMessage) error {
	t.mu.Lock()
	if t.failAccept != nil {
		t.mu.Unlock()
		return t.failAccept
	}
	t.accepted++
	emit, onTrack := t.emitTrack, t.onTrack
	t.mu.Unlock()

	if emit && onTrack != nil {
		onTrack(fakeRemoteTrack{kind: domain.MediaVideo})
	}
	return nil
}

func (t *fakeTransport) AddCandidate(candidate json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *fakeTransport) SetTrack(kind domain.MediaKind, track webrtc.TrackLocal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	if t.tracks == nil {
		t.tracks = make(map[domain.MediaKind]webrtc.TrackLocal)
	}
	t.tracks[kind] = track
	t.trackCalls++
	return nil
}

func (t *fakeTransport) OnLocalCandidate(fn func(json.RawMessage)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnRemoteTrack(fn func(ports.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnStateChange(fn func(ports.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) gatherCandidate(raw string) {
	t.mu.Lock()
	fn := t.onCandidate
	t.mu.Unlock()
	fn(json.RawMessage(raw))
}

func (t *fakeTransport) reportState(state ports.TransportState) {
	t.mu.Lock()
	fn := t.onState
	t.mu.Unlock()
	fn(state)
}

func (t *fakeTransport) track(kind domain.MediaKind) webrtc.TrackLocal {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracks[kind]
}

func (t *fakeTransport) offerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offers
}

func (t *fakeTransport) addedCandidates() []json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]json.RawMessage(nil), t.candidates...)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeRemoteTrack struct {
	kind domain.MediaKind
}

func (r fakeRemoteTrack) ID() string             { return "remote-" + string(r.kind) }
func (r fakeRemoteTrack) StreamID() string       { return "remote-stream" }
func (r fakeRemoteTrack) Kind() domain.MediaKind { return r.kind }

type fakeTransportFactory struct {
	mu         sync.Mutex
	transports map[domain.ParticipantID][]*fakeTransport
	fail       map[domain.ParticipantID]error
	emitTracks bool
}

func newFakeTransportFactory() *fakeTransportFactory {
	return &fakeTransportFactory{
		transports: make(map[domain.ParticipantID][]*fakeTransport),
		fail:       make(map[domain.ParticipantID]error),
	}
}

func (f *fakeTransportFactory) NewTransport(remote domain.ParticipantID) (ports.PeerTransport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[remote]; err != nil {
		return nil, err
	}
	t := &fakeTransport{remote: remote, emitTrack: f.emitTracks}
	f.transports[remote] = append(f.transports[remote], t)
	return t, nil
}

// latest returns the newest transport created toward remote.
func (f *fakeTransportFactory) latest(remote domain.ParticipantID) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.transports[remote]
	if len(ts) == 0 {
		return nil
	}
	return ts[len(ts)-1]
}

func (f *fakeTransportFactory) all() []*fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeTransport
	for _, ts := range f.transports {
		out = append(out, ts...)
	}
	return out
}

func (f *fakeTransportFactory) totalOffers() int {
	n := 0
	for _, t := range f.all() {
		n += t.offerCount()
	}
	return n
}

// fakeSource is a capture source with a real, unconnected pion track.
type fakeSource struct {
	kind  domain.CaptureKind
	track webrtc.TrackLocal

	mu      sync.Mutex
	enabled bool
	closed  bool
	ended   bool
	onEnded []func()
}

func newFakeSource(kind domain.CaptureKind, seq int) *fakeSource {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if kind == domain.CaptureMicrophone {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	}
	track, err := webrtc.NewTrackLocalStaticSample(codec, fmt.Sprintf("%s-%d", kind, seq), "local")
	if err != nil {
		panic(err)
	}
	return &fakeSource{kind: kind, track: track, enabled: true}
}

func (s *fakeSource) Kind() domain.CaptureKind { return s.kind }
func (s *fakeSource) Track() webrtc.TrackLocal { return s.track }

func (s *fakeSource) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

func (s *fakeSource) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *fakeSource) OnEnded(fn func()) {
	s.mu.Lock()
	s.onEnded = append(s.onEnded, fn)
	s.mu.Unlock()
}

// End simulates the capture stopping on its own.
func (s *fakeSource) End() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	fns := s.onEnded
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeDevice struct {
	mu          sync.Mutex
	unavailable map[domain.CaptureKind]bool
	acquired    []*fakeSource
}

func newFakeDevice(unavailable ...domain.CaptureKind) *fakeDevice {
	d := &fakeDevice{unavailable: make(map[domain.CaptureKind]bool)}
	for _, k := range unavailable {
		d.unavailable[k] = true
	}
	return d
}

func (d *fakeDevice) Acquire(ctx context.Context, kind domain.CaptureKind) (ports.CaptureSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unavailable[kind] {
		return nil, errors.New("no such device")
	}
	src := newFakeSource(kind, len(d.acquired))
	d.acquired = append(d.acquired, src)
	return src, nil
}

func (d *fakeDevice) setUnavailable(kind domain.CaptureKind, unavailable bool) {
	d.mu.Lock()
	d.unavailable[kind] = unavailable
	d.mu.Unlock()
}

// sources returns every acquired source of kind, oldest first.
func (d *fakeDevice) sources(kind domain.CaptureKind) []*fakeSource {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*fakeSource
	for _, s := range d.acquired {
		if s.kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// loopbackConn connects a ParticipantSession straight to a dispatcher in the
// same process. It is both the client SignalingConnection and the server
// Connection.
type loopbackConn struct {
	id         domain.ConnectionID
	dispatcher *SignalingDispatcher
	sess       *ServerSession

	mu     sync.Mutex
	open   bool
	closed bool
	events chan domain.Event
	sent   []domain.Event
}

func newLoopbackConn(dispatcher *SignalingDispatcher) *loopbackConn {
	c := &loopbackConn{
		id:         domain.ConnectionID(fmt.Sprintf("loop-%d", connSeq.Add(1))),
		dispatcher: dispatcher,
		events:     make(chan domain.Event, 4096),
	}
	c.sess = NewServerSession(c)
	return c
}

func (c *loopbackConn) ID() domain.ConnectionID { return c.id }

func (c *loopbackConn) Deliver(ev domain.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *loopbackConn) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrSessionClosed
	}
	c.open = true
	return nil
}

func (c *loopbackConn) Send(ctx context.Context, ev domain.Event) error {
	c.mu.Lock()
	if !c.open || c.closed {
		c.mu.Unlock()
		return domain.ErrSessionClosed
	}
	c.sent = append(c.sent, ev)
	c.mu.Unlock()

	if err := c.dispatcher.Dispatch(ctx, c.sess, ev); err != nil {
		c.Deliver(domain.ErrorEvent{Message: err.Error()})
	}
	return nil
}

func (c *loopbackConn) Events() <-chan domain.Event { return c.events }

func (c *loopbackConn) Close() error {
	c.dispatcher.Disconnect(context.Background(), c.sess)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// drop simulates the server losing the connection without a leave-room.
func (c *loopbackConn) drop() {
	_ = c.Close()
}

func (c *loopbackConn) sentOf(t domain.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, ev := range c.sent {
		if ev.EventType() == t {
			n++
		}
	}
	return n
}
