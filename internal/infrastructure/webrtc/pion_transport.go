package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// WebRTCConfig WebRTC configuration
type WebRTCConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// seqJumpThreshold is the RTP sequence gap treated as a source switch on the
// sending side, which calls for a fresh keyframe.
const seqJumpThreshold = 1000

// PionTransportFactory builds one PeerConnection per remote participant.
type PionTransportFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
	logger *zap.SugaredLogger
}

func NewPionTransportFactory(cfg WebRTCConfig, logger *zap.SugaredLogger) (*PionTransportFactory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("port range: %w", err)
		}
	}

	return &PionTransportFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(settingEngine),
		),
		config: webrtc.Configuration{
			ICEServers:   cfg.ICEServers,
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},
		logger: logger,
	}, nil
}

// NewTransport creates a PeerConnection with one send-receive transceiver per
// media kind, so later track substitutions never renegotiate.
func (f *PionTransportFactory) NewTransport(remote domain.ParticipantID) (ports.PeerTransport, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &PionTransport{
		remote:  remote,
		pc:      pc,
		senders: make(map[domain.MediaKind]*webrtc.RTPSender, 2),
		logger:  f.logger.With("remote_id", remote),
	}

	for _, kind := range []domain.MediaKind{domain.MediaAudio, domain.MediaVideo} {
		tr, err := pc.AddTransceiverFromKind(codecTypeOf(kind), webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		})
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
		t.senders[kind] = tr.Sender()
		go t.readSenderRTCP(kind, tr.Sender())
	}

	pc.OnICECandidate(t.handleICECandidate)
	pc.OnConnectionStateChange(t.handleConnectionState)
	pc.OnTrack(t.handleTrack)

	return t, nil
}

// PionTransport implements ports.PeerTransport on a pion PeerConnection.
// Descriptions travel as webrtc.SessionDescription JSON and candidates as
// webrtc.ICECandidateInit JSON.
type PionTransport struct {
	remote  domain.ParticipantID
	pc      *webrtc.PeerConnection
	senders map[domain.MediaKind]*webrtc.RTPSender
	logger  *zap.SugaredLogger

	mu          sync.RWMutex
	onCandidate func(json.RawMessage)
	onTrack     func(ports.RemoteTrack)
	onState     func(ports.TransportState)

	closeOnce sync.Once
}

func (t *PionTransport) CreateOffer(ctx context.Context) (json.RawMessage, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local offer: %w", err)
	}
	return json.Marshal(offer)
}

func (t *PionTransport) AcceptOffer(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	offer, err := decodeDescription(raw, webrtc.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	if err := t.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local answer: %w", err)
	}
	return json.Marshal(answer)
}

func (t *PionTransport) AcceptAnswer(ctx context.Context, raw json.RawMessage) error {
	answer, err := decodeDescription(raw, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

func (t *PionTransport) AddCandidate(raw json.RawMessage) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &candidate); err != nil {
		return fmt.Errorf("%w: candidate: %v", domain.ErrInvalidSignal, err)
	}
	return t.pc.AddICECandidate(candidate)
}

// SetTrack swaps the outgoing track of kind in place. The remote side keeps
// its receiver; only a keyframe request follows.
func (t *PionTransport) SetTrack(kind domain.MediaKind, track webrtc.TrackLocal) error {
	sender, ok := t.senders[kind]
	if !ok {
		return fmt.Errorf("no sender for %s", kind)
	}
	if err := sender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace %s track: %w", kind, err)
	}
	return nil
}

func (t *PionTransport) OnLocalCandidate(fn func(json.RawMessage)) {
	t.mu.Lock()
	t.onCandidate = fn
	t.mu.Unlock()
}

func (t *PionTransport) OnRemoteTrack(fn func(ports.RemoteTrack)) {
	t.mu.Lock()
	t.onTrack = fn
	t.mu.Unlock()
}

func (t *PionTransport) OnStateChange(fn func(ports.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *PionTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		err = t.pc.Close()
	})
	return err
}

// SignalingState exposes the negotiation state for diagnostics.
func (t *PionTransport) SignalingState() webrtc.SignalingState {
	return t.pc.SignalingState()
}

func (t *PionTransport) handleICECandidate(c *webrtc.ICECandidate) {
	if c == nil {
		// gathering complete
		return
	}
	raw, err := json.Marshal(c.ToJSON())
	if err != nil {
		t.logger.Warnw("encoding local candidate", "error", err)
		return
	}

	t.mu.RLock()
	fn := t.onCandidate
	t.mu.RUnlock()
	if fn != nil {
		fn(raw)
	}
}

func (t *PionTransport) handleConnectionState(state webrtc.PeerConnectionState) {
	t.logger.Infow("peer connection state changed", "connection_state", state)

	var mapped ports.TransportState
	switch state {
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		mapped = ports.TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		mapped = ports.TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		mapped = ports.TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		mapped = ports.TransportFailed
	case webrtc.PeerConnectionStateClosed:
		mapped = ports.TransportClosed
	default:
		return
	}

	t.mu.RLock()
	fn := t.onState
	t.mu.RUnlock()
	if fn != nil {
		fn(mapped)
	}
}

func (t *PionTransport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := domain.MediaAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.MediaVideo
	}
	t.logger.Infow("remote track started",
		"track_id", track.ID(),
		"kind", kind,
		"codec", track.Codec().MimeType,
	)

	remote := &RemoteTrack{track: track, kind: kind}
	t.mu.RLock()
	fn := t.onTrack
	t.mu.RUnlock()
	if fn != nil {
		fn(remote)
	}

	go t.readRemoteTrack(remote)
}

// readRemoteTrack drains the incoming RTP stream and asks for a keyframe
// whenever the sender switched sources.
func (t *PionTransport) readRemoteTrack(remote *RemoteTrack) {
	if remote.kind == domain.MediaVideo {
		t.requestKeyframe(remote.track)
	}

	var lastSeq uint16
	first := true
	for {
		pkt, _, err := remote.track.ReadRTP()
		if err != nil {
			t.logger.Debugw("remote track ended", "track_id", remote.track.ID(), "error", err)
			return
		}
		remote.packets.Add(1)
		remote.bytes.Add(uint64(len(pkt.Payload)))

		gap := pkt.SequenceNumber - lastSeq
		if !first && gap > seqJumpThreshold && gap < 65536-seqJumpThreshold {
			remote.switches.Add(1)
			if remote.kind == domain.MediaVideo {
				t.requestKeyframe(remote.track)
			}
		}
		lastSeq, first = pkt.SequenceNumber, false
	}
}

func (t *PionTransport) requestKeyframe(track *webrtc.TrackRemote) {
	err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
	if err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		t.logger.Debugw("sending PLI", "error", err)
	}
}

// readSenderRTCP drains RTCP for one sender so the interceptors keep
// running, and logs the feedback the remote side sends.
func (t *PionTransport) readSenderRTCP(kind domain.MediaKind, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch p := packet.(type) {
			case *rtcp.PictureLossIndication:
				t.logger.Debugw("received PLI", "kind", kind, "media_ssrc", p.MediaSSRC)
			case *rtcp.TransportLayerNack:
				t.logger.Debugw("received NACK", "kind", kind, "nacks", len(p.Nacks))
			case *rtcp.ReceiverReport:
				for _, report := range p.Reports {
					t.logger.Debugw("receiver report",
						"kind", kind,
						"fraction_lost", report.FractionLost,
						"jitter", report.Jitter,
					)
				}
			}
		}
	}
}

func codecTypeOf(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.MediaVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}

func decodeDescription(raw json.RawMessage, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("%w: description: %v", domain.ErrInvalidSignal, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("%w: expected %s, got %s", domain.ErrInvalidSignal, want, desc.Type)
	}
	return desc, nil
}

// RemoteTrack is an incoming pion track with receive counters.
type RemoteTrack struct {
	track *webrtc.TrackRemote
	kind  domain.MediaKind

	packets  atomic.Uint64
	bytes    atomic.Uint64
	switches atomic.Uint64
}

func (r *RemoteTrack) ID() string             { return r.track.ID() }
func (r *RemoteTrack) StreamID() string       { return r.track.StreamID() }
func (r *RemoteTrack) Kind() domain.MediaKind { return r.kind }

// Packets returns the RTP packets received so far.
func (r *RemoteTrack) Packets() uint64 { return r.packets.Load() }

// Bytes returns the payload bytes received so far.
func (r *RemoteTrack) Bytes() uint64 { return r.bytes.Load() }

// SourceSwitches counts detected substitutions on the sending side.
func (r *RemoteTrack) SourceSwitches() uint64 { return r.switches.Load() }
