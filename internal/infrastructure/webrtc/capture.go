package webrtc

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	videoClockRate = 90000
	audioClockRate = 48000
)

// SyntheticDeviceConfig controls the generated media.
type SyntheticDeviceConfig struct {
	// StreamID groups the tracks of one participant on the remote side.
	StreamID string
	// FrameInterval is the packet cadence of every source.
	FrameInterval time.Duration
	// ScreenDuration ends screen captures on their own after this long;
	// zero keeps them running until closed.
	ScreenDuration time.Duration
	// Unavailable kinds fail to acquire, as a missing camera would.
	Unavailable []domain.CaptureKind
}

// SyntheticDevice is a ports.CaptureDevice that produces RTP packets with
// filler payloads. It stands in for real cameras and microphones in headless
// participants.
type SyntheticDevice struct {
	cfg    SyntheticDeviceConfig
	logger *zap.SugaredLogger
}

func NewSyntheticDevice(cfg SyntheticDeviceConfig, logger *zap.SugaredLogger) *SyntheticDevice {
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 33 * time.Millisecond
	}
	if cfg.StreamID == "" {
		cfg.StreamID = "meshcall-" + uuid.NewString()[:8]
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SyntheticDevice{cfg: cfg, logger: logger}
}

func (d *SyntheticDevice) Acquire(ctx context.Context, kind domain.CaptureKind) (ports.CaptureSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, k := range d.cfg.Unavailable {
		if k == kind {
			return nil, fmt.Errorf("%w: %s", domain.ErrCaptureUnavailable, kind)
		}
	}

	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: videoClockRate}
	clock := uint32(videoClockRate)
	if kind == domain.CaptureMicrophone {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audioClockRate, Channels: 2}
		clock = audioClockRate
	}

	track, err := webrtc.NewTrackLocalStaticRTP(capability, fmt.Sprintf("%s-%s", kind, uuid.NewString()[:8]), d.cfg.StreamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}

	src := &SyntheticSource{
		kind:    kind,
		track:   track,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		seq:     uint16(rand.IntN(1 << 16)),
		ssrc:    rand.Uint32(),
		tsStep:  uint32(float64(clock) * d.cfg.FrameInterval.Seconds()),
		logger:  d.logger,
		enabled: true,
	}

	var endAfter <-chan time.Time
	if kind == domain.CaptureScreen && d.cfg.ScreenDuration > 0 {
		endAfter = time.After(d.cfg.ScreenDuration)
	}
	go src.run(d.cfg.FrameInterval, endAfter)

	d.logger.Debugw("capture source acquired", "kind", kind, "track_id", track.ID())
	return src, nil
}

// SyntheticSource writes one RTP packet per frame interval while enabled.
type SyntheticSource struct {
	kind  domain.CaptureKind
	track *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	enabled bool
	onEnded func()
	ended   bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	seq     uint16
	ssrc    uint32
	ts      uint32
	tsStep  uint32
	written atomic.Uint64

	logger *zap.SugaredLogger
}

func (s *SyntheticSource) Kind() domain.CaptureKind  { return s.kind }
func (s *SyntheticSource) Track() webrtc.TrackLocal { return s.track }

func (s *SyntheticSource) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

func (s *SyntheticSource) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Written returns the number of packets produced so far.
func (s *SyntheticSource) Written() uint64 { return s.written.Load() }

func (s *SyntheticSource) OnEnded(fn func()) {
	s.mu.Lock()
	s.onEnded = fn
	fire := s.ended
	s.mu.Unlock()
	if fire && fn != nil {
		fn()
	}
}

// End stops the source as if the user ended it outside the application.
func (s *SyntheticSource) End() {
	s.finish(true)
}

func (s *SyntheticSource) Close() error {
	s.finish(false)
	return nil
}

func (s *SyntheticSource) finish(notify bool) {
	first := false
	s.closeOnce.Do(func() {
		first = true
		close(s.stop)
	})
	if !first {
		return
	}
	<-s.done

	if !notify {
		return
	}
	s.mu.Lock()
	s.ended = true
	fn := s.onEnded
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *SyntheticSource) run(interval time.Duration, endAfter <-chan time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ended := false
	defer func() {
		close(s.done)
		if ended {
			go s.End()
		}
	}()

	payload := make([]byte, 160)
	for {
		select {
		case <-s.stop:
			return
		case <-endAfter:
			ended = true
			return
		case <-ticker.C:
		}

		s.seq++
		s.ts += s.tsStep
		if !s.Enabled() {
			// muted sources keep the clock running but send nothing
			continue
		}

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         true,
				SequenceNumber: s.seq,
				Timestamp:      s.ts,
				SSRC:           s.ssrc,
			},
			Payload: payload,
		}
		if err := s.track.WriteRTP(pkt); err != nil {
			s.logger.Debugw("writing synthetic packet", "kind", s.kind, "error", err)
			continue
		}
		s.written.Add(1)
	}
}
