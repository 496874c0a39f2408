package services

import (
	"context"
	"fmt"
	"sync"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// trackSink is the part of a PeerLink the media manager writes to.
type trackSink interface {
	SetTrack(kind domain.MediaKind, track webrtc.TrackLocal) error
	State() domain.LinkState
}

// MediaTrackManager owns the local capture sources of one participant and
// fans their tracks out to every PeerLink. Disabling the camera or microphone
// mutes the shared source, so every link goes dark in the same instant.
// Substitutions (screen share and camera reacquire) are applied to every link
// while mu is held, so no link is attached to the old track once another one
// switched.
type MediaTrackManager struct {
	device ports.CaptureDevice
	logger *zap.SugaredLogger

	mu      sync.Mutex
	camera  ports.CaptureSource
	mic     ports.CaptureSource
	screen  ports.CaptureSource
	state   domain.MediaState
	sinks   map[domain.ParticipantID]trackSink
	closed  bool
	onState func(domain.MediaState)
}

func NewMediaTrackManager(device ports.CaptureDevice, initial domain.MediaState, logger *zap.SugaredLogger) *MediaTrackManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &MediaTrackManager{
		device: device,
		logger: logger,
		state:  initial,
		sinks:  make(map[domain.ParticipantID]trackSink),
	}
}

// OnStateChange registers a callback fired after every effective toggle,
// outside the manager lock.
func (m *MediaTrackManager) OnStateChange(fn func(domain.MediaState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// Start acquires the sources the initial state asks for. A missing device
// degrades that kind to disabled instead of failing.
func (m *MediaTrackManager) Start(ctx context.Context) domain.MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.CameraEnabled {
		cam, err := m.acquireLocked(ctx, domain.CaptureCamera)
		if err != nil {
			m.state.CameraEnabled = false
		} else {
			m.camera = cam
		}
	}
	if m.state.MicrophoneEnabled {
		mic, err := m.acquireLocked(ctx, domain.CaptureMicrophone)
		if err != nil {
			m.state.MicrophoneEnabled = false
		} else {
			m.mic = mic
		}
	}
	return m.state
}

func (m *MediaTrackManager) State() domain.MediaState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MediaTrackManager) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screen != nil
}

// ToggleCamera mutes or unmutes the camera for every link at once. Enabling
// with no camera held reacquires one and substitutes it on every link.
func (m *MediaTrackManager) ToggleCamera(ctx context.Context, on bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if m.state.CameraEnabled == on {
		m.mu.Unlock()
		return nil
	}

	if on && m.camera == nil {
		cam, err := m.acquireLocked(ctx, domain.CaptureCamera)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.camera = cam
		if m.screen == nil {
			m.replaceLocked(domain.MediaVideo, cam.Track())
		}
	}
	if m.camera != nil {
		m.camera.SetEnabled(on)
	}
	m.state.CameraEnabled = on
	state, notify := m.state, m.onState
	m.mu.Unlock()

	m.logger.Infow("camera toggled", "enabled", on)
	if notify != nil {
		notify(state)
	}
	return nil
}

// ToggleMicrophone enables or disables the outgoing audio in place.
func (m *MediaTrackManager) ToggleMicrophone(ctx context.Context, on bool) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if m.state.MicrophoneEnabled == on {
		m.mu.Unlock()
		return nil
	}

	if on && m.mic == nil {
		mic, err := m.acquireLocked(ctx, domain.CaptureMicrophone)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.mic = mic
		m.replaceLocked(domain.MediaAudio, mic.Track())
	}
	if m.mic != nil {
		m.mic.SetEnabled(on)
	}
	m.state.MicrophoneEnabled = on
	state, notify := m.state, m.onState
	m.mu.Unlock()

	m.logger.Infow("microphone toggled", "enabled", on)
	if notify != nil {
		notify(state)
	}
	return nil
}

// ShareScreen substitutes a display capture for the video track on every
// link. When the capture ends on its own the camera is restored.
func (m *MediaTrackManager) ShareScreen(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return domain.ErrSessionClosed
	}
	if m.screen != nil {
		return nil
	}

	screen, err := m.acquireLocked(ctx, domain.CaptureScreen)
	if err != nil {
		return err
	}
	m.screen = screen
	screen.OnEnded(func() {
		go func() {
			if err := m.stopShare(context.Background(), screen); err != nil {
				m.logger.Warnw("restoring camera after screen capture ended", "error", err)
			}
		}()
	})
	m.replaceLocked(domain.MediaVideo, screen.Track())
	m.logger.Infow("screen share started", "links", len(m.sinks))
	return nil
}

// StopShareScreen ends a screen share and puts the camera back on every link.
func (m *MediaTrackManager) StopShareScreen(ctx context.Context) error {
	m.mu.Lock()
	screen := m.screen
	m.mu.Unlock()
	if screen == nil {
		return nil
	}
	return m.stopShare(ctx, screen)
}

func (m *MediaTrackManager) stopShare(ctx context.Context, screen ports.CaptureSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// A newer share or a release already replaced this source.
	if m.closed || m.screen != screen {
		return nil
	}
	m.screen = nil
	if err := screen.Close(); err != nil {
		m.logger.Debugw("closing screen capture", "error", err)
	}

	var video webrtc.TrackLocal
	if m.camera == nil && m.state.CameraEnabled {
		cam, err := m.acquireLocked(ctx, domain.CaptureCamera)
		if err != nil {
			m.state.CameraEnabled = false
		} else {
			m.camera = cam
		}
	}
	if m.camera != nil {
		video = m.camera.Track()
	}
	m.replaceLocked(domain.MediaVideo, video)
	m.logger.Infow("screen share stopped", "links", len(m.sinks))
	return nil
}

// Attach binds the current outgoing tracks to a new link.
func (m *MediaTrackManager) Attach(remote domain.ParticipantID, sink trackSink) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.sinks[remote] = sink
	if m.mic != nil {
		m.bindLocked(remote, sink, domain.MediaAudio, m.mic.Track())
	}
	if video := m.videoLocked(); video != nil {
		m.bindLocked(remote, sink, domain.MediaVideo, video)
	}
}

func (m *MediaTrackManager) Detach(remote domain.ParticipantID) {
	m.mu.Lock()
	delete(m.sinks, remote)
	m.mu.Unlock()
}

// Release closes every capture source and forgets every link. It is
// synchronous and idempotent.
func (m *MediaTrackManager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for _, src := range []ports.CaptureSource{m.screen, m.camera, m.mic} {
		if src == nil {
			continue
		}
		if err := src.Close(); err != nil {
			m.logger.Debugw("closing capture source", "kind", src.Kind(), "error", err)
		}
	}
	m.screen, m.camera, m.mic = nil, nil, nil
	m.sinks = make(map[domain.ParticipantID]trackSink)
}

func (m *MediaTrackManager) videoLocked() webrtc.TrackLocal {
	if m.screen != nil {
		return m.screen.Track()
	}
	if m.camera != nil {
		return m.camera.Track()
	}
	return nil
}

func (m *MediaTrackManager) replaceLocked(kind domain.MediaKind, track webrtc.TrackLocal) {
	for remote, sink := range m.sinks {
		if sink.State() == domain.LinkClosed {
			continue
		}
		m.bindLocked(remote, sink, kind, track)
	}
}

func (m *MediaTrackManager) bindLocked(remote domain.ParticipantID, sink trackSink, kind domain.MediaKind, track webrtc.TrackLocal) {
	if err := sink.SetTrack(kind, track); err != nil {
		m.logger.Warnw("replacing outgoing track", "remote_id", remote, "kind", kind, "error", err)
	}
}

func (m *MediaTrackManager) acquireLocked(ctx context.Context, kind domain.CaptureKind) (ports.CaptureSource, error) {
	if m.device == nil {
		return nil, fmt.Errorf("%w: no capture device", domain.ErrCaptureUnavailable)
	}
	src, err := m.device.Acquire(ctx, kind)
	if err != nil {
		m.logger.Warnw("capture device unavailable", "kind", kind, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCaptureUnavailable, kind, err)
	}
	return src, nil
}
