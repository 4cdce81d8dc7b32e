package webrtc

import (
	"context"
	"sync"

	"tourstream/internal/core/domain"
	"tourstream/internal/core/ports"
	serrors "tourstream/pkg/errors"
	"tourstream/pkg/logger"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type localStream struct {
	id    domain.StreamID
	video *LocalTrack
	audio *LocalTrack

	// screenActive marks that the video slot currently carries the screen
	// track; cameraVideo holds the camera track for restore.
	screenActive bool
	cameraVideo  *LocalTrack
}

type remoteStream struct {
	info domain.MediaStreamInfo
}

// StreamManager owns local capture and the remote stream registry. It has
// no knowledge of signaling or peer connections.
type StreamManager struct {
	device ports.CaptureDevice

	mu            sync.RWMutex
	local         *localStream
	remotes       map[domain.StreamID]*remoteStream
	pendingScreen *LocalTrack

	logger *zap.SugaredLogger
}

// NewStreamManager creates a media manager backed by the given capture
// device.
func NewStreamManager(device ports.CaptureDevice, log *zap.Logger) *StreamManager {
	return &StreamManager{
		device:  device,
		remotes: make(map[domain.StreamID]*remoteStream),
		logger:  logger.ForComponent(log, "media"),
	}
}

var _ ports.MediaManager = (*StreamManager)(nil)

// InitializeLocalStream acquires camera/microphone per constraints. A
// stream already held is stopped and replaced.
func (m *StreamManager) InitializeLocalStream(ctx context.Context, c domain.CaptureConstraints) (domain.MediaStreamInfo, error) {
	tracks, err := m.device.OpenTracks(ctx, c)
	if err != nil {
		return domain.MediaStreamInfo{}, serrors.Wrap(err, serrors.ErrCodeMediaAccessDenied, "failed to acquire local media")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.local != nil {
		m.stopLocalLocked()
	}

	ls := &localStream{}
	for _, t := range tracks {
		lt := newLocalTrack(t.(*webrtc.TrackLocalStaticSample))
		ls.id = domain.StreamID(t.StreamID())
		switch t.Kind() {
		case webrtc.RTPCodecTypeVideo:
			ls.video = lt
		case webrtc.RTPCodecTypeAudio:
			ls.audio = lt
		}
	}
	m.local = ls

	info := m.localInfoLocked()
	m.logger.Infow("local stream initialized",
		"stream_id", info.ID,
		"video", info.State.Video,
		"audio", info.State.Audio,
	)
	return info, nil
}

func (m *StreamManager) localInfoLocked() domain.MediaStreamInfo {
	if m.local == nil {
		return domain.MediaStreamInfo{Kind: domain.StreamKindLocal}
	}
	return domain.MediaStreamInfo{
		ID:    m.local.id,
		Kind:  domain.StreamKindLocal,
		State: m.localStateLocked(),
	}
}

func (m *StreamManager) localStateLocked() domain.MediaState {
	if m.local == nil {
		return domain.MediaState{}
	}
	return domain.MediaState{
		Video:  m.local.video != nil && m.local.video.Enabled(),
		Audio:  m.local.audio != nil && m.local.audio.Enabled(),
		Screen: m.local.screenActive,
	}
}

func (m *StreamManager) LocalStreamID() domain.StreamID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.local == nil {
		return ""
	}
	return m.local.id
}

// LocalTracks returns the pion tracks for attachment to a publisher
// connection, video first.
func (m *StreamManager) LocalTracks() []webrtc.TrackLocal {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.local == nil {
		return nil
	}
	var tracks []webrtc.TrackLocal
	if m.local.video != nil {
		tracks = append(tracks, m.local.video.Track())
	}
	if m.local.audio != nil {
		tracks = append(tracks, m.local.audio.Track())
	}
	return tracks
}

func (m *StreamManager) MediaState() domain.MediaState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.localStateLocked()
}

// ToggleVideo flips the local video track's enabled flag in place and
// returns the new state. Returns false when no local stream exists.
func (m *StreamManager) ToggleVideo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.local == nil || m.local.video == nil {
		return false
	}
	state := m.local.video.SetEnabled(!m.local.video.Enabled())
	m.logger.Debugw("video toggled", "enabled", state)
	return state
}

// ToggleAudio is the audio counterpart of ToggleVideo.
func (m *StreamManager) ToggleAudio() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.local == nil || m.local.audio == nil {
		return false
	}
	state := m.local.audio.SetEnabled(!m.local.audio.Enabled())
	m.logger.Debugw("audio toggled", "enabled", state)
	return state
}

// StopLocalStream stops and releases every local track.
func (m *StreamManager) StopLocalStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocalLocked()
}

func (m *StreamManager) stopLocalLocked() {
	if m.local == nil {
		return
	}
	if m.local.video != nil {
		m.local.video.Stop()
	}
	if m.local.audio != nil {
		m.local.audio.Stop()
	}
	if m.local.cameraVideo != nil {
		m.local.cameraVideo.Stop()
	}
	m.local = nil
	m.logger.Debug("local stream stopped")
}

// AddRemoteStream registers a remote stream by id, replacing any prior
// entry for the same id.
func (m *StreamManager) AddRemoteStream(info domain.MediaStreamInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info.Kind = domain.StreamKindRemote
	m.remotes[info.ID] = &remoteStream{info: info}
	m.logger.Debugw("remote stream registered", "stream_id", info.ID, "owner_peer", info.OwnerPeer)
}

// RemoveRemoteStream unregisters a remote stream. Removing an unknown id
// is a no-op, not an error.
func (m *StreamManager) RemoveRemoteStream(id domain.StreamID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.remotes[id]; !ok {
		return
	}
	delete(m.remotes, id)
	m.logger.Debugw("remote stream removed", "stream_id", id)
}

func (m *StreamManager) UpdateRemoteStreamState(id domain.StreamID, state domain.MediaState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rs, ok := m.remotes[id]; ok {
		rs.info.State = state
	}
}

func (m *StreamManager) RemoteStreams() []domain.MediaStreamInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.MediaStreamInfo, 0, len(m.remotes))
	for _, rs := range m.remotes {
		out = append(out, rs.info)
	}
	return out
}

// GetDisplayMedia acquires a screen-capture track independent of the
// camera stream.
func (m *StreamManager) GetDisplayMedia(ctx context.Context) (webrtc.TrackLocal, error) {
	track, err := m.device.OpenScreenTrack(ctx, domain.ScreenConstraints())
	if err != nil {
		return nil, serrors.Wrap(err, serrors.ErrCodeMediaAccessDenied, "failed to acquire screen capture")
	}

	m.mu.Lock()
	m.pendingScreen = newLocalTrack(track.(*webrtc.TrackLocalStaticSample))
	m.mu.Unlock()

	return track, nil
}

// ReplaceVideoTrack swaps the active video track without disturbing audio.
// When the new track is the pending screen track, the camera track is kept
// aside for StopScreenShare.
func (m *StreamManager) ReplaceVideoTrack(t webrtc.TrackLocal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.local == nil {
		return serrors.New(serrors.ErrCodeMediaAccessDenied, "no local stream to replace video track on")
	}

	replacement := newLocalTrack(t.(*webrtc.TrackLocalStaticSample))
	if m.pendingScreen != nil && m.pendingScreen.Track() == t {
		m.local.cameraVideo = m.local.video
		m.local.screenActive = true
		m.pendingScreen = nil
	} else {
		if m.local.video != nil && !m.local.screenActive {
			m.local.video.Stop()
		}
		m.local.screenActive = false
	}
	m.local.video = replacement

	m.logger.Infow("video track replaced", "track_id", t.ID(), "screen", m.local.screenActive)
	return nil
}

// StopScreenShare restores the camera track saved when screen share began.
func (m *StreamManager) StopScreenShare() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.local == nil || !m.local.screenActive {
		return domain.ErrNoLocalStream
	}

	if m.local.video != nil {
		m.local.video.Stop()
	}
	m.local.video = m.local.cameraVideo
	m.local.cameraVideo = nil
	m.local.screenActive = false

	m.logger.Info("screen share stopped, camera restored")
	return nil
}

// Stats returns diagnostic counts; not used for correctness.
func (m *StreamManager) Stats() domain.StreamStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := domain.StreamStats{
		RemoteStreamCount: len(m.remotes),
	}
	if m.local != nil {
		stats.LocalStreamID = m.local.id
		if m.local.video != nil {
			stats.TotalTracks++
			if m.local.video.Enabled() {
				stats.ActiveTracks++
			}
		}
		if m.local.audio != nil {
			stats.TotalTracks++
			if m.local.audio.Enabled() {
				stats.ActiveTracks++
			}
		}
	}
	for _, rs := range m.remotes {
		if rs.info.State.Video {
			stats.TotalTracks++
			stats.ActiveTracks++
		}
		if rs.info.State.Audio {
			stats.TotalTracks++
			stats.ActiveTracks++
		}
	}
	return stats
}

// Cleanup stops local capture and clears the remote registry.
func (m *StreamManager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocalLocked()
	m.remotes = make(map[domain.StreamID]*remoteStream)
	m.pendingScreen = nil
}
