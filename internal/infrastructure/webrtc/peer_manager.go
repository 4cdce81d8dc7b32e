package webrtc

import (
	"context"
	"sync"
	"time"

	"tourstream/internal/core/domain"
	"tourstream/internal/core/ports"
	"tourstream/pkg/bufpool"
	serrors "tourstream/pkg/errors"
	"tourstream/pkg/logger"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	pliInterval = 3 * time.Second
	// trackIdleTimeout is the RTP flow gap after which a remote track is
	// reported muted.
	trackIdleTimeout = 2 * time.Second
)

type remoteTrackInfo struct {
	hasVideo bool
	hasAudio bool
}

// PeerPairManager owns exactly one publisher and one subscriber connection
// per session. Creating a connection role that already exists replaces it;
// there are never two live connections per role.
type PeerPairManager struct {
	cfg domain.SessionConfig

	mu         sync.Mutex
	publisher  *webrtc.PeerConnection
	subscriber *webrtc.PeerConnection
	// videoSender is the publisher's camera sender, kept for screen-share
	// track replacement.
	videoSender *webrtc.RTPSender
	remoteInfo  map[domain.StreamID]*remoteTrackInfo
	done        chan struct{}

	onCandidate    func(candidate webrtc.ICECandidateInit, publisher bool)
	onRemoteStream func(info domain.MediaStreamInfo)
	onTrackState   func(change ports.RemoteTrackState)

	errs   *serrors.ErrorLog
	logger *zap.SugaredLogger
}

// NewPeerPairManager creates a manager configured with the relay (TURN)
// credentials plus a public STUN fallback.
func NewPeerPairManager(cfg domain.SessionConfig, errs *serrors.ErrorLog, log *zap.Logger) *PeerPairManager {
	return &PeerPairManager{
		cfg:        cfg,
		remoteInfo: make(map[domain.StreamID]*remoteTrackInfo),
		done:       make(chan struct{}),
		errs:       errs,
		logger:     logger.ForComponent(log, "peer"),
	}
}

var _ ports.PeerManager = (*PeerPairManager)(nil)

func (m *PeerPairManager) OnICECandidate(fn func(candidate webrtc.ICECandidateInit, publisher bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCandidate = fn
}

func (m *PeerPairManager) OnRemoteStream(fn func(info domain.MediaStreamInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoteStream = fn
}

func (m *PeerPairManager) OnTrackStateChange(fn func(change ports.RemoteTrackState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTrackState = fn
}

func (m *PeerPairManager) iceServers() []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if m.cfg.STUNServerURL != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{m.cfg.STUNServerURL}})
	}
	if m.cfg.TURNServerURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{m.cfg.TURNServerURL},
			Username:   m.cfg.TURNUsername,
			Credential: m.cfg.TURNCredential,
		})
	}
	return servers
}

func (m *PeerPairManager) newPeerConnection(role string) (*webrtc.PeerConnection, error) {
	// Each connection gets its own API; the media engine must carry the
	// default codec set or senders negotiate nothing.
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, serrors.Wrap(err, serrors.ErrCodePeerConnection, "failed to register codecs")
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(webrtc.SettingEngine{}),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   m.iceServers(),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return nil, serrors.Wrap(err, serrors.ErrCodePeerConnection, "failed to create "+role+" connection")
	}

	publisher := role == "publisher"
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.mu.Lock()
		fn := m.onCandidate
		m.mu.Unlock()
		if fn != nil {
			fn(c.ToJSON(), publisher)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		m.logger.Infow("ICE connection state changed",
			"role", role,
			"ice_state", state.String(),
		)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Infow("connection state changed",
			"role", role,
			"connection_state", state.String(),
		)
		// Failed connections are not retried here; the orchestrator tears
		// the room down and the user rejoins.
		if state == webrtc.PeerConnectionStateFailed {
			m.errs.Append(serrors.New(serrors.ErrCodePeerConnection, role+" connection failed"))
		}
	})

	return pc, nil
}

// CreatePublisher closes any prior publisher connection and creates a new
// send-only connection carrying the given local tracks.
func (m *PeerPairManager) CreatePublisher(ctx context.Context, tracks []webrtc.TrackLocal) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pc, err := m.newPeerConnection("publisher")
	if err != nil {
		return err
	}

	var videoSender *webrtc.RTPSender
	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return serrors.Wrap(err, serrors.ErrCodePeerConnection, "failed to attach local track")
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo && videoSender == nil {
			videoSender = sender
		}
		// Drain sender RTCP so interceptors keep running.
		go m.drainSenderRTCP(sender)
	}

	m.mu.Lock()
	old := m.publisher
	m.publisher = pc
	m.videoSender = videoSender
	m.mu.Unlock()

	if old != nil {
		old.Close()
		m.logger.Debug("previous publisher connection replaced")
	}

	m.logger.Infow("publisher connection created", "tracks", len(tracks))
	return nil
}

// CreateSubscriber creates the receive-oriented connection slot with the
// same replace semantics as CreatePublisher.
func (m *PeerPairManager) CreateSubscriber(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pc, err := m.newPeerConnection("subscriber")
	if err != nil {
		return err
	}
	pc.OnTrack(m.handleRemoteTrack)

	m.mu.Lock()
	old := m.subscriber
	m.subscriber = pc
	m.mu.Unlock()

	if old != nil {
		old.Close()
		m.logger.Debug("previous subscriber connection replaced")
	}

	m.logger.Info("subscriber connection created")
	return nil
}

// CreateOffer creates and applies a local offer on the publisher
// connection.
func (m *PeerPairManager) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	pc := m.publisher
	m.mu.Unlock()

	if pc == nil {
		return webrtc.SessionDescription{}, serrors.New(serrors.ErrCodePeerConnection, "cannot create offer without a publisher connection")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, serrors.Wrap(err, serrors.ErrCodePeerConnection, "failed to create offer")
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, serrors.Wrap(err, serrors.ErrCodePeerConnection, "failed to apply local offer")
	}
	return offer, nil
}

// HandleOffer applies a relay-initiated offer to the subscriber connection,
// creating it lazily, and returns the local answer.
func (m *PeerPairManager) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	m.mu.Lock()
	pc := m.subscriber
	m.mu.Unlock()

	if pc == nil {
		if err := m.CreateSubscriber(ctx); err != nil {
			return webrtc.SessionDescription{}, err
		}
		m.mu.Lock()
		pc = m.subscriber
		m.mu.Unlock()
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, serrors.Wrap(err, serrors.ErrCodePeerConnection, "failed to apply remote offer")
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, serrors.Wrap(err, serrors.ErrCodePeerConnection, "failed to create answer")
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, serrors.Wrap(err, serrors.ErrCodePeerConnection, "failed to apply local answer")
	}
	return answer, nil
}

// HandleAnswer applies the remote answer to the publisher connection only.
// Order is enforced by the connection's signaling state: an answer cannot
// be applied before an offer was sent on that connection.
func (m *PeerPairManager) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	m.mu.Lock()
	pc := m.publisher
	m.mu.Unlock()

	if pc == nil {
		return serrors.New(serrors.ErrCodePeerConnection, "cannot apply answer without a publisher connection")
	}
	if pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return serrors.New(serrors.ErrCodePeerConnection, "answer received before offer was sent").
			WithDetails("signaling_state=" + pc.SignalingState().String())
	}

	if err := pc.SetRemoteDescription(answer); err != nil {
		return serrors.Wrap(err, serrors.ErrCodePeerConnection, "failed to apply remote answer")
	}
	return nil
}

// AddICECandidate routes a trickled candidate to the tagged connection
// role. Candidates for a connection that does not exist yet are dropped,
// not buffered and not retried; application failures are accumulated but
// never propagated, since one bad candidate must not abort the session.
func (m *PeerPairManager) AddICECandidate(candidate webrtc.ICECandidateInit, publisher bool) {
	m.mu.Lock()
	var pc *webrtc.PeerConnection
	if publisher {
		pc = m.publisher
	} else {
		pc = m.subscriber
	}
	m.mu.Unlock()

	if pc == nil {
		m.logger.Debugw("dropping ICE candidate for missing connection",
			"publisher", publisher,
			"candidate", candidate.Candidate,
		)
		return
	}

	if err := pc.AddICECandidate(candidate); err != nil {
		m.logger.Warnw("failed to apply ICE candidate",
			"publisher", publisher,
			"error", err,
		)
		m.errs.Append(serrors.Wrap(err, serrors.ErrCodeICECandidate, "failed to apply ICE candidate"))
	}
}

// ReplaceVideoTrack swaps the publisher's outgoing video track in place,
// without renegotiation.
func (m *PeerPairManager) ReplaceVideoTrack(t webrtc.TrackLocal) error {
	m.mu.Lock()
	sender := m.videoSender
	m.mu.Unlock()

	if sender == nil {
		return serrors.New(serrors.ErrCodePeerConnection, "no publisher video sender to replace")
	}
	if err := sender.ReplaceTrack(t); err != nil {
		return serrors.Wrap(err, serrors.ErrCodePeerConnection, "failed to replace video track")
	}
	m.logger.Infow("outgoing video track replaced", "track_id", t.ID())
	return nil
}

// Cleanup closes both connections and resets the pair. Safe to call
// multiple times.
func (m *PeerPairManager) Cleanup() {
	m.mu.Lock()
	pub, sub := m.publisher, m.subscriber
	m.publisher = nil
	m.subscriber = nil
	m.videoSender = nil
	m.remoteInfo = make(map[domain.StreamID]*remoteTrackInfo)
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.done = make(chan struct{})
	m.mu.Unlock()

	if pub != nil {
		pub.Close()
	}
	if sub != nil {
		sub.Close()
	}
	m.logger.Debug("peer connection pair cleaned up")
}

func (m *PeerPairManager) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	streamID := domain.StreamID(track.StreamID())

	m.logger.Infow("remote track arrived",
		"stream_id", streamID,
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
	)

	m.mu.Lock()
	info, ok := m.remoteInfo[streamID]
	if !ok {
		info = &remoteTrackInfo{}
		m.remoteInfo[streamID] = info
	}
	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		info.hasVideo = true
	case webrtc.RTPCodecTypeAudio:
		info.hasAudio = true
	}
	state := domain.MediaState{Video: info.hasVideo, Audio: info.hasAudio}
	fn := m.onRemoteStream
	sub := m.subscriber
	done := m.done
	m.mu.Unlock()

	if fn != nil {
		fn(domain.MediaStreamInfo{
			ID:    streamID,
			Kind:  domain.StreamKindRemote,
			State: state,
		})
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo && sub != nil {
		go m.sendPLI(sub, track, done)
	}
	go m.readRemoteTrack(track, done)
	go m.drainReceiverRTCP(receiver, done)
}

// readRemoteTrack pumps RTP off a remote track and derives mute/unmute
// sub-events from flow gaps, using read deadlines for idle detection.
func (m *PeerPairManager) readRemoteTrack(track *webrtc.TrackRemote, done chan struct{}) {
	streamID := domain.StreamID(track.StreamID())
	pkt := &rtp.Packet{}
	active := true

	buf := bufpool.Packets.Get()
	defer bufpool.Packets.Put(buf)

	for {
		select {
		case <-done:
			return
		default:
		}

		track.SetReadDeadline(time.Now().Add(trackIdleTimeout))
		n, _, err := track.Read(buf)
		if err != nil {
			if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
				if active {
					active = false
					m.emitTrackState(streamID, track.Kind(), false)
				}
				continue
			}
			m.logger.Debugw("remote track read ended", "stream_id", streamID, "error", err)
			m.emitTrackState(streamID, track.Kind(), false)
			return
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			m.logger.Debugw("dropping malformed RTP packet", "stream_id", streamID, "error", err)
			continue
		}
		if !active {
			active = true
			m.emitTrackState(streamID, track.Kind(), true)
		}
	}
}

func (m *PeerPairManager) emitTrackState(streamID domain.StreamID, kind webrtc.RTPCodecType, trackActive bool) {
	m.mu.Lock()
	fn := m.onTrackState
	m.mu.Unlock()
	if fn != nil {
		fn(ports.RemoteTrackState{StreamID: streamID, Kind: kind, Active: trackActive})
	}
}

// sendPLI periodically requests keyframes for an inbound video track so
// late joiners render promptly.
func (m *PeerPairManager) sendPLI(pc *webrtc.PeerConnection, track *webrtc.TrackRemote, done chan struct{}) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				m.logger.Debugw("PLI write failed", "stream_id", track.StreamID(), "error", err)
				return
			}
		}
	}
}

func (m *PeerPairManager) drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := bufpool.Packets.Get()
	defer bufpool.Packets.Put(buf)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (m *PeerPairManager) drainReceiverRTCP(receiver *webrtc.RTPReceiver, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}
