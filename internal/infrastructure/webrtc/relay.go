package webrtc

import (
	"context"
	"sync"
	"time"

	"tourstream/internal/core/domain"
	"tourstream/pkg/bufpool"
	"tourstream/pkg/logger"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// RelayConfig holds relay-side WebRTC settings.
type RelayConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// RelayMetrics receives relay lifecycle counters. The prometheus
// collector implements it; tests use NopRelayMetrics.
type RelayMetrics interface {
	RelayPeerJoined(roomID domain.RoomID)
	RelayPeerLeft(roomID domain.RoomID)
	RelayTrackAdded(kind string)
	RelayTrackRemoved(kind string)
}

// NopRelayMetrics discards all relay counters.
type NopRelayMetrics struct{}

func (NopRelayMetrics) RelayPeerJoined(domain.RoomID) {}
func (NopRelayMetrics) RelayPeerLeft(domain.RoomID)   {}
func (NopRelayMetrics) RelayTrackAdded(string)        {}
func (NopRelayMetrics) RelayTrackRemoved(string)      {}

// relayPeer is the server-side view of one connected session: the
// publisher connection receives the client's tracks, the subscriber
// connection carries everyone else's tracks back down.
type relayPeer struct {
	id         domain.PeerID
	roomID     domain.RoomID
	publisher  *webrtc.PeerConnection
	subscriber *webrtc.PeerConnection
	// subscribed tracks already attached to the subscriber connection,
	// keyed by forwarded track ID.
	subscribed map[string]bool
}

// trackForwarder fans one publisher track out to every other peer in
// the room through a shared local track.
type trackForwarder struct {
	trackID   string
	publisher domain.PeerID
	roomID    domain.RoomID
	kind      webrtc.RTPCodecType
	local     *webrtc.TrackLocalStaticRTP
	stop      chan struct{}
}

// Relay is the coordination server's media plane. Each peer publishes
// up one connection and receives the rest of the room on another; the
// relay renegotiates subscriber connections whenever the room's track
// set changes.
type Relay struct {
	config  RelayConfig
	metrics RelayMetrics

	mu         sync.RWMutex
	peers      map[domain.PeerID]*relayPeer
	forwarders map[string]*trackForwarder

	// onSubscriberOffer delivers a fresh subscriber offer to the
	// signaling layer for a given peer.
	onSubscriberOffer func(peerID domain.PeerID, offer webrtc.SessionDescription)
	// onICECandidate delivers relay-side candidates for a peer's
	// connection, tagged with the connection role.
	onICECandidate func(peerID domain.PeerID, candidate webrtc.ICECandidateInit, publisher bool)

	logger *zap.SugaredLogger
}

// NewRelay creates a relay with the given ICE configuration.
func NewRelay(config RelayConfig, metrics RelayMetrics, log *zap.Logger) *Relay {
	if metrics == nil {
		metrics = NopRelayMetrics{}
	}
	return &Relay{
		config:     config,
		metrics:    metrics,
		peers:      make(map[domain.PeerID]*relayPeer),
		forwarders: make(map[string]*trackForwarder),
		logger:     logger.ForComponent(log, "relay"),
	}
}

func (r *Relay) OnSubscriberOffer(fn func(peerID domain.PeerID, offer webrtc.SessionDescription)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSubscriberOffer = fn
}

func (r *Relay) OnICECandidate(fn func(peerID domain.PeerID, candidate webrtc.ICECandidateInit, publisher bool)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onICECandidate = fn
}

func (r *Relay) newPeerConnection() (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	if r.config.PortRange.Min > 0 && r.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(r.config.PortRange.Min, r.config.PortRange.Max); err != nil {
			return nil, err
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)
	return api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   r.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
}

// HandlePublisherOffer accepts a peer's publish offer, answers it, and
// schedules subscriber renegotiation for the rest of the room.
func (r *Relay) HandlePublisherOffer(ctx context.Context, peerID domain.PeerID, roomID domain.RoomID, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	pc, err := r.newPeerConnection()
	if err != nil {
		return webrtc.SessionDescription{}, err
	}

	pc.OnTrack(r.handlePublishedTrack(peerID, roomID))
	pc.OnICECandidate(r.candidateHandler(peerID, true))
	pc.OnConnectionStateChange(r.connectionStateHandler(peerID, "publisher"))

	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return webrtc.SessionDescription{}, err
	}

	r.mu.Lock()
	peer, exists := r.peers[peerID]
	if !exists {
		peer = &relayPeer{id: peerID, roomID: roomID, subscribed: make(map[string]bool)}
		r.peers[peerID] = peer
		r.metrics.RelayPeerJoined(roomID)
	}
	if peer.publisher != nil {
		peer.publisher.Close()
	}
	peer.publisher = pc
	r.mu.Unlock()

	r.logger.Infow("publisher offer answered", "peer_id", peerID, "room_id", roomID)

	// Let the new peer receive tracks that were already flowing.
	go r.syncSubscriber(peerID)
	return answer, nil
}

// HandleSubscriberAnswer completes a relay-initiated subscriber
// renegotiation.
func (r *Relay) HandleSubscriberAnswer(ctx context.Context, peerID domain.PeerID, answer webrtc.SessionDescription) error {
	r.mu.RLock()
	peer, exists := r.peers[peerID]
	r.mu.RUnlock()

	if !exists || peer.subscriber == nil {
		return domain.ErrParticipantNotFound
	}
	return peer.subscriber.SetRemoteDescription(answer)
}

// AddICECandidate applies a client-trickled candidate to the tagged
// connection role.
func (r *Relay) AddICECandidate(peerID domain.PeerID, candidate webrtc.ICECandidateInit, publisher bool) error {
	r.mu.RLock()
	peer, exists := r.peers[peerID]
	r.mu.RUnlock()

	if !exists {
		return domain.ErrParticipantNotFound
	}

	var pc *webrtc.PeerConnection
	if publisher {
		pc = peer.publisher
	} else {
		pc = peer.subscriber
	}
	if pc == nil {
		r.logger.Debugw("dropping candidate for missing relay connection",
			"peer_id", peerID,
			"publisher", publisher,
		)
		return nil
	}
	return pc.AddICECandidate(candidate)
}

// RemovePeer tears down both connections for a peer and withdraws its
// forwarded tracks from the room.
func (r *Relay) RemovePeer(peerID domain.PeerID) {
	r.mu.Lock()
	peer, exists := r.peers[peerID]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.peers, peerID)

	var stopped []*trackForwarder
	for trackID, fwd := range r.forwarders {
		if fwd.publisher == peerID {
			stopped = append(stopped, fwd)
			delete(r.forwarders, trackID)
		}
	}
	roomID := peer.roomID
	r.mu.Unlock()

	for _, fwd := range stopped {
		close(fwd.stop)
		r.metrics.RelayTrackRemoved(fwd.kind.String())
	}
	if peer.publisher != nil {
		peer.publisher.Close()
	}
	if peer.subscriber != nil {
		peer.subscriber.Close()
	}
	r.metrics.RelayPeerLeft(roomID)
	r.logger.Infow("relay peer removed", "peer_id", peerID, "room_id", roomID)

	if len(stopped) > 0 {
		go r.syncRoom(roomID, peerID)
	}
}

func (r *Relay) handlePublishedTrack(peerID domain.PeerID, roomID domain.RoomID) func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {
	return func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		r.logger.Infow("peer started publishing track",
			"peer_id", peerID,
			"room_id", roomID,
			"track_id", track.ID(),
			"codec", track.Codec().MimeType,
		)

		local, err := webrtc.NewTrackLocalStaticRTP(
			track.Codec().RTPCodecCapability,
			track.ID(),
			track.StreamID(),
		)
		if err != nil {
			r.logger.Errorw("failed to create forwarding track",
				"peer_id", peerID,
				"track_id", track.ID(),
				"error", err,
			)
			return
		}

		fwd := &trackForwarder{
			trackID:   track.ID(),
			publisher: peerID,
			roomID:    roomID,
			kind:      track.Kind(),
			local:     local,
			stop:      make(chan struct{}),
		}

		r.mu.Lock()
		r.forwarders[track.ID()] = fwd
		pub := r.peers[peerID]
		r.mu.Unlock()

		r.metrics.RelayTrackAdded(track.Kind().String())

		go r.forwardTrack(fwd, track)
		if track.Kind() == webrtc.RTPCodecTypeVideo && pub != nil && pub.publisher != nil {
			go r.requestKeyframes(pub.publisher, track, fwd.stop)
		}
		go drainRTCP(receiver, fwd.stop)

		// Everyone else in the room gets renegotiated to receive the
		// new track.
		r.syncRoom(roomID, peerID)
	}
}

// forwardTrack copies RTP from the publisher track onto the shared
// local track until the publisher goes away.
func (r *Relay) forwardTrack(fwd *trackForwarder, track *webrtc.TrackRemote) {
	buf := bufpool.Packets.Get()
	defer bufpool.Packets.Put(buf)
	pkt := &rtp.Packet{}

	for {
		select {
		case <-fwd.stop:
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			r.logger.Debugw("publisher track ended",
				"track_id", fwd.trackID,
				"publisher", fwd.publisher,
				"error", err,
			)
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			r.logger.Debugw("dropping malformed RTP packet", "track_id", fwd.trackID, "error", err)
			continue
		}
		if err := fwd.local.WriteRTP(pkt); err != nil {
			// Keep going; a slow subscriber must not stall the room.
			r.logger.Debugw("forward write failed", "track_id", fwd.trackID, "error", err)
		}
	}
}

// requestKeyframes asks the publisher for keyframes on a cadence so
// renegotiated subscribers start rendering quickly.
func (r *Relay) requestKeyframes(pc *webrtc.PeerConnection, track *webrtc.TrackRemote, stop chan struct{}) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			})
			if err != nil {
				return
			}
		}
	}
}

// syncRoom renegotiates every peer in the room except the one that
// caused the change.
func (r *Relay) syncRoom(roomID domain.RoomID, except domain.PeerID) {
	r.mu.RLock()
	var ids []domain.PeerID
	for id, peer := range r.peers {
		if peer.roomID == roomID && id != except {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.syncSubscriber(id)
	}
}

// syncSubscriber rebuilds or extends a peer's subscriber connection so
// it carries every forwarded track from its roommates, then emits the
// offer through the signaling layer.
func (r *Relay) syncSubscriber(peerID domain.PeerID) {
	r.mu.Lock()
	peer, exists := r.peers[peerID]
	if !exists {
		r.mu.Unlock()
		return
	}

	var missing []*trackForwarder
	for trackID, fwd := range r.forwarders {
		if fwd.roomID == peer.roomID && fwd.publisher != peerID && !peer.subscribed[trackID] {
			missing = append(missing, fwd)
		}
	}
	if len(missing) == 0 {
		r.mu.Unlock()
		return
	}

	if peer.subscriber == nil {
		pc, err := r.newPeerConnection()
		if err != nil {
			r.mu.Unlock()
			r.logger.Errorw("failed to create subscriber connection", "peer_id", peerID, "error", err)
			return
		}
		pc.OnICECandidate(r.candidateHandler(peerID, false))
		pc.OnConnectionStateChange(r.connectionStateHandler(peerID, "subscriber"))
		peer.subscriber = pc
	}

	pc := peer.subscriber
	for _, fwd := range missing {
		sender, err := pc.AddTrack(fwd.local)
		if err != nil {
			r.logger.Warnw("failed to attach forwarded track",
				"peer_id", peerID,
				"track_id", fwd.trackID,
				"error", err,
			)
			continue
		}
		peer.subscribed[fwd.trackID] = true
		go drainSenderRTCP(sender)
	}
	notify := r.onSubscriberOffer
	r.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		r.logger.Errorw("failed to create subscriber offer", "peer_id", peerID, "error", err)
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		r.logger.Errorw("failed to apply subscriber offer", "peer_id", peerID, "error", err)
		return
	}

	if notify != nil {
		notify(peerID, offer)
	}
	r.logger.Debugw("subscriber renegotiated", "peer_id", peerID, "new_tracks", len(missing))
}

func (r *Relay) candidateHandler(peerID domain.PeerID, publisher bool) func(*webrtc.ICECandidate) {
	return func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		r.mu.RLock()
		fn := r.onICECandidate
		r.mu.RUnlock()
		if fn != nil {
			fn(peerID, c.ToJSON(), publisher)
		}
	}
}

func (r *Relay) connectionStateHandler(peerID domain.PeerID, role string) func(webrtc.PeerConnectionState) {
	return func(state webrtc.PeerConnectionState) {
		r.logger.Infow("relay connection state changed",
			"peer_id", peerID,
			"role", role,
			"connection_state", state.String(),
		)
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			if role == "publisher" {
				r.RemovePeer(peerID)
			}
		}
	}
}

func drainRTCP(receiver *webrtc.RTPReceiver, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if _, _, err := receiver.ReadRTCP(); err != nil {
			return
		}
	}
}

func drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := bufpool.Packets.Get()
	defer bufpool.Packets.Put(buf)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
