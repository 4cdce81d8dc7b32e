package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"tourstream/internal/core/domain"
	"tourstream/internal/core/ports"
	serrors "tourstream/pkg/errors"
	"tourstream/pkg/logger"
	"tourstream/pkg/tracing"
	"tourstream/pkg/utils"
	"tourstream/pkg/validation"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// SessionState is the orchestrator lifecycle phase.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateConnecting SessionState = "connecting"
	StateConnected  SessionState = "connected"
	StateInRoom     SessionState = "in_room"
	StateLeaving    SessionState = "leaving"
)

const (
	defaultRosterPoll = 30 * time.Second
	identityTimeout   = 10 * time.Second
)

// metadataEnvelope is the shared room metadata blob the session layer
// reads and writes: per-stream media states alongside opaque tour state
// it relays untouched.
type metadataEnvelope struct {
	MediaStates map[domain.StreamID]domain.MediaState `json:"media_states,omitempty"`
}

// SessionOrchestrator drives one live tour session: it coordinates the
// media manager, the peer connection pair, and the signaling client, and
// owns the participant registry.
//
// Failures inside the event loop are accumulated in the error log; only
// failures of operations the caller invoked directly are also returned.
type SessionOrchestrator struct {
	cfg    domain.SessionConfig
	media  ports.MediaManager
	peers  ports.PeerManager
	signal ports.SignalingClient
	roster ports.RosterService

	metrics    SessionMetrics
	errs       *serrors.ErrorLog
	rosterPoll time.Duration

	mu           sync.RWMutex
	state        SessionState
	room         *domain.Room
	participants []*domain.Participant
	stopLoop     chan struct{}
	stopRoster   chan struct{}
	loopOnce     sync.Once
	closeOnce    sync.Once

	logger *zap.SugaredLogger
}

// NewSessionOrchestrator assembles a session from its collaborators.
// metrics may be nil; roster may be nil when no roster source exists.
func NewSessionOrchestrator(
	cfg domain.SessionConfig,
	media ports.MediaManager,
	peers ports.PeerManager,
	signal ports.SignalingClient,
	roster ports.RosterService,
	metrics SessionMetrics,
	errs *serrors.ErrorLog,
	log *zap.Logger,
) *SessionOrchestrator {
	if metrics == nil {
		metrics = NopSessionMetrics{}
	}
	if errs == nil {
		errs = serrors.NewErrorLog(serrors.DefaultLogCapacity)
	}
	return &SessionOrchestrator{
		cfg:        cfg,
		media:      media,
		peers:      peers,
		signal:     signal,
		roster:     roster,
		metrics:    metrics,
		errs:       errs,
		rosterPoll: defaultRosterPoll,
		state:      StateIdle,
		stopLoop:   make(chan struct{}),
		logger:     logger.ForComponent(log, "session"),
	}
}

// SetRosterPollInterval overrides the roster sync cadence.
func (o *SessionOrchestrator) SetRosterPollInterval(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d > 0 {
		o.rosterPoll = d
	}
}

// Initialize connects the signaling channel and wires peer callbacks.
// Calling it again after a successful initialization is a no-op.
func (o *SessionOrchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return nil
	}
	o.state = StateConnecting
	o.mu.Unlock()

	if err := o.signal.Connect(ctx, o.cfg); err != nil {
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
		return o.report(serrors.Wrap(err, serrors.ErrCodeSignalingConnection, "session initialization failed"))
	}

	o.peers.OnICECandidate(o.handleLocalCandidate)
	o.peers.OnRemoteStream(o.handleRemoteStream)
	o.peers.OnTrackStateChange(o.handleTrackStateChange)

	o.loopOnce.Do(func() {
		go o.eventLoop()
	})

	o.mu.Lock()
	o.state = StateConnected
	o.mu.Unlock()

	o.logger.Infow("session initialized", "connection_id", o.signal.ConnectionID())
	return nil
}

// CreateRoom mints a room id and joins it.
func (o *SessionOrchestrator) CreateRoom(ctx context.Context, name string) (domain.RoomID, error) {
	roomID := domain.RoomID(utils.GenerateRoomID())
	if err := o.JoinRoom(ctx, roomID); err != nil {
		return "", err
	}

	o.mu.Lock()
	if o.room != nil {
		o.room.Name = name
	}
	o.mu.Unlock()
	return roomID, nil
}

// JoinRoom acquires local media if absent, publishes it, and announces
// presence. The local participant is registered immediately with the
// connection id as its peer id; its user identity resolves
// asynchronously.
func (o *SessionOrchestrator) JoinRoom(ctx context.Context, roomID domain.RoomID) error {
	if err := validation.ValidateRoomID(string(roomID)); err != nil {
		return o.report(serrors.Wrap(err, serrors.ErrCodeInvalidRoomID, "rejected room id"))
	}

	o.mu.Lock()
	switch o.state {
	case StateInRoom, StateLeaving:
		o.mu.Unlock()
		return domain.ErrAlreadyInRoom
	case StateIdle, StateConnecting:
		o.mu.Unlock()
		return domain.ErrNotConnected
	}
	o.mu.Unlock()

	ctx, span := tracing.TraceSessionOperation(ctx, "join_room", string(roomID))
	defer span.End()

	if o.media.LocalStreamID() == "" {
		if _, err := o.media.InitializeLocalStream(ctx, domain.DefaultConstraints()); err != nil {
			tracing.RecordError(ctx, err)
			return o.report(toStreamingError(err, serrors.ErrCodeMediaAccessDenied, "failed to acquire local media"))
		}
	}

	tracks := o.media.LocalTracks()
	if err := o.peers.CreatePublisher(ctx, tracks); err != nil {
		tracing.RecordError(ctx, err)
		return o.report(toStreamingError(err, serrors.ErrCodeRoomJoinFailed, "failed to create publisher connection"))
	}
	offer, err := o.peers.CreateOffer(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return o.report(toStreamingError(err, serrors.ErrCodeRoomJoinFailed, "failed to create publish offer"))
	}

	streamID := o.media.LocalStreamID()
	if err := o.signal.JoinRoom(ctx, roomID, streamID, &offer); err != nil {
		tracing.RecordError(ctx, err)
		o.peers.Cleanup()
		return o.report(toStreamingError(err, serrors.ErrCodeRoomJoinFailed, "failed to join room"))
	}

	local := &domain.Participant{
		PeerID:      o.signal.ConnectionID(),
		StreamID:    streamID,
		IsLocalUser: true,
		Media:       o.media.MediaState(),
		JoinedAt:    time.Now(),
	}

	o.mu.Lock()
	o.room = &domain.Room{ID: roomID, Status: domain.RoomStatusActive, CreatedAt: time.Now()}
	o.state = StateInRoom
	o.stopRoster = make(chan struct{})
	o.mu.Unlock()

	o.mergeParticipant(local, true)
	o.metrics.SessionJoined(roomID)

	go o.resolveIdentity(streamID)
	go o.rosterLoop(roomID)

	o.logger.Infow("joined room", "room_id", roomID, "stream_id", streamID)
	return nil
}

// LeaveRoom tears the session down in order: signaling leave, peer
// connections, local media, registries. Teardown always runs to
// completion; a failed leave announcement is recorded, not fatal.
func (o *SessionOrchestrator) LeaveRoom(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateInRoom {
		o.mu.Unlock()
		return domain.ErrRoomNotFound
	}
	o.state = StateLeaving
	roomID := o.room.ID
	stopRoster := o.stopRoster
	o.mu.Unlock()

	ctx, span := tracing.TraceSessionOperation(ctx, "leave_room", string(roomID))
	defer span.End()

	if stopRoster != nil {
		close(stopRoster)
	}

	if err := o.signal.LeaveRoom(ctx); err != nil {
		tracing.RecordError(ctx, err)
		o.report(toStreamingError(err, serrors.ErrCodeSignalingConnection, "failed to announce leave"))
	}

	o.peers.Cleanup()
	o.media.Cleanup()

	o.mu.Lock()
	o.room = nil
	o.participants = nil
	o.stopRoster = nil
	o.state = StateConnected
	o.mu.Unlock()

	if o.roster != nil {
		o.roster.Invalidate(roomID)
	}
	o.metrics.SessionLeft(roomID)
	o.metrics.ParticipantCount(0)

	o.logger.Infow("left room", "room_id", roomID)
	return nil
}

// Close leaves the room if needed and drops the signaling channel.
func (o *SessionOrchestrator) Close(ctx context.Context) error {
	o.mu.RLock()
	inRoom := o.state == StateInRoom
	o.mu.RUnlock()

	if inRoom {
		if err := o.LeaveRoom(ctx); err != nil {
			o.logger.Warnw("leave during close failed", "error", err)
		}
	}

	o.closeOnce.Do(func() { close(o.stopLoop) })
	err := o.signal.Disconnect()

	o.mu.Lock()
	o.state = StateIdle
	o.mu.Unlock()
	return err
}

// ToggleVideo flips local camera output and shares the new state with
// the room. Returns the new enabled state.
func (o *SessionOrchestrator) ToggleVideo() bool {
	enabled := o.media.ToggleVideo()
	o.afterMediaChange()
	return enabled
}

// ToggleAudio flips the local microphone the same way.
func (o *SessionOrchestrator) ToggleAudio() bool {
	enabled := o.media.ToggleAudio()
	o.afterMediaChange()
	return enabled
}

// StartScreenShare swaps the outgoing video track for a screen capture
// track. The camera track is preserved for StopScreenShare.
func (o *SessionOrchestrator) StartScreenShare(ctx context.Context) error {
	track, err := o.media.GetDisplayMedia(ctx)
	if err != nil {
		return o.report(toStreamingError(err, serrors.ErrCodeMediaAccessDenied, "failed to acquire screen capture"))
	}
	if err := o.peers.ReplaceVideoTrack(track); err != nil {
		return o.report(toStreamingError(err, serrors.ErrCodePeerConnection, "failed to publish screen track"))
	}
	if err := o.media.ReplaceVideoTrack(track); err != nil {
		return o.report(toStreamingError(err, serrors.ErrCodeMediaAccessDenied, "failed to install screen track"))
	}

	o.afterMediaChange()
	o.logger.Info("screen share started")
	return nil
}

// StopScreenShare restores the camera track on both the media registry
// and the live publisher connection.
func (o *SessionOrchestrator) StopScreenShare() error {
	if err := o.media.StopScreenShare(); err != nil {
		return o.report(toStreamingError(err, serrors.ErrCodeMediaAccessDenied, "failed to stop screen share"))
	}

	for _, t := range o.media.LocalTracks() {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			if err := o.peers.ReplaceVideoTrack(t); err != nil {
				return o.report(toStreamingError(err, serrors.ErrCodePeerConnection, "failed to restore camera track"))
			}
			break
		}
	}

	o.afterMediaChange()
	o.logger.Info("screen share stopped")
	return nil
}

// UpdateRoomMetadata relays an opaque tour-state blob to the room.
func (o *SessionOrchestrator) UpdateRoomMetadata(ctx context.Context, metadata json.RawMessage) error {
	o.mu.RLock()
	inRoom := o.state == StateInRoom
	o.mu.RUnlock()
	if !inRoom {
		return domain.ErrRoomNotFound
	}
	if err := o.signal.UpdateRoomMetadata(ctx, metadata); err != nil {
		return o.report(toStreamingError(err, serrors.ErrCodeSignalingConnection, "failed to update room metadata"))
	}
	return nil
}

// State reports the lifecycle phase.
func (o *SessionOrchestrator) State() SessionState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Room returns a copy of the current room, or nil outside a session.
func (o *SessionOrchestrator) Room() *domain.Room {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.room == nil {
		return nil
	}
	room := *o.room
	return &room
}

// Participants returns a snapshot of the registry.
func (o *SessionOrchestrator) Participants() []domain.Participant {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]domain.Participant, len(o.participants))
	for i, p := range o.participants {
		out[i] = *p
	}
	return out
}

// Errors returns the accumulated error log snapshot.
func (o *SessionOrchestrator) Errors() []*serrors.StreamingError {
	return o.errs.Snapshot()
}

// ClearErrors empties the error log.
func (o *SessionOrchestrator) ClearErrors() {
	o.errs.Clear()
}

// mergeParticipant reconciles an incoming participant fragment with the
// registry. Matching is by peer id first, stream id second; a merge only
// fills fields the existing entry lacks, it never clears them. Identity
// fragments carry a zero media state, so media is overwritten only when
// the caller marks the fragment media-bearing.
func (o *SessionOrchestrator) mergeParticipant(in *domain.Participant, withMedia bool) {
	o.mu.Lock()

	var existing *domain.Participant
	if in.PeerID != "" {
		for _, p := range o.participants {
			if p.PeerID == in.PeerID {
				existing = p
				break
			}
		}
	}
	if existing == nil && in.StreamID != "" {
		for _, p := range o.participants {
			if p.StreamID == in.StreamID {
				existing = p
				break
			}
		}
	}

	if existing == nil {
		cp := *in
		if cp.JoinedAt.IsZero() {
			cp.JoinedAt = time.Now()
		}
		o.participants = append(o.participants, &cp)
	} else {
		if existing.PeerID == "" {
			existing.PeerID = in.PeerID
		}
		if existing.StreamID == "" {
			existing.StreamID = in.StreamID
		}
		if existing.UserID == "" {
			existing.UserID = in.UserID
		}
		if existing.Role == "" {
			existing.Role = in.Role
		}
		if existing.Profile.DisplayName == "" {
			existing.Profile = in.Profile
		}
		if withMedia {
			existing.Media = in.Media
		}
		if existing.JoinedAt.IsZero() {
			existing.JoinedAt = in.JoinedAt
		}
		existing.IsLocalUser = existing.IsLocalUser || in.IsLocalUser
	}

	count := len(o.participants)
	o.mu.Unlock()

	o.metrics.ParticipantCount(count)
}

func (o *SessionOrchestrator) removeParticipant(peerID domain.PeerID, streamID domain.StreamID) {
	o.mu.Lock()
	kept := o.participants[:0]
	for _, p := range o.participants {
		if (peerID != "" && p.PeerID == peerID) || (streamID != "" && p.StreamID == streamID) {
			continue
		}
		kept = append(kept, p)
	}
	o.participants = kept
	count := len(o.participants)
	o.mu.Unlock()

	o.metrics.ParticipantCount(count)
}

// afterMediaChange syncs the local participant's media state and pushes
// it to the room, best effort.
func (o *SessionOrchestrator) afterMediaChange() {
	state := o.media.MediaState()
	streamID := o.media.LocalStreamID()

	o.mu.Lock()
	for _, p := range o.participants {
		if p.IsLocalUser {
			p.Media = state
			break
		}
	}
	inRoom := o.state == StateInRoom
	o.mu.Unlock()

	if !inRoom || streamID == "" {
		return
	}

	blob, err := json.Marshal(metadataEnvelope{
		MediaStates: map[domain.StreamID]domain.MediaState{streamID: state},
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.signal.UpdateRoomMetadata(ctx, blob); err != nil {
		o.logger.Warnw("failed to share media state", "error", err)
	}
}

// resolveIdentity fills the user id of the participant owning streamID
// through a signaling lookup. A miss leaves the field empty for a later
// roster sync to fill.
func (o *SessionOrchestrator) resolveIdentity(streamID domain.StreamID) {
	ctx, cancel := context.WithTimeout(context.Background(), identityTimeout)
	defer cancel()

	peerID, err := o.signal.PeerIDForStream(ctx, streamID)
	if err != nil {
		o.logger.Debugw("peer lookup failed", "stream_id", streamID, "error", err)
	}
	userID, err := o.signal.UserIDForStream(ctx, streamID)
	if err != nil {
		o.logger.Debugw("user lookup failed", "stream_id", streamID, "error", err)
	}

	if peerID == "" && userID == "" {
		return
	}
	// Identity only; the lookup knows nothing about live media.
	o.mergeParticipant(&domain.Participant{PeerID: peerID, UserID: userID, StreamID: streamID}, false)
}

// rosterLoop periodically enriches live participants with roster role
// and profile data. The roster never removes anyone.
func (o *SessionOrchestrator) rosterLoop(roomID domain.RoomID) {
	if o.roster == nil {
		return
	}

	o.mu.RLock()
	interval := o.rosterPoll
	stop := o.stopRoster
	o.mu.RUnlock()
	if stop == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.syncRoster(roomID)
	for {
		select {
		case <-stop:
			return
		case <-o.stopLoop:
			return
		case <-ticker.C:
			o.syncRoster(roomID)
		}
	}
}

func (o *SessionOrchestrator) syncRoster(roomID domain.RoomID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := o.roster.Roster(ctx, roomID)
	if err != nil {
		return
	}

	o.mu.Lock()
	for _, entry := range entries {
		for _, p := range o.participants {
			if p.UserID != entry.UserID {
				continue
			}
			if p.Role == "" {
				p.Role = entry.Role
			}
			if p.Profile.DisplayName == "" {
				p.Profile = entry.Profile
			}
		}
	}
	o.mu.Unlock()
}

func (o *SessionOrchestrator) eventLoop() {
	events := o.signal.Events()
	for {
		select {
		case <-o.stopLoop:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			o.handleEvent(ev)
		}
	}
}

func (o *SessionOrchestrator) handleEvent(ev ports.SignalingEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch e := ev.(type) {
	case ports.ConnectionAssigned:
		o.logger.Debugw("connection assigned", "connection_id", e.ConnectionID)

	case ports.PeerJoined:
		// No registry entry yet: the participant materializes when the
		// peer's media stream arrives, keyed by its resolved identity.
		o.logger.Infow("peer joined", "peer_id", e.PeerID, "user_id", e.UserID)

	case ports.PeerDisconnected:
		o.removeParticipant(e.PeerID, e.StreamID)
		if e.StreamID != "" {
			o.media.RemoveRemoteStream(e.StreamID)
		}
		o.logger.Infow("peer disconnected", "peer_id", e.PeerID, "stream_id", e.StreamID)

	case ports.OfferReceived:
		answer, err := o.peers.HandleOffer(ctx, e.SDP)
		if err != nil {
			o.report(toStreamingError(err, serrors.ErrCodePeerConnection, "failed to handle incoming offer"))
			return
		}
		if err := o.signal.SendAnswer(ctx, answer); err != nil {
			o.report(toStreamingError(err, serrors.ErrCodeSignalingConnection, "failed to send answer"))
		}

	case ports.AnswerReceived:
		if err := o.peers.HandleAnswer(ctx, e.SDP); err != nil {
			o.report(toStreamingError(err, serrors.ErrCodePeerConnection, "failed to handle answer"))
		}

	case ports.CandidateReceived:
		o.peers.AddICECandidate(e.Candidate, e.Publisher)

	case ports.RoomStateReceived:
		o.applyRoomState(e.Room)

	case ports.ChannelClosed:
		o.metrics.SignalingDropped()
		o.report(toStreamingError(e.Err, serrors.ErrCodeSignalingConnection, "signaling channel dropped"))
		o.teardownAfterDrop()
	}
}

func (o *SessionOrchestrator) applyRoomState(room domain.Room) {
	o.mu.Lock()
	if o.room != nil && o.room.ID == room.ID {
		if room.Name != "" {
			o.room.Name = room.Name
		}
		o.room.Status = room.Status
		o.room.Metadata = room.Metadata
	}
	localStream := domain.StreamID("")
	for _, p := range o.participants {
		if p.IsLocalUser {
			localStream = p.StreamID
			break
		}
	}
	o.mu.Unlock()

	if len(room.Metadata) == 0 {
		return
	}
	var env metadataEnvelope
	if err := json.Unmarshal(room.Metadata, &env); err != nil {
		return
	}
	for streamID, state := range env.MediaStates {
		if streamID == localStream {
			continue
		}
		o.media.UpdateRemoteStreamState(streamID, state)
		o.mergeParticipant(&domain.Participant{StreamID: streamID, Media: state}, true)
	}
}

// teardownAfterDrop releases session resources after an unrecoverable
// signaling drop. The session returns to idle and must be reinitialized.
func (o *SessionOrchestrator) teardownAfterDrop() {
	o.mu.Lock()
	stopRoster := o.stopRoster
	o.stopRoster = nil
	o.room = nil
	o.participants = nil
	o.state = StateIdle
	o.mu.Unlock()

	if stopRoster != nil {
		close(stopRoster)
	}
	o.peers.Cleanup()
	o.media.Cleanup()
	o.metrics.ParticipantCount(0)
}

func (o *SessionOrchestrator) handleLocalCandidate(candidate webrtc.ICECandidateInit, publisher bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.signal.SendICECandidate(ctx, candidate, publisher); err != nil {
		o.report(toStreamingError(err, serrors.ErrCodeICECandidate, "failed to send ICE candidate"))
	}
}

func (o *SessionOrchestrator) handleRemoteStream(info domain.MediaStreamInfo) {
	o.media.AddRemoteStream(info)
	o.mergeParticipant(&domain.Participant{
		PeerID:   info.OwnerPeer,
		StreamID: info.ID,
		Media:    info.State,
	}, true)
	go o.resolveIdentity(info.ID)
}

func (o *SessionOrchestrator) handleTrackStateChange(change ports.RemoteTrackState) {
	o.mu.RLock()
	var current domain.MediaState
	for _, p := range o.participants {
		if p.StreamID == change.StreamID {
			current = p.Media
			break
		}
	}
	o.mu.RUnlock()

	switch change.Kind {
	case webrtc.RTPCodecTypeVideo:
		current.Video = change.Active
	case webrtc.RTPCodecTypeAudio:
		current.Audio = change.Active
	}

	o.media.UpdateRemoteStreamState(change.StreamID, current)
	o.mergeParticipant(&domain.Participant{StreamID: change.StreamID, Media: current}, true)
}

// report records the error in the log and the metrics, then returns it
// so direct callers see the same failure the log does.
func (o *SessionOrchestrator) report(err *serrors.StreamingError) error {
	o.errs.Append(err)
	o.metrics.ErrorRecorded(string(err.Code))
	o.logger.Warnw("session error", "code", err.Code, "error", err)
	return err
}

// toStreamingError preserves an existing StreamingError's code, wrapping
// anything else under the fallback code.
func toStreamingError(err error, fallback serrors.ErrorCode, message string) *serrors.StreamingError {
	if se := serrors.GetStreamingError(err); se != nil {
		return se
	}
	return serrors.Wrap(err, fallback, message)
}
