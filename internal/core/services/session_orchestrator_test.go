package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"tourstream/internal/core/domain"
	"tourstream/internal/core/ports"
	serrors "tourstream/pkg/errors"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeMediaManager implements ports.MediaManager with real sample tracks
// so Kind() behaves like production capture.
type fakeMediaManager struct {
	mu           sync.Mutex
	streamID     domain.StreamID
	video        webrtc.TrackLocal
	audio        webrtc.TrackLocal
	state        domain.MediaState
	remoteStates map[domain.StreamID]domain.MediaState
	removed      []domain.StreamID
	cleanups     int
	initErr      error
	screenErr    error
}

func newFakeMediaManager() *fakeMediaManager {
	return &fakeMediaManager{remoteStates: make(map[domain.StreamID]domain.MediaState)}
}

func (f *fakeMediaManager) InitializeLocalStream(ctx context.Context, c domain.CaptureConstraints) (domain.MediaStreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return domain.MediaStreamInfo{}, f.initErr
	}
	f.streamID = "stream-local"
	f.video, _ = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", string(f.streamID))
	f.audio, _ = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", string(f.streamID))
	f.state = domain.MediaState{Video: true, Audio: true}
	return domain.MediaStreamInfo{ID: f.streamID, Kind: domain.StreamKindLocal, State: f.state}, nil
}

func (f *fakeMediaManager) LocalStreamID() domain.StreamID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamID
}

func (f *fakeMediaManager) LocalTracks() []webrtc.TrackLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.video == nil {
		return nil
	}
	return []webrtc.TrackLocal{f.video, f.audio}
}

func (f *fakeMediaManager) MediaState() domain.MediaState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeMediaManager) ToggleVideo() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Video = !f.state.Video
	return f.state.Video
}

func (f *fakeMediaManager) ToggleAudio() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Audio = !f.state.Audio
	return f.state.Audio
}

func (f *fakeMediaManager) StopLocalStream() {}

func (f *fakeMediaManager) AddRemoteStream(info domain.MediaStreamInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteStates[info.ID] = info.State
}

func (f *fakeMediaManager) RemoveRemoteStream(id domain.StreamID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.remoteStates, id)
	f.removed = append(f.removed, id)
}

func (f *fakeMediaManager) UpdateRemoteStreamState(id domain.StreamID, state domain.MediaState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteStates[id] = state
}

func (f *fakeMediaManager) RemoteStreams() []domain.MediaStreamInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.MediaStreamInfo, 0, len(f.remoteStates))
	for id, state := range f.remoteStates {
		out = append(out, domain.MediaStreamInfo{ID: id, Kind: domain.StreamKindRemote, State: state})
	}
	return out
}

func (f *fakeMediaManager) GetDisplayMedia(ctx context.Context) (webrtc.TrackLocal, error) {
	if f.screenErr != nil {
		return nil, f.screenErr
	}
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "stream-screen")
}

func (f *fakeMediaManager) ReplaceVideoTrack(t webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Screen = t.StreamID() == "stream-screen"
	return nil
}

func (f *fakeMediaManager) StopScreenShare() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Screen {
		return domain.ErrNoLocalStream
	}
	f.state.Screen = false
	return nil
}

func (f *fakeMediaManager) Stats() domain.StreamStats { return domain.StreamStats{} }

func (f *fakeMediaManager) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streamID = ""
	f.video = nil
	f.audio = nil
	f.remoteStates = make(map[domain.StreamID]domain.MediaState)
	f.cleanups++
}

func (f *fakeMediaManager) cleanupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups
}

// fakePeerManager implements ports.PeerManager and records calls.
type fakePeerManager struct {
	mu             sync.Mutex
	publisher      bool
	offerErr       error
	handledOffers  int
	handledAnswers int
	candidates     int
	replaced       int
	cleanups       int

	onCandidate  func(candidate webrtc.ICECandidateInit, publisher bool)
	onRemote     func(info domain.MediaStreamInfo)
	onTrackState func(change ports.RemoteTrackState)
}

func (f *fakePeerManager) CreatePublisher(ctx context.Context, tracks []webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publisher = true
	return nil
}

func (f *fakePeerManager) CreateSubscriber(ctx context.Context) error { return nil }

func (f *fakePeerManager) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offerErr != nil {
		return webrtc.SessionDescription{}, f.offerErr
	}
	if !f.publisher {
		return webrtc.SessionDescription{}, serrors.New(serrors.ErrCodePeerConnection, "no publisher")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (f *fakePeerManager) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handledOffers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, nil
}

func (f *fakePeerManager) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handledAnswers++
	return nil
}

func (f *fakePeerManager) AddICECandidate(candidate webrtc.ICECandidateInit, publisher bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates++
}

func (f *fakePeerManager) ReplaceVideoTrack(t webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced++
	return nil
}

func (f *fakePeerManager) OnICECandidate(fn func(candidate webrtc.ICECandidateInit, publisher bool)) {
	f.onCandidate = fn
}

func (f *fakePeerManager) OnRemoteStream(fn func(info domain.MediaStreamInfo)) { f.onRemote = fn }

func (f *fakePeerManager) OnTrackStateChange(fn func(change ports.RemoteTrackState)) {
	f.onTrackState = fn
}

func (f *fakePeerManager) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publisher = false
	f.cleanups++
}

func (f *fakePeerManager) cleanupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanups
}

// fakeSignalingClient implements ports.SignalingClient against an
// in-memory event channel.
type fakeSignalingClient struct {
	mu         sync.Mutex
	connectErr error
	joinErr    error
	connected  bool
	joinedRoom domain.RoomID
	joinStream domain.StreamID
	joinOffer  *webrtc.SessionDescription
	leaves     int
	answers    []webrtc.SessionDescription
	metadata   []json.RawMessage
	peerFor    map[domain.StreamID]domain.PeerID
	userFor    map[domain.StreamID]domain.UserID
	events     chan ports.SignalingEvent
}

func newFakeSignalingClient() *fakeSignalingClient {
	return &fakeSignalingClient{
		peerFor: make(map[domain.StreamID]domain.PeerID),
		userFor: make(map[domain.StreamID]domain.UserID),
		events:  make(chan ports.SignalingEvent, 16),
	}
}

func (f *fakeSignalingClient) Connect(ctx context.Context, cfg domain.SessionConfig) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSignalingClient) Disconnect() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return nil
}

func (f *fakeSignalingClient) ConnectionID() domain.PeerID { return "conn-local" }

func (f *fakeSignalingClient) JoinRoom(ctx context.Context, roomID domain.RoomID, streamID domain.StreamID, offer *webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joinedRoom = roomID
	f.joinStream = streamID
	f.joinOffer = offer
	return nil
}

func (f *fakeSignalingClient) LeaveRoom(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeSignalingClient) SendOffer(ctx context.Context, offer webrtc.SessionDescription) error {
	return nil
}

func (f *fakeSignalingClient) SendAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, answer)
	return nil
}

func (f *fakeSignalingClient) SendICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit, publisher bool) error {
	return nil
}

func (f *fakeSignalingClient) UpdateRoomMetadata(ctx context.Context, metadata json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadata = append(f.metadata, metadata)
	return nil
}

func (f *fakeSignalingClient) PeerIDForStream(ctx context.Context, streamID domain.StreamID) (domain.PeerID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peerFor[streamID], nil
}

func (f *fakeSignalingClient) UserIDForStream(ctx context.Context, streamID domain.StreamID) (domain.UserID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userFor[streamID], nil
}

func (f *fakeSignalingClient) Events() <-chan ports.SignalingEvent { return f.events }

func (f *fakeSignalingClient) answerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.answers)
}

func (f *fakeSignalingClient) metadataCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.metadata)
}

type orchestratorFixture struct {
	media  *fakeMediaManager
	peers  *fakePeerManager
	signal *fakeSignalingClient
	errs   *serrors.ErrorLog
	o      *SessionOrchestrator
}

func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		media:  newFakeMediaManager(),
		peers:  &fakePeerManager{},
		signal: newFakeSignalingClient(),
		errs:   serrors.NewErrorLog(20),
	}
	f.o = NewSessionOrchestrator(
		domain.SessionConfig{ServerURL: "ws://signal.test/ws"},
		f.media, f.peers, f.signal, nil, nil, f.errs, zap.NewNop(),
	)
	return f
}

func (f *orchestratorFixture) initAndJoin(t *testing.T, roomID domain.RoomID) {
	t.Helper()
	require.NoError(t, f.o.Initialize(context.Background()))
	require.NoError(t, f.o.JoinRoom(context.Background(), roomID))
}

func hasCode(t *testing.T, errs *serrors.ErrorLog, code serrors.ErrorCode) bool {
	t.Helper()
	for _, e := range errs.Snapshot() {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestInitialize(t *testing.T) {
	f := newOrchestratorFixture(t)

	require.NoError(t, f.o.Initialize(context.Background()))
	assert.Equal(t, StateConnected, f.o.State())

	// A second initialize is a no-op.
	require.NoError(t, f.o.Initialize(context.Background()))
	assert.Equal(t, StateConnected, f.o.State())
}

func TestInitializeConnectFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.signal.connectErr = errors.New("dial tcp: connection refused")

	err := f.o.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, serrors.HasCode(err, serrors.ErrCodeSignalingConnection))
	assert.Equal(t, StateIdle, f.o.State())

	// The same failure lands in the error log.
	assert.True(t, hasCode(t, f.errs, serrors.ErrCodeSignalingConnection))
}

func TestJoinRoomRejectsInvalidID(t *testing.T) {
	f := newOrchestratorFixture(t)
	require.NoError(t, f.o.Initialize(context.Background()))

	err := f.o.JoinRoom(context.Background(), "not a valid room!")
	require.Error(t, err)
	assert.True(t, serrors.HasCode(err, serrors.ErrCodeInvalidRoomID))
	assert.True(t, hasCode(t, f.errs, serrors.ErrCodeInvalidRoomID))
	assert.Equal(t, StateConnected, f.o.State())
}

func TestJoinRoomRequiresConnection(t *testing.T) {
	f := newOrchestratorFixture(t)

	err := f.o.JoinRoom(context.Background(), "room-1")
	assert.ErrorIs(t, err, domain.ErrNotConnected)
}

func TestJoinRoomFlow(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.initAndJoin(t, "room-1")

	assert.Equal(t, StateInRoom, f.o.State())
	require.NotNil(t, f.o.Room())
	assert.EqualValues(t, "room-1", f.o.Room().ID)

	// The join announcement carried the stream identity and an offer.
	f.signal.mu.Lock()
	assert.EqualValues(t, "room-1", f.signal.joinedRoom)
	assert.EqualValues(t, "stream-local", f.signal.joinStream)
	assert.NotNil(t, f.signal.joinOffer)
	f.signal.mu.Unlock()

	// Exactly one participant, the local user, keyed by the connection id.
	participants := f.o.Participants()
	require.Len(t, participants, 1)
	assert.True(t, participants[0].IsLocalUser)
	assert.EqualValues(t, "conn-local", participants[0].PeerID)
	assert.EqualValues(t, "stream-local", participants[0].StreamID)
	assert.True(t, participants[0].Media.Video)

	// Joining again while in a room is rejected.
	assert.ErrorIs(t, f.o.JoinRoom(context.Background(), "room-2"), domain.ErrAlreadyInRoom)
}

func TestJoinRoomSignalingFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	require.NoError(t, f.o.Initialize(context.Background()))
	f.signal.joinErr = errors.New("room is full")

	err := f.o.JoinRoom(context.Background(), "room-1")
	require.Error(t, err)
	assert.True(t, serrors.HasCode(err, serrors.ErrCodeRoomJoinFailed))
	assert.True(t, hasCode(t, f.errs, serrors.ErrCodeRoomJoinFailed))

	// The half-built publisher connection is torn down and the session
	// stays usable.
	assert.Equal(t, 1, f.peers.cleanupCount())
	assert.Equal(t, StateConnected, f.o.State())
	assert.Empty(t, f.o.Participants())
}

func TestJoinRoomMediaFailure(t *testing.T) {
	f := newOrchestratorFixture(t)
	require.NoError(t, f.o.Initialize(context.Background()))
	f.media.initErr = errors.New("permission denied")

	err := f.o.JoinRoom(context.Background(), "room-1")
	require.Error(t, err)
	assert.True(t, serrors.HasCode(err, serrors.ErrCodeMediaAccessDenied))
	assert.True(t, hasCode(t, f.errs, serrors.ErrCodeMediaAccessDenied))
}

func TestLeaveRoom(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.initAndJoin(t, "room-1")

	require.NoError(t, f.o.LeaveRoom(context.Background()))
	assert.Equal(t, StateConnected, f.o.State())
	assert.Nil(t, f.o.Room())
	assert.Empty(t, f.o.Participants())
	assert.Equal(t, 1, f.peers.cleanupCount())
	assert.Equal(t, 1, f.media.cleanupCount())

	f.signal.mu.Lock()
	assert.Equal(t, 1, f.signal.leaves)
	f.signal.mu.Unlock()

	// Leaving twice reports the missing room.
	assert.ErrorIs(t, f.o.LeaveRoom(context.Background()), domain.ErrRoomNotFound)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.initAndJoin(t, "room-1")

	require.NoError(t, f.o.Close(context.Background()))
	assert.Equal(t, StateIdle, f.o.State())

	// A second close must not panic on the stopped event loop.
	assert.NotPanics(t, func() { f.o.Close(context.Background()) })
	assert.Equal(t, StateIdle, f.o.State())
}

func TestCreateRoomJoinsGeneratedRoom(t *testing.T) {
	f := newOrchestratorFixture(t)
	require.NoError(t, f.o.Initialize(context.Background()))

	roomID, err := f.o.CreateRoom(context.Background(), "impressionist wing")
	require.NoError(t, err)
	assert.NotEmpty(t, roomID)
	require.NotNil(t, f.o.Room())
	assert.Equal(t, roomID, f.o.Room().ID)
	assert.Equal(t, "impressionist wing", f.o.Room().Name)
}

func TestToggleUpdatesLocalParticipant(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.initAndJoin(t, "room-1")

	assert.False(t, f.o.ToggleVideo())

	participants := f.o.Participants()
	require.Len(t, participants, 1)
	assert.False(t, participants[0].Media.Video)
	assert.True(t, participants[0].Media.Audio)

	// The new state was shared with the room as metadata.
	assert.GreaterOrEqual(t, f.signal.metadataCount(), 1)
}

func TestScreenShareFlow(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.initAndJoin(t, "room-1")

	require.NoError(t, f.o.StartScreenShare(context.Background()))
	assert.True(t, f.o.Participants()[0].Media.Screen)

	require.NoError(t, f.o.StopScreenShare())
	assert.False(t, f.o.Participants()[0].Media.Screen)

	// One replacement for the screen track, one for the camera restore.
	f.peers.mu.Lock()
	assert.Equal(t, 2, f.peers.replaced)
	f.peers.mu.Unlock()
}

func TestPeerJoinedCreatesNoParticipant(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.initAndJoin(t, "room-1")

	// A join announcement alone does not materialize a participant; the
	// entry appears once the peer's media stream arrives.
	f.signal.events <- ports.PeerJoined{PeerID: "peer-2", UserID: "user-2"}
	time.Sleep(100 * time.Millisecond)
	require.Len(t, f.o.Participants(), 1)
	assert.True(t, f.o.Participants()[0].IsLocalUser)
}

func TestPeerJoinedThenStreamYieldsSingleParticipant(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.signal.peerFor["stream-2"] = "peer-2"
	f.signal.userFor["stream-2"] = "user-2"
	f.initAndJoin(t, "room-1")

	f.signal.events <- ports.PeerJoined{PeerID: "peer-2", UserID: "user-2"}
	time.Sleep(50 * time.Millisecond)

	// Subscriber tracks carry no owner; identity comes from the lookup.
	require.NotNil(t, f.peers.onRemote)
	f.peers.onRemote(domain.MediaStreamInfo{
		ID:    "stream-2",
		Kind:  domain.StreamKindRemote,
		State: domain.MediaState{Video: true, Audio: true},
	})

	assert.Eventually(t, func() bool {
		for _, p := range f.o.Participants() {
			if p.StreamID == "stream-2" && p.PeerID == "peer-2" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	// Exactly one entry owns the stream, alongside the local user.
	participants := f.o.Participants()
	require.Len(t, participants, 2)
	owners := 0
	for _, p := range participants {
		if p.StreamID == "stream-2" {
			owners++
		}
	}
	assert.Equal(t, 1, owners)
}

func TestPeerDisconnectedRemovesParticipant(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.initAndJoin(t, "room-1")

	require.NotNil(t, f.peers.onRemote)
	f.peers.onRemote(domain.MediaStreamInfo{ID: "stream-2", State: domain.MediaState{Video: true}})
	assert.Eventually(t, func() bool {
		return len(f.o.Participants()) == 2
	}, time.Second, 10*time.Millisecond)

	f.signal.events <- ports.PeerDisconnected{PeerID: "peer-2", StreamID: "stream-2"}
	assert.Eventually(t, func() bool {
		return len(f.o.Participants()) == 1 && len(f.media.RemoteStreams()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestOfferReceivedSendsAnswer(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.initAndJoin(t, "room-1")

	f.signal.events <- ports.OfferReceived{From: "relay", SDP: webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n",
	}}
	assert.Eventually(t, func() bool {
		return f.signal.answerCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestChannelClosedTearsDownSession(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.initAndJoin(t, "room-1")

	f.signal.events <- ports.ChannelClosed{Err: errors.New("websocket: close 1006")}
	assert.Eventually(t, func() bool {
		return f.o.State() == StateIdle
	}, time.Second, 10*time.Millisecond)

	assert.True(t, hasCode(t, f.errs, serrors.ErrCodeSignalingConnection))
	assert.GreaterOrEqual(t, f.peers.cleanupCount(), 1)
	assert.GreaterOrEqual(t, f.media.cleanupCount(), 1)
	assert.Empty(t, f.o.Participants())
}

func TestRemoteStreamArrival(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.signal.peerFor["stream-2"] = "peer-2"
	f.signal.userFor["stream-2"] = "user-2"
	f.initAndJoin(t, "room-1")

	require.NotNil(t, f.peers.onRemote)
	f.peers.onRemote(domain.MediaStreamInfo{
		ID:        "stream-2",
		OwnerPeer: "peer-2",
		State:     domain.MediaState{Video: true},
	})

	assert.Eventually(t, func() bool {
		for _, p := range f.o.Participants() {
			if p.StreamID == "stream-2" && p.PeerID == "peer-2" && p.UserID == "user-2" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, f.media.RemoteStreams(), 1)
}

func TestRemoteStreamWithUnresolvedIdentity(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.initAndJoin(t, "room-1")

	// Both lookups miss: the stream is still rendered and the participant
	// exists with an empty user id for a later roster sync to fill.
	require.NotNil(t, f.peers.onRemote)
	f.peers.onRemote(domain.MediaStreamInfo{
		ID:    "stream-3",
		Kind:  domain.StreamKindRemote,
		State: domain.MediaState{Video: true},
	})

	assert.Eventually(t, func() bool {
		for _, p := range f.o.Participants() {
			if p.StreamID == "stream-3" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	participants := f.o.Participants()
	require.Len(t, participants, 2)
	for _, p := range participants {
		if p.StreamID == "stream-3" {
			assert.Empty(t, p.UserID)
			assert.True(t, p.Media.Video)
		}
	}
	assert.Len(t, f.media.RemoteStreams(), 1)
}

func TestRoomStateUpdatesRemoteMedia(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.initAndJoin(t, "room-1")
	f.media.AddRemoteStream(domain.MediaStreamInfo{ID: "stream-2"})

	metadata, err := json.Marshal(metadataEnvelope{
		MediaStates: map[domain.StreamID]domain.MediaState{
			"stream-2":     {Video: true, Audio: true},
			"stream-local": {Video: false, Audio: false},
		},
	})
	require.NoError(t, err)

	f.o.handleEvent(ports.RoomStateReceived{Room: domain.Room{
		ID:       "room-1",
		Status:   domain.RoomStatusActive,
		Metadata: metadata,
	}})

	// The remote stream's state was applied; the local stream's entry in
	// the broadcast is ignored.
	for _, s := range f.media.RemoteStreams() {
		if s.ID == "stream-2" {
			assert.True(t, s.State.Video)
		}
	}
	participants := f.o.Participants()
	for _, p := range participants {
		if p.IsLocalUser {
			assert.True(t, p.Media.Video, "local media state is not overwritten by broadcasts")
		}
	}
}

func TestTrackStateChangeUpdatesParticipant(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.initAndJoin(t, "room-1")

	f.o.mergeParticipant(&domain.Participant{
		PeerID:   "peer-2",
		StreamID: "stream-2",
		Media:    domain.MediaState{Video: true, Audio: true},
	}, true)

	require.NotNil(t, f.peers.onTrackState)
	f.peers.onTrackState(ports.RemoteTrackState{
		StreamID: "stream-2",
		Kind:     webrtc.RTPCodecTypeVideo,
		Active:   false,
	})

	for _, p := range f.o.Participants() {
		if p.StreamID == "stream-2" {
			assert.False(t, p.Media.Video)
			assert.True(t, p.Media.Audio)
		}
	}
}

func TestMergeParticipantByPeerID(t *testing.T) {
	f := newOrchestratorFixture(t)

	f.o.mergeParticipant(&domain.Participant{PeerID: "peer-1"}, false)
	f.o.mergeParticipant(&domain.Participant{PeerID: "peer-1", StreamID: "stream-1", UserID: "user-1"}, false)

	participants := f.o.Participants()
	require.Len(t, participants, 1)
	assert.EqualValues(t, "stream-1", participants[0].StreamID)
	assert.EqualValues(t, "user-1", participants[0].UserID)
}

func TestMergeParticipantByStreamID(t *testing.T) {
	f := newOrchestratorFixture(t)

	f.o.mergeParticipant(&domain.Participant{StreamID: "stream-1", Media: domain.MediaState{Video: true}}, true)
	f.o.mergeParticipant(&domain.Participant{PeerID: "peer-1", StreamID: "stream-1"}, false)

	participants := f.o.Participants()
	require.Len(t, participants, 1)
	assert.EqualValues(t, "peer-1", participants[0].PeerID)
}

func TestMergeParticipantPeerIDTakesPrecedence(t *testing.T) {
	f := newOrchestratorFixture(t)

	// Two entries: one matches the fragment by peer id, the other by
	// stream id. The peer id match wins; no third entry appears.
	f.o.mergeParticipant(&domain.Participant{StreamID: "stream-x"}, false)
	f.o.mergeParticipant(&domain.Participant{PeerID: "peer-1"}, false)
	f.o.mergeParticipant(&domain.Participant{PeerID: "peer-1", StreamID: "stream-x", UserID: "user-1"}, false)

	participants := f.o.Participants()
	require.Len(t, participants, 2)
	for _, p := range participants {
		if p.PeerID == "peer-1" {
			assert.EqualValues(t, "user-1", p.UserID)
		} else {
			assert.Empty(t, p.UserID)
		}
	}
}

func TestMergeParticipantNeverClearsFields(t *testing.T) {
	f := newOrchestratorFixture(t)

	f.o.mergeParticipant(&domain.Participant{
		PeerID:   "peer-1",
		StreamID: "stream-1",
		UserID:   "user-1",
		Role:     domain.RoleGuide,
	}, false)
	f.o.mergeParticipant(&domain.Participant{PeerID: "peer-1"}, false)

	participants := f.o.Participants()
	require.Len(t, participants, 1)
	assert.EqualValues(t, "stream-1", participants[0].StreamID)
	assert.EqualValues(t, "user-1", participants[0].UserID)
	assert.Equal(t, domain.RoleGuide, participants[0].Role)
}

func TestMergeParticipantIdentityKeepsMedia(t *testing.T) {
	f := newOrchestratorFixture(t)

	f.o.mergeParticipant(&domain.Participant{
		StreamID: "stream-1",
		Media:    domain.MediaState{Video: true, Audio: true},
	}, true)

	// An identity fragment names the stream but knows nothing about live
	// media; its zero-value state must not clobber the real one.
	f.o.mergeParticipant(&domain.Participant{
		PeerID:   "peer-1",
		UserID:   "user-1",
		StreamID: "stream-1",
	}, false)

	participants := f.o.Participants()
	require.Len(t, participants, 1)
	assert.EqualValues(t, "user-1", participants[0].UserID)
	assert.True(t, participants[0].Media.Video)
	assert.True(t, participants[0].Media.Audio)
}

func TestMergeParticipantLocalFlagIsSticky(t *testing.T) {
	f := newOrchestratorFixture(t)

	f.o.mergeParticipant(&domain.Participant{PeerID: "peer-1", IsLocalUser: true}, false)
	f.o.mergeParticipant(&domain.Participant{PeerID: "peer-1", StreamID: "stream-1"}, false)

	participants := f.o.Participants()
	require.Len(t, participants, 1)
	assert.True(t, participants[0].IsLocalUser)
}

func TestRosterSyncEnrichesParticipants(t *testing.T) {
	f := newOrchestratorFixture(t)
	fetched := 0
	f.o.roster = rosterFunc(func(ctx context.Context, roomID domain.RoomID) ([]domain.RosterEntry, error) {
		fetched++
		return []domain.RosterEntry{
			{UserID: "user-1", Role: domain.RoleGuide, Profile: domain.RosterProfile{DisplayName: "Marie"}},
		}, nil
	})

	f.o.mergeParticipant(&domain.Participant{PeerID: "peer-1", UserID: "user-1"}, false)
	f.o.mergeParticipant(&domain.Participant{PeerID: "peer-2", UserID: "user-2"}, false)

	f.o.syncRoster("room-1")

	var enriched domain.Participant
	for _, p := range f.o.Participants() {
		if p.UserID == "user-1" {
			enriched = p
		}
	}
	assert.Equal(t, domain.RoleGuide, enriched.Role)
	assert.Equal(t, "Marie", enriched.Profile.DisplayName)

	// The roster never removes live participants it does not know.
	assert.Len(t, f.o.Participants(), 2)
	assert.Equal(t, 1, fetched)
}

// rosterFunc adapts a fetch function to ports.RosterService for tests.
type rosterFunc func(ctx context.Context, roomID domain.RoomID) ([]domain.RosterEntry, error)

func (f rosterFunc) Roster(ctx context.Context, roomID domain.RoomID) ([]domain.RosterEntry, error) {
	return f(ctx, roomID)
}

func (f rosterFunc) Invalidate(roomID domain.RoomID) {}
