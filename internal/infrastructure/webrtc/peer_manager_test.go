package webrtc

import (
	"context"
	"testing"

	"tourstream/internal/core/domain"
	serrors "tourstream/pkg/errors"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPeerManager(t *testing.T) (*PeerPairManager, *serrors.ErrorLog) {
	t.Helper()
	errs := serrors.NewErrorLog(10)
	cfg := domain.SessionConfig{STUNServerURL: "stun:stun.l.google.com:19302"}
	return NewPeerPairManager(cfg, errs, zap.NewNop()), errs
}

func localSampleTracks(t *testing.T) []webrtc.TrackLocal {
	t.Helper()
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "stream-test")
	require.NoError(t, err)
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "stream-test")
	require.NoError(t, err)
	return []webrtc.TrackLocal{video, audio}
}

func TestCreateOfferWithoutPublisher(t *testing.T) {
	m, _ := newTestPeerManager(t)
	defer m.Cleanup()

	_, err := m.CreateOffer(context.Background())
	require.Error(t, err)
	assert.True(t, serrors.HasCode(err, serrors.ErrCodePeerConnection))
}

func TestCreatePublisherAndOffer(t *testing.T) {
	m, _ := newTestPeerManager(t)
	defer m.Cleanup()

	require.NoError(t, m.CreatePublisher(context.Background(), localSampleTracks(t)))

	offer, err := m.CreateOffer(context.Background())
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "m=video")
	assert.Contains(t, offer.SDP, "m=audio")
}

func TestCreatePublisherReplacesPrevious(t *testing.T) {
	m, _ := newTestPeerManager(t)
	defer m.Cleanup()

	require.NoError(t, m.CreatePublisher(context.Background(), localSampleTracks(t)))
	require.NoError(t, m.CreatePublisher(context.Background(), localSampleTracks(t)))

	// The replacement connection is usable for a fresh offer.
	_, err := m.CreateOffer(context.Background())
	require.NoError(t, err)
}

func TestHandleAnswerWithoutPublisher(t *testing.T) {
	m, _ := newTestPeerManager(t)
	defer m.Cleanup()

	err := m.HandleAnswer(context.Background(), webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "v=0\r\n",
	})
	require.Error(t, err)
	assert.True(t, serrors.HasCode(err, serrors.ErrCodePeerConnection))
}

func TestHandleAnswerBeforeOffer(t *testing.T) {
	m, _ := newTestPeerManager(t)
	defer m.Cleanup()

	require.NoError(t, m.CreatePublisher(context.Background(), localSampleTracks(t)))

	// No offer has been created yet, so the signaling state rejects the
	// answer outright.
	err := m.HandleAnswer(context.Background(), webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  "v=0\r\n",
	})
	require.Error(t, err)
	se := serrors.GetStreamingError(err)
	require.NotNil(t, se)
	assert.Equal(t, serrors.ErrCodePeerConnection, se.Code)
	assert.Contains(t, se.Details, "signaling_state=")
}

func TestHandleOfferCreatesSubscriber(t *testing.T) {
	m, _ := newTestPeerManager(t)
	defer m.Cleanup()

	// Generate a real offer from a second connection so the answer path
	// exercises actual SDP negotiation.
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer remote.Close()

	_, err = remote.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo)
	require.NoError(t, err)
	offer, err := remote.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(offer))

	answer, err := m.HandleOffer(context.Background(), offer)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
}

func TestAddICECandidateWithoutConnections(t *testing.T) {
	m, errs := newTestPeerManager(t)
	defer m.Cleanup()

	// Candidates for missing connections are dropped silently.
	m.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"}, true)
	m.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 5000 typ host"}, false)
	assert.Equal(t, 0, errs.Len())
}

func TestAddICECandidateFailureIsAccumulated(t *testing.T) {
	m, errs := newTestPeerManager(t)
	defer m.Cleanup()

	require.NoError(t, m.CreatePublisher(context.Background(), localSampleTracks(t)))

	// No remote description is set, so applying any candidate fails; the
	// failure lands in the error log instead of aborting.
	m.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:garbage"}, true)
	require.Equal(t, 1, errs.Len())
	assert.Equal(t, serrors.ErrCodeICECandidate, errs.Snapshot()[0].Code)
}

func TestReplaceVideoTrackWithoutPublisher(t *testing.T) {
	m, _ := newTestPeerManager(t)
	defer m.Cleanup()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "stream-test")
	require.NoError(t, err)

	err = m.ReplaceVideoTrack(track)
	require.Error(t, err)
	assert.True(t, serrors.HasCode(err, serrors.ErrCodePeerConnection))
}

func TestReplaceVideoTrack(t *testing.T) {
	m, _ := newTestPeerManager(t)
	defer m.Cleanup()

	require.NoError(t, m.CreatePublisher(context.Background(), localSampleTracks(t)))

	screen, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "screen", "stream-test")
	require.NoError(t, err)
	require.NoError(t, m.ReplaceVideoTrack(screen))
}

func TestCleanupIsIdempotent(t *testing.T) {
	m, _ := newTestPeerManager(t)

	require.NoError(t, m.CreatePublisher(context.Background(), localSampleTracks(t)))
	require.NoError(t, m.CreateSubscriber(context.Background()))

	m.Cleanup()
	m.Cleanup()

	// The pair is reusable after cleanup.
	require.NoError(t, m.CreatePublisher(context.Background(), localSampleTracks(t)))
	_, err := m.CreateOffer(context.Background())
	require.NoError(t, err)
	m.Cleanup()
}
