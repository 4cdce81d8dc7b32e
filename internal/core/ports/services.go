package ports

import (
	"context"

	"tourstream/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// MediaManager owns local capture and the registry of remote media
// streams. It knows nothing about signaling or peer connections.
type MediaManager interface {
	// InitializeLocalStream acquires camera/microphone per constraints.
	// Calling it again while a stream is held replaces the stream.
	InitializeLocalStream(ctx context.Context, c domain.CaptureConstraints) (domain.MediaStreamInfo, error)
	LocalStreamID() domain.StreamID
	LocalTracks() []webrtc.TrackLocal
	MediaState() domain.MediaState

	// ToggleVideo/ToggleAudio flip the enabled flag of the corresponding
	// local track in place and return the new state. They return false
	// when no local stream exists.
	ToggleVideo() bool
	ToggleAudio() bool

	StopLocalStream()

	AddRemoteStream(info domain.MediaStreamInfo)
	RemoveRemoteStream(id domain.StreamID)
	UpdateRemoteStreamState(id domain.StreamID, state domain.MediaState)
	RemoteStreams() []domain.MediaStreamInfo

	// GetDisplayMedia acquires a screen-capture track independent of the
	// camera stream.
	GetDisplayMedia(ctx context.Context) (webrtc.TrackLocal, error)
	// ReplaceVideoTrack swaps the active video track without disturbing
	// audio. Fails when no local stream exists.
	ReplaceVideoTrack(t webrtc.TrackLocal) error
	StopScreenShare() error

	Stats() domain.StreamStats
	Cleanup()
}

// RemoteTrackState is the mute/unmute sub-event surfaced when a remote
// track starts or stops flowing.
type RemoteTrackState struct {
	StreamID domain.StreamID
	Kind     webrtc.RTPCodecType
	Active   bool
}

// PeerManager owns exactly one publisher and one subscriber connection per
// session and translates signaling messages into connection-state
// transitions.
type PeerManager interface {
	// CreatePublisher closes any prior publisher connection and creates a
	// new send-only connection carrying the given local tracks.
	CreatePublisher(ctx context.Context, tracks []webrtc.TrackLocal) error
	// CreateSubscriber is the symmetric receive-oriented slot.
	CreateSubscriber(ctx context.Context) error

	// CreateOffer requires an existing publisher connection.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// HandleOffer lazily creates a subscriber connection if absent and
	// returns the local answer. This is the relay-initiated path.
	HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// HandleAnswer applies the remote answer to the publisher connection
	// only.
	HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error

	// AddICECandidate routes the candidate to the publisher or subscriber
	// connection. A missing target is logged and the candidate dropped;
	// candidates may legitimately arrive before connection creation.
	AddICECandidate(candidate webrtc.ICECandidateInit, publisher bool)

	ReplaceVideoTrack(t webrtc.TrackLocal) error

	OnICECandidate(fn func(candidate webrtc.ICECandidateInit, publisher bool))
	OnRemoteStream(fn func(info domain.MediaStreamInfo))
	OnTrackStateChange(fn func(change RemoteTrackState))

	// Cleanup closes both connections; safe to call multiple times.
	Cleanup()
}

// CaptureDevice abstracts platform media acquisition. Implementations may
// suspend on user permission prompts; a denied permission surfaces as an
// error, never a crash.
type CaptureDevice interface {
	OpenTracks(ctx context.Context, c domain.CaptureConstraints) ([]webrtc.TrackLocal, error)
	OpenScreenTrack(ctx context.Context, c domain.CaptureConstraints) (webrtc.TrackLocal, error)
}

// RosterFetchFunc supplies expected-participant metadata for a room. The
// roster lags live presence and may legitimately return fewer entries than
// there are participants.
type RosterFetchFunc func(ctx context.Context, roomID domain.RoomID) ([]domain.RosterEntry, error)

// RosterService is the cached front of the roster collaborator.
type RosterService interface {
	Roster(ctx context.Context, roomID domain.RoomID) ([]domain.RosterEntry, error)
	Invalidate(roomID domain.RoomID)
}
