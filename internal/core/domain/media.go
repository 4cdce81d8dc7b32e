package domain

// MediaState tracks which media kinds a participant currently sends.
type MediaState struct {
	Video  bool `json:"video"`
	Audio  bool `json:"audio"`
	Screen bool `json:"screen"`
}

type StreamKind string

const (
	StreamKindLocal  StreamKind = "local"
	StreamKindRemote StreamKind = "remote"
)

// MediaStreamInfo describes one media stream known to the session: the
// local capture stream or a registered remote stream. State is derived
// from track enabled/flow status and must stay consistent with the owning
// Participant's MediaState.
type MediaStreamInfo struct {
	ID        StreamID   `json:"id"`
	Kind      StreamKind `json:"kind"`
	OwnerPeer PeerID     `json:"owner_peer"`
	State     MediaState `json:"state"`
}

// CaptureConstraints parameterize local media acquisition.
type CaptureConstraints struct {
	Video            bool
	Audio            bool
	Width            int
	Height           int
	FrameRate        int
	SampleRate       int
	EchoCancellation bool
}

// DefaultConstraints returns camera/microphone defaults: 1280x720 at 30fps,
// echo-cancelled audio at 48kHz.
func DefaultConstraints() CaptureConstraints {
	return CaptureConstraints{
		Video:            true,
		Audio:            true,
		Width:            1280,
		Height:           720,
		FrameRate:        30,
		SampleRate:       48000,
		EchoCancellation: true,
	}
}

// ScreenConstraints returns screen-capture defaults: 1920x1080 at 30fps.
func ScreenConstraints() CaptureConstraints {
	return CaptureConstraints{
		Video:     true,
		Width:     1920,
		Height:    1080,
		FrameRate: 30,
	}
}

// StreamStats is a diagnostic snapshot of the media registry.
type StreamStats struct {
	LocalStreamID     StreamID `json:"local_stream_id"`
	RemoteStreamCount int      `json:"remote_stream_count"`
	TotalTracks       int      `json:"total_tracks"`
	ActiveTracks      int      `json:"active_tracks"`
}
