package webrtc

import (
	"context"
	"fmt"
	"sync/atomic"

	"tourstream/internal/core/domain"
	"tourstream/pkg/utils"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// LocalTrack wraps a pion local track with the enabled flag the session
// layer toggles. Disabling never stops the track; writers consult the flag
// and drop samples instead, so re-enabling is instant.
type LocalTrack struct {
	sample  *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool
}

func newLocalTrack(t *webrtc.TrackLocalStaticSample) *LocalTrack {
	lt := &LocalTrack{sample: t}
	lt.enabled.Store(true)
	return lt
}

// Track returns the underlying pion track for AddTrack/ReplaceTrack.
func (t *LocalTrack) Track() webrtc.TrackLocal {
	return t.sample
}

func (t *LocalTrack) ID() string {
	return t.sample.ID()
}

func (t *LocalTrack) StreamID() string {
	return t.sample.StreamID()
}

func (t *LocalTrack) Kind() webrtc.RTPCodecType {
	return t.sample.Kind()
}

// Enabled reports whether the track currently contributes media.
func (t *LocalTrack) Enabled() bool {
	return t.enabled.Load() && !t.stopped.Load()
}

// SetEnabled flips the enabled flag in place and returns the new state.
func (t *LocalTrack) SetEnabled(enabled bool) bool {
	t.enabled.Store(enabled)
	return t.Enabled()
}

// Stop releases the track. A stopped track drops all writes and cannot be
// re-enabled.
func (t *LocalTrack) Stop() {
	t.stopped.Store(true)
}

// WriteSample forwards one media sample, dropping it silently while the
// track is disabled or stopped.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if !t.Enabled() {
		return nil
	}
	return t.sample.WriteSample(s)
}

// StaticCaptureDevice is the in-process stand-in for platform capture: it
// mints VP8/Opus sample tracks that callers feed from whatever frame
// source they have (test harness, file playback, an OS capture bridge).
type StaticCaptureDevice struct{}

// NewStaticCaptureDevice creates the default capture device.
func NewStaticCaptureDevice() *StaticCaptureDevice {
	return &StaticCaptureDevice{}
}

func (d *StaticCaptureDevice) OpenTracks(ctx context.Context, c domain.CaptureConstraints) ([]webrtc.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Video && !c.Audio {
		return nil, fmt.Errorf("constraints request neither video nor audio")
	}

	streamID := utils.GenerateStreamID()
	var tracks []webrtc.TrackLocal

	if c.Video {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video",
			streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create video track: %w", err)
		}
		tracks = append(tracks, video)
	}

	if c.Audio {
		audio, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio",
			streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create audio track: %w", err)
		}
		tracks = append(tracks, audio)
	}

	return tracks, nil
}

func (d *StaticCaptureDevice) OpenScreenTrack(ctx context.Context, c domain.CaptureConstraints) (webrtc.TrackLocal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	screen, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen",
		utils.GenerateStreamID(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create screen track: %w", err)
	}
	return screen, nil
}
