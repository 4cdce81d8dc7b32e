package ports

import (
	"context"
	"encoding/json"

	"tourstream/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// SignalingEvent is the closed set of events a signaling client delivers.
// Consumers switch over the concrete types exhaustively; there is no
// untyped event-name bus.
type SignalingEvent interface {
	signalingEvent()
}

// ConnectionAssigned reports the server-assigned connection id, which
// doubles as the local peer identifier.
type ConnectionAssigned struct {
	ConnectionID domain.PeerID
}

// PeerJoined announces a new peer in the room. No media identity is known
// yet; participant creation waits for the remote-stream event.
type PeerJoined struct {
	UserID domain.UserID
	PeerID domain.PeerID
}

// PeerDisconnected announces a peer leaving, with the stream it owned.
type PeerDisconnected struct {
	UserID   domain.UserID
	PeerID   domain.PeerID
	StreamID domain.StreamID
}

// OfferReceived carries a relay-initiated offer for the subscriber leg.
type OfferReceived struct {
	From domain.PeerID
	SDP  webrtc.SessionDescription
}

// AnswerReceived carries the relay's answer to a publisher offer.
type AnswerReceived struct {
	From domain.PeerID
	SDP  webrtc.SessionDescription
}

// CandidateReceived carries a trickled ICE candidate, tagged with the
// logical channel the relay gathered it for.
type CandidateReceived struct {
	From      domain.PeerID
	Candidate webrtc.ICECandidateInit
	Publisher bool
}

// RoomStateReceived carries a room-metadata broadcast.
type RoomStateReceived struct {
	Room domain.Room
}

// ChannelClosed reports that the signaling channel dropped and, if
// reconnection was exhausted, the final error.
type ChannelClosed struct {
	Err error
}

func (ConnectionAssigned) signalingEvent() {}
func (PeerJoined) signalingEvent()         {}
func (PeerDisconnected) signalingEvent()   {}
func (OfferReceived) signalingEvent()      {}
func (AnswerReceived) signalingEvent()     {}
func (CandidateReceived) signalingEvent()  {}
func (RoomStateReceived) signalingEvent()  {}
func (ChannelClosed) signalingEvent()      {}

// SignalingClient is a persistent, reconnectable channel to the
// coordination server. It is stateless with respect to media.
type SignalingClient interface {
	Connect(ctx context.Context, cfg domain.SessionConfig) error
	Disconnect() error
	ConnectionID() domain.PeerID

	// JoinRoom announces presence plus the local stream identity, with an
	// optional immediate publish offer.
	JoinRoom(ctx context.Context, roomID domain.RoomID, streamID domain.StreamID, offer *webrtc.SessionDescription) error
	LeaveRoom(ctx context.Context) error
	SendOffer(ctx context.Context, offer webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, answer webrtc.SessionDescription) error
	SendICECandidate(ctx context.Context, candidate webrtc.ICECandidateInit, publisher bool) error
	UpdateRoomMetadata(ctx context.Context, metadata json.RawMessage) error

	// Identity lookups for reconciliation. Both may fail silently; callers
	// must tolerate an empty result.
	PeerIDForStream(ctx context.Context, streamID domain.StreamID) (domain.PeerID, error)
	UserIDForStream(ctx context.Context, streamID domain.StreamID) (domain.UserID, error)

	Events() <-chan SignalingEvent
}
