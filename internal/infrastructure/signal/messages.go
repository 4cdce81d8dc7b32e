package signal

import (
	"encoding/json"

	"tourstream/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Wire message types exchanged over the signaling websocket.
const (
	TypeJoin             = "join"
	TypeLeave            = "leave"
	TypeOffer            = "offer"
	TypeAnswer           = "answer"
	TypeICECandidate     = "ice_candidate"
	TypeRoomMetadata     = "room_metadata_update"
	TypeConnectionID     = "connection_id"
	TypePeerJoined       = "peer_joined"
	TypePeerDisconnected = "peer_disconnected"
	TypeRoomState        = "room_state"
	TypeLookup           = "lookup"
	TypeLookupResult     = "lookup_result"
	TypeError            = "error"
)

// Lookup kinds for identity resolution by stream id.
const (
	LookupPeerForStream = "peer_for_stream"
	LookupUserForStream = "user_for_stream"
)

// Envelope is the outer wire shape. RequestID correlates lookup
// request/response pairs; From identifies the originating peer on
// server-routed messages.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	From      domain.PeerID   `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload announces presence in a room. The stream id binds the
// peer's media identity for later lookups; the offer, when present,
// starts publishing in the same round trip.
type JoinPayload struct {
	RoomID   domain.RoomID              `json:"room_id"`
	StreamID domain.StreamID            `json:"stream_id"`
	Offer    *webrtc.SessionDescription `json:"offer,omitempty"`
}

// SDPPayload carries an offer or answer description.
type SDPPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// CandidatePayload carries one trickled ICE candidate tagged with the
// logical connection it belongs to.
type CandidatePayload struct {
	Candidate CandidateEnvelope `json:"candidate"`
	Publisher bool              `json:"is_publisher"`
}

// CandidateEnvelope tolerates both candidate encodings seen in the
// wild: the bare init object and the wrapped {"candidate": {...}} form
// some client stacks emit.
type CandidateEnvelope struct {
	webrtc.ICECandidateInit
}

func (c *CandidateEnvelope) UnmarshalJSON(data []byte) error {
	var wrapped struct {
		Candidate *webrtc.ICECandidateInit `json:"candidate"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Candidate != nil {
		c.ICECandidateInit = *wrapped.Candidate
		return nil
	}
	return json.Unmarshal(data, &c.ICECandidateInit)
}

func (c CandidateEnvelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.ICECandidateInit)
}

// ConnectionIDPayload is the first server message after upgrade.
type ConnectionIDPayload struct {
	ConnectionID domain.PeerID `json:"connection_id"`
}

// PeerJoinedPayload announces a new room member.
type PeerJoinedPayload struct {
	UserID domain.UserID `json:"user_id,omitempty"`
	PeerID domain.PeerID `json:"peer_id"`
}

// PeerDisconnectedPayload announces a departure along with the stream
// the peer owned, so receivers can drop the right remote stream.
type PeerDisconnectedPayload struct {
	UserID   domain.UserID   `json:"user_id,omitempty"`
	PeerID   domain.PeerID   `json:"peer_id"`
	StreamID domain.StreamID `json:"stream_id,omitempty"`
}

// RoomStatePayload broadcasts the authoritative room record.
type RoomStatePayload struct {
	Room domain.Room `json:"room"`
}

// MetadataPayload updates the shared room metadata blob.
type MetadataPayload struct {
	Metadata json.RawMessage `json:"metadata"`
}

// LookupPayload asks the server to resolve a stream id to an identity.
type LookupPayload struct {
	Kind     string          `json:"kind"`
	StreamID domain.StreamID `json:"stream_id"`
}

// LookupResultPayload answers a lookup. Found is false when the stream
// is unknown; the caller treats that as a soft miss.
type LookupResultPayload struct {
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
}

// ErrorPayload reports a request the server rejected.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func marshalEnvelope(msgType string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}
