package domain

import (
	"encoding/json"
	"time"
)

type RoomID string
type PeerID string
type StreamID string
type UserID string

type RoomStatus string

const (
	RoomStatusInactive   RoomStatus = "inactive"
	RoomStatusPreMeeting RoomStatus = "pre-meeting"
	RoomStatusActive     RoomStatus = "active"
)

// Room is the local view of a live session. Metadata is an opaque blob
// carrying shared tour state (current scene, current artifact, live flag);
// the session layer relays it without interpreting it.
type Room struct {
	ID        RoomID          `json:"id"`
	Name      string          `json:"name"`
	Status    RoomStatus      `json:"status"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SessionConfig carries the relay and coordination endpoints a session
// needs. TURN credentials come from an external credential source.
type SessionConfig struct {
	ServerURL         string
	TURNServerURL     string
	TURNUsername      string
	TURNCredential    string
	STUNServerURL     string
	AccessToken       string
	ReconnectAttempts int
	Metadata          map[string]string
}
