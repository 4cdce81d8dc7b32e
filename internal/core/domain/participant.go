package domain

import "time"

type UserRole string

const (
	RoleGuide   UserRole = "guide"
	RoleVisitor UserRole = "visitor"
	RoleCurator UserRole = "curator"
)

// RosterEntry is what the external roster collaborator supplies for a room:
// expected attendance with role and profile data. It enriches live presence
// but never gates it.
type RosterEntry struct {
	UserID  UserID        `json:"user_id"`
	Role    UserRole      `json:"role"`
	Profile RosterProfile `json:"profile"`
}

type RosterProfile struct {
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Participant is one attendee of a room as seen locally. PeerID is the
// signaling-channel-scoped identifier and is unique within a room; UserID
// is the application identity, resolved asynchronously and possibly empty
// until a roster sync or lookup fills it in.
type Participant struct {
	PeerID      PeerID        `json:"peer_id"`
	StreamID    StreamID      `json:"stream_id"`
	UserID      UserID        `json:"user_id"`
	IsLocalUser bool          `json:"is_local_user"`
	Media       MediaState    `json:"media"`
	Role        UserRole      `json:"role,omitempty"`
	Profile     RosterProfile `json:"profile,omitempty"`
	JoinedAt    time.Time     `json:"joined_at"`
}
