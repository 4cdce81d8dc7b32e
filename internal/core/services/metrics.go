package services

import "tourstream/internal/core/domain"

// SessionMetrics receives session lifecycle counters. The prometheus
// collector implements it; NopSessionMetrics is used when monitoring is
// disabled.
type SessionMetrics interface {
	SessionJoined(roomID domain.RoomID)
	SessionLeft(roomID domain.RoomID)
	ParticipantCount(n int)
	ErrorRecorded(code string)
	SignalingDropped()
}

type NopSessionMetrics struct{}

func (NopSessionMetrics) SessionJoined(domain.RoomID) {}
func (NopSessionMetrics) SessionLeft(domain.RoomID)   {}
func (NopSessionMetrics) ParticipantCount(int)        {}
func (NopSessionMetrics) ErrorRecorded(string)        {}
func (NopSessionMetrics) SignalingDropped()           {}
