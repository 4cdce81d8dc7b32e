package domain

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrNoLocalStream       = errors.New("no local stream")
	ErrNoPublisher         = errors.New("no publisher connection")
	ErrNoSubscriber        = errors.New("no subscriber connection")
	ErrNotConnected        = errors.New("signaling channel not connected")
	ErrAlreadyInRoom       = errors.New("already in a room")
)
