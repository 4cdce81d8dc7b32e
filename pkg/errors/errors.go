package errors

import (
	"fmt"
	"sync"
	"time"
)

// ErrorCode identifies a streaming failure class. The string values are
// wire-stable: they are surfaced to UI clients and must not change.
type ErrorCode string

const (
	ErrCodeSignalingConnection ErrorCode = "SIGNALR_CONNECTION_FAILED"
	ErrCodePeerConnection      ErrorCode = "PEER_CONNECTION_FAILED"
	ErrCodeMediaAccessDenied   ErrorCode = "MEDIA_ACCESS_DENIED"
	ErrCodeRoomJoinFailed      ErrorCode = "ROOM_JOIN_FAILED"
	ErrCodeInvalidRoomID       ErrorCode = "INVALID_ROOM_ID"
	ErrCodeTURNServer          ErrorCode = "TURN_SERVER_ERROR"
	ErrCodeICECandidate        ErrorCode = "ICE_CANDIDATE_ERROR"
)

// StreamingError is the error type surfaced by the session layer. Callers
// inspect Code; there is no recoverable/fatal distinction at the type level.
type StreamingError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Cause     error     `json:"-"`
}

func (e *StreamingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StreamingError) Unwrap() error {
	return e.Cause
}

// New creates a StreamingError with the current timestamp.
func New(code ErrorCode, message string) *StreamingError {
	return &StreamingError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap attaches a cause to a new StreamingError.
func Wrap(err error, code ErrorCode, message string) *StreamingError {
	return &StreamingError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// WithDetails sets free-form diagnostic detail and returns the error.
func (e *StreamingError) WithDetails(details string) *StreamingError {
	e.Details = details
	return e
}

// Common constructors

func NewSignalingError(message string) *StreamingError {
	return New(ErrCodeSignalingConnection, message)
}

func NewPeerConnectionError(message string) *StreamingError {
	return New(ErrCodePeerConnection, message)
}

func NewMediaAccessError(message string) *StreamingError {
	return New(ErrCodeMediaAccessDenied, message)
}

func NewRoomJoinError(message string) *StreamingError {
	return New(ErrCodeRoomJoinFailed, message)
}

func NewInvalidRoomIDError(roomID string) *StreamingError {
	return New(ErrCodeInvalidRoomID, fmt.Sprintf("invalid room id %q", roomID))
}

// IsStreamingError checks if err is a StreamingError.
func IsStreamingError(err error) bool {
	_, ok := err.(*StreamingError)
	return ok
}

// GetStreamingError extracts a StreamingError from an error chain.
func GetStreamingError(err error) *StreamingError {
	if err == nil {
		return nil
	}

	if se, ok := err.(*StreamingError); ok {
		return se
	}

	type unwrapper interface {
		Unwrap() error
	}

	if u, ok := err.(unwrapper); ok {
		return GetStreamingError(u.Unwrap())
	}

	return nil
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	se := GetStreamingError(err)
	return se != nil && se.Code == code
}

// DefaultLogCapacity bounds the accumulator; failures can be numerous
// (one per bad ICE candidate) and the log must not grow without limit.
const DefaultLogCapacity = 100

// ErrorLog is an append-only, bounded accumulator of StreamingErrors.
// Background event handlers have no caller to return an error to, so the
// session layer reports errors both by return value and by appending here.
type ErrorLog struct {
	mu       sync.Mutex
	entries  []*StreamingError
	capacity int
}

// NewErrorLog creates a log bounded to capacity entries. A non-positive
// capacity uses DefaultLogCapacity.
func NewErrorLog(capacity int) *ErrorLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &ErrorLog{capacity: capacity}
}

// Append records an error, evicting the oldest entry when full.
func (l *ErrorLog) Append(err *StreamingError) {
	if err == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) >= l.capacity {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, err)
}

// Snapshot returns a copy of the current entries, oldest first.
func (l *ErrorLog) Snapshot() []*StreamingError {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*StreamingError, len(l.entries))
	copy(out, l.entries)
	return out
}

// Clear discards all accumulated entries.
func (l *ErrorLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Len returns the number of accumulated entries.
func (l *ErrorLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
