package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestStreamingError_Error(t *testing.T) {
	err := New(ErrCodePeerConnection, "no publisher connection")
	expected := "PEER_CONNECTION_FAILED: no publisher connection"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}
}

func TestStreamingError_WithCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(cause, ErrCodeSignalingConnection, "connect failed")

	if !errors.Is(err, cause) {
		t.Errorf("errors.Is should find cause through Unwrap")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestStreamingError_Timestamp(t *testing.T) {
	err := New(ErrCodeMediaAccessDenied, "camera denied")
	if err.Timestamp.IsZero() {
		t.Error("Timestamp should be set by constructor")
	}
}

func TestHasCode(t *testing.T) {
	inner := New(ErrCodeRoomJoinFailed, "join rejected")
	wrapped := fmt.Errorf("joining: %w", inner)

	if !HasCode(wrapped, ErrCodeRoomJoinFailed) {
		t.Error("HasCode should find code through wrapping")
	}
	if HasCode(wrapped, ErrCodeICECandidate) {
		t.Error("HasCode should not match a different code")
	}
	if HasCode(nil, ErrCodeRoomJoinFailed) {
		t.Error("HasCode(nil) should be false")
	}
}

func TestGetStreamingError(t *testing.T) {
	se := New(ErrCodeInvalidRoomID, "bad id")
	if got := GetStreamingError(fmt.Errorf("outer: %w", se)); got != se {
		t.Errorf("GetStreamingError = %v, want %v", got, se)
	}
	if got := GetStreamingError(errors.New("plain")); got != nil {
		t.Errorf("GetStreamingError on plain error = %v, want nil", got)
	}
}

func TestErrorLog_AppendAndSnapshot(t *testing.T) {
	log := NewErrorLog(10)
	log.Append(New(ErrCodeICECandidate, "bad candidate"))
	log.Append(New(ErrCodePeerConnection, "answer without offer"))

	snap := log.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot len = %d, want 2", len(snap))
	}
	if snap[0].Code != ErrCodeICECandidate {
		t.Errorf("entries should be oldest first, got %v", snap[0].Code)
	}
}

func TestErrorLog_Bounded(t *testing.T) {
	log := NewErrorLog(3)
	for i := 0; i < 5; i++ {
		log.Append(New(ErrCodeICECandidate, fmt.Sprintf("candidate %d", i)))
	}

	snap := log.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d, want 3", len(snap))
	}
	if snap[0].Message != "candidate 2" {
		t.Errorf("oldest entries should be evicted, got %q", snap[0].Message)
	}
}

func TestErrorLog_Clear(t *testing.T) {
	log := NewErrorLog(10)
	log.Append(New(ErrCodeTURNServer, "relay unreachable"))
	log.Clear()
	if log.Len() != 0 {
		t.Errorf("Len after Clear = %d, want 0", log.Len())
	}

	// Appending after Clear still works.
	log.Append(New(ErrCodeTURNServer, "relay unreachable"))
	if log.Len() != 1 {
		t.Errorf("Len after re-append = %d, want 1", log.Len())
	}
}

func TestErrorLog_SnapshotIsCopy(t *testing.T) {
	log := NewErrorLog(10)
	log.Append(New(ErrCodeICECandidate, "first"))
	snap := log.Snapshot()
	log.Append(New(ErrCodeICECandidate, "second"))
	if len(snap) != 1 {
		t.Error("Snapshot should not observe later appends")
	}
}
