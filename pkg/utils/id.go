package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateRoomID generates a fresh room id for created rooms.
func GenerateRoomID() string {
	return uuid.NewString()
}

// GenerateConnectionID generates a signaling-channel-scoped connection id.
// Connection ids double as peer identifiers, so they must be unique per
// router instance.
func GenerateConnectionID() string {
	return uuid.NewString()
}

// GenerateStreamID generates a media stream id.
func GenerateStreamID() string {
	return GenerateID("stream")
}

// GenerateID generates a random ID with prefix
func GenerateID(prefix string) string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// GenerateRequestID generates an id for signaling request/response lookups.
func GenerateRequestID() string {
	timestamp := time.Now().UnixNano()
	b := make([]byte, 4)
	rand.Read(b)
	return fmt.Sprintf("req_%d_%s", timestamp, hex.EncodeToString(b))
}
