package ports

import (
	"context"
	"encoding/json"

	"tourstream/internal/core/domain"
)

// RoomRepository stores room records on the coordination server side.
type RoomRepository interface {
	Save(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	UpdateStatus(ctx context.Context, id domain.RoomID, status domain.RoomStatus) error
	UpdateMetadata(ctx context.Context, id domain.RoomID, metadata json.RawMessage) error
	Delete(ctx context.Context, id domain.RoomID) error
	ListActive(ctx context.Context) ([]*domain.Room, error)
}
