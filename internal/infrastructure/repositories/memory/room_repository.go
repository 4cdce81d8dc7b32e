package memory

import (
	"context"
	"encoding/json"
	"sync"

	"tourstream/internal/core/domain"
	"tourstream/internal/core/ports"
)

type MemoryRoomRepository struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*domain.Room
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
	}
}

func (r *MemoryRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *room
	r.rooms[room.ID] = &cp
	return nil
}

func (r *MemoryRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	cp := *room
	return &cp, nil
}

func (r *MemoryRoomRepository) UpdateStatus(ctx context.Context, id domain.RoomID, status domain.RoomStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return domain.ErrRoomNotFound
	}
	room.Status = status
	return nil
}

func (r *MemoryRoomRepository) UpdateMetadata(ctx context.Context, id domain.RoomID, metadata json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return domain.ErrRoomNotFound
	}
	room.Metadata = append(json.RawMessage(nil), metadata...)
	return nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[id]; !exists {
		return domain.ErrRoomNotFound
	}
	delete(r.rooms, id)
	return nil
}

func (r *MemoryRoomRepository) ListActive(ctx context.Context) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*domain.Room
	for _, room := range r.rooms {
		if room.Status == domain.RoomStatusActive {
			cp := *room
			active = append(active, &cp)
		}
	}
	return active, nil
}
