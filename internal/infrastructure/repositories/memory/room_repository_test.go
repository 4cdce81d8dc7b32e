package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"tourstream/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndGet(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	room := &domain.Room{
		ID:        "room-1",
		Name:      "sculpture hall",
		Status:    domain.RoomStatusActive,
		CreatedAt: time.Now(),
	}
	require.NoError(t, repo.Save(ctx, room))

	got, err := repo.GetByID(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, room.Name, got.Name)
	assert.Equal(t, domain.RoomStatusActive, got.Status)

	// The repository stores a copy; mutating the returned room does not
	// leak back into storage.
	got.Name = "changed"
	again, err := repo.GetByID(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, "sculpture hall", again.Name)
}

func TestGetMissingRoom(t *testing.T) {
	repo := NewMemoryRoomRepository()

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestUpdateStatus(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &domain.Room{ID: "room-1", Status: domain.RoomStatusPreMeeting}))
	require.NoError(t, repo.UpdateStatus(ctx, "room-1", domain.RoomStatusActive))

	got, err := repo.GetByID(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomStatusActive, got.Status)

	assert.ErrorIs(t, repo.UpdateStatus(ctx, "missing", domain.RoomStatusActive), domain.ErrRoomNotFound)
}

func TestUpdateMetadata(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &domain.Room{ID: "room-1"}))

	metadata := json.RawMessage(`{"current_scene":"gallery-3"}`)
	require.NoError(t, repo.UpdateMetadata(ctx, "room-1", metadata))

	got, err := repo.GetByID(ctx, "room-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"current_scene":"gallery-3"}`, string(got.Metadata))

	assert.ErrorIs(t, repo.UpdateMetadata(ctx, "missing", metadata), domain.ErrRoomNotFound)
}

func TestDelete(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &domain.Room{ID: "room-1"}))
	require.NoError(t, repo.Delete(ctx, "room-1"))

	_, err := repo.GetByID(ctx, "room-1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "room-1"), domain.ErrRoomNotFound)
}

func TestListActive(t *testing.T) {
	repo := NewMemoryRoomRepository()
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, &domain.Room{ID: "room-a", Status: domain.RoomStatusActive}))
	require.NoError(t, repo.Save(ctx, &domain.Room{ID: "room-b", Status: domain.RoomStatusInactive}))
	require.NoError(t, repo.Save(ctx, &domain.Room{ID: "room-c", Status: domain.RoomStatusActive}))

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
	for _, room := range active {
		assert.Equal(t, domain.RoomStatusActive, room.Status)
	}
}
