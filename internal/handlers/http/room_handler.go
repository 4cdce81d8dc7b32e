package http

import (
	"encoding/json"
	"net/http"
	"time"

	"tourstream/internal/core/domain"
	"tourstream/internal/core/ports"
	"tourstream/pkg/utils"
	"tourstream/pkg/validation"

	"github.com/gin-gonic/gin"
)

// RoomHandler exposes the room admin surface of the coordination
// server. Live session traffic goes over the websocket; this REST
// surface serves tooling and dashboards.
type RoomHandler struct {
	rooms ports.RoomRepository
}

func NewRoomHandler(rooms ports.RoomRepository) *RoomHandler {
	return &RoomHandler{rooms: rooms}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/rooms", h.CreateRoom)
		api.GET("/rooms", h.ListRooms)
		api.GET("/rooms/:id", h.GetRoom)
		api.PUT("/rooms/:id/metadata", h.UpdateMetadata)
		api.DELETE("/rooms/:id", h.DeleteRoom)
	}
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req struct {
		Name     string          `json:"name" binding:"required,min=1,max=200"`
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room := &domain.Room{
		ID:        domain.RoomID(utils.GenerateRoomID()),
		Name:      req.Name,
		Status:    domain.RoomStatusPreMeeting,
		Metadata:  req.Metadata,
		CreatedAt: time.Now(),
	}
	if err := h.rooms.Save(c.Request.Context(), room); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, room)
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.rooms.ListActive(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	room, err := h.rooms.GetByID(c.Request.Context(), domain.RoomID(id))
	if err == domain.ErrRoomNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, room)
}

func (h *RoomHandler) UpdateMetadata(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req struct {
		Metadata json.RawMessage `json:"metadata" binding:"required"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.rooms.UpdateMetadata(c.Request.Context(), domain.RoomID(id), req.Metadata)
	if err == domain.ErrRoomNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) DeleteRoom(c *gin.Context) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.rooms.Delete(c.Request.Context(), domain.RoomID(id))
	if err == domain.ErrRoomNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}
