package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"room-service/internal/events"
	"room-service/internal/models"
	"room-service/internal/store"
)

// RoomHandler feeds room records into the local store. It stands in for
// the subscription sync of the chat client.
type RoomHandler struct {
	store store.Store
	bus   events.Bus
}

// NewRoomHandler builds a RoomHandler.
func NewRoomHandler(st store.Store, bus events.Bus) *RoomHandler {
	return &RoomHandler{store: st, bus: bus}
}

// Register wires the room routes behind auth.
func (h *RoomHandler) Register(r gin.IRoutes) {
	r.PUT("/rooms/:room_id", h.PutRoom)
	r.DELETE("/rooms/:room_id", h.RemoveRoom)
}

// PutRoom inserts or replaces a room record.
func (h *RoomHandler) PutRoom(c *gin.Context) {
	var room models.Room
	if err := c.ShouldBindJSON(&room); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	room.ID = c.Param("room_id")
	if room.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room type is required"})
		return
	}

	err := h.store.RunInTransaction(c.Request.Context(), func(tx store.Tx) error {
		return tx.UpsertRoom(room)
	})
	if err != nil {
		jww.ERROR.Printf("[%s] store room %s: %v", requestIDFromContext(c), room.ID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store room"})
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveRoom deletes a room record and tells open sessions the user lost
// access to it.
func (h *RoomHandler) RemoveRoom(c *gin.Context) {
	rid := c.Param("room_id")
	err := h.store.RunInTransaction(c.Request.Context(), func(tx store.Tx) error {
		return tx.DeleteRoom(rid)
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "room not found"})
		return
	}
	if err := h.bus.Publish(c.Request.Context(), events.Event{Topic: events.TopicRoomRemoved, RoomID: rid}); err != nil {
		jww.WARN.Printf("[%s] announce removal of %s: %v", requestIDFromContext(c), rid, err)
	}
	c.Status(http.StatusNoContent)
}
