package http

import (
	"errors"
	"net/http"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
	apperrors "meshcall/pkg/errors"

	"github.com/gin-gonic/gin"
)

// RoomHandler exposes read-only views of the live rooms.
type RoomHandler struct {
	registry ports.SessionRegistry
}

func NewRoomHandler(registry ports.SessionRegistry) *RoomHandler {
	return &RoomHandler{registry: registry}
}

// SetupRoutes mounts the room endpoints behind the given middleware, which is
// expected to authenticate the caller.
func (h *RoomHandler) SetupRoutes(router gin.IRouter, auth ...gin.HandlerFunc) {
	rooms := router.Group("/api/rooms", auth...)
	{
		rooms.GET("/:id", h.GetRoom)
	}
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	snap, err := h.registry.Snapshot(c.Request.Context(), roomID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		_ = c.Error(apperrors.NewNotFoundError("room"))
		return
	}
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, msgServerError, http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, snap)
}
