// Operator presence HTTP handlers.
//
// This file exposes the presence tracker over REST:
//   - POST /operators/{id}/heartbeat     (beat: status, name, capacity)
//   - GET  /operators                    (presence board)
//   - GET  /operators/{id}               (one operator)
//   - GET  /operators/{id}/availability  (can this operator take a chat now)
//   - POST /operators/{id}/sync          (reconcile the active-chat counter)
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-handoff-backend/internal/services"
)

// PresenceService defines the presence operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type PresenceService interface {
	// Heartbeat upserts the operator's presence row.
	Heartbeat(ctx context.Context, operatorID, status string, name *string, capacity *int) (*services.PresenceInfo, error)
	// Availability reports whether the operator can take another chat.
	Availability(ctx context.Context, operatorID string) (bool, error)
	// Get returns one operator's presence view.
	Get(ctx context.Context, operatorID string) (*services.PresenceInfo, error)
	// List returns the presence view for every known operator.
	List(ctx context.Context) ([]services.PresenceInfo, error)
	// SyncActiveChats reconciles the cached counter against real assignments.
	SyncActiveChats(ctx context.Context, operatorID string) (int, error)
}

//
// DTOs
//

// HeartbeatRequest is the JSON payload for an operator heartbeat.
type HeartbeatRequest struct {
	// Status is one of online, away, offline; empty means online.
	Status string `json:"status" binding:"omitempty,oneof=online away offline" example:"online"`
	// Name optionally refreshes the operator's display name.
	Name *string `json:"name,omitempty" example:"Maria"`
	// Capacity optionally refreshes the max concurrent chats.
	Capacity *int `json:"capacity,omitempty" example:"3"`
}

// AvailabilityResponse reports whether an operator can take another chat.
type AvailabilityResponse struct {
	OperatorID string `json:"operator_id"`
	Available  bool   `json:"available"`
}

// SyncResponse reports the reconciled active-chat counter.
type SyncResponse struct {
	OperatorID  string `json:"operator_id"`
	ActiveChats int    `json:"active_chats"`
}

// presenceError translates presence service sentinels into HTTP responses.
func presenceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrOperatorNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "operator not found")
	case errors.Is(err, services.ErrInvalidStatus):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

//
// Handlers
//

// Heartbeat godoc
// @ID          operatorHeartbeat
// @Summary     Report operator presence
// @Description Upserts the presence row. Clients beat on a fixed interval; missing several beats gets the operator swept offline.
// @Tags        Presence
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Operator ID"
// @Param       body  body  handlers.HeartbeatRequest  true  "Heartbeat payload"
//
// @Success     200  {object}  services.PresenceInfo
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid status"
// @Router      /operators/{id}/heartbeat [post]
func (h *Handlers) Heartbeat(c *gin.Context) {
	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	info, err := h.presenceSvc.Heartbeat(c.Request.Context(), c.Param("id"), req.Status, req.Name, req.Capacity)
	if err != nil {
		presenceError(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

// ListOperators godoc
// @ID          listOperators
// @Summary     List operator presences
// @Tags        Presence
// @Produce     json
//
// @Success     200  {array}  services.PresenceInfo
// @Router      /operators [get]
func (h *Handlers) ListOperators(c *gin.Context) {
	infos, err := h.presenceSvc.List(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, infos)
}

// GetOperator godoc
// @ID          getOperator
// @Summary     Get one operator's presence
// @Tags        Presence
// @Produce     json
//
// @Param       id  path  string  true  "Operator ID"
//
// @Success     200  {object}  services.PresenceInfo
// @Failure     404  {object}  handlers.ErrorResponse  "Operator not found"
// @Router      /operators/{id} [get]
func (h *Handlers) GetOperator(c *gin.Context) {
	info, err := h.presenceSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		presenceError(c, err)
		return
	}
	ok(c, http.StatusOK, info)
}

// GetAvailability godoc
// @ID          getOperatorAvailability
// @Summary     Check operator availability
// @Description Available means online, fresh heartbeat, and spare chat capacity.
// @Tags        Presence
// @Produce     json
//
// @Param       id  path  string  true  "Operator ID"
//
// @Success     200  {object}  handlers.AvailabilityResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Operator not found"
// @Router      /operators/{id}/availability [get]
func (h *Handlers) GetAvailability(c *gin.Context) {
	operatorID := c.Param("id")
	avail, err := h.presenceSvc.Availability(c.Request.Context(), operatorID)
	if err != nil {
		presenceError(c, err)
		return
	}
	ok(c, http.StatusOK, AvailabilityResponse{OperatorID: operatorID, Available: avail})
}

// SyncOperator godoc
// @ID          syncOperatorChats
// @Summary     Reconcile the operator's active-chat counter
// @Description Recounts the dialogs actually assigned to the operator and overwrites the cached counter, fixing drift after crashes or forced resets.
// @Tags        Presence
// @Produce     json
//
// @Param       id  path  string  true  "Operator ID"
//
// @Success     200  {object}  handlers.SyncResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Operator not found"
// @Router      /operators/{id}/sync [post]
func (h *Handlers) SyncOperator(c *gin.Context) {
	operatorID := c.Param("id")
	n, err := h.presenceSvc.SyncActiveChats(c.Request.Context(), operatorID)
	if err != nil {
		presenceError(c, err)
		return
	}
	ok(c, http.StatusOK, SyncResponse{OperatorID: operatorID, ActiveChats: n})
}
