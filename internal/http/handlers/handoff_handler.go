// Handoff HTTP handlers.
//
// This file exposes the state-machine operations over REST:
//   - POST /dialogs/{id}/handoff/request     (user asks for an operator)
//   - POST /dialogs/{id}/handoff/takeover    (operator claims the dialog)
//   - POST /dialogs/{id}/handoff/release     (operator hands back)
//   - POST /dialogs/{id}/handoff/cancel      (user withdraws the request)
//   - POST /dialogs/{id}/handoff/force-reset (admin escape hatch)
//   - GET  /dialogs/{id}/handoff             (status + queue position)
//   - GET  /handoff/queue                    (waiting dialogs, ordered)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate service errors into the stable HTTP error taxonomy.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-handoff-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// HandoffService defines the state-machine operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type HandoffService interface {
	// Request transitions the dialog into REQUESTED (idempotent per request id).
	Request(ctx context.Context, dialogID, reason, requestID, lastUserText string) (*services.HandoffStatus, error)
	// Takeover assigns the dialog to an available operator.
	Takeover(ctx context.Context, dialogID, operatorID string) (*services.HandoffStatus, error)
	// Release returns the dialog to automated handling.
	Release(ctx context.Context, dialogID, operatorID string) (*services.HandoffStatus, error)
	// Cancel withdraws a pending handoff request.
	Cancel(ctx context.Context, dialogID string) (*services.HandoffStatus, error)
	// ForceReset drives the dialog back to NONE from any state.
	ForceReset(ctx context.Context, dialogID, adminID string) (*services.HandoffStatus, error)
	// Status returns the external view of the dialog's handoff state.
	Status(ctx context.Context, dialogID string) (*services.HandoffStatus, error)
	// Queue returns the waiting dialogs ordered for operator pickup.
	Queue(ctx context.Context) ([]services.QueueItem, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for handoffs, presence, and dialogs.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	handoffSvc  HandoffService
	presenceSvc PresenceService
	dialogSvc   DialogService
	events      EventLog
}

// New constructs and returns a Handlers instance bound to the given services.
func New(handoffSvc HandoffService, presenceSvc PresenceService, dialogSvc DialogService, events EventLog) *Handlers {
	return &Handlers{handoffSvc: handoffSvc, presenceSvc: presenceSvc, dialogSvc: dialogSvc, events: events}
}

//
// DTOs
//

// RequestHandoffRequest is the JSON payload for requesting an operator.
type RequestHandoffRequest struct {
	// Reason describes why the handoff was triggered (keyword, button, ...).
	Reason string `json:"reason" example:"keyword"`
	// RequestID is the client's idempotency token; replays return the stored
	// outcome without re-running side effects.
	RequestID string `json:"request_id" binding:"max=200" example:"req-7f3a"`
	// LastUserText is the message that triggered the handoff, recorded in the
	// audit trail and forwarded to the operator notification.
	LastUserText string `json:"last_user_text" example:"I want to talk to a human"`
}

// OperatorActionRequest is the JSON payload for takeover and release.
type OperatorActionRequest struct {
	OperatorID string `json:"operator_id" binding:"required,min=1,max=64" example:"op-42"`
}

// ForceResetRequest is the JSON payload for the admin force-reset.
type ForceResetRequest struct {
	AdminID string `json:"admin_id" binding:"required,min=1,max=64" example:"admin-1"`
}

//
// Helpers
//

// handoffError translates service-level sentinels into the HTTP error
// taxonomy. Unknown errors become 500 request_failed.
func handoffError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrDialogNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "dialog not found")
	case errors.Is(err, services.ErrOperatorNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "operator not found")
	case errors.Is(err, services.ErrAlreadyActive),
		errors.Is(err, services.ErrNotRequested),
		errors.Is(err, services.ErrNotActive):
		fail(c, http.StatusConflict, ErrCodeInvalidTransition, err.Error())
	case errors.Is(err, services.ErrWrongOperator):
		fail(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, services.ErrOperatorUnavailable):
		fail(c, http.StatusConflict, ErrCodeOperatorUnavailable, err.Error())
	case errors.Is(err, services.ErrRateLimited):
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeRequestFailed, err.Error())
	}
}

//
// Handlers
//

// RequestHandoff godoc
// @ID          requestHandoff
// @Summary     Request a human operator
// @Description Transitions the dialog into the requested state and notifies operators. Replaying the same request_id returns the stored outcome.
// @Tags        Handoff
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Dialog ID (UUID)"  format(uuid)
// @Param       body  body  handlers.RequestHandoffRequest  true  "Request payload"
//
// @Success     200  {object}  services.HandoffStatus
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Dialog not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Handoff already active"
// @Failure     429  {object}  handlers.ErrorResponse  "Too many requests for this dialog"
// @Router      /dialogs/{id}/handoff/request [post]
func (h *Handlers) RequestHandoff(c *gin.Context) {
	var req RequestHandoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	st, err := h.handoffSvc.Request(c.Request.Context(), c.Param("id"),
		strings.TrimSpace(req.Reason), strings.TrimSpace(req.RequestID), req.LastUserText)
	if err != nil {
		handoffError(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// TakeoverHandoff godoc
// @ID          takeoverHandoff
// @Summary     Claim a requested dialog
// @Description Assigns the dialog to the operator if it is requested and the operator is online with spare capacity.
// @Tags        Handoff
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Dialog ID (UUID)"  format(uuid)
// @Param       body  body  handlers.OperatorActionRequest  true  "Operator"
//
// @Success     200  {object}  services.HandoffStatus
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Dialog or operator not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Not requested, or operator unavailable"
// @Router      /dialogs/{id}/handoff/takeover [post]
func (h *Handlers) TakeoverHandoff(c *gin.Context) {
	var req OperatorActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "operator_id required")
		return
	}

	st, err := h.handoffSvc.Takeover(c.Request.Context(), c.Param("id"), req.OperatorID)
	if err != nil {
		handoffError(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// ReleaseHandoff godoc
// @ID          releaseHandoff
// @Summary     Hand the dialog back to the bot
// @Description Ends an active handoff. Only the assigned operator may release.
// @Tags        Handoff
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Dialog ID (UUID)"  format(uuid)
// @Param       body  body  handlers.OperatorActionRequest  true  "Operator"
//
// @Success     200  {object}  services.HandoffStatus
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     403  {object}  handlers.ErrorResponse  "Dialog assigned to a different operator"
// @Failure     404  {object}  handlers.ErrorResponse  "Dialog not found"
// @Failure     409  {object}  handlers.ErrorResponse  "No active handoff"
// @Router      /dialogs/{id}/handoff/release [post]
func (h *Handlers) ReleaseHandoff(c *gin.Context) {
	var req OperatorActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "operator_id required")
		return
	}

	st, err := h.handoffSvc.Release(c.Request.Context(), c.Param("id"), req.OperatorID)
	if err != nil {
		handoffError(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// CancelHandoff godoc
// @ID          cancelHandoff
// @Summary     Withdraw a pending handoff request
// @Tags        Handoff
// @Produce     json
//
// @Param       id  path  string  true  "Dialog ID (UUID)"  format(uuid)
//
// @Success     200  {object}  services.HandoffStatus
// @Failure     404  {object}  handlers.ErrorResponse  "Dialog not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Handoff not requested"
// @Router      /dialogs/{id}/handoff/cancel [post]
func (h *Handlers) CancelHandoff(c *gin.Context) {
	st, err := h.handoffSvc.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		handoffError(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// ForceResetHandoff godoc
// @ID          forceResetHandoff
// @Summary     Force the dialog back to the initial state
// @Description Privileged escape hatch for stuck dialogs; frees the operator slot if a handoff was active. Always audited with the admin id.
// @Tags        Handoff
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Dialog ID (UUID)"  format(uuid)
// @Param       body  body  handlers.ForceResetRequest  true  "Acting admin"
//
// @Success     200  {object}  services.HandoffStatus
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Dialog not found"
// @Router      /dialogs/{id}/handoff/force-reset [post]
func (h *Handlers) ForceResetHandoff(c *gin.Context) {
	var req ForceResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "admin_id required")
		return
	}

	st, err := h.handoffSvc.ForceReset(c.Request.Context(), c.Param("id"), req.AdminID)
	if err != nil {
		handoffError(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// GetHandoffStatus godoc
// @ID          getHandoffStatus
// @Summary     Get the dialog's handoff status
// @Description Returns the current state plus queue position and a wait estimate while requested.
// @Tags        Handoff
// @Produce     json
//
// @Param       id  path  string  true  "Dialog ID (UUID)"  format(uuid)
//
// @Success     200  {object}  services.HandoffStatus
// @Failure     404  {object}  handlers.ErrorResponse  "Dialog not found"
// @Router      /dialogs/{id}/handoff [get]
func (h *Handlers) GetHandoffStatus(c *gin.Context) {
	st, err := h.handoffSvc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		handoffError(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}

// GetHandoffQueue godoc
// @ID          getHandoffQueue
// @Summary     List dialogs waiting for an operator
// @Description Ordered for pickup: long waiters first, then request time.
// @Tags        Handoff
// @Produce     json
//
// @Success     200  {array}   services.QueueItem
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /handoff/queue [get]
func (h *Handlers) GetHandoffQueue(c *gin.Context) {
	items, err := h.handoffSvc.Queue(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, items)
}
