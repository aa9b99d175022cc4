// Dialog HTTP handlers.
//
// This file exposes dialog resources and their read models:
//   - POST /dialogs                  (create)
//   - GET  /dialogs/{id}             (fetch)
//   - POST /dialogs/{id}/messages    (append to the transcript)
//   - GET  /dialogs/{id}/messages    (transcript, paginated)
//   - GET  /dialogs/{id}/audit       (handoff audit trail, paginated)
//   - GET  /dialogs/{id}/events      (event log replay over plain HTTP)
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-handoff-backend/internal/domain"
	"github.com/tbourn/go-handoff-backend/internal/services"
	"github.com/tbourn/go-handoff-backend/internal/stream"
	"github.com/tbourn/go-handoff-backend/internal/utils"
)

// DialogService defines dialog lifecycle and transcript operations consumed
// by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type DialogService interface {
	// Create starts a new dialog for the given assistant.
	Create(ctx context.Context, assistantID string) (*domain.Dialog, error)
	// Get fetches a dialog by id.
	Get(ctx context.Context, id string) (*domain.Dialog, error)
	// PostMessage appends an utterance and fans it out as message:new.
	PostMessage(ctx context.Context, dialogID, role, content string) (*domain.Message, error)
	// ListAuditPage returns a page of the audit trail and the total count.
	ListAuditPage(ctx context.Context, dialogID string, page, pageSize int) ([]domain.HandoffAudit, int64, error)
	// ListMessagesPage returns a page of the transcript and the total count.
	ListMessagesPage(ctx context.Context, dialogID string, page, pageSize int) ([]domain.Message, int64, error)
}

// EventLog replays the per-dialog event stream; the same store the realtime
// transports replay from.
type EventLog interface {
	Replay(ctx context.Context, dialogID, sinceID string, limit int) ([]stream.Event, error)
}

//
// DTOs
//

// CreateDialogRequest is the JSON payload for creating a dialog.
type CreateDialogRequest struct {
	AssistantID string `json:"assistant_id" binding:"required,min=1,max=64" example:"asst-support"`
}

// PostMessageRequest is the JSON payload for appending a message.
type PostMessageRequest struct {
	// Role is one of user, assistant, operator, system.
	Role    string `json:"role" binding:"required,oneof=user assistant operator system" example:"operator"`
	Content string `json:"content" binding:"required,min=1" example:"Hi, how can I help?"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListAuditResponse wraps a page of audit entries and pagination information.
type ListAuditResponse struct {
	Entries    []domain.HandoffAudit `json:"entries"`
	Pagination Pagination            `json:"pagination"`
}

// ListMessagesResponse wraps a page of messages and pagination information.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// ReplayEventsResponse wraps a slice of replayed stream events.
type ReplayEventsResponse struct {
	Events []stream.Event `json:"events"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

func paginationFor(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

//
// Handlers
//

// CreateDialog godoc
// @ID          createDialog
// @Summary     Create a new dialog
// @Tags        Dialogs
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.CreateDialogRequest  true  "Create dialog payload"
//
// @Success     201  {object}  domain.Dialog
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /dialogs [post]
func (h *Handlers) CreateDialog(c *gin.Context) {
	var req CreateDialogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "assistant_id required")
		return
	}

	d, err := h.dialogSvc.Create(c.Request.Context(), strings.TrimSpace(req.AssistantID))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, d)
}

// GetDialog godoc
// @ID          getDialog
// @Summary     Fetch a dialog
// @Tags        Dialogs
// @Produce     json
//
// @Param       id  path  string  true  "Dialog ID (UUID)"  format(uuid)
//
// @Success     200  {object}  domain.Dialog
// @Failure     404  {object}  handlers.ErrorResponse  "Dialog not found"
// @Router      /dialogs/{id} [get]
func (h *Handlers) GetDialog(c *gin.Context) {
	dialogID := c.Param("id")
	if _, err := uuid.Parse(dialogID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "dialog id must be a UUID")
		return
	}

	d, err := h.dialogSvc.Get(c.Request.Context(), dialogID)
	if err != nil {
		if errors.Is(err, services.ErrDialogNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "dialog not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, d)
}

// PostMessage godoc
// @ID          postMessage
// @Summary     Append a message to the dialog
// @Description Persists the utterance and fans it out to connected clients as message:new.
// @Tags        Dialogs
// @Accept      json
// @Produce     json
//
// @Param       id    path  string  true  "Dialog ID (UUID)"  format(uuid)
// @Param       body  body  handlers.PostMessageRequest  true  "Message payload"
//
// @Success     201  {object}  domain.Message
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Dialog not found"
// @Router      /dialogs/{id}/messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "role and content required")
		return
	}

	m, err := h.dialogSvc.PostMessage(c.Request.Context(), c.Param("id"), req.Role, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrDialogNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "dialog not found")
		case errors.Is(err, services.ErrInvalidRole):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, m)
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List dialog messages (paginated)
// @Tags        Dialogs
// @Produce     json
//
// @Param       id         path   string  true  "Dialog ID (UUID)"  format(uuid)
// @Param       page       query  int     false "Page number"       minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"    minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListMessagesResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Dialog not found"
// @Router      /dialogs/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	page, pageSize := clampPagination(c)

	items, total, err := h.dialogSvc.ListMessagesPage(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		if errors.Is(err, services.ErrDialogNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "dialog not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: paginationFor(page, pageSize, total),
	})
}

// ListAudit godoc
// @ID          listAudit
// @Summary     List the dialog's handoff audit trail (paginated)
// @Description The append-only transition ledger, oldest first.
// @Tags        Dialogs
// @Produce     json
//
// @Param       id         path   string  true  "Dialog ID (UUID)"  format(uuid)
// @Param       page       query  int     false "Page number"       minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"    minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListAuditResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Dialog not found"
// @Router      /dialogs/{id}/audit [get]
func (h *Handlers) ListAudit(c *gin.Context) {
	page, pageSize := clampPagination(c)

	items, total, err := h.dialogSvc.ListAuditPage(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		if errors.Is(err, services.ErrDialogNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "dialog not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListAuditResponse{
		Entries:    items,
		Pagination: paginationFor(page, pageSize, total),
	})
}

// ReplayEvents godoc
// @ID          replayEvents
// @Summary     Replay the dialog's event log
// @Description Returns events after the given cursor, oldest first. Without a cursor the recent tail is returned. Same store the realtime transports replay from; lets the admin console backfill over plain HTTP.
// @Tags        Dialogs
// @Produce     json
//
// @Param       id     path   string  true  "Dialog ID (UUID)"   format(uuid)
// @Param       since  query  string  false "Replay cursor (last seen event id)"
// @Param       limit  query  int     false "Max events to return"  minimum(1) maximum(500)
//
// @Success     200  {object}  handlers.ReplayEventsResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Dialog not found"
// @Router      /dialogs/{id}/events [get]
func (h *Handlers) ReplayEvents(c *gin.Context) {
	dialogID := c.Param("id")
	if _, err := h.dialogSvc.Get(c.Request.Context(), dialogID); err != nil {
		if errors.Is(err, services.ErrDialogNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "dialog not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	const maxLimit = 500
	limit := utils.AtoiDefault(c.Query("limit"), 100)
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	events, err := h.events.Replay(c.Request.Context(), dialogID, c.Query("since"), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	if events == nil {
		events = []stream.Event{}
	}
	ok(c, http.StatusOK, ReplayEventsResponse{Events: events})
}
