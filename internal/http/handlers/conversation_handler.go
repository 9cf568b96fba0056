// Conversation HTTP handlers.
//
// This file exposes REST endpoints for conversation resources:
//   - POST   /conversations                (create)
//   - GET    /conversations                (list, paginated, starred first, ETag support)
//   - GET    /conversations/{id}/messages  (recent window, or all older than a cursor)
//   - PUT    /conversations/{id}/title     (rename)
//   - PUT    /conversations/{id}/star      (star/unstar)
//   - DELETE /conversations/{id}           (delete)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/emberlabs/go-companion-backend/internal/domain"
	"github.com/emberlabs/go-companion-backend/internal/repo"
	"github.com/emberlabs/go-companion-backend/internal/services"
	"github.com/emberlabs/go-companion-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ConversationService defines the conversation lifecycle operations consumed
// by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ConversationService interface {
	// Ensure returns the conversation, creating one when id is empty.
	Ensure(ctx context.Context, userID, id string) (*domain.Conversation, bool, error)
	// ListPage returns a page of conversations and the total count.
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Conversation, int64, error)
	// Rename updates a conversation's title.
	Rename(ctx context.Context, userID, id, title string) error
	// SetStarred flips the starred flag.
	SetStarred(ctx context.Context, userID, id string, starred bool) error
	// Delete removes a conversation and its messages.
	Delete(ctx context.Context, userID, id string) error
	// History returns the recent message window, or everything older than
	// beforeID when a cursor is supplied.
	History(ctx context.Context, userID, id, beforeID string, limit int) ([]domain.Message, error)
}

//
// DTOs
//

// RenameConversationRequest is the JSON payload for renaming a conversation.
type RenameConversationRequest struct {
	// Title is the new conversation name (1–255 chars).
	Title string `json:"title" binding:"required,min=1,max=255" example:"Apartment hunt venting"`
}

// StarConversationRequest is the JSON payload for starring/unstarring.
type StarConversationRequest struct {
	Starred *bool `json:"starred" binding:"required"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListConversationsResponse wraps a page of conversations and pagination
// information.
type ListConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
	Pagination    Pagination            `json:"pagination"`
}

// HistoryResponse contains the requested message window in chronological
// order. HasMore reports whether older messages exist before the window.
type HistoryResponse struct {
	Messages []domain.Message `json:"messages"`
	HasMore  bool             `json:"has_more"`
}

//
// Helpers
//

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

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

// requireConversationID validates the :id path param as a UUID. It writes the
// error response itself and returns "" on failure.
func requireConversationID(c *gin.Context) string {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return ""
	}
	return id
}

//
// Handlers
//

// CreateConversation godoc
// @ID          createConversation
// @Summary     Create a new conversation
// @Description Creates an empty conversation for the current user and returns the resource.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     201  {object}  domain.Conversation
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /conversations [post]
func (h *Handlers) CreateConversation(c *gin.Context) {
	conv, _, err := h.convSvc.Ensure(c.Request.Context(), userID(c), "")
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		return
	}
	ok(c, http.StatusCreated, conv)
}

// ListConversations godoc
// @ID          listConversations
// @Summary     List conversations (paginated)
// @Description Returns a page of the user's conversations, starred first, then by recency.
// @Description Supports weak ETag via If-None-Match and may return 304.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"       example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListConversationsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations [get]
func (h *Handlers) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, okSvc := h.convSvc.(*services.ConversationService); okSvc {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.ConversationsStats(ctx, db, uid)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"conversations:%s:%d:%d"`, uid, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.convSvc.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListConversationsResponse{
		Conversations: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// ListConversationMessages godoc
// @ID          listConversationMessages
// @Summary     Load conversation history
// @Description Returns the most recent message window in chronological order, or every
// @Description message older than the `before` cursor when supplied. Supports weak ETag.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Conversation ID (UUID)" format(uuid)
// @Param       before     query   string  false "Message ID cursor; returns all older messages"
// @Param       limit      query   int     false "Window size for the recent view" minimum(1) maximum(200)
//
// @Success     200  {object} handlers.HistoryResponse
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /conversations/{id}/messages [get]
func (h *Handlers) ListConversationMessages(c *gin.Context) {
	ctx := c.Request.Context()
	id := requireConversationID(c)
	if id == "" {
		return
	}
	uid := userID(c)

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, okSvc := h.convSvc.(*services.ConversationService); okSvc {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.MessagesStats(ctx, db, id)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d"`, id, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	before := strings.TrimSpace(c.Query("before"))
	limit := utils.AtoiDefault(c.Query("limit"), 0)
	if limit > 200 {
		limit = 200
	}

	msgs, err := h.convSvc.History(ctx, uid, id, before, limit)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrConversationNotFound), errors.Is(err, services.ErrMessageNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		}
		return
	}

	hasMore := false
	if before == "" && db != nil && len(msgs) > 0 {
		if total, err := repo.CountMessages(db.WithContext(ctx), id); err == nil {
			hasMore = total > int64(len(msgs))
		}
	}
	ok(c, http.StatusOK, HistoryResponse{Messages: msgs, HasMore: hasMore})
}

// RenameConversation godoc
// @ID          renameConversation
// @Summary     Rename a conversation
// @Description Updates the title of a conversation owned by the current user.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"   example(user123)
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       body       body    handlers.RenameConversationRequest  true  "New title"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id}/title [put]
func (h *Handlers) RenameConversation(c *gin.Context) {
	id := requireConversationID(c)
	if id == "" {
		return
	}

	var req RenameConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title required (1–255 chars)")
		return
	}

	err := h.convSvc.Rename(c.Request.Context(), userID(c), id, req.Title)
	switch {
	case err == nil:
		noContent(c)
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	case errors.Is(err, services.ErrEmptyTitle):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "title required")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// StarConversation godoc
// @ID          starConversation
// @Summary     Star or unstar a conversation
// @Description Starred conversations sort ahead of all others in the list view.
// @Tags        Conversations
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"   example(user123)
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
// @Param       body       body    handlers.StarConversationRequest  true  "Star flag"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id}/star [put]
func (h *Handlers) StarConversation(c *gin.Context) {
	id := requireConversationID(c)
	if id == "" {
		return
	}

	var req StarConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Starred == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "starred flag required")
		return
	}

	err := h.convSvc.SetStarred(c.Request.Context(), userID(c), id, *req.Starred)
	switch {
	case err == nil:
		noContent(c)
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// DeleteConversation godoc
// @ID          deleteConversation
// @Summary     Delete a conversation
// @Description Removes a conversation and all of its messages.
// @Tags        Conversations
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"   example(user123)
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Conversation not found"
// @Router      /conversations/{id} [delete]
func (h *Handlers) DeleteConversation(c *gin.Context) {
	id := requireConversationID(c)
	if id == "" {
		return
	}

	err := h.convSvc.Delete(c.Request.Context(), userID(c), id)
	switch {
	case err == nil:
		noContent(c)
	case errors.Is(err, services.ErrConversationNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
