// Turn HTTP handlers.
//
// This file exposes the message pipeline endpoints:
//   - POST   /messages                          (submit a turn; lazy conversation create)
//   - POST   /conversations/{id}/retry          (resubmit the last failed turn)
//   - DELETE /conversations/{id}/retry          (dismiss the pending failed turn)
//   - GET    /conversations/{id}/pipeline       (pipeline state snapshot)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (line endings, length caps)
//   - delegate to the pipeline controller
//   - implement idempotency semantics for safe resubmits
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// result exists for (user, conversation, key), the handler returns that
// recorded reply and sets `Idempotency-Replayed: true`.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/emberlabs/go-companion-backend/internal/domain"
	"github.com/emberlabs/go-companion-backend/internal/pipeline"
	"github.com/emberlabs/go-companion-backend/internal/repo"
	"github.com/emberlabs/go-companion-backend/internal/services"
)

// maxTurnRunes caps one submitted turn at the transport edge.
const maxTurnRunes = 4000

//
// DTOs
//

// SubmitMessageRequest is the JSON payload for sending one turn. Leaving
// ConversationID empty creates a fresh conversation on first send.
type SubmitMessageRequest struct {
	ConversationID string  `json:"conversation_id,omitempty" format:"uuid"`
	Content        string  `json:"content" example:"rough day, my landlord is raising rent again"`
	ImageRef       *string `json:"image_ref,omitempty"`
}

// SubmitMessageResponse is the JSON envelope for a resolved turn.
type SubmitMessageResponse struct {
	Outcome        string             `json:"outcome"`
	ConversationID string             `json:"conversation_id"`
	UserMessage    *domain.Message    `json:"user_message,omitempty"`
	Reply          *domain.Message    `json:"reply,omitempty"`
	LimitReached   bool               `json:"limit_reached,omitempty"`
	Pipeline       *pipeline.Snapshot `json:"pipeline,omitempty"`
}

// TurnErrorResponse is the error envelope for a failed turn. It extends the
// standard envelope with the failure taxonomy so clients can drive the retry
// affordance without parsing messages.
type TurnErrorResponse struct {
	ErrorResponse
	Kind       string `json:"kind"`
	Retryable  bool   `json:"retryable"`
	Persistent bool   `json:"persistent"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// turnStatus maps a failure kind to an HTTP status.
func turnStatus(kind pipeline.ErrorKind) int {
	switch kind {
	case pipeline.KindRateLimited:
		return http.StatusTooManyRequests
	case pipeline.KindOffline:
		return http.StatusServiceUnavailable
	case pipeline.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// failTurn writes the taxonomy-bearing error envelope for a failed turn.
func failTurn(c *gin.Context, te *pipeline.TurnError) {
	c.AbortWithStatusJSON(turnStatus(te.Kind), TurnErrorResponse{
		ErrorResponse: ErrorResponse{
			RequestID: c.Writer.Header().Get("X-Request-ID"),
			Code:      ErrCodeTurnFailed,
			Message:   te.UserMessage(),
		},
		Kind:       string(te.Kind),
		Retryable:  te.Retryable(),
		Persistent: te.Persistent(),
	})
}

// writeTurnResult translates a resolved TurnResult into the response envelope.
func (h *Handlers) writeTurnResult(c *gin.Context, uid string, res *pipeline.TurnResult) {
	snap := h.pipe.Snapshot(uid, res.ConversationID)
	ok(c, http.StatusOK, SubmitMessageResponse{
		Outcome:        string(res.Outcome),
		ConversationID: res.ConversationID,
		UserMessage:    res.UserMessage,
		Reply:          res.Reply,
		LimitReached:   res.LimitReached,
		Pipeline:       &snap,
	})
}

// idempotencyKey reads a validated Idempotency-Key if present.
func idempotencyKey(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader("Idempotency-Key"))
}

//
// Handlers
//

// SubmitMessage godoc
// @ID          submitMessage
// @Summary     Send a message and get a companion reply
// @Description Runs one turn through the pipeline: safety screening, quota check, routing,
// @Description generation, sanitization, persistence. Omitting conversation_id creates a
// @Description fresh conversation. Supports idempotency via the Idempotency-Key header.
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"
// @Param       body             body    handlers.SubmitMessageRequest  true  "Turn payload"
//
// @Success     200  {object}  handlers.SubmitMessageResponse
// @Failure     400  {object}  handlers.ErrorResponse      "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse      "Conversation not found"
// @Failure     409  {object}  handlers.ErrorResponse      "A turn is already in flight"
// @Failure     502  {object}  handlers.TurnErrorResponse  "Turn failed"
// @Router      /messages [post]
func (h *Handlers) SubmitMessage(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	var req SubmitMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	content := sanitizeContent(req.Content)
	if content == "" && req.ImageRef == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	if utf8.RuneCountInString(content) > maxTurnRunes {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("content too long: max %d runes", maxTurnRunes))
		return
	}

	// Idempotency (replay path).
	idemKey := idempotencyKey(c)
	if idemKey != "" && h.db != nil {
		if rec, err := repo.GetIdempotency(ctx, h.db, uid, req.ConversationID, idemKey, time.Now().UTC()); err == nil && rec != nil {
			if prev, err2 := repo.GetMessage(h.db, rec.MessageID); err2 == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, SubmitMessageResponse{
					Outcome:        string(pipeline.OutcomeReply),
					ConversationID: prev.ConversationID,
					Reply:          prev,
				})
				return
			}
		}
	}

	res, err := h.pipe.Submit(ctx, pipeline.SubmitInput{
		UserID:         uid,
		ConversationID: req.ConversationID,
		Text:           content,
		ImageRef:       req.ImageRef,
	})
	if err != nil {
		h.failSubmit(c, err)
		return
	}

	// Idempotency (store path) – best effort, replies only.
	if idemKey != "" && h.db != nil && res.Reply != nil {
		_, _ = repo.CreateIdempotency(ctx, h.db, uid, req.ConversationID, idemKey, res.Reply.ID, http.StatusOK, h.idemTTL)
	}

	h.writeTurnResult(c, uid, res)
}

// failSubmit maps submit/retry errors onto HTTP responses.
func (h *Handlers) failSubmit(c *gin.Context, err error) {
	var te *pipeline.TurnError
	switch {
	case errors.As(err, &te):
		failTurn(c, te)
	case errors.Is(err, pipeline.ErrBusy):
		fail(c, http.StatusConflict, ErrCodeTurnInFlight, "a turn is already in flight for this conversation")
	case errors.Is(err, pipeline.ErrEmptyTurn):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
	case errors.Is(err, pipeline.ErrNothingToRetry):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "no failed turn to retry")
	case isNotFound(err):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

// RetryMessage godoc
// @ID          retryMessage
// @Summary     Retry the last failed turn
// @Description Resubmits the preserved text of the last failed turn through the full pipeline.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"   example(user123)
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object}  handlers.SubmitMessageResponse
// @Failure     404  {object}  handlers.ErrorResponse      "Nothing to retry"
// @Failure     409  {object}  handlers.ErrorResponse      "A turn is already in flight"
// @Failure     502  {object}  handlers.TurnErrorResponse  "Turn failed again"
// @Router      /conversations/{id}/retry [post]
func (h *Handlers) RetryMessage(c *gin.Context) {
	id := requireConversationID(c)
	if id == "" {
		return
	}
	uid := userID(c)

	res, err := h.pipe.Retry(c.Request.Context(), uid, id)
	if err != nil {
		h.failSubmit(c, err)
		return
	}
	h.writeTurnResult(c, uid, res)
}

// DismissRetry godoc
// @ID          dismissRetry
// @Summary     Dismiss the pending failed turn
// @Description Clears the retry state without resubmitting.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"   example(user123)
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /conversations/{id}/retry [delete]
func (h *Handlers) DismissRetry(c *gin.Context) {
	id := requireConversationID(c)
	if id == "" {
		return
	}
	h.pipe.DismissRetry(userID(c), id)
	noContent(c)
}

// PipelineState godoc
// @ID          pipelineState
// @Summary     Inspect pipeline state for a conversation
// @Description Returns the current phase, limit-reached flag, retry availability, and any
// @Description current error notice.
// @Tags        Messages
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"   example(user123)
// @Param       id         path    string  true  "Conversation ID (UUID)"  format(uuid)
//
// @Success     200  {object} pipeline.Snapshot
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Router      /conversations/{id}/pipeline [get]
func (h *Handlers) PipelineState(c *gin.Context) {
	id := requireConversationID(c)
	if id == "" {
		return
	}
	ok(c, http.StatusOK, h.pipe.Snapshot(userID(c), id))
}

// isNotFound reports whether err denotes a missing conversation at any layer.
func isNotFound(err error) bool {
	return errors.Is(err, repo.ErrNotFound) || errors.Is(err, services.ErrConversationNotFound)
}
