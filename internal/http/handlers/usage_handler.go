// Usage and lifecycle HTTP handlers.
//
// This file exposes:
//   - GET  /usage    (today's quota status for the current user)
//   - POST /suspend  (host lifecycle hook: flush pending analysis)
//   - POST /resume   (host lifecycle hook: cancel pending re-engagement)
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/emberlabs/go-companion-backend/internal/repo"
)

//
// DTOs
//

// UsageResponse reports today's quota status. Remaining is -1 for users the
// quota does not apply to.
type UsageResponse struct {
	Day          string `json:"day"`
	Used         int    `json:"used"`
	Limit        int    `json:"limit"`
	Remaining    int    `json:"remaining"`
	LimitReached bool   `json:"limit_reached"`
	Unlimited    bool   `json:"unlimited"`
}

// SuspendRequest optionally names the active conversation so a pending
// analysis pass can use its recent window.
type SuspendRequest struct {
	ConversationID string `json:"conversation_id,omitempty" format:"uuid"`
}

//
// Handlers
//

// GetUsage godoc
// @ID          getUsage
// @Summary     Get today's usage against the daily quota
// @Tags        Usage
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     200  {object}  handlers.UsageResponse
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /usage [get]
func (h *Handlers) GetUsage(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	profile, err := h.profileSvc.Get(ctx, uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	day := repo.UsageDay(time.Now())
	used, err := repo.GetDailyUsage(ctx, h.db, uid, day)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	resp := UsageResponse{Day: day, Used: used}
	if h.limiter.Exempt(profile.Tier) {
		resp.Unlimited = true
		resp.Remaining = -1
		ok(c, http.StatusOK, resp)
		return
	}

	limit := h.limiter.FreeDailyLimit
	if limit <= 0 {
		limit = 5
	}
	resp.Limit = limit
	resp.Remaining = limit - used
	if resp.Remaining < 0 {
		resp.Remaining = 0
	}
	resp.LimitReached = !h.limiter.Evaluate(used, profile.Tier).Allowed
	ok(c, http.StatusOK, resp)
}

// Suspend godoc
// @ID          suspend
// @Summary     Host suspend hook
// @Description Runs a pending background analysis synchronously so memory maintenance is
// @Description not lost when the host process is about to stop.
// @Tags        Lifecycle
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       body       body    handlers.SuspendRequest  false "Active conversation"
//
// @Success     204  {string} string "No Content"
// @Router      /suspend [post]
func (h *Handlers) Suspend(c *gin.Context) {
	var req SuspendRequest
	_ = c.ShouldBindJSON(&req)
	if h.analysis != nil {
		h.analysis.RunIfPending(c.Request.Context(), userID(c), req.ConversationID)
	}
	noContent(c)
}

// Resume godoc
// @ID          resume
// @Summary     Host resume hook
// @Description Cancels any pending re-engagement notification: the user came back on
// @Description their own.
// @Tags        Lifecycle
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     204  {string} string "No Content"
// @Router      /resume [post]
func (h *Handlers) Resume(c *gin.Context) {
	if h.notifier != nil {
		h.notifier.Cancel(userID(c))
	}
	noContent(c)
}
