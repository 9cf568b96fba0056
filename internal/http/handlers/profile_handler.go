// Profile HTTP handlers.
//
// This file exposes REST endpoints for the user profile:
//   - GET /profile          (current profile, default free-tier when unset)
//   - PUT /profile/intake   (display name + questionnaire → archetype)
//   - PUT /profile/tier     (subscription tier change)
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/emberlabs/go-companion-backend/internal/domain"
	"github.com/emberlabs/go-companion-backend/internal/services"
)

// ProfileService defines the profile operations consumed by HTTP handlers.
type ProfileService interface {
	// Get returns the user's profile, defaulting to free tier when unset.
	Get(ctx context.Context, userID string) (*domain.UserProfile, error)
	// SubmitIntake stores the display name and derives the archetype.
	SubmitIntake(ctx context.Context, userID, displayName string, answers []string) (*domain.UserProfile, error)
	// SetTier updates the subscription tier.
	SetTier(ctx context.Context, userID, tier string) error
}

//
// DTOs
//

// IntakeRequest is the JSON payload for the onboarding questionnaire.
type IntakeRequest struct {
	DisplayName string   `json:"display_name" example:"Maya"`
	Answers     []string `json:"answers"`
}

// IntakeResponse wraps the stored profile. ArchetypePending is true when the
// intake was stored but archetype classification failed; the client may
// resubmit later.
type IntakeResponse struct {
	Profile          *domain.UserProfile `json:"profile"`
	ArchetypePending bool                `json:"archetype_pending,omitempty"`
}

// SetTierRequest is the JSON payload for a tier change.
type SetTierRequest struct {
	Tier string `json:"tier" binding:"required" enums:"free,premium" example:"premium"`
}

//
// Handlers
//

// GetProfile godoc
// @ID          getProfile
// @Summary     Get the current user profile
// @Tags        Profile
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     200  {object}  domain.UserProfile
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /profile [get]
func (h *Handlers) GetProfile(c *gin.Context) {
	p, err := h.profileSvc.Get(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, p)
}

// SubmitIntake godoc
// @ID          submitIntake
// @Summary     Submit the onboarding intake
// @Description Stores the display name and derives a personality archetype from the
// @Description questionnaire answers. When classification fails the rest of the intake
// @Description is still stored and archetype_pending is set.
// @Tags        Profile
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       body       body    handlers.IntakeRequest  true  "Intake payload"
//
// @Success     200  {object}  handlers.IntakeResponse
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse "Internal error"
// @Router      /profile/intake [put]
func (h *Handlers) SubmitIntake(c *gin.Context) {
	var req IntakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	p, err := h.profileSvc.SubmitIntake(c.Request.Context(), userID(c), req.DisplayName, req.Answers)
	switch {
	case err == nil:
		ok(c, http.StatusOK, IntakeResponse{Profile: p})
	case errors.Is(err, services.ErrEmptyIntake):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "display name or answers required")
	case p != nil:
		// Stored without an archetype; classification failed.
		ok(c, http.StatusOK, IntakeResponse{Profile: p, ArchetypePending: true})
	default:
		fail(c, http.StatusInternalServerError, ErrCodeIntakeFailed, err.Error())
	}
}

// SetTier godoc
// @ID          setTier
// @Summary     Change the subscription tier
// @Tags        Profile
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       body       body    handlers.SetTierRequest  true  "Tier payload"
//
// @Success     204  {string} string "No Content"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /profile/tier [put]
func (h *Handlers) SetTier(c *gin.Context) {
	var req SetTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "tier required")
		return
	}
	tier := strings.ToLower(strings.TrimSpace(req.Tier))
	if tier != domain.TierFree && tier != domain.TierPremium {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "tier must be free or premium")
		return
	}
	if err := h.profileSvc.SetTier(c.Request.Context(), userID(c), tier); err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	noContent(c)
}
