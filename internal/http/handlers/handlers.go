// Handler wiring.
//
// This file defines the Handlers aggregate and the transport-facing contracts
// it depends on. Handlers depend on abstract interfaces so transport concerns
// stay separate from orchestration logic and tests can inject fakes.
package handlers

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/emberlabs/go-companion-backend/internal/pipeline"
	"github.com/emberlabs/go-companion-backend/internal/quota"
)

// Pipeline defines the turn orchestration operations consumed by HTTP
// handlers: submit, retry, dismissal, and state inspection.
type Pipeline interface {
	// Submit runs one full turn through routing and generation.
	Submit(ctx context.Context, in pipeline.SubmitInput) (*pipeline.TurnResult, error)
	// Retry resubmits the last failed turn with its original text.
	Retry(ctx context.Context, userID, conversationID string) (*pipeline.TurnResult, error)
	// DismissRetry discards the pending failed turn without resubmitting.
	DismissRetry(userID, conversationID string)
	// Snapshot returns the externally visible pipeline state.
	Snapshot(userID, conversationID string) pipeline.Snapshot
}

// AnalysisHook runs a pending background analysis synchronously. Used by the
// suspend endpoint, where the process may not stay alive for a detached pass.
type AnalysisHook interface {
	RunIfPending(ctx context.Context, userID, conversationID string)
}

// NotificationScheduler is the slice of the notification scheduler the
// handlers need: cancelling a pending re-engagement notification when the
// user comes back.
type NotificationScheduler interface {
	Cancel(userID string)
	IsScheduled(userID string) bool
}

// Handlers groups the HTTP endpoints for conversations, turns, profiles, and
// usage.
type Handlers struct {
	convSvc    ConversationService
	pipe       Pipeline
	profileSvc ProfileService
	analysis   AnalysisHook
	notifier   NotificationScheduler

	// db backs ETag stats, usage reads, and idempotency records.
	db      *gorm.DB
	limiter quota.Limiter
	idemTTL time.Duration
}

// New constructs a Handlers instance bound to the given collaborators.
func New(
	convSvc ConversationService,
	pipe Pipeline,
	profileSvc ProfileService,
	analysis AnalysisHook,
	notifier NotificationScheduler,
	db *gorm.DB,
	limiter quota.Limiter,
	idemTTL time.Duration,
) *Handlers {
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &Handlers{
		convSvc:    convSvc,
		pipe:       pipe,
		profileSvc: profileSvc,
		analysis:   analysis,
		notifier:   notifier,
		db:         db,
		limiter:    limiter,
		idemTTL:    idemTTL,
	}
}
