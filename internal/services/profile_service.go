// Package services – ProfileService
//
// This file implements ProfileService, which owns user profile intake: the
// display name, the subscription tier, and the personality archetype derived
// from the onboarding questionnaire. Archetype classification is delegated to
// a pluggable classifier so the model-backed implementation stays at the
// edge of the system.
package services

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/emberlabs/go-companion-backend/internal/domain"
	"github.com/emberlabs/go-companion-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Archetype is the classifier output for one intake submission.
type Archetype struct {
	Label       string `json:"label"`
	Blend       string `json:"blend"`
	Description string `json:"description"`
}

// ArchetypeClassifier derives a personality archetype from questionnaire
// answers. Implementations are expected to be model-backed.
type ArchetypeClassifier interface {
	ClassifyArchetype(ctx context.Context, answers []string) (Archetype, error)
}

// ProfileService manages profile reads and intake writes.
type ProfileService struct {
	DB         *gorm.DB
	Classifier ArchetypeClassifier
}

// Get returns the user's profile, or a default free-tier profile when none
// has been stored yet.
func (s *ProfileService) Get(ctx context.Context, userID string) (*domain.UserProfile, error) {
	return repo.GetProfile(ctx, s.DB, userID)
}

// SubmitIntake stores the display name and, when a classifier is configured
// and answers are present, the derived archetype. A classifier failure does
// not lose the rest of the intake: the profile is stored without an
// archetype and the error is returned for the handler to report.
func (s *ProfileService) SubmitIntake(ctx context.Context, userID, displayName string, answers []string) (*domain.UserProfile, error) {
	tr := otel.Tracer("services/ProfileService")
	ctx, span := tr.Start(ctx, "SubmitIntake",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("intake.answers", len(answers)),
		),
	)
	defer span.End()

	displayName = strings.TrimSpace(displayName)
	kept := answers[:0]
	for _, a := range answers {
		if strings.TrimSpace(a) != "" {
			kept = append(kept, a)
		}
	}
	if displayName == "" && len(kept) == 0 {
		return nil, ErrEmptyIntake
	}

	p := &domain.UserProfile{UserID: userID, DisplayName: displayName}

	var clsErr error
	if s.Classifier != nil && len(kept) > 0 {
		arch, err := s.Classifier.ClassifyArchetype(ctx, kept)
		if err != nil {
			clsErr = err
		} else {
			p.ArchetypeLabel = arch.Label
			p.ArchetypeBlend = arch.Blend
			p.ArchetypeDescription = arch.Description
		}
	}

	if err := repo.UpsertProfile(ctx, s.DB, p); err != nil {
		return nil, err
	}
	stored, err := repo.GetProfile(ctx, s.DB, userID)
	if err != nil {
		return nil, err
	}
	return stored, clsErr
}

// SetTier updates the subscription tier.
func (s *ProfileService) SetTier(ctx context.Context, userID, tier string) error {
	return repo.UpsertProfile(ctx, s.DB, &domain.UserProfile{UserID: userID, Tier: tier})
}
