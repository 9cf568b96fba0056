// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the UserProfile
// model.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/emberlabs/go-companion-backend/internal/domain"
)

// GetProfile returns the profile for userID, or a default free-tier profile
// when none has been stored yet. Only DB failures are reported as errors.
func GetProfile(ctx context.Context, db *gorm.DB, userID string) (*domain.UserProfile, error) {
	var p domain.UserProfile
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.UserProfile{UserID: userID, Tier: domain.TierFree}, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertProfile creates or updates the profile row for p.UserID. On update,
// only non-empty fields overwrite the stored row, so a tier change never
// wipes the display name and an intake never resets the tier.
func UpsertProfile(ctx context.Context, db *gorm.DB, p *domain.UserProfile) error {
	p.UpdatedAt = time.Now().UTC()
	var existing domain.UserProfile
	err := db.WithContext(ctx).Where("user_id = ?", p.UserID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		p.CreatedAt = p.UpdatedAt
		if p.Tier == "" {
			p.Tier = domain.TierFree
		}
		return db.WithContext(ctx).Create(p).Error
	}
	if err != nil {
		return err
	}
	updates := map[string]any{"updated_at": p.UpdatedAt}
	if p.DisplayName != "" {
		updates["display_name"] = p.DisplayName
	}
	if p.Tier != "" {
		updates["tier"] = p.Tier
	}
	if p.ArchetypeLabel != "" {
		updates["archetype_label"] = p.ArchetypeLabel
	}
	if p.ArchetypeBlend != "" {
		updates["archetype_blend"] = p.ArchetypeBlend
	}
	if p.ArchetypeDescription != "" {
		updates["archetype_description"] = p.ArchetypeDescription
	}
	return db.WithContext(ctx).
		Model(&domain.UserProfile{}).
		Where("user_id = ?", p.UserID).
		Updates(updates).Error
}
