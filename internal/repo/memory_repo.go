// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the long-term
// memory state written by background analysis: the per-user state row (vibe,
// summary, turns-since-analysis counter), extracted facts, the insight FIFO,
// and persisted behavioral patterns.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/emberlabs/go-companion-backend/internal/domain"
)

// GetUserState returns the state row for userID, creating a default in-memory
// value (not persisted) when none exists yet.
func GetUserState(ctx context.Context, db *gorm.DB, userID string) (*domain.UserState, error) {
	var st domain.UserState
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.UserState{UserID: userID, Vibe: domain.VibeMedium}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// upsertState writes the given column updates to the user's state row,
// creating the row first when absent.
func upsertState(ctx context.Context, db *gorm.DB, userID string, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var st domain.UserState
		err := tx.Where("user_id = ?", userID).First(&st).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			st = domain.UserState{UserID: userID, Vibe: domain.VibeMedium}
			if err := tx.Create(&st).Error; err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		return tx.Model(&domain.UserState{}).Where("user_id = ?", userID).Updates(updates).Error
	})
}

// SaveAnalysisOutcome overwrites the vibe classification and the rolling
// summary after an analysis pass.
func SaveAnalysisOutcome(ctx context.Context, db *gorm.DB, userID, vibe, vibeReason, summary string) error {
	return upsertState(ctx, db, userID, map[string]any{
		"vibe":        vibe,
		"vibe_reason": vibeReason,
		"summary":     summary,
	})
}

// IncrementTurnCounter adds one to turns_since_analysis and returns the new
// value. The write is persisted immediately so an app suspension mid-turn
// does not lose a pending analysis trigger.
func IncrementTurnCounter(ctx context.Context, db *gorm.DB, userID string) (int, error) {
	st, err := GetUserState(ctx, db, userID)
	if err != nil {
		return 0, err
	}
	next := st.TurnsSinceAnalysis + 1
	if err := upsertState(ctx, db, userID, map[string]any{"turns_since_analysis": next}); err != nil {
		return 0, err
	}
	return next, nil
}

// ResetTurnCounter zeroes turns_since_analysis after an analysis run.
func ResetTurnCounter(ctx context.Context, db *gorm.DB, userID string) error {
	return upsertState(ctx, db, userID, map[string]any{"turns_since_analysis": 0})
}

// ListActiveFacts returns the user's active facts, oldest first.
func ListActiveFacts(ctx context.Context, db *gorm.DB, userID string) ([]domain.UserFact, error) {
	var out []domain.UserFact
	err := db.WithContext(ctx).
		Where("user_id = ? AND active = ?", userID, true).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// ReplaceFacts swaps the stored fact set for userID with the merged set
// produced by the analyst's merge contract. Facts with an invalid category
// are skipped rather than failing the whole write.
func ReplaceFacts(ctx context.Context, db *gorm.DB, userID string, facts []domain.UserFact) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&domain.UserFact{}).Error; err != nil {
			return err
		}
		for i := range facts {
			f := facts[i]
			if !domain.ValidFactCategory(f.Category) {
				continue
			}
			if f.ID == "" {
				f.ID = uuid.NewString()
			}
			f.UserID = userID
			if f.CreatedAt.IsZero() {
				f.CreatedAt = now
			}
			if err := tx.Create(&f).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// PushInsight appends one insight to the user's FIFO queue.
func PushInsight(ctx context.Context, db *gorm.DB, userID, content string) error {
	in := &domain.Insight{
		ID:        uuid.NewString(),
		UserID:    userID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(in).Error
}

// PopInsight returns the oldest unconsumed insight and marks it consumed.
// It returns ("", nil) when the queue is empty. Consumed insights are never
// reinserted.
func PopInsight(ctx context.Context, db *gorm.DB, userID string) (string, error) {
	var content string
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var in domain.Insight
		err := tx.Where("user_id = ? AND consumed = ?", userID, false).
			Order("created_at ASC, id ASC").
			First(&in).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		content = in.Content
		return tx.Model(&domain.Insight{}).Where("id = ?", in.ID).Update("consumed", true).Error
	})
	return content, err
}

// AppendBehaviorPatterns persists newly detected behavioral patterns for
// reuse by prompt composition. Callers are expected to have already applied
// the count and length caps.
func AppendBehaviorPatterns(ctx context.Context, db *gorm.DB, userID string, patterns []string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, p := range patterns {
			if p == "" {
				continue
			}
			row := &domain.BehaviorPattern{
				ID:        uuid.NewString(),
				UserID:    userID,
				Content:   p,
				CreatedAt: now,
			}
			if err := tx.Create(row).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ListBehaviorPatterns returns the stored patterns for userID, newest first,
// optionally limited.
func ListBehaviorPatterns(ctx context.Context, db *gorm.DB, userID string, limit int) ([]string, error) {
	var rows []domain.BehaviorPattern
	q := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Content)
	}
	return out, nil
}
