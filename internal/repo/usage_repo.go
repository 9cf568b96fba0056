// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the DailyUsage
// quota counter.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/emberlabs/go-companion-backend/internal/domain"
)

// UsageDay formats t as the UTC calendar-day key used by DailyUsage rows.
func UsageDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// GetDailyUsage returns the message count for userID on the given day.
// A missing row means zero usage; that is not an error.
func GetDailyUsage(ctx context.Context, db *gorm.DB, userID, day string) (int, error) {
	var u domain.DailyUsage
	err := db.WithContext(ctx).
		Where("user_id = ? AND day = ?", userID, day).
		First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return u.MessageCount, nil
}

// IncrementDailyUsage adds one to the counter for (userID, day), creating the
// row when absent, and returns the new count. The increment runs in a
// transaction so concurrent turns cannot lose updates.
func IncrementDailyUsage(ctx context.Context, db *gorm.DB, userID, day string) (int, error) {
	var count int
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u domain.DailyUsage
		err := tx.Where("user_id = ? AND day = ?", userID, day).First(&u).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			u = domain.DailyUsage{
				ID:           uuid.NewString(),
				UserID:       userID,
				Day:          day,
				MessageCount: 1,
			}
			if err := tx.Create(&u).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			u.MessageCount++
			if err := tx.Model(&u).Update("message_count", u.MessageCount).Error; err != nil {
				return err
			}
		}
		count = u.MessageCount
		return nil
	})
	return count, err
}
