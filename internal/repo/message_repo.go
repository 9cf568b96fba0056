// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message
// model, including the windowed history loads used by the chat UI ("most
// recent N" plus "load all older on demand").
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/emberlabs/go-companion-backend/internal/domain"
)

// NewMessage describes one message to append. Metadata may be nil.
type NewMessage struct {
	Role     string
	Content  string
	ImageRef *string
	Kind     string
	Metadata datatypes.JSON
}

// CreateMessage inserts a new message row. Kind defaults to "text" when empty.
func CreateMessage(db *gorm.DB, conversationID string, nm NewMessage) (*domain.Message, error) {
	if nm.Kind == "" {
		nm.Kind = domain.KindText
	}
	m := &domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           nm.Role,
		Content:        nm.Content,
		ImageRef:       nm.ImageRef,
		Kind:           nm.Kind,
		Metadata:       nm.Metadata,
		CreatedAt:      time.Now().UTC(),
	}
	return m, db.Create(m).Error
}

// ListRecentMessages returns the most recent limit messages of a conversation
// in chronological order (oldest of the window first).
func ListRecentMessages(ctx context.Context, db *gorm.DB, conversationID string, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	// reverse into ascending order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListMessagesBefore returns every message older than the given cursor
// message, in chronological order. Used for "load all older" on demand.
func ListMessagesBefore(ctx context.Context, db *gorm.DB, conversationID, beforeID string) ([]domain.Message, error) {
	var cursor domain.Message
	if err := db.WithContext(ctx).
		Where("id = ? AND conversation_id = ?", beforeID, conversationID).
		First(&cursor).Error; err != nil {
		return nil, err
	}
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND (created_at < ? OR (created_at = ? AND id < ?))",
			conversationID, cursor.CreatedAt, cursor.CreatedAt, cursor.ID).
		Order("created_at ASC, id ASC").
		Find(&out).Error
	return out, err
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND deleted_at IS NULL", conversationID).
		Scan(&total).Error
	return total, err
}

// GetMessage fetches a message by ID.
func GetMessage(db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteLastUserMessage removes the newest message of a conversation if (and
// only if) it is an unanswered user message. It reports whether a row was
// removed. The retry flow uses this to avoid duplicating the user's turn when
// the same text is resubmitted.
func DeleteLastUserMessage(ctx context.Context, db *gorm.DB, conversationID string) (bool, error) {
	var last domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC").
		First(&last).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, nil
		}
		return false, err
	}
	if last.Role != domain.RoleUser {
		return false, nil
	}
	if err := db.WithContext(ctx).Delete(&domain.Message{}, "id = ?", last.ID).Error; err != nil {
		return false, err
	}
	return true, nil
}
