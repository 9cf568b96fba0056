// Package services – ConversationService
//
// This file implements ConversationService, which owns the conversation
// lifecycle: lazy creation on first send, listing with pagination (starred
// first), rename, star/unstar, delete, and windowed history loads.
//
// It also auto-generates a conversation title from the first user message
// while the title is still a placeholder, so the sidebar never fills with
// "New conversation" entries.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// conversation/user identifiers and pagination parameters where applicable.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/emberlabs/go-companion-backend/internal/domain"
	"github.com/emberlabs/go-companion-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Placeholder titles eligible for auto-generation.
const (
	DefaultTitle         = "New conversation"
	defaultTitleUntitled = "Untitled"
)

// ConversationService manages conversation metadata and history access.
type ConversationService struct {
	DB *gorm.DB

	// TitleMaxLen caps stored titles by rune length.
	TitleMaxLen int
	// TitleLocale controls title casing; English when unset.
	TitleLocale language.Tag
	// HistoryWindow is the default "recent messages" window size.
	HistoryWindow int
}

// NewConversationService constructs a ConversationService with sane defaults.
func NewConversationService(db *gorm.DB) *ConversationService {
	return &ConversationService{
		DB:            db,
		TitleMaxLen:   60,
		TitleLocale:   language.Und,
		HistoryWindow: 30,
	}
}

// Ensure returns the conversation with the given id, creating a fresh one
// when id is empty. The second result reports whether a new conversation was
// created. Ownership is enforced on lookup.
func (s *ConversationService) Ensure(ctx context.Context, userID, id string) (*domain.Conversation, bool, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Ensure",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("conversation.id", id),
		),
	)
	defer span.End()

	if id == "" {
		c, err := repo.CreateConversation(ctx, s.DB, userID, DefaultTitle)
		if err != nil {
			return nil, false, err
		}
		span.SetAttributes(attribute.Bool("conversation.created", true))
		return c, true, nil
	}
	c, err := repo.GetConversation(ctx, s.DB, id, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, ErrConversationNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return c, false, nil
}

// Get fetches one conversation, enforcing ownership.
func (s *ConversationService) Get(ctx context.Context, userID, id string) (*domain.Conversation, error) {
	c, err := repo.GetConversation(ctx, s.DB, id, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	return c, err
}

// ListPage returns a page of the user's conversations, starred first, then by
// recency, with the total count for pagination metadata.
func (s *ConversationService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Conversation, int64, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountConversations(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Conversation{}, 0, nil
	}
	items, err := repo.ListConversationsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// Rename updates a conversation's title. Blank input is rejected rather than
// defaulted: an explicit rename should never silently produce "Untitled".
func (s *ConversationService) Rename(ctx context.Context, userID, id, title string) error {
	title = normalizeTitle(title)
	if title == "" {
		return ErrEmptyTitle
	}
	err := repo.RenameConversation(ctx, s.DB, id, userID, s.clip(title))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrConversationNotFound
	}
	return err
}

// SetStarred flips the starred flag, enforcing ownership.
func (s *ConversationService) SetStarred(ctx context.Context, userID, id string, starred bool) error {
	err := repo.SetConversationStarred(ctx, s.DB, id, userID, starred)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrConversationNotFound
	}
	return err
}

// Delete soft-deletes a conversation and its messages.
func (s *ConversationService) Delete(ctx context.Context, userID, id string) error {
	err := repo.DeleteConversation(ctx, s.DB, id, userID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrConversationNotFound
	}
	return err
}

// History returns messages for a conversation: the most recent window by
// default, or everything older than beforeID when a cursor is supplied. Both
// results are in chronological order.
func (s *ConversationService) History(ctx context.Context, userID, id, beforeID string, limit int) ([]domain.Message, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "History",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("conversation.id", id),
		),
	)
	defer span.End()

	if _, err := repo.GetConversation(ctx, s.DB, id, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	if beforeID != "" {
		msgs, err := repo.ListMessagesBefore(ctx, s.DB, id, beforeID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return msgs, err
	}

	if limit <= 0 {
		limit = s.HistoryWindow
	}
	if limit <= 0 {
		limit = 30
	}
	return repo.ListRecentMessages(ctx, s.DB, id, limit)
}

// MaybeAutoTitle derives a title from the first user message when the current
// title is still a placeholder. Best effort: a failed update is not an error
// for the caller's turn.
func (s *ConversationService) MaybeAutoTitle(ctx context.Context, userID, id, firstUserText string) error {
	c, err := repo.GetConversation(ctx, s.DB, id, userID)
	if err != nil {
		return err
	}
	if !shouldAutoTitle(c.Title) {
		return nil
	}
	gen := s.generateTitle(firstUserText)
	if gen == "" {
		return nil
	}
	return repo.RenameConversation(ctx, s.DB, id, userID, s.clip(gen))
}

// shouldAutoTitle reports whether the current title is a placeholder.
func shouldAutoTitle(current string) bool {
	t := strings.TrimSpace(strings.ToLower(current))
	return t == "" || t == strings.ToLower(DefaultTitle) || t == strings.ToLower(defaultTitleUntitled)
}

// generateTitle derives a concise title from the first message: up to eight
// title-cased non-stopword tokens.
func (s *ConversationService) generateTitle(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	toks := titleWordRE.FindAllString(strings.ToLower(text), -1)
	if len(toks) == 0 {
		return ""
	}

	titleCaser := cases.Title(s.titleLocaleOrDefault())
	out := make([]string, 0, 8)
	for _, w := range toks {
		if _, skip := titleStopWords[w]; skip {
			continue
		}
		out = append(out, titleCaser.String(w))
		if len(out) >= 8 {
			break
		}
	}
	if len(out) == 0 {
		return ""
	}
	return strings.Join(out, " ")
}

// clip truncates a title to the configured maximum rune length.
func (s *ConversationService) clip(title string) string {
	max := s.TitleMaxLen
	if max <= 0 {
		max = 60
	}
	if utf8.RuneCountInString(title) > max {
		return string([]rune(title)[:max])
	}
	return title
}

func (s *ConversationService) titleLocaleOrDefault() language.Tag {
	if s.TitleLocale == language.Und {
		return language.English
	}
	return s.TitleLocale
}

// normalizeTitle trims whitespace and collapses multiple spaces to one.
func normalizeTitle(s string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(s), " ")
}

// whitespaceRE collapses consecutive whitespace to a single space.
var whitespaceRE = regexp.MustCompile(`\s+`)

// titleWordRE extracts Unicode letters with optional trailing digits.
var titleWordRE = regexp.MustCompile(`[\p{L}]+[\p{N}]*`)

// titleStopWords is a minimal English stop-word set for compact titles.
var titleStopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "of": {}, "to": {}, "in": {},
	"is": {}, "are": {}, "for": {}, "on": {}, "with": {}, "by": {}, "from": {},
	"at": {}, "as": {}, "that": {}, "this": {}, "it": {}, "be": {}, "was": {}, "were": {},
}
