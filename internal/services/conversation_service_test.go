package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/emberlabs/go-companion-backend/internal/domain"
)

func newConvSvcDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("conv_svc_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := db.AutoMigrate(&domain.Conversation{}, &domain.Message{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestNewConversationService_Defaults(t *testing.T) {
	s := NewConversationService(nil)
	if s.TitleMaxLen != 60 || s.HistoryWindow != 30 {
		t.Fatalf("defaults: %+v", s)
	}
}

func TestEnsure_CreatesLazilyAndLooksUp(t *testing.T) {
	db := newConvSvcDB(t)
	s := NewConversationService(db)
	ctx := context.Background()

	c, created, err := s.Ensure(ctx, "u1", "")
	if err != nil || !created {
		t.Fatalf("lazy create: created=%v err=%v", created, err)
	}
	if c.Title != DefaultTitle {
		t.Fatalf("title = %q, want placeholder", c.Title)
	}

	got, created, err := s.Ensure(ctx, "u1", c.ID)
	if err != nil || created || got.ID != c.ID {
		t.Fatalf("lookup: %+v created=%v err=%v", got, created, err)
	}

	if _, _, err := s.Ensure(ctx, "u1", "missing-id"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("missing err = %v", err)
	}
	// Ownership is enforced.
	if _, _, err := s.Ensure(ctx, "u2", c.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign err = %v", err)
	}
}

func TestListPage_DefaultsAndTotal(t *testing.T) {
	db := newConvSvcDB(t)
	s := NewConversationService(db)
	ctx := context.Background()

	items, total, err := s.ListPage(ctx, "u1", 0, 0)
	if err != nil || total != 0 || len(items) != 0 {
		t.Fatalf("empty list: %v %d %v", items, total, err)
	}

	for i := 0; i < 3; i++ {
		if _, _, err := s.Ensure(ctx, "u1", ""); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	items, total, err = s.ListPage(ctx, "u1", 1, 2)
	if err != nil || total != 3 || len(items) != 2 {
		t.Fatalf("page 1: len=%d total=%d err=%v", len(items), total, err)
	}
	items, _, _ = s.ListPage(ctx, "u1", 2, 2)
	if len(items) != 1 {
		t.Fatalf("page 2: len=%d", len(items))
	}
}

func TestRename_Validation(t *testing.T) {
	db := newConvSvcDB(t)
	s := NewConversationService(db)
	ctx := context.Background()
	c, _, _ := s.Ensure(ctx, "u1", "")

	if err := s.Rename(ctx, "u1", c.ID, "   "); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("blank rename err = %v", err)
	}
	if err := s.Rename(ctx, "u1", c.ID, "  Weekend   plans  "); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, _ := s.Get(ctx, "u1", c.ID)
	if got.Title != "Weekend plans" {
		t.Fatalf("title = %q", got.Title)
	}
	if err := s.Rename(ctx, "u1", "missing", "x"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("missing rename err = %v", err)
	}
}

func TestRename_ClipsToMaxRunes(t *testing.T) {
	db := newConvSvcDB(t)
	s := NewConversationService(db)
	s.TitleMaxLen = 5
	ctx := context.Background()
	c, _, _ := s.Ensure(ctx, "u1", "")

	if err := s.Rename(ctx, "u1", c.ID, "éééééééééé"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	got, _ := s.Get(ctx, "u1", c.ID)
	if n := utf8.RuneCountInString(got.Title); n != 5 {
		t.Fatalf("rune length = %d, want 5 (%q)", n, got.Title)
	}
}

func TestSetStarredAndDelete(t *testing.T) {
	db := newConvSvcDB(t)
	s := NewConversationService(db)
	ctx := context.Background()
	c, _, _ := s.Ensure(ctx, "u1", "")

	if err := s.SetStarred(ctx, "u1", c.ID, true); err != nil {
		t.Fatalf("star: %v", err)
	}
	got, _ := s.Get(ctx, "u1", c.ID)
	if !got.Starred {
		t.Fatal("not starred")
	}

	if err := s.Delete(ctx, "u1", c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "u1", c.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("get after delete err = %v", err)
	}
	if err := s.Delete(ctx, "u1", c.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("double delete err = %v", err)
	}
}

func TestHistory_WindowAndCursor(t *testing.T) {
	db := newConvSvcDB(t)
	s := NewConversationService(db)
	s.HistoryWindow = 2
	ctx := context.Background()
	c, _, _ := s.Ensure(ctx, "u1", "")

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ids := []string{"m1", "m2", "m3", "m4"}
	for i, id := range ids {
		m := domain.Message{
			ID: id, ConversationID: c.ID, Role: domain.RoleUser,
			Content: id, Kind: domain.KindText,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.Create(&m).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	// Default window: the most recent two, oldest of the window first.
	msgs, err := s.History(ctx, "u1", c.ID, "", 0)
	if err != nil || len(msgs) != 2 || msgs[0].ID != "m3" {
		t.Fatalf("window: %+v (%v)", msgs, err)
	}

	// Cursor: everything older than m3.
	msgs, err = s.History(ctx, "u1", c.ID, "m3", 0)
	if err != nil || len(msgs) != 2 || msgs[0].ID != "m1" || msgs[1].ID != "m2" {
		t.Fatalf("cursor: %+v (%v)", msgs, err)
	}

	if _, err := s.History(ctx, "u1", c.ID, "missing", 0); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("bad cursor err = %v", err)
	}
	if _, err := s.History(ctx, "u2", c.ID, "", 0); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("foreign history err = %v", err)
	}
}

func TestMaybeAutoTitle(t *testing.T) {
	db := newConvSvcDB(t)
	s := NewConversationService(db)
	ctx := context.Background()

	c, _, _ := s.Ensure(ctx, "u1", "")
	if err := s.MaybeAutoTitle(ctx, "u1", c.ID, "what should I do about work"); err != nil {
		t.Fatalf("auto-title: %v", err)
	}
	got, _ := s.Get(ctx, "u1", c.ID)
	if got.Title != "What Should I Do About Work" {
		t.Fatalf("title = %q", got.Title)
	}

	// A second message never re-titles.
	if err := s.MaybeAutoTitle(ctx, "u1", c.ID, "different topic entirely"); err != nil {
		t.Fatalf("auto-title #2: %v", err)
	}
	got, _ = s.Get(ctx, "u1", c.ID)
	if got.Title != "What Should I Do About Work" {
		t.Fatalf("re-titled: %q", got.Title)
	}
}

func TestMaybeAutoTitle_SkipsCustomTitles(t *testing.T) {
	db := newConvSvcDB(t)
	s := NewConversationService(db)
	ctx := context.Background()

	c, _, _ := s.Ensure(ctx, "u1", "")
	if err := s.Rename(ctx, "u1", c.ID, "My title"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := s.MaybeAutoTitle(ctx, "u1", c.ID, "something new"); err != nil {
		t.Fatalf("auto-title: %v", err)
	}
	got, _ := s.Get(ctx, "u1", c.ID)
	if got.Title != "My title" {
		t.Fatalf("custom title replaced: %q", got.Title)
	}
}

func TestGenerateTitle(t *testing.T) {
	s := NewConversationService(nil)

	if got := s.generateTitle("the a an and"); got != "" {
		t.Fatalf("stop-words-only input: %q", got)
	}
	if got := s.generateTitle(""); got != "" {
		t.Fatalf("empty input: %q", got)
	}
	// Stop words are dropped and the word count is capped at eight.
	got := s.generateTitle("thinking about moving to a new city next spring maybe portland or seattle honestly")
	if got == "" {
		t.Fatal("expected a title")
	}
	count := 1
	for _, r := range got {
		if r == ' ' {
			count++
		}
	}
	if count > 8 {
		t.Fatalf("title has %d words: %q", count, got)
	}
}

func TestShouldAutoTitle(t *testing.T) {
	cases := map[string]bool{
		"":                 true,
		"New conversation": true,
		"new CONVERSATION": true,
		"Untitled":         true,
		"Budget planning":  false,
	}
	for in, want := range cases {
		if got := shouldAutoTitle(in); got != want {
			t.Errorf("shouldAutoTitle(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNormalizeTitle(t *testing.T) {
	cases := map[string]string{
		"":                      "",
		"   leading   ":         "leading",
		"multi   spaces":        "multi spaces",
		"tabs\tand\nnewlines  ": "tabs and newlines",
	}
	for in, want := range cases {
		if got := normalizeTitle(in); got != want {
			t.Errorf("normalizeTitle(%q) = %q; want %q", in, got, want)
		}
	}
}
