// Package domain defines the persistence models for the companion backend:
// conversations, messages, daily usage counters, user profiles, and the
// long-term memory state (facts, vibe, insights, behavioral patterns) written
// by background analysis. These types are mapped with GORM and form the core
// data layer of the application.
package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleCompanion = "companion"
)

// Message content kinds. Crisis and farewell messages are scripted by the
// pipeline rather than produced by the generation service.
const (
	KindText     = "text"
	KindCrisis   = "crisis"
	KindFarewell = "farewell"
)

// Vibe levels, overwritten by each analysis pass.
const (
	VibeLow    = "low"
	VibeMedium = "medium"
	VibeHigh   = "high"
)

// Closed set of user-fact categories.
const (
	FactRelationship = "relationship"
	FactPreference   = "preference"
	FactLifeEvent    = "life_event"
	FactPersonality  = "personality"
	FactGoal         = "goal"
)

// FactCategories lists every valid UserFact category.
var FactCategories = []string{
	FactRelationship, FactPreference, FactLifeEvent, FactPersonality, FactGoal,
}

// ValidFactCategory reports whether c belongs to the closed category set.
func ValidFactCategory(c string) bool {
	for _, v := range FactCategories {
		if v == c {
			return true
		}
	}
	return false
}

// Conversation represents a thread of messages owned by a user. It is created
// lazily on the first send; the title is auto-generated once from the first
// user message and can be renamed later.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - UserID: identifier of the owner; indexed for efficient retrieval.
//   - Title: human-readable title (auto-generated if not provided).
//   - Starred: user-controlled pin flag.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM; UpdatedAt moves on
//     every append so conversations sort by recency.
//   - DeletedAt: soft deletion marker.
type Conversation struct {
	ID        string         `json:"id"         gorm:"type:char(36);primaryKey"`
	UserID    string         `json:"user_id"    gorm:"type:varchar(64);not null;index:idx_user_convs"`
	Title     string         `json:"title"      gorm:"type:varchar(255);not null;default:'New conversation'"`
	Starred   bool           `json:"starred"    gorm:"not null;default:false"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// Message represents a single persisted chat line. Messages are immutable once
// persisted and are authored either by the "user" or the "companion".
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ConversationID: foreign key to the owning conversation (indexed).
//   - Role: "user" or "companion" (enforced by DB constraint).
//   - Content: visible text of the message.
//   - ImageRef: optional reference to an attached image (storage key).
//   - Kind: content kind ("text", "crisis", "farewell").
//   - Metadata: optional structured payload — classification trace, offered
//     selectable options — stored as JSON.
type Message struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	ConversationID string         `json:"conversation_id" gorm:"type:char(36);not null;index:idx_conv_msgs,priority:1"`
	Role           string         `json:"role"            gorm:"type:varchar(16);not null;check:role IN ('user','companion')"`
	Content        string         `json:"content"         gorm:"type:text;not null"`
	ImageRef       *string        `json:"image_ref,omitempty" gorm:"type:varchar(255)"`
	Kind           string         `json:"kind"            gorm:"type:varchar(16);not null;default:'text'"`
	Metadata       datatypes.JSON `json:"metadata,omitempty" gorm:"type:json"`
	CreatedAt      time.Time      `json:"created_at"      gorm:"index:idx_conv_msgs,priority:2"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `json:"-"               gorm:"index"`

	// Conversation is the parent thread. Messages are cascade-deleted if
	// their conversation is removed.
	Conversation Conversation `json:"-" gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// DailyUsage tracks the free-tier message quota for one user and calendar day.
// The counter is incremented exactly once per turn that reaches the generation
// phase successfully; safety-blocked and quota-blocked turns never touch it.
// Date rollover is implicit: a new day keys a fresh row.
type DailyUsage struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	UserID       string    `json:"user_id"       gorm:"type:varchar(64);not null;uniqueIndex:ux_usage_user_day,priority:1"`
	Day          string    `json:"day"           gorm:"type:char(10);not null;uniqueIndex:ux_usage_user_day,priority:2"` // YYYY-MM-DD (UTC)
	MessageCount int       `json:"message_count" gorm:"not null;default:0"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName returns the database table name for DailyUsage.
func (DailyUsage) TableName() string { return "daily_usage" }

// Subscription tiers stored on UserProfile.Tier.
const (
	TierFree    = "free"
	TierPremium = "premium"
)

// UserProfile carries the personalization inputs consumed by prompt
// composition: display name, subscription tier, and the derived archetype.
type UserProfile struct {
	UserID               string    `json:"user_id"       gorm:"type:varchar(64);primaryKey"`
	DisplayName          string    `json:"display_name"  gorm:"type:varchar(64)"`
	Tier                 string    `json:"tier"          gorm:"type:varchar(16);not null;default:'free'"`
	ArchetypeLabel       string    `json:"archetype_label" gorm:"type:varchar(64)"`
	ArchetypeBlend       string    `json:"archetype_blend" gorm:"type:varchar(128)"`
	ArchetypeDescription string    `json:"archetype_description" gorm:"type:text"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TableName returns the database table name for UserProfile.
func (UserProfile) TableName() string { return "user_profiles" }

// UserFact is a durable fact about the user extracted by background analysis.
// Deduplication against existing facts is owned by the analyst collaborator's
// merge contract; this layer only persists the merged result.
type UserFact struct {
	ID              string         `json:"id"                gorm:"type:char(36);primaryKey"`
	UserID          string         `json:"user_id"           gorm:"type:varchar(64);not null;index:idx_user_facts"`
	Content         string         `json:"content"           gorm:"type:text;not null"`
	Category        string         `json:"category"          gorm:"type:varchar(32);not null;check:category IN ('relationship','preference','life_event','personality','goal')"`
	Active          bool           `json:"active"            gorm:"not null;default:true"`
	SourceMessageID string         `json:"source_message_id" gorm:"type:char(36)"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for UserFact.
func (UserFact) TableName() string { return "user_facts" }

// UserState is the single-row-per-user mood and analysis bookkeeping record:
// latest vibe classification, the capped rolling summary, and the persisted
// turns-since-analysis counter that triggers background analysis.
type UserState struct {
	UserID             string    `json:"user_id"    gorm:"type:varchar(64);primaryKey"`
	Vibe               string    `json:"vibe"       gorm:"type:varchar(8);not null;default:'medium';check:vibe IN ('low','medium','high')"`
	VibeReason         string    `json:"vibe_reason" gorm:"type:text"`
	Summary            string    `json:"summary"    gorm:"type:text"`
	TurnsSinceAnalysis int       `json:"turns_since_analysis" gorm:"not null;default:0"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// TableName returns the database table name for UserState.
func (UserState) TableName() string { return "user_states" }

// Insight is a short observation queued by analysis and surfaced by the
// companion at most once in a later conversation. Popped insights are marked
// consumed and never reinserted.
type Insight struct {
	ID        string    `json:"id"       gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id"  gorm:"type:varchar(64);not null;index:idx_user_insights"`
	Content   string    `json:"content"  gorm:"type:text;not null"`
	Consumed  bool      `json:"consumed" gorm:"not null;default:false"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Insight.
func (Insight) TableName() string { return "insights" }

// BehaviorPattern is a detected recurring pattern in user behavior, persisted
// long-term and reinjected into future prompts after sanitization. Content is
// capped at 200 characters at write time.
type BehaviorPattern struct {
	ID        string    `json:"id"      gorm:"type:char(36);primaryKey"`
	UserID    string    `json:"user_id" gorm:"type:varchar(64);not null;index:idx_user_patterns"`
	Content   string    `json:"content" gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for BehaviorPattern.
func (BehaviorPattern) TableName() string { return "behavior_patterns" }
