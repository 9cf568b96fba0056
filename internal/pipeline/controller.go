// Package pipeline – Controller
//
// This file implements the turn state machine: Idle → Routing → Generating →
// Idle. One user turn passes through safety screening, quota evaluation,
// intent classification, prompt composition, generation, response
// sanitization, and persistence, in that order. Safety and quota resolve
// locally before any network call; classification, generation, and
// persistence are the suspension points and honor context cancellation.
//
// Concurrency model: a single logical writer per conversation. A submit that
// arrives while a turn is in flight for the same conversation is rejected
// outright (ErrBusy), never queued, so message append order always matches
// turn completion order. Background analysis runs as a detached unit of work
// and neither blocks nor is blocked by the foreground turn.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// conversation/user identifiers and the turn outcome.
package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/emberlabs/go-companion-backend/internal/domain"
	"github.com/emberlabs/go-companion-backend/internal/prompt"
	"github.com/emberlabs/go-companion-backend/internal/quota"
	"github.com/emberlabs/go-companion-backend/internal/recall"
	"github.com/emberlabs/go-companion-backend/internal/repo"
	"github.com/emberlabs/go-companion-backend/internal/safety"
)

// State names the pipeline phase for one conversation. Terminal states are
// always Idle; failures resolve back to Idle with a side-channel TurnError.
type State string

const (
	StateIdle       State = "idle"
	StateRouting    State = "routing"
	StateGenerating State = "generating"
)

// Defaults applied when the corresponding Controller field is zero.
const (
	defaultHistoryWindow = 30
	defaultFactWindow    = 8
	defaultFarewellDelay = 1500 * time.Millisecond
	defaultTemperature   = 0.8
	traceMaxRunes        = 500
)

// FarewellText is the scripted goodbye appended shortly after the reply that
// consumed the last free turn of the day.
const FarewellText = "That was our last free chat for today — I loved talking with you. " +
	"I'll be right here tomorrow, same as always."

// Classifier routes one turn into a category before generation.
type Classifier interface {
	Classify(ctx context.Context, text, systemPrompt string) (prompt.Classification, error)
}

// GenerationRequest is the composed input for one generation call.
type GenerationRequest struct {
	History     []domain.Message
	Prompt      string
	Facts       []domain.UserFact
	Summary     string
	Insight     string
	Temperature float64
}

// GenerationResult is the model output for one turn. The visible text is
// persisted; the reasoning trace is summarized into message metadata.
type GenerationResult struct {
	ReasoningTrace string
	VisibleText    string
	Options        []string
}

// Generator produces the companion reply. Implementations classify their
// failures by wrapping ErrRateLimited, ErrOffline, or ErrTimedOut; anything
// else is treated as unknown.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (GenerationResult, error)
}

// Conversations is the conversation lifecycle contract the pipeline depends
// on: lazy creation on first send and one-time auto-titling.
type Conversations interface {
	// Ensure returns the conversation, creating it when id is empty. The
	// second result reports whether a new conversation was created.
	Ensure(ctx context.Context, userID, id string) (*domain.Conversation, bool, error)
	// MaybeAutoTitle derives a title from the first user message when the
	// current title is still a placeholder. Best effort.
	MaybeAutoTitle(ctx context.Context, userID, id, firstUserText string) error
}

// AnalysisTrigger fires the detached background analysis when the persisted
// turn counter reaches its threshold. Implementations must not block.
type AnalysisTrigger interface {
	MaybeRun(userID, conversationID string, turnsSinceAnalysis int)
}

// Controller orchestrates one full turn per conversation. All collaborator
// dependencies are constructor-injected contracts so tests can substitute
// deterministic fakes.
type Controller struct {
	DB            *gorm.DB
	Classifier    Classifier
	Generator     Generator
	Gate          *safety.Gate
	Limiter       quota.Limiter
	Composer      prompt.Composer
	Conversations Conversations
	Analysis      AnalysisTrigger

	// RouterPrompt is the system prompt handed to the classifier service.
	RouterPrompt string

	// Tuning knobs; zero values fall back to package defaults.
	HistoryWindow int
	FactWindow    int
	FarewellDelay time.Duration
	Temperature   float64

	mu    sync.Mutex
	convs map[string]*convState
}

// convState is the per-conversation slice of controller state: the machine
// phase, the limit-reached flag, the current error, and the retry ledger.
type convState struct {
	state        State
	limitReached bool
	lastErr      *TurnError
	ledger       RetryLedger
}

// Snapshot is the externally visible pipeline state for one conversation.
type Snapshot struct {
	State        State      `json:"state"`
	LimitReached bool       `json:"limit_reached"`
	CanRetry     bool       `json:"can_retry"`
	ErrorKind    ErrorKind  `json:"error_kind,omitempty"`
	ErrorNotice  string     `json:"error_notice,omitempty"`
	Persistent   bool       `json:"error_persistent,omitempty"`
}

// Outcome labels how a turn resolved.
type Outcome string

const (
	// OutcomeReply is the happy path: a generated, sanitized reply was persisted.
	OutcomeReply Outcome = "reply"
	// OutcomeSafetyBlocked means the turn short-circuited to a fixed crisis
	// response (local gate or safety-risk classification).
	OutcomeSafetyBlocked Outcome = "safety_blocked"
	// OutcomeQuotaBlocked means the daily quota was exhausted before the turn;
	// nothing was persisted and nothing is retryable.
	OutcomeQuotaBlocked Outcome = "quota_blocked"
)

// SubmitInput is one user turn entering the pipeline.
type SubmitInput struct {
	UserID         string
	ConversationID string // empty: create the conversation lazily
	Text           string
	ImageRef       *string
}

// TurnResult reports the effects of a resolved turn.
type TurnResult struct {
	Outcome           Outcome
	ConversationID    string
	UserMessage       *domain.Message
	Reply             *domain.Message
	Classification    *prompt.Classification
	LimitReached      bool
	FarewellScheduled bool
}

// replyMetadata is the structured metadata persisted alongside a generated
// reply: the classification trace and any offered selectable options.
type replyMetadata struct {
	Category  string   `json:"category,omitempty"`
	Urgency   string   `json:"urgency,omitempty"`
	Reasoning string   `json:"reasoning,omitempty"`
	Trace     string   `json:"trace,omitempty"`
	Options   []string `json:"options,omitempty"`
}

// convKey buckets state per conversation. New conversations (empty id)
// bucket per user so two concurrent first sends by the same user are still
// serialized.
func convKey(userID, conversationID string) string {
	return userID + "|" + conversationID
}

// enter claims the conversation for one turn, creating its state bucket if
// needed and moving it from Idle into Routing. Re-entrant submits are
// rejected.
func (c *Controller) enter(userID, conversationID string) (*convState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.convs == nil {
		c.convs = make(map[string]*convState)
	}
	key := convKey(userID, conversationID)
	cs, ok := c.convs[key]
	if !ok {
		cs = &convState{state: StateIdle}
		c.convs[key] = cs
	}
	if cs.state != StateIdle {
		return nil, ErrBusy
	}
	cs.state = StateRouting
	return cs, nil
}

// lookup returns the existing state bucket or nil. Read paths never create
// entries; otherwise polling the state endpoint would grow the map.
func (c *Controller) lookup(userID, conversationID string) *convState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.convs[convKey(userID, conversationID)]
}

// settle returns the conversation to Idle at the end of a turn, then drops
// the bucket when nothing pins it.
func (c *Controller) settle(userID, conversationID string, cs *convState) {
	c.mu.Lock()
	cs.state = StateIdle
	c.mu.Unlock()
	c.evictIdle(userID, conversationID, cs)
}

// evictIdle drops the state bucket when it holds nothing worth keeping.
// Buckets with a turn in flight, a pending retry, an error notice, or the
// limit flag survive; everything else is reconstructible, so an idle
// conversation costs no memory.
func (c *Controller) evictIdle(userID, conversationID string, cs *convState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs.state != StateIdle || cs.limitReached || cs.lastErr != nil {
		return
	}
	if _, _, pending := cs.ledger.Peek(); pending {
		return
	}
	key := convKey(userID, conversationID)
	if c.convs[key] == cs {
		delete(c.convs, key)
	}
}

func (c *Controller) setState(cs *convState, s State) {
	c.mu.Lock()
	cs.state = s
	c.mu.Unlock()
}

// Snapshot returns the externally visible state for one conversation. A
// conversation without a bucket is simply idle.
func (c *Controller) Snapshot(userID, conversationID string) Snapshot {
	cs := c.lookup(userID, conversationID)
	if cs == nil {
		return Snapshot{State: StateIdle}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := Snapshot{State: cs.state, LimitReached: cs.limitReached}
	if cs.lastErr != nil {
		snap.ErrorKind = cs.lastErr.Kind
		snap.ErrorNotice = cs.lastErr.UserMessage()
		snap.Persistent = cs.lastErr.Persistent()
	}
	_, _, snap.CanRetry = cs.ledger.Peek()
	return snap
}

// Submit runs one full turn. Safety and quota blocks resolve as outcomes, not
// errors; mid-flight failures return a *TurnError after arming the retry
// ledger. A submit while the conversation already has a turn in flight
// returns ErrBusy.
func (c *Controller) Submit(ctx context.Context, in SubmitInput) (*TurnResult, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && in.ImageRef == nil {
		return nil, ErrEmptyTurn
	}

	tr := otel.Tracer("pipeline/Controller")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("user.id", in.UserID),
			attribute.String("conversation.id", in.ConversationID),
		),
	)
	defer span.End()

	cs, err := c.enter(in.UserID, in.ConversationID)
	if err != nil {
		return nil, err
	}
	defer c.settle(in.UserID, in.ConversationID, cs)

	profile, err := repo.GetProfile(ctx, c.DB, in.UserID)
	if err != nil {
		return nil, c.fail(cs, text, in.ImageRef, err)
	}

	// 1) Crisis screen: local, synchronous, wins before any network call.
	if dec := c.Gate.Check(text); dec.Blocked {
		span.SetAttributes(attribute.String("turn.outcome", string(OutcomeSafetyBlocked)))
		return c.resolveCrisis(ctx, cs, in, text, c.Gate.CrisisResponse(dec.Kind))
	}
	softSpiral := c.Gate.CheckSoftSpiral(text)

	// 2) Quota: local, synchronous. An exhausted quota discards the turn —
	// no model call, no persistence, no usage increment.
	day := repo.UsageDay(time.Now())
	count, err := repo.GetDailyUsage(ctx, c.DB, in.UserID, day)
	if err != nil {
		return nil, c.fail(cs, text, in.ImageRef, err)
	}
	qd := c.Limiter.Evaluate(count, profile.Tier)
	if !qd.Allowed {
		c.mu.Lock()
		cs.limitReached = true
		c.mu.Unlock()
		span.SetAttributes(attribute.String("turn.outcome", string(OutcomeQuotaBlocked)))
		return &TurnResult{
			Outcome:        OutcomeQuotaBlocked,
			ConversationID: in.ConversationID,
			LimitReached:   true,
		}, nil
	}

	// Accept the turn: ensure the conversation exists and persist the user
	// message, so an interrupt later never silently loses it.
	conv, created, err := c.Conversations.Ensure(ctx, in.UserID, in.ConversationID)
	if err != nil {
		return nil, c.fail(cs, text, in.ImageRef, err)
	}
	userMsg, err := repo.CreateMessage(c.DB.WithContext(ctx), conv.ID, repo.NewMessage{
		Role:     domain.RoleUser,
		Content:  text,
		ImageRef: in.ImageRef,
	})
	if err != nil {
		return nil, c.fail(cs, text, in.ImageRef, err)
	}
	if err := c.Conversations.MaybeAutoTitle(ctx, in.UserID, conv.ID, text); err != nil {
		log.Debug().Err(err).Str("conversation_id", conv.ID).Msg("auto-title skipped")
	}

	// 3) Routing: classify the turn.
	cls, err := c.Classifier.Classify(ctx, text, c.RouterPrompt)
	if err != nil {
		return nil, c.fail(cs, text, in.ImageRef, err)
	}
	span.SetAttributes(attribute.String("turn.category", cls.Category))

	if cls.Category == prompt.CategorySafetyRisk {
		// The classifier caught what the local gate did not. Regardless of
		// subtype the fixed self-harm response is used, generation is
		// skipped, and usage is not incremented.
		res, err := c.persistReply(ctx, cs, conv.ID, in, text, repo.NewMessage{
			Role:    domain.RoleCompanion,
			Content: c.Gate.CrisisResponse(safety.KindSelfHarm),
			Kind:    domain.KindCrisis,
		})
		if err != nil {
			return nil, err
		}
		res.Outcome = OutcomeSafetyBlocked
		res.UserMessage = userMsg
		res.Classification = &cls
		return res, nil
	}

	// Compose the generation prompt. Stored behavioral patterns are prompt
	// input sourced from prior model output; composition sanitizes each one.
	patterns, err := repo.ListBehaviorPatterns(ctx, c.DB, in.UserID, 5)
	if err != nil {
		log.Warn().Err(err).Str("user_id", in.UserID).Msg("behavior patterns unavailable")
		patterns = nil
	}
	composed := c.Composer.Compose(
		prompt.Profile{
			DisplayName:          profile.DisplayName,
			ArchetypeLabel:       profile.ArchetypeLabel,
			ArchetypeBlend:       profile.ArchetypeBlend,
			ArchetypeDescription: profile.ArchetypeDescription,
		},
		cls,
		prompt.Overrides{SoftSpiral: softSpiral, Patterns: patterns},
	)

	// 4) Generating.
	c.setState(cs, StateGenerating)

	histWindow := c.HistoryWindow
	if histWindow <= 0 {
		histWindow = defaultHistoryWindow
	}
	history, err := repo.ListRecentMessages(ctx, c.DB, conv.ID, histWindow)
	if err != nil {
		return nil, c.fail(cs, text, in.ImageRef, err)
	}

	factWindow := c.FactWindow
	if factWindow <= 0 {
		factWindow = defaultFactWindow
	}
	allFacts, err := repo.ListActiveFacts(ctx, c.DB, in.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", in.UserID).Msg("facts unavailable")
		allFacts = nil
	}
	facts := recall.RankFacts(text, allFacts, factWindow)

	state, err := repo.GetUserState(ctx, c.DB, in.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", in.UserID).Msg("user state unavailable")
		state = &domain.UserState{UserID: in.UserID}
	}

	// A queued insight surfaces at most once, on the first turn of a new
	// conversation. Popped insights are never reinserted.
	insight := ""
	if created {
		if insight, err = repo.PopInsight(ctx, c.DB, in.UserID); err != nil {
			log.Warn().Err(err).Str("user_id", in.UserID).Msg("insight pop failed")
			insight = ""
		}
	}

	temp := c.Temperature
	if temp <= 0 {
		temp = defaultTemperature
	}
	gen, err := c.Generator.Generate(ctx, GenerationRequest{
		History:     history,
		Prompt:      composed,
		Facts:       facts,
		Summary:     state.Summary,
		Insight:     insight,
		Temperature: temp,
	})
	if err != nil {
		return nil, c.fail(cs, text, in.ImageRef, err)
	}

	// The turn reached generation successfully: this is the one place the
	// daily counter moves.
	if _, err := repo.IncrementDailyUsage(ctx, c.DB, in.UserID, day); err != nil {
		log.Error().Err(err).Str("user_id", in.UserID).Msg("usage increment failed")
	}

	meta, _ := json.Marshal(replyMetadata{
		Category:  cls.Category,
		Urgency:   cls.Urgency,
		Reasoning: cls.Reasoning,
		Trace:     clipRunes(gen.ReasoningTrace, traceMaxRunes),
		Options:   gen.Options,
	})
	res, err := c.persistReply(ctx, cs, conv.ID, in, text, repo.NewMessage{
		Role:     domain.RoleCompanion,
		Content:  SanitizeResponse(gen.VisibleText),
		Kind:     domain.KindText,
		Metadata: datatypes.JSON(meta),
	})
	if err != nil {
		return nil, err
	}
	res.Outcome = OutcomeReply
	res.UserMessage = userMsg
	res.Classification = &cls

	// The counter persists immediately on increment so a suspension mid-turn
	// cannot lose a pending analysis trigger.
	turns, err := repo.IncrementTurnCounter(ctx, c.DB, in.UserID)
	if err != nil {
		log.Error().Err(err).Str("user_id", in.UserID).Msg("turn counter increment failed")
	} else if c.Analysis != nil {
		c.Analysis.MaybeRun(in.UserID, conv.ID, turns)
	}

	if qd.LastFreeTurn {
		c.mu.Lock()
		cs.limitReached = true
		c.mu.Unlock()
		res.LimitReached = true
		res.FarewellScheduled = true
		go c.appendFarewellLater(conv.ID)
	}

	span.SetAttributes(attribute.String("turn.outcome", string(res.Outcome)))
	return res, nil
}

// resolveCrisis persists the user turn and the fixed crisis response for a
// locally blocked turn. Usage is untouched and the model is never called.
func (c *Controller) resolveCrisis(ctx context.Context, cs *convState, in SubmitInput, text, response string) (*TurnResult, error) {
	conv, _, err := c.Conversations.Ensure(ctx, in.UserID, in.ConversationID)
	if err != nil {
		return nil, c.fail(cs, text, in.ImageRef, err)
	}

	var userMsg, crisisMsg *domain.Message
	err = c.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if userMsg, err = repo.CreateMessage(tx, conv.ID, repo.NewMessage{
			Role:     domain.RoleUser,
			Content:  text,
			ImageRef: in.ImageRef,
		}); err != nil {
			return err
		}
		crisisMsg, err = repo.CreateMessage(tx, conv.ID, repo.NewMessage{
			Role:    domain.RoleCompanion,
			Content: response,
			Kind:    domain.KindCrisis,
		})
		return err
	})
	if err != nil {
		return nil, c.fail(cs, text, in.ImageRef, err)
	}
	if err := c.Conversations.MaybeAutoTitle(ctx, in.UserID, conv.ID, text); err != nil {
		log.Debug().Err(err).Str("conversation_id", conv.ID).Msg("auto-title skipped")
	}
	if err := repo.TouchConversation(ctx, c.DB, conv.ID); err != nil {
		log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("conversation touch failed")
	}

	c.clearFailure(cs)
	return &TurnResult{
		Outcome:        OutcomeSafetyBlocked,
		ConversationID: conv.ID,
		UserMessage:    userMsg,
		Reply:          crisisMsg,
	}, nil
}

// persistReply appends the companion message, bumps conversation recency, and
// clears any pending failure state.
func (c *Controller) persistReply(ctx context.Context, cs *convState, conversationID string, in SubmitInput, text string, nm repo.NewMessage) (*TurnResult, error) {
	reply, err := repo.CreateMessage(c.DB.WithContext(ctx), conversationID, nm)
	if err != nil {
		return nil, c.fail(cs, text, in.ImageRef, err)
	}
	if err := repo.TouchConversation(ctx, c.DB, conversationID); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("conversation touch failed")
	}
	c.clearFailure(cs)
	return &TurnResult{
		ConversationID: conversationID,
		Reply:          reply,
	}, nil
}

// fail maps a mid-flight error onto the taxonomy, arms the retry ledger with
// the original turn, and records the current error for snapshots.
func (c *Controller) fail(cs *convState, text string, imageRef *string, err error) *TurnError {
	te := classifyErr(err)
	cs.ledger.Set(text, imageRef)
	c.mu.Lock()
	cs.lastErr = te
	c.mu.Unlock()
	log.Warn().Err(err).Str("kind", string(te.Kind)).Msg("turn failed")
	return te
}

func (c *Controller) clearFailure(cs *convState) {
	cs.ledger.Clear()
	c.mu.Lock()
	cs.lastErr = nil
	c.mu.Unlock()
}

// Retry resubmits the last failed turn. It removes the most recent unanswered
// user message (when present) so the resubmitted turn does not duplicate it,
// then runs the identical original text through Submit.
func (c *Controller) Retry(ctx context.Context, userID, conversationID string) (*TurnResult, error) {
	cs := c.lookup(userID, conversationID)
	if cs == nil {
		return nil, ErrNothingToRetry
	}
	text, imageRef, ok := cs.ledger.Peek()
	if !ok {
		return nil, ErrNothingToRetry
	}
	if conversationID != "" {
		if _, err := repo.DeleteLastUserMessage(ctx, c.DB, conversationID); err != nil {
			return nil, c.fail(cs, text, imageRef, err)
		}
	}
	return c.Submit(ctx, SubmitInput{
		UserID:         userID,
		ConversationID: conversationID,
		Text:           text,
		ImageRef:       imageRef,
	})
}

// DismissRetry clears the retry ledger and the current error without
// resubmitting, releasing the state bucket when nothing else pins it.
func (c *Controller) DismissRetry(userID, conversationID string) {
	cs := c.lookup(userID, conversationID)
	if cs == nil {
		return
	}
	c.clearFailure(cs)
	c.evictIdle(userID, conversationID, cs)
}

// appendFarewellLater appends the scripted farewell a beat after the real
// reply, so it reads as a separate message. Detached from the turn.
func (c *Controller) appendFarewellLater(conversationID string) {
	delay := c.FarewellDelay
	if delay <= 0 {
		delay = defaultFarewellDelay
	}
	time.Sleep(delay)
	if _, err := repo.CreateMessage(c.DB, conversationID, repo.NewMessage{
		Role:    domain.RoleCompanion,
		Content: FarewellText,
		Kind:    domain.KindFarewell,
	}); err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("farewell append failed")
	}
}

// clipRunes truncates s to at most n runes.
func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
