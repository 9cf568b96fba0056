// Package analysis implements the detached background analysis pass: every
// few turns the recent conversation window is handed to a second model call
// that refreshes the user's long-term memory state (vibe, rolling summary,
// merged fact set, queued insights, behavioral patterns) and may schedule a
// re-engagement notification.
//
// The pass is strictly best effort. It runs single-flight per process — a
// trigger arriving while a pass is in flight is dropped, not queued, because
// the next threshold crossing covers the same recent window. Failures are
// logged and swallowed; the foreground reply pipeline never observes them.
package analysis

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/emberlabs/go-companion-backend/internal/domain"
	"github.com/emberlabs/go-companion-backend/internal/repo"
)

// Defaults applied when the corresponding Runner field is zero.
const (
	DefaultThreshold = 3
	defaultTimeout   = 60 * time.Second
	defaultWindow    = 12
)

// Output caps applied to analyst results before persistence.
const (
	SummaryMaxRunes      = 500
	NotificationMaxRunes = 200
	MaxPatterns          = 5
	PatternMaxRunes      = 200
)

// Vibe score boundaries. The analyst reports engagement as a 0–10 score;
// persistence maps it onto the three-level vibe.
const (
	vibeLowMax    = 3 // 0..3 → low
	vibeMediumMax = 6 // 4..6 → medium, 7..10 → high
)

// Loop is one detected behavioral loop: a user-facing insight to queue and a
// prompt-facing pattern to persist.
type Loop struct {
	Insight string `json:"insight"`
	Pattern string `json:"pattern"`
}

// Result is the full analyst output for one pass.
type Result struct {
	VibeScore      int               `json:"vibe_score"`
	VibeReason     string            `json:"vibe_reason"`
	Summary        string            `json:"summary"`
	Facts          []domain.UserFact `json:"facts"`
	EngagementHook string            `json:"engagement_hook"`
	Loops          []Loop            `json:"loops"`
}

// Analyst performs the second-model analysis call over the recent window.
// The facts it returns are the merged set (existing facts revised against the
// window), replacing the stored set wholesale.
type Analyst interface {
	Analyze(ctx context.Context, history []domain.Message, existingFacts []domain.UserFact, priorSummary string) (Result, error)
}

// Notifier schedules a local re-engagement notification. Best effort.
type Notifier interface {
	Schedule(userID, text string)
}

// Runner owns the analysis lifecycle: threshold check, single-flight
// dispatch, result persistence, counter reset.
type Runner struct {
	DB       *gorm.DB
	Analyst  Analyst
	Notifier Notifier

	// Threshold is the turn count that triggers a pass; zero means DefaultThreshold.
	Threshold int
	// Window is how many recent messages feed the analyst; zero means a default.
	Window int
	// Timeout bounds one pass; zero means a default.
	Timeout time.Duration

	running atomic.Bool
}

// MaybeRun dispatches a detached analysis pass when the persisted turn
// counter has reached the threshold. It never blocks the caller. A pass
// already in flight causes the trigger to be dropped.
func (r *Runner) MaybeRun(userID, conversationID string, turnsSinceAnalysis int) {
	threshold := r.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if turnsSinceAnalysis < threshold {
		return
	}
	if !r.running.CompareAndSwap(false, true) {
		log.Debug().Str("user_id", userID).Msg("analysis already in flight, trigger dropped")
		return
	}
	go func() {
		defer r.running.Store(false)
		r.run(userID, conversationID)
	}()
}

// RunIfPending runs a pass synchronously whenever any turns have accumulated
// since the last analysis, regardless of the threshold. Intended for the
// host-suspend hook, where the process may not survive long enough for the
// next threshold-gated pass and unanalyzed turns would be lost.
func (r *Runner) RunIfPending(ctx context.Context, userID, conversationID string) {
	st, err := repo.GetUserState(ctx, r.DB, userID)
	if err != nil || st.TurnsSinceAnalysis == 0 {
		return
	}
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	defer r.running.Store(false)
	r.run(userID, conversationID)
}

// run executes one pass end to end. Detached from any request context: a
// cancelled foreground turn must not abort memory maintenance already under
// way.
func (r *Runner) run(userID, conversationID string) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tr := otel.Tracer("analysis/Runner")
	ctx, span := tr.Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("conversation.id", conversationID),
		),
	)
	defer span.End()

	window := r.Window
	if window <= 0 {
		window = defaultWindow
	}
	history, err := repo.ListRecentMessages(ctx, r.DB, conversationID, window)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("analysis aborted: history load failed")
		return
	}
	if len(history) == 0 {
		return
	}
	existing, err := repo.ListActiveFacts(ctx, r.DB, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("analysis aborted: facts load failed")
		return
	}
	st, err := repo.GetUserState(ctx, r.DB, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("analysis aborted: state load failed")
		return
	}

	res, err := r.Analyst.Analyze(ctx, history, existing, st.Summary)
	if err != nil {
		// Best effort: the counter is left untouched so the next turn retriggers.
		log.Warn().Err(err).Str("user_id", userID).Msg("analysis call failed")
		return
	}

	r.persist(ctx, userID, res)

	if err := repo.ResetTurnCounter(ctx, r.DB, userID); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("turn counter reset failed")
	}
	span.SetAttributes(attribute.Int("analysis.facts", len(res.Facts)), attribute.Int("analysis.loops", len(res.Loops)))
}

// persist applies the pass output to long-term memory. Each write is
// independent; one failing does not stop the others.
func (r *Runner) persist(ctx context.Context, userID string, res Result) {
	if err := repo.SaveAnalysisOutcome(ctx, r.DB, userID,
		vibeFromScore(res.VibeScore), res.VibeReason, clipRunes(res.Summary, SummaryMaxRunes)); err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("analysis outcome write failed")
	}

	if len(res.Facts) > 0 {
		if err := repo.ReplaceFacts(ctx, r.DB, userID, res.Facts); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("fact replacement failed")
		}
	}

	if hook := strings.TrimSpace(res.EngagementHook); hook != "" && r.Notifier != nil {
		r.Notifier.Schedule(userID, clipRunes(hook, NotificationMaxRunes))
	}

	patterns := make([]string, 0, MaxPatterns)
	for _, loop := range res.Loops {
		if in := strings.TrimSpace(loop.Insight); in != "" {
			if err := repo.PushInsight(ctx, r.DB, userID, in); err != nil {
				log.Warn().Err(err).Str("user_id", userID).Msg("insight push failed")
			}
		}
		if p := strings.TrimSpace(loop.Pattern); p != "" && len(patterns) < MaxPatterns {
			patterns = append(patterns, clipRunes(p, PatternMaxRunes))
		}
	}
	if len(patterns) > 0 {
		if err := repo.AppendBehaviorPatterns(ctx, r.DB, userID, patterns); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("pattern append failed")
		}
	}
}

// vibeFromScore maps the analyst's 0–10 engagement score onto the stored
// three-level vibe. Out-of-range scores clamp.
func vibeFromScore(score int) string {
	switch {
	case score <= vibeLowMax:
		return domain.VibeLow
	case score <= vibeMediumMax:
		return domain.VibeMedium
	default:
		return domain.VibeHigh
	}
}

func clipRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimSpace(string(r[:n]))
}
