// Package model implements the model-facing contracts of the application —
// turn classification, reply generation, background analysis, and archetype
// intake — against any OpenAI-compatible chat-completions endpoint.
//
// Error classification is part of the contract: transport failures are mapped
// onto the pipeline's sentinel causes (offline, timeout, rate-limited) so the
// controller can present category-specific retry affordances without knowing
// anything about HTTP.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/emberlabs/go-companion-backend/internal/analysis"
	"github.com/emberlabs/go-companion-backend/internal/domain"
	"github.com/emberlabs/go-companion-backend/internal/pipeline"
	"github.com/emberlabs/go-companion-backend/internal/prompt"
	"github.com/emberlabs/go-companion-backend/internal/services"
)

// Defaults applied when the corresponding Client field is zero.
const (
	defaultTimeout     = 45 * time.Second
	defaultMaxTokens   = 1024
	routerMaxTokens    = 256
	archetypeMaxTokens = 512
)

// Client talks to an OpenAI-compatible /v1/chat/completions endpoint. It
// implements pipeline.Classifier, pipeline.Generator, analysis.Analyst, and
// services.ArchetypeClassifier.
type Client struct {
	BaseURL string
	APIKey  string
	// Model used for generation; RouterModel (cheaper/faster) for
	// classification and analysis when set.
	Model       string
	RouterModel string

	HTTPClient *http.Client
}

// NewClient constructs a Client with a default HTTP timeout.
func NewClient(baseURL, apiKey, model string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// complete runs one chat-completions call and returns the first choice text.
func (c *Client) complete(ctx context.Context, model string, msgs []chatMessage, temperature float64, maxTokens int) (string, error) {
	if model == "" {
		model = c.Model
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", classifyTransportErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: status 429", pipeline.ErrRateLimited)
	case resp.StatusCode >= 500:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("model endpoint returned %d: %s", resp.StatusCode, string(b))
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("model endpoint rejected request (%d): %s", resp.StatusCode, string(b))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("completion contained no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// classifyTransportErr maps a transport failure onto the pipeline sentinels.
func classifyTransportErr(err error) error {
	var nerr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", pipeline.ErrTimedOut, err)
	case errors.As(err, &nerr) && nerr.Timeout():
		return fmt.Errorf("%w: %v", pipeline.ErrTimedOut, err)
	default:
		return fmt.Errorf("%w: %v", pipeline.ErrOffline, err)
	}
}

// stripJSON removes markdown code fences around a JSON payload. Models
// routinely wrap structured output in ```json blocks.
func stripJSON(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	end := len(lines) - 1
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == "```" {
			end = i
			break
		}
	}
	return strings.TrimSpace(strings.Join(lines[1:end], "\n"))
}

//
// pipeline.Classifier
//

// Classify routes one turn into a category using the router model.
func (c *Client) Classify(ctx context.Context, text, systemPrompt string) (prompt.Classification, error) {
	raw, err := c.complete(ctx, c.RouterModel, []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: text},
	}, 0, routerMaxTokens)
	if err != nil {
		return prompt.Classification{}, err
	}

	var cls prompt.Classification
	if err := json.Unmarshal([]byte(stripJSON(raw)), &cls); err != nil {
		// A malformed router response falls back to the default category
		// rather than failing the turn.
		log.Warn().Err(err).Msg("router output not parseable, defaulting category")
		return prompt.Classification{Category: prompt.CategoryOther}, nil
	}
	if cls.Category == "" {
		cls.Category = prompt.CategoryOther
	}
	return cls, nil
}

//
// pipeline.Generator
//

// Generate produces the companion reply from the composed prompt, history
// window, ranked facts, rolling summary, and optional queued insight.
func (c *Client) Generate(ctx context.Context, req pipeline.GenerationRequest) (pipeline.GenerationResult, error) {
	msgs := make([]chatMessage, 0, len(req.History)+2)
	msgs = append(msgs, chatMessage{Role: "system", Content: buildSystemContent(req)})
	for _, m := range req.History {
		role := "user"
		if m.Role == domain.RoleCompanion {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: m.Content})
	}

	raw, err := c.complete(ctx, c.Model, msgs, req.Temperature, defaultMaxTokens)
	if err != nil {
		return pipeline.GenerationResult{}, err
	}
	return splitGeneration(raw), nil
}

// buildSystemContent appends long-term memory sections to the composed prompt.
func buildSystemContent(req pipeline.GenerationRequest) string {
	var b strings.Builder
	b.WriteString(req.Prompt)
	if len(req.Facts) > 0 {
		b.WriteString("\n\nWhat you remember about this user:\n")
		for _, f := range req.Facts {
			fmt.Fprintf(&b, "- (%s) %s\n", f.Category, f.Content)
		}
	}
	if req.Summary != "" {
		b.WriteString("\nWhere things stand:\n")
		b.WriteString(req.Summary)
		b.WriteString("\n")
	}
	if req.Insight != "" {
		b.WriteString("\nIf it fits naturally, gently bring up:\n")
		b.WriteString(req.Insight)
		b.WriteString("\n")
	}
	return b.String()
}

// splitGeneration separates the reasoning trace, visible reply, and offered
// options from the tagged model output. Untagged output is treated wholesale
// as the visible reply.
func splitGeneration(raw string) pipeline.GenerationResult {
	res := pipeline.GenerationResult{}
	res.ReasoningTrace = between(raw, prompt.MarkerReasoningOpen, prompt.MarkerReasoningClose)
	res.VisibleText = between(raw, prompt.MarkerReplyOpen, prompt.MarkerReplyClose)
	if res.VisibleText == "" {
		// No reply tags: treat everything outside the reasoning block as
		// visible.
		res.VisibleText = removeSection(raw, prompt.MarkerReasoningOpen, prompt.MarkerReasoningClose)
	}
	if block := between(raw, prompt.MarkerOptionsOpen, prompt.MarkerOptionsClose); block != "" {
		for _, line := range strings.Split(block, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*• "))
			if line != "" {
				res.Options = append(res.Options, line)
			}
		}
	}
	return res
}

// between returns the trimmed text between the first open/close marker pair,
// or "" when either marker is absent.
func between(s, open, end string) string {
	i := strings.Index(s, open)
	if i < 0 {
		return ""
	}
	rest := s[i+len(open):]
	j := strings.Index(rest, end)
	if j < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:j])
}

// removeSection drops the first open..close section from s, markers included.
func removeSection(s, open, end string) string {
	i := strings.Index(s, open)
	if i < 0 {
		return strings.TrimSpace(s)
	}
	rest := s[i+len(open):]
	j := strings.Index(rest, end)
	if j < 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s[:i] + rest[j+len(end):])
}

//
// analysis.Analyst
//

// analystSystemPrompt instructs the analysis pass to return structured JSON.
const analystSystemPrompt = `You analyze a recent conversation between a user and their companion.
Return strict JSON with keys:
  vibe_score (0-10 integer for user engagement),
  vibe_reason (short string),
  summary (rolling summary of where things stand, under 500 characters),
  facts (full revised fact list: [{"content":"...","category":"relationship|preference|life_event|personality|goal"}]),
  engagement_hook (short notification text referencing something concrete, under 200 characters, or ""),
  loops (detected behavioral loops: [{"insight":"user-facing observation","pattern":"short pattern statement"}]).
Revise the existing facts against the new window: update, merge, or drop stale ones. Return JSON only.`

// analystPayload mirrors analysis.Result but with repo-free fact rows.
type analystPayload struct {
	VibeScore      int    `json:"vibe_score"`
	VibeReason     string `json:"vibe_reason"`
	Summary        string `json:"summary"`
	EngagementHook string `json:"engagement_hook"`
	Facts          []struct {
		Content  string `json:"content"`
		Category string `json:"category"`
	} `json:"facts"`
	Loops []analysis.Loop `json:"loops"`
}

// Analyze runs the background analysis call over the recent window.
func (c *Client) Analyze(ctx context.Context, history []domain.Message, existingFacts []domain.UserFact, priorSummary string) (analysis.Result, error) {
	var b strings.Builder
	if len(existingFacts) > 0 {
		b.WriteString("Existing facts:\n")
		for _, f := range existingFacts {
			fmt.Fprintf(&b, "- (%s) %s\n", f.Category, f.Content)
		}
	}
	if priorSummary != "" {
		b.WriteString("\nPrior summary:\n")
		b.WriteString(priorSummary)
		b.WriteString("\n")
	}
	b.WriteString("\nRecent conversation:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	raw, err := c.complete(ctx, c.RouterModel, []chatMessage{
		{Role: "system", Content: analystSystemPrompt},
		{Role: "user", Content: b.String()},
	}, 0, defaultMaxTokens)
	if err != nil {
		return analysis.Result{}, err
	}

	var p analystPayload
	if err := json.Unmarshal([]byte(stripJSON(raw)), &p); err != nil {
		return analysis.Result{}, fmt.Errorf("analyst output not parseable: %w", err)
	}
	res := analysis.Result{
		VibeScore:      p.VibeScore,
		VibeReason:     p.VibeReason,
		Summary:        p.Summary,
		EngagementHook: p.EngagementHook,
		Loops:          p.Loops,
	}
	for _, f := range p.Facts {
		res.Facts = append(res.Facts, domain.UserFact{
			Content:  f.Content,
			Category: f.Category,
			Active:   true,
		})
	}
	return res, nil
}

//
// services.ArchetypeClassifier
//

const archetypeSystemPrompt = `You classify a user's personality archetype from questionnaire answers.
Return strict JSON: {"label":"...","blend":"...","description":"..."}.
The label is a short archetype name, the blend names the secondary influences, and the description is 1-2 warm sentences. Return JSON only.`

// ClassifyArchetype derives a personality archetype from intake answers.
func (c *Client) ClassifyArchetype(ctx context.Context, answers []string) (services.Archetype, error) {
	var b strings.Builder
	for i, a := range answers {
		fmt.Fprintf(&b, "%d. %s\n", i+1, a)
	}
	raw, err := c.complete(ctx, c.RouterModel, []chatMessage{
		{Role: "system", Content: archetypeSystemPrompt},
		{Role: "user", Content: b.String()},
	}, 0, archetypeMaxTokens)
	if err != nil {
		return services.Archetype{}, err
	}
	var arch services.Archetype
	if err := json.Unmarshal([]byte(stripJSON(raw)), &arch); err != nil {
		return services.Archetype{}, fmt.Errorf("archetype output not parseable: %w", err)
	}
	return arch, nil
}
