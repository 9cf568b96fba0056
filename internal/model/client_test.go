package model

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/emberlabs/go-companion-backend/internal/domain"
	"github.com/emberlabs/go-companion-backend/internal/pipeline"
	"github.com/emberlabs/go-companion-backend/internal/prompt"
)

// ---------- pure helpers ----------

func Test_stripJSON(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  ```json\n{\"a\":1}\n```  ", `{"a":1}`},
		{"```json\n{\"a\":1,\n\"b\":2}\n```", "{\"a\":1,\n\"b\":2}"},
	}
	for _, tc := range cases {
		if got := stripJSON(tc.in); got != tc.want {
			t.Errorf("stripJSON(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}

func Test_between_and_removeSection(t *testing.T) {
	s := "<reasoning>think</reasoning><reply>hello</reply>"

	if got := between(s, prompt.MarkerReasoningOpen, prompt.MarkerReasoningClose); got != "think" {
		t.Fatalf("between reasoning = %q", got)
	}
	if got := between(s, prompt.MarkerReplyOpen, prompt.MarkerReplyClose); got != "hello" {
		t.Fatalf("between reply = %q", got)
	}
	if got := between(s, prompt.MarkerOptionsOpen, prompt.MarkerOptionsClose); got != "" {
		t.Fatalf("between absent markers = %q", got)
	}

	if got := removeSection(s, prompt.MarkerReasoningOpen, prompt.MarkerReasoningClose); got != "<reply>hello</reply>" {
		t.Fatalf("removeSection = %q", got)
	}
	if got := removeSection("plain text", prompt.MarkerReasoningOpen, prompt.MarkerReasoningClose); got != "plain text" {
		t.Fatalf("removeSection untouched = %q", got)
	}
	// Unterminated section: keep only what precedes the open marker.
	if got := removeSection("before <reasoning>dangling", prompt.MarkerReasoningOpen, prompt.MarkerReasoningClose); got != "before" {
		t.Fatalf("removeSection unterminated = %q", got)
	}
}

func Test_splitGeneration(t *testing.T) {
	raw := "<reasoning>user sounds tired</reasoning>\n" +
		"<reply>Long week, huh?</reply>\n" +
		"<options>\n- Tell me more\n* Change topic\n\n</options>"
	res := splitGeneration(raw)
	if res.ReasoningTrace != "user sounds tired" {
		t.Fatalf("reasoning = %q", res.ReasoningTrace)
	}
	if res.VisibleText != "Long week, huh?" {
		t.Fatalf("visible = %q", res.VisibleText)
	}
	if len(res.Options) != 2 || res.Options[0] != "Tell me more" || res.Options[1] != "Change topic" {
		t.Fatalf("options = %v", res.Options)
	}

	// Untagged output is the reply wholesale.
	res = splitGeneration("just a plain answer")
	if res.VisibleText != "just a plain answer" || res.ReasoningTrace != "" || res.Options != nil {
		t.Fatalf("untagged result: %+v", res)
	}

	// Reasoning without reply tags: the trace never leaks into the reply.
	res = splitGeneration("<reasoning>hidden</reasoning>visible part")
	if res.VisibleText != "visible part" || res.ReasoningTrace != "hidden" {
		t.Fatalf("mixed result: %+v", res)
	}
}

type fakeNetErr struct{ timeout bool }

func (e fakeNetErr) Error() string   { return "fake net error" }
func (e fakeNetErr) Timeout() bool   { return e.timeout }
func (e fakeNetErr) Temporary() bool { return false }

func Test_classifyTransportErr(t *testing.T) {
	if err := classifyTransportErr(context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation remapped: %v", err)
	}
	if err := classifyTransportErr(context.DeadlineExceeded); !errors.Is(err, pipeline.ErrTimedOut) {
		t.Fatalf("deadline not a timeout: %v", err)
	}
	if err := classifyTransportErr(fakeNetErr{timeout: true}); !errors.Is(err, pipeline.ErrTimedOut) {
		t.Fatalf("net timeout not a timeout: %v", err)
	}
	if err := classifyTransportErr(fakeNetErr{}); !errors.Is(err, pipeline.ErrOffline) {
		t.Fatalf("generic transport error not offline: %v", err)
	}
}

func Test_buildSystemContent(t *testing.T) {
	req := pipeline.GenerationRequest{
		Prompt:  "You are a friend.",
		Summary: "They started a new job.",
		Insight: "They mentioned missing their sister.",
		Facts: []domain.UserFact{
			{Category: domain.FactLifeEvent, Content: "moved to Lisbon"},
		},
	}
	got := buildSystemContent(req)
	for _, want := range []string{
		"You are a friend.",
		"moved to Lisbon",
		"They started a new job.",
		"They mentioned missing their sister.",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("system content missing %q:\n%s", want, got)
		}
	}

	// No memory sections when there is nothing to remember.
	bare := buildSystemContent(pipeline.GenerationRequest{Prompt: "You are a friend."})
	if bare != "You are a friend." {
		t.Fatalf("bare system content = %q", bare)
	}
}

// ---------- HTTP behavior ----------

func newStubEndpoint(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func completionBody(content string) string {
	quoted, _ := json.Marshal(content)
	return `{"choices":[{"message":{"role":"assistant","content":` + string(quoted) + `}}]}`
}

func TestClassify_ParsesRouterJSON(t *testing.T) {
	srv := newStubEndpoint(t, http.StatusOK,
		completionBody("```json\n{\"category\":\"casual\",\"urgency\":\"low\",\"reasoning\":\"greeting\"}\n```"))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key", "main-model")
	cls, err := c.Classify(context.Background(), "hey", "route this")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Category != prompt.CategoryCasual || cls.Urgency != "low" {
		t.Fatalf("classification: %+v", cls)
	}
}

func TestClassify_MalformedOutputDefaultsCategory(t *testing.T) {
	srv := newStubEndpoint(t, http.StatusOK, completionBody("not json at all"))
	defer srv.Close()

	c := NewClient(srv.URL, "", "main-model")
	cls, err := c.Classify(context.Background(), "hey", "route this")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Category != prompt.CategoryOther {
		t.Fatalf("fallback category = %q", cls.Category)
	}
}

func TestGenerate_SplitsTaggedOutput(t *testing.T) {
	srv := newStubEndpoint(t, http.StatusOK,
		completionBody("<reasoning>tired</reasoning><reply>Long week, huh?</reply>"))
	defer srv.Close()

	c := NewClient(srv.URL, "", "main-model")
	res, err := c.Generate(context.Background(), pipeline.GenerationRequest{
		Prompt: "You are a friend.",
		History: []domain.Message{
			{Role: domain.RoleUser, Content: "ugh"},
			{Role: domain.RoleCompanion, Content: "what happened?"},
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.VisibleText != "Long week, huh?" || res.ReasoningTrace != "tired" {
		t.Fatalf("generation result: %+v", res)
	}
}

func TestComplete_RateLimitedMapsToSentinel(t *testing.T) {
	srv := newStubEndpoint(t, http.StatusTooManyRequests, `{"error":"slow down"}`)
	defer srv.Close()

	c := NewClient(srv.URL, "", "main-model")
	_, err := c.Generate(context.Background(), pipeline.GenerationRequest{Prompt: "p"})
	if !errors.Is(err, pipeline.ErrRateLimited) {
		t.Fatalf("429 err = %v, want ErrRateLimited", err)
	}
}

func TestComplete_UnreachableEndpointIsOffline(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "", "main-model")
	_, err := c.Generate(context.Background(), pipeline.GenerationRequest{Prompt: "p"})
	if !errors.Is(err, pipeline.ErrOffline) {
		t.Fatalf("unreachable err = %v, want ErrOffline", err)
	}
}

func TestAnalyze_ParsesPayload(t *testing.T) {
	srv := newStubEndpoint(t, http.StatusOK, completionBody(`{
		"vibe_score": 7,
		"vibe_reason": "animated",
		"summary": "settling into the new city",
		"facts": [{"content":"moved to Lisbon","category":"life_event"}],
		"engagement_hook": "Ask how the apartment hunt went.",
		"loops": [{"insight":"work stress keeps resurfacing","pattern":"deflects with humor"}]
	}`))
	defer srv.Close()

	c := NewClient(srv.URL, "", "main-model")
	res, err := c.Analyze(context.Background(), []domain.Message{{Role: domain.RoleUser, Content: "hi"}}, nil, "")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.VibeScore != 7 || res.Summary != "settling into the new city" {
		t.Fatalf("result: %+v", res)
	}
	if len(res.Facts) != 1 || res.Facts[0].Category != domain.FactLifeEvent || !res.Facts[0].Active {
		t.Fatalf("facts: %+v", res.Facts)
	}
	if len(res.Loops) != 1 || res.Loops[0].Pattern != "deflects with humor" {
		t.Fatalf("loops: %+v", res.Loops)
	}
}

func TestClassifyArchetype_ParsesPayload(t *testing.T) {
	srv := newStubEndpoint(t, http.StatusOK,
		completionBody(`{"label":"The Anchor","blend":"anchor with a dreamer streak","description":"Steady and warm."}`))
	defer srv.Close()

	c := NewClient(srv.URL, "", "main-model")
	arch, err := c.ClassifyArchetype(context.Background(), []string{"a1", "a2"})
	if err != nil {
		t.Fatalf("ClassifyArchetype: %v", err)
	}
	if arch.Label != "The Anchor" || arch.Description != "Steady and warm." {
		t.Fatalf("archetype: %+v", arch)
	}
}
