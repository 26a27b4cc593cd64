package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type scriptedReply struct {
	text string
	err  error
}

type fakeChat struct {
	mu      sync.Mutex
	replies []scriptedReply
	calls   []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.replies) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("no scripted reply")
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	if r.err != nil {
		return openai.ChatCompletionResponse{}, r.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: r.text}}},
	}, nil
}

func (f *fakeChat) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestClient(replies ...scriptedReply) (*Client, *fakeChat, *[]time.Duration) {
	fake := &fakeChat{replies: replies}
	c := newClient(fake, Config{Model: "test-model"}, zerolog.Nop())
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, fake, &slept
}

// ---------------------------------------------------------------------------
// Call
// ---------------------------------------------------------------------------

func TestCall_RetriesWithBackoff(t *testing.T) {
	c, fake, slept := newTestClient(
		scriptedReply{err: errors.New("503")},
		scriptedReply{err: errors.New("503")},
		scriptedReply{text: "ok"},
	)

	got, err := c.Call(context.Background(), "sys", "user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("expected ok, got %q", got)
	}
	if fake.callCount() != 3 {
		t.Errorf("expected 3 calls, got %d", fake.callCount())
	}
	want := []time.Duration{2 * time.Second, 4 * time.Second}
	if len(*slept) != 2 || (*slept)[0] != want[0] || (*slept)[1] != want[1] {
		t.Errorf("expected backoff %v, got %v", want, *slept)
	}
}

func TestCall_PropagatesLastFailure(t *testing.T) {
	c, fake, slept := newTestClient(
		scriptedReply{err: errors.New("first")},
		scriptedReply{err: errors.New("second")},
		scriptedReply{err: errors.New("last")},
	)

	_, err := c.Call(context.Background(), "sys", "user")
	if err == nil || !strings.Contains(err.Error(), "last") {
		t.Fatalf("expected last failure, got %v", err)
	}
	if fake.callCount() != 3 {
		t.Errorf("expected 3 attempts, got %d", fake.callCount())
	}
	if len(*slept) != 2 {
		t.Errorf("expected no sleep after the final attempt, slept %v", *slept)
	}
}

func TestCall_EmptyChoiceIsFailure(t *testing.T) {
	c, _, _ := newTestClient(scriptedReply{text: "   "})
	if _, err := c.Call(context.Background(), "sys", "user"); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestCall_ContextCancelledDuringBackoff(t *testing.T) {
	c, fake, _ := newTestClient(scriptedReply{err: errors.New("down")})
	c.sleep = sleepContext
	c.cfg.Backoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, "sys", "user"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if fake.callCount() != 1 {
		t.Errorf("expected 1 call, got %d", fake.callCount())
	}
}

func TestCall_SendsSystemAndUser(t *testing.T) {
	c, fake, _ := newTestClient(scriptedReply{text: "ok"})
	c.Call(context.Background(), "be terse", "hello")

	req := fake.calls[0]
	if req.Model != "test-model" || len(req.Messages) != 2 {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Messages[0].Role != openai.ChatMessageRoleSystem || req.Messages[0].Content != "be terse" {
		t.Errorf("unexpected system message %+v", req.Messages[0])
	}
	if req.Messages[1].Role != openai.ChatMessageRoleUser || req.Messages[1].Content != "hello" {
		t.Errorf("unexpected user message %+v", req.Messages[1])
	}
}

// ---------------------------------------------------------------------------
// Analyze / Structure / Explain
// ---------------------------------------------------------------------------

func TestStripFences(t *testing.T) {
	doc := `{"summary":"notes quote ` + "```" + `sql drop` + "```" + `"}`
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"bare", doc, doc},
		{"json tag", "```json\n" + doc + "\n```", doc},
		{"upper tag", "```JSON\n" + doc + "\n```\n", doc},
		{"no tag", "```\n" + doc + "\n```", doc},
		{"single line", "```json" + doc + "```", doc},
		{"surrounding space", "  \n```json\n" + doc + "\n```  ", doc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stripFences(tt.raw); got != tt.want {
				t.Errorf("stripFences() = %q, want %q", got, tt.want)
			}
		})
	}

	a, err := parseAnalysis("```json\n" + `{"fraudScore":3,"concerns":["code block ` + "```" + ` in notes"],"summary":"ok"}` + "\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Concerns[0] != "code block ``` in notes" {
		t.Errorf("expected backticks inside values to survive, got %q", a.Concerns[0])
	}
}

func TestParseAnalysis(t *testing.T) {
	plain := `{"fraudScore":72,"concerns":["amount above regional norm"],"summary":"Elevated."}`
	fenced := "```json\n" + plain + "\n```"

	a1, err := parseAnalysis(plain)
	if err != nil {
		t.Fatalf("plain: %v", err)
	}
	a2, err := parseAnalysis(fenced)
	if err != nil {
		t.Fatalf("fenced: %v", err)
	}
	if a1.FraudScore != 72 || a2.FraudScore != 72 || a1.Summary != a2.Summary || len(a2.Concerns) != 1 {
		t.Errorf("fenced and unfenced parsed differently: %+v vs %+v", a1, a2)
	}

	bad := []struct {
		name string
		raw  string
	}{
		{"not json", "The claim looks fine."},
		{"unknown field", `{"fraudScore":1,"concerns":[],"summary":"","risk":"low"}`},
		{"missing summary", `{"fraudScore":1,"concerns":[]}`},
		{"missing score", `{"concerns":[],"summary":"x"}`},
		{"score as string", `{"fraudScore":"high","concerns":[],"summary":"x"}`},
		{"fractional score", `{"fraudScore":12.5,"concerns":[],"summary":"x"}`},
		{"score above range", `{"fraudScore":101,"concerns":[],"summary":"x"}`},
		{"score below range", `{"fraudScore":-1,"concerns":[],"summary":"x"}`},
		{"concerns wrong type", `{"fraudScore":1,"concerns":"none","summary":"x"}`},
		{"trailing data", `{"fraudScore":1,"concerns":[],"summary":"x"} {"again":true}`},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseAnalysis(tt.raw); !errors.Is(err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestAnalyze(t *testing.T) {
	c, fake, _ := newTestClient(scriptedReply{text: "```json\n{\"fraudScore\":5,\"concerns\":[],\"summary\":\"Routine.\"}\n```"})

	a, err := c.Analyze(context.Background(), ClaimSummary{ClaimID: "c1", Amount: 5000, Diagnosis: "fracture"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.FraudScore != 5 || a.Summary != "Routine." {
		t.Errorf("unexpected analysis %+v", a)
	}
	if !strings.Contains(fake.calls[0].Messages[1].Content, `"diagnosis":"fracture"`) {
		t.Errorf("expected claim JSON in user message, got %q", fake.calls[0].Messages[1].Content)
	}
}

func TestStructure(t *testing.T) {
	reply := `{"diagnosis":"Distal radius fracture","icd10Code":"S52.5",
		"medications":[{"name":"Ibuprofen","dosage":"400mg","frequency":"tid","duration":"7d"}],
		"procedures":[{"name":"Closed reduction","code":"25600"}],"notes":"Cast 6 weeks"}`
	c, _, _ := newTestClient(scriptedReply{text: reply})

	p, err := c.Structure(context.Background(), "pt fell, wrist fx, reduce + cast, ibu 400 tid x7d")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ICD10Code != "S52.5" || len(p.Medications) != 1 || p.Medications[0].Dosage != "400mg" || p.Procedures[0].Code != "25600" {
		t.Errorf("unexpected prescription %+v", p)
	}

	c, _, _ = newTestClient(scriptedReply{text: `{"diagnosis":"x","notes":""}`})
	if _, err := c.Structure(context.Background(), "x"); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for missing fields, got %v", err)
	}
}

func TestExplain_Caches(t *testing.T) {
	c, fake, _ := newTestClient(scriptedReply{text: "Your plan does not cover this treatment."})

	for i := 0; i < 3; i++ {
		got, err := c.Explain(context.Background(), "policy_exclusion")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != "Your plan does not cover this treatment." {
			t.Errorf("unexpected explanation %q", got)
		}
	}
	if fake.callCount() != 1 {
		t.Errorf("expected one model call, got %d", fake.callCount())
	}
}

func TestDisabled(t *testing.T) {
	a := New(Config{}, zerolog.Nop())
	if _, ok := a.(Disabled); !ok {
		t.Fatalf("expected Disabled, got %T", a)
	}
	ctx := context.Background()
	if _, err := a.Analyze(ctx, ClaimSummary{}); !errors.Is(err, ErrAssessorDisabled) {
		t.Errorf("Analyze: %v", err)
	}
	if _, err := a.Structure(ctx, "n"); !errors.Is(err, ErrAssessorDisabled) {
		t.Errorf("Structure: %v", err)
	}
	if _, err := a.Explain(ctx, "r"); !errors.Is(err, ErrAssessorDisabled) {
		t.Errorf("Explain: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Against an HTTP endpoint
// ---------------------------------------------------------------------------

func TestNew_OpenAICompatibleServer(t *testing.T) {
	var hits int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/chat/completions" {
			t.Errorf("expected /chat/completions, got %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected Authorization header %q", r.Header.Get("Authorization"))
		}
		if hits == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:    "chatcmpl-1",
			Model: "gpt-4o-mini",
			Choices: []openai.ChatCompletionChoice{{
				Message:      openai.ChatCompletionMessage{Role: "assistant", Content: `{"fraudScore":40,"concerns":["short stay"],"summary":"Moderate."}`},
				FinishReason: "stop",
			}},
		})
	}))
	defer server.Close()

	a := New(Config{APIKey: "test-key", BaseURL: server.URL, Backoff: time.Millisecond, RPS: 1000}, zerolog.Nop())
	got, err := a.Analyze(context.Background(), ClaimSummary{ClaimID: "c9", Amount: 120, Diagnosis: "sprain"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.FraudScore != 40 || hits != 2 {
		t.Errorf("expected retry then success, got %+v after %d hits", got, hits)
	}
}
