package llm

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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	scerrors "github.com/otherjamesbrown/board-signal-scout/pkg/errors"
	"github.com/otherjamesbrown/board-signal-scout/pkg/signals"
)

// scriptedClient returns replies in order; an error reply is returned as the error.
type scriptedClient struct {
	mu      sync.Mutex
	replies []any
	calls   int
}

func (s *scriptedClient) Complete(ctx context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.replies) {
		return "", errors.New("script exhausted")
	}
	r := s.replies[s.calls]
	s.calls++
	if err, ok := r.(error); ok {
		return "", err
	}
	return r.(string), nil
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (o *recordingObserver) ObserveAttempt(contract string, attempt int, status string, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, contract+":"+status)
}

func fastInvoker(c Client) *Invoker {
	inv := NewInvoker(c, nil)
	inv.Retry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffFactor: 2}
	return inv
}

const classifyJSON = `{"category": "pilot_evaluation", "confidence": 0.82, "evidence_snippet": "evaluate a new literacy curriculum pilot in Q1 2026", "rationale": "explicit pilot"}`

func TestStripFences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `  {"a": 1}  `, `{"a": 1}`},
		{"json fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"bare fence", "```\n{\"a\": 1}\n```", `{"a": 1}`},
		{"prose around", "Here you go:\n```json\n{\"a\": 1}\n```\nThanks", `{"a": 1}`},
		{"json fence preferred", "```\nnot this\n```\n```json\n{\"a\": 2}\n```", `{"a": 2}`},
		{"first block only", "```\n{\"a\": 1}\n```\n```\n{\"b\": 2}\n```", `{"a": 1}`},
		{"unterminated", "```json\n{\"a\": 1}", `{"a": 1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripFences(tt.in))
		})
	}
}

func TestDecodeClassification(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"valid", classifyJSON, ""},
		{"numeric string confidence", `{"category":"none","confidence":"0.9","evidence_snippet":"","rationale":"r"}`, ""},
		{"missing confidence", `{"category":"none","evidence_snippet":"","rationale":"r"}`, "missing required field confidence"},
		{"missing rationale", `{"category":"none","confidence":0.5,"evidence_snippet":""}`, "missing required field rationale"},
		{"unknown category", `{"category":"fundraising","confidence":0.5,"evidence_snippet":"","rationale":"r"}`, "unknown value"},
		{"non-numeric confidence", `{"category":"none","confidence":"high","evidence_snippet":"","rationale":"r"}`, "non-numeric field confidence"},
		{"confidence out of range", `{"category":"none","confidence":1.4,"evidence_snippet":"","rationale":"r"}`, "out of range"},
		{"null snippet", `{"category":"none","confidence":0.5,"evidence_snippet":null,"rationale":"r"}`, "non-string field evidence_snippet"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields, err := parseObject(tt.payload)
			require.NoError(t, err)

			got, err := DecodeClassification(fields)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.True(t, scerrors.IsContractViolation(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Category.Valid())
		})
	}
}

func TestDecodeScoring(t *testing.T) {
	t.Run("full", func(t *testing.T) {
		fields, err := parseObject(`{"opportunity_score": 62, "score_breakdown": {"intent_strength": 20, "time_window": 15, "eduquest_fit": 17, "evidence_quality": 10}, "summary": "Pilot planned", "recommended_next_step": "research_more"}`)
		require.NoError(t, err)

		got, err := DecodeScoring(fields)
		require.NoError(t, err)
		assert.Equal(t, 62, got.OpportunityScore)
		assert.Equal(t, signals.ScoreBreakdown{IntentStrength: 20, TimeWindow: 15, ProductFit: 17, EvidenceQuality: 10}, got.ScoreBreakdown)
		assert.Equal(t, signals.NextStepResearchMore, got.RecommendedNextStep)
	})

	t.Run("partial breakdown defaults to zero", func(t *testing.T) {
		fields, err := parseObject(`{"opportunity_score": 40.0, "score_breakdown": {"intent_strength": 20}, "summary": "s", "recommended_next_step": "monitor"}`)
		require.NoError(t, err)

		got, err := DecodeScoring(fields)
		require.NoError(t, err)
		assert.Equal(t, 40, got.OpportunityScore)
		assert.Equal(t, signals.ScoreBreakdown{IntentStrength: 20}, got.ScoreBreakdown)
	})

	t.Run("missing breakdown", func(t *testing.T) {
		fields, err := parseObject(`{"opportunity_score": "55", "summary": "s", "recommended_next_step": "reach_out_now"}`)
		require.NoError(t, err)

		got, err := DecodeScoring(fields)
		require.NoError(t, err)
		assert.Equal(t, 55, got.OpportunityScore)
		assert.Zero(t, got.ScoreBreakdown.Total())
	})

	failures := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"non-numeric score", `{"opportunity_score": "high", "summary": "s", "recommended_next_step": "monitor"}`, "non-numeric field opportunity_score"},
		{"fractional score", `{"opportunity_score": 62.5, "summary": "s", "recommended_next_step": "monitor"}`, "non-integer field opportunity_score"},
		{"missing summary", `{"opportunity_score": 62, "recommended_next_step": "monitor"}`, "missing required field summary"},
		{"unknown next step", `{"opportunity_score": 62, "summary": "s", "recommended_next_step": "call_them"}`, "unknown value"},
		{"bad sub-score", `{"opportunity_score": 62, "score_breakdown": {"time_window": "soon"}, "summary": "s", "recommended_next_step": "monitor"}`, "non-numeric field time_window"},
		{"breakdown not object", `{"opportunity_score": 62, "score_breakdown": [1,2], "summary": "s", "recommended_next_step": "monitor"}`, "non-object field score_breakdown"},
	}
	for _, tt := range failures {
		t.Run(tt.name, func(t *testing.T) {
			fields, err := parseObject(tt.payload)
			require.NoError(t, err)

			_, err = DecodeScoring(fields)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, scerrors.IsContractViolation(err))
		})
	}
}

func TestParseObject(t *testing.T) {
	_, err := parseObject(`{"a": 1}`)
	assert.NoError(t, err)

	for _, payload := range []string{"", "null", "[1,2]", "Sure! Here is the JSON", `{"a": 1} {"b": 2}`} {
		_, err := parseObject(payload)
		assert.Error(t, err, "payload %q", payload)
		if err != nil {
			assert.Contains(t, err.Error(), "not valid JSON")
		}
	}
}

func TestInvoke_Success(t *testing.T) {
	client := &scriptedClient{replies: []any{"```json\n" + classifyJSON + "\n```"}}
	obs := &recordingObserver{}
	inv := fastInvoker(client)
	inv.Observer = obs

	got, err := Invoke(context.Background(), inv, ClassifyContract, "prompt")
	require.NoError(t, err)
	assert.Equal(t, signals.CategoryPilotEvaluation, got.Category)
	assert.InDelta(t, 0.82, got.Confidence, 1e-9)
	assert.Equal(t, 1, client.calls)
	assert.Equal(t, []string{"classify:ok"}, obs.statuses)
}

func TestInvoke_RetriesMalformedThenSucceeds(t *testing.T) {
	client := &scriptedClient{replies: []any{"I think it is a pilot", classifyJSON}}
	obs := &recordingObserver{}
	inv := fastInvoker(client)
	inv.Observer = obs

	_, err := Invoke(context.Background(), inv, ClassifyContract, "prompt")
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
	assert.Equal(t, []string{"classify:parse_error", "classify:ok"}, obs.statuses)
}

func TestInvoke_BoundedBudget(t *testing.T) {
	client := &scriptedClient{replies: []any{"nope", "nope", "nope", classifyJSON}}
	inv := fastInvoker(client)

	_, err := Invoke(context.Background(), inv, ClassifyContract, "prompt")
	require.Error(t, err)

	var ce *scerrors.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, scerrors.ErrParseError, ce.Code)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, "classify", ce.Stage)
	assert.Equal(t, 3, client.calls, "must not exceed MaxAttempts")
}

func TestInvoke_ContractViolation(t *testing.T) {
	missing := `{"category": "pilot_evaluation", "evidence_snippet": "x", "rationale": "r"}`
	client := &scriptedClient{replies: []any{missing, missing, missing}}
	inv := fastInvoker(client)

	_, err := Invoke(context.Background(), inv, ClassifyContract, "prompt")
	require.Error(t, err)
	assert.True(t, scerrors.IsContractViolation(err))
	assert.Contains(t, err.Error(), "missing required field confidence")
}

func TestInvoke_NonRetryableStopsImmediately(t *testing.T) {
	client := &scriptedClient{replies: []any{errors.New("model API status 401 (Unauthorized): invalid api key"), classifyJSON}}
	inv := fastInvoker(client)

	_, err := Invoke(context.Background(), inv, ClassifyContract, "prompt")
	require.Error(t, err)

	var ce *scerrors.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, scerrors.ErrAuthentication, ce.Code)
	assert.Equal(t, 1, client.calls)
}

func TestInvoke_RateLimitRetried(t *testing.T) {
	client := &scriptedClient{replies: []any{errors.New("model API status 429 (Too Many Requests): slow down"), classifyJSON}}
	inv := fastInvoker(client)

	_, err := Invoke(context.Background(), inv, ClassifyContract, "prompt")
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestInvoke_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &scriptedClient{replies: []any{context.Canceled, classifyJSON}}
	inv := fastInvoker(client)

	_, err := Invoke(ctx, inv, ClassifyContract, "prompt")
	require.Error(t, err)

	var ce *scerrors.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, scerrors.ErrContextCancelled, ce.Code)
	assert.Equal(t, 1, client.calls)
}

type slowClient struct{ calls int }

func (s *slowClient) Complete(ctx context.Context, prompt string) (string, error) {
	s.calls++
	<-ctx.Done()
	return "", ctx.Err()
}

func TestInvoke_AttemptTimeout(t *testing.T) {
	client := &slowClient{}
	inv := fastInvoker(client)
	inv.Retry.MaxAttempts = 2
	inv.Retry.AttemptTimeout = 10 * time.Millisecond

	_, err := Invoke(context.Background(), inv, ScoreContract, "prompt")
	require.Error(t, err)

	var ce *scerrors.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, scerrors.ErrTimeout, ce.Code)
	assert.Equal(t, 10*time.Millisecond, ce.Timeout)
	assert.Equal(t, 2, client.calls)
	assert.Contains(t, err.Error(), "score timed out after 2 attempt(s)")
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Second, p.Backoff(1))
	assert.Equal(t, 2*time.Second, p.Backoff(2))
	assert.Equal(t, 4*time.Second, p.Backoff(3))
	assert.Equal(t, 5*time.Second, p.Backoff(4))
	assert.Equal(t, 1, RetryPolicy{}.attempts())
	assert.Equal(t, 3, DefaultRetryPolicy().attempts())
}

func TestNewChatClient_RequiresKey(t *testing.T) {
	_, err := NewChatClient(ChatConfig{Model: "gpt-4o"})
	assert.True(t, scerrors.IsMissingAPIKey(err))

	_, err = NewChatClient(ChatConfig{APIKey: "sk-test"})
	assert.True(t, scerrors.IsValidation(err))
}

func TestChatClient_Complete(t *testing.T) {
	var gotAuth, gotUA string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"ok\": true}"}}]}`))
	}))
	defer srv.Close()

	client, err := NewChatClient(ChatConfig{
		Endpoint:    srv.URL,
		Model:       "gpt-4o",
		APIKey:      "sk-test",
		Temperature: 0.1,
		MaxTokens:   2048,
	})
	require.NoError(t, err)

	out, err := client.Complete(context.Background(), "classify this")
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, out)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.True(t, strings.HasPrefix(gotUA, "board-signal-scout/"))
	assert.Equal(t, "gpt-4o", gotReq.Model)
	assert.Equal(t, 2048, gotReq.MaxTokens)
	require.Len(t, gotReq.Messages, 1)
	assert.Equal(t, "user", gotReq.Messages[0].Role)
	assert.Equal(t, "classify this", gotReq.Messages[0].Content)
}

func TestChatClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	client, err := NewChatClient(ChatConfig{Endpoint: srv.URL, Model: "gpt-4o", APIKey: "k"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
	assert.Less(t, len(err.Error()), 1200, "error body should be truncated")
	assert.Equal(t, scerrors.ErrRateLimit, scerrors.ClassifyError(err, "classify").Code)
}

func TestChatClient_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client, err := NewChatClient(ChatConfig{Endpoint: srv.URL, Model: "gpt-4o", APIKey: "k"})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), "p")
	require.Error(t, err)
	assert.Equal(t, scerrors.ErrEmptyResponse, scerrors.ClassifyError(err, "score").Code)
}
