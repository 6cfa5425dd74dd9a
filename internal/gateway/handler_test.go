package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/tdnqanh/llm-cascade/internal/alerting"
	"github.com/tdnqanh/llm-cascade/internal/breaker"
	"github.com/tdnqanh/llm-cascade/internal/cascade"
	"github.com/tdnqanh/llm-cascade/internal/quota"
	"github.com/tdnqanh/llm-cascade/pkg/ratelimit"
)

type stubProvider struct {
	name        string
	completeErr error
}

func (p *stubProvider) Name() string                       { return p.name }
func (p *stubProvider) Model() string                      { return p.name + "-model" }
func (p *stubProvider) Timeout() time.Duration             { return time.Second }
func (p *stubProvider) Available(ctx context.Context) bool { return true }

func (p *stubProvider) Complete(ctx context.Context, req *cascade.Request) (*cascade.Response, error) {
	if p.completeErr != nil {
		return nil, p.completeErr
	}
	return &cascade.Response{Content: "hello from " + p.name, TokensUsed: 12}, nil
}

func newTestHandler(t *testing.T, limit int, providers ...cascade.Provider) *Handler {
	t.Helper()
	logger := zap.NewNop()
	breakers := breaker.NewManager(breaker.Config{FailureThreshold: 3})
	quotas := quota.NewTracker(quota.NewMemoryStore(), quota.DefaultLimits(), true, logger)
	alerts := alerting.NewManager(logger)
	t.Cleanup(alerts.Close)
	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryStore(), limit, time.Minute, true)
	tracer := noop.NewTracerProvider().Tracer("test")
	c := cascade.New(providers, breakers, quotas, alerts, logger, tracer)
	return NewHandler(c, breakers, quotas, alerts, limiter, logger)
}

func doComplete(t *testing.T, h *Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(body)))
	req.RemoteAddr = "10.0.0.1:55000"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleCompleteSuccess(t *testing.T) {
	h := newTestHandler(t, 10, &stubProvider{name: "primary"})

	rec := doComplete(t, h, `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID response header")
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if resp["provider"] != "primary" {
		t.Errorf("expected provider primary, got %v", resp["provider"])
	}
	choices, ok := resp["choices"].([]any)
	if !ok || len(choices) != 1 {
		t.Fatalf("expected one choice, got %v", resp["choices"])
	}
}

func TestHandleCompletePropagatesRequestID(t *testing.T) {
	h := newTestHandler(t, 10, &stubProvider{name: "primary"})

	rec := doComplete(t, h, `{"messages":[{"role":"user","content":"hi"}]}`, map[string]string{
		"X-Request-ID": "req_client_supplied",
	})
	if got := rec.Header().Get("X-Request-ID"); got != "req_client_supplied" {
		t.Errorf("expected supplied request id echoed back, got %q", got)
	}
}

func TestHandleCompleteInvalidBody(t *testing.T) {
	h := newTestHandler(t, 10, &stubProvider{name: "primary"})

	rec := doComplete(t, h, `{not json`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}

	rec = doComplete(t, h, `{"messages":[]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty messages, got %d", rec.Code)
	}
}

func TestHandleCompleteAllProvidersFail(t *testing.T) {
	h := newTestHandler(t, 10,
		&stubProvider{name: "p1", completeErr: errors.New("connection refused")},
		&stubProvider{name: "p2", completeErr: errors.New("429 too many requests")},
	)

	rec := doComplete(t, h, `{"messages":[{"role":"user","content":"hi"}]}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	var resp struct {
		Error    string            `json:"error"`
		Attempts []cascade.Attempt `json:"attempts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if len(resp.Attempts) != 2 {
		t.Fatalf("expected 2 attempts in error body, got %d", len(resp.Attempts))
	}
}

func TestRateLimitRejectsOverLimit(t *testing.T) {
	h := newTestHandler(t, 2, &stubProvider{name: "primary"})

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	for i := 0; i < 2; i++ {
		if rec := doComplete(t, h, body, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := doComplete(t, h, body, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

func TestHandleBreakers(t *testing.T) {
	h := newTestHandler(t, 10, &stubProvider{name: "p1", completeErr: errors.New("boom")})

	doComplete(t, h, `{"messages":[{"role":"user","content":"hi"}]}`, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/breakers", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "p1") {
		t.Errorf("expected p1 breaker stats, got %s", rec.Body.String())
	}
}

func TestHandleBreakersReset(t *testing.T) {
	h := newTestHandler(t, 10, &stubProvider{name: "p1", completeErr: errors.New("boom")})

	body := `{"messages":[{"role":"user","content":"hi"}]}`
	for i := 0; i < 3; i++ {
		doComplete(t, h, body, nil)
	}
	if h.breakers.Get("p1").State() != breaker.StateOpen {
		t.Fatal("expected breaker open after repeated failures")
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/breakers/reset", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if h.breakers.Get("p1").State() != breaker.StateClosed {
		t.Error("expected breaker closed after reset")
	}
}

func TestHandleAlerts(t *testing.T) {
	h := newTestHandler(t, 10, &stubProvider{name: "primary"})

	req := httptest.NewRequest(http.MethodGet, "/v1/alerts?limit=5", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/alerts?limit=bogus", nil)
	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestHandleQuota(t *testing.T) {
	h := newTestHandler(t, 10, &stubProvider{name: "primary"})

	doComplete(t, h, `{"messages":[{"role":"user","content":"hi"}]}`, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/quota/primary-model", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Model   string        `json:"model"`
		Allowed bool          `json:"allowed"`
		Usage   *quota.Record `json:"usage"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if !resp.Allowed {
		t.Error("expected quota allowed")
	}
	if resp.Usage == nil || resp.Usage.RequestsMinute != 1 {
		t.Errorf("expected one minute request recorded, got %+v", resp.Usage)
	}
}
