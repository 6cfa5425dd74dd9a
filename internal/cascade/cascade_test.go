package cascade

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/tdnqanh/llm-cascade/internal/alerting"
	"github.com/tdnqanh/llm-cascade/internal/breaker"
	"github.com/tdnqanh/llm-cascade/internal/failure"
	"github.com/tdnqanh/llm-cascade/internal/quota"
	"github.com/tdnqanh/llm-cascade/internal/tracing"
)

type MockProvider struct {
	name        string
	model       string
	timeout     time.Duration
	unavailable bool
	completeErr error
	delay       time.Duration
	tokens      int
	calls       int
}

func (m *MockProvider) Name() string  { return m.name }
func (m *MockProvider) Model() string { return m.model }

func (m *MockProvider) Timeout() time.Duration {
	if m.timeout > 0 {
		return m.timeout
	}
	return time.Second
}
func (m *MockProvider) Available(ctx context.Context) bool { return !m.unavailable }

func (m *MockProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	m.calls++
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.completeErr != nil {
		return nil, m.completeErr
	}
	tokens := m.tokens
	if tokens == 0 {
		tokens = 30
	}
	return &Response{Content: "mock response", TokensUsed: tokens}, nil
}

type testEnv struct {
	breakers *breaker.Manager
	quotas   *quota.Tracker
	alerts   *alerting.Manager
}

func newTestCascade(t *testing.T, providers ...Provider) (*Cascade, *testEnv) {
	t.Helper()
	env := &testEnv{
		breakers: breaker.NewManager(breaker.Config{FailureThreshold: 3}),
		quotas:   quota.NewTracker(quota.NewMemoryStore(), quota.Limits{}, true, zap.NewNop()),
		alerts:   alerting.NewManager(zap.NewNop()),
	}
	t.Cleanup(env.alerts.Close)
	tracer := noop.NewTracerProvider().Tracer("test")
	return New(providers, env.breakers, env.quotas, env.alerts, zap.NewNop(), tracer), env
}

func TestFirstSuccessWins(t *testing.T) {
	p1 := &MockProvider{name: "primary", model: "model-a"}
	p2 := &MockProvider{name: "secondary", model: "model-b"}
	c, _ := newTestCascade(t, p1, p2)

	resp, err := c.Do(context.Background(), &Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.Provider != "primary" {
		t.Errorf("provider = %s, want primary", resp.Provider)
	}
	if p2.calls != 0 {
		t.Error("lower-priority candidate should not be tried after a success")
	}
}

func TestFallbackThroughFailures(t *testing.T) {
	p1 := &MockProvider{name: "p1", model: "m1", completeErr: errors.New("request timed out")}
	p2 := &MockProvider{name: "p2", model: "m2", completeErr: errors.New("401 unauthorized")}
	p3 := &MockProvider{name: "p3", model: "m3"}
	c, env := newTestCascade(t, p1, p2, p3)

	tc := tracing.New()
	ctx := tracing.NewContext(context.Background(), tc)

	resp, err := c.Do(ctx, &Request{})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.Provider != "p3" {
		t.Errorf("provider = %s, want p3", resp.Provider)
	}

	// Only the winning provider joins the trace chain.
	chain := tc.ProviderChain()
	if len(chain) != 1 || chain[0] != "p3" {
		t.Errorf("provider chain = %v, want [p3]", chain)
	}

	// Each failing breaker recorded exactly one failure.
	stats := env.breakers.AllStats()
	if stats["p1"].FailureCount != 1 {
		t.Errorf("p1 failures = %d, want 1", stats["p1"].FailureCount)
	}
	if stats["p2"].FailureCount != 1 {
		t.Errorf("p2 failures = %d, want 1", stats["p2"].FailureCount)
	}
	if stats["p3"].FailureCount != 0 {
		t.Errorf("p3 failures = %d, want 0", stats["p3"].FailureCount)
	}
}

func TestExhaustionAggregatesAttempts(t *testing.T) {
	p1 := &MockProvider{name: "p1", model: "m1", completeErr: errors.New("request timed out")}
	p2 := &MockProvider{name: "p2", model: "m2", completeErr: errors.New("connection refused")}
	c, _ := newTestCascade(t, p1, p2)

	_, err := c.Do(context.Background(), &Request{})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("error = %v, want ExhaustedError", err)
	}
	if len(exhausted.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(exhausted.Attempts))
	}
	if exhausted.Attempts[0].Kind != failure.KindTimeout {
		t.Errorf("first attempt kind = %s, want timeout", exhausted.Attempts[0].Kind)
	}
	if exhausted.Attempts[1].Kind != failure.KindNetwork {
		t.Errorf("second attempt kind = %s, want network", exhausted.Attempts[1].Kind)
	}
}

func TestUnavailableProviderSkipped(t *testing.T) {
	p1 := &MockProvider{name: "p1", model: "m1", unavailable: true}
	p2 := &MockProvider{name: "p2", model: "m2"}
	c, _ := newTestCascade(t, p1, p2)

	resp, err := c.Do(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.Provider != "p2" {
		t.Errorf("provider = %s, want p2", resp.Provider)
	}
	if p1.calls != 0 {
		t.Error("unavailable provider must not be attempted")
	}
}

func TestOpenBreakerSkipsProvider(t *testing.T) {
	p1 := &MockProvider{name: "p1", model: "m1", completeErr: errors.New("boom")}
	p2 := &MockProvider{name: "p2", model: "m2"}
	c, env := newTestCascade(t, p1, p2)

	// Trip p1's breaker (threshold 3).
	for i := 0; i < 3; i++ {
		if _, err := c.Do(context.Background(), &Request{}); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	if env.breakers.Get("p1").State() != breaker.StateOpen {
		t.Fatal("p1 breaker should be open")
	}

	before := p1.calls
	if _, err := c.Do(context.Background(), &Request{}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if p1.calls != before {
		t.Error("provider behind an open breaker must not be attempted")
	}
}

func TestAttemptTimeoutEnforced(t *testing.T) {
	p1 := &MockProvider{name: "slow", model: "m1", delay: 200 * time.Millisecond, timeout: 20 * time.Millisecond}
	p2 := &MockProvider{name: "fast", model: "m2"}
	c, env := newTestCascade(t, p1, p2)

	start := time.Now()
	resp, err := c.Do(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if resp.Provider != "fast" {
		t.Errorf("provider = %s, want fast", resp.Provider)
	}
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("cascade waited %v, timeout was not enforced", elapsed)
	}

	stats := env.breakers.AllStats()
	if stats["slow"].FailureCount != 1 {
		t.Errorf("slow provider failures = %d, want 1", stats["slow"].FailureCount)
	}
}

func TestParentCancellationStopsCascade(t *testing.T) {
	p1 := &MockProvider{name: "p1", model: "m1", delay: time.Second, timeout: 5 * time.Second}
	p2 := &MockProvider{name: "p2", model: "m2"}
	c, env := newTestCascade(t, p1, p2)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := c.Do(ctx, &Request{})
	if err == nil {
		t.Fatal("cancelled cascade should fail")
	}
	if p2.calls != 0 {
		t.Error("no further candidates should start after cancellation")
	}
	// The cancelled in-flight attempt still counts against p1.
	if env.breakers.AllStats()["p1"].FailureCount != 1 {
		t.Error("cancelled attempt should be recorded as a failure")
	}
}

func TestQuotaExhaustionSkipsProvider(t *testing.T) {
	p1 := &MockProvider{name: "p1", model: "m1"}
	p2 := &MockProvider{name: "p2", model: "m2"}

	env := &testEnv{
		breakers: breaker.NewManager(breaker.Config{}),
		quotas: quota.NewTracker(quota.NewMemoryStore(),
			quota.Limits{RequestsPerMinute: 1, RequestsPerHour: 100, RequestsPerDay: 1000}, true, zap.NewNop()),
		alerts: alerting.NewManager(zap.NewNop()),
	}
	defer env.alerts.Close()
	tracer := noop.NewTracerProvider().Tracer("test")
	c := New([]Provider{p1, p2}, env.breakers, env.quotas, env.alerts, zap.NewNop(), tracer)

	if _, err := c.Do(context.Background(), &Request{}); err != nil {
		t.Fatalf("first request: %v", err)
	}

	resp, err := c.Do(context.Background(), &Request{})
	if err != nil {
		t.Fatalf("second request: %v", err)
	}
	if resp.Provider != "p2" {
		t.Errorf("provider = %s, want p2 after m1 quota exhausted", resp.Provider)
	}
}

func TestCriticalFailureReachesAlerting(t *testing.T) {
	p1 := &MockProvider{name: "p1", model: "m1", completeErr: errors.New("invalid api key")}
	p2 := &MockProvider{name: "p2", model: "m2"}
	c, env := newTestCascade(t, p1, p2)

	if _, err := c.Do(context.Background(), &Request{}); err != nil {
		t.Fatalf("Do: %v", err)
	}

	var critical bool
	for _, a := range env.alerts.History(0) {
		if a.Level == alerting.LevelCritical {
			critical = true
		}
	}
	if !critical {
		t.Error("authentication failure should raise a critical alert")
	}
}
