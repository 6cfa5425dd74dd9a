// Package cascade orchestrates ordered fallback across provider
// adapters: try the highest-priority available candidate, record the
// outcome into the breaker/quota/alerting subsystems, and fall through
// to the next candidate on failure. First success wins.
package cascade

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/tdnqanh/llm-cascade/internal/alerting"
	"github.com/tdnqanh/llm-cascade/internal/breaker"
	"github.com/tdnqanh/llm-cascade/internal/failure"
	"github.com/tdnqanh/llm-cascade/internal/quota"
	"github.com/tdnqanh/llm-cascade/internal/tracing"
)

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

type Request struct {
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type Response struct {
	Content    string `json:"content"`
	Model      string `json:"model"`
	Provider   string `json:"provider"`
	TokensUsed int    `json:"tokens_used"`
	LatencyMs  int64  `json:"latency_ms"`
}

// Provider is the contract every cascade candidate satisfies. One
// Complete call is one attempt; the cascade enforces Timeout around it.
type Provider interface {
	Name() string
	Model() string
	Timeout() time.Duration
	// Available reports adapter-level availability (configured key,
	// feature flag). Breaker and quota gates are composed on top by
	// the cascade itself.
	Available(ctx context.Context) bool
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Attempt summarizes one candidate's part in a failed cascade.
type Attempt struct {
	Provider string       `json:"provider"`
	Skipped  bool         `json:"skipped,omitempty"`
	Kind     failure.Kind `json:"kind,omitempty"`
	Message  string       `json:"message"`
}

// ExhaustedError reports that no candidate handled the request. It
// aggregates every candidate's outcome so the failure is diagnosable
// without consulting logs.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return "all providers unavailable"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		switch {
		case a.Skipped:
			parts[i] = fmt.Sprintf("%s: skipped (%s)", a.Provider, a.Message)
		default:
			parts[i] = fmt.Sprintf("%s: %s", a.Provider, a.Kind)
		}
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// Cascade tries an ordered list of providers, strictly sequentially,
// stopping at the first success.
type Cascade struct {
	providers []Provider
	breakers  *breaker.Manager
	quotas    *quota.Tracker
	alerts    *alerting.Manager
	logger    *zap.Logger
	tracer    oteltrace.Tracer
}

func New(providers []Provider, breakers *breaker.Manager, quotas *quota.Tracker, alerts *alerting.Manager, logger *zap.Logger, tracer oteltrace.Tracer) *Cascade {
	return &Cascade{
		providers: providers,
		breakers:  breakers,
		quotas:    quotas,
		alerts:    alerts,
		logger:    logger,
		tracer:    tracer,
	}
}

// Do runs the cascade for one request. At most one attempt is made per
// candidate; candidates are never tried in parallel.
func (c *Cascade) Do(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "cascade.complete")
	defer span.End()

	tc, _ := tracing.FromContext(ctx)
	if tc != nil {
		span.SetAttributes(
			attribute.String("request_id", tc.RequestID),
			attribute.String("correlation_id", tc.CorrelationID),
		)
	}

	var attempts []Attempt
	for i, p := range c.providers {
		if ctx.Err() != nil {
			break
		}

		if skipped, reason := c.skipReason(ctx, p); skipped {
			c.logger.Debug("skipping provider",
				append(c.traceFields(tc), zap.String("provider", p.Name()), zap.String("reason", reason))...)
			attempts = append(attempts, Attempt{Provider: p.Name(), Skipped: true, Message: reason})
			continue
		}

		resp, f, ok := c.attempt(ctx, p, req)
		if ok {
			if tc != nil {
				tc.AddProvider(p.Name())
			}
			span.SetAttributes(
				attribute.String("provider", p.Name()),
				attribute.Int64("latency_ms", resp.LatencyMs),
			)
			c.logger.Info("provider completed request",
				append(c.traceFields(tc),
					zap.String("provider", p.Name()),
					zap.Int64("latency_ms", resp.LatencyMs),
					zap.Int("tokens_used", resp.TokensUsed))...)
			return resp, nil
		}

		attempts = append(attempts, Attempt{Provider: p.Name(), Kind: f.Kind, Message: f.Message})

		next := "none"
		if i+1 < len(c.providers) {
			next = c.providers[i+1].Name()
		}
		c.logger.Warn("provider failed, falling back",
			append(c.traceFields(tc),
				zap.String("provider", p.Name()),
				zap.String("error_type", string(f.Kind)),
				zap.String("next_provider", next),
				zap.Float64("response_time_ms", f.ResponseTimeMs))...)
	}

	err := &ExhaustedError{Attempts: attempts}
	span.SetAttributes(attribute.Bool("exhausted", true))
	c.logger.Error("cascade exhausted", append(c.traceFields(tc), zap.Error(err))...)
	return nil, err
}

// skipReason composes the availability gates for one candidate.
func (c *Cascade) skipReason(ctx context.Context, p Provider) (bool, string) {
	if !p.Available(ctx) {
		return true, "provider unavailable"
	}
	if !c.breakers.Get(p.Name()).CanAttempt() {
		return true, "circuit breaker open"
	}
	if allowed, reason := c.quotas.CheckAvailability(ctx, p.Model()); !allowed {
		return true, reason
	}
	return false, ""
}

// attempt runs one provider call under its configured timeout and
// records the outcome. It reports either the response or the
// classified failure.
func (c *Cascade) attempt(ctx context.Context, p Provider, req *Request) (*Response, failure.ProviderFailure, bool) {
	cb := c.breakers.Get(p.Name())
	tc, _ := tracing.FromContext(ctx)

	attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout())
	start := time.Now()
	resp, err := p.Complete(attemptCtx, req)
	cancel()
	latencyMs := float64(time.Since(start)) / float64(time.Millisecond)

	if err == nil && resp == nil {
		err = errors.New("provider returned an empty response")
	}

	if err != nil {
		f := failure.Classify(p.Name(), err)
		f.ResponseTimeMs = latencyMs

		// A cancelled in-flight attempt still counts as a failure:
		// undercounting real unavailability would keep a dying
		// provider in rotation.
		cb.RecordFailure(f.Kind, latencyMs)
		c.quotas.IncrementUsage(ctx, p.Model(), 0)
		c.alerts.CriticalFailure(f, tc)
		c.alerts.RecordError(p.Name(), f.Kind)
		return nil, f, false
	}

	cb.RecordSuccess(latencyMs)
	cb.RecordSlowResponse(latencyMs)
	c.quotas.IncrementUsage(ctx, p.Model(), int64(resp.TokensUsed))

	if resp.Provider == "" {
		resp.Provider = p.Name()
	}
	if resp.Model == "" {
		resp.Model = p.Model()
	}
	resp.LatencyMs = int64(latencyMs)
	return resp, failure.ProviderFailure{}, true
}

func (c *Cascade) traceFields(tc *tracing.TraceContext) []zap.Field {
	if tc == nil {
		return nil
	}
	return []zap.Field{
		zap.String("request_id", tc.RequestID),
		zap.String("correlation_id", tc.CorrelationID),
	}
}
