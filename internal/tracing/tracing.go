// Package tracing carries per-request correlation identifiers through
// the call stack via context.Context. One TraceContext is created per
// inbound request and dropped with that request's context; nothing is
// stored globally.
package tracing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const traceKey contextKey = "trace_context"

// TraceContext ties together all log and alert records belonging to
// one logical request.
type TraceContext struct {
	RequestID     string
	CorrelationID string
	CreatedAt     time.Time
	UserSession   string
	QueryOrigin   string

	mu            sync.Mutex
	providerChain []string
	metadata      map[string]any
}

// Option configures a new TraceContext.
type Option func(*TraceContext)

func WithRequestID(id string) Option {
	return func(tc *TraceContext) {
		if id != "" {
			tc.RequestID = id
		}
	}
}

func WithCorrelationID(id string) Option {
	return func(tc *TraceContext) {
		if id != "" {
			tc.CorrelationID = id
		}
	}
}

func WithUserSession(session string) Option {
	return func(tc *TraceContext) { tc.UserSession = session }
}

func WithQueryOrigin(origin string) Option {
	return func(tc *TraceContext) { tc.QueryOrigin = origin }
}

func WithMetadata(key string, value any) Option {
	return func(tc *TraceContext) { tc.metadata[key] = value }
}

// New creates a TraceContext, generating request and correlation ids
// when none are supplied.
func New(opts ...Option) *TraceContext {
	tc := &TraceContext{
		RequestID:     GenerateRequestID(),
		CorrelationID: GenerateCorrelationID(),
		CreatedAt:     time.Now(),
		metadata:      make(map[string]any),
	}
	for _, opt := range opts {
		opt(tc)
	}
	return tc
}

// NewContext returns a copy of ctx carrying tc.
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	return context.WithValue(ctx, traceKey, tc)
}

// FromContext extracts the TraceContext from ctx, if any.
func FromContext(ctx context.Context) (*TraceContext, bool) {
	tc, ok := ctx.Value(traceKey).(*TraceContext)
	if !ok || tc == nil {
		return nil, false
	}
	return tc, true
}

// Clear returns a context without any trace context, for handing work
// to scopes that must not inherit the current request's identifiers.
func Clear(ctx context.Context) context.Context {
	return context.WithValue(ctx, traceKey, (*TraceContext)(nil))
}

// AddProvider appends a provider name to the chain, once. The chain
// records cascade traversal order, so duplicates are dropped rather
// than re-ordered.
func (tc *TraceContext) AddProvider(name string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, p := range tc.providerChain {
		if p == name {
			return
		}
	}
	tc.providerChain = append(tc.providerChain, name)
}

// ProviderChain returns a copy of the providers visited so far.
func (tc *TraceContext) ProviderChain() []string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	chain := make([]string, len(tc.providerChain))
	copy(chain, tc.providerChain)
	return chain
}

// AddMetadata attaches a key/value pair to the trace.
func (tc *TraceContext) AddMetadata(key string, value any) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.metadata[key] = value
}

// Fields returns the trace context as a flat map for log and alert
// enrichment.
func (tc *TraceContext) Fields() map[string]any {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	fields := map[string]any{
		"request_id":     tc.RequestID,
		"correlation_id": tc.CorrelationID,
		"created_at":     tc.CreatedAt,
	}
	if tc.UserSession != "" {
		fields["user_session"] = tc.UserSession
	}
	if tc.QueryOrigin != "" {
		fields["query_origin"] = tc.QueryOrigin
	}
	if len(tc.providerChain) > 0 {
		chain := make([]string, len(tc.providerChain))
		copy(chain, tc.providerChain)
		fields["provider_chain"] = chain
	}
	for k, v := range tc.metadata {
		fields[k] = v
	}
	return fields
}

func GenerateRequestID() string {
	return "req_" + shortID()
}

func GenerateCorrelationID() string {
	return "corr_" + shortID()
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}
