package failure

import (
	"time"
)

// Kind categorizes a provider failure.
type Kind string

const (
	KindTimeout        Kind = "timeout"
	KindRateLimit      Kind = "rate_limit"
	KindQuotaExceeded  Kind = "quota_exceeded"
	KindInvalidRequest Kind = "invalid_request"
	KindAuthentication Kind = "authentication"
	KindNetwork        Kind = "network"
	KindProviderError  Kind = "provider_error"
	KindUnknown        Kind = "unknown"
)

// Severity ranks how serious a failure is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ProviderFailure is the structured record of one failed provider
// attempt. It is built once by Classify and not mutated afterwards.
type ProviderFailure struct {
	Provider       string
	Kind           Kind
	Severity       Severity
	Message        string
	OccurredAt     time.Time
	RetryCount     int
	ResponseTimeMs float64 // 0 when not measured
	StatusCode     int     // 0 when not known
	Metadata       map[string]any
}

// Error implements the error interface so a ProviderFailure can travel
// through error-returning call chains without losing its typing.
func (f ProviderFailure) Error() string {
	return f.Provider + ": " + string(f.Kind) + ": " + f.Message
}

// Fields returns the failure as a flat map for structured logging and
// alert metadata.
func (f ProviderFailure) Fields() map[string]any {
	fields := map[string]any{
		"provider_name": f.Provider,
		"error_type":    string(f.Kind),
		"severity":      string(f.Severity),
		"error_message": f.Message,
		"timestamp":     f.OccurredAt,
		"retry_count":   f.RetryCount,
	}
	if f.ResponseTimeMs > 0 {
		fields["response_time_ms"] = f.ResponseTimeMs
	}
	if f.StatusCode != 0 {
		fields["status_code"] = f.StatusCode
	}
	for k, v := range f.Metadata {
		fields[k] = v
	}
	return fields
}
