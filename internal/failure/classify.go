package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// DefaultTimeout is recorded in timeout failure metadata when the
// source error does not expose its own deadline.
const DefaultTimeout = 10 * time.Second

// Optional interfaces a provider error may implement to enrich
// classification.
type statusCoder interface {
	StatusCode() int
}

type retryAfterer interface {
	RetryAfter() time.Duration
}

type timeouter interface {
	TimeoutDuration() time.Duration
}

// Classify maps an arbitrary provider error to a typed ProviderFailure.
// It never fails: every error, including nil, yields exactly one
// result. Heuristics run in a fixed priority order over the lower-cased
// error text and type name; the invalid-request check runs last so a
// generic "invalid" substring cannot mask authentication or rate-limit
// signals.
func Classify(provider string, err error) ProviderFailure {
	now := time.Now()

	if err == nil {
		return ProviderFailure{
			Provider:   provider,
			Kind:       KindUnknown,
			Severity:   SeverityLow,
			Message:    "no error",
			OccurredAt: now,
		}
	}

	text := strings.ToLower(err.Error())
	typeName := strings.ToLower(fmt.Sprintf("%T", err))

	if isTimeout(err, text, typeName) {
		timeout := DefaultTimeout
		var te timeouter
		if errors.As(err, &te) {
			timeout = te.TimeoutDuration()
		}
		return ProviderFailure{
			Provider:   provider,
			Kind:       KindTimeout,
			Severity:   SeverityMedium,
			Message:    err.Error(),
			OccurredAt: now,
			Metadata:   map[string]any{"timeout_seconds": timeout.Seconds()},
		}
	}

	if strings.Contains(text, "rate limit") || strings.Contains(text, "429") || strings.Contains(text, "too many requests") {
		meta := map[string]any{}
		var ra retryAfterer
		if errors.As(err, &ra) {
			meta["retry_after"] = ra.RetryAfter().Seconds()
		}
		return ProviderFailure{
			Provider:   provider,
			Kind:       KindRateLimit,
			Severity:   SeverityHigh,
			Message:    err.Error(),
			OccurredAt: now,
			StatusCode: 429,
			Metadata:   meta,
		}
	}

	if strings.Contains(text, "quota") {
		return ProviderFailure{
			Provider:   provider,
			Kind:       KindQuotaExceeded,
			Severity:   SeverityHigh,
			Message:    err.Error(),
			OccurredAt: now,
			StatusCode: 429,
		}
	}

	if strings.Contains(text, "401") || strings.Contains(text, "unauthorized") ||
		strings.Contains(text, "authentication") || strings.Contains(text, "api key") {
		return ProviderFailure{
			Provider:   provider,
			Kind:       KindAuthentication,
			Severity:   SeverityCritical,
			Message:    err.Error(),
			OccurredAt: now,
			StatusCode: 401,
		}
	}

	if strings.Contains(text, "network") || strings.Contains(text, "connection") || strings.Contains(text, "dns") {
		return ProviderFailure{
			Provider:   provider,
			Kind:       KindNetwork,
			Severity:   SeverityHigh,
			Message:    err.Error(),
			OccurredAt: now,
		}
	}

	if strings.Contains(text, "400") || strings.Contains(text, "bad request") || strings.Contains(text, "invalid") {
		status := 400
		var sc statusCoder
		if errors.As(err, &sc) {
			status = sc.StatusCode()
		}
		return ProviderFailure{
			Provider:   provider,
			Kind:       KindInvalidRequest,
			Severity:   SeverityMedium,
			Message:    err.Error(),
			OccurredAt: now,
			StatusCode: status,
		}
	}

	return ProviderFailure{
		Provider:   provider,
		Kind:       KindProviderError,
		Severity:   SeverityMedium,
		Message:    err.Error(),
		OccurredAt: now,
	}
}

func isTimeout(err error, text, typeName string) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(text, "timeout") || strings.Contains(text, "timed out") ||
		strings.Contains(typeName, "timeout")
}
