// Package alerting observes breaker and error-rate events and fans
// alerts out to registered handlers. Alerts are enqueued and delivered
// by a dedicated dispatcher goroutine, so a slow or broken sink never
// blocks the request path.
package alerting

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tdnqanh/llm-cascade/internal/failure"
	"github.com/tdnqanh/llm-cascade/internal/tracing"
)

// Level of an alert.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Alert is one notification.
type Alert struct {
	Level     Level          `json:"level"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
}

// Handler delivers one alert. Handlers are best-effort: an error or
// panic is logged and never propagates.
type Handler func(Alert) error

const (
	defaultMaxHistory             = 1000
	defaultCircuitOpenThreshold   = 3
	defaultCriticalErrorThreshold = 5
	defaultErrorRateThreshold     = 0.5
	defaultErrorWindow            = 60 * time.Second
	// assumedMaxErrorsPerMinute normalizes the raw errors-per-minute
	// rate into the 0..1 range the threshold is compared against.
	assumedMaxErrorsPerMinute = 100.0
	queueCapacity             = 256
)

// Manager holds alert history, registered handlers, and the threshold
// counters that drive escalation alerts.
type Manager struct {
	logger *zap.Logger
	now    func() time.Time

	queue chan Alert
	done  chan struct{}

	mu                     sync.Mutex
	closed                 bool
	handlers               []Handler
	history                []Alert
	maxHistory             int
	circuitOpenCount       int
	criticalErrorCount     int
	circuitOpenThreshold   int
	criticalErrorThreshold int
	errorRateThreshold     float64
	errorWindow            time.Duration
	errorTimestamps        []time.Time
}

func NewManager(logger *zap.Logger) *Manager {
	m := &Manager{
		logger:                 logger,
		now:                    time.Now,
		queue:                  make(chan Alert, queueCapacity),
		done:                   make(chan struct{}),
		maxHistory:             defaultMaxHistory,
		circuitOpenThreshold:   defaultCircuitOpenThreshold,
		criticalErrorThreshold: defaultCriticalErrorThreshold,
		errorRateThreshold:     defaultErrorRateThreshold,
		errorWindow:            defaultErrorWindow,
	}
	go m.dispatch()
	return m
}

// RegisterHandler adds a notification sink.
func (m *Manager) RegisterHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Close stops the dispatcher after draining queued alerts.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.queue)
	<-m.done
}

func (m *Manager) dispatch() {
	defer close(m.done)
	for alert := range m.queue {
		m.mu.Lock()
		handlers := make([]Handler, len(m.handlers))
		copy(handlers, m.handlers)
		m.mu.Unlock()

		for _, h := range handlers {
			m.deliver(h, alert)
		}
	}
}

func (m *Manager) deliver(h Handler, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Warn("alert handler panicked", zap.Any("panic", r), zap.String("title", alert.Title))
		}
	}()
	if err := h(alert); err != nil {
		m.logger.Warn("alert handler failed", zap.Error(err), zap.String("title", alert.Title))
	}
}

// send appends to history and enqueues for dispatch. A full queue
// drops the alert rather than blocking the caller. The enqueue stays
// under the lock: Close sets closed before closing the channel, so a
// send that saw closed=false finishes before the channel can close.
func (m *Manager) send(alert Alert) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, alert)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
	if m.closed {
		return
	}
	select {
	case m.queue <- alert:
	default:
		m.logger.Warn("alert queue full, dropping alert", zap.String("title", alert.Title))
	}
}

// CircuitOpened records a breaker opening and escalates when several
// circuits are open system-wide.
func (m *Manager) CircuitOpened(providerName string, failureCount int, tc *tracing.TraceContext) {
	m.mu.Lock()
	m.circuitOpenCount++
	openCount := m.circuitOpenCount
	threshold := m.circuitOpenThreshold
	m.mu.Unlock()

	metadata := map[string]any{
		"provider_name":      providerName,
		"failure_count":      failureCount,
		"circuit_open_count": openCount,
	}
	if tc != nil {
		metadata["trace_context"] = tc.Fields()
	}
	m.send(Alert{
		Level:     LevelError,
		Title:     fmt.Sprintf("Circuit Breaker Opened: %s", providerName),
		Message:   fmt.Sprintf("Circuit breaker opened for %s after %d failures", providerName, failureCount),
		Metadata:  metadata,
		CreatedAt: m.now(),
		Source:    "circuit_breaker",
	})

	if openCount >= threshold {
		m.send(Alert{
			Level:     LevelCritical,
			Title:     "Multiple Circuit Breakers Open",
			Message:   fmt.Sprintf("%d circuit breakers are currently open", openCount),
			Metadata:  map[string]any{"circuit_open_count": openCount},
			CreatedAt: m.now(),
			Source:    "circuit_breaker",
		})
	}
}

// CriticalFailure alerts on critical-severity provider failures and
// escalates when too many accumulate.
func (m *Manager) CriticalFailure(f failure.ProviderFailure, tc *tracing.TraceContext) {
	if f.Severity != failure.SeverityCritical {
		return
	}

	m.mu.Lock()
	m.criticalErrorCount++
	count := m.criticalErrorCount
	threshold := m.criticalErrorThreshold
	m.mu.Unlock()

	metadata := f.Fields()
	if tc != nil {
		metadata["trace_context"] = tc.Fields()
	}
	m.send(Alert{
		Level:     LevelCritical,
		Title:     fmt.Sprintf("Critical Error: %s", f.Provider),
		Message:   fmt.Sprintf("Critical error in %s: %s", f.Provider, f.Message),
		Metadata:  metadata,
		CreatedAt: f.OccurredAt,
		Source:    "provider_error",
	})

	if count >= threshold {
		m.send(Alert{
			Level:     LevelCritical,
			Title:     "Critical Error Threshold Breached",
			Message:   fmt.Sprintf("%d critical errors detected", count),
			Metadata:  map[string]any{"critical_error_count": count, "threshold": threshold},
			CreatedAt: m.now(),
			Source:    "error_threshold",
		})
	}
}

// RecordError feeds the sliding error-rate window and emits a warning
// when the normalized rate crosses the threshold.
func (m *Manager) RecordError(providerName string, kind failure.Kind) {
	now := m.now()

	m.mu.Lock()
	m.errorTimestamps = append(m.errorTimestamps, now)
	cutoff := now.Add(-m.errorWindow)
	kept := m.errorTimestamps[:0]
	for _, ts := range m.errorTimestamps {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.errorTimestamps = kept

	perMinute := float64(len(kept)) / m.errorWindow.Minutes()
	normalized := perMinute / assumedMaxErrorsPerMinute
	if normalized > 1 {
		normalized = 1
	}
	threshold := m.errorRateThreshold
	m.mu.Unlock()

	if normalized >= threshold {
		m.send(Alert{
			Level:   LevelWarning,
			Title:   fmt.Sprintf("High Error Rate: %s", providerName),
			Message: fmt.Sprintf("Error rate for %s is %.1f%% (threshold: %.1f%%)", providerName, normalized*100, threshold*100),
			Metadata: map[string]any{
				"provider_name": providerName,
				"error_type":    string(kind),
				"error_rate":    normalized,
				"threshold":     threshold,
			},
			CreatedAt: now,
			Source:    "error_rate",
		})
	}
}

// History returns up to limit most recent alerts, oldest first.
func (m *Manager) History(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > len(m.history) {
		limit = len(m.history)
	}
	out := make([]Alert, limit)
	copy(out, m.history[len(m.history)-limit:])
	return out
}

// ResetCounters clears the escalation counters and error window but
// keeps the alert history.
func (m *Manager) ResetCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.circuitOpenCount = 0
	m.criticalErrorCount = 0
	m.errorTimestamps = nil
}
