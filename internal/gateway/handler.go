package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tdnqanh/llm-cascade/internal/alerting"
	"github.com/tdnqanh/llm-cascade/internal/breaker"
	"github.com/tdnqanh/llm-cascade/internal/cascade"
	"github.com/tdnqanh/llm-cascade/internal/quota"
	"github.com/tdnqanh/llm-cascade/internal/tracing"
	"github.com/tdnqanh/llm-cascade/pkg/ratelimit"
)

type Handler struct {
	cascade  *cascade.Cascade
	breakers *breaker.Manager
	quotas   *quota.Tracker
	alerts   *alerting.Manager
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

func NewHandler(c *cascade.Cascade, breakers *breaker.Manager, quotas *quota.Tracker, alerts *alerting.Manager, limiter *ratelimit.Limiter, logger *zap.Logger) *Handler {
	return &Handler{
		cascade:  c,
		breakers: breakers,
		quotas:   quotas,
		alerts:   alerts,
		limiter:  limiter,
		logger:   logger,
	}
}

// Routes mounts the completion and diagnostics endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(h.RateLimit)
		r.Post("/v1/chat/completions", h.HandleComplete)
	})
	r.Get("/v1/breakers", h.HandleBreakers)
	r.Post("/v1/breakers/reset", h.HandleBreakersReset)
	r.Get("/v1/alerts", h.HandleAlerts)
	r.Get("/v1/quota/{model}", h.HandleQuota)
	return r
}

// RateLimit rejects callers that exceed the sliding-window limit,
// keyed by client address. This guards against caller abuse and is
// independent of provider-side gates.
func (h *Handler) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			key = r.RemoteAddr
		}

		allowed, retryAfter, err := h.limiter.Allow(r.Context(), key)
		if err != nil {
			h.logger.Warn("rate limit check failed, allowing request", zap.Error(err))
		} else if !allowed {
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error":       "rate limit exceeded",
				"retry_after": fmt.Sprintf("%ds", seconds),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	tc := tracing.New(
		tracing.WithRequestID(r.Header.Get("X-Request-ID")),
		tracing.WithCorrelationID(r.Header.Get("X-Correlation-ID")),
		tracing.WithQueryOrigin("api"),
	)
	ctx := tracing.NewContext(r.Context(), tc)
	w.Header().Set("X-Request-ID", tc.RequestID)

	var req cascade.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages is required"})
		return
	}

	response, err := h.cascade.Do(ctx, &req)
	if err != nil {
		var exhausted *cascade.ExhaustedError
		if errors.As(err, &exhausted) {
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":      "no provider could handle the request",
				"attempts":   exhausted.Attempts,
				"request_id": tc.RequestID,
			})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"id":       uuid.New().String(),
		"object":   "chat.completion",
		"model":    response.Model,
		"provider": response.Provider,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": response.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"total_tokens": response.TokensUsed,
		},
	})
}

func (h *Handler) HandleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.breakers.AllStats())
}

func (h *Handler) HandleBreakersReset(w http.ResponseWriter, r *http.Request) {
	h.breakers.ResetAll()
	h.alerts.ResetCounters()
	h.logger.Info("circuit breakers reset")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": h.alerts.History(limit)})
}

func (h *Handler) HandleQuota(w http.ResponseWriter, r *http.Request) {
	model := chi.URLParam(r, "model")
	rec, err := h.quotas.Usage(r.Context(), model)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	allowed, reason := h.quotas.CheckAvailability(r.Context(), model)
	writeJSON(w, http.StatusOK, map[string]any{
		"model":   model,
		"allowed": allowed,
		"reason":  reason,
		"usage":   rec,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
