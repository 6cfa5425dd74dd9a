package alerting

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const webhookTimeout = 5 * time.Second

// RegisterWebhook adds a handler that POSTs each alert as JSON to url.
// Delivery is best-effort with a short timeout; failures surface only
// through the manager's logger.
func (m *Manager) RegisterWebhook(url string) {
	client := &http.Client{Timeout: webhookTimeout}
	m.RegisterHandler(func(alert Alert) error {
		payload := map[string]any{
			"level":     string(alert.Level),
			"title":     alert.Title,
			"message":   alert.Message,
			"metadata":  alert.Metadata,
			"timestamp": alert.CreatedAt.Unix(),
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode webhook payload: %w", err)
		}

		resp, err := client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to send webhook alert: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
}
