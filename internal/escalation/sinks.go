package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/blazealert/internal/models"
)

// LogSink writes each escalatable to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("escalation")}
}

// Name returns "log".
func (s *LogSink) Name() string {
	return "log"
}

// Deliver logs one line per item.
func (s *LogSink) Deliver(ctx context.Context, items []models.Escalatable) error {
	for _, item := range items {
		fields := []zap.Field{zap.String("short_reason", item.ShortReason)}
		if a := item.Alert; a != nil {
			fields = append(fields, zap.String("alert_id", a.ID), zap.Time("ctime", a.CTime))
			if a.Definition != nil {
				fields = append(fields,
					zap.String("definition", a.Definition.Name),
					zap.Stringer("priority", a.Definition.Priority),
					zap.Stringer("entity", a.Definition.Entity))
			}
		}
		s.logger.Info("alert escalated", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close() error {
	return nil
}

// DefaultWebhookTimeout bounds a webhook delivery.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookConfig holds webhook sink configuration.
type WebhookConfig struct {
	URL     string        // Endpoint of the escalation subsystem
	Timeout time.Duration // Request timeout (default: 10s)
}

// Validate validates the webhook configuration.
func (c *WebhookConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if !strings.HasPrefix(c.URL, "https://") && !strings.HasPrefix(c.URL, "http://") {
		return fmt.Errorf("webhook URL must be http or https")
	}
	return nil
}

// WebhookSink posts batches as JSON to the escalation subsystem.
type WebhookSink struct {
	config     WebhookConfig
	httpClient *http.Client
}

// NewWebhookSink creates a new webhook sink.
func NewWebhookSink(config WebhookConfig) (*WebhookSink, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid webhook config: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultWebhookTimeout
	}

	return &WebhookSink{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Name returns "webhook".
func (s *WebhookSink) Name() string {
	return "webhook"
}

type webhookPayload struct {
	SentAt time.Time            `json:"sent_at"`
	Count  int                  `json:"count"`
	Items  []models.Escalatable `json:"items"`
}

// Deliver posts the batch.
func (s *WebhookSink) Deliver(ctx context.Context, items []models.Escalatable) error {
	jsonData, err := json.Marshal(webhookPayload{
		SentAt: time.Now().UTC(),
		Count:  len(items),
		Items:  items,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook error: status %d, body: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Close releases idle connections.
func (s *WebhookSink) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
