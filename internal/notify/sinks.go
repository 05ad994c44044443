package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"vitalwatch/internal/models"
	"vitalwatch/pkg/mqtt"

	"go.uber.org/zap"
)

func panicError(rec interface{}) error {
	return fmt.Errorf("sink panicked: %v", rec)
}

// WebhookSink POSTs the alert as JSON to an HTTP endpoint. Used for the
// EHR integration and for email/SMS gateway services, which take the
// payload from here and own their queueing and retries.
type WebhookSink struct {
	name    string
	url     string
	client  *http.Client
	headers map[string]string
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(name, url string, timeout time.Duration, headers map[string]string) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		name:    name,
		url:     url,
		client:  &http.Client{Timeout: timeout},
		headers: headers,
	}
}

// Name implements Sink.
func (s *WebhookSink) Name() string { return s.name }

// Deliver implements Sink.
func (s *WebhookSink) Deliver(ctx context.Context, alert *models.BiometricAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// DashboardSink pushes alerts to the clinician dashboard over MQTT.
type DashboardSink struct {
	client      *mqtt.Client
	topicPrefix string
}

// NewDashboardSink creates the sink. topicPrefix defaults to
// "vitalwatch/alerts/".
func NewDashboardSink(client *mqtt.Client, topicPrefix string) *DashboardSink {
	if topicPrefix == "" {
		topicPrefix = "vitalwatch/alerts/"
	}
	return &DashboardSink{
		client:      client,
		topicPrefix: topicPrefix,
	}
}

// Name implements Sink.
func (s *DashboardSink) Name() string { return "dashboard" }

// Deliver implements Sink.
func (s *DashboardSink) Deliver(ctx context.Context, alert *models.BiometricAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return s.client.Publish(s.topicPrefix+alert.PatientID, payload)
}

// LogSink writes alerts to the structured log. Useful in development
// and as an always-on delivery record.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates the sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{
		logger: logger.Named("alert"),
	}
}

// Name implements Sink.
func (s *LogSink) Name() string { return "log" }

// Deliver implements Sink.
func (s *LogSink) Deliver(ctx context.Context, alert *models.BiometricAlert) error {
	s.logger.Info("Alert notification",
		zap.String("alert_id", alert.AlertID),
		zap.String("patient_id", alert.PatientID),
		zap.String("rule_name", alert.RuleName),
		zap.String("priority", string(alert.Priority)),
		zap.String("message", alert.Message),
	)
	return nil
}
