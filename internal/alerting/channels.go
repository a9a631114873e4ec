package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/google/uuid"

	"abuse-guard/internal/schema"
)

// Notification is the message delivered to administrators for an alert.
type Notification struct {
	ID          uuid.UUID         `json:"id"`
	AlertID     uuid.UUID         `json:"alert_id"`
	Timestamp   time.Time         `json:"timestamp"`
	Severity    schema.Severity   `json:"severity"`
	PatternName string            `json:"pattern_name"`
	Identifier  string            `json:"identifier"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewNotification builds the admin notification for a.
func NewNotification(a *Alert) *Notification {
	return &Notification{
		ID:          uuid.New(),
		AlertID:     a.ID,
		Timestamp:   a.Timestamp,
		Severity:    a.Severity,
		PatternName: a.PatternName,
		Identifier:  a.Identifier,
		Title:       fmt.Sprintf("[%s] %s", strings.ToUpper(string(a.Severity)), a.PatternName),
		Description: a.Description,
		Metadata:    a.Metadata,
	}
}

// Text renders n as plain text for chat transports.
func (n *Notification) Text() string {
	return fmt.Sprintf("%s\n\n%s\nidentifier: %s\nalert: %s", n.Title, n.Description, n.Identifier, n.AlertID)
}

// Channel is a notification transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// WebhookChannel posts notifications as JSON to an HTTP endpoint.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookChannel creates a new webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, n *Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// ShoutrrrChannel delivers to any shoutrrr service URL (Slack, Discord,
// Telegram, SMTP and others).
type ShoutrrrChannel struct {
	name string
	url  string
	send func(url, message string) error
}

// NewShoutrrrChannel creates a channel for one shoutrrr service URL.
func NewShoutrrrChannel(url string) *ShoutrrrChannel {
	scheme := url
	if i := strings.Index(url, "://"); i > 0 {
		scheme = url[:i]
	}
	return &ShoutrrrChannel{
		name: "shoutrrr:" + scheme,
		url:  url,
		send: shoutrrr.Send,
	}
}

func (s *ShoutrrrChannel) Name() string {
	return s.name
}

// Send delivers the message. shoutrrr has no context support, so a cancelled
// ctx abandons the wait but not the underlying request.
func (s *ShoutrrrChannel) Send(ctx context.Context, n *Notification) error {
	done := make(chan error, 1)
	go func() {
		done <- s.send(s.url, n.Text())
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type jsonProducer interface {
	ProduceJSON(ctx context.Context, key string, value interface{}) error
}

// KafkaChannel publishes notifications to a Kafka topic, keyed by pattern so
// one pattern's notifications stay ordered.
type KafkaChannel struct {
	producer jsonProducer
}

// NewKafkaChannel creates a Kafka channel over producer.
func NewKafkaChannel(producer jsonProducer) *KafkaChannel {
	return &KafkaChannel{producer: producer}
}

func (k *KafkaChannel) Name() string {
	return "kafka"
}

func (k *KafkaChannel) Send(ctx context.Context, n *Notification) error {
	return k.producer.ProduceJSON(ctx, n.PatternName, n)
}

// LogChannel writes notifications to the structured log. It is used when no
// other channel is configured.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(_ context.Context, n *Notification) error {
	l.logger.Warn("admin notification",
		"alert_id", n.AlertID,
		"pattern", n.PatternName,
		"severity", n.Severity,
		"identifier", n.Identifier,
		"description", n.Description,
	)
	return nil
}
