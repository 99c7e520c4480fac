// Package notification delivers hedging alerts to external channels
// (Telegram, webhooks). Delivery is best-effort: a failed alert never
// blocks or aborts a hedge cycle.
package notification

import (
	"context"
	"log/slog"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// Multi fans one alert out to several backends. Sends run in their own
// goroutine with a bounded deadline so callers on the hedge path never wait.
type Multi struct {
	backends []Notifier
}

// NewMulti creates a fan-out notifier. Nil backends are skipped.
func NewMulti(backends ...Notifier) *Multi {
	m := &Multi{}
	for _, b := range backends {
		if b != nil {
			m.backends = append(m.backends, b)
		}
	}
	return m
}

// Backends reports how many backends are configured.
func (m *Multi) Backends() int { return len(m.backends) }

// Notify dispatches the alert asynchronously to every backend.
func (m *Multi) Notify(alert Alert) {
	for _, b := range m.backends {
		go func(n Notifier) {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := n.Send(ctx, alert); err != nil {
				slog.Warn("alert delivery failed", "title", alert.Title, "error", err)
			}
		}(b)
	}
}

// LogNotifier writes alerts to the structured log (useful for development).
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	slog.Info("alert", "level", string(alert.Level), "title", alert.Title, "message", alert.Message)
	return nil
}
