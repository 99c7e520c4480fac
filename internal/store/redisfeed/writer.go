// Package redisfeed publishes live prices and hedge executions to Redis so
// dashboards and downstream consumers can follow the engine without talking
// to it directly. Redis is optional: the daemon runs without it.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const defaultLatestTTL = 30 * time.Minute

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer mirrors engine output into Redis: latest-value keys with TTL plus
// PubSub channels for real-time subscribers.
type Writer struct {
	client *goredis.Client
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// New creates a Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	slog.Info("redis connected", "addr", cfg.Addr)
	return &Writer{client: client}, nil
}

// PublishPrice writes the latest price for an instrument and publishes it.
func (w *Writer) PublishPrice(ctx context.Context, instrument string, price, iv float64) {
	payload, err := json.Marshal(map[string]any{
		"instrument": instrument,
		"price":      price,
		"iv":         iv,
		"ts":         time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	data := string(payload)

	pipe := w.client.Pipeline()
	pipe.Set(ctx, "price:latest:"+instrument, data, defaultLatestTTL)
	pipe.Publish(ctx, "pub:price:"+instrument, data)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("redis price pipeline failed", "instrument", instrument, "error", err)
	}
}

// PublishHedge writes the latest hedge for a portfolio and publishes it.
func (w *Writer) PublishHedge(ctx context.Context, portfolioID string, usd, price float64) {
	payload, err := json.Marshal(map[string]any{
		"portfolio_id": portfolioID,
		"qty_usd":      usd,
		"price":        price,
		"ts":           time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	data := string(payload)

	pipe := w.client.Pipeline()
	pipe.Set(ctx, "hedge:latest:"+portfolioID, data, defaultLatestTTL)
	pipe.Publish(ctx, "pub:hedge:"+portfolioID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Warn("redis hedge pipeline failed", "portfolio", portfolioID, "error", err)
	}
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
