package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dneutral/config"
	"dneutral/internal/exchange"
	"dneutral/internal/hedger"
	"dneutral/internal/journal"
	"dneutral/internal/logger"
	"dneutral/internal/metrics"
	"dneutral/internal/model"
	"dneutral/internal/notification"
	"dneutral/internal/portfolio"
	"dneutral/internal/store/redisfeed"
)

func main() {
	cfg := config.Load()
	logger.Init("hedged", logger.ParseLevel(cfg.LogLevel))
	slog.Info("starting", "underlying", cfg.Underlying, "exchange", cfg.DeribitURL)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Portfolio store ----
	os.MkdirAll(cfg.DataDir, 0o755)
	store, err := portfolio.NewStore(cfg.DataDir)
	if err != nil {
		slog.Error("portfolio store init failed", "error", err)
		os.Exit(1)
	}
	store.OnSave = func(id string) {
		prom.PortfolioSaves.Inc()
	}
	if err := store.Load(); err != nil {
		slog.Error("portfolio load failed", "error", err)
		os.Exit(1)
	}
	store.EnsureDefault(cfg.Underlying)
	health.SetActivePortfolios(len(store.List()))
	slog.Info("portfolio store ready", "portfolios", store.List())

	// ---- Hedge journal ----
	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		slog.Error("journal init failed", "error", err)
		os.Exit(1)
	}
	defer jnl.Close()
	health.SetJournalOK(true)

	// ---- Redis feed (optional) ----
	var feed *redisfeed.Writer
	feed, err = redisfeed.New(redisfeed.WriterConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		slog.Warn("redis init failed, continuing without redis", "error", err)
		feed = nil
		health.SetRedisConnected(false)
	} else {
		health.SetRedisConnected(true)
	}

	// ---- Periodic liveness checks ----
	if feed != nil {
		health.StartLivenessChecker(ctx, feed.Client(), jnl.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, jnl.DB(), 10*time.Second)
	}

	// ---- Alerts ----
	var backends []notification.Notifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.AlertWebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	notifier := notification.NewMulti(backends...)
	if notifier.Backends() > 0 {
		slog.Info("alert delivery enabled", "backends", notifier.Backends())
	}

	// ---- Exchange client ----
	client := exchange.NewClient(exchange.Config{
		URL:          cfg.DeribitURL,
		ClientID:     cfg.DeribitClientID,
		ClientSecret: cfg.DeribitClientSecret,
	})
	client.OnReconnect = func(socket string) {
		prom.WSReconnects.WithLabelValues(socket).Inc()
		notifier.Notify(notification.Alert{
			Level:   notification.AlertWarning,
			Title:   "exchange reconnect",
			Message: fmt.Sprintf("socket %s reconnected", socket),
		})
	}
	client.OnSubscribe = func(channels int) {
		prom.SubscribeCalls.Inc()
	}
	client.OnTick = func(instrument string) {
		prom.TicksTotal.Inc()
		health.SetLastTickTime(time.Now())
		if feed != nil {
			if q, ok := client.LatestQuote(instrument); ok {
				start := time.Now()
				feed.PublishPrice(ctx, instrument, q.MarkPrice, q.IV)
				prom.RedisWriteDur.Observe(time.Since(start).Seconds())
			}
		}
	}
	if err := client.Connect(ctx); err != nil {
		slog.Error("exchange connect failed", "error", err)
		os.Exit(1)
	}
	defer client.Close()
	health.SetWSConnected(true)
	slog.Info("exchange connected", "url", cfg.DeribitURL)

	// ---- Coordinator ----
	coord := hedger.NewCoordinator(hedger.CoordinatorConfig{
		Hedger: hedger.Config{
			Underlying:      cfg.Underlying,
			TargetDelta:     cfg.TargetDelta,
			MinTriggerDelta: cfg.MinTriggerDelta,
			StepMode:        hedger.ParseStepMode(cfg.StepMode),
			StepSize:        cfg.StepSize,
			CheckInterval:   cfg.CheckInterval,
			Volatility:      cfg.Volatility,
			RiskFreeRate:    cfg.RiskFreeRate,
			MinHedgeUSD:     cfg.MinHedgeUSD,
		},
	}, store, client)
	coord.OnCycle = func(d time.Duration) {
		prom.HedgeCycleDur.Observe(d.Seconds())
	}
	coord.OnHedge = func(portfolioID, kind string, usd, price float64) {
		prom.HedgesTotal.WithLabelValues(kind).Inc()
		prom.HedgedUSDTotal.Add(math.Abs(usd))

		h := journal.Hedge{
			PortfolioID: portfolioID,
			Kind:        kind,
			QtyUSD:      usd,
			Price:       price,
			ExecutedAt:  time.Now(),
		}
		if p := store.Get(portfolioID); p != nil {
			h.Instrument = model.PerpetualInstrument(p.Underlying())
			h.RealizedPnL = p.RealizedPnL()
			if kind == "initial" {
				h.PositionAfter, _ = p.InitialHedgePosition()
			} else {
				h.PositionAfter, _ = p.FuturesPosition()
			}
		}
		start := time.Now()
		if err := jnl.RecordHedge(h); err != nil {
			slog.Error("journal write failed", "portfolio", portfolioID, "error", err)
		}
		prom.JournalDur.Observe(time.Since(start).Seconds())

		if feed != nil {
			feed.PublishHedge(ctx, portfolioID, usd, price)
		}
		notifier.Notify(notification.Alert{
			Level: notification.AlertInfo,
			Title: "hedge executed",
			Message: fmt.Sprintf("portfolio %s: %s hedge %+.0f USD @ %.2f",
				portfolioID, kind, usd, price),
		})
	}
	coord.Start()
	slog.Info("hedging coordinator running",
		"target_delta", cfg.TargetDelta, "step_mode", cfg.StepMode, "step_size", cfg.StepSize)

	// ---- Gauge refresh ----
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := coord.GetAllHedgerStats()
				running := 0
				for _, s := range stats {
					if s.Running {
						running++
					}
				}
				prom.ActiveHedgers.Set(float64(running))
				health.SetActivePortfolios(len(stats))
				health.SetWSConnected(client.Connected())
			}
		}
	}()

	// ---- Wait for shutdown signal ----
	<-sigCh
	slog.Info("shutdown signal received")
	cancel()

	coord.Stop()
	if err := store.Close(); err != nil {
		slog.Error("portfolio flush failed", "error", err)
	}
	client.Close()
	if feed != nil {
		feed.Close()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	slog.Info("shutdown complete")
}
