// Package hedger contains the per-portfolio delta-hedging state machine and
// the coordinator that manages one hedger per portfolio.
//
// A Hedger runs a periodic cycle: resolve a usable perpetual price, place
// the one-time initial premium hedge if the ledger still owes one, then
// evaluate the dynamic trigger, compute the portfolio's net Black-Scholes
// delta and trade the perpetual to bring it back to target. All hedges are
// paper fills recorded on the Portfolio; no venue orders are placed.
package hedger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"dneutral/internal/model"
	"dneutral/internal/portfolio"
	"dneutral/internal/pricing"
)

const (
	priceFreshness   = 5 * time.Second
	priceWait        = 2 * time.Second
	initialPriceWait = 30 * time.Second
	maxHedgeInterval = time.Hour
	errorBackoff     = 5 * time.Second
	stopTimeout      = 5 * time.Second
)

// StepMode selects how the price-move trigger is measured.
type StepMode string

const (
	StepAbsolute   StepMode = "absolute"
	StepPercentage StepMode = "percentage"
)

// Config holds per-hedger tuning. Zero values fall back to defaults.
type Config struct {
	InstrumentName  string // perpetual hedge instrument
	Underlying      string
	TargetDelta     float64
	MinTriggerDelta float64
	StepMode        StepMode
	StepSize        float64
	CheckInterval   time.Duration
	Volatility      float64 // fallback IV when no live quote
	RiskFreeRate    float64
	MinHedgeUSD     float64
}

func (c Config) withDefaults() Config {
	if c.InstrumentName == "" {
		c.InstrumentName = model.PerpetualInstrument(c.Underlying)
	}
	if c.StepMode == "" {
		c.StepMode = StepAbsolute
	}
	if c.StepSize <= 0 {
		c.StepSize = 100
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 10 * time.Second
	}
	if c.Volatility <= 0 {
		c.Volatility = 0.8
	}
	if c.MinHedgeUSD <= 0 {
		c.MinHedgeUSD = 10
	}
	if c.MinTriggerDelta <= 0 {
		c.MinTriggerDelta = 0.01
	}
	return c
}

// Stats is a snapshot of one hedger's activity.
type Stats struct {
	PortfolioID     string    `json:"portfolio_id"`
	Running         bool      `json:"running"`
	CurrentDelta    float64   `json:"current_delta"`
	TargetDelta     float64   `json:"target_delta"`
	HedgeCount      int64     `json:"hedge_count"`
	TotalHedgedUSD  float64   `json:"total_hedged_usd"`
	TotalHedgedCoin float64   `json:"total_hedged_coin"`
	LastHedgeTime   time.Time `json:"last_hedge_time"`
	LastHedgePrice  float64   `json:"last_hedge_price"`
}

// MarketData supplies option mark prices and implied volatility.
// *exchange.Client satisfies it.
type MarketData interface {
	GetInstrumentMarkPriceAndIV(ctx context.Context, instrument string) (price, iv float64, err error)
}

// Hedger is the per-portfolio state machine: Stopped -> Running -> Stopped.
type Hedger struct {
	cfg    Config
	pf     *portfolio.Portfolio
	market MarketData

	mu             sync.Mutex
	running        bool
	pending        bool // at most one in-flight hedge attempt
	price          float64
	priceAt        time.Time
	hasPrice       bool
	priceCh        chan struct{}
	lastHedgePrice float64
	hasLastHedge   bool
	lastActivity   time.Time // last hedge or below-trigger check
	stats          Stats
	cancel         context.CancelFunc
	done           chan struct{}

	// OnHedge, if set, is called with the kind, signed USD notional and price of
	// every executed hedge. Used for metrics and journaling; must not block.
	OnHedge func(kind string, usd, price float64)

	// OnCycle, if set, observes each cycle's duration.
	OnCycle func(d time.Duration)
}

// New creates a stopped hedger for one portfolio.
func New(cfg Config, pf *portfolio.Portfolio, market MarketData) *Hedger {
	cfg = cfg.withDefaults()
	return &Hedger{
		cfg:     cfg,
		pf:      pf,
		market:  market,
		priceCh: make(chan struct{}),
		stats:   Stats{PortfolioID: pf.ID(), TargetDelta: cfg.TargetDelta},
	}
}

// Start launches the hedging loop. Returns false if already running.
func (h *Hedger) Start() bool {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return false
	}
	h.running = true
	if lp, ok := h.pf.LastHedgePrice(); ok {
		h.lastHedgePrice = lp
		h.hasLastHedge = true
		h.stats.LastHedgePrice = lp
	}
	h.lastActivity = time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	done := h.done
	h.mu.Unlock()

	go h.run(ctx, done)
	slog.Info("hedger started", "portfolio", h.pf.ID(), "instrument", h.cfg.InstrumentName)
	return true
}

// Stop cancels the loop and joins it with a bounded timeout. A loop that
// fails to exit in time is logged and abandoned. Returns false if not
// running.
func (h *Hedger) Stop() bool {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return false
	}
	h.running = false
	cancel := h.cancel
	done := h.done
	h.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		slog.Warn("hedger did not stop cleanly", "portfolio", h.pf.ID(), "timeout", stopTimeout)
	}
	slog.Info("hedger stopped", "portfolio", h.pf.ID())
	return true
}

// Running reports the state machine's state.
func (h *Hedger) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Stats returns a snapshot of the hedger's counters.
func (h *Hedger) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Running = h.running
	return s
}

// OnPrice feeds one ticker price into the hedger. Only the configured
// perpetual moves the cycle price; other instruments are ignored here
// because option marks are read from the market data cache.
func (h *Hedger) OnPrice(instrument string, price float64) {
	if instrument != h.cfg.InstrumentName || price <= 0 {
		return
	}
	h.mu.Lock()
	h.price = price
	h.priceAt = time.Now()
	h.hasPrice = true
	close(h.priceCh)
	h.priceCh = make(chan struct{})
	h.mu.Unlock()
}

func (h *Hedger) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Give the feed a grace period before the first cycle so the initial
	// hedge does not immediately skip on a cold cache.
	if !h.waitForFirstPrice(ctx, initialPriceWait) {
		if ctx.Err() != nil {
			return
		}
		slog.Warn("no price after initial wait, cycles will skip until one arrives",
			"portfolio", h.pf.ID(), "instrument", h.cfg.InstrumentName)
	}

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := h.cycle(ctx)
			if h.OnCycle != nil {
				h.OnCycle(time.Since(start))
			}
			if err != nil {
				slog.Error("hedge cycle failed", "portfolio", h.pf.ID(), "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(errorBackoff):
				}
			}
		}
	}
}

func (h *Hedger) waitForFirstPrice(ctx context.Context, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		h.mu.Lock()
		if h.hasPrice {
			h.mu.Unlock()
			return true
		}
		ch := h.priceCh
		h.mu.Unlock()
		select {
		case <-ch:
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// cycle runs one hedge evaluation. The pending flag guarantees at most one
// in-flight attempt per portfolio even if cycles overlap.
func (h *Hedger) cycle(ctx context.Context) error {
	h.mu.Lock()
	if h.pending {
		h.mu.Unlock()
		return nil
	}
	h.pending = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.pending = false
		h.mu.Unlock()
	}()

	price, ok := h.resolvePrice(ctx)
	if !ok {
		return nil
	}

	executed, err := h.runInitialHedge(price)
	if err != nil {
		return err
	}
	if executed {
		// An initial hedge this cycle defers the dynamic step to the next.
		return nil
	}

	if !h.shouldProcessHedge(price, time.Now()) {
		return nil
	}

	delta, err := h.NetDelta(ctx, price)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.stats.CurrentDelta = delta
	h.mu.Unlock()

	required := h.cfg.TargetDelta - delta
	if math.Abs(required) < h.cfg.MinTriggerDelta {
		h.mu.Lock()
		h.lastActivity = time.Now()
		h.mu.Unlock()
		slog.Debug("delta within trigger band", "portfolio", h.pf.ID(),
			"delta", delta, "required", required)
		return nil
	}

	usd := roundHedgeUSD(required*price, h.cfg.MinHedgeUSD)
	if usd == 0 {
		h.mu.Lock()
		h.lastActivity = time.Now()
		h.mu.Unlock()
		return nil
	}

	if err := h.pf.UpdateFuturesPosition(usd, price); err != nil {
		return fmt.Errorf("execute hedge: %w", err)
	}

	now := time.Now()
	h.mu.Lock()
	h.lastHedgePrice = price
	h.hasLastHedge = true
	h.lastActivity = now
	h.stats.HedgeCount++
	h.stats.TotalHedgedUSD += math.Abs(usd)
	h.stats.TotalHedgedCoin += math.Abs(usd) / price
	h.stats.LastHedgeTime = now
	h.stats.LastHedgePrice = price
	h.stats.CurrentDelta = delta + usd/price
	h.mu.Unlock()

	if h.OnHedge != nil {
		h.OnHedge("dynamic", usd, price)
	}
	slog.Info("hedge executed", "portfolio", h.pf.ID(), "usd", usd,
		"price", price, "delta_before", delta, "delta_after", delta+usd/price)
	return nil
}

// resolvePrice returns a usable perpetual price: the cached one when fresh,
// otherwise the next update within a bounded wait, otherwise the last known
// price with a warning. Reports false only when no price has ever arrived.
func (h *Hedger) resolvePrice(ctx context.Context) (float64, bool) {
	h.mu.Lock()
	if h.hasPrice && time.Since(h.priceAt) <= priceFreshness {
		p := h.price
		h.mu.Unlock()
		return p, true
	}
	hadEver := h.hasPrice
	last := h.price
	ch := h.priceCh
	h.mu.Unlock()

	select {
	case <-ch:
		h.mu.Lock()
		p := h.price
		h.mu.Unlock()
		return p, true
	case <-time.After(priceWait):
		if hadEver {
			slog.Warn("price stale, using last known", "portfolio", h.pf.ID(), "price", last)
			return last, true
		}
		return 0, false
	case <-ctx.Done():
		return 0, false
	}
}

// shouldProcessHedge evaluates the dynamic trigger: fire on the first ever
// price, on a sufficient move per the step mode, or when the last activity
// is older than the staleness bound so flat markets still re-hedge.
func (h *Hedger) shouldProcessHedge(price float64, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.hasLastHedge {
		return true
	}
	if now.Sub(h.lastActivity) >= maxHedgeInterval {
		return true
	}
	diff := math.Abs(price - h.lastHedgePrice)
	if diff == 0 {
		return false
	}
	switch h.cfg.StepMode {
	case StepPercentage:
		return diff/h.lastHedgePrice*100 >= h.cfg.StepSize
	default:
		return diff >= h.cfg.StepSize
	}
}

// NetDelta computes the portfolio's net delta in coin terms at the given
// perpetual price: Black-Scholes option deltas (inverse contracts subtract
// the option's own mark, standard contracts divide notional by price), plus
// the dynamic futures position and the initial premium hedge converted to
// coin.
func (h *Hedger) NetDelta(ctx context.Context, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("net delta: invalid price %v", price)
	}
	now := time.Now()
	var total float64
	for _, o := range h.pf.Options() {
		t := o.YearsToExpiry(now)
		if t <= 0 {
			continue
		}
		mark, iv, err := h.market.GetInstrumentMarkPriceAndIV(ctx, o.InstrumentName)
		if err != nil {
			slog.Warn("no market data for option, using fallback volatility",
				"instrument", o.InstrumentName, "error", err)
			mark, iv = 0, 0
		}
		if iv <= 0 {
			iv = h.cfg.Volatility
		}
		d1 := pricing.D1(price, o.Strike, t, h.cfg.RiskFreeRate, iv)
		bs := pricing.Delta(o.OptionType, d1)

		var posDelta, usdValue float64
		if o.ContractType == model.Inverse {
			posDelta = (bs - mark) * o.Quantity
			// Inverse marks quote in coin terms.
			usdValue = mark * price * o.Quantity
		} else {
			posDelta = bs * o.Quantity / price
			usdValue = mark * o.Quantity
		}
		total += posDelta
		h.pf.SetOptionMark(o.InstrumentName, mark, iv, bs, usdValue)
	}

	futPos, _ := h.pf.FuturesPosition()
	total += futPos / price
	initPos, _ := h.pf.InitialHedgePosition()
	total += initPos / price
	return total, nil
}

// runInitialHedge places the one-time premium hedge when the ledger still
// owes more than one minimum lot in aggregate. The executed notional is the
// aggregate ceil-rounded to a whole multiple of the minimum lot, then
// redistributed back to the contributing options in proportion to their
// shares. Returns true when a hedge was executed this cycle.
func (h *Hedger) runInitialHedge(price float64) (bool, error) {
	if h.pf.InitialHedged() {
		return false, nil
	}
	ledger := h.pf.InitialHedgeLedger()
	if len(ledger) == 0 {
		return false, nil
	}

	contributions := make(map[string]float64)
	var aggregate float64
	for ins, entry := range ledger {
		diff := entry.Needed - entry.Actual
		if math.Abs(diff) > h.cfg.MinHedgeUSD {
			contributions[ins] = diff
			aggregate += diff
		}
	}
	if len(contributions) == 0 || math.Abs(aggregate) <= h.cfg.MinHedgeUSD {
		return false, nil
	}

	usd := ceilToMultiple(math.Abs(aggregate), h.cfg.MinHedgeUSD)
	if aggregate < 0 {
		usd = -usd
	}
	if err := h.pf.ApplyInitialHedge(usd, price); err != nil {
		return false, fmt.Errorf("initial hedge: %w", err)
	}

	// Book the rounded total back against each contributing option.
	for ins, diff := range contributions {
		share := diff / aggregate
		applied := usd * share
		h.pf.SetActualHedge(ins, ledger[ins].Actual+applied)
	}

	now := time.Now()
	h.mu.Lock()
	h.lastHedgePrice = price
	h.hasLastHedge = true
	h.lastActivity = now
	h.stats.TotalHedgedUSD += math.Abs(usd)
	h.stats.TotalHedgedCoin += math.Abs(usd) / price
	h.stats.LastHedgeTime = now
	h.stats.LastHedgePrice = price
	h.mu.Unlock()

	if h.OnHedge != nil {
		h.OnHedge("initial", usd, price)
	}
	slog.Info("initial premium hedge executed", "portfolio", h.pf.ID(),
		"usd", usd, "price", price, "options", len(contributions))
	return true, nil
}

// roundHedgeUSD floors the magnitude of a dynamic hedge to a whole multiple
// of the minimum lot, preserving sign. Sub-minimum requirements round to 0.
func roundHedgeUSD(usd, minUnit float64) float64 {
	rounded := math.Floor(math.Abs(usd)/minUnit) * minUnit
	if usd < 0 {
		rounded = -rounded
	}
	return rounded
}

func ceilToMultiple(x, unit float64) float64 {
	return math.Ceil(x/unit) * unit
}

// ParseStepMode parses a step mode string, defaulting to absolute.
func ParseStepMode(s string) StepMode {
	if strings.EqualFold(s, string(StepPercentage)) {
		return StepPercentage
	}
	return StepAbsolute
}
