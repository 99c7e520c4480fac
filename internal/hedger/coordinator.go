package hedger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"dneutral/internal/model"
	"dneutral/internal/portfolio"
	"dneutral/internal/subscription"
)

const (
	defaultMonitorInterval = 5 * time.Second
	defaultFanoutTimeout   = 2 * time.Second
)

// Exchange is the slice of the exchange client the coordinator needs.
type Exchange interface {
	SubscribeToInstruments(ctx context.Context, instruments []string) error
	GetInstrumentMarkPriceAndIV(ctx context.Context, instrument string) (price, iv float64, err error)
	SetPriceCallback(fn func(instrument string, price, iv float64))
	SetConfirmationHandler(fn func(instrument string))
}

// CoordinatorConfig tunes the monitor loop and price fan-out.
type CoordinatorConfig struct {
	MonitorInterval time.Duration
	FanoutTimeout   time.Duration
	Hedger          Config // base config; instrument fields derived per portfolio
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = defaultMonitorInterval
	}
	if c.FanoutTimeout <= 0 {
		c.FanoutTimeout = defaultFanoutTimeout
	}
	return c
}

// Coordinator reconciles the portfolio set against live hedgers, owns the
// exchange price callback, fans ticks out to interested hedgers, and routes
// subscription confirmations so a hedger only starts once its perpetual
// feed is live.
type Coordinator struct {
	cfg      CoordinatorConfig
	store    *portfolio.Store
	exch     Exchange
	registry *subscription.Registry

	mu      sync.Mutex
	hedgers map[string]*Hedger
	waiting map[string][]string // instrument -> portfolio ids gated on confirmation
	wired   map[string]bool     // portfolios with event listeners attached
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// OnHedge, if set, observes every executed hedge. Must not block.
	OnHedge func(portfolioID, kind string, usd, price float64)

	// OnCycle, if set, observes hedge cycle durations across all hedgers.
	OnCycle func(d time.Duration)
}

// NewCoordinator wires a coordinator to the store and exchange.
func NewCoordinator(cfg CoordinatorConfig, store *portfolio.Store, exch Exchange) *Coordinator {
	return &Coordinator{
		cfg:      cfg.withDefaults(),
		store:    store,
		exch:     exch,
		registry: subscription.NewRegistry(exch),
		hedgers:  make(map[string]*Hedger),
		waiting:  make(map[string][]string),
		wired:    make(map[string]bool),
	}
}

// Registry exposes the subscription registry, mainly for tests and the API
// layer.
func (c *Coordinator) Registry() *subscription.Registry { return c.registry }

// Start registers the exchange callbacks and launches the monitor loop.
// Idempotent: at most one monitor task is ever alive.
func (c *Coordinator) Start() bool {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return false
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	c.exch.SetPriceCallback(c.onPrice)
	c.exch.SetConfirmationHandler(c.onConfirmed)

	go c.monitor(ctx, done)
	slog.Info("hedge coordinator started", "interval", c.cfg.MonitorInterval)
	return true
}

// Stop cancels the monitor and stops every hedger best-effort. Hedgers
// that fail to stop in time are logged, never escalated.
func (c *Coordinator) Stop() bool {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return false
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	hedgers := make([]*Hedger, 0, len(c.hedgers))
	for _, h := range c.hedgers {
		hedgers = append(hedgers, h)
	}
	c.mu.Unlock()

	cancel()
	<-done
	for _, h := range hedgers {
		h.Stop()
	}
	slog.Info("hedge coordinator stopped", "hedgers", len(hedgers))
	return true
}

// StartHedging starts the hedger for one portfolio. Returns false when the
// portfolio has no hedger yet or it is already running.
func (c *Coordinator) StartHedging(portfolioID string) bool {
	c.mu.Lock()
	h := c.hedgers[portfolioID]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	return h.Start()
}

// StartHedgingWith replaces the portfolio's hedger with one built from the
// override config, then starts it. Returns false when the portfolio is
// unknown or its hedger is already running.
func (c *Coordinator) StartHedgingWith(portfolioID string, override Config) bool {
	p := c.store.Get(portfolioID)
	if p == nil {
		return false
	}

	c.mu.Lock()
	old := c.hedgers[portfolioID]
	if old == nil || old.Running() {
		c.mu.Unlock()
		return false
	}
	if override.Underlying == "" {
		override.Underlying = p.Underlying()
	}
	if override.InstrumentName == "" {
		override.InstrumentName = model.PerpetualInstrument(p.Underlying())
	}
	h := New(override, p, c.exch)
	h.OnCycle = old.OnCycle
	h.OnHedge = old.OnHedge
	c.hedgers[portfolioID] = h
	c.mu.Unlock()

	return h.Start()
}

// StopHedging stops the hedger for one portfolio.
func (c *Coordinator) StopHedging(portfolioID string) bool {
	c.mu.Lock()
	h := c.hedgers[portfolioID]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	return h.Stop()
}

// GetHedgerStats returns stats for one portfolio's hedger.
func (c *Coordinator) GetHedgerStats(portfolioID string) (Stats, bool) {
	c.mu.Lock()
	h := c.hedgers[portfolioID]
	c.mu.Unlock()
	if h == nil {
		return Stats{}, false
	}
	return h.Stats(), true
}

// GetAllHedgerStats returns stats for every managed hedger.
func (c *Coordinator) GetAllHedgerStats() map[string]Stats {
	c.mu.Lock()
	hedgers := make(map[string]*Hedger, len(c.hedgers))
	for id, h := range c.hedgers {
		hedgers[id] = h
	}
	c.mu.Unlock()

	out := make(map[string]Stats, len(hedgers))
	for id, h := range hedgers {
		out[id] = h.Stats()
	}
	return out
}

func (c *Coordinator) monitor(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.MonitorInterval)
	defer ticker.Stop()

	c.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reconcile(ctx)
		}
	}
}

// reconcile diffs the live portfolio set against active hedgers: new
// portfolios get a hedger and subscriptions, vanished ones are torn down.
func (c *Coordinator) reconcile(ctx context.Context) {
	live := make(map[string]*portfolio.Portfolio)
	for _, p := range c.store.All() {
		live[p.ID()] = p
	}

	c.mu.Lock()
	var added []*portfolio.Portfolio
	var removed []string
	for id, p := range live {
		if _, ok := c.hedgers[id]; !ok {
			added = append(added, p)
		}
	}
	for id := range c.hedgers {
		if _, ok := live[id]; !ok {
			removed = append(removed, id)
		}
	}
	c.mu.Unlock()

	for _, p := range added {
		c.attachPortfolio(ctx, p)
	}
	for _, id := range removed {
		c.detachPortfolio(ctx, id)
	}
}

func (c *Coordinator) attachPortfolio(ctx context.Context, p *portfolio.Portfolio) {
	id := p.ID()
	hcfg := c.cfg.Hedger
	hcfg.Underlying = p.Underlying()
	hcfg.InstrumentName = model.PerpetualInstrument(p.Underlying())

	h := New(hcfg, p, c.exch)
	h.OnCycle = c.OnCycle
	h.OnHedge = func(kind string, usd, price float64) {
		if c.OnHedge != nil {
			c.OnHedge(id, kind, usd, price)
		}
	}

	c.mu.Lock()
	if _, dup := c.hedgers[id]; dup {
		c.mu.Unlock()
		return
	}
	c.hedgers[id] = h
	needWiring := !c.wired[id]
	c.wired[id] = true
	c.mu.Unlock()

	if needWiring {
		// Option book changes drive incremental resubscription rather than a
		// full monitor-interval resync.
		resub := func(portfolio.Event) { go c.resyncSubscriptions(context.Background(), id) }
		p.AddListener(portfolio.EventOptionAdded, resub)
		p.AddListener(portfolio.EventOptionRemoved, resub)
	}

	if err := c.registry.UpdatePortfolioSubscriptions(ctx, id, p.InstrumentSet()); err != nil {
		slog.Error("initial subscription failed, hedger start deferred",
			"portfolio", id, "error", err)
	}

	perp := hcfg.InstrumentName
	if c.registry.IsConfirmed(perp) {
		h.Start()
	} else {
		c.mu.Lock()
		c.waiting[perp] = append(c.waiting[perp], id)
		c.mu.Unlock()
		slog.Info("hedger waiting for feed confirmation", "portfolio", id, "instrument", perp)
	}
	slog.Info("portfolio attached", "portfolio", id, "underlying", p.Underlying())
}

func (c *Coordinator) detachPortfolio(ctx context.Context, id string) {
	c.mu.Lock()
	h := c.hedgers[id]
	delete(c.hedgers, id)
	// A recreated portfolio under the same id is a fresh object and needs its
	// listeners wired again.
	delete(c.wired, id)
	c.mu.Unlock()

	if h != nil {
		h.Stop()
	}
	// Local-only cleanup; the exchange streams stay up for other portfolios.
	if err := c.registry.UpdatePortfolioSubscriptions(ctx, id, nil); err != nil {
		slog.Warn("subscription cleanup failed", "portfolio", id, "error", err)
	}
	slog.Info("portfolio detached", "portfolio", id)
}

func (c *Coordinator) resyncSubscriptions(ctx context.Context, id string) {
	p := c.store.Get(id)
	if p == nil {
		return
	}
	if err := c.registry.UpdatePortfolioSubscriptions(ctx, id, p.InstrumentSet()); err != nil {
		slog.Error("incremental resubscribe failed", "portfolio", id, "error", err)
	}
}

// onPrice is the single exchange price callback: it resolves interested
// hedgers through the registry and fans the tick out concurrently with a
// bounded wait so one slow hedger cannot stall the feed.
func (c *Coordinator) onPrice(instrument string, price, _ float64) {
	pids := c.registry.GetSubscribedPortfolios(instrument)
	if len(pids) == 0 {
		return
	}

	c.mu.Lock()
	targets := make([]*Hedger, 0, len(pids))
	for _, pid := range pids {
		if h := c.hedgers[pid]; h != nil {
			targets = append(targets, h)
		}
	}
	c.mu.Unlock()
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, h := range targets {
		wg.Add(1)
		go func(h *Hedger) {
			defer wg.Done()
			h.OnPrice(instrument, price)
		}(h)
	}
	fanoutDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(fanoutDone)
	}()
	select {
	case <-fanoutDone:
	case <-time.After(c.cfg.FanoutTimeout):
		slog.Warn("price fan-out timed out", "instrument", instrument, "hedgers", len(targets))
	}
}

// onConfirmed records the confirmation and starts any hedger that was
// waiting on this specific instrument's feed.
func (c *Coordinator) onConfirmed(instrument string) {
	c.registry.NotifyConfirmed(instrument)

	c.mu.Lock()
	pids := c.waiting[instrument]
	delete(c.waiting, instrument)
	var toStart []*Hedger
	for _, pid := range pids {
		if h := c.hedgers[pid]; h != nil && !h.Running() {
			toStart = append(toStart, h)
		}
	}
	c.mu.Unlock()

	for _, h := range toStart {
		h.Start()
	}
	if len(toStart) > 0 {
		slog.Info("feed confirmed, hedgers started", "instrument", instrument, "count", len(toStart))
	}
}
