package hedger

import (
	"context"
	"sync"
	"testing"
	"time"

	"dneutral/internal/model"
	"dneutral/internal/portfolio"
)

// fakeExchange satisfies Exchange and records subscriptions; tests drive
// confirmations and prices through the captured callbacks.
type fakeExchange struct {
	mu        sync.Mutex
	subs      [][]string
	priceCb   func(instrument string, price, iv float64)
	confirmCb func(instrument string)
}

func (f *fakeExchange) SubscribeToInstruments(_ context.Context, instruments []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, append([]string(nil), instruments...))
	return nil
}

func (f *fakeExchange) GetInstrumentMarkPriceAndIV(_ context.Context, _ string) (float64, float64, error) {
	return 0.05, 0.6, nil
}

func (f *fakeExchange) SetPriceCallback(fn func(string, float64, float64)) {
	f.mu.Lock()
	f.priceCb = fn
	f.mu.Unlock()
}

func (f *fakeExchange) SetConfirmationHandler(fn func(string)) {
	f.mu.Lock()
	f.confirmCb = fn
	f.mu.Unlock()
}

func (f *fakeExchange) confirm(instrument string) {
	f.mu.Lock()
	cb := f.confirmCb
	f.mu.Unlock()
	if cb != nil {
		cb(instrument)
	}
}

func (f *fakeExchange) tick(instrument string, price float64) {
	f.mu.Lock()
	cb := f.priceCb
	f.mu.Unlock()
	if cb != nil {
		cb(instrument, price, 0.6)
	}
}

func (f *fakeExchange) subscribedInstruments() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool)
	for _, call := range f.subs {
		for _, ins := range call {
			out[ins] = true
		}
	}
	return out
}

func newTestCoordinator(t *testing.T) (*Coordinator, *portfolio.Store, *fakeExchange) {
	t.Helper()
	store, err := portfolio.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	exch := &fakeExchange{}
	c := NewCoordinator(CoordinatorConfig{
		MonitorInterval: 20 * time.Millisecond,
		FanoutTimeout:   time.Second,
		Hedger:          testConfig(),
	}, store, exch)
	return c, store, exch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCoordinatorStartIdempotent(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	if !c.Start() {
		t.Fatal("Start returned false")
	}
	defer c.Stop()
	if c.Start() {
		t.Error("second Start must return false")
	}
}

func TestCoordinatorCreatesHedgerAndSubscribes(t *testing.T) {
	c, store, exch := newTestCoordinator(t)
	p, err := store.Create("p1", "BTC")
	if err != nil {
		t.Fatal(err)
	}
	if err := p.AddOption(callOption("BTC-TEST-50000-C", 50000, 1, model.Inverse)); err != nil {
		t.Fatal(err)
	}

	c.Start()
	defer c.Stop()

	waitFor(t, "hedger creation", func() bool {
		_, ok := c.GetHedgerStats("p1")
		return ok
	})

	subs := exch.subscribedInstruments()
	if !subs["BTC-PERPETUAL"] || !subs["BTC-TEST-50000-C"] {
		t.Errorf("subscriptions = %v, want perpetual and option", subs)
	}

	// No confirmation yet: hedger exists but is gated.
	s, _ := c.GetHedgerStats("p1")
	if s.Running {
		t.Error("hedger must wait for feed confirmation before running")
	}
}

func TestConfirmationStartsWaitingHedger(t *testing.T) {
	c, store, exch := newTestCoordinator(t)
	if _, err := store.Create("p1", "BTC"); err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer c.Stop()

	waitFor(t, "hedger creation", func() bool {
		_, ok := c.GetHedgerStats("p1")
		return ok
	})

	exch.confirm("BTC-PERPETUAL")
	waitFor(t, "hedger start on confirmation", func() bool {
		s, _ := c.GetHedgerStats("p1")
		return s.Running
	})
}

func TestConfirmedFeedStartsLateHedgerImmediately(t *testing.T) {
	c, store, exch := newTestCoordinator(t)
	if _, err := store.Create("p1", "BTC"); err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer c.Stop()

	waitFor(t, "first hedger", func() bool {
		_, ok := c.GetHedgerStats("p1")
		return ok
	})
	exch.confirm("BTC-PERPETUAL")

	// A second portfolio on the same underlying reuses the confirmed feed
	// and starts without waiting.
	if _, err := store.Create("p2", "BTC"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second hedger running", func() bool {
		s, ok := c.GetHedgerStats("p2")
		return ok && s.Running
	})
}

func TestCoordinatorTearsDownDeletedPortfolio(t *testing.T) {
	c, store, exch := newTestCoordinator(t)
	if _, err := store.Create("p1", "BTC"); err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer c.Stop()

	waitFor(t, "hedger creation", func() bool {
		_, ok := c.GetHedgerStats("p1")
		return ok
	})
	exch.confirm("BTC-PERPETUAL")

	store.Delete("p1")
	waitFor(t, "hedger teardown", func() bool {
		_, ok := c.GetHedgerStats("p1")
		return !ok
	})
}

func TestPriceFanOutReachesHedger(t *testing.T) {
	c, store, exch := newTestCoordinator(t)
	if _, err := store.Create("p1", "BTC"); err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer c.Stop()

	waitFor(t, "hedger creation", func() bool {
		_, ok := c.GetHedgerStats("p1")
		return ok
	})
	exch.confirm("BTC-PERPETUAL")

	exch.tick("BTC-PERPETUAL", 50000)
	waitFor(t, "hedger received price", func() bool {
		c.mu.Lock()
		h := c.hedgers["p1"]
		c.mu.Unlock()
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.hasPrice && h.price == 50000
	})
}

func TestOptionAddTriggersIncrementalResubscribe(t *testing.T) {
	c, store, exch := newTestCoordinator(t)
	p, err := store.Create("p1", "BTC")
	if err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer c.Stop()

	waitFor(t, "hedger creation", func() bool {
		_, ok := c.GetHedgerStats("p1")
		return ok
	})

	if err := p.AddOption(callOption("BTC-LATE-60000-C", 60000, 1, model.Inverse)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "incremental subscription", func() bool {
		return exch.subscribedInstruments()["BTC-LATE-60000-C"]
	})
}

func TestRecreatedPortfolioRewiresOptionListeners(t *testing.T) {
	c, store, exch := newTestCoordinator(t)
	if _, err := store.Create("p1", "BTC"); err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer c.Stop()

	waitFor(t, "hedger creation", func() bool {
		_, ok := c.GetHedgerStats("p1")
		return ok
	})

	store.Delete("p1")
	waitFor(t, "hedger teardown", func() bool {
		_, ok := c.GetHedgerStats("p1")
		return !ok
	})

	// Same id, fresh aggregate: option events must still drive resubscription.
	p, err := store.Create("p1", "BTC")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "hedger recreation", func() bool {
		_, ok := c.GetHedgerStats("p1")
		return ok
	})

	if err := p.AddOption(callOption("BTC-NEW-70000-C", 70000, 1, model.Inverse)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "incremental subscription on recreated portfolio", func() bool {
		return exch.subscribedInstruments()["BTC-NEW-70000-C"]
	})
}

func TestStartStopHedgingByID(t *testing.T) {
	c, store, exch := newTestCoordinator(t)
	if _, err := store.Create("p1", "BTC"); err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer c.Stop()

	waitFor(t, "hedger creation", func() bool {
		_, ok := c.GetHedgerStats("p1")
		return ok
	})
	exch.confirm("BTC-PERPETUAL")
	waitFor(t, "running", func() bool {
		s, _ := c.GetHedgerStats("p1")
		return s.Running
	})

	if !c.StopHedging("p1") {
		t.Error("StopHedging should succeed")
	}
	if c.StopHedging("p1") {
		t.Error("second StopHedging should report false")
	}
	if !c.StartHedging("p1") {
		t.Error("StartHedging should succeed")
	}
	if c.StartHedging("unknown") {
		t.Error("unknown portfolio should report false")
	}
}

func TestStartHedgingWithOverride(t *testing.T) {
	c, store, exch := newTestCoordinator(t)
	if _, err := store.Create("p1", "BTC"); err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer c.Stop()

	waitFor(t, "hedger creation", func() bool {
		_, ok := c.GetHedgerStats("p1")
		return ok
	})
	exch.confirm("BTC-PERPETUAL")
	waitFor(t, "running", func() bool {
		s, _ := c.GetHedgerStats("p1")
		return s.Running
	})

	override := testConfig()
	override.TargetDelta = 0.25
	if c.StartHedgingWith("p1", override) {
		t.Error("override while running should report false")
	}
	if !c.StopHedging("p1") {
		t.Fatal("StopHedging should succeed")
	}
	if !c.StartHedgingWith("p1", override) {
		t.Fatal("override on stopped hedger should succeed")
	}
	s, ok := c.GetHedgerStats("p1")
	if !ok || s.TargetDelta != 0.25 {
		t.Errorf("stats = %+v, want target delta 0.25", s)
	}
	if c.StartHedgingWith("unknown", override) {
		t.Error("unknown portfolio should report false")
	}
}

func TestGetAllHedgerStats(t *testing.T) {
	c, store, _ := newTestCoordinator(t)
	if _, err := store.Create("p1", "BTC"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Create("p2", "BTC"); err != nil {
		t.Fatal(err)
	}
	c.Start()
	defer c.Stop()

	waitFor(t, "both hedgers", func() bool {
		return len(c.GetAllHedgerStats()) == 2
	})
	all := c.GetAllHedgerStats()
	if _, ok := all["p1"]; !ok {
		t.Error("p1 missing from stats")
	}
	if _, ok := all["p2"]; !ok {
		t.Error("p2 missing from stats")
	}
}
