package portfolio

import (
	"math"
	"testing"
	"time"

	"dneutral/internal/model"
)

func testOption(name string, qty float64) *model.VanillaOption {
	return &model.VanillaOption{
		InstrumentName: name,
		OptionType:     model.Call,
		Strike:         50000,
		Expiry:         time.Now().Add(30 * 24 * time.Hour),
		Quantity:       qty,
		Underlying:     "BTC",
		ContractType:   model.Inverse,
	}
}

func TestAddOptionEmitsAdded(t *testing.T) {
	p := New("p1", "BTC")
	var got []Event
	p.AddListener(EventOptionAdded, func(ev Event) { got = append(got, ev) })

	if err := p.AddOption(testOption("BTC-27MAR26-50000-C", 2)); err != nil {
		t.Fatalf("AddOption: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 OPTION_ADDED event, got %d", len(got))
	}
	if got[0].Instrument != "BTC-27MAR26-50000-C" || got[0].NewValue != 2 {
		t.Errorf("unexpected event %+v", got[0])
	}
	if !p.IsDirty() {
		t.Error("portfolio should be dirty after add")
	}
}

func TestAddOptionMergesExisting(t *testing.T) {
	p := New("p1", "BTC")
	var updated []Event
	p.AddListener(EventOptionUpdated, func(ev Event) { updated = append(updated, ev) })

	if err := p.AddOptionTrade(testOption("BTC-27MAR26-50000-C", 2), 0.05, 5000); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := p.AddOptionTrade(testOption("BTC-27MAR26-50000-C", 2), 0.07, 7000); err != nil {
		t.Fatalf("second add: %v", err)
	}

	o, ok := p.GetOption("BTC-27MAR26-50000-C")
	if !ok {
		t.Fatal("option missing")
	}
	if o.Quantity != 4 {
		t.Errorf("quantity = %v, want 4", o.Quantity)
	}
	if math.Abs(o.AvgEntry-0.06) > 1e-9 {
		t.Errorf("avg entry = %v, want 0.06", o.AvgEntry)
	}
	if len(updated) != 1 {
		t.Errorf("expected 1 OPTION_UPDATED event, got %d", len(updated))
	}
}

func TestAddOptionZeroQuantityMergeIsNoop(t *testing.T) {
	p := New("p1", "BTC")
	if err := p.AddOption(testOption("BTC-27MAR26-50000-C", 2)); err != nil {
		t.Fatal(err)
	}
	var events int
	p.AddListener(EventOptionUpdated, func(Event) { events++ })
	if err := p.AddOption(testOption("BTC-27MAR26-50000-C", 0)); err != nil {
		t.Fatal(err)
	}
	if events != 0 {
		t.Errorf("zero-quantity merge emitted %d events", events)
	}
}

func TestAddOptionTradeSeedsLedger(t *testing.T) {
	p := New("p1", "BTC")
	if err := p.AddOptionTrade(testOption("BTC-27MAR26-50000-C", -2), 0.05, -5000); err != nil {
		t.Fatal(err)
	}
	ledger := p.InitialHedgeLedger()
	entry, ok := ledger["BTC-27MAR26-50000-C"]
	if !ok {
		t.Fatal("ledger entry missing")
	}
	if entry.Needed != -5000 || entry.Actual != 0 {
		t.Errorf("ledger = %+v, want needed -5000 actual 0", entry)
	}
	if p.InitialHedged() {
		t.Error("adding an option must reset the initial-hedged flag")
	}
}

func TestStandardOptionSkipsLedger(t *testing.T) {
	p := New("p1", "BTC")
	o := testOption("BTC-27MAR26-50000-C", 1)
	o.ContractType = model.Standard
	if err := p.AddOptionTrade(o, 0.05, 2500); err != nil {
		t.Fatal(err)
	}
	if len(p.InitialHedgeLedger()) != 0 {
		t.Error("standard contract must not enter the premium hedge ledger")
	}
}

func TestRemoveOption(t *testing.T) {
	p := New("p1", "BTC")
	if err := p.AddOptionTrade(testOption("BTC-27MAR26-50000-C", 2), 0.05, 5000); err != nil {
		t.Fatal(err)
	}
	var removed []Event
	p.AddListener(EventOptionRemoved, func(ev Event) { removed = append(removed, ev) })

	if o := p.RemoveOption("BTC-27MAR26-50000-C"); o == nil {
		t.Fatal("RemoveOption returned nil")
	}
	if _, ok := p.GetOption("BTC-27MAR26-50000-C"); ok {
		t.Error("option still present")
	}
	if len(p.InitialHedgeLedger()) != 0 {
		t.Error("ledger entry should be removed with the option")
	}
	if len(removed) != 1 {
		t.Errorf("expected 1 OPTION_REMOVED event, got %d", len(removed))
	}
	if p.RemoveOption("BTC-27MAR26-50000-C") != nil {
		t.Error("second remove should return nil")
	}
}

func TestFuturesOpenAddReduceClose(t *testing.T) {
	p := New("p1", "BTC")

	// Open long 10000 @ 50000.
	if err := p.UpdateFuturesPosition(10000, 50000); err != nil {
		t.Fatal(err)
	}
	pos, entry := p.FuturesPosition()
	if pos != 10000 || entry != 50000 {
		t.Fatalf("after open: pos=%v entry=%v", pos, entry)
	}

	// Reduce by 4000 @ 51000: coin qty 0.08, pnl 0.08 * 1000 = 80.
	if err := p.UpdateFuturesPosition(-4000, 51000); err != nil {
		t.Fatal(err)
	}
	pos, entry = p.FuturesPosition()
	if pos != 6000 || entry != 50000 {
		t.Errorf("after reduce: pos=%v entry=%v", pos, entry)
	}
	if pnl := p.RealizedPnL(); math.Abs(pnl-80) > 1e-9 {
		t.Errorf("realized pnl = %v, want 80", pnl)
	}

	// Close remaining @ 49000: coin qty 0.12, pnl 0.12 * -1000 = -120.
	if err := p.UpdateFuturesPosition(-6000, 49000); err != nil {
		t.Fatal(err)
	}
	pos, entry = p.FuturesPosition()
	if pos != 0 || entry != 0 {
		t.Errorf("after close: pos=%v entry=%v", pos, entry)
	}
	if pnl := p.RealizedPnL(); math.Abs(pnl-(-40)) > 1e-9 {
		t.Errorf("realized pnl = %v, want -40", pnl)
	}
}

func TestFuturesFlip(t *testing.T) {
	p := New("p1", "BTC")
	if err := p.UpdateFuturesPosition(10000, 50000); err != nil {
		t.Fatal(err)
	}
	// Flip to short 5000 @ 52000: close 10000 long, pnl 0.2 * 2000 = 400.
	if err := p.UpdateFuturesPosition(-15000, 52000); err != nil {
		t.Fatal(err)
	}
	pos, entry := p.FuturesPosition()
	if pos != -5000 || entry != 52000 {
		t.Errorf("after flip: pos=%v entry=%v", pos, entry)
	}
	if pnl := p.RealizedPnL(); math.Abs(pnl-400) > 1e-9 {
		t.Errorf("realized pnl = %v, want 400", pnl)
	}
}

func TestFuturesShortReducePnL(t *testing.T) {
	p := New("p1", "BTC")
	if err := p.UpdateFuturesPosition(-10000, 50000); err != nil {
		t.Fatal(err)
	}
	// Buy back 4000 @ 49000: coin qty 0.08, short gains on drop: pnl 80.
	if err := p.UpdateFuturesPosition(4000, 49000); err != nil {
		t.Fatal(err)
	}
	if pnl := p.RealizedPnL(); math.Abs(pnl-80) > 1e-9 {
		t.Errorf("realized pnl = %v, want 80", pnl)
	}
}

func TestFuturesEventsAndTradeLog(t *testing.T) {
	p := New("p1", "BTC")
	var futEvents, pnlEvents int
	p.AddListener(EventFuturesPositionUpdated, func(Event) { futEvents++ })
	p.AddListener(EventRealizedPnLUpdated, func(Event) { pnlEvents++ })

	if err := p.UpdateFuturesPosition(10000, 50000); err != nil {
		t.Fatal(err)
	}
	if err := p.UpdateFuturesPosition(-4000, 51000); err != nil {
		t.Fatal(err)
	}
	if futEvents != 2 {
		t.Errorf("futures events = %d, want 2", futEvents)
	}
	if pnlEvents != 1 {
		t.Errorf("pnl events = %d, want 1 (open realizes nothing)", pnlEvents)
	}

	trades := p.Trades()
	if len(trades) != 2 {
		t.Fatalf("trade log has %d entries, want 2", len(trades))
	}
	last := trades[1]
	if last.Side != "sell" || last.QtyUSD != -4000 || last.Price != 51000 {
		t.Errorf("unexpected trade %+v", last)
	}
	if math.Abs(last.RealizedPnL-80) > 1e-9 || last.PositionAfter != 6000 {
		t.Errorf("trade pnl/position = %v/%v", last.RealizedPnL, last.PositionAfter)
	}
}

func TestUpdateFuturesPositionRejectsBadPrice(t *testing.T) {
	p := New("p1", "BTC")
	if err := p.UpdateFuturesPosition(1000, 0); err == nil {
		t.Error("expected error for zero price")
	}
	if err := p.UpdateFuturesPosition(0, 50000); err != nil {
		t.Errorf("zero delta should be a no-op, got %v", err)
	}
	if len(p.Trades()) != 0 {
		t.Error("no trades should be recorded")
	}
}

func TestApplyInitialHedge(t *testing.T) {
	p := New("p1", "BTC")
	var events int
	p.AddListener(EventInitialHedgeUpdated, func(Event) { events++ })

	if err := p.ApplyInitialHedge(-5000, 50000); err != nil {
		t.Fatal(err)
	}
	pos, entry := p.InitialHedgePosition()
	if pos != -5000 || entry != 50000 {
		t.Errorf("pos=%v entry=%v", pos, entry)
	}
	if !p.InitialHedged() {
		t.Error("initial hedged flag not set")
	}
	if events != 1 {
		t.Errorf("events = %d, want 1", events)
	}

	// Close the static hedge @ 48000: short gains 0.1 * 2000 = 200.
	if err := p.ApplyInitialHedge(5000, 48000); err != nil {
		t.Fatal(err)
	}
	pos, _ = p.InitialHedgePosition()
	if pos != 0 {
		t.Errorf("pos = %v, want 0", pos)
	}
	if pnl := p.RealizedPnL(); math.Abs(pnl-200) > 1e-9 {
		t.Errorf("realized pnl = %v, want 200", pnl)
	}
}

func TestSetActualHedge(t *testing.T) {
	p := New("p1", "BTC")
	if err := p.AddOptionTrade(testOption("BTC-27MAR26-50000-C", -2), 0.05, -5000); err != nil {
		t.Fatal(err)
	}
	p.SetActualHedge("BTC-27MAR26-50000-C", -5000)
	entry := p.InitialHedgeLedger()["BTC-27MAR26-50000-C"]
	if entry.Actual != -5000 {
		t.Errorf("actual = %v, want -5000", entry.Actual)
	}
	// Unknown instruments are ignored.
	p.SetActualHedge("BTC-27MAR26-60000-C", 1)
}

func TestInstrumentSetIncludesPerpetual(t *testing.T) {
	p := New("p1", "BTC")
	if err := p.AddOption(testOption("BTC-27MAR26-50000-C", 1)); err != nil {
		t.Fatal(err)
	}
	set := p.InstrumentSet()
	if _, ok := set["BTC-PERPETUAL"]; !ok {
		t.Error("perpetual missing from instrument set")
	}
	if _, ok := set["BTC-27MAR26-50000-C"]; !ok {
		t.Error("option missing from instrument set")
	}
	if len(set) != 2 {
		t.Errorf("set size = %d, want 2", len(set))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := New("p1", "BTC")
	if err := p.AddOptionTrade(testOption("BTC-27MAR26-50000-C", -2), 0.05, -5000); err != nil {
		t.Fatal(err)
	}
	if err := p.UpdateFuturesPosition(10000, 50000); err != nil {
		t.Fatal(err)
	}
	if err := p.ApplyInitialHedge(-5000, 50000); err != nil {
		t.Fatal(err)
	}

	data, err := p.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	restored := New("", "")
	if err := restored.UnmarshalJSON(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if restored.ID() != "p1" || restored.Underlying() != "BTC" {
		t.Errorf("identity = %s/%s", restored.ID(), restored.Underlying())
	}
	pos, entry := restored.FuturesPosition()
	if pos != 10000 || entry != 50000 {
		t.Errorf("futures = %v @ %v", pos, entry)
	}
	ipos, _ := restored.InitialHedgePosition()
	if ipos != -5000 || !restored.InitialHedged() {
		t.Errorf("initial hedge = %v hedged=%v", ipos, restored.InitialHedged())
	}
	if price, ok := restored.LastHedgePrice(); !ok || price != 50000 {
		t.Errorf("last hedge price = %v/%v", price, ok)
	}
	if len(restored.Trades()) != 3 {
		t.Errorf("trades = %d, want 3", len(restored.Trades()))
	}
	if restored.IsDirty() {
		t.Error("restored portfolio should start clean")
	}
	if _, ok := restored.GetOption("BTC-27MAR26-50000-C"); !ok {
		t.Error("option not restored")
	}
}
