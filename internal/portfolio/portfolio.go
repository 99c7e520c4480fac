// Package portfolio implements the event-emitting portfolio aggregate and
// its debounced, atomic JSON persistence.
//
// A Portfolio owns an option book, a perpetual futures position used for
// dynamic hedging, a separate initial-premium hedge ledger, realized P&L,
// and an append-only trade log. All state changes go through mutator
// methods, which emit typed events synchronously so persistence and tests
// observe a deterministic ordering.
package portfolio

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"dneutral/internal/model"
)

// EventType identifies a portfolio state change.
type EventType string

const (
	EventOptionAdded            EventType = "option_added"
	EventOptionUpdated          EventType = "option_updated"
	EventOptionRemoved          EventType = "option_removed"
	EventFuturesPositionUpdated EventType = "futures_position_updated"
	EventInitialHedgeUpdated    EventType = "initial_hedge_updated"
	EventRealizedPnLUpdated     EventType = "realized_pnl_updated"
	EventStateChanged           EventType = "state_changed"
)

// AllEventTypes lists every event type, for listeners that want them all.
var AllEventTypes = []EventType{
	EventOptionAdded,
	EventOptionUpdated,
	EventOptionRemoved,
	EventFuturesPositionUpdated,
	EventInitialHedgeUpdated,
	EventRealizedPnLUpdated,
	EventStateChanged,
}

// Event is delivered to listeners on every mutation.
type Event struct {
	Type        EventType
	PortfolioID string
	Instrument  string
	OldValue    float64
	NewValue    float64
}

// Listener receives portfolio events. Listeners are invoked synchronously
// after the mutation completes, without the portfolio lock held.
type Listener func(Event)

// Trade is one immutable entry in the portfolio's trade log.
type Trade struct {
	Timestamp        time.Time `json:"timestamp"`
	Kind             string    `json:"kind"` // "option" or "futures"
	Instrument       string    `json:"instrument,omitempty"`
	Side             string    `json:"side"` // "buy" or "sell"
	Qty              float64   `json:"qty,omitempty"`
	QtyUSD           float64   `json:"qty_usd,omitempty"`
	Price            float64   `json:"price,omitempty"`
	PremiumUSD       float64   `json:"premium_usd,omitempty"`
	RealizedPnL      float64   `json:"realized_pnl_for_trade"`
	RealizedPnLAfter float64   `json:"realized_pnl_after"`
	PositionAfter    float64   `json:"position_after"`
}

// HedgeLedgerEntry tracks the initial premium hedge for one option:
// how much USD notional needs hedging and how much has been hedged so far.
type HedgeLedgerEntry struct {
	Needed float64 `json:"needed"`
	Actual float64 `json:"actual"`
}

// Portfolio is the aggregate. Safe for concurrent use.
type Portfolio struct {
	mu sync.Mutex

	id         string
	underlying string

	options map[string]*model.VanillaOption

	futuresPosition float64 // signed USD notional, dynamic hedge
	futuresAvgEntry float64
	lastHedgePrice  float64
	hasHedgePrice   bool
	realizedPnL     float64

	initialHedgeLedger map[string]*HedgeLedgerEntry
	initialUSDHedged   bool
	initialHedgePos    float64 // signed USD notional, static premium hedge
	initialHedgeEntry  float64

	trades []Trade
	dirty  bool

	lmu       sync.Mutex
	listeners map[EventType][]Listener
}

// New creates an empty portfolio. An empty id generates a fresh UUID.
func New(id, underlying string) *Portfolio {
	if id == "" {
		id = uuid.NewString()
	}
	return &Portfolio{
		id:                 id,
		underlying:         underlying,
		options:            make(map[string]*model.VanillaOption),
		initialHedgeLedger: make(map[string]*HedgeLedgerEntry),
		listeners:          make(map[EventType][]Listener),
	}
}

// ID returns the immutable portfolio id.
func (p *Portfolio) ID() string { return p.id }

// Underlying returns the underlying asset, e.g. "BTC".
func (p *Portfolio) Underlying() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.underlying
}

// AddListener registers a listener for one event type.
func (p *Portfolio) AddListener(et EventType, fn Listener) {
	p.lmu.Lock()
	p.listeners[et] = append(p.listeners[et], fn)
	p.lmu.Unlock()
}

func (p *Portfolio) emit(events ...Event) {
	for _, ev := range events {
		p.lmu.Lock()
		fns := append([]Listener(nil), p.listeners[ev.Type]...)
		p.lmu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// markDirtyLocked flags unsaved changes; returns a STATE_CHANGED event to
// emit if the flag transitioned.
func (p *Portfolio) markDirtyLocked() []Event {
	if p.dirty {
		return nil
	}
	p.dirty = true
	return []Event{{Type: EventStateChanged, PortfolioID: p.id}}
}

// IsDirty reports whether the portfolio has unsaved changes.
func (p *Portfolio) IsDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// MarkClean clears the dirty flag after a successful save.
func (p *Portfolio) MarkClean() {
	p.mu.Lock()
	p.dirty = false
	p.mu.Unlock()
}

// AddOption adds a new option position, or merges quantity into an existing
// one (emitting OPTION_UPDATED instead of OPTION_ADDED). Adding resets the
// initial-premium-hedged flag so the hedger re-checks the ledger.
func (p *Portfolio) AddOption(o *model.VanillaOption) error {
	return p.addOption(o, 0, false, 0, false)
}

// AddOptionTrade adds an option and records the trade: entryPrice updates
// the weighted average entry and premiumUSD seeds the initial hedge ledger
// (premium received for shorts is negative).
func (p *Portfolio) AddOptionTrade(o *model.VanillaOption, entryPrice, premiumUSD float64) error {
	return p.addOption(o, entryPrice, true, premiumUSD, true)
}

func (p *Portfolio) addOption(o *model.VanillaOption, entryPrice float64, hasEntry bool, premiumUSD float64, hasPremium bool) error {
	if err := o.Validate(); err != nil {
		return err
	}
	o.Normalize()

	p.mu.Lock()
	var events []Event
	now := time.Now().UTC()

	if existing, ok := p.options[o.InstrumentName]; ok {
		if o.Quantity == 0 {
			p.mu.Unlock()
			return nil
		}
		oldQty := existing.Quantity
		newQty := oldQty + o.Quantity
		existing.Quantity = newQty
		if hasEntry {
			totalQty := math.Abs(oldQty) + math.Abs(o.Quantity)
			if totalQty > 0 {
				existing.AvgEntry = (math.Abs(oldQty)*existing.AvgEntry + math.Abs(o.Quantity)*entryPrice) / totalQty
			}
		}
		if hasPremium {
			p.trades = append(p.trades, Trade{
				Timestamp:     now,
				Kind:          "option",
				Instrument:    o.InstrumentName,
				Side:          tradeSide(o.Quantity),
				Qty:           o.Quantity,
				PremiumUSD:    premiumUSD,
				PositionAfter: newQty,
			})
		}
		events = append(events, Event{
			Type:        EventOptionUpdated,
			PortfolioID: p.id,
			Instrument:  o.InstrumentName,
			OldValue:    oldQty,
			NewValue:    newQty,
		})
		events = append(events, p.markDirtyLocked()...)
		p.mu.Unlock()
		p.emit(events...)
		return nil
	}

	if hasEntry {
		o.AvgEntry = entryPrice
	}
	p.options[o.InstrumentName] = o
	if hasPremium {
		// Only inverse-settled options participate in the initial premium
		// hedge; the premium for standard contracts is already in USD terms.
		if o.ContractType == model.Inverse {
			p.initialHedgeLedger[o.InstrumentName] = &HedgeLedgerEntry{Needed: premiumUSD}
		}
		p.trades = append(p.trades, Trade{
			Timestamp:     now,
			Kind:          "option",
			Instrument:    o.InstrumentName,
			Side:          tradeSide(o.Quantity),
			Qty:           o.Quantity,
			PremiumUSD:    premiumUSD,
			PositionAfter: o.Quantity,
		})
	}
	p.initialUSDHedged = false
	events = append(events, Event{
		Type:        EventOptionAdded,
		PortfolioID: p.id,
		Instrument:  o.InstrumentName,
		NewValue:    o.Quantity,
	})
	events = append(events, p.markDirtyLocked()...)
	p.mu.Unlock()
	p.emit(events...)
	return nil
}

// RemoveOption removes an option and its hedge ledger entry.
// Returns the removed option, or nil if not present.
func (p *Portfolio) RemoveOption(instrument string) *model.VanillaOption {
	p.mu.Lock()
	o, ok := p.options[instrument]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.options, instrument)
	delete(p.initialHedgeLedger, instrument)
	events := []Event{{
		Type:        EventOptionRemoved,
		PortfolioID: p.id,
		Instrument:  instrument,
		OldValue:    o.Quantity,
	}}
	events = append(events, p.markDirtyLocked()...)
	p.mu.Unlock()
	p.emit(events...)
	return o
}

// UpdateOptionQuantity sets the quantity of an existing option.
func (p *Portfolio) UpdateOptionQuantity(instrument string, qty float64) bool {
	p.mu.Lock()
	o, ok := p.options[instrument]
	if !ok {
		p.mu.Unlock()
		return false
	}
	old := o.Quantity
	o.Quantity = qty
	events := []Event{{
		Type:        EventOptionUpdated,
		PortfolioID: p.id,
		Instrument:  instrument,
		OldValue:    old,
		NewValue:    qty,
	}}
	events = append(events, p.markDirtyLocked()...)
	p.mu.Unlock()
	p.emit(events...)
	return true
}

// GetOption returns a copy of the option, if present.
func (p *Portfolio) GetOption(instrument string) (model.VanillaOption, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.options[instrument]
	if !ok {
		return model.VanillaOption{}, false
	}
	return *o, true
}

// Options returns a snapshot copy of all option positions.
func (p *Portfolio) Options() []model.VanillaOption {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.VanillaOption, 0, len(p.options))
	for _, o := range p.options {
		out = append(out, *o)
	}
	return out
}

// InstrumentSet returns every instrument the portfolio needs live data for:
// its perpetual hedge instrument plus all option instruments.
func (p *Portfolio) InstrumentSet() map[string]struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := make(map[string]struct{}, len(p.options)+1)
	set[model.PerpetualInstrument(p.underlying)] = struct{}{}
	for name := range p.options {
		set[name] = struct{}{}
	}
	return set
}

// SetOptionMark updates the cached mark price / IV / delta / USD value on an
// option without emitting events; these are runtime caches, not trades.
func (p *Portfolio) SetOptionMark(instrument string, markPrice, iv, delta, usdValue float64) {
	p.mu.Lock()
	if o, ok := p.options[instrument]; ok {
		o.MarkPrice = markPrice
		o.IV = iv
		o.Delta = delta
		o.USDValue = usdValue
	}
	p.mu.Unlock()
}

// FuturesPosition returns the dynamic hedge position (signed USD notional)
// and its average entry price.
func (p *Portfolio) FuturesPosition() (pos, avgEntry float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.futuresPosition, p.futuresAvgEntry
}

// RealizedPnL returns the cumulative realized P&L in coin terms.
func (p *Portfolio) RealizedPnL() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realizedPnL
}

// LastHedgePrice returns the price of the last executed hedge, if any.
func (p *Portfolio) LastHedgePrice() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastHedgePrice, p.hasHedgePrice
}

// Trades returns a snapshot of the trade log.
func (p *Portfolio) Trades() []Trade {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]Trade, len(p.trades))
	copy(cp, p.trades)
	return cp
}

// UpdateFuturesPosition applies a dynamic hedge trade of deltaUSD signed
// notional at the given price. The transition is classified as open, add,
// reduce, close or flip; reductions realize P&L in coin terms over the
// closed portion at the pre-trade average entry.
func (p *Portfolio) UpdateFuturesPosition(deltaUSD, price float64) error {
	if deltaUSD == 0 {
		return nil
	}
	if price <= 0 {
		return fmt.Errorf("update futures position: invalid price %v", price)
	}

	p.mu.Lock()
	oldPos := p.futuresPosition
	newPos := oldPos + deltaUSD
	pnlBefore := p.realizedPnL

	p.lastHedgePrice = price
	p.hasHedgePrice = true

	isOpening := oldPos == 0
	isClosing := newPos == 0 && oldPos != 0
	isFlipping := (oldPos > 0 && newPos < 0) || (oldPos < 0 && newPos > 0)
	isAdding := (oldPos > 0 && deltaUSD > 0) || (oldPos < 0 && deltaUSD < 0)

	switch {
	case isOpening || isAdding:
		p.futuresAvgEntry = (oldPos*p.futuresAvgEntry + deltaUSD*price) / newPos
		p.futuresPosition = newPos

	case isFlipping:
		// Close the full prior position at the pre-trade entry, then open
		// the remainder at the trade price.
		coinQty := math.Abs(oldPos) / p.futuresAvgEntry
		pnl := coinQty * (price - p.futuresAvgEntry)
		if oldPos < 0 {
			pnl = -pnl
		}
		p.realizedPnL += pnl
		p.futuresAvgEntry = price
		p.futuresPosition = newPos

	default: // reducing or closing
		coinQty := math.Abs(deltaUSD) / p.futuresAvgEntry
		pnl := coinQty * (price - p.futuresAvgEntry)
		if oldPos < 0 {
			pnl = -pnl
		}
		p.realizedPnL += pnl
		p.futuresPosition = newPos
		if isClosing {
			p.futuresAvgEntry = 0
		}
	}

	pnlForTrade := p.realizedPnL - pnlBefore
	p.trades = append(p.trades, Trade{
		Timestamp:        time.Now().UTC(),
		Kind:             "futures",
		Side:             tradeSide(deltaUSD),
		QtyUSD:           deltaUSD,
		Price:            price,
		RealizedPnL:      pnlForTrade,
		RealizedPnLAfter: p.realizedPnL,
		PositionAfter:    p.futuresPosition,
	})

	events := []Event{{
		Type:        EventFuturesPositionUpdated,
		PortfolioID: p.id,
		OldValue:    oldPos,
		NewValue:    p.futuresPosition,
	}}
	if pnlForTrade != 0 {
		events = append(events, Event{
			Type:        EventRealizedPnLUpdated,
			PortfolioID: p.id,
			OldValue:    pnlBefore,
			NewValue:    p.realizedPnL,
		})
	}
	events = append(events, p.markDirtyLocked()...)
	p.mu.Unlock()
	p.emit(events...)

	slog.Debug("futures position updated",
		"portfolio", p.id, "delta_usd", deltaUSD, "price", price,
		"position", newPos, "realized_pnl", pnlForTrade)
	return nil
}

// ApplyInitialHedge applies an initial-premium hedge trade of deltaUSD
// signed notional at the given price, maintaining the static premium hedge
// position and average entry with the same transition rules as the dynamic
// position. It marks the portfolio as initially hedged.
func (p *Portfolio) ApplyInitialHedge(deltaUSD, price float64) error {
	if price <= 0 {
		return fmt.Errorf("apply initial hedge: invalid price %v", price)
	}

	p.mu.Lock()
	oldPos := p.initialHedgePos
	newPos := oldPos + deltaUSD
	pnlBefore := p.realizedPnL
	p.initialUSDHedged = true

	var pnl float64
	switch {
	case oldPos == 0 || (oldPos > 0) == (deltaUSD > 0):
		if newPos != 0 {
			p.initialHedgeEntry = (oldPos*p.initialHedgeEntry + deltaUSD*price) / newPos
		}
	case (oldPos > 0 && newPos < 0) || (oldPos < 0 && newPos > 0):
		coinQty := math.Abs(oldPos) / p.initialHedgeEntry
		pnl = coinQty * (price - p.initialHedgeEntry)
		if oldPos < 0 {
			pnl = -pnl
		}
		p.initialHedgeEntry = price
	default:
		coinQty := math.Abs(deltaUSD) / p.initialHedgeEntry
		pnl = coinQty * (price - p.initialHedgeEntry)
		if oldPos < 0 {
			pnl = -pnl
		}
		if newPos == 0 {
			p.initialHedgeEntry = 0
		}
	}
	p.initialHedgePos = newPos
	p.realizedPnL += pnl

	p.trades = append(p.trades, Trade{
		Timestamp:        time.Now().UTC(),
		Kind:             "futures",
		Instrument:       "initial-hedge",
		Side:             tradeSide(deltaUSD),
		QtyUSD:           deltaUSD,
		Price:            price,
		RealizedPnL:      pnl,
		RealizedPnLAfter: p.realizedPnL,
		PositionAfter:    newPos,
	})

	events := []Event{{
		Type:        EventInitialHedgeUpdated,
		PortfolioID: p.id,
		OldValue:    oldPos,
		NewValue:    newPos,
	}}
	if pnl != 0 {
		events = append(events, Event{
			Type:        EventRealizedPnLUpdated,
			PortfolioID: p.id,
			OldValue:    pnlBefore,
			NewValue:    p.realizedPnL,
		})
	}
	events = append(events, p.markDirtyLocked()...)
	p.mu.Unlock()
	p.emit(events...)
	return nil
}

// InitialHedged reports whether the initial premium hedge has been placed.
func (p *Portfolio) InitialHedged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialUSDHedged
}

// InitialHedgePosition returns the static premium hedge position and entry.
func (p *Portfolio) InitialHedgePosition() (pos, avgEntry float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialHedgePos, p.initialHedgeEntry
}

// InitialHedgeLedger returns a snapshot of the per-option premium ledger.
func (p *Portfolio) InitialHedgeLedger() map[string]HedgeLedgerEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]HedgeLedgerEntry, len(p.initialHedgeLedger))
	for k, v := range p.initialHedgeLedger {
		out[k] = *v
	}
	return out
}

// SetActualHedge records the executed hedge amount for one option in the
// premium ledger.
func (p *Portfolio) SetActualHedge(instrument string, actual float64) {
	p.mu.Lock()
	entry, ok := p.initialHedgeLedger[instrument]
	if !ok {
		p.mu.Unlock()
		return
	}
	entry.Actual = actual
	events := p.markDirtyLocked()
	p.mu.Unlock()
	p.emit(events...)
}

func tradeSide(qty float64) string {
	if qty > 0 {
		return "buy"
	}
	return "sell"
}
