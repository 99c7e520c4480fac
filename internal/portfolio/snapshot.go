package portfolio

import (
	"encoding/json"
	"fmt"

	"dneutral/internal/model"
)

// snapshot is the on-disk JSON document for one portfolio.
type snapshot struct {
	ID                  string                       `json:"id"`
	Underlying          string                       `json:"underlying"`
	Options             []model.VanillaOption        `json:"options"`
	FuturesPosition     float64                      `json:"futures_position"`
	FuturesAvgEntry     float64                      `json:"futures_avg_entry"`
	LastHedgePrice      *float64                     `json:"last_hedge_price"`
	RealizedPnL         float64                      `json:"realized_pnl"`
	InitialUSDHedged    bool                         `json:"initial_usd_hedged"`
	InitialHedgePos     float64                      `json:"initial_usd_hedge_position"`
	InitialHedgeEntry   float64                      `json:"initial_usd_hedge_avg_entry"`
	InitialOptionValues map[string]*HedgeLedgerEntry `json:"initial_option_usd_value"`
	Trades              []Trade                      `json:"trades"`
}

// MarshalJSON serializes the portfolio for persistence.
func (p *Portfolio) MarshalJSON() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := snapshot{
		ID:                  p.id,
		Underlying:          p.underlying,
		Options:             make([]model.VanillaOption, 0, len(p.options)),
		FuturesPosition:     p.futuresPosition,
		FuturesAvgEntry:     p.futuresAvgEntry,
		RealizedPnL:         p.realizedPnL,
		InitialUSDHedged:    p.initialUSDHedged,
		InitialHedgePos:     p.initialHedgePos,
		InitialHedgeEntry:   p.initialHedgeEntry,
		InitialOptionValues: make(map[string]*HedgeLedgerEntry, len(p.initialHedgeLedger)),
		Trades:              p.trades,
	}
	for _, o := range p.options {
		snap.Options = append(snap.Options, *o)
	}
	for k, v := range p.initialHedgeLedger {
		e := *v
		snap.InitialOptionValues[k] = &e
	}
	if p.hasHedgePrice {
		price := p.lastHedgePrice
		snap.LastHedgePrice = &price
	}
	return json.Marshal(snap)
}

// UnmarshalJSON restores a portfolio from its persisted document.
// Listeners are not restored; callers re-attach them after load.
func (p *Portfolio) UnmarshalJSON(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode portfolio: %w", err)
	}
	if snap.ID == "" {
		return fmt.Errorf("decode portfolio: missing id")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.id = snap.ID
	p.underlying = snap.Underlying
	p.options = make(map[string]*model.VanillaOption, len(snap.Options))
	for i := range snap.Options {
		o := snap.Options[i]
		o.Normalize()
		p.options[o.InstrumentName] = &o
	}
	p.futuresPosition = snap.FuturesPosition
	p.futuresAvgEntry = snap.FuturesAvgEntry
	if snap.LastHedgePrice != nil {
		p.lastHedgePrice = *snap.LastHedgePrice
		p.hasHedgePrice = true
	}
	p.realizedPnL = snap.RealizedPnL
	p.initialUSDHedged = snap.InitialUSDHedged
	p.initialHedgePos = snap.InitialHedgePos
	p.initialHedgeEntry = snap.InitialHedgeEntry
	p.initialHedgeLedger = make(map[string]*HedgeLedgerEntry, len(snap.InitialOptionValues))
	for k, v := range snap.InitialOptionValues {
		e := *v
		p.initialHedgeLedger[k] = &e
	}
	p.trades = snap.Trades
	if p.listeners == nil {
		p.listeners = make(map[EventType][]Listener)
	}
	p.dirty = false
	return nil
}
