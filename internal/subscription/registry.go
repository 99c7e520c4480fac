// Package subscription tracks which portfolios need market data for which
// instruments.
//
// The registry keeps bidirectional portfolio-to-instrument maps so ticker
// fan-out can resolve interested portfolios in one lookup. The exchange is
// only asked to subscribe when an instrument gains its first subscriber;
// removal is local bookkeeping only, since venue-side unsubscribing churns
// shared streams other consumers may still rely on.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const confirmationWait = 5 * time.Second

// Subscriber issues the venue-side subscription. *exchange.Client
// satisfies it.
type Subscriber interface {
	SubscribeToInstruments(ctx context.Context, instruments []string) error
}

// Registry maps portfolios to instruments and back. Safe for concurrent use.
type Registry struct {
	subscriber Subscriber

	mu           sync.Mutex
	byPortfolio  map[string]map[string]struct{}
	byInstrument map[string]map[string]struct{}
	confirmed    map[string]bool
	waiters      map[string][]chan struct{}
}

// NewRegistry creates an empty registry backed by the given subscriber.
func NewRegistry(sub Subscriber) *Registry {
	return &Registry{
		subscriber:   sub,
		byPortfolio:  make(map[string]map[string]struct{}),
		byInstrument: make(map[string]map[string]struct{}),
		confirmed:    make(map[string]bool),
		waiters:      make(map[string][]chan struct{}),
	}
}

// AddSubscription registers interest of one portfolio in one instrument.
// The exchange call is issued only when the instrument gains its first
// subscriber; duplicate adds are no-ops. With waitConfirm set, the call
// blocks up to 5s for the subscription to be confirmed. A failed exchange
// call rolls the registration back.
func (r *Registry) AddSubscription(ctx context.Context, portfolioID, instrument string, waitConfirm bool) error {
	r.mu.Lock()
	if set, ok := r.byPortfolio[portfolioID]; ok {
		if _, dup := set[instrument]; dup {
			r.mu.Unlock()
			return nil
		}
	}
	firstSubscriber := len(r.byInstrument[instrument]) == 0 && !r.confirmed[instrument]
	r.addLocked(portfolioID, instrument)
	r.mu.Unlock()

	if firstSubscriber {
		if err := r.subscriber.SubscribeToInstruments(ctx, []string{instrument}); err != nil {
			r.mu.Lock()
			r.removeLocked(portfolioID, instrument)
			r.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", instrument, err)
		}
	}

	if !waitConfirm {
		return nil
	}
	return r.waitConfirmed(ctx, instrument)
}

// RemoveSubscription drops the local registration. The exchange stream is
// intentionally left running.
func (r *Registry) RemoveSubscription(portfolioID, instrument string) {
	r.mu.Lock()
	r.removeLocked(portfolioID, instrument)
	r.mu.Unlock()
}

// UpdatePortfolioSubscriptions reconciles one portfolio's subscriptions to
// exactly the given instrument set, subscribing to new instruments and
// locally dropping stale ones.
func (r *Registry) UpdatePortfolioSubscriptions(ctx context.Context, portfolioID string, instruments map[string]struct{}) error {
	r.mu.Lock()
	current := r.byPortfolio[portfolioID]
	var stale, added []string
	var needExchange []string
	for ins := range current {
		if _, keep := instruments[ins]; !keep {
			stale = append(stale, ins)
		}
	}
	for ins := range instruments {
		if _, have := current[ins]; have {
			continue
		}
		added = append(added, ins)
		if len(r.byInstrument[ins]) == 0 && !r.confirmed[ins] {
			needExchange = append(needExchange, ins)
		}
		r.addLocked(portfolioID, ins)
	}
	for _, ins := range stale {
		r.removeLocked(portfolioID, ins)
	}
	r.mu.Unlock()

	if len(needExchange) > 0 {
		sort.Strings(needExchange)
		if err := r.subscriber.SubscribeToInstruments(ctx, needExchange); err != nil {
			r.mu.Lock()
			for _, ins := range added {
				r.removeLocked(portfolioID, ins)
			}
			r.mu.Unlock()
			return fmt.Errorf("subscribe %d instruments: %w", len(needExchange), err)
		}
	}
	if len(added) > 0 || len(stale) > 0 {
		slog.Debug("subscriptions reconciled",
			"portfolio", portfolioID, "added", len(added), "removed", len(stale))
	}
	return nil
}

// GetPortfolioSubscriptions returns the instruments one portfolio tracks.
func (r *Registry) GetPortfolioSubscriptions(portfolioID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byPortfolio[portfolioID]))
	for ins := range r.byPortfolio[portfolioID] {
		out = append(out, ins)
	}
	sort.Strings(out)
	return out
}

// GetSubscribedPortfolios returns the portfolios interested in one
// instrument.
func (r *Registry) GetSubscribedPortfolios(instrument string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byInstrument[instrument]))
	for pid := range r.byInstrument[instrument] {
		out = append(out, pid)
	}
	sort.Strings(out)
	return out
}

// NotifyConfirmed records a venue confirmation and releases any waiters.
// Wire it as (or from) the exchange client's confirmation handler.
func (r *Registry) NotifyConfirmed(instrument string) {
	r.mu.Lock()
	r.confirmed[instrument] = true
	waiters := r.waiters[instrument]
	delete(r.waiters, instrument)
	r.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// IsConfirmed reports whether the instrument's stream has been confirmed.
func (r *Registry) IsConfirmed(instrument string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed[instrument]
}

func (r *Registry) waitConfirmed(ctx context.Context, instrument string) error {
	r.mu.Lock()
	if r.confirmed[instrument] {
		r.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	r.waiters[instrument] = append(r.waiters[instrument], ch)
	r.mu.Unlock()

	timer := time.NewTimer(confirmationWait)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("subscription %s: confirmation timed out after %s", instrument, confirmationWait)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) addLocked(portfolioID, instrument string) {
	if r.byPortfolio[portfolioID] == nil {
		r.byPortfolio[portfolioID] = make(map[string]struct{})
	}
	r.byPortfolio[portfolioID][instrument] = struct{}{}
	if r.byInstrument[instrument] == nil {
		r.byInstrument[instrument] = make(map[string]struct{})
	}
	r.byInstrument[instrument][portfolioID] = struct{}{}
}

func (r *Registry) removeLocked(portfolioID, instrument string) {
	if set := r.byPortfolio[portfolioID]; set != nil {
		delete(set, instrument)
		if len(set) == 0 {
			delete(r.byPortfolio, portfolioID)
		}
	}
	if set := r.byInstrument[instrument]; set != nil {
		delete(set, portfolioID)
		if len(set) == 0 {
			delete(r.byInstrument, instrument)
		}
	}
}
