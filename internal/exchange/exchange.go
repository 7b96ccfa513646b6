// Package exchange holds the contracts shared by the per-platform market
// adapters: the sink they publish normalized events into and the registry
// the runtime uses to start the platforms named in its config.
package exchange

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"quantd/internal/scheduler"
	"quantd/pkg/types"
)

// EventSink receives normalized market data. The event bus implements it;
// tests substitute a recorder.
type EventSink interface {
	PublishOrderbook(ctx context.Context, ob *types.Orderbook) error
	PublishTrade(ctx context.Context, t *types.Trade) error
	PublishKline(ctx context.Context, k *types.Kline) error
}

// MarketParams configures one platform's market-data feed.
type MarketParams struct {
	Platform        string
	WSS             string
	Symbols         []string // canonical pairs, e.g. ETH/BTC
	Channels        []string // orderbook / trade / kline
	OrderbookLength int
	Proxy           string

	Sink      EventSink
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
}

// Market is a running market-data feed.
type Market interface {
	Start(ctx context.Context)
	Stop()
}

// MarketConstructor builds a platform's market feed.
type MarketConstructor func(MarketParams) (Market, error)

// MarketRegistry maps platform names to market-feed constructors,
// populated explicitly at boot.
type MarketRegistry struct {
	mu           sync.RWMutex
	constructors map[string]MarketConstructor
}

// NewMarketRegistry returns an empty registry.
func NewMarketRegistry() *MarketRegistry {
	return &MarketRegistry{constructors: make(map[string]MarketConstructor)}
}

// Register binds a platform name to a constructor, replacing any earlier
// binding.
func (r *MarketRegistry) Register(platform string, ctor MarketConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[platform] = ctor
}

// Lookup returns the constructor for a platform.
func (r *MarketRegistry) Lookup(platform string) (MarketConstructor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.constructors[platform]
	return ctor, ok
}

// Platforms lists the registered platform names, sorted.
func (r *MarketRegistry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DedupeSymbols drops duplicate symbols while keeping first-seen order.
// The platform adapters use it to normalize their configured symbol lists.
func DedupeSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
