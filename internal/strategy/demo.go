// Package strategy holds the demo strategy shipped with the runtime: a
// single resting buy quoted between the third and fourth bid, requoted
// whenever the book drifts away from it. It exists to exercise the trade
// façade and the market subscription path end to end, not to make money.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"quantd/internal/trader"
	"quantd/pkg/types"
)

// defaultQuantity is the demo's fixed order size.
const defaultQuantity = 0.1

// Trader is the slice of the trade façade the strategy uses, small enough
// to fake in tests.
type Trader interface {
	CreateOrder(ctx context.Context, action types.OrderAction, price, quantity float64, opts ...trader.OrderOption) (string, error)
	RevokeOrder(ctx context.Context, orderIDs ...string) (*trader.RevokeResult, error)
}

// BookFeed is the market-data surface the strategy subscribes through.
type BookFeed interface {
	Orderbook(platform, symbol string, cb func(*types.Orderbook)) error
}

// Config seeds the demo strategy.
type Config struct {
	Name     string // defaults to "demo"
	Platform string
	Symbol   string
	Quantity float64 // defaults to 0.1
	Logger   *slog.Logger
}

// Demo keeps at most one resting buy between bid3 and bid4. Book updates
// arrive from the bus consumer and order updates from the trade stream,
// so the resting-order state is guarded by a mutex.
type Demo struct {
	name     string
	platform string
	symbol   string
	quantity float64
	trader   Trader
	logger   *slog.Logger

	mu          sync.Mutex
	orderID     string
	createPrice float64
}

// New builds the demo strategy around an already-constructed trader.
func New(cfg Config, t Trader) (*Demo, error) {
	if cfg.Platform == "" {
		return nil, fmt.Errorf("demo strategy: platform is required")
	}
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("demo strategy: symbol is required")
	}
	if t == nil {
		return nil, fmt.Errorf("demo strategy: trader is required")
	}
	if cfg.Name == "" {
		cfg.Name = "demo"
	}
	if cfg.Quantity <= 0 {
		cfg.Quantity = defaultQuantity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Demo{
		name:     cfg.Name,
		platform: cfg.Platform,
		symbol:   cfg.Symbol,
		quantity: cfg.Quantity,
		trader:   t,
		logger:   logger.With("component", "strategy", "strategy", cfg.Name, "platform", cfg.Platform, "symbol", cfg.Symbol),
	}, nil
}

// Subscribe attaches the strategy to its platform's order book stream.
func (d *Demo) Subscribe(feed BookFeed) error {
	return feed.Orderbook(d.platform, d.symbol, d.OnOrderbook)
}

// OnOrderbook requotes against a fresh book. A resting order whose price
// still sits between bid4 and bid3 is left alone; one that drifted out of
// the band is revoked and replaced at the new midpoint.
func (d *Demo) OnOrderbook(ob *types.Orderbook) {
	if len(ob.Bids) < 4 {
		d.logger.Debug("book too shallow", "bids", len(ob.Bids))
		return
	}
	bid3, err3 := strconv.ParseFloat(ob.Bids[2].Price(), 64)
	bid4, err4 := strconv.ParseFloat(ob.Bids[3].Price(), 64)
	if err3 != nil || err4 != nil {
		d.logger.Warn("unparsable bid price", "bid3", ob.Bids[2].Price(), "bid4", ob.Bids[3].Price())
		return
	}

	d.mu.Lock()
	orderID := d.orderID
	createPrice := d.createPrice
	d.mu.Unlock()

	ctx := context.Background()
	if orderID != "" {
		if createPrice >= bid4 && createPrice <= bid3 {
			return
		}
		if _, err := d.trader.RevokeOrder(ctx, orderID); err != nil {
			d.logger.Error("revoke order failed", "order_id", orderID, "error", err)
			return
		}
		d.logger.Info("order revoked", "order_id", orderID, "price", createPrice)
		d.clearOrder(orderID)
	}

	price := (bid3 + bid4) / 2
	newID, err := d.trader.CreateOrder(ctx, types.ActionBuy, price, d.quantity)
	if err != nil {
		d.logger.Error("create order failed", "price", price, "error", err)
		return
	}
	d.mu.Lock()
	d.orderID = newID
	d.createPrice = price
	d.mu.Unlock()
	d.logger.Info("order created", "order_id", newID, "price", price)
}

// OnOrderUpdate tracks the resting order's lifecycle and forgets it once
// it reaches a terminal status, so the next book update quotes again.
func (d *Demo) OnOrderUpdate(order *types.Order) {
	d.logger.Info("order update",
		"order_id", order.OrderID, "status", order.Status,
		"price", order.Price, "remain", order.Remain)
	if !order.Status.IsTerminal() {
		return
	}
	d.clearOrder(order.OrderID)
}

// clearOrder drops the resting-order state if it still belongs to orderID.
func (d *Demo) clearOrder(orderID string) {
	d.mu.Lock()
	if d.orderID == orderID {
		d.orderID = ""
		d.createPrice = 0
	}
	d.mu.Unlock()
}
