// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the runtime — platform names,
// order and position objects, and the market entities routed over the event
// bus. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"encoding/json"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Platforms
// ————————————————————————————————————————————————————————————————————————

// Exchange platform names. Adapters register under these names and routing
// keys carry them verbatim.
const (
	Binance = "binance"
	Huobi   = "huobi" // reserved: constant only, no adapter ships yet
	OKEx    = "okex"
)

// ————————————————————————————————————————————————————————————————————————
// Order enums
// ————————————————————————————————————————————————————————————————————————

// OrderAction is the direction of an order: BUY or SELL.
type OrderAction string

const (
	ActionBuy  OrderAction = "BUY"
	ActionSell OrderAction = "SELL"
)

// OrderType enumerates the supported order execution styles.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the order lifecycle state.
type OrderStatus string

const (
	OrderStatusNone          OrderStatus = "NONE"           // created locally, nothing confirmed
	OrderStatusSubmitted     OrderStatus = "SUBMITTED"      // accepted by the exchange
	OrderStatusPartialFilled OrderStatus = "PARTIAL-FILLED" // some quantity filled
	OrderStatusFilled        OrderStatus = "FILLED"         // fully filled
	OrderStatusCanceled      OrderStatus = "CANCELED"       // canceled by user or exchange
	OrderStatusFailed        OrderStatus = "FAILED"         // rejected or expired
)

// IsTerminal reports whether the status ends the order's lifecycle. The
// owning trade adapter drops terminal orders from its open-order map right
// after the final callback.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled || s == OrderStatusFailed
}

// TradeType classifies futures orders by position effect. Spot orders stay
// at TradeTypeNone.
type TradeType string

const (
	TradeTypeNone      TradeType = "NONE"
	TradeTypeBuyOpen   TradeType = "BUY_OPEN"   // action = BUY, opens long
	TradeTypeSellOpen  TradeType = "SELL_OPEN"  // action = SELL, opens short
	TradeTypeSellClose TradeType = "SELL_CLOSE" // action = SELL, closes long
	TradeTypeBuyClose  TradeType = "BUY_CLOSE"  // action = BUY, closes short
)

// ————————————————————————————————————————————————————————————————————————
// Order
// ————————————————————————————————————————————————————————————————————————

// Order is the normalized order representation shared by all trade
// adapters. Numeric fields are parsed from exchange strings at the adapter
// boundary. Only the owning adapter mutates an Order; strategies receive
// copies through the order-update callback.
type Order struct {
	Platform      string      `json:"platform"`
	Account       string      `json:"account"`
	Strategy      string      `json:"strategy"`
	OrderID       string      `json:"order_id"`
	ClientOrderID string      `json:"client_order_id"`
	Symbol        string      `json:"symbol"` // canonical pair, e.g. `ETH/BTC`
	Action        OrderAction `json:"action"`
	OrderType     OrderType   `json:"order_type"`
	Price         float64     `json:"price"`
	Quantity      float64     `json:"quantity"`
	Remain        float64     `json:"remain"` // quantity not yet filled
	Status        OrderStatus `json:"status"`
	AvgPrice      float64     `json:"avg_price"`
	TradeType     TradeType   `json:"trade_type"` // futures only
	Fee           float64     `json:"fee"`
	Ctime         int64       `json:"ctime"` // create time, millisecond
	Utime         int64       `json:"utime"` // update time, millisecond
}

// NewOrder applies construction defaults: Remain falls back to Quantity,
// Status to NONE, OrderType to LIMIT, TradeType to NONE, and both
// timestamps to now.
func NewOrder(o Order) *Order {
	if o.Remain == 0 {
		o.Remain = o.Quantity
	}
	if o.Status == "" {
		o.Status = OrderStatusNone
	}
	if o.OrderType == "" {
		o.OrderType = OrderTypeLimit
	}
	if o.TradeType == "" {
		o.TradeType = TradeTypeNone
	}
	now := NowMillis()
	if o.Ctime == 0 {
		o.Ctime = now
	}
	if o.Utime == 0 {
		o.Utime = now
	}
	return &o
}

func (o *Order) String() string {
	b, _ := json.Marshal(o)
	return string(b)
}

// ————————————————————————————————————————————————————————————————————————
// Position
// ————————————————————————————————————————————————————————————————————————

// Position is a futures position snapshot for one symbol.
type Position struct {
	Platform      string  `json:"platform"`
	Account       string  `json:"account"`
	Strategy      string  `json:"strategy"`
	Symbol        string  `json:"symbol"`
	ShortQuantity float64 `json:"short_quantity"`
	ShortAvgPrice float64 `json:"short_avg_price"`
	LongQuantity  float64 `json:"long_quantity"`
	LongAvgPrice  float64 `json:"long_avg_price"`
	LiquidPrice   float64 `json:"liquid_price"`
	Timestamp     int64   `json:"timestamp"` // update time, millisecond
}

// Update replaces the position's quantities and prices. A zero timestamp
// stamps the current time.
func (p *Position) Update(shortQty, shortAvg, longQty, longAvg, liquidPrice float64, timestamp int64) {
	p.ShortQuantity = shortQty
	p.ShortAvgPrice = shortAvg
	p.LongQuantity = longQty
	p.LongAvgPrice = longAvg
	p.LiquidPrice = liquidPrice
	if timestamp == 0 {
		timestamp = NowMillis()
	}
	p.Timestamp = timestamp
}

func (p *Position) String() string {
	b, _ := json.Marshal(p)
	return string(b)
}

// NowMillis returns the current unix time in milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
