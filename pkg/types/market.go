package types

import "encoding/json"

// ————————————————————————————————————————————————————————————————————————
// Market types
// ————————————————————————————————————————————————————————————————————————

// Market data types routed over the event bus. The base kline is the
// one-minute bar; longer periods carry their own type.
const (
	MarketTypeTrade     = "trade"
	MarketTypeOrderbook = "orderbook"
	MarketTypeKline     = "kline"
	MarketTypeKline3M   = "kline_3m"
	MarketTypeKline5M   = "kline_5m"
	MarketTypeKline15M  = "kline_15m"
	MarketTypeKline30M  = "kline_30m"
	MarketTypeKline1H   = "kline_1h"
	MarketTypeKline3H   = "kline_3h"
	MarketTypeKline6H   = "kline_6h"
	MarketTypeKline12H  = "kline_12h"
	MarketTypeKline1D   = "kline_1d"
	MarketTypeKline3D   = "kline_3d"
	MarketTypeKline1W   = "kline_1w"
	MarketTypeKline15D  = "kline_15d"
	MarketTypeKline1Mon = "kline_1mon"
	MarketTypeKline1Y   = "kline_1y"
)

var klineTypes = map[string]bool{
	MarketTypeKline:     true,
	MarketTypeKline3M:   true,
	MarketTypeKline5M:   true,
	MarketTypeKline15M:  true,
	MarketTypeKline30M:  true,
	MarketTypeKline1H:   true,
	MarketTypeKline3H:   true,
	MarketTypeKline6H:   true,
	MarketTypeKline12H:  true,
	MarketTypeKline1D:   true,
	MarketTypeKline3D:   true,
	MarketTypeKline1W:   true,
	MarketTypeKline15D:  true,
	MarketTypeKline1Mon: true,
	MarketTypeKline1Y:   true,
}

// IsKlineType reports whether the market type names a kline period.
func IsKlineType(marketType string) bool {
	return klineTypes[marketType]
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is one [price, quantity] pair in an order book. Both values
// stay strings exactly as the exchange printed them, so no precision is
// lost crossing the bus. Marshals as a two-element JSON array.
type PriceLevel [2]string

// NewPriceLevel builds a level from its price and quantity strings.
func NewPriceLevel(price, quantity string) PriceLevel {
	return PriceLevel{price, quantity}
}

// Price returns the price string.
func (l PriceLevel) Price() string { return l[0] }

// Quantity returns the quantity string.
func (l PriceLevel) Quantity() string { return l[1] }

// Orderbook is a point-in-time book snapshot for one trading pair.
type Orderbook struct {
	Platform  string       `json:"platform"`
	Symbol    string       `json:"symbol"` // canonical pair, e.g. `ETH/BTC`
	Asks      []PriceLevel `json:"asks"`   // ascending, best ask first
	Bids      []PriceLevel `json:"bids"`   // descending, best bid first
	Timestamp int64        `json:"timestamp"`
}

// orderbookWire is the single-letter schema used on the bus.
type orderbookWire struct {
	Platform  string       `json:"p"`
	Symbol    string       `json:"s"`
	Asks      []PriceLevel `json:"a"`
	Bids      []PriceLevel `json:"b"`
	Timestamp int64        `json:"t"`
}

// MarshalCompact renders the compact wire form.
func (o *Orderbook) MarshalCompact() ([]byte, error) {
	return json.Marshal(orderbookWire{
		Platform:  o.Platform,
		Symbol:    o.Symbol,
		Asks:      o.Asks,
		Bids:      o.Bids,
		Timestamp: o.Timestamp,
	})
}

// UnmarshalCompact parses the compact wire form.
func (o *Orderbook) UnmarshalCompact(data []byte) error {
	var w orderbookWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	o.Platform = w.Platform
	o.Symbol = w.Symbol
	o.Asks = w.Asks
	o.Bids = w.Bids
	o.Timestamp = w.Timestamp
	return nil
}

// String renders the long-key form for logs.
func (o *Orderbook) String() string {
	b, _ := json.Marshal(o)
	return string(b)
}

// ————————————————————————————————————————————————————————————————————————
// Trade
// ————————————————————————————————————————————————————————————————————————

// Trade is a single executed trade from a public market feed.
type Trade struct {
	Platform  string      `json:"platform"`
	Symbol    string      `json:"symbol"`
	Action    OrderAction `json:"action"` // taker side
	Price     string      `json:"price"`
	Quantity  string      `json:"quantity"`
	Timestamp int64       `json:"timestamp"`
}

// tradeWire is the single-letter schema used on the bus. Price takes the
// capital P because the lowercase p already names the platform.
type tradeWire struct {
	Platform  string      `json:"p"`
	Symbol    string      `json:"s"`
	Action    OrderAction `json:"a"`
	Price     string      `json:"P"`
	Quantity  string      `json:"q"`
	Timestamp int64       `json:"t"`
}

// MarshalCompact renders the compact wire form.
func (t *Trade) MarshalCompact() ([]byte, error) {
	return json.Marshal(tradeWire{
		Platform:  t.Platform,
		Symbol:    t.Symbol,
		Action:    t.Action,
		Price:     t.Price,
		Quantity:  t.Quantity,
		Timestamp: t.Timestamp,
	})
}

// UnmarshalCompact parses the compact wire form.
func (t *Trade) UnmarshalCompact(data []byte) error {
	var w tradeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.Platform = w.Platform
	t.Symbol = w.Symbol
	t.Action = w.Action
	t.Price = w.Price
	t.Quantity = w.Quantity
	t.Timestamp = w.Timestamp
	return nil
}

// String renders the long-key form for logs.
func (t *Trade) String() string {
	b, _ := json.Marshal(t)
	return string(b)
}

// ————————————————————————————————————————————————————————————————————————
// Kline
// ————————————————————————————————————————————————————————————————————————

// Kline is one OHLCV bar from a public market feed.
type Kline struct {
	Platform  string `json:"platform"`
	Symbol    string `json:"symbol"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
	Timestamp int64  `json:"timestamp"`
	KlineType string `json:"kline_type"`
}

// klineWire is the single-letter schema used on the bus.
type klineWire struct {
	Platform  string `json:"p"`
	Symbol    string `json:"s"`
	Open      string `json:"o"`
	High      string `json:"h"`
	Low       string `json:"l"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	Timestamp int64  `json:"t"`
	KlineType string `json:"kt"`
}

// MarshalCompact renders the compact wire form.
func (k *Kline) MarshalCompact() ([]byte, error) {
	return json.Marshal(klineWire{
		Platform:  k.Platform,
		Symbol:    k.Symbol,
		Open:      k.Open,
		High:      k.High,
		Low:       k.Low,
		Close:     k.Close,
		Volume:    k.Volume,
		Timestamp: k.Timestamp,
		KlineType: k.KlineType,
	})
}

// UnmarshalCompact parses the compact wire form.
func (k *Kline) UnmarshalCompact(data []byte) error {
	var w klineWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	k.Platform = w.Platform
	k.Symbol = w.Symbol
	k.Open = w.Open
	k.High = w.High
	k.Low = w.Low
	k.Close = w.Close
	k.Volume = w.Volume
	k.Timestamp = w.Timestamp
	k.KlineType = w.KlineType
	return nil
}

// String renders the long-key form for logs.
func (k *Kline) String() string {
	b, _ := json.Marshal(k)
	return string(b)
}
