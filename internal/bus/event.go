// Package bus is the process's event backbone: a RabbitMQ client with
// three pre-declared topic exchanges (Orderbook, Trade, Kline) carrying
// compressed market events between servers.
//
// Publishing is best-effort: events are dropped with a warning while the
// broker is unreachable. Subscriptions are recorded in memory and bound at
// bus-ready time, so the same list replays on every reconnect. A health
// loop on the scheduler watches the channel and rebuilds everything when
// the connection drops.
package bus

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"io"

	"quantd/pkg/types"
)

// Topic exchange names.
const (
	ExchangeOrderbook = "Orderbook"
	ExchangeTrade     = "Trade"
	ExchangeKline     = "Kline"
)

// Event names on the wire.
const (
	eventNameOrderbook = "EVENT_ORDERBOOK"
	eventNameTrade     = "EVENT_TRADE"
	eventNameKline     = "EVENT_KLINE"
)

// Event is one bus message: routing metadata plus the compact-form payload.
type Event struct {
	Name       string
	Exchange   string
	Queue      string
	RoutingKey string
	Prefetch   int
	Data       json.RawMessage
}

// envelope is the JSON wrapper compressed onto the wire.
type envelope struct {
	Name string          `json:"n"`
	Data json.RawMessage `json:"d"`
}

// Dumps renders the wire form: zlib-compressed JSON {"n": name, "d": data}.
func (e *Event) Dumps() ([]byte, error) {
	body, err := json.Marshal(envelope{Name: e.Name, Data: e.Data})
	if err != nil {
		return nil, fmt.Errorf("encode event %s: %w", e.Name, err)
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(body); err != nil {
		w.Close()
		return nil, fmt.Errorf("compress event %s: %w", e.Name, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compress event %s: %w", e.Name, err)
	}
	return buf.Bytes(), nil
}

// Loads parses the wire form produced by Dumps into the event's Name and
// Data.
func (e *Event) Loads(b []byte) error {
	r, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("decompress event: %w", err)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("decompress event: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	e.Name = env.Name
	e.Data = env.Data
	return nil
}

func (e *Event) String() string {
	return fmt.Sprintf("EVENT: name=%s, exchange=%s, queue=%s, routing_key=%s", e.Name, e.Exchange, e.Queue, e.RoutingKey)
}

// newEvent fills the routing metadata shared by all event kinds:
// routing_key = "{platform}.{symbol}" and
// queue = "{server_id}.{exchange}.{routing_key}".
func newEvent(name, exchange, serverID, platform, symbol string, data json.RawMessage) *Event {
	routingKey := fmt.Sprintf("%s.%s", platform, symbol)
	return &Event{
		Name:       name,
		Exchange:   exchange,
		Queue:      fmt.Sprintf("%s.%s.%s", serverID, exchange, routingKey),
		RoutingKey: routingKey,
		Prefetch:   1,
		Data:       data,
	}
}

// NewOrderbookEvent wraps an order book snapshot for the Orderbook
// exchange.
func NewOrderbookEvent(serverID string, ob *types.Orderbook) (*Event, error) {
	data, err := ob.MarshalCompact()
	if err != nil {
		return nil, err
	}
	return newEvent(eventNameOrderbook, ExchangeOrderbook, serverID, ob.Platform, ob.Symbol, data), nil
}

// NewTradeEvent wraps a public trade for the Trade exchange.
func NewTradeEvent(serverID string, t *types.Trade) (*Event, error) {
	data, err := t.MarshalCompact()
	if err != nil {
		return nil, err
	}
	return newEvent(eventNameTrade, ExchangeTrade, serverID, t.Platform, t.Symbol, data), nil
}

// NewKlineEvent wraps an OHLCV bar for the Kline exchange. All kline
// periods share the exchange and routing key; the payload's kline_type
// distinguishes them.
func NewKlineEvent(serverID string, k *types.Kline) (*Event, error) {
	data, err := k.MarshalCompact()
	if err != nil {
		return nil, err
	}
	return newEvent(eventNameKline, ExchangeKline, serverID, k.Platform, k.Symbol, data), nil
}
