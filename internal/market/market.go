// Package market lets strategies subscribe to market data flowing over
// the event bus with typed callbacks instead of raw deliveries.
package market

import (
	"fmt"
	"log/slog"

	"quantd/internal/bus"
	"quantd/pkg/types"
)

// Bus is the event-bus surface the subscriber needs.
type Bus interface {
	ServerID() string
	Subscribe(event *bus.Event, handler bus.HandlerFunc, multi bool)
}

// Subscriber binds typed market-data callbacks onto the event bus. A "#"
// for platform or symbol subscribes across all of them on a private
// queue; concrete names share the server's named queue.
type Subscriber struct {
	bus    Bus
	logger *slog.Logger
}

// NewSubscriber wires a subscriber to the bus.
func NewSubscriber(b Bus, logger *slog.Logger) *Subscriber {
	return &Subscriber{bus: b, logger: logger.With("component", "market")}
}

// Subscribe routes a market-type string to the matching event family. The
// callback must be a func(*types.Orderbook), func(*types.Trade) or
// func(*types.Kline) agreeing with the market type.
func (s *Subscriber) Subscribe(marketType, platform, symbol string, callback any) error {
	switch {
	case marketType == types.MarketTypeOrderbook:
		cb, ok := callback.(func(*types.Orderbook))
		if !ok {
			return fmt.Errorf("market type %s needs a func(*types.Orderbook) callback", marketType)
		}
		return s.Orderbook(platform, symbol, cb)
	case marketType == types.MarketTypeTrade:
		cb, ok := callback.(func(*types.Trade))
		if !ok {
			return fmt.Errorf("market type %s needs a func(*types.Trade) callback", marketType)
		}
		return s.Trade(platform, symbol, cb)
	case types.IsKlineType(marketType):
		cb, ok := callback.(func(*types.Kline))
		if !ok {
			return fmt.Errorf("market type %s needs a func(*types.Kline) callback", marketType)
		}
		return s.Kline(marketType, platform, symbol, cb)
	default:
		return fmt.Errorf("unknown market type %q", marketType)
	}
}

// Orderbook subscribes to book snapshots for platform/symbol.
func (s *Subscriber) Orderbook(platform, symbol string, cb func(*types.Orderbook)) error {
	event, err := bus.NewOrderbookEvent(s.bus.ServerID(), &types.Orderbook{Platform: platform, Symbol: symbol})
	if err != nil {
		return err
	}
	s.bus.Subscribe(event, func(e *bus.Event) {
		ob := &types.Orderbook{}
		if err := ob.UnmarshalCompact(e.Data); err != nil {
			s.logger.Error("orderbook decode failed", "routing_key", e.RoutingKey, "error", err)
			return
		}
		cb(ob)
	}, isMulti(platform, symbol))
	return nil
}

// Trade subscribes to public trades for platform/symbol.
func (s *Subscriber) Trade(platform, symbol string, cb func(*types.Trade)) error {
	event, err := bus.NewTradeEvent(s.bus.ServerID(), &types.Trade{Platform: platform, Symbol: symbol})
	if err != nil {
		return err
	}
	s.bus.Subscribe(event, func(e *bus.Event) {
		trade := &types.Trade{}
		if err := trade.UnmarshalCompact(e.Data); err != nil {
			s.logger.Error("trade decode failed", "routing_key", e.RoutingKey, "error", err)
			return
		}
		cb(trade)
	}, isMulti(platform, symbol))
	return nil
}

// Kline subscribes to OHLCV bars for platform/symbol. All periods share
// one routing key, so the callback sees every period published there; the
// bar's own kline_type tells them apart.
func (s *Subscriber) Kline(klineType, platform, symbol string, cb func(*types.Kline)) error {
	if !types.IsKlineType(klineType) {
		return fmt.Errorf("unknown kline type %q", klineType)
	}
	event, err := bus.NewKlineEvent(s.bus.ServerID(), &types.Kline{Platform: platform, Symbol: symbol, KlineType: klineType})
	if err != nil {
		return err
	}
	s.bus.Subscribe(event, func(e *bus.Event) {
		kline := &types.Kline{}
		if err := kline.UnmarshalCompact(e.Data); err != nil {
			s.logger.Error("kline decode failed", "routing_key", e.RoutingKey, "error", err)
			return
		}
		cb(kline)
	}, isMulti(platform, symbol))
	return nil
}

func isMulti(platform, symbol string) bool {
	return platform == "#" || symbol == "#"
}
