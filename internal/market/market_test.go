package market

import (
	"io"
	"log/slog"
	"reflect"
	"testing"

	"quantd/internal/bus"
	"quantd/pkg/types"
)

type fakeBus struct {
	events   []*bus.Event
	handlers []bus.HandlerFunc
	multis   []bool
}

func (f *fakeBus) ServerID() string { return "svr-test" }

func (f *fakeBus) Subscribe(event *bus.Event, handler bus.HandlerFunc, multi bool) {
	f.events = append(f.events, event)
	f.handlers = append(f.handlers, handler)
	f.multis = append(f.multis, multi)
}

func newTestSubscriber() (*Subscriber, *fakeBus) {
	fb := &fakeBus{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSubscriber(fb, logger), fb
}

func deliver(t *testing.T, handler bus.HandlerFunc, event *bus.Event) {
	t.Helper()
	wire, err := event.Dumps()
	if err != nil {
		t.Fatalf("Dumps: %v", err)
	}
	replay := &bus.Event{Exchange: event.Exchange, RoutingKey: event.RoutingKey}
	if err := replay.Loads(wire); err != nil {
		t.Fatalf("Loads: %v", err)
	}
	handler(replay)
}

func TestOrderbookSubscription(t *testing.T) {
	sub, fb := newTestSubscriber()

	var got *types.Orderbook
	if err := sub.Orderbook("binance", "ETH/BTC", func(ob *types.Orderbook) { got = ob }); err != nil {
		t.Fatalf("Orderbook: %v", err)
	}
	if len(fb.events) != 1 {
		t.Fatalf("subscribed %d events, want 1", len(fb.events))
	}
	event := fb.events[0]
	if event.Exchange != bus.ExchangeOrderbook || event.RoutingKey != "binance.ETH/BTC" {
		t.Errorf("bound %s/%s", event.Exchange, event.RoutingKey)
	}
	if event.Queue != "svr-test.Orderbook.binance.ETH/BTC" {
		t.Errorf("queue = %q", event.Queue)
	}
	if fb.multis[0] {
		t.Error("concrete platform and symbol must not be multi")
	}

	want := &types.Orderbook{
		Platform:  "binance",
		Symbol:    "ETH/BTC",
		Asks:      []types.PriceLevel{types.NewPriceLevel("0.0442", "1.5")},
		Bids:      []types.PriceLevel{types.NewPriceLevel("0.0441", "2")},
		Timestamp: 1700000000123,
	}
	published, err := bus.NewOrderbookEvent("svr-pub", want)
	if err != nil {
		t.Fatalf("NewOrderbookEvent: %v", err)
	}
	deliver(t, fb.handlers[0], published)

	if !reflect.DeepEqual(got, want) {
		t.Errorf("callback got %+v, want %+v", got, want)
	}
}

func TestWildcardSubscriptionIsMulti(t *testing.T) {
	cases := []struct {
		platform, symbol string
		want             bool
	}{
		{"binance", "ETH/BTC", false},
		{"#", "ETH/BTC", true},
		{"binance", "#", true},
		{"#", "#", true},
	}
	for _, c := range cases {
		sub, fb := newTestSubscriber()
		if err := sub.Trade(c.platform, c.symbol, func(*types.Trade) {}); err != nil {
			t.Fatalf("Trade(%s, %s): %v", c.platform, c.symbol, err)
		}
		if fb.multis[0] != c.want {
			t.Errorf("Trade(%s, %s) multi = %v, want %v", c.platform, c.symbol, fb.multis[0], c.want)
		}
	}
}

func TestKlineSubscription(t *testing.T) {
	sub, fb := newTestSubscriber()

	var got *types.Kline
	if err := sub.Kline(types.MarketTypeKline15M, "okex", "BTC/USDT", func(k *types.Kline) { got = k }); err != nil {
		t.Fatalf("Kline: %v", err)
	}
	if fb.events[0].Exchange != bus.ExchangeKline {
		t.Errorf("exchange = %q", fb.events[0].Exchange)
	}

	want := &types.Kline{
		Platform: "okex", Symbol: "BTC/USDT",
		Open: "8690.1", High: "8705.4", Low: "8688.0", Close: "8700.0",
		Volume: "12.5", Timestamp: 1700000000123, KlineType: types.MarketTypeKline15M,
	}
	published, err := bus.NewKlineEvent("svr-pub", want)
	if err != nil {
		t.Fatalf("NewKlineEvent: %v", err)
	}
	deliver(t, fb.handlers[0], published)

	if !reflect.DeepEqual(got, want) {
		t.Errorf("callback got %+v, want %+v", got, want)
	}
}

func TestKlineRejectsUnknownPeriod(t *testing.T) {
	sub, _ := newTestSubscriber()
	if err := sub.Kline("kline_2m", "okex", "BTC/USDT", func(*types.Kline) {}); err == nil {
		t.Fatal("expected error for unknown kline period")
	}
}

func TestSubscribeDispatchesByMarketType(t *testing.T) {
	sub, fb := newTestSubscriber()

	if err := sub.Subscribe(types.MarketTypeTrade, "binance", "ETH/BTC", func(*types.Trade) {}); err != nil {
		t.Fatalf("Subscribe trade: %v", err)
	}
	if err := sub.Subscribe(types.MarketTypeKline1H, "binance", "ETH/BTC", func(*types.Kline) {}); err != nil {
		t.Fatalf("Subscribe kline_1h: %v", err)
	}
	if len(fb.events) != 2 {
		t.Fatalf("subscribed %d events, want 2", len(fb.events))
	}
	if fb.events[0].Exchange != bus.ExchangeTrade || fb.events[1].Exchange != bus.ExchangeKline {
		t.Errorf("exchanges = %s/%s", fb.events[0].Exchange, fb.events[1].Exchange)
	}
}

func TestSubscribeRejectsMismatchedCallback(t *testing.T) {
	sub, _ := newTestSubscriber()
	if err := sub.Subscribe(types.MarketTypeTrade, "binance", "ETH/BTC", func(*types.Orderbook) {}); err == nil {
		t.Fatal("expected error for mismatched callback type")
	}
}

func TestSubscribeRejectsUnknownMarketType(t *testing.T) {
	sub, _ := newTestSubscriber()
	if err := sub.Subscribe("ticker", "binance", "ETH/BTC", func(*types.Trade) {}); err == nil {
		t.Fatal("expected error for unknown market type")
	}
}

func TestCallbackSkipsUndecodablePayload(t *testing.T) {
	sub, fb := newTestSubscriber()
	called := false
	if err := sub.Orderbook("binance", "ETH/BTC", func(*types.Orderbook) { called = true }); err != nil {
		t.Fatalf("Orderbook: %v", err)
	}

	fb.handlers[0](&bus.Event{Exchange: bus.ExchangeOrderbook, RoutingKey: "binance.ETH/BTC", Data: []byte("{")})

	if called {
		t.Fatal("callback must not run for an undecodable payload")
	}
}
