package bus

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"io"
	"reflect"
	"testing"

	"quantd/pkg/types"
)

func TestOrderbookEventRouting(t *testing.T) {
	ob := &types.Orderbook{Platform: "binance", Symbol: "ETH/BTC"}
	event, err := NewOrderbookEvent("svr-1", ob)
	if err != nil {
		t.Fatalf("NewOrderbookEvent: %v", err)
	}
	if event.Name != "EVENT_ORDERBOOK" {
		t.Errorf("name = %q", event.Name)
	}
	if event.Exchange != ExchangeOrderbook {
		t.Errorf("exchange = %q", event.Exchange)
	}
	if event.RoutingKey != "binance.ETH/BTC" {
		t.Errorf("routing key = %q", event.RoutingKey)
	}
	if event.Queue != "svr-1.Orderbook.binance.ETH/BTC" {
		t.Errorf("queue = %q", event.Queue)
	}
	if event.Prefetch != 1 {
		t.Errorf("prefetch = %d", event.Prefetch)
	}
}

func TestTradeAndKlineEventRouting(t *testing.T) {
	trade := &types.Trade{Platform: "okex", Symbol: "BTC/USDT"}
	tradeEvent, err := NewTradeEvent("svr-2", trade)
	if err != nil {
		t.Fatalf("NewTradeEvent: %v", err)
	}
	if tradeEvent.Name != "EVENT_TRADE" || tradeEvent.Exchange != ExchangeTrade {
		t.Errorf("trade event = %s/%s", tradeEvent.Name, tradeEvent.Exchange)
	}
	if tradeEvent.Queue != "svr-2.Trade.okex.BTC/USDT" {
		t.Errorf("trade queue = %q", tradeEvent.Queue)
	}

	kline := &types.Kline{Platform: "okex", Symbol: "BTC/USDT", KlineType: types.MarketTypeKline15M}
	klineEvent, err := NewKlineEvent("svr-2", kline)
	if err != nil {
		t.Fatalf("NewKlineEvent: %v", err)
	}
	if klineEvent.Name != "EVENT_KLINE" || klineEvent.Exchange != ExchangeKline {
		t.Errorf("kline event = %s/%s", klineEvent.Name, klineEvent.Exchange)
	}
	if klineEvent.RoutingKey != "okex.BTC/USDT" {
		t.Errorf("kline routing key = %q", klineEvent.RoutingKey)
	}
}

func TestEventDumpsIsCompressedEnvelope(t *testing.T) {
	ob := &types.Orderbook{
		Platform:  "binance",
		Symbol:    "ETH/BTC",
		Asks:      []types.PriceLevel{types.NewPriceLevel("0.0442", "1.5")},
		Bids:      []types.PriceLevel{types.NewPriceLevel("0.0441", "2")},
		Timestamp: 1700000000123,
	}
	event, err := NewOrderbookEvent("svr-1", ob)
	if err != nil {
		t.Fatalf("NewOrderbookEvent: %v", err)
	}
	wire, err := event.Dumps()
	if err != nil {
		t.Fatalf("Dumps: %v", err)
	}

	r, err := zlib.NewReader(bytes.NewReader(wire))
	if err != nil {
		t.Fatalf("wire form is not zlib: %v", err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("envelope is not JSON: %v", err)
	}
	if _, ok := env["n"]; !ok {
		t.Error("envelope missing n")
	}
	if _, ok := env["d"]; !ok {
		t.Error("envelope missing d")
	}
}

func TestEventLoadsRoundTrip(t *testing.T) {
	ob := &types.Orderbook{
		Platform:  "binance",
		Symbol:    "ETH/BTC",
		Asks:      []types.PriceLevel{types.NewPriceLevel("0.0442", "1.5"), types.NewPriceLevel("0.0443", "3")},
		Bids:      []types.PriceLevel{types.NewPriceLevel("0.0441", "2")},
		Timestamp: 1700000000123,
	}
	event, err := NewOrderbookEvent("svr-1", ob)
	if err != nil {
		t.Fatalf("NewOrderbookEvent: %v", err)
	}
	wire, err := event.Dumps()
	if err != nil {
		t.Fatalf("Dumps: %v", err)
	}

	var got Event
	if err := got.Loads(wire); err != nil {
		t.Fatalf("Loads: %v", err)
	}
	if got.Name != "EVENT_ORDERBOOK" {
		t.Errorf("name = %q", got.Name)
	}
	var back types.Orderbook
	if err := back.UnmarshalCompact(got.Data); err != nil {
		t.Fatalf("UnmarshalCompact: %v", err)
	}
	if !reflect.DeepEqual(&back, ob) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", back, *ob)
	}
}

func TestEventLoadsRejectsGarbage(t *testing.T) {
	var event Event
	if err := event.Loads([]byte("not zlib at all")); err == nil {
		t.Fatal("expected error for non-zlib payload")
	}
}
