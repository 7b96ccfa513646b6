package okex

import (
	"context"
	"testing"
	"time"

	"quantd/internal/exchange"
	"quantd/internal/scheduler"
	"quantd/pkg/types"
)

// fakeSink records published market events.
type fakeSink struct {
	orderbooks []*types.Orderbook
	trades     []*types.Trade
	klines     []*types.Kline
}

func (s *fakeSink) PublishOrderbook(_ context.Context, ob *types.Orderbook) error {
	s.orderbooks = append(s.orderbooks, ob)
	return nil
}

func (s *fakeSink) PublishTrade(_ context.Context, tr *types.Trade) error {
	s.trades = append(s.trades, tr)
	return nil
}

func (s *fakeSink) PublishKline(_ context.Context, k *types.Kline) error {
	s.klines = append(s.klines, k)
	return nil
}

func newTestMarket(t *testing.T, sink *fakeSink, depth int) *Market {
	t.Helper()
	m, err := NewMarket(exchange.MarketParams{
		Platform:        types.OKEx,
		Symbols:         []string{"ETH/BTC", "BTC/USDT"},
		Channels:        []string{types.MarketTypeOrderbook, types.MarketTypeTrade, types.MarketTypeKline},
		OrderbookLength: depth,
		Sink:            sink,
		Scheduler:       scheduler.New(discardLogger(), 0),
		Logger:          discardLogger(),
	})
	if err != nil {
		t.Fatalf("NewMarket: %v", err)
	}
	return m.(*Market)
}

func TestSubscribeArgsCrossProduct(t *testing.T) {
	m := newTestMarket(t, &fakeSink{}, 10)

	want := []string{
		"spot/depth:ETH-BTC", "spot/depth:BTC-USDT",
		"spot/trade:ETH-BTC", "spot/trade:BTC-USDT",
		"spot/candle60s:ETH-BTC", "spot/candle60s:BTC-USDT",
	}
	got := m.subscribeArgs()
	if len(got) != len(want) {
		t.Fatalf("args = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestNewMarketRejectsConfigWithoutUsableChannels(t *testing.T) {
	_, err := NewMarket(exchange.MarketParams{
		Platform:  types.OKEx,
		Symbols:   []string{"ETH/BTC"},
		Channels:  []string{"ticker"},
		Sink:      &fakeSink{},
		Scheduler: scheduler.New(discardLogger(), 0),
		Logger:    discardLogger(),
	})
	if err == nil {
		t.Fatal("expected error for unsupported channels")
	}
}

func depthFrame(action, rows string) string {
	return `{"table":"spot/depth","action":"` + action + `","data":[` + rows + `]}`
}

const seedRows = `{"instrument_id":"ETH-BTC",
	"asks":[["100","1",1],["101","2",3]],
	"bids":[["99","1",2]],
	"timestamp":"2020-05-15T03:39:23.000Z"}`

func TestSeedThenDeltaPublishesBook(t *testing.T) {
	sink := &fakeSink{}
	m := newTestMarket(t, sink, 10)

	m.processBinary(deflate(t, depthFrame("partial", seedRows)))
	if len(sink.orderbooks) != 0 {
		t.Fatal("snapshot alone should not publish")
	}

	m.processBinary(deflate(t, depthFrame("update", `{"instrument_id":"ETH-BTC",
		"asks":[["100","0"],["102","3"]],
		"bids":[],
		"timestamp":"2020-05-15T03:39:24.000Z"}`)))

	if len(sink.orderbooks) != 1 {
		t.Fatalf("orderbooks = %d, want 1", len(sink.orderbooks))
	}
	ob := sink.orderbooks[0]
	if ob.Platform != types.OKEx || ob.Symbol != "ETH/BTC" {
		t.Fatalf("identity = %s %s", ob.Platform, ob.Symbol)
	}
	wantAsks := [][2]string{
		{"101.00000000", "2.00000000"},
		{"102.00000000", "3.00000000"},
	}
	if len(ob.Asks) != len(wantAsks) {
		t.Fatalf("asks = %v", ob.Asks)
	}
	for i, w := range wantAsks {
		if ob.Asks[i].Price() != w[0] || ob.Asks[i].Quantity() != w[1] {
			t.Errorf("ask %d = %v, want %v", i, ob.Asks[i], w)
		}
	}
	if len(ob.Bids) != 1 || ob.Bids[0].Price() != "99.00000000" || ob.Bids[0].Quantity() != "1.00000000" {
		t.Fatalf("bids = %v", ob.Bids)
	}
	if want := time.Date(2020, 5, 15, 3, 39, 24, 0, time.UTC).UnixMilli(); ob.Timestamp != want {
		t.Fatalf("timestamp = %d, want %d", ob.Timestamp, want)
	}
}

func TestDeltaWithoutSnapshotIsDropped(t *testing.T) {
	sink := &fakeSink{}
	m := newTestMarket(t, sink, 10)

	m.processBinary(deflate(t, depthFrame("update", `{"instrument_id":"ETH-BTC",
		"asks":[["100","1"]],"bids":[["99","1"]],"timestamp":"2020-05-15T03:39:24.000Z"}`)))

	if len(sink.orderbooks) != 0 {
		t.Fatal("delta without snapshot should publish nothing")
	}
}

func TestCrossedBookIsHeldBack(t *testing.T) {
	sink := &fakeSink{}
	m := newTestMarket(t, sink, 10)

	m.processBinary(deflate(t, depthFrame("partial", seedRows)))
	m.processBinary(deflate(t, depthFrame("update", `{"instrument_id":"ETH-BTC",
		"asks":[],"bids":[["100.5","1"]],"timestamp":"2020-05-15T03:39:24.000Z"}`)))

	if len(sink.orderbooks) != 0 {
		t.Fatal("crossed book should not publish")
	}

	// Removing the crossing bid repairs the book and publishing resumes.
	m.processBinary(deflate(t, depthFrame("update", `{"instrument_id":"ETH-BTC",
		"asks":[],"bids":[["100.5","0"]],"timestamp":"2020-05-15T03:39:25.000Z"}`)))
	if len(sink.orderbooks) != 1 {
		t.Fatalf("orderbooks = %d, want 1 after repair", len(sink.orderbooks))
	}
}

func TestEmptySideIsHeldBack(t *testing.T) {
	sink := &fakeSink{}
	m := newTestMarket(t, sink, 10)

	m.processBinary(deflate(t, depthFrame("partial", `{"instrument_id":"ETH-BTC",
		"asks":[["100","1"]],"bids":[],"timestamp":"2020-05-15T03:39:23.000Z"}`)))
	m.processBinary(deflate(t, depthFrame("update", `{"instrument_id":"ETH-BTC",
		"asks":[["100","2"]],"bids":[],"timestamp":"2020-05-15T03:39:24.000Z"}`)))

	if len(sink.orderbooks) != 0 {
		t.Fatal("book with an empty side should not publish")
	}
}

func TestBookTruncatesToConfiguredDepth(t *testing.T) {
	sink := &fakeSink{}
	m := newTestMarket(t, sink, 2)

	m.processBinary(deflate(t, depthFrame("partial", `{"instrument_id":"ETH-BTC",
		"asks":[["100","1"],["101","1"],["102","1"]],
		"bids":[["99","1"],["98","1"],["97","1"]],
		"timestamp":"2020-05-15T03:39:23.000Z"}`)))
	m.processBinary(deflate(t, depthFrame("update", `{"instrument_id":"ETH-BTC",
		"asks":[["103","1"]],"bids":[],"timestamp":"2020-05-15T03:39:24.000Z"}`)))

	ob := sink.orderbooks[0]
	if len(ob.Asks) != 2 || len(ob.Bids) != 2 {
		t.Fatalf("depth = %d/%d, want 2/2", len(ob.Asks), len(ob.Bids))
	}
	if ob.Asks[0].Price() != "100.00000000" || ob.Bids[0].Price() != "99.00000000" {
		t.Fatalf("top of book = %v / %v", ob.Asks[0], ob.Bids[0])
	}
}

func TestUnknownSymbolDepthIsFiltered(t *testing.T) {
	sink := &fakeSink{}
	m := newTestMarket(t, sink, 10)

	m.processBinary(deflate(t, depthFrame("partial", `{"instrument_id":"DOGE-USDT",
		"asks":[["1","1"]],"bids":[["0.9","1"]],"timestamp":"2020-05-15T03:39:23.000Z"}`)))

	if len(m.books) != 0 {
		t.Fatal("unconfigured symbol should not seed a book")
	}
}

func TestTradePublishFormatsAndMaps(t *testing.T) {
	sink := &fakeSink{}
	m := newTestMarket(t, sink, 10)

	m.processBinary(deflate(t, `{"table":"spot/trade","data":[
		{"instrument_id":"ETH-BTC","price":"0.0402","side":"buy","size":"1.5","timestamp":"2020-05-15T03:39:23.256Z"},
		{"instrument_id":"ETH-BTC","price":"0.04","side":"sell","size":"2","timestamp":"2020-05-15T03:39:24.000Z"},
		{"instrument_id":"DOGE-USDT","price":"1","side":"buy","size":"1","timestamp":"2020-05-15T03:39:25.000Z"}]}`))

	if len(sink.trades) != 2 {
		t.Fatalf("trades = %d, want 2 (unconfigured symbol filtered)", len(sink.trades))
	}
	first := sink.trades[0]
	if first.Action != types.ActionBuy || first.Price != "0.04020000" || first.Quantity != "1.50000000" {
		t.Fatalf("trade = %+v", first)
	}
	if want := time.Date(2020, 5, 15, 3, 39, 23, 256_000_000, time.UTC).UnixMilli(); first.Timestamp != want {
		t.Fatalf("timestamp = %d, want %d", first.Timestamp, want)
	}
	if sink.trades[1].Action != types.ActionSell {
		t.Fatalf("second trade action = %s", sink.trades[1].Action)
	}
}

func TestKlinePublishesCandle(t *testing.T) {
	sink := &fakeSink{}
	m := newTestMarket(t, sink, 10)

	m.processBinary(deflate(t, `{"table":"spot/candle60s","data":[
		{"instrument_id":"BTC-USDT","candle":["2020-05-15T03:39:00.000Z","8800","8810.5","8795","8802.1","124.7"]}]}`))

	if len(sink.klines) != 1 {
		t.Fatalf("klines = %d", len(sink.klines))
	}
	k := sink.klines[0]
	if k.Symbol != "BTC/USDT" || k.KlineType != types.MarketTypeKline {
		t.Fatalf("kline = %+v", k)
	}
	if k.Open != "8800.00000000" || k.High != "8810.50000000" || k.Volume != "124.70000000" {
		t.Fatalf("values = %+v", k)
	}
	if want := time.Date(2020, 5, 15, 3, 39, 0, 0, time.UTC).UnixMilli(); k.Timestamp != want {
		t.Fatalf("timestamp = %d, want %d", k.Timestamp, want)
	}
}
