package okex

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"quantd/internal/exchange"
	"quantd/internal/wsc"
	"quantd/pkg/types"
)

// book is one symbol's depth state. Sides are keyed by the price string
// exactly as the exchange sent it, so no float round-trip can merge or
// split levels.
type book struct {
	asks      map[string]decimal.Decimal // price -> quantity
	bids      map[string]decimal.Decimal
	timestamp int64
}

// Market consumes the OKEx v3 stream and publishes normalized orderbook,
// trade, and kline events. Depth arrives as a partial snapshot followed by
// deltas, folded into per-symbol books. All state is touched only on the
// websocket read loop.
type Market struct {
	platform  string
	symbols   []string
	symbolSet map[string]bool
	channels  []string
	depth     int

	ws     *wsc.Conn
	sink   exchange.EventSink
	logger *slog.Logger

	books map[string]*book
}

// NewMarket builds the subscription for the configured symbols and
// channels. Unsupported channels are logged and skipped; a configuration
// yielding no subscriptions at all is an error.
func NewMarket(p exchange.MarketParams) (exchange.Market, error) {
	if p.WSS == "" {
		p.WSS = defaultWSS
	}
	if p.OrderbookLength <= 0 {
		p.OrderbookLength = 10
	}
	if p.Sink == nil {
		return nil, fmt.Errorf("okex market: event sink is required")
	}
	if p.Scheduler == nil {
		return nil, fmt.Errorf("okex market: scheduler is required")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("platform", p.Platform)

	m := &Market{
		platform:  p.Platform,
		symbols:   exchange.DedupeSymbols(p.Symbols),
		symbolSet: make(map[string]bool),
		channels:  p.Channels,
		depth:     p.OrderbookLength,
		sink:      p.Sink,
		logger:    logger,
		books:     make(map[string]*book),
	}
	for _, s := range m.symbols {
		m.symbolSet[s] = true
	}
	if len(m.subscribeArgs()) == 0 {
		return nil, fmt.Errorf("okex market: no usable channels in %v", p.Channels)
	}

	m.ws = wsc.New(wsc.Config{
		URL:                   p.WSS + "/ws/v3",
		Name:                  "okex-market",
		Proxy:                 p.Proxy,
		ConnectedCallback:     m.connected,
		ProcessBinaryCallback: m.processBinary,
	}, p.Scheduler, logger)
	p.Scheduler.Register(m.heartbeat, pingInterval)
	return m, nil
}

// Start opens the websocket.
func (m *Market) Start(ctx context.Context) {
	m.ws.Start(ctx)
}

// Stop closes the websocket.
func (m *Market) Stop() {
	m.ws.Stop()
}

// subscribeArgs expands channels x symbols into stream names.
func (m *Market) subscribeArgs() []string {
	var args []string
	for _, ch := range m.channels {
		var prefix string
		switch ch {
		case types.MarketTypeOrderbook:
			prefix = "spot/depth:"
		case types.MarketTypeTrade:
			prefix = "spot/trade:"
		case types.MarketTypeKline:
			prefix = "spot/candle60s:"
		default:
			m.logger.Error("unsupported market channel", "channel", ch)
			continue
		}
		for _, symbol := range m.symbols {
			args = append(args, prefix+rawSymbol(symbol))
		}
	}
	return args
}

// rawSymbol converts a canonical pair to OKEx instrument notation.
func rawSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "-")
}

func canonicalSymbol(instrumentID string) string {
	return strings.ReplaceAll(instrumentID, "-", "/")
}

// connected subscribes every configured stream; it runs again after each
// reconnect, which also resets the server-side subscription state.
func (m *Market) connected() {
	args := m.subscribeArgs()
	if len(args) == 0 {
		return
	}
	if err := m.ws.Send(map[string]any{"op": "subscribe", "args": args}); err != nil {
		m.logger.Error("subscribe failed", "error", err)
	}
}

// heartbeat sends the text ping the endpoint expects.
func (m *Market) heartbeat(_ context.Context, _ string, _ uint64) {
	if m.ws == nil {
		return
	}
	if err := m.ws.Send("ping"); err != nil {
		m.logger.Warn("heartbeat ping failed", "error", err)
	}
}

// depthRow is one symbol's depth payload. Level rows may carry a trailing
// order count, which the [2]string decode discards.
type depthRow struct {
	InstrumentID string      `json:"instrument_id"`
	Asks         [][2]string `json:"asks"`
	Bids         [][2]string `json:"bids"`
	Timestamp    string      `json:"timestamp"`
}

type tradeRow struct {
	InstrumentID string `json:"instrument_id"`
	Price        string `json:"price"`
	Side         string `json:"side"`
	Size         string `json:"size"`
	Timestamp    string `json:"timestamp"`
}

type candleRow struct {
	InstrumentID string   `json:"instrument_id"`
	Candle       []string `json:"candle"` // [timestamp, open, high, low, close, volume]
}

// processBinary inflates one frame and routes it by table.
func (m *Market) processBinary(raw []byte) {
	text, err := inflate(raw)
	if err != nil {
		m.logger.Warn("undecodable binary frame", "error", err)
		return
	}
	if string(text) == "pong" {
		return
	}
	var msg struct {
		Table  string          `json:"table"`
		Action string          `json:"action"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(text, &msg); err != nil {
		m.logger.Warn("undecodable market message", "error", err)
		return
	}

	switch msg.Table {
	case "spot/depth":
		var rows []depthRow
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			m.logger.Warn("undecodable depth rows", "error", err)
			return
		}
		switch msg.Action {
		case "partial":
			for _, row := range rows {
				m.seedOrderbook(row)
			}
		case "update":
			for _, row := range rows {
				m.updateOrderbook(row)
			}
		default:
			m.logger.Warn("unknown depth action", "action", msg.Action)
		}
	case "spot/trade":
		var rows []tradeRow
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			m.logger.Warn("undecodable trade rows", "error", err)
			return
		}
		for _, row := range rows {
			m.processTrade(row)
		}
	case "spot/candle60s":
		var rows []candleRow
		if err := json.Unmarshal(msg.Data, &rows); err != nil {
			m.logger.Warn("undecodable candle rows", "error", err)
			return
		}
		for _, row := range rows {
			m.processKline(row)
		}
	}
}

// seedOrderbook rebuilds a symbol's book from a partial snapshot. The
// snapshot itself is not published; the next update is.
func (m *Market) seedOrderbook(row depthRow) {
	symbol := canonicalSymbol(row.InstrumentID)
	if !m.symbolSet[symbol] {
		return
	}
	bk := &book{
		asks: make(map[string]decimal.Decimal),
		bids: make(map[string]decimal.Decimal),
	}
	fillSide(bk.asks, row.Asks, m.logger)
	fillSide(bk.bids, row.Bids, m.logger)
	ts, err := utcToMillis(row.Timestamp)
	if err != nil {
		m.logger.Debug("unparsable depth timestamp", "symbol", symbol, "value", row.Timestamp)
	}
	bk.timestamp = ts
	m.books[symbol] = bk
}

// updateOrderbook applies one delta and publishes the result. Deltas for
// symbols whose snapshot never arrived are dropped.
func (m *Market) updateOrderbook(row depthRow) {
	symbol := canonicalSymbol(row.InstrumentID)
	bk, ok := m.books[symbol]
	if !ok {
		return
	}
	ts, err := utcToMillis(row.Timestamp)
	if err != nil {
		m.logger.Debug("unparsable depth timestamp", "symbol", symbol, "value", row.Timestamp)
	}
	bk.timestamp = ts
	applySide(bk.asks, row.Asks, m.logger)
	applySide(bk.bids, row.Bids, m.logger)
	m.publishOrderbook(symbol)
}

func fillSide(side map[string]decimal.Decimal, rows [][2]string, logger *slog.Logger) {
	for _, r := range rows {
		qty, err := decimal.NewFromString(r[1])
		if err != nil {
			logger.Warn("unparsable depth quantity", "price", r[0], "quantity", r[1])
			continue
		}
		side[r[0]] = qty
	}
}

func applySide(side map[string]decimal.Decimal, rows [][2]string, logger *slog.Logger) {
	for _, r := range rows {
		qty, err := decimal.NewFromString(r[1])
		if err != nil {
			logger.Warn("unparsable depth quantity", "price", r[0], "quantity", r[1])
			continue
		}
		if qty.IsZero() {
			delete(side, r[0])
			continue
		}
		side[r[0]] = qty
	}
}

// priceKey pairs a side's map key with its numeric price for sorting.
type priceKey struct {
	key   string
	price decimal.Decimal
}

func sortSide(side map[string]decimal.Decimal, descending bool) []priceKey {
	out := make([]priceKey, 0, len(side))
	for k := range side {
		p, err := decimal.NewFromString(k)
		if err != nil {
			continue
		}
		out = append(out, priceKey{key: k, price: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].price.GreaterThan(out[j].price)
		}
		return out[i].price.LessThan(out[j].price)
	})
	return out
}

// publishOrderbook emits the top of a symbol's book. Books with an empty
// side or a crossed top are held back until a later delta repairs them.
func (m *Market) publishOrderbook(symbol string) {
	bk := m.books[symbol]
	if len(bk.asks) == 0 || len(bk.bids) == 0 {
		m.logger.Warn("orderbook with an empty side", "symbol", symbol)
		return
	}
	asks := sortSide(bk.asks, false)
	bids := sortSide(bk.bids, true)
	if asks[0].price.LessThanOrEqual(bids[0].price) {
		m.logger.Warn("crossed orderbook", "symbol", symbol,
			"ask1", asks[0].price.String(), "bid1", bids[0].price.String())
		return
	}

	ob := &types.Orderbook{
		Platform:  m.platform,
		Symbol:    symbol,
		Asks:      topLevels(asks, bk.asks, m.depth),
		Bids:      topLevels(bids, bk.bids, m.depth),
		Timestamp: bk.timestamp,
	}
	if err := m.sink.PublishOrderbook(context.Background(), ob); err != nil {
		m.logger.Error("publish orderbook failed", "symbol", symbol, "error", err)
		return
	}
	m.logger.Debug("orderbook", "symbol", symbol, "asks", len(ob.Asks), "bids", len(ob.Bids))
}

// topLevels formats the best n levels to eight decimal places.
func topLevels(sorted []priceKey, side map[string]decimal.Decimal, n int) []types.PriceLevel {
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	levels := make([]types.PriceLevel, 0, len(sorted))
	for _, pk := range sorted {
		levels = append(levels, types.NewPriceLevel(pk.price.StringFixed(8), side[pk.key].StringFixed(8)))
	}
	return levels
}

func (m *Market) processTrade(row tradeRow) {
	symbol := canonicalSymbol(row.InstrumentID)
	if !m.symbolSet[symbol] {
		return
	}
	price, err1 := decimal.NewFromString(row.Price)
	size, err2 := decimal.NewFromString(row.Size)
	if err1 != nil || err2 != nil {
		m.logger.Warn("unparsable trade", "symbol", symbol, "price", row.Price, "size", row.Size)
		return
	}
	ts, err := utcToMillis(row.Timestamp)
	if err != nil {
		m.logger.Debug("unparsable trade timestamp", "symbol", symbol, "value", row.Timestamp)
	}
	action := types.ActionSell
	if row.Side == "buy" {
		action = types.ActionBuy
	}
	trade := &types.Trade{
		Platform:  m.platform,
		Symbol:    symbol,
		Action:    action,
		Price:     price.StringFixed(8),
		Quantity:  size.StringFixed(8),
		Timestamp: ts,
	}
	if err := m.sink.PublishTrade(context.Background(), trade); err != nil {
		m.logger.Error("publish trade failed", "symbol", symbol, "error", err)
		return
	}
	m.logger.Debug("trade", "symbol", symbol, "price", trade.Price)
}

func (m *Market) processKline(row candleRow) {
	symbol := canonicalSymbol(row.InstrumentID)
	if !m.symbolSet[symbol] {
		return
	}
	if len(row.Candle) < 6 {
		m.logger.Warn("short candle row", "symbol", symbol, "fields", len(row.Candle))
		return
	}
	ts, err := utcToMillis(row.Candle[0])
	if err != nil {
		m.logger.Debug("unparsable candle timestamp", "symbol", symbol, "value", row.Candle[0])
	}
	values := make([]string, 5)
	for i, raw := range row.Candle[1:6] {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			m.logger.Warn("unparsable candle value", "symbol", symbol, "value", raw)
			return
		}
		values[i] = d.StringFixed(8)
	}
	kline := &types.Kline{
		Platform:  m.platform,
		Symbol:    symbol,
		Open:      values[0],
		High:      values[1],
		Low:       values[2],
		Close:     values[3],
		Volume:    values[4],
		Timestamp: ts,
		KlineType: types.MarketTypeKline,
	}
	if err := m.sink.PublishKline(context.Background(), kline); err != nil {
		m.logger.Error("publish kline failed", "symbol", symbol, "error", err)
		return
	}
	m.logger.Debug("kline", "symbol", symbol, "close", kline.Close)
}
