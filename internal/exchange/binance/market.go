package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"quantd/internal/exchange"
	"quantd/internal/wsc"
	"quantd/pkg/types"
)

// Market consumes a Binance combined stream and publishes normalized
// orderbook, trade, and kline events. Depth snapshots arrive complete on
// every tick, so no local book is kept.
type Market struct {
	platform string
	symbols  []string
	depth    int

	streamSymbols map[string]string // stream name -> canonical symbol

	ws     *wsc.Conn
	sink   exchange.EventSink
	logger *slog.Logger
}

// NewMarket builds the combined-stream subscription for the configured
// symbols and channels. Unsupported channels are logged and skipped; a
// configuration yielding no streams at all is an error.
func NewMarket(p exchange.MarketParams) (exchange.Market, error) {
	if p.WSS == "" {
		p.WSS = defaultWSS
	}
	if p.OrderbookLength <= 0 {
		p.OrderbookLength = 10
	}
	if p.Sink == nil {
		return nil, fmt.Errorf("binance market: event sink is required")
	}
	if p.Scheduler == nil {
		return nil, fmt.Errorf("binance market: scheduler is required")
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("platform", p.Platform)

	m := &Market{
		platform:      p.Platform,
		symbols:       exchange.DedupeSymbols(p.Symbols),
		depth:         p.OrderbookLength,
		streamSymbols: make(map[string]string),
		sink:          p.Sink,
		logger:        logger,
	}

	var streams []string
	for _, ch := range p.Channels {
		var suffix string
		switch ch {
		case types.MarketTypeKline:
			suffix = "kline_1m"
		case types.MarketTypeOrderbook:
			suffix = "depth20"
		case types.MarketTypeTrade:
			suffix = "trade"
		default:
			logger.Error("unsupported market channel", "channel", ch)
			continue
		}
		for _, symbol := range m.symbols {
			stream := rawSymbol(symbol) + "@" + suffix
			m.streamSymbols[stream] = symbol
			streams = append(streams, stream)
		}
	}
	if len(streams) == 0 {
		return nil, fmt.Errorf("binance market: no usable channels in %v", p.Channels)
	}

	m.ws = wsc.New(wsc.Config{
		URL:             p.WSS + "/stream?streams=" + strings.Join(streams, "/"),
		Name:            "binance-market",
		Proxy:           p.Proxy,
		ProcessCallback: m.process,
	}, p.Scheduler, logger)
	return m, nil
}

// rawSymbol converts a canonical pair to Binance stream notation.
func rawSymbol(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "/", ""))
}

// Start opens the websocket.
func (m *Market) Start(ctx context.Context) {
	m.ws.Start(ctx)
}

// Stop closes the websocket.
func (m *Market) Stop() {
	m.ws.Stop()
}

// process routes one combined-stream frame by its stream name and event
// type.
func (m *Market) process(raw []byte) {
	var msg struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.logger.Warn("undecodable stream frame", "error", err)
		return
	}
	symbol, ok := m.streamSymbols[msg.Stream]
	if !ok {
		m.logger.Warn("frame from unknown stream", "stream", msg.Stream)
		return
	}
	var probe struct {
		Event string `json:"e"`
	}
	_ = json.Unmarshal(msg.Data, &probe)
	switch {
	case probe.Event == "kline":
		m.processKline(symbol, msg.Data)
	case strings.HasSuffix(msg.Stream, "depth20"):
		m.processOrderbook(symbol, msg.Data)
	case probe.Event == "trade":
		m.processTrade(symbol, msg.Data)
	}
}

func (m *Market) processKline(symbol string, data json.RawMessage) {
	var ev struct {
		K struct {
			Start  int64  `json:"t"`
			Open   string `json:"o"`
			High   string `json:"h"`
			Low    string `json:"l"`
			Close  string `json:"c"`
			Volume string `json:"q"` // quote-asset volume
		} `json:"k"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		m.logger.Warn("undecodable kline", "symbol", symbol, "error", err)
		return
	}
	kline := &types.Kline{
		Platform:  m.platform,
		Symbol:    symbol,
		Open:      ev.K.Open,
		High:      ev.K.High,
		Low:       ev.K.Low,
		Close:     ev.K.Close,
		Volume:    ev.K.Volume,
		Timestamp: ev.K.Start,
		KlineType: types.MarketTypeKline,
	}
	if err := m.sink.PublishKline(context.Background(), kline); err != nil {
		m.logger.Error("publish kline failed", "symbol", symbol, "error", err)
		return
	}
	m.logger.Debug("kline", "symbol", symbol, "close", kline.Close)
}

func (m *Market) processOrderbook(symbol string, data json.RawMessage) {
	var ev struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		m.logger.Warn("undecodable depth snapshot", "symbol", symbol, "error", err)
		return
	}
	ob := &types.Orderbook{
		Platform:  m.platform,
		Symbol:    symbol,
		Asks:      topLevels(ev.Asks, m.depth),
		Bids:      topLevels(ev.Bids, m.depth),
		Timestamp: types.NowMillis(),
	}
	if err := m.sink.PublishOrderbook(context.Background(), ob); err != nil {
		m.logger.Error("publish orderbook failed", "symbol", symbol, "error", err)
		return
	}
	m.logger.Debug("orderbook", "symbol", symbol, "asks", len(ob.Asks), "bids", len(ob.Bids))
}

// topLevels keeps the first n rows, price and quantity verbatim.
func topLevels(rows [][]string, n int) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, n)
	for _, row := range rows {
		if len(levels) == n {
			break
		}
		if len(row) < 2 {
			continue
		}
		levels = append(levels, types.NewPriceLevel(row[0], row[1]))
	}
	return levels
}

func (m *Market) processTrade(symbol string, data json.RawMessage) {
	var ev struct {
		Maker bool   `json:"m"` // true when the buyer is the maker
		Price string `json:"p"`
		Qty   string `json:"q"`
		Time  int64  `json:"T"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		m.logger.Warn("undecodable trade", "symbol", symbol, "error", err)
		return
	}
	action := types.ActionBuy
	if ev.Maker {
		action = types.ActionSell
	}
	trade := &types.Trade{
		Platform:  m.platform,
		Symbol:    symbol,
		Action:    action,
		Price:     ev.Price,
		Quantity:  ev.Qty,
		Timestamp: ev.Time,
	}
	if err := m.sink.PublishTrade(context.Background(), trade); err != nil {
		m.logger.Error("publish trade failed", "symbol", symbol, "error", err)
		return
	}
	m.logger.Debug("trade", "symbol", symbol, "price", trade.Price)
}
