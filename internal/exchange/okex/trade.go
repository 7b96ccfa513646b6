package okex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"quantd/internal/httpc"
	"quantd/internal/scheduler"
	"quantd/internal/trader"
	"quantd/internal/wsc"
	"quantd/pkg/types"
)

// Trade drives one OKEx spot account: it logs in over the websocket, seeds
// the open-order map over REST, subscribes the order channel, and folds its
// rows into normalized order updates.
type Trade struct {
	account      string
	strategy     string
	symbol       string
	rawSymbol    string
	orderChannel string

	accessKey  string
	secretKey  string
	passphrase string

	rest   *RestClient
	ws     *wsc.Conn
	sched  *scheduler.Scheduler
	logger *slog.Logger

	orderUpdateCallback func(*types.Order)
	initCallback        func(ok bool, err error)
	errorCallback       func(err error)

	mu     sync.Mutex
	orders map[string]*types.Order
}

// NewTrade wires an OKEx trade adapter from the given parameters. The
// websocket bootstrap runs in the background; readiness is reported through
// the init callback once the order channel is subscribed.
func NewTrade(p trader.Params) (trader.Exchange, error) {
	if p.Host == "" {
		p.Host = defaultHost
	}
	if p.WSS == "" {
		p.WSS = defaultWSS
	}
	if err := validateParams(p); err != nil {
		notifyInitFailure(p, err)
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("platform", types.OKEx, "account", p.Account, "symbol", p.Symbol)
	client := p.HTTP
	if client == nil {
		client = httpc.New(logger, p.Proxy)
	}

	rawSymbol := strings.ReplaceAll(p.Symbol, "/", "-")
	t := &Trade{
		account:             p.Account,
		strategy:            p.Strategy,
		symbol:              p.Symbol,
		rawSymbol:           rawSymbol,
		orderChannel:        "spot/order:" + rawSymbol,
		accessKey:           p.AccessKey,
		secretKey:           p.SecretKey,
		passphrase:          p.Passphrase,
		rest:                NewRestClient(p.Host, p.AccessKey, p.SecretKey, p.Passphrase, client),
		sched:               p.Scheduler,
		logger:              logger,
		orderUpdateCallback: p.OrderUpdateCallback,
		initCallback:        p.InitCallback,
		errorCallback:       p.ErrorCallback,
		orders:              make(map[string]*types.Order),
	}

	t.ws = wsc.New(wsc.Config{
		URL:                   p.WSS + "/ws/v3",
		Name:                  "okex-trade",
		Proxy:                 p.Proxy,
		ConnectedCallback:     t.connected,
		ProcessBinaryCallback: t.processBinary,
	}, t.sched, t.logger)
	t.sched.Register(t.heartbeat, pingInterval)
	t.ws.Start(context.Background())
	return t, nil
}

func validateParams(p trader.Params) error {
	for _, f := range []struct{ name, value string }{
		{"account", p.Account},
		{"strategy", p.Strategy},
		{"symbol", p.Symbol},
		{"access_key", p.AccessKey},
		{"secret_key", p.SecretKey},
		{"passphrase", p.Passphrase},
	} {
		if f.value == "" {
			return fmt.Errorf("okex trade: %s is required", f.name)
		}
	}
	if p.Scheduler == nil {
		return fmt.Errorf("okex trade: scheduler is required")
	}
	return nil
}

func notifyInitFailure(p trader.Params, err error) {
	go func() {
		if p.ErrorCallback != nil {
			p.ErrorCallback(err)
		}
		if p.InitCallback != nil {
			p.InitCallback(false, err)
		}
	}()
}

// heartbeat sends the text ping the endpoint expects.
func (t *Trade) heartbeat(_ context.Context, _ string, _ uint64) {
	if t.ws == nil {
		return
	}
	if err := t.ws.Send("ping"); err != nil {
		t.logger.Warn("heartbeat ping failed", "error", err)
	}
}

// connected sends the login frame; the rest of the bootstrap continues when
// the login event arrives.
func (t *Trade) connected() {
	ts := timestamp()
	mac := hmac.New(sha256.New, []byte(t.secretKey))
	mac.Write([]byte(ts + "GET" + "/users/self/verify"))
	frame := map[string]any{
		"op":   "login",
		"args": []string{t.accessKey, t.passphrase, ts, base64.StdEncoding.EncodeToString(mac.Sum(nil))},
	}
	if err := t.ws.Send(frame); err != nil {
		t.logger.Error("send login failed", "error", err)
	}
}

// wsMessage is the decompressed shape of every order-stream frame: login
// and subscribe events, and order-channel tables.
type wsMessage struct {
	Event   string      `json:"event"`
	Success bool        `json:"success"`
	Channel string      `json:"channel"`
	Table   string      `json:"table"`
	Data    []OrderInfo `json:"data"`
}

// processBinary inflates one frame and routes it. Seeding and subscribing
// run inline on the read loop, so order-channel rows cannot overtake the
// snapshot they extend.
func (t *Trade) processBinary(raw []byte) {
	text, err := inflate(raw)
	if err != nil {
		t.logger.Warn("undecodable binary frame", "error", err)
		return
	}
	if string(text) == "pong" {
		return
	}
	var msg wsMessage
	if err := json.Unmarshal(text, &msg); err != nil {
		t.logger.Warn("undecodable order stream message", "error", err)
		return
	}

	switch {
	case msg.Event == "login":
		t.handleLogin(msg, text)
	case msg.Event == "subscribe":
		t.handleSubscribe(msg, text)
	case msg.Table == "spot/order":
		for _, row := range msg.Data {
			t.updateOrder(row, row.Timestamp, row.LastFillTime)
		}
	}
}

// handleLogin seeds the open-order map and subscribes the order channel
// after a successful login.
func (t *Trade) handleLogin(msg wsMessage, text []byte) {
	if !msg.Success {
		err := fmt.Errorf("websocket login failed: %s", text)
		t.logger.Error("authorization rejected", "error", err)
		t.fireInit(false, err)
		return
	}
	t.logger.Info("websocket authorized")

	rows, err := t.rest.GetOpenOrders(context.Background(), t.rawSymbol, 0)
	if err != nil {
		err = fmt.Errorf("get open orders: %w", err)
		t.logger.Error("open order seeding failed", "error", err)
		t.fireError(err)
		t.fireInit(false, err)
		return
	}
	if len(rows) > 100 {
		t.logger.Warn("open order listing truncated at 100 rows")
	}
	for _, row := range rows {
		t.updateOrder(row, row.CreatedAt, row.Timestamp)
	}

	if err := t.ws.Send(map[string]any{"op": "subscribe", "args": []string{t.orderChannel}}); err != nil {
		t.logger.Error("subscribe order channel failed", "error", err)
	}
}

// handleSubscribe reports readiness once the order channel is confirmed.
func (t *Trade) handleSubscribe(msg wsMessage, text []byte) {
	if msg.Channel == t.orderChannel {
		t.fireInit(true, nil)
		return
	}
	err := fmt.Errorf("unexpected subscribe event: %s", text)
	t.fireError(err)
	t.fireInit(false, err)
}

// updateOrder folds one order row into the map and fires the update
// callback with a copy. Terminal orders leave the map.
func (t *Trade) updateOrder(row OrderInfo, ctimeStr, utimeStr string) {
	status, ok := mapOrderState(row.State)
	if !ok {
		err := fmt.Errorf("unknown order state %q for order %s", row.State, row.OrderID)
		t.logger.Error("order row dropped", "error", err)
		t.fireError(err)
		return
	}
	size, err1 := strconv.ParseFloat(row.Size, 64)
	filled, err2 := strconv.ParseFloat(row.FilledSize, 64)
	if err1 != nil || err2 != nil {
		t.logger.Warn("order row with unparsable sizes dropped", "order_id", row.OrderID)
		return
	}
	ctime, err := utcToMillis(ctimeStr)
	if err != nil {
		t.logger.Debug("unparsable order create time", "order_id", row.OrderID, "value", ctimeStr)
	}
	utime, err := utcToMillis(utimeStr)
	if err != nil {
		t.logger.Debug("unparsable order update time", "order_id", row.OrderID, "value", utimeStr)
	}

	t.mu.Lock()
	order, exists := t.orders[row.OrderID]
	if !exists {
		action := types.ActionSell
		if row.Side == "buy" {
			action = types.ActionBuy
		}
		price, _ := strconv.ParseFloat(row.Price, 64)
		order = types.NewOrder(types.Order{
			Platform:      types.OKEx,
			Account:       t.account,
			Strategy:      t.strategy,
			OrderID:       row.OrderID,
			ClientOrderID: row.ClientOID,
			Symbol:        t.symbol,
			Action:        action,
			Price:         price,
			Quantity:      size,
			Ctime:         ctime,
		})
		t.orders[row.OrderID] = order
	}
	order.Remain = size - filled
	order.Status = status
	order.Utime = utime
	cp := *order
	if status.IsTerminal() {
		delete(t.orders, row.OrderID)
	}
	t.mu.Unlock()

	t.fireOrderUpdate(&cp)
}

// mapOrderState translates OKEx numeric order states to normalized
// statuses.
func mapOrderState(s string) (types.OrderStatus, bool) {
	switch s {
	case "-2":
		return types.OrderStatusFailed, true
	case "-1":
		return types.OrderStatusCanceled, true
	case "0":
		return types.OrderStatusSubmitted, true
	case "1":
		return types.OrderStatusPartialFilled, true
	case "2":
		return types.OrderStatusFilled, true
	default:
		return "", false
	}
}

// CreateOrder places an order and returns the exchange order id.
func (t *Trade) CreateOrder(ctx context.Context, action types.OrderAction, price, quantity string, opts trader.OrderOptions) (string, error) {
	return t.rest.CreateOrder(ctx, action, t.rawSymbol, price, quantity, opts.OrderType, opts.ClientOrderID)
}

// RevokeOrder cancels one resting order.
func (t *Trade) RevokeOrder(ctx context.Context, orderID string) error {
	return t.rest.RevokeOrder(ctx, t.rawSymbol, orderID)
}

// GetOpenOrderIDs lists the exchange ids of resting orders.
func (t *Trade) GetOpenOrderIDs(ctx context.Context) ([]string, error) {
	rows, err := t.rest.GetOpenOrders(ctx, t.rawSymbol, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.OrderID)
	}
	return ids, nil
}

// Orders returns a copy of the tracked open orders.
func (t *Trade) Orders() map[string]*types.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*types.Order, len(t.orders))
	for id, o := range t.orders {
		cp := *o
		out[id] = &cp
	}
	return out
}

func (t *Trade) fireOrderUpdate(o *types.Order) {
	if t.orderUpdateCallback != nil {
		t.orderUpdateCallback(o)
	}
}

func (t *Trade) fireInit(ok bool, err error) {
	if t.initCallback != nil {
		t.initCallback(ok, err)
	}
}

func (t *Trade) fireError(err error) {
	if t.errorCallback != nil {
		t.errorCallback(err)
	}
}
