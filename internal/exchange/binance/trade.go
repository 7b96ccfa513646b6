package binance

import (
	"context"
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

const (
	listenKeyRefresh  = 1800 // seconds between listen-key keepalives
	heartbeatInterval = 10   // seconds between websocket pings
)

// Trade drives one Binance spot account: it opens the user-data stream,
// seeds the open-order map over REST, and folds executionReport events into
// normalized order updates.
type Trade struct {
	account   string
	strategy  string
	symbol    string
	rawSymbol string

	rest   *RestClient
	ws     *wsc.Conn
	sched  *scheduler.Scheduler
	logger *slog.Logger

	orderUpdateCallback func(*types.Order)
	initCallback        func(ok bool, err error)
	errorCallback       func(err error)

	mu        sync.Mutex
	listenKey string
	orders    map[string]*types.Order
}

// NewTrade wires a Binance trade adapter from the given parameters. The
// websocket bootstrap runs in the background; readiness is reported through
// the init callback.
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
	logger = logger.With("platform", types.Binance, "account", p.Account, "symbol", p.Symbol)
	client := p.HTTP
	if client == nil {
		client = httpc.New(logger, p.Proxy)
	}

	t := &Trade{
		account:             p.Account,
		strategy:            p.Strategy,
		symbol:              p.Symbol,
		rawSymbol:           strings.ReplaceAll(p.Symbol, "/", ""),
		rest:                NewRestClient(p.Host, p.AccessKey, p.SecretKey, client),
		sched:               p.Scheduler,
		logger:              logger,
		orderUpdateCallback: p.OrderUpdateCallback,
		initCallback:        p.InitCallback,
		errorCallback:       p.ErrorCallback,
		orders:              make(map[string]*types.Order),
	}

	t.sched.Register(t.resetListenKey, listenKeyRefresh)
	go t.initWebsocket(context.Background(), p.WSS, p.Proxy)
	return t, nil
}

func validateParams(p trader.Params) error {
	for _, f := range []struct{ name, value string }{
		{"account", p.Account},
		{"strategy", p.Strategy},
		{"symbol", p.Symbol},
		{"access_key", p.AccessKey},
		{"secret_key", p.SecretKey},
	} {
		if f.value == "" {
			return fmt.Errorf("binance trade: %s is required", f.name)
		}
	}
	if p.Scheduler == nil {
		return fmt.Errorf("binance trade: scheduler is required")
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

// initWebsocket opens a user-data stream and starts the connection against
// it. Failure to obtain a listen key is fatal for initialization.
func (t *Trade) initWebsocket(ctx context.Context, wss, proxy string) {
	key, err := t.rest.GetListenKey(ctx)
	if err != nil {
		err = fmt.Errorf("get listen key: %w", err)
		t.logger.Error("user data stream unavailable", "error", err)
		t.fireError(err)
		t.fireInit(false, err)
		return
	}
	t.mu.Lock()
	t.listenKey = key
	t.mu.Unlock()

	t.ws = wsc.New(wsc.Config{
		URL:               wss + "/ws/" + key,
		Name:              "binance-trade",
		Proxy:             proxy,
		ConnectedCallback: t.connected,
		ProcessCallback:   t.process,
	}, t.sched, t.logger)
	t.sched.Register(t.heartbeat, heartbeatInterval)
	t.ws.Start(ctx)
}

// heartbeat keeps the user-data stream alive with a control ping.
func (t *Trade) heartbeat(_ context.Context, _ string, _ uint64) {
	if t.ws == nil {
		return
	}
	if err := t.ws.Ping(); err != nil {
		t.logger.Warn("heartbeat ping failed", "error", err)
	}
}

// resetListenKey extends the listen key's lifetime; Binance expires idle
// keys after an hour.
func (t *Trade) resetListenKey(ctx context.Context, _ string, _ uint64) {
	t.mu.Lock()
	key := t.listenKey
	t.mu.Unlock()
	if key == "" {
		t.logger.Error("listen key not initialized")
		return
	}
	if err := t.rest.PutListenKey(ctx, key); err != nil {
		t.logger.Error("extend listen key failed", "error", err)
	}
}

// connected seeds the open-order map from REST and reports readiness.
func (t *Trade) connected() {
	ctx := context.Background()
	rows, err := t.rest.GetOpenOrders(ctx, t.rawSymbol)
	if err != nil {
		err = fmt.Errorf("get open orders: %w", err)
		t.logger.Error("open order seeding failed", "error", err)
		t.fireError(err)
		t.fireInit(false, err)
		return
	}

	var updates []*types.Order
	var skipped []error
	t.mu.Lock()
	for _, row := range rows {
		status, ok := mapOrderStatus(row.Status)
		if !ok {
			skipped = append(skipped, fmt.Errorf("unknown order status %q for order %d", row.Status, row.OrderID))
			continue
		}
		price, err1 := strconv.ParseFloat(row.Price, 64)
		quantity, err2 := strconv.ParseFloat(row.OrigQty, 64)
		executed, err3 := strconv.ParseFloat(row.ExecutedQty, 64)
		if err1 != nil || err2 != nil || err3 != nil {
			t.logger.Warn("open order with unparsable numbers skipped", "order_id", row.OrderID)
			continue
		}
		orderID := strconv.FormatInt(row.OrderID, 10)
		order := types.NewOrder(types.Order{
			Platform:      types.Binance,
			Account:       t.account,
			Strategy:      t.strategy,
			OrderID:       orderID,
			ClientOrderID: row.ClientOrderID,
			Symbol:        t.symbol,
			Action:        types.OrderAction(row.Side),
			OrderType:     types.OrderType(row.Type),
			Price:         price,
			Quantity:      quantity,
			Ctime:         row.Time,
			Utime:         row.UpdateTime,
		})
		order.Remain = quantity - executed
		order.Status = status
		t.orders[orderID] = order
		cp := *order
		updates = append(updates, &cp)
	}
	t.mu.Unlock()

	for _, err := range skipped {
		t.logger.Error("open order skipped", "error", err)
		t.fireError(err)
	}
	for _, o := range updates {
		t.fireOrderUpdate(o)
	}
	t.fireInit(true, nil)
}

// wsEvent is an executionReport from the user-data stream. Binance uses
// single-letter keys on this channel.
type wsEvent struct {
	Event         string `json:"e"`
	Symbol        string `json:"s"`
	OrderID       int64  `json:"i"`
	Status        string `json:"X"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderType     string `json:"o"`
	Price         string `json:"p"`
	Quantity      string `json:"q"`
	FilledQty     string `json:"z"`
	Ctime         int64  `json:"O"`
	Utime         int64  `json:"T"`
}

// process folds one user-data event into the order map. Callbacks fire
// after the lock is released; ordering is preserved because the stream is
// consumed by a single goroutine.
func (t *Trade) process(raw []byte) {
	var ev wsEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.logger.Warn("undecodable user data event", "error", err)
		return
	}
	if ev.Event != "executionReport" {
		return
	}
	if ev.Symbol != t.rawSymbol {
		return
	}
	status, ok := mapOrderStatus(ev.Status)
	if !ok {
		err := fmt.Errorf("unknown order status %q for order %d", ev.Status, ev.OrderID)
		t.logger.Error("execution report dropped", "error", err)
		t.fireError(err)
		return
	}
	price, err1 := strconv.ParseFloat(ev.Price, 64)
	quantity, err2 := strconv.ParseFloat(ev.Quantity, 64)
	filled, err3 := strconv.ParseFloat(ev.FilledQty, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		t.logger.Warn("execution report with unparsable numbers dropped", "order_id", ev.OrderID)
		return
	}

	orderID := strconv.FormatInt(ev.OrderID, 10)
	t.mu.Lock()
	order, exists := t.orders[orderID]
	if !exists {
		order = types.NewOrder(types.Order{
			Platform:      types.Binance,
			Account:       t.account,
			Strategy:      t.strategy,
			OrderID:       orderID,
			ClientOrderID: ev.ClientOrderID,
			Symbol:        t.symbol,
			Action:        types.OrderAction(ev.Side),
			OrderType:     types.OrderType(ev.OrderType),
			Price:         price,
			Quantity:      quantity,
			Ctime:         ev.Ctime,
		})
		t.orders[orderID] = order
	}
	order.Remain = quantity - filled
	order.Status = status
	order.Utime = ev.Utime
	cp := *order
	if status.IsTerminal() {
		delete(t.orders, orderID)
	}
	t.mu.Unlock()

	t.fireOrderUpdate(&cp)
}

// mapOrderStatus translates Binance order states to normalized statuses.
func mapOrderStatus(s string) (types.OrderStatus, bool) {
	switch s {
	case "NEW":
		return types.OrderStatusSubmitted, true
	case "PARTIALLY_FILLED":
		return types.OrderStatusPartialFilled, true
	case "FILLED":
		return types.OrderStatusFilled, true
	case "CANCELED":
		return types.OrderStatusCanceled, true
	case "REJECTED", "EXPIRED":
		return types.OrderStatusFailed, true
	default:
		return "", false
	}
}

// CreateOrder places an order and returns the exchange order id.
func (t *Trade) CreateOrder(ctx context.Context, action types.OrderAction, price, quantity string, opts trader.OrderOptions) (string, error) {
	result, err := t.rest.CreateOrder(ctx, action, t.rawSymbol, price, quantity, opts.OrderType, opts.ClientOrderID)
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(result.OrderID, 10), nil
}

// RevokeOrder cancels one resting order.
func (t *Trade) RevokeOrder(ctx context.Context, orderID string) error {
	return t.rest.RevokeOrder(ctx, t.rawSymbol, orderID, "")
}

// GetOpenOrderIDs lists the exchange ids of resting orders.
func (t *Trade) GetOpenOrderIDs(ctx context.Context) ([]string, error) {
	rows, err := t.rest.GetOpenOrders(ctx, t.rawSymbol)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, strconv.FormatInt(row.OrderID, 10))
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
