// Package trader fronts the exchange trade adapters with one façade:
// float prices in, exchange-ready strings out, client order ids minted
// when absent, and strategy callbacks tagged with which trader fired
// them. Adapters are chosen through an explicit registry, so the runtime
// controls exactly which exchanges are linked in.
package trader

import (
	"context"
	"fmt"
	"log/slog"

	"quantd/internal/httpc"
	"quantd/internal/metrics"
	"quantd/internal/scheduler"
	"quantd/pkg/types"
)

// Exchange is the adapter-side contract. Implementations keep the open
// order map, drive the order state machine from the exchange's private
// stream and report every transition through the callbacks in Params.
type Exchange interface {
	CreateOrder(ctx context.Context, action types.OrderAction, price, quantity string, opts OrderOptions) (string, error)
	RevokeOrder(ctx context.Context, orderID string) error
	GetOpenOrderIDs(ctx context.Context) ([]string, error)
	Orders() map[string]*types.Order
}

// Params carries everything an adapter needs: identity, credentials,
// endpoints and runtime dependencies. The callback fields are filled in
// by the façade before the constructor runs.
type Params struct {
	Strategy   string
	Platform   string
	Symbol     string
	Account    string
	AccessKey  string
	SecretKey  string
	Passphrase string
	Host       string
	WSS        string
	Proxy      string

	Scheduler *scheduler.Scheduler
	HTTP      *httpc.Client
	Logger    *slog.Logger

	OrderUpdateCallback    func(*types.Order)
	PositionUpdateCallback func(*types.Position)
	InitCallback           func(ok bool, err error)
	ErrorCallback          func(err error)
}

// CallbackContext identifies which trader an init or error callback
// belongs to, for strategies running several at once.
type CallbackContext struct {
	Strategy string
	Platform string
	Symbol   string
	Account  string
}

// Callbacks are the strategy-facing notifications.
type Callbacks struct {
	OrderUpdate    func(*types.Order)
	PositionUpdate func(*types.Position)
	Init           func(ok bool, err error, info CallbackContext)
	Error          func(err error, info CallbackContext)
}

// OrderOptions are the optional order fields resolved by the façade.
type OrderOptions struct {
	ClientOrderID string
	OrderType     types.OrderType
}

// OrderOption mutates OrderOptions.
type OrderOption func(*OrderOptions)

// WithClientOrderID pins the client order id instead of minting one.
func WithClientOrderID(id string) OrderOption {
	return func(o *OrderOptions) { o.ClientOrderID = id }
}

// WithOrderType selects LIMIT or MARKET; LIMIT is the default.
func WithOrderType(t types.OrderType) OrderOption {
	return func(o *OrderOptions) { o.OrderType = t }
}

// RevokeFailure pairs an order id with the error that kept it alive.
type RevokeFailure struct {
	OrderID string
	Error   error
}

// RevokeResult reports which cancels succeeded and which failed.
type RevokeResult struct {
	Success []string
	Failed  []RevokeFailure
}

// Trade is the strategy-facing façade over one exchange account.
type Trade struct {
	strategy string
	platform string
	symbol   string
	account  string

	exchange Exchange
	cbs      Callbacks
	logger   *slog.Logger
}

// New resolves the platform through the registry and builds its adapter
// with the façade's callback wrappers installed. An unknown platform
// fires the error and init(false) callbacks and returns an error.
func New(reg *Registry, p Params, cbs Callbacks) (*Trade, error) {
	t := &Trade{
		strategy: p.Strategy,
		platform: p.Platform,
		symbol:   p.Symbol,
		account:  p.Account,
		cbs:      cbs,
		logger:   p.Logger.With("component", "trade", "platform", p.Platform, "symbol", p.Symbol),
	}

	ctor, ok := reg.Lookup(p.Platform)
	if !ok {
		err := fmt.Errorf("unknown trade platform %q", p.Platform)
		t.logger.Error("trade platform not registered", "error", err)
		if cbs.Error != nil {
			go cbs.Error(err, t.info())
		}
		if cbs.Init != nil {
			go cbs.Init(false, err, t.info())
		}
		return nil, err
	}

	p.OrderUpdateCallback = t.onOrderUpdate
	p.PositionUpdateCallback = t.onPositionUpdate
	p.InitCallback = t.onInit
	p.ErrorCallback = t.onError

	exchange, err := ctor(p)
	if err != nil {
		return nil, fmt.Errorf("build %s trader: %w", p.Platform, err)
	}
	t.exchange = exchange
	return t, nil
}

// CreateOrder places an order. Prices and quantities arrive as floats
// from strategy math and leave as plain fixed-point strings; a client
// order id is minted when the caller does not supply one.
func (t *Trade) CreateOrder(ctx context.Context, action types.OrderAction, price, quantity float64, opts ...OrderOption) (string, error) {
	o := OrderOptions{OrderType: types.OrderTypeLimit}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = NewClientOrderID()
	}
	return t.exchange.CreateOrder(ctx, action, FloatToString(price), FloatToString(quantity), o)
}

// RevokeOrder cancels orders. With no ids it cancels everything open for
// the symbol, aborting on the first failure. With one id the result and
// error describe that single cancel. With several ids every cancel is
// attempted and the result carries the success and failure lists side by
// side, with a nil error.
func (t *Trade) RevokeOrder(ctx context.Context, orderIDs ...string) (*RevokeResult, error) {
	result := &RevokeResult{}
	switch len(orderIDs) {
	case 0:
		ids, err := t.exchange.GetOpenOrderIDs(ctx)
		if err != nil {
			return result, fmt.Errorf("list open orders: %w", err)
		}
		for _, id := range ids {
			if err := t.exchange.RevokeOrder(ctx, id); err != nil {
				result.Failed = append(result.Failed, RevokeFailure{OrderID: id, Error: err})
				return result, fmt.Errorf("revoke order %s: %w", id, err)
			}
			result.Success = append(result.Success, id)
		}
		return result, nil
	case 1:
		id := orderIDs[0]
		if err := t.exchange.RevokeOrder(ctx, id); err != nil {
			result.Failed = append(result.Failed, RevokeFailure{OrderID: id, Error: err})
			return result, err
		}
		result.Success = append(result.Success, id)
		return result, nil
	default:
		for _, id := range orderIDs {
			if err := t.exchange.RevokeOrder(ctx, id); err != nil {
				result.Failed = append(result.Failed, RevokeFailure{OrderID: id, Error: err})
				continue
			}
			result.Success = append(result.Success, id)
		}
		return result, nil
	}
}

// GetOpenOrderIDs lists the ids of orders still open at the exchange.
func (t *Trade) GetOpenOrderIDs(ctx context.Context) ([]string, error) {
	return t.exchange.GetOpenOrderIDs(ctx)
}

// Orders returns a copy of the adapter's open-order map.
func (t *Trade) Orders() map[string]*types.Order {
	return t.exchange.Orders()
}

func (t *Trade) info() CallbackContext {
	return CallbackContext{Strategy: t.strategy, Platform: t.platform, Symbol: t.symbol, Account: t.account}
}

func (t *Trade) onOrderUpdate(order *types.Order) {
	metrics.OrderUpdates.WithLabelValues(order.Platform, string(order.Status)).Inc()
	if t.cbs.OrderUpdate != nil {
		t.cbs.OrderUpdate(order)
	}
}

func (t *Trade) onPositionUpdate(position *types.Position) {
	if t.cbs.PositionUpdate != nil {
		t.cbs.PositionUpdate(position)
	}
}

func (t *Trade) onInit(ok bool, err error) {
	if t.cbs.Init != nil {
		t.cbs.Init(ok, err, t.info())
	}
}

func (t *Trade) onError(err error) {
	if t.cbs.Error != nil {
		t.cbs.Error(err, t.info())
	}
}
