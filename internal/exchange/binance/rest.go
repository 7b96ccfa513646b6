// Package binance adapts Binance spot trading and market data: a signed
// REST client, an order-stream trade adapter, and a combined-stream market
// feed publishing normalized events.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"quantd/internal/exchange"
	"quantd/internal/httpc"
	"quantd/pkg/types"
)

const (
	defaultHost = "https://api.binance.com"
	defaultWSS  = "wss://stream.binance.com:9443"

	requestTimeout = 10 * time.Second
	recvWindow     = "5000"

	// Binance meters signed endpoints by request weight, 1200 per minute
	// per account. Twenty a second keeps the lifecycle calls and the
	// open-order seeding well inside that.
	limiterBurst = 20
	limiterRate  = 20
)

// RestClient signs and issues Binance spot REST calls.
//
// Signed endpoints carry every parameter in the query string, even on POST
// and DELETE; the HMAC-SHA256 signature covers the exact encoded query that
// goes on the wire.
type RestClient struct {
	host      string
	accessKey string
	secretKey string
	http      *httpc.Client
	limiter   *exchange.TokenBucket
}

// NewRestClient builds a REST client. host falls back to the production
// endpoint when empty.
func NewRestClient(host, accessKey, secretKey string, http *httpc.Client) *RestClient {
	if host == "" {
		host = defaultHost
	}
	return &RestClient{
		host:      host,
		accessKey: accessKey,
		secretKey: secretKey,
		http:      http,
		limiter:   exchange.NewTokenBucket(limiterBurst, limiterRate),
	}
}

// CreateOrderResult is the subset of the order-placement response the trade
// adapter consumes.
type CreateOrderResult struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
}

// OpenOrder is one row of the open-orders listing.
type OpenOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	UpdateTime    int64  `json:"updateTime"`
}

// GetServerTime returns the exchange clock in milliseconds.
func (c *RestClient) GetServerTime(ctx context.Context) (int64, error) {
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.request(ctx, "GET", "/api/v3/time", nil, false, &out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

// GetExchangeInfo returns trading rules and symbol metadata.
func (c *RestClient) GetExchangeInfo(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.request(ctx, "GET", "/api/v3/exchangeInfo", nil, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetLatestTicker returns the 24h rolling ticker for one symbol.
func (c *RestClient) GetLatestTicker(ctx context.Context, symbol string) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var out json.RawMessage
	if err := c.request(ctx, "GET", "/api/v3/ticker/24hr", params, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrderbook returns a depth snapshot. limit falls back to 100.
func (c *RestClient) GetOrderbook(ctx context.Context, symbol string, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	var out json.RawMessage
	if err := c.request(ctx, "GET", "/api/v3/depth", params, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetKlines returns candles for a symbol. interval falls back to 1m, limit
// to 500; start and end are millisecond bounds, zero meaning unset.
func (c *RestClient) GetKlines(ctx context.Context, symbol, interval string, limit int, start, end int64) (json.RawMessage, error) {
	if interval == "" {
		interval = "1m"
	}
	if limit <= 0 {
		limit = 500
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if start > 0 {
		params.Set("startTime", strconv.FormatInt(start, 10))
	}
	if end > 0 {
		params.Set("endTime", strconv.FormatInt(end, 10))
	}
	var out json.RawMessage
	if err := c.request(ctx, "GET", "/api/v3/klines", params, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetLatestTrades returns recent public trades. limit falls back to 500.
func (c *RestClient) GetLatestTrades(ctx context.Context, symbol string, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = 500
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(limit))
	var out json.RawMessage
	if err := c.request(ctx, "GET", "/api/v3/trades", params, false, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAccount returns balances and account flags. Signed.
func (c *RestClient) GetAccount(ctx context.Context) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("timestamp", millisNow())
	var out json.RawMessage
	if err := c.request(ctx, "GET", "/api/v3/account", params, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateOrder places an order. LIMIT orders carry price and GTC time in
// force; MARKET orders carry neither. clientOrderID may be empty.
func (c *RestClient) CreateOrder(ctx context.Context, action types.OrderAction, symbol, price, quantity string, orderType types.OrderType, clientOrderID string) (*CreateOrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(action))
	params.Set("type", string(orderType))
	params.Set("quantity", quantity)
	params.Set("recvWindow", recvWindow)
	params.Set("newOrderRespType", "FULL")
	params.Set("timestamp", millisNow())
	if orderType == types.OrderTypeLimit {
		params.Set("timeInForce", "GTC")
		params.Set("price", price)
	}
	if clientOrderID != "" {
		params.Set("newClientOrderId", clientOrderID)
	}
	var out CreateOrderResult
	if err := c.request(ctx, "POST", "/api/v3/order", params, true, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeOrder cancels one order by exchange id. clientOrderID may be empty.
func (c *RestClient) RevokeOrder(ctx context.Context, symbol, orderID, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	params.Set("timestamp", millisNow())
	if clientOrderID != "" {
		params.Set("origClientOrderId", clientOrderID)
	}
	return c.request(ctx, "DELETE", "/api/v3/order", params, true, nil)
}

// GetOrderStatus returns one order by exchange id.
func (c *RestClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	params.Set("timestamp", millisNow())
	var out json.RawMessage
	if err := c.request(ctx, "GET", "/api/v3/order", params, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetAllOrders returns every order for a symbol, any status.
func (c *RestClient) GetAllOrders(ctx context.Context, symbol string) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("timestamp", millisNow())
	var out json.RawMessage
	if err := c.request(ctx, "GET", "/api/v3/allOrders", params, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOpenOrders returns the resting orders for a symbol.
func (c *RestClient) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("timestamp", millisNow())
	var out []OpenOrder
	if err := c.request(ctx, "GET", "/api/v3/openOrders", params, true, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetListenKey opens a user-data stream and returns its listen key. The key
// endpoints only need the API-key header, not a signature.
func (c *RestClient) GetListenKey(ctx context.Context) (string, error) {
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.request(ctx, "POST", "/api/v3/userDataStream", nil, false, &out); err != nil {
		return "", err
	}
	return out.ListenKey, nil
}

// PutListenKey extends a listen key's lifetime.
func (c *RestClient) PutListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	return c.request(ctx, "PUT", "/api/v3/userDataStream", params, false, nil)
}

// DeleteListenKey closes a user-data stream. Binance still serves the
// delete on the v1 path.
func (c *RestClient) DeleteListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	return c.request(ctx, "DELETE", "/api/v1/userDataStream", params, false, nil)
}

// request issues one call. The encoded query is built here and, for signed
// calls, the signature is appended to it; the URL is passed fully formed so
// nothing downstream re-encodes what was signed. The API-key header rides on
// every request.
func (c *RestClient) request(ctx context.Context, method, uri string, params url.Values, auth bool, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	query := params.Encode()
	if auth {
		mac := hmac.New(sha256.New, []byte(c.secretKey))
		mac.Write([]byte(query))
		query += "&signature=" + hex.EncodeToString(mac.Sum(nil))
	}
	target := c.host + uri
	if query != "" {
		target += "?" + query
	}

	_, body, err := c.http.Fetch(ctx, httpc.Request{
		Method:  method,
		URL:     target,
		Headers: map[string]string{"X-MBX-APIKEY": c.accessKey},
		Timeout: requestTimeout,
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, uri, err)
	}
	return nil
}

func millisNow() string {
	return strconv.FormatInt(types.NowMillis(), 10)
}
