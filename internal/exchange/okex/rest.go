package okex

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"quantd/internal/exchange"
	"quantd/internal/httpc"
	"quantd/pkg/types"
)

// OKEx allows six requests per two-second window on the spot trading
// endpoints.
const (
	limiterBurst = 6
	limiterRate  = 3
)

// RestClient signs and issues OKEx spot v3 REST calls.
//
// The signature covers timestamp + method + request path (query included) +
// the exact JSON body bytes, so the body is marshalled once and those bytes
// are both signed and sent.
type RestClient struct {
	host       string
	accessKey  string
	secretKey  string
	passphrase string
	http       *httpc.Client
	limiter    *exchange.TokenBucket
}

// NewRestClient builds a REST client. host falls back to the production
// endpoint when empty.
func NewRestClient(host, accessKey, secretKey, passphrase string, http *httpc.Client) *RestClient {
	if host == "" {
		host = defaultHost
	}
	return &RestClient{
		host:       host,
		accessKey:  accessKey,
		secretKey:  secretKey,
		passphrase: passphrase,
		http:       http,
		limiter:    exchange.NewTokenBucket(limiterBurst, limiterRate),
	}
}

// OrderInfo is one order row, shared by the pending-orders listing, the
// single-order lookup, and the websocket order channel.
type OrderInfo struct {
	OrderID      string `json:"order_id"`
	ClientOID    string `json:"client_oid"`
	Side         string `json:"side"`
	Type         string `json:"type"`
	Price        string `json:"price"`
	Size         string `json:"size"`
	FilledSize   string `json:"filled_size"`
	State        string `json:"state"`
	Timestamp    string `json:"timestamp"`
	CreatedAt    string `json:"created_at"`
	LastFillTime string `json:"last_fill_time"`
}

// orderResponse is the accept/reject envelope on order placement and
// cancellation.
type orderResponse struct {
	Result       bool   `json:"result"`
	OrderID      string `json:"order_id"`
	ClientOID    string `json:"client_oid"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type createOrderRequest struct {
	Side          string `json:"side"`
	InstrumentID  string `json:"instrument_id"`
	MarginTrading int    `json:"margin_trading"`
	Type          string `json:"type"`
	Price         string `json:"price,omitempty"`
	Size          string `json:"size,omitempty"`
	Notional      string `json:"notional,omitempty"`
	ClientOID     string `json:"client_oid,omitempty"`
}

// GetAccounts returns the spot account balances.
func (c *RestClient) GetAccounts(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.request(ctx, "GET", "/api/spot/v3/accounts", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateOrder places an order and returns the exchange order id. LIMIT
// orders carry price and size; MARKET buys spend quantity as notional while
// MARKET sells pass it as size. clientOID may be empty.
func (c *RestClient) CreateOrder(ctx context.Context, action types.OrderAction, symbol, price, quantity string, orderType types.OrderType, clientOID string) (string, error) {
	side := "sell"
	if action == types.ActionBuy {
		side = "buy"
	}
	body := createOrderRequest{
		Side:          side,
		InstrumentID:  symbol,
		MarginTrading: 1,
		ClientOID:     clientOID,
	}
	switch orderType {
	case types.OrderTypeLimit:
		body.Type = "limit"
		body.Price = price
		body.Size = quantity
	case types.OrderTypeMarket:
		body.Type = "market"
		if action == types.ActionBuy {
			body.Notional = quantity
		} else {
			body.Size = quantity
		}
	default:
		return "", fmt.Errorf("unsupported order type %q", orderType)
	}

	var out orderResponse
	if err := c.request(ctx, "POST", "/api/spot/v3/orders", nil, body, &out); err != nil {
		return "", err
	}
	if !out.Result {
		return "", fmt.Errorf("create order rejected: code=%s message=%s", out.ErrorCode, out.ErrorMessage)
	}
	return out.OrderID, nil
}

// RevokeOrder cancels one order.
func (c *RestClient) RevokeOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]string{"instrument_id": symbol}
	var out orderResponse
	if err := c.request(ctx, "POST", "/api/spot/v3/cancel_orders/"+orderID, nil, body, &out); err != nil {
		return err
	}
	if !out.Result {
		return fmt.Errorf("cancel order %s rejected: code=%s message=%s", orderID, out.ErrorCode, out.ErrorMessage)
	}
	return nil
}

// RevokeOrders cancels up to ten orders in one batch; longer lists are
// truncated with a warning left to the caller's logger.
func (c *RestClient) RevokeOrders(ctx context.Context, symbol string, orderIDs []string) (json.RawMessage, error) {
	if len(orderIDs) > 10 {
		orderIDs = orderIDs[:10]
	}
	body := []map[string]any{{
		"instrument_id": symbol,
		"order_ids":     orderIDs,
	}}
	var out json.RawMessage
	if err := c.request(ctx, "POST", "/api/spot/v3/cancel_batch_orders", nil, body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOpenOrders returns the resting orders for a symbol. limit falls back
// to 100.
func (c *RestClient) GetOpenOrders(ctx context.Context, symbol string, limit int) ([]OrderInfo, error) {
	if limit <= 0 {
		limit = 100
	}
	params := url.Values{}
	params.Set("instrument_id", symbol)
	params.Set("limit", strconv.Itoa(limit))
	var out []OrderInfo
	if err := c.request(ctx, "GET", "/api/spot/v3/orders_pending", params, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetOrderStatus returns one order by exchange id.
func (c *RestClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (*OrderInfo, error) {
	params := url.Values{}
	params.Set("instrument_id", symbol)
	var out OrderInfo
	if err := c.request(ctx, "GET", "/api/spot/v3/orders/"+orderID, params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// request issues one signed call. The sorted query becomes part of the
// request path before signing; the body bytes that were signed are the
// bytes sent.
func (c *RestClient) request(ctx context.Context, method, uri string, params url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	requestPath := uri
	if len(params) > 0 {
		requestPath += "?" + params.Encode()
	}
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, uri, err)
		}
	}

	ts := timestamp()
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(ts + strings.ToUpper(method) + requestPath + string(payload)))
	headers := map[string]string{
		"Content-Type":         "application/json",
		"OK-ACCESS-KEY":        c.accessKey,
		"OK-ACCESS-SIGN":       base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		"OK-ACCESS-TIMESTAMP":  ts,
		"OK-ACCESS-PASSPHRASE": c.passphrase,
	}

	req := httpc.Request{
		Method:  method,
		URL:     c.host + requestPath,
		Headers: headers,
		Timeout: requestTimeout,
	}
	if payload != nil {
		req.Body = payload
	}
	_, respBody, err := c.http.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, uri, err)
	}
	return nil
}
