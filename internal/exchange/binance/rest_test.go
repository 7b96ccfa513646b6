package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"quantd/internal/httpc"
	"quantd/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRest(t *testing.T, handler http.HandlerFunc) (*RestClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewRestClient(srv.URL, "test-access-key", "test-secret-key", httpc.New(discardLogger(), ""))
	return client, srv
}

// splitSignedQuery separates the signed portion of a query from the
// signature appended to it.
func splitSignedQuery(t *testing.T, rawQuery string) (base, signature string) {
	t.Helper()
	idx := strings.LastIndex(rawQuery, "&signature=")
	if idx < 0 {
		t.Fatalf("no signature in query %q", rawQuery)
	}
	return rawQuery[:idx], rawQuery[idx+len("&signature="):]
}

func TestSignedRequestCoversExactQuery(t *testing.T) {
	var gotQuery, gotKey string
	client, _ := newTestRest(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotKey = r.Header.Get("X-MBX-APIKEY")
		w.Write([]byte(`{"balances":[]}`))
	})

	if _, err := client.GetAccount(context.Background()); err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if gotKey != "test-access-key" {
		t.Fatalf("api key header = %q", gotKey)
	}

	base, sig := splitSignedQuery(t, gotQuery)
	mac := hmac.New(sha256.New, []byte("test-secret-key"))
	mac.Write([]byte(base))
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Fatalf("signature = %q, want %q over %q", sig, want, base)
	}
	values, err := url.ParseQuery(base)
	if err != nil {
		t.Fatalf("parse signed query: %v", err)
	}
	if values.Get("timestamp") == "" {
		t.Fatal("timestamp param missing")
	}
}

func TestCreateOrderLimitParams(t *testing.T) {
	var gotMethod, gotPath, gotQuery string
	client, _ := newTestRest(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"symbol":"ETHBTC","orderId":28,"clientOrderId":"cid-1","status":"NEW"}`))
	})

	result, err := client.CreateOrder(context.Background(), types.ActionBuy, "ETHBTC", "0.042", "2.5", types.OrderTypeLimit, "cid-1")
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if result.OrderID != 28 {
		t.Fatalf("order id = %d", result.OrderID)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/v3/order" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}

	base, _ := splitSignedQuery(t, gotQuery)
	values, _ := url.ParseQuery(base)
	for key, want := range map[string]string{
		"symbol":           "ETHBTC",
		"side":             "BUY",
		"type":             "LIMIT",
		"timeInForce":      "GTC",
		"price":            "0.042",
		"quantity":         "2.5",
		"recvWindow":       "5000",
		"newOrderRespType": "FULL",
		"newClientOrderId": "cid-1",
	} {
		if got := values.Get(key); got != want {
			t.Errorf("%s = %q, want %q", key, got, want)
		}
	}
}

func TestCreateOrderMarketOmitsPriceAndTimeInForce(t *testing.T) {
	var gotQuery string
	client, _ := newTestRest(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"orderId":99}`))
	})

	if _, err := client.CreateOrder(context.Background(), types.ActionSell, "ETHBTC", "0.042", "2.5", types.OrderTypeMarket, ""); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	base, _ := splitSignedQuery(t, gotQuery)
	values, _ := url.ParseQuery(base)
	if values.Get("type") != "MARKET" {
		t.Fatalf("type = %q", values.Get("type"))
	}
	for _, absent := range []string{"price", "timeInForce", "newClientOrderId"} {
		if values.Has(absent) {
			t.Errorf("%s should be omitted, got %q", absent, values.Get(absent))
		}
	}
}

func TestRevokeOrderUsesDelete(t *testing.T) {
	var gotMethod, gotPath, gotQuery string
	client, _ := newTestRest(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{}`))
	})

	if err := client.RevokeOrder(context.Background(), "ETHBTC", "12345", ""); err != nil {
		t.Fatalf("RevokeOrder: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/api/v3/order" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	base, _ := splitSignedQuery(t, gotQuery)
	values, _ := url.ParseQuery(base)
	if values.Get("orderId") != "12345" || values.Get("symbol") != "ETHBTC" {
		t.Fatalf("params = %v", values)
	}
}

func TestListenKeyLifecycle(t *testing.T) {
	type call struct{ method, path string }
	var calls []call
	client, _ := newTestRest(t, func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, call{r.Method, r.URL.Path})
		w.Write([]byte(`{"listenKey":"lk-abc"}`))
	})

	ctx := context.Background()
	key, err := client.GetListenKey(ctx)
	if err != nil || key != "lk-abc" {
		t.Fatalf("GetListenKey = %q, %v", key, err)
	}
	if err := client.PutListenKey(ctx, key); err != nil {
		t.Fatalf("PutListenKey: %v", err)
	}
	if err := client.DeleteListenKey(ctx, key); err != nil {
		t.Fatalf("DeleteListenKey: %v", err)
	}

	want := []call{
		{http.MethodPost, "/api/v3/userDataStream"},
		{http.MethodPut, "/api/v3/userDataStream"},
		{http.MethodDelete, "/api/v1/userDataStream"},
	}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i, c := range calls {
		if c != want[i] {
			t.Errorf("call %d = %v, want %v", i, c, want[i])
		}
	}
}

func TestGetOpenOrdersDecodesRows(t *testing.T) {
	client, _ := newTestRest(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"ETHBTC","orderId":771,"clientOrderId":"c-771",
			"price":"0.041","origQty":"3","executedQty":"1","status":"PARTIALLY_FILLED",
			"type":"LIMIT","side":"SELL","time":1700000000000,"updateTime":1700000001000}]`))
	})

	rows, err := client.GetOpenOrders(context.Background(), "ETHBTC")
	if err != nil {
		t.Fatalf("GetOpenOrders: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d", len(rows))
	}
	row := rows[0]
	if row.OrderID != 771 || row.ClientOrderID != "c-771" || row.Status != "PARTIALLY_FILLED" {
		t.Fatalf("row = %+v", row)
	}
	if row.Time != 1700000000000 || row.UpdateTime != 1700000001000 {
		t.Fatalf("timestamps = %d, %d", row.Time, row.UpdateTime)
	}
}

func TestErrorStatusSurfacesResponseText(t *testing.T) {
	client, _ := newTestRest(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
	})

	_, err := client.GetOpenOrders(context.Background(), "NOPE")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Invalid symbol") {
		t.Fatalf("error = %v", err)
	}
}
