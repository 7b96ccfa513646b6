// Package okex adapts OKEx spot trading and market data: a signed REST
// client, an order-channel trade adapter, and a depth-maintaining market
// feed. The websocket endpoints deflate every binary frame and expect a
// text "ping" heartbeat.
package okex

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"time"
)

const (
	defaultHost = "https://www.okex.com"
	defaultWSS  = "wss://real.okex.com:8443"

	requestTimeout = 10 * time.Second
	pingInterval   = 5 // seconds between text pings
)

// timestamp returns the epoch with millisecond precision in the exact shape
// the signature endpoints verify, e.g. "1589521163.256".
func timestamp() string {
	ms := time.Now().UnixMilli()
	return fmt.Sprintf("%d.%03d", ms/1000, ms%1000)
}

// inflate decompresses one raw-deflate websocket frame.
func inflate(raw []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(raw))
	defer r.Close()
	return io.ReadAll(r)
}

// utcToMillis parses an RFC3339 timestamp to unix milliseconds.
func utcToMillis(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
