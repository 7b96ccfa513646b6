package exchange

import (
	"fmt"
	"reflect"
	"testing"
)

func TestMarketRegistryLookup(t *testing.T) {
	reg := NewMarketRegistry()
	ctor := func(p MarketParams) (Market, error) {
		return nil, fmt.Errorf("not built")
	}
	reg.Register("okex", ctor)
	reg.Register("binance", ctor)

	if _, ok := reg.Lookup("binance"); !ok {
		t.Fatal("binance should be registered")
	}
	if _, ok := reg.Lookup("huobi"); ok {
		t.Fatal("huobi should not be registered")
	}
	if got := reg.Platforms(); !reflect.DeepEqual(got, []string{"binance", "okex"}) {
		t.Fatalf("platforms = %v", got)
	}
}

func TestMarketRegistryReplacesBinding(t *testing.T) {
	reg := NewMarketRegistry()
	reg.Register("okex", func(p MarketParams) (Market, error) {
		return nil, fmt.Errorf("first")
	})
	reg.Register("okex", func(p MarketParams) (Market, error) {
		return nil, fmt.Errorf("second")
	})

	ctor, ok := reg.Lookup("okex")
	if !ok {
		t.Fatal("okex should be registered")
	}
	if _, err := ctor(MarketParams{}); err == nil || err.Error() != "second" {
		t.Fatalf("binding = %v, want the replacement", err)
	}
}

func TestDedupeSymbolsKeepsFirstSeenOrder(t *testing.T) {
	got := DedupeSymbols([]string{"ETH/BTC", "BTC/USDT", "ETH/BTC", "ETH/USDT", "BTC/USDT"})
	want := []string{"ETH/BTC", "BTC/USDT", "ETH/USDT"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("deduped = %v, want %v", got, want)
	}
}
