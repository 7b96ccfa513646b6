// quantd — an event-driven market-data and trading runtime for crypto
// exchanges.
//
// Architecture:
//
//	main.go                — entry point: config, logger, signals, entrance
//	app/app.go             — runtime root: scheduler + bus + metrics lifecycle
//	scheduler/scheduler.go — the 1-second heartbeat periodic tasks hang on
//	bus/bus.go             — RabbitMQ topic exchanges carrying market events
//	market/market.go       — typed market-data subscriptions for strategies
//	exchange/binance/*     — Binance REST, user data stream, market streams
//	exchange/okex/*        — OKEx REST, private order channel, market channels
//	trader/trader.go       — strategy-facing façade over one exchange account
//	strategy/demo.go       — example strategy quoting between bid3 and bid4
//
// One binary serves both roles the config asks for: MARKETS sections turn
// it into a market server publishing book/trade/kline events onto the bus;
// ACCOUNTS plus a top-level "symbol" key start the demo strategy consuming
// them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"quantd/internal/app"
	"quantd/internal/config"
	"quantd/internal/exchange"
	"quantd/internal/exchange/binance"
	"quantd/internal/exchange/okex"
	"quantd/internal/market"
	"quantd/internal/strategy"
	"quantd/internal/trader"
	"quantd/pkg/types"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config.json>\n", os.Args[0])
		os.Exit(1)
	}
	cfgPath := os.Args[1]

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		slog.Error("failed to set up logger", "error", err)
		os.Exit(1)
	}

	a := app.New(cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig.String())
		a.Stop()
	}()

	logger.Info("quantd starting", "server_id", cfg.ServerID, "config", cfgPath)
	if err := a.Run(func(ctx context.Context, a *app.App) error {
		return boot(ctx, a, logger)
	}); err != nil {
		logger.Error("runtime failed", "error", err)
		os.Exit(1)
	}
}

// boot is the entrance: it registers the linked exchange adapters and
// starts whatever the config asks for — market feeds, the demo strategy,
// or both.
func boot(ctx context.Context, a *app.App, logger *slog.Logger) error {
	cfg := a.Config()

	markets := exchange.NewMarketRegistry()
	markets.Register(types.Binance, binance.NewMarket)
	markets.Register(types.OKEx, okex.NewMarket)

	traders := trader.NewRegistry()
	traders.Register(types.Binance, binance.NewTrade)
	traders.Register(types.OKEx, okex.NewTrade)

	if len(cfg.Markets) > 0 {
		if a.Bus() == nil {
			return fmt.Errorf("MARKETS configured without RABBITMQ: market events have nowhere to go")
		}
		for platform, mc := range cfg.Markets {
			ctor, ok := markets.Lookup(platform)
			if !ok {
				logger.Error("unknown market platform, skipped", "platform", platform)
				continue
			}
			m, err := ctor(exchange.MarketParams{
				Platform:        platform,
				WSS:             mc.WSS,
				Symbols:         mc.Symbols,
				Channels:        mc.Channels,
				OrderbookLength: mc.OrderbookLength,
				Proxy:           cfg.Proxy,
				Sink:            a.Bus(),
				Scheduler:       a.Scheduler(),
				Logger:          logger,
			})
			if err != nil {
				logger.Error("market adapter rejected config, skipped", "platform", platform, "error", err)
				continue
			}
			m.Start(ctx)
			logger.Info("market adapter started",
				"platform", platform, "symbols", mc.Symbols, "channels", mc.Channels)
		}
	}

	symbol := cfg.ExtraString("symbol")
	if len(cfg.Accounts) > 0 && symbol != "" {
		if a.Bus() == nil {
			return fmt.Errorf("strategy configured without RABBITMQ: no market data to trade on")
		}
		if err := startDemoStrategy(a, traders, symbol, logger); err != nil {
			return err
		}
	}
	return nil
}

// startDemoStrategy wires the demo strategy to the first configured
// account. The trade adapter starts streaming order updates as soon as it
// is built, so the callback resolves the strategy through an atomic
// pointer set right after construction.
func startDemoStrategy(a *app.App, traders *trader.Registry, symbol string, logger *slog.Logger) error {
	acct := a.Config().Accounts[0]

	var demo atomic.Pointer[strategy.Demo]
	tr, err := trader.New(traders, trader.Params{
		Strategy:   "demo",
		Platform:   acct.Platform,
		Symbol:     symbol,
		Account:    acct.Account,
		AccessKey:  acct.AccessKey,
		SecretKey:  acct.SecretKey,
		Passphrase: acct.Passphrase,
		Proxy:      a.Config().Proxy,
		Scheduler:  a.Scheduler(),
		Logger:     logger,
	}, trader.Callbacks{
		OrderUpdate: func(o *types.Order) {
			if d := demo.Load(); d != nil {
				d.OnOrderUpdate(o)
			}
		},
		Init: func(ok bool, err error, info trader.CallbackContext) {
			if ok {
				logger.Info("trader ready",
					"platform", info.Platform, "account", info.Account, "symbol", info.Symbol)
				return
			}
			logger.Error("trader init failed",
				"platform", info.Platform, "account", info.Account, "error", err)
		},
		Error: func(err error, info trader.CallbackContext) {
			logger.Error("trader error",
				"platform", info.Platform, "account", info.Account, "error", err)
		},
	})
	if err != nil {
		return fmt.Errorf("build %s trader: %w", acct.Platform, err)
	}

	d, err := strategy.New(strategy.Config{
		Platform: acct.Platform,
		Symbol:   symbol,
		Logger:   logger,
	}, tr)
	if err != nil {
		return err
	}
	demo.Store(d)

	sub := market.NewSubscriber(a.Bus(), logger)
	if err := d.Subscribe(sub); err != nil {
		return fmt.Errorf("subscribe order book: %w", err)
	}
	logger.Info("demo strategy started", "platform", acct.Platform, "symbol", symbol)
	return nil
}
