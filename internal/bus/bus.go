package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"quantd/internal/metrics"
	"quantd/internal/scheduler"
	"quantd/pkg/types"
)

const (
	// firstBindGrace delays queue binding after the initial connect so
	// callers get a window to register their subscriptions first.
	firstBindGrace = 5 * time.Second

	// checkConnInterval is the health loop period in seconds.
	checkConnInterval = 10
)

// Config holds the broker endpoint. Zero values fall back to a local
// broker with the default guest account.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
}

// HandlerFunc consumes one decoded event. Handlers for explicit-ack
// queues run on the consumer goroutine, so a slow handler backpressures
// its own queue and nothing else.
type HandlerFunc func(*Event)

type subscription struct {
	event   *Event
	handler HandlerFunc
	multi   bool
}

// Bus connects to RabbitMQ, declares the three topic exchanges and routes
// events between publishers and subscribers.
type Bus struct {
	serverID string
	cfg      Config
	sched    *scheduler.Scheduler
	logger   *slog.Logger

	mu          sync.Mutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	connected   bool
	subscribers []subscription
	handlers    map[string][]HandlerFunc

	healthTask string
}

// New builds a disconnected bus and registers its health check on the
// scheduler. Call Connect to dial the broker.
func New(serverID string, cfg Config, sched *scheduler.Scheduler, logger *slog.Logger) *Bus {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 5672
	}
	if cfg.Username == "" {
		cfg.Username = "guest"
	}
	if cfg.Password == "" {
		cfg.Password = "guest"
	}
	b := &Bus{
		serverID: serverID,
		cfg:      cfg,
		sched:    sched,
		logger:   logger.With("component", "bus"),
		handlers: make(map[string][]HandlerFunc),
	}
	b.healthTask = sched.Register(b.checkConnection, checkConnInterval)
	return b
}

// ServerID returns the identity used to derive this server's queue names.
func (b *Bus) ServerID() string {
	return b.serverID
}

// Connected reports whether the broker link is currently usable.
func (b *Bus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Connect dials the broker and declares the topic exchanges. On the first
// connect, queue binding is deferred a few seconds so subscriptions
// registered during boot are all bound in one pass; on reconnect the
// recorded subscriptions are bound immediately.
func (b *Bus) Connect(reconnect bool) error {
	b.mu.Lock()
	if b.connected {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.logger.Info("connecting to rabbitmq", "host", b.cfg.Host, "port", b.cfg.Port)
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     b.cfg.Host,
		Port:     b.cfg.Port,
		Username: b.cfg.Username,
		Password: b.cfg.Password,
		Vhost:    "/",
	}
	conn, err := amqp.Dial(uri.String())
	if err != nil {
		b.logger.Error("rabbitmq connect failed", "host", b.cfg.Host, "port", b.cfg.Port, "error", err)
		return fmt.Errorf("connect rabbitmq %s:%d: %w", b.cfg.Host, b.cfg.Port, err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		b.logger.Error("rabbitmq channel failed", "error", err)
		return fmt.Errorf("open channel: %w", err)
	}
	for _, name := range []string{ExchangeOrderbook, ExchangeTrade, ExchangeKline} {
		if err := channel.ExchangeDeclare(name, "topic", false, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("declare exchange %s: %w", name, err)
		}
	}

	b.mu.Lock()
	b.conn = conn
	b.channel = channel
	b.connected = true
	b.mu.Unlock()
	metrics.RecordBusConnected(true)
	b.logger.Info("rabbitmq initialize success")

	if reconnect {
		b.bindAndConsume()
	} else {
		b.sched.CallLater(firstBindGrace, b.bindAndConsume)
	}
	return nil
}

// Close drops the broker link and forgets the live handler table. The
// subscription list survives, so a later Connect rebinds everything.
func (b *Bus) Close() {
	b.sched.Unregister(b.healthTask)
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.channel = nil
	b.connected = false
	b.handlers = make(map[string][]HandlerFunc)
	b.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	metrics.RecordBusConnected(false)
}

// Subscribe records interest in an event. Binding happens at bus-ready
// time, so subscribing before or after Connect both work. With multi set,
// the consumer gets its own exclusive queue and deliveries are not acked;
// otherwise the event's named queue is shared and acked per delivery.
func (b *Bus) Subscribe(event *Event, handler HandlerFunc, multi bool) {
	b.logger.Info("subscribe event",
		"name", event.Name, "exchange", event.Exchange,
		"queue", event.Queue, "routing_key", event.RoutingKey, "multi", multi)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, subscription{event: event, handler: handler, multi: multi})
	b.mu.Unlock()
}

// Publish sends an event to its exchange. While the broker is down the
// event is dropped with a warning; market data is continuous, so there is
// nothing useful to buffer.
func (b *Bus) Publish(ctx context.Context, event *Event) error {
	b.mu.Lock()
	connected := b.connected
	channel := b.channel
	b.mu.Unlock()
	if !connected || channel == nil {
		b.logger.Warn("rabbitmq not ready, dropping event", "name", event.Name, "routing_key", event.RoutingKey)
		metrics.BusDropped.WithLabelValues(event.Exchange).Inc()
		return nil
	}
	body, err := event.Dumps()
	if err != nil {
		return err
	}
	err = channel.PublishWithContext(ctx, event.Exchange, event.RoutingKey, false, false, amqp.Publishing{Body: body})
	if err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Name, event.Exchange, err)
	}
	metrics.BusPublished.WithLabelValues(event.Exchange).Inc()
	return nil
}

// PublishOrderbook publishes an order book snapshot under this server's
// identity.
func (b *Bus) PublishOrderbook(ctx context.Context, ob *types.Orderbook) error {
	event, err := NewOrderbookEvent(b.serverID, ob)
	if err != nil {
		return err
	}
	return b.Publish(ctx, event)
}

// PublishTrade publishes a public trade under this server's identity.
func (b *Bus) PublishTrade(ctx context.Context, t *types.Trade) error {
	event, err := NewTradeEvent(b.serverID, t)
	if err != nil {
		return err
	}
	return b.Publish(ctx, event)
}

// PublishKline publishes an OHLCV bar under this server's identity.
func (b *Bus) PublishKline(ctx context.Context, k *types.Kline) error {
	event, err := NewKlineEvent(b.serverID, k)
	if err != nil {
		return err
	}
	return b.Publish(ctx, event)
}

// bindAndConsume binds every recorded subscription on the current channel.
// Failures are logged per subscription; the health loop retries by
// reconnecting.
func (b *Bus) bindAndConsume() {
	b.mu.Lock()
	subs := make([]subscription, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()
	for _, s := range subs {
		if err := b.initialize(s); err != nil {
			b.logger.Error("bind subscription failed",
				"queue", s.event.Queue, "routing_key", s.event.RoutingKey, "error", err)
		}
	}
}

// initialize declares, binds and starts consuming one subscription.
// Multi subscribers get an exclusive broker-named queue without acks; the
// rest share the event's named auto-delete queue with per-delivery acks
// fanned out through the handler table.
func (b *Bus) initialize(s subscription) error {
	b.mu.Lock()
	channel := b.channel
	b.mu.Unlock()
	if channel == nil {
		return fmt.Errorf("bind %s: not connected", s.event.Queue)
	}

	if s.multi {
		q, err := channel.QueueDeclare("", false, false, true, false, nil)
		if err != nil {
			return fmt.Errorf("declare exclusive queue: %w", err)
		}
		if err := channel.QueueBind(q.Name, s.event.RoutingKey, s.event.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q.Name, err)
		}
		deliveries, err := channel.Consume(q.Name, "", true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume queue %s: %w", q.Name, err)
		}
		b.logger.Info("multi message queue", "queue", q.Name, "routing_key", s.event.RoutingKey)
		go b.consumeDirect(deliveries, s.handler)
		return nil
	}

	if _, err := channel.QueueDeclare(s.event.Queue, false, true, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", s.event.Queue, err)
	}
	if err := channel.QueueBind(s.event.Queue, s.event.RoutingKey, s.event.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", s.event.Queue, err)
	}
	prefetch := s.event.Prefetch
	if prefetch < 1 {
		prefetch = 1
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos on %s: %w", s.event.Queue, err)
	}
	deliveries, err := channel.Consume(s.event.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue %s: %w", s.event.Queue, err)
	}
	b.logger.Info("message queue", "queue", s.event.Queue, "routing_key", s.event.RoutingKey)
	b.addHandler(s.event, s.handler)
	go b.consumeAck(deliveries)
	return nil
}

func handlerKey(exchange, routingKey string) string {
	return exchange + ":" + routingKey
}

func (b *Bus) addHandler(event *Event, handler HandlerFunc) {
	key := handlerKey(event.Exchange, event.RoutingKey)
	b.mu.Lock()
	b.handlers[key] = append(b.handlers[key], handler)
	b.mu.Unlock()
}

// consumeAck drains one explicit-ack consumer, dispatching each delivery
// through the handler table. The range ends when the channel dies.
func (b *Bus) consumeAck(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		b.dispatch(d)
	}
}

// dispatch decodes a delivery, runs every handler registered for its
// exchange and routing key, and always acks, even when decoding fails: a
// poison message must not wedge the queue.
func (b *Bus) dispatch(d amqp.Delivery) {
	defer func() {
		if err := d.Ack(false); err != nil {
			b.logger.Error("ack failed", "exchange", d.Exchange, "routing_key", d.RoutingKey, "error", err)
		}
	}()

	event := &Event{Exchange: d.Exchange, RoutingKey: d.RoutingKey}
	if err := event.Loads(d.Body); err != nil {
		b.logger.Error("event decode failed", "exchange", d.Exchange, "routing_key", d.RoutingKey, "error", err)
		return
	}

	key := handlerKey(d.Exchange, d.RoutingKey)
	b.mu.Lock()
	handlers := make([]HandlerFunc, len(b.handlers[key]))
	copy(handlers, b.handlers[key])
	b.mu.Unlock()
	if len(handlers) == 0 {
		b.logger.Error("no handler for event", "key", key, "name", event.Name)
		return
	}
	for _, h := range handlers {
		b.invoke(h, event)
	}
	metrics.BusConsumed.WithLabelValues(d.Exchange).Inc()
}

// consumeDirect drains one no-ack consumer, feeding the subscriber
// directly without the handler table.
func (b *Bus) consumeDirect(deliveries <-chan amqp.Delivery, handler HandlerFunc) {
	for d := range deliveries {
		event := &Event{Exchange: d.Exchange, RoutingKey: d.RoutingKey}
		if err := event.Loads(d.Body); err != nil {
			b.logger.Error("event decode failed", "exchange", d.Exchange, "routing_key", d.RoutingKey, "error", err)
			continue
		}
		b.invoke(handler, event)
		metrics.BusConsumed.WithLabelValues(d.Exchange).Inc()
	}
}

// invoke shields the consumer goroutine from a panicking handler.
func (b *Bus) invoke(h HandlerFunc, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panic", "event", event.Name, "routing_key", event.RoutingKey, "panic", r)
		}
	}()
	h(event)
}

// checkConnection runs on the scheduler every few seconds. A dead channel
// clears the live handler table and kicks off a reconnect; the recorded
// subscriptions are rebound once the new channel is up.
func (b *Bus) checkConnection(ctx context.Context, taskID string, count uint64) {
	b.mu.Lock()
	alive := b.connected && b.channel != nil && !b.channel.IsClosed()
	if alive {
		b.mu.Unlock()
		return
	}
	conn := b.conn
	b.conn = nil
	b.channel = nil
	b.connected = false
	b.handlers = make(map[string][]HandlerFunc)
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	metrics.RecordBusConnected(false)
	b.logger.Error("rabbitmq connection lost, reconnecting")
	go b.Connect(true)
}
