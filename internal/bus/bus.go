// Package bus connects to the pub/sub message broker that detection
// messages arrive on, and provides the minimal Publish/Subscribe
// surface the dispatcher needs.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Config describes how to reach the broker.
type Config struct {
	Host             string
	Port             int
	Username         string
	Password         string
	KeepaliveSeconds int
}

// Bus wraps a client connection to the configured broker.
type Bus struct {
	conn   *nats.Conn
	logger *slog.Logger

	subsMu sync.Mutex
	subs   map[string]*nats.Subscription
}

// Connect dials the broker at cfg.Host:cfg.Port with the configured
// credentials. The configured keepalive interval is approximated via
// NATS's own ping interval; reconnection on disconnect is handled
// entirely by the client library, so bus disconnection is recoverable
// without intervention from callers.
func Connect(cfg Config, logger *slog.Logger) (*Bus, error) {
	url := fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.Port)

	keepalive := time.Duration(cfg.KeepaliveSeconds) * time.Second
	if keepalive <= 0 {
		keepalive = 60 * time.Second
	}

	opts := []nats.Option{
		nats.PingInterval(keepalive),
		nats.MaxPingsOutstanding(2),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
	}
	if cfg.Username != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	l := logger.With("component", "bus")

	opts = append(opts,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("disconnected from broker", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			l.Info("reconnected to broker", "url", nc.ConnectedUrl())
		}),
	)

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to broker %s: %w", url, err)
	}

	l.Info("connected to broker", "url", url)

	return &Bus{
		conn:   conn,
		logger: l,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Subscribe subscribes to topic at the broker's default (at-most-
// once, QoS-0-equivalent) delivery semantics.
func (b *Bus) Subscribe(topic string, handler func(data []byte)) error {
	sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	b.subsMu.Lock()
	b.subs[topic] = sub
	b.subsMu.Unlock()

	b.logger.Info("subscribed", "topic", topic)
	return nil
}

// Publish publishes raw bytes to topic.
func (b *Bus) Publish(topic string, data []byte) error {
	return b.conn.Publish(topic, data)
}

// Close unsubscribes everything and drains the connection.
func (b *Bus) Close() {
	b.subsMu.Lock()
	for topic, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribe failed", "topic", topic, "error", err)
		}
	}
	b.subsMu.Unlock()

	_ = b.conn.Drain()
	b.logger.Info("bus closed")
}
