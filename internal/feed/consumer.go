// Package feed keeps a subscription to the upstream SOS topic alive and hands
// every received payload to the engine.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sosnow/sosrelay/internal/metrics"
)

// Backoff is the retry policy between connection attempts.
type Backoff struct {
	Delay       time.Duration
	MaxAttempts int // consecutive failed connects before giving up; 0 = never
}

// Conn is one broker connection the consumer drives.
type Conn interface {
	Connect(ctx context.Context) error
	Subscribe(topic string, qos byte, fn func(payload []byte)) error
	// Lost delivers an error when an established connection drops.
	Lost() <-chan error
	Disconnect()
}

// Consumer supervises a Conn: connect, subscribe, wait for loss, back off,
// repeat. It holds no alert state, so reconnecting never affects active alerts.
type Consumer struct {
	conn      Conn
	topic     string
	qos       byte
	handle    func(payload []byte)
	backoff   Backoff
	logger    *slog.Logger
	connected atomic.Bool
	everUp    atomic.Bool
}

// NewConsumer creates a consumer delivering payloads from topic to handle.
func NewConsumer(conn Conn, topic string, qos byte, handle func([]byte), backoff Backoff, logger *slog.Logger) *Consumer {
	if backoff.Delay <= 0 {
		backoff.Delay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		conn:    conn,
		topic:   topic,
		qos:     qos,
		handle:  handle,
		backoff: backoff,
		logger:  logger,
	}
}

// Connected reports whether the subscription is currently live.
func (c *Consumer) Connected() bool { return c.connected.Load() }

// EverConnected reports whether the first subscription has succeeded.
func (c *Consumer) EverConnected() bool { return c.everUp.Load() }

// Run blocks until ctx is cancelled (returning nil) or the retry budget is
// exhausted.
func (c *Consumer) Run(ctx context.Context) error {
	failures := 0
	for {
		subscribed, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		// Losing a healthy subscription is not a failed attempt; the
		// budget counts consecutive failed connects or subscribes.
		if subscribed {
			failures = 0
		} else {
			failures++
			if c.backoff.MaxAttempts > 0 && failures >= c.backoff.MaxAttempts {
				return fmt.Errorf("feed: giving up after %d attempts: %w", failures, err)
			}
		}

		c.logger.Warn("feed connection unavailable, will retry",
			"topic", c.topic,
			"err", err,
			"retry_in", c.backoff.Delay,
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.backoff.Delay):
		}
	}
}

func (c *Consumer) runOnce(ctx context.Context) (subscribed bool, err error) {
	// Drop a loss notification left over from the previous connection.
	select {
	case <-c.conn.Lost():
	default:
	}

	if err := c.conn.Connect(ctx); err != nil {
		metrics.FeedConnects.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("connect: %w", err)
	}
	if err := c.conn.Subscribe(c.topic, c.qos, c.deliver); err != nil {
		metrics.FeedConnects.WithLabelValues("failed").Inc()
		c.conn.Disconnect()
		return false, fmt.Errorf("subscribe %s: %w", c.topic, err)
	}
	metrics.FeedConnects.WithLabelValues("ok").Inc()
	c.connected.Store(true)
	c.everUp.Store(true)
	c.logger.Info("feed subscribed", "topic", c.topic, "qos", c.qos)
	defer c.connected.Store(false)

	select {
	case <-ctx.Done():
		c.conn.Disconnect()
		c.logger.Info("feed disconnected", "topic", c.topic)
		return true, nil
	case err := <-c.conn.Lost():
		if err == nil {
			err = errors.New("connection lost")
		}
		return true, err
	}
}

func (c *Consumer) deliver(payload []byte) {
	c.logger.Debug("feed message", "topic", c.topic, "bytes", len(payload), "payload", truncate(payload, 512))
	c.handle(payload)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
