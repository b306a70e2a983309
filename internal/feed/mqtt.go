package feed

import (
	"context"
	"fmt"
	"log/slog"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sosnow/sosrelay/internal/config"
)

// MQTTConn adapts a paho client to Conn. Paho's own reconnect logic is
// disabled; Consumer owns the retry policy.
type MQTTConn struct {
	client mqtt.Client
	lost   chan error
}

// NewMQTTConn builds a client for conf without connecting.
func NewMQTTConn(conf config.MQTTConf, logger *slog.Logger) *MQTTConn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &MQTTConn{lost: make(chan error, 1)}

	opts := mqtt.NewClientOptions().
		AddBroker(conf.Broker).
		SetClientID(conf.ClientID).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetKeepAlive(conf.KeepAlive).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	if conf.Username != "" {
		opts.SetUsername(conf.Username)
	}
	if conf.Password != "" {
		opts.SetPassword(conf.Password)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", conf.Broker, "err", err)
		select {
		case c.lost <- err:
		default:
		}
	}

	c.client = mqtt.NewClient(opts)
	return c
}

func (c *MQTTConn) Connect(ctx context.Context) error {
	return wait(ctx, c.client.Connect())
}

func (c *MQTTConn) Subscribe(topic string, qos byte, fn func([]byte)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		fn(msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (c *MQTTConn) Lost() <-chan error { return c.lost }

func (c *MQTTConn) Disconnect() {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt connect abandoned: %w", ctx.Err())
	}
}
