// Package messaging wraps the paho MQTT client with the bridge's
// connect/reconnect conventions.
package messaging

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Config describes how to reach the broker.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
}

// Client wraps a paho MQTT client with the bridge's publish/subscribe
// surface.
type Client struct {
	inner mqtt.Client
	log   *zap.Logger
}

// New dials the broker and blocks until the initial connection succeeds or
// the 10s connect-wait elapses.
func New(cfg Config, log *zap.Logger) (*Client, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = fmt.Sprintf("frigate-bridge-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetConnectTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if log != nil {
			log.Warn("mqtt connection lost", zap.Error(err))
		}
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		if log != nil {
			log.Info("mqtt reconnecting")
		}
	})

	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("messaging: timed out connecting to %s:%d", cfg.Host, cfg.Port)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("messaging: connecting to %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	return &Client{inner: c, log: log}, nil
}

// Publish sends payload on topic at the given QoS, optionally retained.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.inner.Publish(topic, qos, retained, payload)
	token.Wait()
	return token.Error()
}

// Handler receives a message delivered on a subscribed topic.
type Handler func(topic string, payload []byte)

// Subscribe registers handler for topic at the given QoS.
func (c *Client) Subscribe(topic string, qos byte, handler Handler) error {
	token := c.inner.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// work to settle.
func (c *Client) Close() {
	c.inner.Disconnect(250)
}
