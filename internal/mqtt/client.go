// Package mqtt publishes poll manager health to an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	logx "pollhub/pkg/logx"
)

const (
	connectTimeout    = 10 * time.Second
	keepAlive         = 60 * time.Second
	maxReconnect      = 2 * time.Minute
	disconnectQuiesce = 1000 // milliseconds
)

var ErrNotConnected = errors.New("mqtt: not connected")

// Config is the broker connection.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
	Retain   bool
}

// Publisher is the broker surface the reporter needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
	Close() error
}

// Client wraps a paho client. It reconnects on its own.
type Client struct {
	c     pahomqtt.Client
	topic string
	qos   byte
	log   logx.Logger
}

// Connect dials the broker. A broker that is down at startup is not fatal:
// paho keeps retrying and publishes fail with ErrNotConnected meanwhile.
func Connect(cfg Config, log logx.Logger) (*Client, error) {
	broker := strings.TrimSpace(cfg.Broker)
	if broker == "" {
		return nil, errors.New("mqtt: broker required")
	}
	log = log.With(logx.String("comp", "mqtt"), logx.String("broker", broker))

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "pollhub"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(maxReconnect).
		SetConnectTimeout(connectTimeout).
		SetKeepAlive(keepAlive)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	availability := cfg.Topic + "/availability"
	opts.SetWill(availability, "offline", cfg.QoS, true)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Info("mqtt connected")
		c.Publish(availability, cfg.QoS, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn("mqtt connection lost", logx.Err(err))
	})

	c := &Client{c: pahomqtt.NewClient(opts), topic: cfg.Topic, qos: cfg.QoS, log: log}
	tok := c.c.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		log.Warn("mqtt broker unreachable, retrying in background")
		return c, nil
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return c, nil
}

// Publish sends one message and waits for the broker acknowledgement or ctx.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if !c.c.IsConnectionOpen() {
		return ErrNotConnected
	}
	tok := c.c.Publish(topic, qos, retain, payload)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close publishes "offline" to the availability topic and disconnects.
func (c *Client) Close() error {
	if c == nil || c.c == nil {
		return nil
	}
	if c.c.IsConnectionOpen() {
		c.c.Publish(c.topic+"/availability", c.qos, true, "offline").WaitTimeout(time.Second)
	}
	c.c.Disconnect(disconnectQuiesce)
	return nil
}
