// Package broker connects the publisher to an MQTT broker.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/logging"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

var log = logging.Component("mqtt")

var ErrNotConnected = errors.New("mqtt client is not connected")

const (
	DefaultURL      = "tcp://localhost:1883"
	DefaultClientID = "indoor_sensors"
	DefaultQoS      = 2
)

// Options configures the MQTT client.
type Options struct {
	URL            string        `yaml:"url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// UniqueClientID appends a random suffix so several instances can share
	// a broker.
	UniqueClientID bool `yaml:"unique_client_id"`
}

// DefaultOptions returns the options used when the config is silent.
func DefaultOptions() Options {
	return Options{
		URL:            DefaultURL,
		ClientID:       DefaultClientID,
		QoS:            DefaultQoS,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// Client publishes payloads with a fixed QoS and no retain flag.
type Client struct {
	client mqtt.Client
	qos    byte
}

// New builds a client. The connection keeps retrying in the background;
// publishes issued while disconnected wait for the attempt timeout.
func New(opts Options) *Client {
	d := DefaultOptions()
	if opts.URL == "" {
		opts.URL = d.URL
	}
	if opts.ClientID == "" {
		opts.ClientID = d.ClientID
	}
	if opts.UniqueClientID {
		opts.ClientID = opts.ClientID + "-" + uuid.NewString()[:8]
	}
	if opts.QoS > 2 {
		opts.QoS = d.QoS
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = d.KeepAlive
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = d.ConnectTimeout
	}

	co := mqtt.NewClientOptions()
	co.AddBroker(opts.URL)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectRetry(true)
	co.SetConnectTimeout(opts.ConnectTimeout)
	co.SetConnectRetryInterval(5 * time.Second)
	co.SetMaxReconnectInterval(15 * time.Second)
	co.SetKeepAlive(opts.KeepAlive)
	co.SetOrderMatters(false)

	co.SetOnConnectHandler(func(mqtt.Client) {
		log.Info("Connected to broker", "url", opts.URL, "client_id", opts.ClientID)
	})
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn("Connection to broker lost", "error", err)
	})
	co.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		log.Info("Reconnecting to broker", "url", opts.URL)
	})

	return &Client{client: mqtt.NewClient(co), qos: opts.QoS}
}

// Connect starts connecting and waits for the first connection or ctx.
// When ctx ends first the client keeps retrying in the background.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to broker: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotConnected, ctx.Err())
	}
}

// Publish sends payload to topic and waits for the broker's acknowledgement
// or ctx, whichever comes first.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	token := c.client.Publish(topic, c.qos, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connected reports whether the client currently has a live connection.
func (c *Client) Connected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects, allowing quiesce for in-flight acknowledgements.
func (c *Client) Close(quiesce time.Duration) {
	c.client.Disconnect(uint(quiesce.Milliseconds()))
}
