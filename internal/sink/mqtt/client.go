// Package mqtt mirrors bus events onto an MQTT broker.
package mqtt

import (
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultPublishTimeout    = 5 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	defaultKeepAlive         = 60 * time.Second
	maxReconnectInterval     = 30 * time.Second
)

// ErrNotConnected is returned by Publish while the broker is unreachable
var ErrNotConnected = errors.New("mqtt: not connected")

// ClientOptions configures a broker connection
type ClientOptions struct {
	Broker   string
	ClientID string
}

// Client is a publish-only paho client that keeps reconnecting in the background
type Client struct {
	client pahomqtt.Client
	logger *logrus.Logger
}

// Dial connects to the broker. When the broker does not answer within the
// connect timeout the client is still returned and keeps retrying.
func Dial(opts ClientOptions, logger *logrus.Logger) (*Client, error) {
	if opts.Broker == "" {
		return nil, fmt.Errorf("mqtt: broker url is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	c := &Client{logger: logger}
	po := pahomqtt.NewClientOptions()
	po.AddBroker(opts.Broker)
	po.SetClientID(opts.ClientID)
	po.SetCleanSession(true)
	po.SetAutoReconnect(true)
	po.SetConnectRetry(true)
	po.SetMaxReconnectInterval(maxReconnectInterval)
	po.SetConnectTimeout(defaultConnectTimeout)
	po.SetKeepAlive(defaultKeepAlive)
	po.SetOnConnectHandler(func(_ pahomqtt.Client) {
		logger.WithField("broker", opts.Broker).Info("MQTT connected")
	})
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.WithFields(logrus.Fields{"broker": opts.Broker, "error": err}).Warn("MQTT connection lost")
	})

	c.client = pahomqtt.NewClient(po)
	token := c.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		logger.WithField("broker", opts.Broker).Warn("MQTT broker not reachable yet, retrying in background")
		return c, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.Broker, err)
	}
	return c, nil
}

// Publish sends payload with QoS 0, not retained
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("mqtt publish %s: timeout after %v", topic, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker
func (c *Client) Close() {
	c.client.Disconnect(defaultDisconnectQuiesce)
}
