// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/TheThingsNetwork/serial-gateway-bridge/backend"
	"github.com/apex/log"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
)

// Username is sent to the broker; the registry ignores it and only checks the password
const Username = "unused"

// Config contains configuration for MQTT
type Config struct {
	Brokers        []string
	ClientID       string
	TLSConfig      *tls.Config
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// DefaultBroker is the MQTT bridge of the device registry
const DefaultBroker = "ssl://mqtt.googleapis.com:8883"

// Default timeouts
var (
	DefaultKeepAlive      = 60 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// TLSConfig returns a TLS 1.2 configuration that trusts the CA certificates in caFile.
// The system roots are used when caFile is empty.
func TLSConfig(caFile string) (*tls.Config, error) {
	config := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile == "" {
		return config, nil
	}
	roots, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("mqtt: could not read CA file: %w", err)
	}
	config.RootCAs = x509.NewCertPool()
	if !config.RootCAs.AppendCertsFromPEM(roots) {
		return nil, fmt.Errorf("mqtt: no certificates found in %s", caFile)
	}
	return config, nil
}

// MQTT connects to the MQTT bridge of the device registry
type MQTT struct {
	ctx    log.Interface
	client paho.Client

	mu       sync.Mutex
	password string
	handlers backend.Handlers
}

// New returns a new MQTT
func New(config Config, ctx log.Interface) *MQTT {
	mqtt := new(MQTT)

	mqtt.ctx = ctx.WithField("Connector", "MQTT")

	if config.KeepAlive == 0 {
		config.KeepAlive = DefaultKeepAlive
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}

	mqttOpts := paho.NewClientOptions()
	for _, broker := range config.Brokers {
		mqttOpts.AddBroker(broker)
	}
	if config.TLSConfig != nil {
		mqttOpts.SetTLSConfig(config.TLSConfig)
	}
	mqttOpts.SetClientID(config.ClientID)
	mqttOpts.SetCredentialsProvider(func() (string, string) {
		mqtt.mu.Lock()
		defer mqtt.mu.Unlock()
		return Username, mqtt.password
	})
	mqttOpts.SetKeepAlive(config.KeepAlive)
	mqttOpts.SetPingTimeout(10 * time.Second)
	mqttOpts.SetConnectTimeout(config.ConnectTimeout)
	mqttOpts.SetCleanSession(true)
	// Reconnecting needs a fresh token, so that is left to the session
	mqttOpts.SetAutoReconnect(false)
	mqttOpts.SetConnectRetry(false)
	mqttOpts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		mqtt.ctx.WithField("Topic", msg.Topic()).Warn("Received unhandled message on MQTT")
	})
	mqttOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		mqtt.ctx.WithError(err).Warn("Disconnected")
		if h := mqtt.getHandlers().OnConnectionLost; h != nil {
			h(err)
		}
	})
	mqttOpts.SetOnConnectHandler(func(_ paho.Client) {
		mqtt.ctx.Info("Connected")
		if h := mqtt.getHandlers().OnConnect; h != nil {
			h()
		}
	})

	mqtt.client = paho.NewClient(mqttOpts)

	return mqtt
}

func (c *MQTT) getHandlers() backend.Handlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers
}

// SetHandlers implements backend.Broker
func (c *MQTT) SetHandlers(handlers backend.Handlers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = handlers
}

// Connect implements backend.Broker. The password is used for this and any later connection attempt.
func (c *MQTT) Connect(password string) backend.Token {
	c.mu.Lock()
	c.password = password
	c.mu.Unlock()
	return connectToken{c.client.Connect()}
}

// Disconnect implements backend.Broker
func (c *MQTT) Disconnect() {
	c.client.Disconnect(250)
}

// IsConnected implements backend.Broker
func (c *MQTT) IsConnected() bool {
	return c.client.IsConnected()
}

// Publish implements backend.Broker
func (c *MQTT) Publish(topic string, qos byte, payload []byte) backend.Token {
	return c.client.Publish(topic, qos, false, payload)
}

// Subscribe implements backend.Broker
func (c *MQTT) Subscribe(topic string, qos byte, handler backend.MessageHandler) backend.Token {
	return c.client.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		if msg.Retained() {
			c.ctx.WithField("Topic", msg.Topic()).Debug("Received retained message")
		}
		handler(msg.Topic(), msg.Payload())
	})
}

// connectToken maps refused credentials to backend.ErrNotAuthorized
type connectToken struct {
	paho.Token
}

func (t connectToken) Error() error {
	err := t.Token.Error()
	if errors.Is(err, packets.ErrorRefusedNotAuthorised) || errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) {
		return fmt.Errorf("%w: %s", backend.ErrNotAuthorized, err)
	}
	return err
}
