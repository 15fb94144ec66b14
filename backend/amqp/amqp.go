// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package amqp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheThingsNetwork/serial-gateway-bridge/session"
	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
	"github.com/apex/log"
	"github.com/streadway/amqp"
)

// BufferSize is the number of telemetry payloads that are kept while the broker is unavailable
var BufferSize = 64

// TelemetryRoutingKeyFormat is the routing key of mirrored telemetry: device ID and subfolder
var TelemetryRoutingKeyFormat = "%s.%s"

// DefaultBackoff keeps reconnecting to the broker until the mirror is disconnected
var DefaultBackoff = session.Backoff{
	MinInterval: time.Second,
	MaxInterval: 32 * time.Second,
}

// Errors
var (
	ErrNoAddress    = errors.New("amqp: no broker address")
	ErrNotConnected = errors.New("amqp: not connected")
	ErrBufferFull   = errors.New("amqp: buffer full")
)

// Config contains configuration for AMQP
type Config struct {
	Address      string
	Username     string
	Password     string
	VHost        string
	ExchangeName string
	TLSConfig    *tls.Config

	// Backoff between connection attempts. Defaults to DefaultBackoff.
	Backoff session.Backoff
}

func (c Config) url() string {
	u := url.URL{Scheme: "amqp", Host: c.Address, Path: "/" + c.VHost}
	if c.TLSConfig != nil {
		u.Scheme = "amqps"
	}
	switch {
	case c.Username != "" && c.Password != "":
		u.User = url.UserPassword(c.Username, c.Password)
	case c.Username != "":
		u.User = url.User(c.Username)
	}
	return u.String()
}

type telemetry struct {
	routingKey string
	deviceID   string
	kind       string
	timestamp  time.Time
	payload    []byte
}

// AMQP mirrors telemetry to a topic exchange
type AMQP struct {
	config Config
	ctx    log.Interface
	queue  chan telemetry

	runCtx  context.Context
	cancel  context.CancelFunc
	started atomic.Bool
	done    chan struct{}

	mu   sync.Mutex
	conn *amqp.Connection
}

// New returns a new AMQP mirror. Call Connect to start mirroring.
func New(config Config, ctx log.Interface) (*AMQP, error) {
	if config.Address == "" {
		return nil, ErrNoAddress
	}
	if config.ExchangeName == "" {
		config.ExchangeName = "amq.topic"
	}
	if config.Backoff == (session.Backoff{}) {
		config.Backoff = DefaultBackoff
	}
	c := &AMQP{
		config: config,
		ctx:    ctx.WithField("Connector", "AMQP").WithField("Exchange", config.ExchangeName),
		queue:  make(chan telemetry, BufferSize),
		done:   make(chan struct{}),
	}
	c.runCtx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Connect to the broker in the background. The mirror reconnects until Disconnect is called.
func (c *AMQP) Connect() {
	if c.started.Swap(true) {
		return
	}
	go c.run()
}

// IsConnected returns true if there is a connection to the broker
func (c *AMQP) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Disconnect from the broker. Telemetry that was not yet published is dropped.
func (c *AMQP) Disconnect() {
	if c == nil {
		return
	}
	c.cancel()
	if c.started.Load() {
		<-c.done
	}
}

func (c *AMQP) run() {
	defer close(c.done)
	for {
		var channel *amqp.Channel
		err := c.config.Backoff.Retry(c.runCtx, c.ctx, func(context.Context) (err error) {
			channel, err = c.dial()
			return err
		})
		if err != nil {
			if c.runCtx.Err() == nil {
				c.ctx.WithError(err).Error("Could not connect, not mirroring telemetry")
			}
			return
		}
		c.ctx.Info("Connected")

		err = c.forward(channel)

		c.mu.Lock()
		c.conn.Close()
		c.conn = nil
		c.mu.Unlock()

		if c.runCtx.Err() != nil {
			c.ctx.Info("Disconnected")
			return
		}
		c.ctx.WithError(err).Warn("Connection lost, reconnecting")
	}
}

func (c *AMQP) dial() (*amqp.Channel, error) {
	var conn *amqp.Connection
	var err error
	if c.config.TLSConfig != nil {
		conn, err = amqp.DialTLS(c.config.url(), c.config.TLSConfig)
	} else {
		conn, err = amqp.Dial(c.config.url())
	}
	if err != nil {
		return nil, err
	}
	channel, err := c.declareExchange(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return channel, nil
}

// declareExchange returns a channel on which the topic exchange exists
func (c *AMQP) declareExchange(conn *amqp.Connection) (*amqp.Channel, error) {
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err = channel.ExchangeDeclarePassive(c.config.ExchangeName, "topic", true, false, false, false, nil); err == nil {
		return channel, nil
	}
	c.ctx.WithError(err).Warn("Exchange does not exist, declaring it")

	// A failed passive declare closes the channel
	if channel, err = conn.Channel(); err != nil {
		return nil, err
	}
	if err = channel.ExchangeDeclare(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		return nil, err
	}
	return channel, nil
}

// forward publishes queued telemetry on the channel until it closes or the mirror is disconnected
func (c *AMQP) forward(channel *amqp.Channel) error {
	defer channel.Close()
	closed := channel.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-c.runCtx.Done():
			return nil
		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return ErrNotConnected
			}
			return amqpErr
		case msg := <-c.queue:
			ctx := c.ctx.WithField("RoutingKey", msg.routingKey)
			err := channel.Publish(c.config.ExchangeName, msg.routingKey, false, false, amqp.Publishing{
				Headers:     amqp.Table{"device_id": msg.deviceID},
				ContentType: "application/json",
				Timestamp:   msg.timestamp,
				Type:        msg.kind,
				Body:        msg.payload,
			})
			if err != nil {
				ctx.WithError(err).Warn("Could not publish telemetry")
				continue
			}
			ctx.Debug("Mirrored telemetry")
		}
	}
}

// RoutingKey returns the routing key that telemetry of the frame is mirrored to
func RoutingKey(frame *types.SensorFrame) string {
	subfolder := frame.Subfolder
	if subfolder == "" {
		subfolder = "events"
	}
	return fmt.Sprintf(TelemetryRoutingKeyFormat, escape(frame.DeviceID), escape(subfolder))
}

// AMQP topic exchanges split routing keys on dots
func escape(s string) string {
	return strings.Replace(s, ".", "_", -1)
}

// PublishTelemetry queues a telemetry payload to be mirrored. Payloads are dropped when the buffer is full.
func (c *AMQP) PublishTelemetry(frame *types.SensorFrame, payload []byte) error {
	msg := telemetry{
		routingKey: RoutingKey(frame),
		deviceID:   frame.DeviceID,
		kind:       frame.Kind.String(),
		timestamp:  frame.Timestamp,
		payload:    payload,
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

// Subscribe binds a temporary queue to the routing key and returns the payloads that are delivered to it.
// Wildcards ("*" and "#") can be used to receive telemetry of all devices.
func (c *AMQP) Subscribe(routingKey string) (<-chan []byte, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	channel, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	queue, err := channel.QueueDeclare("", false, true, true, false, nil)
	if err == nil {
		err = channel.QueueBind(queue.Name, routingKey, c.config.ExchangeName, false, nil)
	}
	var deliveries <-chan amqp.Delivery
	if err == nil {
		deliveries, err = channel.Consume(queue.Name, "", true, true, false, false, nil)
	}
	if err != nil {
		channel.Close()
		return nil, err
	}
	payloads := make(chan []byte, BufferSize)
	go func() {
		defer channel.Close()
		defer close(payloads)
		for delivery := range deliveries {
			payloads <- delivery.Body
		}
	}()
	return payloads, nil
}
