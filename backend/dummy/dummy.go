// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package dummy implements an in-memory broker that can be used in place of the MQTT bridge
package dummy

import (
	"errors"
	"sync"
	"time"

	"github.com/TheThingsNetwork/serial-gateway-bridge/backend"
	"github.com/apex/log"
)

// BufferSize indicates the maximum number of published messages that should be buffered
var BufferSize = 32

// ErrNotConnected is returned by tokens of operations on a disconnected Dummy
var ErrNotConnected = errors.New("dummy: not connected")

// Message that was published to the Dummy
type Message struct {
	Topic   string
	QoS     byte
	Payload []byte
}

// Token is a backend.Token that completes when Complete is called
type Token struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newToken() *Token {
	return &Token{done: make(chan struct{})}
}

func completedToken(err error) *Token {
	t := newToken()
	t.Complete(err)
	return t
}

// Complete the token
func (t *Token) Complete(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// WaitTimeout implements backend.Token
func (t *Token) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

// Error implements backend.Token
func (t *Token) Error() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Dummy broker
type Dummy struct {
	mu            sync.Mutex
	ctx           log.Interface
	handlers      backend.Handlers
	connected     bool
	passwords     []string
	connectErrors []error
	holdAcks      bool
	held          []*Token
	subscriptions map[string]backend.MessageHandler
	published     chan *Message
}

// New returns a new Dummy broker
func New(ctx log.Interface) *Dummy {
	return &Dummy{
		ctx:           ctx.WithField("Connector", "Dummy"),
		subscriptions: make(map[string]backend.MessageHandler),
		published:     make(chan *Message, BufferSize),
	}
}

// SetHandlers implements backend.Broker
func (d *Dummy) SetHandlers(handlers backend.Handlers) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = handlers
}

// FailConnect makes the next connection attempts fail with the given errors, in order
func (d *Dummy) FailConnect(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectErrors = append(d.connectErrors, errs...)
}

// Connect implements backend.Broker. The OnConnect handler is called before the token completes.
func (d *Dummy) Connect(password string) backend.Token {
	d.mu.Lock()
	d.passwords = append(d.passwords, password)
	if len(d.connectErrors) > 0 {
		err := d.connectErrors[0]
		d.connectErrors = d.connectErrors[1:]
		d.mu.Unlock()
		d.ctx.WithError(err).Debug("Refused connection")
		return completedToken(err)
	}
	d.connected = true
	onConnect := d.handlers.OnConnect
	d.mu.Unlock()
	d.ctx.Debug("Connected")
	if onConnect != nil {
		onConnect()
	}
	return completedToken(nil)
}

// Passwords returns the passwords of all connection attempts
func (d *Dummy) Passwords() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.passwords...)
}

// Disconnect implements backend.Broker
func (d *Dummy) Disconnect() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.subscriptions = make(map[string]backend.MessageHandler)
	d.ctx.Debug("Disconnected")
}

// Drop the connection as if the network failed. Like a clean MQTT session, subscriptions are lost.
func (d *Dummy) Drop(err error) {
	d.mu.Lock()
	d.connected = false
	d.subscriptions = make(map[string]backend.MessageHandler)
	onConnectionLost := d.handlers.OnConnectionLost
	d.mu.Unlock()
	d.ctx.WithError(err).Debug("Dropped connection")
	if onConnectionLost != nil {
		onConnectionLost(err)
	}
}

// IsConnected implements backend.Broker
func (d *Dummy) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// HoldAcks stops acknowledging QoS 1 publishes until ReleaseAcks is called
func (d *Dummy) HoldAcks() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.holdAcks = true
}

// ReleaseAcks acknowledges all held publishes
func (d *Dummy) ReleaseAcks() {
	d.mu.Lock()
	held := d.held
	d.held = nil
	d.holdAcks = false
	d.mu.Unlock()
	for _, token := range held {
		token.Complete(nil)
	}
}

// Publish implements backend.Broker
func (d *Dummy) Publish(topic string, qos byte, payload []byte) backend.Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return completedToken(ErrNotConnected)
	}
	msg := &Message{Topic: topic, QoS: qos, Payload: payload}
	select {
	case d.published <- msg:
		d.ctx.WithField("Topic", topic).Debug("Published")
	default:
		d.ctx.WithField("Topic", topic).Debug("Did not publish [buffer full]")
	}
	if handler, ok := d.subscriptions[topic]; ok {
		go handler(topic, payload)
	}
	if qos > 0 && d.holdAcks {
		token := newToken()
		d.held = append(d.held, token)
		return token
	}
	return completedToken(nil)
}

// Published returns the channel of published messages
func (d *Dummy) Published() <-chan *Message {
	return d.published
}

// Subscribe implements backend.Broker
func (d *Dummy) Subscribe(topic string, qos byte, handler backend.MessageHandler) backend.Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return completedToken(ErrNotConnected)
	}
	d.subscriptions[topic] = handler
	d.ctx.WithField("Topic", topic).Debug("Subscribed")
	return completedToken(nil)
}

// Subscribed returns true if there is a subscription on the topic
func (d *Dummy) Subscribed(topic string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.subscriptions[topic]
	return ok
}

// Deliver a message to the subscription on the topic
func (d *Dummy) Deliver(topic string, payload []byte) bool {
	d.mu.Lock()
	handler, ok := d.subscriptions[topic]
	d.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
	return ok
}
