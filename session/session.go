// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package session owns the single authenticated connection of the gateway to
// the broker. It issues tokens, connects, reconnects with backoff and keeps
// track of the operations that are waiting for an acknowledgement.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/TheThingsNetwork/serial-gateway-bridge/auth"
	"github.com/TheThingsNetwork/serial-gateway-bridge/backend"
	"github.com/apex/log"
)

// Errors returned by the Manager
var (
	ErrNotConnected    = errors.New("session: not connected")
	ErrTokenExpired    = errors.New("session: token expired")
	ErrConnectTimeout  = errors.New("session: connect timed out")
	ErrClosed          = errors.New("session: closed")
	ErrNotAcknowledged = errors.New("session: publish not acknowledged")
)

// Config contains the configuration of the Manager
type Config struct {
	// SafetyMargin before the token expiry at which the token is renewed
	SafetyMargin time.Duration

	// AckTimeout is the time to wait for the acknowledgement of a publish
	AckTimeout time.Duration

	// ConnectTimeout is the time to wait for a connect or subscribe acknowledgement
	ConnectTimeout time.Duration

	// MaxPublishRetries is the number of times a QoS 1 publish is sent again after a timeout.
	// Zero means DefaultMaxPublishRetries, a negative value disables retries.
	MaxPublishRetries int

	Backoff Backoff

	// Now is used as clock. Defaults to time.Now
	Now func() time.Time
}

// Defaults
var (
	DefaultAckTimeout        = 10 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultMaxPublishRetries = 1
)

// Manager manages the session with the broker
type Manager struct {
	ctx    log.Interface
	broker backend.Broker
	issuer auth.Issuer
	config Config

	runCtx context.Context
	cancel context.CancelFunc

	connectMu sync.Mutex

	mu           sync.Mutex
	state        *State
	token        *auth.Token
	lastID       uint16
	forceRenew   bool
	reconnecting bool
	closing      bool
	onMessage    backend.MessageHandler
	onConnect    []func()

	// lost is closed when the connection is lost
	lost chan struct{}
}

// New returns a new Manager for the broker
func New(config Config, broker backend.Broker, issuer auth.Issuer, ctx log.Interface) *Manager {
	if config.AckTimeout == 0 {
		config.AckTimeout = DefaultAckTimeout
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	switch {
	case config.MaxPublishRetries == 0:
		config.MaxPublishRetries = DefaultMaxPublishRetries
	case config.MaxPublishRetries < 0:
		config.MaxPublishRetries = 0
	}
	if config.Backoff == (Backoff{}) {
		config.Backoff = DefaultBackoff
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	m := &Manager{
		ctx:    ctx.WithField("Component", "Session"),
		broker: broker,
		issuer: issuer,
		config: config,
		state:  NewState(config.MaxPublishRetries),
		lost:   make(chan struct{}),
	}
	m.runCtx, m.cancel = context.WithCancel(context.Background())
	broker.SetHandlers(backend.Handlers{
		OnConnect: func() {
			if broker.IsConnected() {
				m.handleEvent(Event{Type: EventConnectAck})
			}
		},
		OnConnectionLost: func(err error) {
			m.handleEvent(Event{Type: EventConnectionLost, Err: err})
		},
	})
	return m
}

// OnMessage sets the handler for messages on subscribed topics
func (m *Manager) OnMessage(handler backend.MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMessage = handler
}

// OnConnect adds a function that is called after every (re)connect, once subscriptions are restored
func (m *Manager) OnConnect(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnect = append(m.onConnect, f)
}

// Status returns the connection status
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status
}

// IsConnected returns true if the connection was acknowledged and not lost since
func (m *Manager) IsConnected() bool {
	return m.Status() == Connected
}

// Token returns the current token
func (m *Manager) Token() *auth.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// TokenValid returns true if the current token is valid for at least the safety margin
func (m *Manager) TokenValid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issuer.IsValid(m.token, m.config.Now(), m.config.SafetyMargin)
}

// validToken returns the current token, or a new one if it is (almost) expired or was refused.
func (m *Manager) validToken() (*auth.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.config.Now()
	if !m.forceRenew && m.issuer.IsValid(m.token, now, m.config.SafetyMargin) {
		return m.token, nil
	}
	token, err := m.issuer.IssueToken(now)
	if err != nil {
		return nil, fmt.Errorf("session: could not issue token: %w", err)
	}
	m.token = token
	m.forceRenew = false
	tokenCounter.Inc()
	m.ctx.WithField("ExpiresAt", token.ExpiresAt).Info("Issued new token")
	return token, nil
}

// Connect to the broker and wait for the acknowledgement
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	closing, status := m.closing, m.state.Status
	m.mu.Unlock()
	if closing {
		return ErrClosed
	}
	if status == Connected && m.broker.IsConnected() {
		return nil
	}

	token, err := m.validToken()
	if err != nil {
		connectCounter.WithLabelValues("token_error").Inc()
		return err
	}

	m.handleEvent(Event{Type: EventConnecting})
	m.ctx.Debug("Connecting")

	connectToken := m.broker.Connect(token.Raw)
	if err := wait(ctx, connectToken, m.config.ConnectTimeout); err != nil {
		m.broker.Disconnect()
		m.handleEvent(Event{Type: EventConnectFailed, Err: err})
		connectCounter.WithLabelValues("timeout").Inc()
		return err
	}
	if err := connectToken.Error(); err != nil {
		if errors.Is(err, backend.ErrNotAuthorized) {
			m.mu.Lock()
			m.forceRenew = true
			m.mu.Unlock()
			m.ctx.WithError(err).Warn("Broker refused token, renewing before next attempt")
			connectCounter.WithLabelValues("not_authorized").Inc()
		} else {
			connectCounter.WithLabelValues("error").Inc()
		}
		m.handleEvent(Event{Type: EventConnectFailed, Err: err})
		return fmt.Errorf("session: could not connect: %w", err)
	}

	connectCounter.WithLabelValues("ok").Inc()
	m.handleEvent(Event{Type: EventConnectAck})
	return nil
}

func wait(ctx context.Context, token backend.Token, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if token.WaitTimeout(100 * time.Millisecond) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return ErrConnectTimeout
		}
	}
}

// EnsureConnected starts reconnecting in the background if the session is
// disconnected and no reconnect is in progress.
func (m *Manager) EnsureConnected() {
	if m.Status() == Disconnected {
		m.scheduleReconnect(false)
	}
}

// Renew disconnects and connects again with a new token
func (m *Manager) Renew(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return ErrClosed
	}
	m.forceRenew = true
	m.mu.Unlock()
	m.ctx.Info("Renewing token")
	m.broker.Disconnect()
	m.handleEvent(Event{Type: EventDisconnect})
	if err := m.connect(ctx); err != nil {
		m.scheduleReconnect(false)
		return err
	}
	return nil
}

// scheduleReconnect reconnects in a new goroutine. At most one such goroutine runs at a time.
func (m *Manager) scheduleReconnect(renew bool) {
	m.mu.Lock()
	if m.reconnecting || m.closing {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.reconnecting = false
			m.mu.Unlock()
		}()
		if renew {
			if err := m.Renew(m.runCtx); err == nil {
				return
			}
		}
		err := m.config.Backoff.Retry(m.runCtx, m.ctx, m.Connect)
		if err != nil && !errors.Is(err, context.Canceled) {
			m.ctx.WithError(err).Error("Could not reconnect")
		}
	}()
}

func (m *Manager) nextID() uint16 {
	for {
		m.lastID++
		if m.lastID != 0 && !m.state.InUse(m.lastID) {
			return m.lastID
		}
	}
}

// checkSendable must be called with the lock held
func (m *Manager) checkSendable() error {
	if m.state.Status != Connected {
		return ErrNotConnected
	}
	if !m.issuer.IsValid(m.token, m.config.Now(), m.config.SafetyMargin) {
		return ErrTokenExpired
	}
	return nil
}

// Publish a payload to a topic. The returned message ID identifies the publish in the pending operations.
func (m *Manager) Publish(topic string, payload []byte, qos byte) (uint16, error) {
	return m.PublishDevice("", topic, payload, qos)
}

// PublishDevice publishes a payload to a topic on behalf of a device
func (m *Manager) PublishDevice(deviceID, topic string, payload []byte, qos byte) (uint16, error) {
	return m.publish(&PendingPublish{
		DeviceID: deviceID,
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
	})
}

// PublishWait publishes and waits until the publish is acknowledged, possibly after
// being sent again, or dropped. It returns ErrNotConnected when the connection is lost
// while waiting. A QoS 1 publish is then still sent again after the next connect.
func (m *Manager) PublishWait(ctx context.Context, deviceID, topic string, payload []byte, qos byte) error {
	m.mu.Lock()
	lost := m.lost
	m.mu.Unlock()
	done := make(chan error, 1)
	_, err := m.publish(&PendingPublish{
		DeviceID: deviceID,
		Topic:    topic,
		Payload:  payload,
		QoS:      qos,
		done:     done,
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-lost:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) publish(p *PendingPublish) (uint16, error) {
	m.mu.Lock()
	if err := m.checkSendable(); err != nil {
		m.mu.Unlock()
		if err == ErrTokenExpired {
			m.scheduleReconnect(true)
		}
		return 0, err
	}
	id := m.nextID()
	m.state.Apply(Event{Type: EventPublishSent, MessageID: id, Publish: p})
	registerState(m.state)
	m.mu.Unlock()

	token := m.broker.Publish(p.Topic, p.QoS, p.Payload)
	publishCounter.WithLabelValues(strconv.Itoa(int(p.QoS))).Inc()
	m.ctx.WithFields(log.Fields{
		"MessageID": id,
		"Topic":     p.Topic,
		"QoS":       p.QoS,
	}).Debug("Published")

	go func() {
		if !token.WaitTimeout(m.config.AckTimeout) {
			m.handleEvent(Event{Type: EventAckTimeout, MessageID: id})
			return
		}
		m.handleEvent(Event{Type: EventPublishAck, MessageID: id, Err: token.Error()})
	}()
	return id, nil
}

// Subscribe to a topic. The subscription is restored after every reconnect.
func (m *Manager) Subscribe(topic string, qos byte) (uint16, error) {
	m.mu.Lock()
	if err := m.checkSendable(); err != nil {
		m.mu.Unlock()
		if err == ErrTokenExpired {
			m.scheduleReconnect(true)
		}
		return 0, err
	}
	id := m.nextID()
	m.state.Apply(Event{Type: EventSubscribeSent, MessageID: id, Topic: topic, QoS: qos})
	registerState(m.state)
	m.mu.Unlock()

	token := m.broker.Subscribe(topic, qos, func(topic string, payload []byte) {
		m.handleEvent(Event{Type: EventMessage, Topic: topic, Payload: payload})
	})
	m.ctx.WithFields(log.Fields{
		"MessageID": id,
		"Topic":     topic,
	}).Debug("Subscribing")

	go func() {
		if !token.WaitTimeout(m.config.ConnectTimeout) {
			m.handleEvent(Event{Type: EventAckTimeout, MessageID: id})
			return
		}
		m.handleEvent(Event{Type: EventSubscribeAck, MessageID: id, Err: token.Error()})
	}()
	return id, nil
}

// Subscribed returns true if the topic is subscribed or being subscribed. These
// subscriptions are restored after every reconnect.
func (m *Manager) Subscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.Subscriptions[topic]; ok {
		return true
	}
	for _, sub := range m.state.PendingSubscribes {
		if sub.Topic == topic {
			return true
		}
	}
	return false
}

// Disconnect from the broker and stop reconnecting. Pending publishes are not flushed.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.cancel()
	m.broker.Disconnect()
	m.handleEvent(Event{Type: EventDisconnect})
	m.ctx.Info("Disconnected")
}

// handleEvent applies the event to the state and carries out the resulting effect.
// It is called from broker callbacks, so it must never block.
func (m *Manager) handleEvent(evt Event) Result {
	m.mu.Lock()
	res := m.state.Apply(evt)
	registerState(m.state)
	if res.Effect == EffectReconnect || evt.Type == EventDisconnect {
		close(m.lost)
		m.lost = make(chan struct{})
	}
	closing := m.closing
	onMessage := m.onMessage
	m.mu.Unlock()

	ctx := m.ctx.WithField("Event", evt.Type.String())
	if evt.MessageID != 0 {
		ctx = ctx.WithField("MessageID", evt.MessageID)
	}
	if res.Topic != "" {
		ctx = ctx.WithField("Topic", res.Topic)
	}

	switch res.Effect {
	case EffectReconnect:
		ctx.WithError(evt.Err).Warn("Connection lost")
		if !closing {
			m.scheduleReconnect(false)
		}
	case EffectConnected:
		ctx.Info("Connected")
		if !closing {
			go m.restore(res)
		}
	case EffectCompleted:
		ackCounter.WithLabelValues("ok").Inc()
		ctx.Debug("Acknowledged")
		if res.Publish != nil {
			res.Publish.complete(nil)
		}
	case EffectRepublish:
		ackCounter.WithLabelValues("retried").Inc()
		ctx.WithError(evt.Err).WithField("Retries", res.Publish.Retries).Warn("Publish not acknowledged, publishing again")
		if _, err := m.publish(res.Publish); err != nil {
			ctx.WithError(err).Warn("Could not publish again")
			res.Publish.complete(err)
		}
	case EffectDropped:
		ackCounter.WithLabelValues("dropped").Inc()
		ctx.WithError(evt.Err).Warn("Operation not acknowledged, dropping")
		if res.Publish != nil {
			res.Publish.complete(ErrNotAcknowledged)
		}
	case EffectUnknownAck:
		ackCounter.WithLabelValues("unknown").Inc()
		ctx.Warn("Acknowledgement for unknown message")
	case EffectDeliver:
		if onMessage != nil {
			onMessage(evt.Topic, evt.Payload)
		}
	case EffectUnsolicited:
		ctx.Warn("Received message on topic without subscription")
	}
	return res
}

// restore subscriptions and unacknowledged QoS 1 publishes after a connect, then
// call the OnConnect functions.
func (m *Manager) restore(res Result) {
	topics := make([]string, 0, len(res.Restore))
	for topic := range res.Restore {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		if _, err := m.Subscribe(topic, res.Restore[topic]); err != nil {
			m.ctx.WithError(err).WithField("Topic", topic).Warn("Could not restore subscription")
		}
	}
	for _, p := range res.Resend {
		if _, err := m.publish(p); err != nil {
			m.ctx.WithError(err).WithField("Topic", p.Topic).Warn("Could not resend publish")
			p.complete(err)
		}
	}
	m.mu.Lock()
	onConnect := append([]func(){}, m.onConnect...)
	m.mu.Unlock()
	for _, f := range onConnect {
		f()
	}
}

// Snapshot of the session for the status server
type Snapshot struct {
	Status            string    `json:"status"`
	Reconnecting      bool      `json:"reconnecting"`
	TokenIssuedAt     time.Time `json:"token_issued_at"`
	TokenExpiresAt    time.Time `json:"token_expires_at"`
	PendingPublishes  int       `json:"pending_publishes"`
	PendingSubscribes int       `json:"pending_subscribes"`
	Subscriptions     []string  `json:"subscriptions"`
}

// Snapshot returns the current state of the session
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{
		Status:            m.state.Status.String(),
		Reconnecting:      m.reconnecting,
		PendingPublishes:  len(m.state.PendingPublishes),
		PendingSubscribes: len(m.state.PendingSubscribes),
		Subscriptions:     make([]string, 0, len(m.state.Subscriptions)),
	}
	if m.token != nil {
		s.TokenIssuedAt = m.token.IssuedAt
		s.TokenExpiresAt = m.token.ExpiresAt
	}
	for topic := range m.state.Subscriptions {
		s.Subscriptions = append(s.Subscriptions, topic)
	}
	sort.Strings(s.Subscriptions)
	return s
}
