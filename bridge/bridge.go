// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package bridge reads frames from the serial port and forwards them to the device registry.
package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TheThingsNetwork/serial-gateway-bridge/frame"
	"github.com/TheThingsNetwork/serial-gateway-bridge/middleware"
	"github.com/TheThingsNetwork/serial-gateway-bridge/serial"
	"github.com/TheThingsNetwork/serial-gateway-bridge/session"
	"github.com/TheThingsNetwork/serial-gateway-bridge/status/statusserver"
	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
	"github.com/apex/log"
)

// Session is the part of the session manager that the bridge drives
type Session interface {
	Connect(ctx context.Context) error
	EnsureConnected()
	IsConnected() bool
	TokenValid() bool
	Renew(ctx context.Context) error
	OnConnect(func())
	Disconnect()
}

// Exchange handles decoded frames
type Exchange interface {
	Handle(frame *types.SensorFrame) error
	Reattach()
}

// Config for the Bridge
type Config struct {
	// RetryDelay is the time to wait before a frame is handled again when the session is not available,
	// and before the serial port is read again after an error
	RetryDelay time.Duration

	// TokenCheckInterval is the interval at which the token expiry is checked
	TokenCheckInterval time.Duration

	// SilenceTimeout is the time after which a warning is logged if no line was read. Zero disables it.
	SilenceTimeout time.Duration

	// MaxPendingCommands is the maximum number of attach and detach commands kept until the session reconnects
	MaxPendingCommands int

	Decoder frame.Decoder
}

// DefaultConfig for the Bridge
var DefaultConfig = Config{
	RetryDelay:         time.Second,
	TokenCheckInterval: time.Minute,
	SilenceTimeout:     5 * time.Minute,
	MaxPendingCommands: 16,
}

// Bridge is the main loop of the gateway
type Bridge struct {
	ctx      log.Interface
	config   Config
	reader   serial.LineReader
	session  Session
	exchange Exchange
	chain    middleware.Chain

	reconnected chan struct{}

	mu      sync.Mutex
	pending []*types.SensorFrame
}

// New returns a new Bridge
func New(config Config, reader serial.LineReader, sess Session, exchange Exchange, ctx log.Interface) *Bridge {
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultConfig.RetryDelay
	}
	if config.TokenCheckInterval == 0 {
		config.TokenCheckInterval = DefaultConfig.TokenCheckInterval
	}
	if config.MaxPendingCommands == 0 {
		config.MaxPendingCommands = DefaultConfig.MaxPendingCommands
	}
	b := &Bridge{
		ctx:         ctx.WithField("Component", "Bridge"),
		config:      config,
		reader:      reader,
		session:     sess,
		exchange:    exchange,
		reconnected: make(chan struct{}, 1),
	}
	sess.OnConnect(func() {
		exchange.Reattach()
		select {
		case b.reconnected <- struct{}{}:
		default:
		}
	})
	return b
}

// Use adds middleware to the bridge. Middleware is executed in the order it is added.
func (b *Bridge) Use(mw ...interface{}) {
	b.chain = append(b.chain, mw...)
}

// Pending returns the number of commands that wait for the session to reconnect
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Run the bridge until the context is done. The session is disconnected when Run returns.
func (b *Bridge) Run(ctx context.Context) error {
	defer b.session.Disconnect()

	if err := b.session.Connect(ctx); err != nil {
		b.ctx.WithError(err).Warn("Could not connect, retrying in the background")
		b.session.EnsureConnected()
	}

	tokenCheck := time.NewTicker(b.config.TokenCheckInterval)
	defer tokenCheck.Stop()

	var silence *watchdog
	if b.config.SilenceTimeout > 0 {
		silence = newWatchdog(b.config.SilenceTimeout, func() {
			b.ctx.WithField("Timeout", b.config.SilenceTimeout).Warn("No data received from serial port")
		})
		defer silence.Stop()
	}

	b.ctx.Info("Started")
	for {
		select {
		case <-ctx.Done():
			b.ctx.Info("Stopping")
			return nil
		case <-tokenCheck.C:
			b.checkSession(ctx)
		case <-b.reconnected:
			b.replay()
		default:
		}

		line, err := b.readLine(ctx)
		if err != nil {
			continue
		}
		if silence != nil && silence.Kick() {
			b.ctx.Info("Receiving data from serial port again")
		}
		b.handleLine(ctx, line)
	}
}

func (b *Bridge) readLine(ctx context.Context) ([]byte, error) {
	line, err := b.reader.ReadLine()
	if err == nil || errors.Is(err, serial.ErrTimeout) {
		return line, err
	}
	b.ctx.WithError(err).Warn("Could not read from serial port, retrying")
	if !sleep(ctx, b.config.RetryDelay) {
		return nil, ctx.Err()
	}
	line, err = b.reader.ReadLine()
	if err != nil && !errors.Is(err, serial.ErrTimeout) {
		b.ctx.WithError(err).Error("Could not read from serial port")
	}
	return line, err
}

func (b *Bridge) handleLine(ctx context.Context, line []byte) {
	frame, err := b.config.Decoder.Decode(line)
	if err != nil {
		statusserver.DecodeError()
		b.ctx.WithError(err).Warn("Could not decode line")
		return
	}
	b.handleFrame(ctx, frame)
}

func (b *Bridge) handleFrame(ctx context.Context, frame *types.SensorFrame) {
	fctx := b.ctx.WithFields(log.Fields{
		"Kind":     frame.Kind.String(),
		"DeviceID": frame.DeviceID,
	})

	if err := b.chain.Execute(middleware.NewContext(), frame); err != nil {
		statusserver.Dropped()
		fctx.WithError(err).Debug("Frame filtered by middleware")
		return
	}

	err := b.exchange.Handle(frame)
	if sessionUnavailable(err) {
		fctx.WithError(err).Debug("Session not available, retrying")
		if !sleep(ctx, b.config.RetryDelay) {
			return
		}
		err = b.exchange.Handle(frame)
	}

	switch {
	case err == nil:
		statusserver.Frame(frame.Kind)
	case sessionUnavailable(err) && !frame.Kind.IsTelemetry():
		fctx.WithError(err).Info("Keeping command until the session reconnects")
		b.enqueue(frame)
	default:
		statusserver.Dropped()
		fctx.WithError(err).Warn("Dropping frame")
	}
}

func sessionUnavailable(err error) bool {
	return errors.Is(err, session.ErrNotConnected) ||
		errors.Is(err, session.ErrTokenExpired) ||
		errors.Is(err, session.ErrNotAcknowledged)
}

func (b *Bridge) enqueue(frame *types.SensorFrame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) >= b.config.MaxPendingCommands {
		dropped := b.pending[0]
		b.pending = b.pending[1:]
		statusserver.Dropped()
		b.ctx.WithField("DeviceID", dropped.DeviceID).WithField("Kind", dropped.Kind.String()).Warn("Dropping command [queue full]")
	}
	b.pending = append(b.pending, frame)
}

// replay handles the pending commands in order, and stops at the first one that can not be handled yet
func (b *Bridge) replay() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	b.ctx.WithField("Commands", len(pending)).Info("Replaying pending commands")
	for i, frame := range pending {
		err := b.exchange.Handle(frame)
		if sessionUnavailable(err) {
			b.mu.Lock()
			b.pending = append(pending[i:], b.pending...)
			b.mu.Unlock()
			return
		}
		if err != nil {
			statusserver.Dropped()
			b.ctx.WithField("DeviceID", frame.DeviceID).WithError(err).Warn("Dropping command")
			continue
		}
		statusserver.Frame(frame.Kind)
	}
}

// checkSession renews the token before it expires, and restarts reconnecting if the session gave up
func (b *Bridge) checkSession(ctx context.Context) {
	if !b.session.IsConnected() {
		b.session.EnsureConnected()
		return
	}
	if !b.session.TokenValid() {
		b.ctx.Info("Token is about to expire")
		if err := b.session.Renew(ctx); err != nil {
			b.ctx.WithError(err).Warn("Could not renew session")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
