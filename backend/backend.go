// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package backend

import (
	"errors"
	"time"
)

// Token is the handle of an asynchronous broker operation
type Token interface {
	WaitTimeout(time.Duration) bool
	Error() error
}

// MessageHandler is called for every message received on a subscription
type MessageHandler func(topic string, payload []byte)

// Handlers are the callbacks a Broker invokes from its own goroutines.
// Implementations must return quickly.
type Handlers struct {
	OnConnect        func()
	OnConnectionLost func(err error)
}

// Broker is the connection to the MQTT bridge of the device registry
type Broker interface {
	SetHandlers(Handlers)
	Connect(password string) Token
	Disconnect()
	Publish(topic string, qos byte, payload []byte) Token
	Subscribe(topic string, qos byte, handler MessageHandler) Token
	IsConnected() bool
}

// ErrNotAuthorized is returned (possibly wrapped) by Connect tokens when the broker refused the credentials
var ErrNotAuthorized = errors.New("not authorized")
