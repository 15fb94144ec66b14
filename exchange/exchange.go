// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/TheThingsNetwork/serial-gateway-bridge/session"
	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
	"github.com/apex/log"
	"github.com/deckarep/golang-set"
)

// Session is the part of the session manager that the Exchange uses
type Session interface {
	PublishDevice(deviceID, topic string, payload []byte, qos byte) (uint16, error)
	PublishWait(ctx context.Context, deviceID, topic string, payload []byte, qos byte) error
	Subscribe(topic string, qos byte) (uint16, error)
	Subscribed(topic string) bool
}

// Mirror receives a copy of every published telemetry payload
type Mirror interface {
	PublishTelemetry(frame *types.SensorFrame, payload []byte) error
}

// ErrNotAttached is returned for telemetry of devices that are not attached
var ErrNotAttached = errors.New("exchange: device not attached")

// Owners of the events topic
const (
	EventsTopicGateway = "gateway"
	EventsTopicDevice  = "device"
)

// QoS levels
const (
	TelemetryQoS byte = 0
	CommandQoS   byte = 1
)

// Config contains the configuration of the Exchange
type Config struct {
	GatewayID string

	// EventsTopicOwner is either EventsTopicGateway (default) or EventsTopicDevice
	EventsTopicOwner string

	// ConfirmAttach makes attach wait for the acknowledgement before the device is marked attached
	ConfirmAttach  bool
	ConfirmTimeout time.Duration

	// SubscribeConfig subscribes to the config topic of every attached device
	SubscribeConfig bool
}

// DefaultConfirmTimeout is used when ConfirmAttach is set without a timeout
var DefaultConfirmTimeout = 30 * time.Second

// Exchange multiplexes the virtual devices onto the session of the gateway.
//
// - Attach commands publish to the attach topic of the device, once
// - Detach commands publish to the detach topic of the device
// - Telemetry of attached devices is published to the events topic
// - Telemetry of devices that are not attached is dropped
type Exchange struct {
	ctx     log.Interface
	session Session
	config  Config

	mu      sync.Mutex
	devices deviceState
	mirrors []Mirror
}

// New initializes a new Exchange
func New(config Config, session Session, ctx log.Interface) *Exchange {
	if config.EventsTopicOwner == "" {
		config.EventsTopicOwner = EventsTopicGateway
	}
	if config.ConfirmTimeout == 0 {
		config.ConfirmTimeout = DefaultConfirmTimeout
	}
	return &Exchange{
		ctx:     ctx.WithField("Component", "Exchange"),
		session: session,
		config:  config,
		devices: mapset.NewSet(),
	}
}

// AddMirror adds mirrors that receive all published telemetry
func (e *Exchange) AddMirror(mirror ...Mirror) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mirrors = append(e.mirrors, mirror...)
}

// Attached returns true if the device is attached
func (e *Exchange) Attached(deviceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.devices.Contains(deviceID)
}

// Devices returns the attached devices, sorted
func (e *Exchange) Devices() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	devices := make([]string, 0, e.devices.Cardinality())
	for _, device := range e.devices.ToSlice() {
		devices = append(devices, fmt.Sprint(device))
	}
	sort.Strings(devices)
	return devices
}

// EventsTopic returns the topic that telemetry of the frame is published to
func (e *Exchange) EventsTopic(frame *types.SensorFrame) string {
	if e.config.EventsTopicOwner == EventsTopicDevice {
		return session.EventsTopic(frame.DeviceID, frame.Subfolder)
	}
	return session.EventsTopic(e.config.GatewayID, frame.Subfolder)
}

// Handle a decoded frame
func (e *Exchange) Handle(frame *types.SensorFrame) error {
	ctx := e.ctx.WithFields(log.Fields{
		"Kind":     frame.Kind.String(),
		"DeviceID": frame.DeviceID,
	})
	var err error
	switch frame.Kind {
	case types.AttachCommand:
		err = e.attach(ctx, frame.DeviceID)
	case types.DetachCommand:
		err = e.detach(ctx, frame.DeviceID)
	case types.ObstructionEvent, types.WeatherEvent:
		err = e.publishTelemetry(ctx, frame)
	default:
		err = fmt.Errorf("exchange: unknown frame kind %d", frame.Kind)
	}
	if err == nil {
		registerHandled(frame.Kind)
	}
	return err
}

func (e *Exchange) attach(ctx log.Interface, deviceID string) error {
	if e.Attached(deviceID) {
		ctx.Debug("Got attach command for already-attached device")
		return nil
	}
	if err := e.publishAttach(deviceID); err != nil {
		return err
	}
	e.mu.Lock()
	e.devices.Add(deviceID)
	registerAttached(e.devices.Cardinality())
	e.mu.Unlock()
	ctx.Info("Attached device")
	if e.config.SubscribeConfig {
		if _, err := e.session.Subscribe(session.ConfigTopic(deviceID), CommandQoS); err != nil {
			ctx.WithError(err).Warn("Could not subscribe to config")
		}
	}
	return nil
}

func (e *Exchange) publishAttach(deviceID string) error {
	topic := session.AttachTopic(deviceID)
	if e.config.ConfirmAttach {
		ctx, cancel := context.WithTimeout(context.Background(), e.config.ConfirmTimeout)
		defer cancel()
		err := e.session.PublishWait(ctx, deviceID, topic, []byte{}, CommandQoS)
		if errors.Is(err, context.DeadlineExceeded) {
			return session.ErrNotAcknowledged
		}
		return err
	}
	_, err := e.session.PublishDevice(deviceID, topic, []byte{}, CommandQoS)
	return err
}

func (e *Exchange) detach(ctx log.Interface, deviceID string) error {
	if !e.Attached(deviceID) {
		ctx.Debug("Got detach command for not-attached device")
	}
	if _, err := e.session.PublishDevice(deviceID, session.DetachTopic(deviceID), []byte{}, CommandQoS); err != nil {
		return err
	}
	e.mu.Lock()
	e.devices.Remove(deviceID)
	registerAttached(e.devices.Cardinality())
	e.mu.Unlock()
	ctx.Info("Detached device")
	return nil
}

func (e *Exchange) publishTelemetry(ctx log.Interface, frame *types.SensorFrame) error {
	if !e.Attached(frame.DeviceID) {
		registerDropped(frame.Kind)
		ctx.Warn("Dropping telemetry of not-attached device")
		return ErrNotAttached
	}
	if frame.Kind == types.WeatherEvent && !frame.Weather.WaterLevel.Valid() {
		ctx.WithField("WaterLevel", int(frame.Weather.WaterLevel)).Warn("Unknown water level, treating as undefined")
	}
	payload, err := frame.Payload()
	if err != nil {
		return err
	}
	topic := e.EventsTopic(frame)
	if _, err := e.session.PublishDevice(frame.DeviceID, topic, payload, TelemetryQoS); err != nil {
		return err
	}
	ctx.WithField("Topic", topic).Debug("Published telemetry")

	e.mu.Lock()
	mirrors := e.mirrors
	e.mu.Unlock()
	for _, mirror := range mirrors {
		if err := mirror.PublishTelemetry(frame, payload); err != nil {
			ctx.WithField("Mirror", fmt.Sprintf("%T", mirror)).WithError(err).Warn("Could not mirror telemetry")
		}
	}
	return nil
}

// Reattach publishes attach messages for all attached devices. The registry forgets
// attachments when the gateway disconnects, so this is called after every connect.
func (e *Exchange) Reattach() {
	for _, deviceID := range e.Devices() {
		ctx := e.ctx.WithField("DeviceID", deviceID)
		if _, err := e.session.PublishDevice(deviceID, session.AttachTopic(deviceID), []byte{}, CommandQoS); err != nil {
			ctx.WithError(err).Warn("Could not reattach device")
			continue
		}
		if topic := session.ConfigTopic(deviceID); e.config.SubscribeConfig && !e.session.Subscribed(topic) {
			if _, err := e.session.Subscribe(topic, CommandQoS); err != nil {
				ctx.WithError(err).Warn("Could not subscribe to config")
			}
		}
		ctx.Debug("Reattached device")
	}
}
