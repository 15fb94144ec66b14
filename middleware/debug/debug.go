// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package debug

import (
	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/serial-gateway-bridge/middleware"
	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
)

// New returns a middleware that debugs traffic
func New() *Debug {
	return &Debug{log: log.Get()}
}

// Debug middleware
type Debug struct {
	log log.Interface
}

func (d *Debug) fields(frame *types.SensorFrame) log.Interface {
	return d.log.WithFields(log.Fields{
		"Kind":      frame.Kind.String(),
		"NodeID":    frame.NodeID,
		"DeviceID":  frame.DeviceID,
		"Timestamp": frame.Timestamp,
	})
}

// HandleAttach debugs attach commands
func (d *Debug) HandleAttach(_ middleware.Context, frame *types.SensorFrame) error {
	d.fields(frame).Debug("Attach")
	return nil
}

// HandleDetach debugs detach commands
func (d *Debug) HandleDetach(_ middleware.Context, frame *types.SensorFrame) error {
	d.fields(frame).Debug("Detach")
	return nil
}

// HandleTelemetry debugs telemetry
func (d *Debug) HandleTelemetry(_ middleware.Context, frame *types.SensorFrame) error {
	ctx := d.fields(frame)
	switch frame.Kind {
	case types.ObstructionEvent:
		ctx = ctx.WithField("Obstruction", frame.Obstruction)
	case types.WeatherEvent:
		ctx = ctx.WithFields(log.Fields{
			"Humidity":    frame.Weather.Humidity,
			"Temperature": frame.Weather.Temperature,
			"WaterLevel":  frame.Weather.WaterLevel.String(),
		})
	}
	ctx.Debug("Telemetry")
	return nil
}
