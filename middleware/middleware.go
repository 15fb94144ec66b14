// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package middleware

import (
	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
)

// Context for middleware
type Context interface {
	Set(k, v interface{})
	Get(k interface{}) interface{}
}

// NewContext returns a new middleware context
func NewContext() Context {
	return &context{
		data: make(map[interface{}]interface{}),
	}
}

type context struct {
	data map[interface{}]interface{}
}

func (c *context) Set(k, v interface{}) {
	c.data[k] = v
}

func (c *context) Get(k interface{}) interface{} {
	if v, ok := c.data[k]; ok {
		return v
	}
	return nil
}

// Chain of middleware. Middleware must not modify frames.
type Chain []interface{}

// Execute the chain. A frame is dropped when a middleware returns an error.
func (c Chain) Execute(ctx Context, frame *types.SensorFrame) error {
	switch frame.Kind {
	case types.AttachCommand:
		return c.filterAttach().Execute(ctx, frame)
	case types.DetachCommand:
		return c.filterDetach().Execute(ctx, frame)
	case types.ObstructionEvent, types.WeatherEvent:
		return c.filterTelemetry().Execute(ctx, frame)
	}
	return nil
}

// Attach middleware
type Attach interface {
	HandleAttach(Context, *types.SensorFrame) error
}

type attachChain []Attach

func (c attachChain) Execute(ctx Context, frame *types.SensorFrame) error {
	for _, middleware := range c {
		err := middleware.HandleAttach(ctx, frame)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterAttach() (filtered attachChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Attach); ok {
			filtered = append(filtered, c)
		}
	}
	return
}

// Detach middleware
type Detach interface {
	HandleDetach(Context, *types.SensorFrame) error
}

type detachChain []Detach

func (c detachChain) Execute(ctx Context, frame *types.SensorFrame) error {
	for _, middleware := range c {
		err := middleware.HandleDetach(ctx, frame)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterDetach() (filtered detachChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Detach); ok {
			filtered = append(filtered, c)
		}
	}
	return
}

// Telemetry middleware
type Telemetry interface {
	HandleTelemetry(Context, *types.SensorFrame) error
}

type telemetryChain []Telemetry

func (c telemetryChain) Execute(ctx Context, frame *types.SensorFrame) error {
	for _, middleware := range c {
		err := middleware.HandleTelemetry(ctx, frame)
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Chain) filterTelemetry() (filtered telemetryChain) {
	for _, middleware := range c {
		if c, ok := middleware.(Telemetry); ok {
			filtered = append(filtered, c)
		}
	}
	return
}
