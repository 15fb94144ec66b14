// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package deduplicate

import (
	"errors"
	"sync"
	"time"

	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/serial-gateway-bridge/middleware"
	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
)

// NewDeduplicate returns a middleware that drops telemetry that is identical to the
// previous telemetry of the same device and arrives within the window
func NewDeduplicate(window time.Duration) *Deduplicate {
	return &Deduplicate{
		log:        log.Get(),
		window:     window,
		lastFrames: make(map[string]*types.SensorFrame),
	}
}

// Deduplicate middleware
type Deduplicate struct {
	log        log.Interface
	window     time.Duration
	mu         sync.RWMutex
	lastFrames map[string]*types.SensorFrame
}

// HandleDetach cleans up
func (d *Deduplicate) HandleDetach(_ middleware.Context, frame *types.SensorFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastFrames, frame.DeviceID)
	return nil
}

// ErrDuplicateFrame is returned when the same reading is received multiple times
var ErrDuplicateFrame = errors.New("deduplicate: already handled this reading")

func sameReading(a, b *types.SensorFrame) bool {
	return a.Kind == b.Kind && a.Obstruction == b.Obstruction && a.Weather == b.Weather
}

// HandleTelemetry blocks duplicate readings
func (d *Deduplicate) HandleTelemetry(_ middleware.Context, frame *types.SensorFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.lastFrames[frame.DeviceID]; ok {
		if sameReading(frame, last) && frame.Timestamp.Sub(last.Timestamp) < d.window {
			d.log.WithField("DeviceID", frame.DeviceID).Debug("Dropping duplicate reading")
			return ErrDuplicateFrame
		}
	}
	d.lastFrames[frame.DeviceID] = frame
	return nil
}
