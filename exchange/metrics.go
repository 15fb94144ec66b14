// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package exchange

import (
	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
	"github.com/prometheus/client_golang/prometheus"
)

var attachedDevices = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "bridge",
		Name:      "attached_devices",
		Help:      "Number of attached devices.",
	},
)

var handledCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "bridge",
		Name:      "frames_handled_total",
		Help:      "Total number of frames handled.",
	}, []string{"kind"},
)

var droppedCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "bridge",
		Name:      "telemetry_dropped_total",
		Help:      "Total number of telemetry frames dropped because the device was not attached.",
	}, []string{"kind"},
)

func registerHandled(kind types.FrameKind) {
	handledCounter.WithLabelValues(kind.String()).Inc()
}

func registerDropped(kind types.FrameKind) {
	droppedCounter.WithLabelValues(kind.String()).Inc()
}

func registerAttached(n int) {
	attachedDevices.Set(float64(n))
}

func init() {
	prometheus.MustRegister(attachedDevices)
	prometheus.MustRegister(handledCounter)
	prometheus.MustRegister(droppedCounter)
}
