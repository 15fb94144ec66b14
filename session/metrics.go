// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package session

import "github.com/prometheus/client_golang/prometheus"

var connectedGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "session",
		Name:      "connected",
		Help:      "Whether the session is connected to the broker.",
	},
)

var connectCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "session",
		Name:      "connect_attempts_total",
		Help:      "Total number of connection attempts.",
	}, []string{"result"},
)

var tokenCounter = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "session",
		Name:      "tokens_issued_total",
		Help:      "Total number of issued tokens.",
	},
)

var publishCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "session",
		Name:      "publishes_total",
		Help:      "Total number of publishes.",
	}, []string{"qos"},
)

var ackCounter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "session",
		Name:      "acks_total",
		Help:      "Total number of handled acknowledgements by result.",
	}, []string{"result"},
)

var pendingGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "session",
		Name:      "pending",
		Help:      "Number of operations waiting for an acknowledgement.",
	}, []string{"operation"},
)

func registerState(state *State) {
	if state.Status == Connected {
		connectedGauge.Set(1)
	} else {
		connectedGauge.Set(0)
	}
	pendingGauge.WithLabelValues("publish").Set(float64(len(state.PendingPublishes)))
	pendingGauge.WithLabelValues("subscribe").Set(float64(len(state.PendingSubscribes)))
}

func init() {
	prometheus.MustRegister(connectedGauge)
	prometheus.MustRegister(connectCounter)
	prometheus.MustRegister(tokenCounter)
	prometheus.MustRegister(publishCounter)
	prometheus.MustRegister(ackCounter)
	prometheus.MustRegister(pendingGauge)
}
