// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	redis "gopkg.in/redis.v5"

	"github.com/TheThingsNetwork/go-utils/log"
	"github.com/TheThingsNetwork/go-utils/rate"
	"github.com/TheThingsNetwork/serial-gateway-bridge/middleware"
	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
)

// Limits per minute
type Limits struct {
	Telemetry int
	Commands  int
}

// NewRateLimit returns a middleware that rate-limits telemetry and commands per device
func NewRateLimit(conf Limits) *RateLimit {
	return &RateLimit{
		log:     log.Get(),
		limits:  conf,
		devices: make(map[string]*limits),
	}
}

// NewRedisRateLimit returns a middleware that rate-limits telemetry and commands per device,
// sharing the counters through Redis
func NewRedisRateLimit(client *redis.Client, conf Limits) *RateLimit {
	l := NewRateLimit(conf)
	l.client = client
	return l
}

// RateLimit telemetry and commands per device
type RateLimit struct {
	log    log.Interface
	limits Limits
	client *redis.Client

	mu      sync.Mutex
	devices map[string]*limits
}

func (l *RateLimit) newCounter(deviceID, kind string) rate.Counter {
	if l.client != nil {
		return rate.NewRedisCounter(l.client, fmt.Sprintf("ratelimit:%s:%s", deviceID, kind), time.Second, time.Minute)
	}
	return rate.NewCounter(time.Second, time.Minute)
}

func (l *RateLimit) newLimits(deviceID string) *limits {
	limits := new(limits)
	if l.limits.Telemetry != 0 {
		limits.telemetry = rate.NewLimiter(l.newCounter(deviceID, "telemetry"), time.Minute, uint64(l.limits.Telemetry))
	}
	if l.limits.Commands != 0 {
		limits.commands = rate.NewLimiter(l.newCounter(deviceID, "commands"), time.Minute, uint64(l.limits.Commands))
	}
	return limits
}

type limits struct {
	telemetry rate.Limiter
	commands  rate.Limiter
}

func (l *RateLimit) get(deviceID string) *limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limits, ok := l.devices[deviceID]; ok {
		return limits
	}
	limits := l.newLimits(deviceID)
	l.devices[deviceID] = limits
	return limits
}

// ErrRateLimited is returned if the rate limit has been reached
var ErrRateLimited = errors.New("rate limit reached")

func (l *RateLimit) check(limiter rate.Limiter, deviceID string) error {
	if limiter == nil {
		return nil
	}
	limit, err := limiter.Limit()
	if err != nil {
		return err
	}
	if limit {
		l.log.WithField("DeviceID", deviceID).Debug("Rate limit reached")
		return ErrRateLimited
	}
	return nil
}

// HandleAttach rate-limits attach commands
func (l *RateLimit) HandleAttach(ctx middleware.Context, frame *types.SensorFrame) error {
	return l.check(l.get(frame.DeviceID).commands, frame.DeviceID)
}

// HandleDetach rate-limits detach commands
func (l *RateLimit) HandleDetach(ctx middleware.Context, frame *types.SensorFrame) error {
	return l.check(l.get(frame.DeviceID).commands, frame.DeviceID)
}

// HandleTelemetry rate-limits telemetry
func (l *RateLimit) HandleTelemetry(ctx middleware.Context, frame *types.SensorFrame) error {
	return l.check(l.get(frame.DeviceID).telemetry, frame.DeviceID)
}
