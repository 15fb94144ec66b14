// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package statusserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/TheThingsNetwork/serial-gateway-bridge/session"
	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
	"github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metrics "github.com/rcrowley/go-metrics"
)

var global = newStatusServer()

func newStatusServer() *statusServer {
	return &statusServer{
		telemetry:    metrics.NewMeter(),
		commands:     metrics.NewMeter(),
		dropped:      metrics.NewMeter(),
		decodeErrors: metrics.NewMeter(),
	}
}

type statusServer struct {
	mu         sync.RWMutex
	accessKeys []string

	telemetry    metrics.Meter
	commands     metrics.Meter
	dropped      metrics.Meter
	decodeErrors metrics.Meter
}

func (s *statusServer) AddAccessKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessKeys = append(s.accessKeys, key)
}

// AddAccessKey adds an access key for a client
func AddAccessKey(key string) {
	global.AddAccessKey(key)
}

func (s *statusServer) Frame(kind types.FrameKind) {
	if kind.IsTelemetry() {
		s.telemetry.Mark(1)
	} else {
		s.commands.Mark(1)
	}
}

// Frame registers a handled frame in the default status server
func Frame(kind types.FrameKind) {
	global.Frame(kind)
}

func (s *statusServer) Dropped() {
	s.dropped.Mark(1)
}

// Dropped registers a dropped frame in the default status server
func Dropped() {
	global.Dropped()
}

func (s *statusServer) DecodeError() {
	s.decodeErrors.Mark(1)
}

// DecodeError registers a serial line that could not be decoded in the default status server
func DecodeError() {
	global.DecodeError()
}

// Rates per second, averaged over 1, 5 and 15 minutes
type Rates struct {
	Rate1  float64 `json:"rate_1"`
	Rate5  float64 `json:"rate_5"`
	Rate15 float64 `json:"rate_15"`
}

func rates(m metrics.Meter) Rates {
	s := m.Snapshot()
	return Rates{Rate1: s.Rate1(), Rate5: s.Rate5(), Rate15: s.Rate15()}
}

// Session is the part of the session manager that is exposed in the status
type Session interface {
	Snapshot() session.Snapshot
}

// Devices lists the attached devices
type Devices interface {
	Devices() []string
}

// StatusResponse is the JSON document served on /status
type StatusResponse struct {
	Session         session.Snapshot `json:"session"`
	TokenValidFor   string           `json:"token_valid_for"`
	AttachedDevices []string         `json:"attached_devices"`
	Telemetry       Rates            `json:"telemetry"`
	Commands        Rates            `json:"commands"`
	Dropped         Rates            `json:"dropped"`
	DecodeErrors    Rates            `json:"decode_errors"`
}

func (s *statusServer) getStatus(sess Session, devices Devices, now time.Time) *StatusResponse {
	status := &StatusResponse{
		Telemetry:       rates(s.telemetry),
		Commands:        rates(s.commands),
		Dropped:         rates(s.dropped),
		DecodeErrors:    rates(s.decodeErrors),
		AttachedDevices: []string{},
	}
	if sess != nil {
		status.Session = sess.Snapshot()
		if !status.Session.TokenExpiresAt.IsZero() {
			status.TokenValidFor = status.Session.TokenExpiresAt.Sub(now).Truncate(time.Second).String()
		}
	}
	if devices != nil {
		status.AttachedDevices = devices.Devices()
	}
	return status
}

func (s *statusServer) authorized(r *http.Request) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.accessKeys) == 0 {
		return true
	}
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Key ")
	for _, allowed := range s.accessKeys {
		if key == allowed {
			return true
		}
	}
	return false
}

// keyMiddleware refuses requests without one of the access keys
func (s *statusServer) keyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			http.Error(w, "Not authenticated", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *statusServer) handleStatus(sess Session, devices Devices) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.getStatus(sess, devices, time.Now()))
	}
}

func (s *statusServer) Handler(sess Session, devices Devices) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.keyMiddleware)
		r.Get("/status", s.handleStatus(sess, devices))
	})
	return r
}

// Handler returns the HTTP handler of the default status server
func Handler(sess Session, devices Devices) http.Handler {
	return global.Handler(sess, devices)
}

// ListenAndServe serves the default status server on addr until the context is done
func ListenAndServe(ctx context.Context, addr string, sess Session, devices Devices, logger log.Interface) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(sess, devices),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	logger.WithField("Address", addr).Info("Starting status server")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
