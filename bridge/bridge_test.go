// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/TheThingsNetwork/serial-gateway-bridge/auth"
	"github.com/TheThingsNetwork/serial-gateway-bridge/backend/dummy"
	"github.com/TheThingsNetwork/serial-gateway-bridge/exchange"
	"github.com/TheThingsNetwork/serial-gateway-bridge/middleware"
	"github.com/TheThingsNetwork/serial-gateway-bridge/serial"
	"github.com/TheThingsNetwork/serial-gateway-bridge/session"
	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
	"github.com/apex/log"
	"github.com/apex/log/handlers/text"
	. "github.com/smartystreets/goconvey/convey"
)

type readResult struct {
	line []byte
	err  error
}

// lineReader returns the lines sent to it, or serial.ErrTimeout if there are none
type lineReader struct {
	ch chan readResult
}

func newLineReader() *lineReader {
	return &lineReader{ch: make(chan readResult, 16)}
}

func (r *lineReader) Send(lines ...string) {
	for _, line := range lines {
		r.ch <- readResult{line: []byte(line)}
	}
}

func (r *lineReader) Fail(err error) {
	r.ch <- readResult{err: err}
}

func (r *lineReader) ReadLine() ([]byte, error) {
	select {
	case res := <-r.ch:
		return res.line, res.err
	case <-time.After(5 * time.Millisecond):
		return nil, serial.ErrTimeout
	}
}

func (r *lineReader) Close() error { return nil }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeIssuer struct {
	mu     sync.Mutex
	issued int
}

func (i *fakeIssuer) IssueToken(now time.Time) (*auth.Token, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.issued++
	return &auth.Token{
		Raw:       fmt.Sprintf("token-%d", i.issued),
		IssuedAt:  now,
		ExpiresAt: now.Add(auth.DefaultLifetime),
		Audience:  "flood-control",
	}, nil
}

func (i *fakeIssuer) IsValid(token *auth.Token, now time.Time, safetyMargin time.Duration) bool {
	return token.ValidAt(now, safetyMargin)
}

type dropTelemetry struct{}

var errDropped = errors.New("dropped")

func (dropTelemetry) HandleTelemetry(_ middleware.Context, _ *types.SensorFrame) error {
	return errDropped
}

func eventually(condition func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

func receive(d *dummy.Dummy, n int) (msgs []*dummy.Message) {
	timeout := time.After(2 * time.Second)
	for len(msgs) < n {
		select {
		case msg := <-d.Published():
			msgs = append(msgs, msg)
		case <-timeout:
			return
		}
	}
	return
}

func drain(d *dummy.Dummy) (msgs []*dummy.Message) {
	for {
		select {
		case msg := <-d.Published():
			msgs = append(msgs, msg)
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func TestBridge(t *testing.T) {
	Convey("Given a Bridge on a dummy broker", t, func(c C) {
		var logs bytes.Buffer
		ctx := &log.Logger{
			Handler: text.New(&logs),
			Level:   log.DebugLevel,
		}
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()

		start := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
		clk := &clock{now: start}

		broker := dummy.New(ctx)
		sess := session.New(session.Config{
			SafetyMargin:   auth.DefaultSafetyMargin,
			AckTimeout:     100 * time.Millisecond,
			ConnectTimeout: time.Second,
			Backoff:        session.Backoff{MaxAttempts: 3, MinInterval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond, NoJitter: true},
			Now:            clk.Now,
		}, broker, &fakeIssuer{}, ctx)
		ex := exchange.New(exchange.Config{GatewayID: "canal-gateway"}, sess, ctx)
		reader := newLineReader()

		config := Config{
			RetryDelay:         10 * time.Millisecond,
			TokenCheckInterval: time.Hour,
			SilenceTimeout:     50 * time.Millisecond,
		}

		run := func(b *Bridge) {
			runCtx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- b.Run(runCtx) }()
			Reset(func() {
				cancel()
				<-done
			})
			So(eventually(sess.IsConnected), ShouldBeTrue)
		}

		Convey("When an attach and two weather reports are read", func() {
			b := New(config, reader, sess, ex, ctx)
			run(b)
			reader.Send("#attach,2", "#2,45,60.2,0", "#2,44,60.5,1")
			msgs := receive(broker, 3)

			Convey("Then one attach and two weather events should be published", func() {
				So(msgs, ShouldHaveLength, 3)
				So(msgs[0].Topic, ShouldEqual, "/devices/weather-station/attach")
				So(msgs[0].QoS, ShouldEqual, 1)
				So(msgs[1].Topic, ShouldEqual, "/devices/canal-gateway/events/weather_station")
				So(msgs[1].QoS, ShouldEqual, 0)
				So(msgs[2].Topic, ShouldEqual, "/devices/canal-gateway/events/weather_station")

				var first, second types.WeatherPayload
				So(json.Unmarshal(msgs[1].Payload, &first), ShouldBeNil)
				So(json.Unmarshal(msgs[2].Payload, &second), ShouldBeNil)
				So(first.Humidity, ShouldEqual, 45)
				So(first.Temperature, ShouldEqual, 60.2)
				So(first.WaterLevel, ShouldEqual, 0)
				So(second.Humidity, ShouldEqual, 44)
				So(second.Temperature, ShouldEqual, 60.5)
				So(second.WaterLevel, ShouldEqual, 1)

				firstTime, err := time.Parse(time.RFC3339, first.Timestamp)
				So(err, ShouldBeNil)
				secondTime, err := time.Parse(time.RFC3339, second.Timestamp)
				So(err, ShouldBeNil)
				So(secondTime.Before(firstTime), ShouldBeFalse)
			})
			Convey("Then nothing else should be published", func() {
				So(drain(broker), ShouldBeEmpty)
			})
		})

		Convey("When lines that can not be decoded are read", func() {
			b := New(config, reader, sess, ex, ctx)
			run(b)
			reader.Send("garbage", "#9,1", "#", "#attach,1")
			msgs := receive(broker, 1)
			Convey("Then they should be skipped", func() {
				So(msgs, ShouldHaveLength, 1)
				So(msgs[0].Topic, ShouldEqual, "/devices/canal-cleaner/attach")
				So(drain(broker), ShouldBeEmpty)
			})
		})

		Convey("When telemetry of a device that is not attached is read", func() {
			b := New(config, reader, sess, ex, ctx)
			run(b)
			reader.Send("#1,1")
			Convey("Then it should not be published", func() {
				So(drain(broker), ShouldBeEmpty)
			})
		})

		Convey("When middleware drops telemetry", func() {
			b := New(config, reader, sess, ex, ctx)
			b.Use(dropTelemetry{})
			run(b)
			reader.Send("#attach,1", "#1,1")
			Convey("Then only the attach should be published", func() {
				msgs := drain(broker)
				So(msgs, ShouldHaveLength, 1)
				So(msgs[0].Topic, ShouldEqual, "/devices/canal-cleaner/attach")
			})
		})

		Convey("When reading from the serial port fails once", func() {
			b := New(config, reader, sess, ex, ctx)
			run(b)
			reader.Fail(io.ErrUnexpectedEOF)
			reader.Send("#attach,1")
			Convey("Then the next line should be read", func() {
				msgs := receive(broker, 1)
				So(msgs, ShouldHaveLength, 1)
				So(msgs[0].Topic, ShouldEqual, "/devices/canal-cleaner/attach")
			})
		})

		Convey("When the session gives up reconnecting", func() {
			b := New(config, reader, sess, ex, ctx)
			run(b)
			refused := errors.New("connection refused")
			broker.FailConnect(refused, refused, refused)
			broker.Drop(errors.New("network down"))
			So(eventually(func() bool { return !sess.Snapshot().Reconnecting && !sess.IsConnected() }), ShouldBeTrue)

			Convey("When an attach is read", func() {
				reader.Send("#attach,2")
				Convey("Then it should be kept until the session reconnects", func() {
					So(eventually(func() bool { return b.Pending() == 1 }), ShouldBeTrue)
					So(drain(broker), ShouldBeEmpty)

					sess.EnsureConnected()
					msgs := receive(broker, 1)
					So(msgs, ShouldHaveLength, 1)
					So(msgs[0].Topic, ShouldEqual, "/devices/weather-station/attach")
					So(eventually(func() bool { return b.Pending() == 0 }), ShouldBeTrue)
					So(ex.Attached("weather-station"), ShouldBeTrue)
				})
			})

			Convey("When telemetry is read", func() {
				reader.Send("#2,45,60.2,0")
				Convey("Then it should be dropped", func() {
					So(drain(broker), ShouldBeEmpty)
					So(b.Pending(), ShouldEqual, 0)
				})
			})
		})

		Convey("When the connection is lost while an attach waits for confirmation", func() {
			confirming := exchange.New(exchange.Config{GatewayID: "canal-gateway", ConfirmAttach: true, ConfirmTimeout: time.Second}, sess, ctx)
			b := New(config, reader, sess, confirming, ctx)
			run(b)
			broker.HoldAcks()
			reader.Send("#attach,2")
			So(receive(broker, 1), ShouldHaveLength, 1)
			refused := errors.New("connection refused")
			broker.FailConnect(refused, refused, refused)
			broker.Drop(errors.New("network down"))

			Convey("Then the attach should be kept until the session reconnects", func() {
				So(eventually(func() bool { return b.Pending() == 1 }), ShouldBeTrue)
				So(confirming.Attached("weather-station"), ShouldBeFalse)
				So(eventually(func() bool { return !sess.Snapshot().Reconnecting && !sess.IsConnected() }), ShouldBeTrue)

				broker.ReleaseAcks()
				sess.EnsureConnected()
				So(eventually(func() bool { return b.Pending() == 0 && confirming.Attached("weather-station") }), ShouldBeTrue)
			})
		})

		Convey("When the session reconnects with attached devices", func() {
			b := New(config, reader, sess, ex, ctx)
			run(b)
			reader.Send("#attach,1")
			So(receive(broker, 1), ShouldHaveLength, 1)
			broker.Drop(errors.New("network down"))
			Convey("Then the devices should be attached again", func() {
				msgs := receive(broker, 1)
				So(msgs, ShouldHaveLength, 1)
				So(msgs[0].Topic, ShouldEqual, "/devices/canal-cleaner/attach")
			})
		})

		Convey("When the token is about to expire", func() {
			fast := config
			fast.TokenCheckInterval = 10 * time.Millisecond
			b := New(fast, reader, sess, ex, ctx)
			run(b)
			clk.Set(start.Add(auth.DefaultLifetime - 4*time.Minute))
			Convey("Then the session should be renewed with a new token", func() {
				So(eventually(func() bool {
					passwords := broker.Passwords()
					return len(passwords) == 2 && passwords[1] == "token-2" && sess.IsConnected()
				}), ShouldBeTrue)
				So(sess.TokenValid(), ShouldBeTrue)
			})
		})

		Convey("When the context is done", func() {
			b := New(config, reader, sess, ex, ctx)
			runCtx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- b.Run(runCtx) }()
			So(eventually(sess.IsConnected), ShouldBeTrue)
			cancel()
			Convey("Then Run should return and the session should be disconnected", func() {
				select {
				case err := <-done:
					So(err, ShouldBeNil)
				case <-time.After(time.Second):
					So("Timeout Exceeded", ShouldBeFalse)
				}
				So(broker.IsConnected(), ShouldBeFalse)
				So(sess.Connect(context.Background()), ShouldEqual, session.ErrClosed)
			})
		})
	})
}

func TestWatchdog(t *testing.T) {
	Convey("Given a watchdog", t, func() {
		var mu sync.Mutex
		var fired int
		w := newWatchdog(20*time.Millisecond, func() {
			mu.Lock()
			fired++
			mu.Unlock()
		})
		Reset(func() { w.Stop() })
		count := func() int {
			mu.Lock()
			defer mu.Unlock()
			return fired
		}

		Convey("When it is kicked in time", func() {
			for i := 0; i < 5; i++ {
				time.Sleep(5 * time.Millisecond)
				So(w.Kick(), ShouldBeFalse)
			}
			Convey("Then it should not fire", func() {
				So(count(), ShouldEqual, 0)
			})
		})

		Convey("When it expires", func() {
			So(eventually(func() bool { return count() == 1 }), ShouldBeTrue)
			Convey("Then the next kick should report it", func() {
				So(w.Kick(), ShouldBeTrue)
				So(w.Kick(), ShouldBeFalse)
			})
			Convey("Then it should fire again after a kick", func() {
				w.Kick()
				So(eventually(func() bool { return count() == 2 }), ShouldBeTrue)
			})
		})
	})
}
