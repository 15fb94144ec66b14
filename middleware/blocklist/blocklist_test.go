// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package blocklist

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TheThingsNetwork/serial-gateway-bridge/middleware"
	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

const exampleBlocklist = "../../assets/blocklist.example.yml"

func TestBlocklist(t *testing.T) {
	if _, err := os.Stat(exampleBlocklist); err != nil {
		panic(fmt.Errorf("blocklist example file not found: %s", err))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/blocklist.yml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, exampleBlocklist)
	})

	testExample := func(list string) {
		b, err := NewBlocklist(list)
		Convey("Then there should be no error", func() { So(err, ShouldBeNil) })
		Reset(func() { b.Close() })
		Convey("Then the blocklist should contain 2 items", func() {
			var n int
			for _, items := range b.lists {
				n += len(items)
			}
			So(n, ShouldEqual, 2)
		})
		Convey("When a blocked device sends telemetry", func() {
			err := b.HandleTelemetry(middleware.NewContext(), &types.SensorFrame{Kind: types.ObstructionEvent, NodeID: "1", DeviceID: "canal-cleaner"})
			Convey("Then the BlockedID error should be returned", func() { So(err, ShouldEqual, ErrBlockedID) })
		})
		Convey("When a blocked node is attached", func() {
			err := b.HandleAttach(middleware.NewContext(), &types.SensorFrame{Kind: types.AttachCommand, NodeID: "2", DeviceID: "weather-station"})
			Convey("Then the BlockedNode error should be returned", func() { So(err, ShouldEqual, ErrBlockedNode) })
		})
		Convey("When another device sends telemetry", func() {
			err := b.HandleTelemetry(middleware.NewContext(), &types.SensorFrame{Kind: types.WeatherEvent, NodeID: "3", DeviceID: "rain-gauge"})
			Convey("Then there should be no error", func() { So(err, ShouldBeNil) })
		})
	}

	Convey("When creating a new Blocklist using the example file", t, func(c C) {
		testExample(exampleBlocklist)
	})

	Convey("When creating a new Blocklist using the example file on an HTTP server", t, func(c C) {
		server := httptest.NewServer(mux)
		Reset(server.Close)
		testExample(server.URL + "/blocklist.yml")
	})

	Convey("When creating a new Blocklist from a file that changes", t, func(c C) {
		dir := t.TempDir()
		filename := filepath.Join(dir, "blocklist.yml")
		So(os.WriteFile(filename, []byte("- device: canal-cleaner\n"), 0644), ShouldBeNil)

		b, err := NewBlocklist(filename)
		So(err, ShouldBeNil)
		Reset(func() { b.Close() })

		weather := &types.SensorFrame{Kind: types.WeatherEvent, NodeID: "2", DeviceID: "weather-station"}
		So(b.HandleTelemetry(middleware.NewContext(), weather), ShouldBeNil)

		Convey("When the file is updated", func() {
			So(os.WriteFile(filename, []byte("- device: weather-station\n"), 0644), ShouldBeNil)

			Convey("Then the new list should be used", func() {
				deadline := time.Now().Add(2 * time.Second)
				for time.Now().Before(deadline) && b.HandleTelemetry(middleware.NewContext(), weather) == nil {
					time.Sleep(10 * time.Millisecond)
				}
				So(b.HandleTelemetry(middleware.NewContext(), weather), ShouldEqual, ErrBlockedID)
			})
		})
	})
}
