// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package deduplicate

import (
	"testing"
	"time"

	"github.com/TheThingsNetwork/serial-gateway-bridge/middleware"
	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
	. "github.com/smartystreets/goconvey/convey"
)

func TestDeduplicate(t *testing.T) {
	Convey("Given a new Deduplicate", t, func(c C) {
		i := NewDeduplicate(time.Second)

		now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
		weather := types.Weather{Humidity: 45, Temperature: 60.2, WaterLevel: types.WaterLevelEmpty}

		up := &types.SensorFrame{Kind: types.WeatherEvent, DeviceID: "weather-station", Weather: weather, Timestamp: now}
		upDup := &types.SensorFrame{Kind: types.WeatherEvent, DeviceID: "weather-station", Weather: weather, Timestamp: now.Add(100 * time.Millisecond)}
		upLater := &types.SensorFrame{Kind: types.WeatherEvent, DeviceID: "weather-station", Weather: weather, Timestamp: now.Add(2 * time.Second)}
		nextUp := &types.SensorFrame{Kind: types.WeatherEvent, DeviceID: "weather-station", Weather: types.Weather{Humidity: 44, Temperature: 60.5, WaterLevel: types.WaterLevelHalfFull}, Timestamp: now.Add(100 * time.Millisecond)}

		Convey("When sending a reading", func() {
			Reset(func() {
				i.HandleDetach(middleware.NewContext(), &types.SensorFrame{Kind: types.DetachCommand, DeviceID: "weather-station"})
			})
			err := i.HandleTelemetry(middleware.NewContext(), up)
			Convey("There should be no error", func() {
				So(err, ShouldBeNil)
			})
			Convey("When sending a duplicate of that reading", func() {
				err := i.HandleTelemetry(middleware.NewContext(), upDup)
				Convey("There should be an error", func() {
					So(err, ShouldEqual, ErrDuplicateFrame)
				})
			})
			Convey("When sending the same reading after the window", func() {
				err := i.HandleTelemetry(middleware.NewContext(), upLater)
				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
				})
			})
			Convey("When sending another reading", func() {
				err := i.HandleTelemetry(middleware.NewContext(), nextUp)
				Convey("There should be no error", func() {
					So(err, ShouldBeNil)
				})
			})
			Convey("When the device is detached", func() {
				i.HandleDetach(middleware.NewContext(), &types.SensorFrame{Kind: types.DetachCommand, DeviceID: "weather-station"})
				Convey("The duplicate should be allowed", func() {
					So(i.HandleTelemetry(middleware.NewContext(), upDup), ShouldBeNil)
				})
			})
		})
	})
}
