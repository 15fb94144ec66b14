// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package amqp mirrors sensor telemetry to an AMQP topic exchange.
//
// Every telemetry payload that the bridge publishes to the device registry is
// also published as JSON on the "[device-id].[subfolder]" routing key, for
// example "weather-station.weather_station". Local consumers can bind a queue to
// "*.weather_station" or "#" to receive the readings of all devices without
// going through the cloud.
package amqp
