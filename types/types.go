// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

import (
	"encoding/json"
	"time"
)

// FrameKind is the kind of a decoded serial frame
type FrameKind int

// Frame kinds
const (
	ObstructionEvent FrameKind = iota + 1
	WeatherEvent
	AttachCommand
	DetachCommand
)

func (k FrameKind) String() string {
	switch k {
	case ObstructionEvent:
		return "ObstructionEvent"
	case WeatherEvent:
		return "WeatherEvent"
	case AttachCommand:
		return "AttachCommand"
	case DetachCommand:
		return "DetachCommand"
	}
	return "Unknown"
}

// IsTelemetry returns true for frames that carry sensor values
func (k FrameKind) IsTelemetry() bool {
	return k == ObstructionEvent || k == WeatherEvent
}

// WaterLevel of the canal as reported by the weather station
type WaterLevel int

// Water levels
const (
	WaterLevelEmpty    WaterLevel = 0
	WaterLevelHalfFull WaterLevel = 1
	WaterLevelFull     WaterLevel = 2
)

// Valid returns true if the water level is one of EMPTY, HALF_FULL or FULL
func (w WaterLevel) Valid() bool {
	return w >= WaterLevelEmpty && w <= WaterLevelFull
}

func (w WaterLevel) String() string {
	switch w {
	case WaterLevelEmpty:
		return "EMPTY"
	case WaterLevelHalfFull:
		return "HALF_FULL"
	case WaterLevelFull:
		return "FULL"
	}
	return "UNDEFINED"
}

// Weather is a weather station reading
type Weather struct {
	Humidity    float64
	Temperature float64
	WaterLevel  WaterLevel
}

// SensorFrame is one decoded line from the serial port.
// Frames are created by the decoder and must not be modified afterwards.
type SensorFrame struct {
	Kind        FrameKind
	NodeID      string
	DeviceID    string
	Subfolder   string
	Obstruction int
	Weather     Weather
	Timestamp   time.Time
}

// ObstructionPayload is the wire format of a canal obstruction event
type ObstructionPayload struct {
	DeviceID    string `json:"device_id"`
	Obstruction int    `json:"obstruction"`
	Timestamp   string `json:"timestamp"`
}

// WeatherPayload is the wire format of a weather station event
type WeatherPayload struct {
	DeviceID    string  `json:"device_id"`
	Humidity    float64 `json:"humidity"`
	Temperature float64 `json:"temperature"`
	WaterLevel  int     `json:"water_level"`
	Timestamp   string  `json:"timestamp"`
}

// Payload returns the JSON telemetry payload for the frame. It returns nil for command frames.
func (f *SensorFrame) Payload() ([]byte, error) {
	timestamp := f.Timestamp.Format(time.RFC3339)
	switch f.Kind {
	case ObstructionEvent:
		return json.Marshal(ObstructionPayload{
			DeviceID:    f.DeviceID,
			Obstruction: f.Obstruction,
			Timestamp:   timestamp,
		})
	case WeatherEvent:
		return json.Marshal(WeatherPayload{
			DeviceID:    f.DeviceID,
			Humidity:    f.Weather.Humidity,
			Temperature: f.Weather.Temperature,
			WaterLevel:  int(f.Weather.WaterLevel),
			Timestamp:   timestamp,
		})
	}
	return nil, nil
}
