// Copyright © 2026 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package frame decodes the line protocol spoken by the sensor microcontroller.
//
// Every line starts with the "#" sentinel, followed by comma-separated fields:
//
//	#attach,<node>     binds the virtual device of <node> to the gateway
//	#detach,<node>     unbinds it again
//	#1,<obstruction>   canal obstruction flag (0 or 1)
//	#2,<hum>,<temp>,<level>  weather station reading
//
// Node IDs map to the virtual devices in Nodes.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/TheThingsNetwork/serial-gateway-bridge/types"
)

// Sentinel is the first character of every frame
const Sentinel = '#'

// Commands
const (
	CommandAttach = "attach"
	CommandDetach = "detach"
)

// Node is a sensor node that is known to the gateway
type Node struct {
	DeviceID  string
	Subfolder string
	Kind      types.FrameKind
	Fields    int
}

// Nodes maps node IDs to their virtual devices
var Nodes = map[string]Node{
	"1": {DeviceID: "canal-cleaner", Subfolder: "canal_cleaner", Kind: types.ObstructionEvent, Fields: 1},
	"2": {DeviceID: "weather-station", Subfolder: "weather_station", Kind: types.WeatherEvent, Fields: 3},
}

// Decode errors
var (
	ErrInvalidFraming   = errors.New("invalid framing")
	ErrUnknownNodeID    = errors.New("unknown node ID")
	ErrMalformedPayload = errors.New("malformed payload")
)

// DecodeError is returned when a line can not be decoded
type DecodeError struct {
	Kind error
	Line string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("frame: %s in %q: %s", e.Kind, e.Line, e.Err)
	}
	return fmt.Sprintf("frame: %s in %q", e.Kind, e.Line)
}

// Is makes errors.Is match the kind of decode error
func (e *DecodeError) Is(target error) bool {
	return e.Kind == target
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder decodes frames. The zero value uses the wall clock for frame timestamps.
type Decoder struct {
	Now func() time.Time
}

var defaultDecoder Decoder

// Decode a line with the default decoder
func Decode(line []byte) (*types.SensorFrame, error) {
	return defaultDecoder.Decode(line)
}

func (d Decoder) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Decode a single line into a frame
func (d Decoder) Decode(line []byte) (*types.SensorFrame, error) {
	line = bytes.TrimSpace(line)
	if !utf8.Valid(line) {
		return nil, &DecodeError{Kind: ErrInvalidFraming, Line: string(line), Err: errors.New("not UTF-8")}
	}
	str := string(line)
	if len(str) == 0 || str[0] != Sentinel {
		return nil, &DecodeError{Kind: ErrInvalidFraming, Line: str}
	}
	fields := strings.Split(str[1:], ",")
	if len(fields) < 2 {
		return nil, &DecodeError{Kind: ErrInvalidFraming, Line: str}
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	switch fields[0] {
	case CommandAttach, CommandDetach:
		if len(fields) != 2 {
			return nil, &DecodeError{Kind: ErrMalformedPayload, Line: str, Err: fmt.Errorf("%s expects 1 argument, got %d", fields[0], len(fields)-1)}
		}
		node, ok := Nodes[fields[1]]
		if !ok {
			return nil, &DecodeError{Kind: ErrUnknownNodeID, Line: str}
		}
		kind := types.AttachCommand
		if fields[0] == CommandDetach {
			kind = types.DetachCommand
		}
		return &types.SensorFrame{
			Kind:      kind,
			NodeID:    fields[1],
			DeviceID:  node.DeviceID,
			Subfolder: node.Subfolder,
			Timestamp: d.now(),
		}, nil
	}

	node, ok := Nodes[fields[0]]
	if !ok {
		return nil, &DecodeError{Kind: ErrUnknownNodeID, Line: str}
	}
	values := fields[1:]
	if len(values) != node.Fields {
		return nil, &DecodeError{Kind: ErrMalformedPayload, Line: str, Err: fmt.Errorf("node %s expects %d values, got %d", fields[0], node.Fields, len(values))}
	}
	frame := &types.SensorFrame{
		Kind:      node.Kind,
		NodeID:    fields[0],
		DeviceID:  node.DeviceID,
		Subfolder: node.Subfolder,
	}
	var err error
	switch node.Kind {
	case types.ObstructionEvent:
		frame.Obstruction, err = strconv.Atoi(values[0])
		if err == nil && frame.Obstruction != 0 && frame.Obstruction != 1 {
			err = fmt.Errorf("obstruction flag must be 0 or 1, got %d", frame.Obstruction)
		}
	case types.WeatherEvent:
		err = parseWeather(values, &frame.Weather)
	}
	if err != nil {
		return nil, &DecodeError{Kind: ErrMalformedPayload, Line: str, Err: err}
	}
	frame.Timestamp = d.now()
	return frame, nil
}

func parseFinite(value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not a finite number", value)
	}
	return f, nil
}

// The water level is not checked against the enum here; see types.WaterLevel.Valid
func parseWeather(values []string, weather *types.Weather) (err error) {
	if weather.Humidity, err = parseFinite(values[0]); err != nil {
		return err
	}
	if weather.Temperature, err = parseFinite(values[1]); err != nil {
		return err
	}
	level, err := strconv.Atoi(values[2])
	if err != nil {
		return err
	}
	weather.WaterLevel = types.WaterLevel(level)
	return nil
}
