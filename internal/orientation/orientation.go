// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"fmt"
	"math"
	"strings"
)

// Frame is the consumer-facing orientation in degrees, already remapped
// to the consumer's coordinate convention.
type Frame struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Axis names one of the filter's internal axes (x=roll, y=pitch, z=yaw).
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	}
	return fmt.Sprintf("Axis(%d)", int(a))
}

// AxisSource says where an output axis takes its value from.
type AxisSource struct {
	Axis   Axis
	Invert bool
}

// AxisMapping maps each output axis to a filter axis.
type AxisMapping struct {
	X AxisSource
	Y AxisSource
	Z AxisSource
}

// DefaultAxisMapping matches the viewer's convention:
// output x = pitch-ish tilt (filter x), output y = yaw, output z = -filter y.
var DefaultAxisMapping = AxisMapping{
	X: AxisSource{Axis: AxisX},
	Y: AxisSource{Axis: AxisZ},
	Z: AxisSource{Axis: AxisY, Invert: true},
}

// Map applies the mapping to the filter's (x, y, z) angles.
func (m AxisMapping) Map(x, y, z float64) Frame {
	src := [3]float64{x, y, z}
	pick := func(s AxisSource) float64 {
		v := src[s.Axis]
		if s.Invert {
			v = -v
		}
		return v
	}
	return Frame{X: pick(m.X), Y: pick(m.Y), Z: pick(m.Z)}
}

// String renders the mapping in the form accepted by ParseAxisMapping, e.g. "x,z,-y".
func (m AxisMapping) String() string {
	parts := make([]string, 0, 3)
	for _, s := range []AxisSource{m.X, m.Y, m.Z} {
		p := s.Axis.String()
		if s.Invert {
			p = "-" + p
		}
		parts = append(parts, p)
	}
	return strings.Join(parts, ",")
}

// ParseAxisMapping parses three comma separated source axes for output
// x, y and z. A leading '-' inverts the axis.
func ParseAxisMapping(s string) (AxisMapping, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return AxisMapping{}, fmt.Errorf("axis mapping %q: want 3 comma separated axes", s)
	}

	var out [3]AxisSource
	for i, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		var src AxisSource
		if strings.HasPrefix(p, "-") {
			src.Invert = true
			p = p[1:]
		}
		switch p {
		case "x":
			src.Axis = AxisX
		case "y":
			src.Axis = AxisY
		case "z":
			src.Axis = AxisZ
		default:
			return AxisMapping{}, fmt.Errorf("axis mapping %q: unknown axis %q", s, parts[i])
		}
		out[i] = src
	}
	return AxisMapping{X: out[0], Y: out[1], Z: out[2]}, nil
}

// AccelTilt computes roll and pitch (degrees) from accelerometer data only:
//
//	roll  = atan2(ay, sqrt(ax² + az²))
//	pitch = atan2(-ax, sqrt(ay² + az²))
func AccelTilt(ax, ay, az float64) (roll, pitch float64) {
	rollRad := math.Atan2(ay, math.Sqrt(ax*ax+az*az))
	pitchRad := math.Atan2(-ax, math.Sqrt(ay*ay+az*az))

	return rollRad * 180.0 / math.Pi, pitchRad * 180.0 / math.Pi
}
