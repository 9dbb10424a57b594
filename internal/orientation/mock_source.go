// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"
	"time"

	"github.com/relabs-tech/orientation_bridge/internal/imu"
)

// MockMotion generates smooth synthetic motion as raw sensor samples:
// roll swings ±20°, pitch ±15° and yaw turns at 30°/s.
type MockMotion struct {
	start time.Time
}

// NewMockMotion creates a generator whose clock starts now.
func NewMockMotion() *MockMotion {
	return &MockMotion{start: time.Now()}
}

// Next returns the sample for the current wall-clock time.
func (m *MockMotion) Next() imu.RawSample {
	return m.At(time.Since(m.start))
}

// At returns the sample for the given time since start.
func (m *MockMotion) At(elapsed time.Duration) imu.RawSample {
	t := elapsed.Seconds()

	rollDeg := 20 * math.Sin(t)
	pitchDeg := 15 * math.Cos(t*0.7)

	// angular rates are the time derivatives of the angles above
	rollRate := 20 * math.Cos(t)
	pitchRate := -15 * 0.7 * math.Sin(t*0.7)
	yawRate := 30.0

	// 1g gravity vector seen by a sensor at that roll/pitch
	r := rollDeg * math.Pi / 180
	p := pitchDeg * math.Pi / 180
	ax := -math.Sin(p)
	ay := math.Sin(r) * math.Cos(p)
	az := math.Cos(r) * math.Cos(p)

	return imu.RawSample{
		TimestampMS: uint32(elapsed.Milliseconds()),
		Acc:         imu.Vec3f{X: float32(ax), Y: float32(ay), Z: float32(az)},
		Gyro:        imu.Vec3f{X: float32(rollRate), Y: float32(pitchRate), Z: float32(yawRate)},
	}
}
