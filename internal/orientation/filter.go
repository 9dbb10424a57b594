// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"math"

	"github.com/relabs-tech/orientation_bridge/internal/imu"
)

const (
	// NominalDT is the peripheral's default sample period in seconds.
	NominalDT = 0.1

	DefaultAlpha        = 0.98
	DefaultGyroDeadband = 3.0 // °/s

	// yaw starts decaying once gyro Z stayed inside the deadband for more
	// than this many consecutive updates (~2s at 100ms)
	stationaryUpdates = 20
	yawDecay          = 0.98

	// larger timestamp gaps mean the peripheral restarted
	maxDeltaMS = 5000
)

// FilterOptions configures the complementary filter.
type FilterOptions struct {
	Alpha        float64 // weight of the gyro integration, 0..1
	GyroDeadband float64 // rates with |g| <= deadband integrate as zero
}

// DefaultFilterOptions returns alpha 0.98 and a 3°/s deadband.
func DefaultFilterOptions() FilterOptions {
	return FilterOptions{Alpha: DefaultAlpha, GyroDeadband: DefaultGyroDeadband}
}

// FilterState is the filter's internal state: angles in degrees for
// x (roll), y (pitch) and z (yaw).
type FilterState struct {
	Angle             [3]float64
	StationaryCounter uint32
}

// Filter is a complementary filter with yaw drift compensation.
// It is not safe for concurrent use.
type Filter struct {
	opts  FilterOptions
	state FilterState
}

func NewFilter(opts FilterOptions) *Filter {
	return &Filter{opts: opts}
}

// State returns a copy of the current state.
func (f *Filter) State() FilterState { return f.state }

// Reset zeroes all angles and the stationary counter.
func (f *Filter) Reset() { f.state = FilterState{} }

// Update fuses one sample taken dt seconds after the previous one and
// returns the new (x, y, z) angles.
//
// Non-finite input never reaches the state: a non-finite accelerometer
// skips the gravity correction for this update, a non-finite gyro axis
// counts as zero rate, and a non-positive or non-finite dt falls back to
// NominalDT.
func (f *Filter) Update(s imu.RawSample, dt float64) (x, y, z float64) {
	if !(dt > 0) || math.IsInf(dt, 0) {
		dt = NominalDT
	}

	ax, ay, az := float64(s.Acc.X), float64(s.Acc.Y), float64(s.Acc.Z)
	gx, gy, gz := finiteOr0(s.Gyro.X), finiteOr0(s.Gyro.Y), finiteOr0(s.Gyro.Z)

	a := f.opts.Alpha
	prev := f.state.Angle

	gyroX := prev[0] + f.deadband(gx)*dt
	gyroY := prev[1] + f.deadband(gy)*dt
	gyroZ := prev[2] + f.deadband(gz)*dt

	if isFinite(ax) && isFinite(ay) && isFinite(az) {
		accX, accY := AccelTilt(ax, ay, az)
		x = a*gyroX + (1-a)*accX
		y = a*gyroY + (1-a)*accY
	} else {
		x, y = gyroX, gyroY
	}

	// Gravity says nothing about yaw, so it is integrated only. When the
	// sensor sits still it bleeds back towards zero instead of freezing.
	z = prev[2]
	if math.Abs(gz) < f.opts.GyroDeadband {
		if f.state.StationaryCounter <= stationaryUpdates {
			f.state.StationaryCounter++
		}
		if f.state.StationaryCounter > stationaryUpdates {
			z *= yawDecay
		}
	} else {
		f.state.StationaryCounter = 0
		z = gyroZ
	}
	z = wrapYaw(z)

	f.state.Angle = [3]float64{x, y, z}
	return x, y, z
}

func (f *Filter) deadband(g float64) float64 {
	if math.Abs(g) > f.opts.GyroDeadband {
		return g
	}
	return 0
}

// wrapYaw keeps yaw in (-360, 360]. One step is enough at the sensor's
// cadence; pathological rates are folded with Mod.
func wrapYaw(z float64) float64 {
	if z > 360 {
		z -= 360
	} else if z <= -360 {
		z += 360
	}
	if z > 360 || z <= -360 {
		z = math.Mod(z, 360)
		if z <= -360 {
			z += 360
		}
	}
	return z
}

func finiteOr0(v float32) float64 {
	f := float64(v)
	if !isFinite(f) {
		return 0
	}
	return f
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// DeltaTracker turns consecutive sample timestamps into dt seconds.
type DeltaTracker struct {
	last uint32
	have bool
}

// Next returns the time since the previous timestamp. The first sample,
// a repeated timestamp or a gap above 5s yield NominalDT. Counter
// wraparound is handled by unsigned subtraction.
func (d *DeltaTracker) Next(ts uint32) float64 {
	if !d.have {
		d.have = true
		d.last = ts
		return NominalDT
	}
	delta := ts - d.last
	d.last = ts
	if delta == 0 || delta > maxDeltaMS {
		return NominalDT
	}
	return float64(delta) / 1000.0
}

// Reset forgets the previous timestamp.
func (d *DeltaTracker) Reset() { *d = DeltaTracker{} }
