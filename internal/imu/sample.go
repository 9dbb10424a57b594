// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package imu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// SampleSize is the length of one notification payload sent by the peripheral.
const SampleSize = 28

// ErrDecode is returned for payloads that are not exactly SampleSize bytes.
var ErrDecode = errors.New("imu: malformed sample")

// Vec3f is one accelerometer or gyroscope reading as sent on the wire.
type Vec3f struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
	Z float32 `json:"z"`
}

// RawSample represents a single accel+gyro sample from the peripheral.
// Accel is in g, gyro in °/s, timestamp is the peripheral's uptime in ms.
type RawSample struct {
	TimestampMS uint32 `json:"timestamp_ms"`
	Acc         Vec3f  `json:"acc"`
	Gyro        Vec3f  `json:"gyro"`
}

// Decode parses a notification payload:
//
//	uint32 timestamp_ms, float32 acc_x, acc_y, acc_z, gyro_x, gyro_y, gyro_z
//
// all little-endian. Non-finite floats are passed through untouched.
func Decode(b []byte) (RawSample, error) {
	if len(b) != SampleSize {
		return RawSample{}, fmt.Errorf("%w: got %d bytes, want %d", ErrDecode, len(b), SampleSize)
	}

	f := func(off int) float32 {
		return math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
	}

	return RawSample{
		TimestampMS: binary.LittleEndian.Uint32(b[0:]),
		Acc:         Vec3f{X: f(4), Y: f(8), Z: f(12)},
		Gyro:        Vec3f{X: f(16), Y: f(20), Z: f(24)},
	}, nil
}

// Encode is the inverse of Decode. Float bit patterns (NaN payloads
// included) are preserved.
func Encode(s RawSample) []byte {
	b := make([]byte, SampleSize)
	binary.LittleEndian.PutUint32(b[0:], s.TimestampMS)
	for i, v := range []float32{s.Acc.X, s.Acc.Y, s.Acc.Z, s.Gyro.X, s.Gyro.Y, s.Gyro.Z} {
		binary.LittleEndian.PutUint32(b[4+4*i:], math.Float32bits(v))
	}
	return b
}

func (s RawSample) String() string {
	return fmt.Sprintf("[T=%dms] Acc: X=%.2f Y=%.2f Z=%.2f | Gyro: X=%.1f Y=%.1f Z=%.1f",
		s.TimestampMS,
		s.Acc.X, s.Acc.Y, s.Acc.Z,
		s.Gyro.X, s.Gyro.Y, s.Gyro.Z,
	)
}
