// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package link keeps a single connection to the orientation peripheral
// alive and turns its notifications into orientation frames.
package link

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/relabs-tech/orientation_bridge/internal/orientation"
)

var (
	// ErrDeviceNotFound is returned by Radio.Scan when no device with the
	// requested name showed up before the scan deadline.
	ErrDeviceNotFound = errors.New("link: device not found")
	// ErrLinkTimeout marks a connection attempt that hit its deadline.
	ErrLinkTimeout = errors.New("link: timeout")
	// ErrLinkExhausted is returned by Manager.Run once MaxAttempts
	// consecutive attempts failed.
	ErrLinkExhausted = errors.New("link: reconnect attempts exhausted")
)

// LinkError is a failed scan, connect or session setup. Each one counts
// as a failed attempt.
type LinkError struct {
	Op  string // "scan", "connect" or "session"
	Err error
}

func (e *LinkError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *LinkError) Unwrap() error { return e.Err }

// Interval limits accepted by the peripheral, in milliseconds.
const (
	MinIntervalMS = 10
	MaxIntervalMS = 1000
)

// Status is the current state of the peripheral link.
type Status struct {
	Connected  bool   `json:"connected"`
	DeviceName string `json:"device_name"`
}

// IntervalCommand asks the peripheral to change its sampling interval.
type IntervalCommand struct {
	IntervalMS uint32 `json:"interval"`
}

// Validate checks the interval is within [MinIntervalMS, MaxIntervalMS].
func (c IntervalCommand) Validate() error {
	if c.IntervalMS < MinIntervalMS || c.IntervalMS > MaxIntervalMS {
		return fmt.Errorf("interval %dms outside [%d, %d]", c.IntervalMS, MinIntervalMS, MaxIntervalMS)
	}
	return nil
}

// Bytes encodes the command for the control characteristic: uint32 LE.
func (c IntervalCommand) Bytes() []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, c.IntervalMS)
	return b
}

// Target is an opaque handle to a discovered peripheral.
type Target struct {
	Name    string
	Address string

	handle any // radio specific
}

// Radio discovers and connects to peripherals. Both calls must honour the
// context deadline.
type Radio interface {
	// Scan looks for a device advertising name. It returns
	// ErrDeviceNotFound if the context expires first.
	Scan(ctx context.Context, name string) (Target, error)
	Connect(ctx context.Context, t Target) (Peripheral, error)
}

// Peripheral is a live connection to the sensor.
type Peripheral interface {
	Name() string
	// EnableNotifications registers the sample callback. The callback may
	// run on a radio owned goroutine.
	EnableNotifications(func(payload []byte)) error
	StopNotifications() error
	// WriteControl writes to the control characteristic.
	WriteControl(b []byte) error
	Connected() bool
	Disconnect() error
}

// Sink receives everything the manager produces.
type Sink interface {
	PublishStatus(Status)
	PublishOrientation(orientation.Frame)
}

// CommandSource hands out at most one pending command per call.
type CommandSource interface {
	TakeCommand() (IntervalCommand, bool)
}
