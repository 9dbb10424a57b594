// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"
)

// UUIDs exposed by the sensor firmware.
const (
	DefaultServiceUUID = "c10299b1-b9ba-451a-ad8c-17baeecd9480"
	DefaultNotifyUUID  = "657b9056-09f8-4e0f-9d37-f76b6756e95e"
	DefaultControlUUID = "a7b3e6c8-4d2f-11ed-b878-0242ac120002"
)

// BLEConfig names the GATT service and characteristics to use.
type BLEConfig struct {
	ServiceUUID string
	NotifyUUID  string
	ControlUUID string
}

// BLERadio implements Radio on the host's default bluetooth adapter.
type BLERadio struct {
	adapter *bluetooth.Adapter
	service bluetooth.UUID
	notify  bluetooth.UUID
	control bluetooth.UUID

	mu      sync.Mutex
	current *blePeripheral
}

// NewBLERadio enables the default adapter and parses the configured UUIDs.
func NewBLERadio(cfg BLEConfig) (*BLERadio, error) {
	r := &BLERadio{adapter: bluetooth.DefaultAdapter}

	var err error
	if r.service, err = bluetooth.ParseUUID(cfg.ServiceUUID); err != nil {
		return nil, fmt.Errorf("ble: service uuid %q: %w", cfg.ServiceUUID, err)
	}
	if r.notify, err = bluetooth.ParseUUID(cfg.NotifyUUID); err != nil {
		return nil, fmt.Errorf("ble: notify uuid %q: %w", cfg.NotifyUUID, err)
	}
	if r.control, err = bluetooth.ParseUUID(cfg.ControlUUID); err != nil {
		return nil, fmt.Errorf("ble: control uuid %q: %w", cfg.ControlUUID, err)
	}

	// only darwin and nrf call this; on linux the manager's sample
	// watchdog notices a lost peripheral
	r.adapter.SetConnectHandler(r.onConnectEvent)

	if err := r.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}
	return r, nil
}

func (r *BLERadio) onConnectEvent(dev bluetooth.Device, connected bool) {
	r.mu.Lock()
	p := r.current
	r.mu.Unlock()
	if p == nil || connected {
		return
	}
	if dev.Address.String() == p.dev.Address.String() {
		log.Debugf("ble: %s reported disconnected", p.dev.Address.String())
		p.connected.Store(false)
	}
}

// Scan blocks until a device advertising name is seen or ctx expires.
func (r *BLERadio) Scan(ctx context.Context, name string) (Target, error) {
	found := make(chan bluetooth.ScanResult, 1)
	done := make(chan error, 1)

	go func() {
		done <- r.adapter.Scan(func(a *bluetooth.Adapter, res bluetooth.ScanResult) {
			if res.LocalName() != name {
				return
			}
			select {
			case found <- res:
			default:
			}
			if err := a.StopScan(); err != nil {
				log.Debugf("ble: stop scan: %v", err)
			}
		})
	}()

	var scanErr error
	select {
	case scanErr = <-done:
	case <-ctx.Done():
		scanErr = stopUntilDone(r.adapter.StopScan, done, stopScanRetry)
	}

	select {
	case res := <-found:
		return Target{
			Name:    res.LocalName(),
			Address: res.Address.String(),
			handle:  res.Address,
		}, nil
	default:
	}
	if scanErr != nil {
		return Target{}, fmt.Errorf("ble: scan: %w", scanErr)
	}
	return Target{}, ErrDeviceNotFound
}

const stopScanRetry = 50 * time.Millisecond

// stopUntilDone calls stop until done fires. BlueZ rejects StopScan that
// lands before the scan has started.
func stopUntilDone(stop func() error, done <-chan error, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := stop(); err != nil {
			log.Debugf("ble: stop scan: %v", err)
		}
		select {
		case err := <-done:
			return err
		case <-ticker.C:
		}
	}
}

// Connect opens the connection and resolves the notify and control
// characteristics.
func (r *BLERadio) Connect(ctx context.Context, t Target) (Peripheral, error) {
	addr, ok := t.handle.(bluetooth.Address)
	if !ok {
		return nil, fmt.Errorf("ble: target %s was not discovered by this radio", t.Address)
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	res := make(chan result, 1)
	go func() {
		dev, err := r.adapter.Connect(addr, bluetooth.ConnectionParams{})
		res <- result{dev: dev, err: err}
	}()

	var dev bluetooth.Device
	select {
	case <-ctx.Done():
		// drop a connection that completes after we gave up on it
		go func() {
			if late := <-res; late.err == nil {
				_ = late.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case out := <-res:
		if out.err != nil {
			return nil, fmt.Errorf("ble: connect %s: %w", t.Address, out.err)
		}
		dev = out.dev
	}

	p, err := r.resolve(dev, t.Name)
	if err != nil {
		_ = dev.Disconnect()
		return nil, err
	}

	r.mu.Lock()
	r.current = p
	r.mu.Unlock()
	return p, nil
}

func (r *BLERadio) resolve(dev bluetooth.Device, name string) (*blePeripheral, error) {
	services, err := dev.DiscoverServices([]bluetooth.UUID{r.service})
	if err != nil {
		return nil, fmt.Errorf("ble: discover service %s: %w", r.service.String(), err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", r.service.String())
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{r.notify, r.control})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}

	p := &blePeripheral{name: name, dev: dev}
	var haveNotify, haveControl bool
	for _, c := range chars {
		switch c.UUID() {
		case r.notify:
			p.notify, haveNotify = c, true
		case r.control:
			p.control, haveControl = c, true
		}
	}
	if !haveNotify {
		return nil, fmt.Errorf("ble: notify characteristic %s not found", r.notify.String())
	}
	if !haveControl {
		return nil, fmt.Errorf("ble: control characteristic %s not found", r.control.String())
	}
	p.connected.Store(true)
	return p, nil
}

type blePeripheral struct {
	name      string
	dev       bluetooth.Device
	notify    bluetooth.DeviceCharacteristic
	control   bluetooth.DeviceCharacteristic
	connected atomic.Bool
}

func (p *blePeripheral) Name() string { return p.name }

func (p *blePeripheral) EnableNotifications(fn func([]byte)) error {
	if fn == nil {
		return errors.New("ble: nil notification handler")
	}
	return p.notify.EnableNotifications(fn)
}

func (p *blePeripheral) StopNotifications() error {
	if !p.connected.Load() {
		return nil
	}
	return p.notify.EnableNotifications(nil)
}

func (p *blePeripheral) WriteControl(b []byte) error {
	n, err := p.control.WriteWithoutResponse(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("ble: short write (%d of %d bytes)", n, len(b))
	}
	return nil
}

func (p *blePeripheral) Connected() bool { return p.connected.Load() }

func (p *blePeripheral) Disconnect() error {
	p.connected.Store(false)
	return p.dev.Disconnect()
}
