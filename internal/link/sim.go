package link

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/orientation_bridge/internal/imu"
	"github.com/relabs-tech/orientation_bridge/internal/orientation"
)

// SimRadio is a Radio backed by a simulated peripheral that streams
// synthetic motion. Useful on machines without a bluetooth adapter.
type SimRadio struct {
	DeviceName string
	Interval   time.Duration // initial sample interval, default 100ms
}

func (r *SimRadio) Scan(ctx context.Context, name string) (Target, error) {
	if name == r.DeviceName {
		return Target{Name: name, Address: "sim:0"}, nil
	}
	<-ctx.Done()
	return Target{}, ErrDeviceNotFound
}

func (r *SimRadio) Connect(ctx context.Context, t Target) (Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	interval := r.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	p := &simPeripheral{
		name:     t.Name,
		motion:   orientation.NewMockMotion(),
		interval: make(chan time.Duration, 1),
		period:   interval,
	}
	p.connected.Store(true)
	return p, nil
}

type simPeripheral struct {
	name     string
	motion   *orientation.MockMotion
	interval chan time.Duration
	period   time.Duration

	connected atomic.Bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func (p *simPeripheral) Name() string { return p.name }

func (p *simPeripheral) EnableNotifications(fn func([]byte)) error {
	if fn == nil {
		return errors.New("sim: nil notification handler")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return errors.New("sim: notifications already enabled")
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.stream(fn, p.stop, p.done)
	return nil
}

func (p *simPeripheral) stream(fn func([]byte), stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case d := <-p.interval:
			ticker.Reset(d)
		case <-ticker.C:
			fn(imu.Encode(p.motion.Next()))
		}
	}
}

func (p *simPeripheral) StopNotifications() error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (p *simPeripheral) WriteControl(b []byte) error {
	if len(b) != 4 {
		return fmt.Errorf("sim: control write of %d bytes, want 4", len(b))
	}
	ms := binary.LittleEndian.Uint32(b)
	if ms == 0 {
		return errors.New("sim: zero interval")
	}
	// latest wins
	select {
	case <-p.interval:
	default:
	}
	p.interval <- time.Duration(ms) * time.Millisecond
	return nil
}

func (p *simPeripheral) Connected() bool { return p.connected.Load() }

func (p *simPeripheral) Disconnect() error {
	p.connected.Store(false)
	return p.StopNotifications()
}
