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

	"github.com/relabs-tech/orientation_bridge/internal/imu"
	"github.com/relabs-tech/orientation_bridge/internal/orientation"
)

// State of the link manager.
type State int32

const (
	Idle State = iota
	Scanning
	Connecting
	Connected
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Exhausted:
		return "exhausted"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Options configures the manager. Zero durations are not valid; start
// from DefaultOptions.
type Options struct {
	DeviceName     string
	MaxAttempts    int
	BackoffBase    time.Duration
	ScanTimeout    time.Duration
	ConnectTimeout time.Duration
	Heartbeat      time.Duration
	PollInterval   time.Duration
	// StaleSamples is how many sample intervals may pass without a
	// notification before the link is treated as lost. Zero disables it.
	StaleSamples int
	Filter         orientation.FilterOptions
	Mapping        orientation.AxisMapping
}

// DefaultOptions returns the timings the peripheral firmware expects.
func DefaultOptions() Options {
	return Options{
		DeviceName:     "ESP32_MPU6050_BLE",
		MaxAttempts:    5,
		BackoffBase:    2 * time.Second,
		ScanTimeout:    10 * time.Second,
		ConnectTimeout: 10 * time.Second,
		Heartbeat:      2 * time.Second,
		PollInterval:   100 * time.Millisecond,
		StaleSamples:   10,
		Filter:         orientation.DefaultFilterOptions(),
		Mapping:        orientation.DefaultAxisMapping,
	}
}

// DefaultSampleInterval is the notification period of a freshly booted
// peripheral.
const DefaultSampleInterval = 100 * time.Millisecond

// Backoff returns the delay after n consecutive failed attempts: base·2^n.
func Backoff(base time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	return base * time.Duration(1<<uint(n))
}

// Manager owns the single peripheral connection.
type Manager struct {
	radio    Radio
	sink     Sink
	commands CommandSource
	opts     Options

	// sleep waits out a backoff delay; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error

	state    atomic.Int32
	attempts atomic.Int32

	// last interval written to the peripheral, survives reconnects
	sampleInterval time.Duration

	// mu keeps status publication from interleaving with a sample that
	// is being filtered
	mu     sync.Mutex
	filter *orientation.Filter
	deltas orientation.DeltaTracker
}

func NewManager(radio Radio, sink Sink, commands CommandSource, opts Options) *Manager {
	return &Manager{
		radio:    radio,
		sink:     sink,
		commands: commands,
		opts:     opts,
		sleep:    sleepCtx,

		sampleInterval: DefaultSampleInterval,
		filter:   orientation.NewFilter(opts.Filter),
	}
}

// State returns the current state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Attempts returns the number of consecutive failed connection attempts.
func (m *Manager) Attempts() int { return int(m.attempts.Load()) }

func (m *Manager) setState(s State) {
	if old := State(m.state.Swap(int32(s))); old != s {
		log.Debugf("link: %s -> %s", old, s)
	}
}

// Run drives scan/connect/session cycles until ctx is cancelled (returns
// nil) or MaxAttempts consecutive attempts failed (returns an error
// wrapping ErrLinkExhausted).
func (m *Manager) Run(ctx context.Context) error {
	m.attempts.Store(0)
	for {
		if ctx.Err() != nil {
			m.setState(Idle)
			return nil
		}

		m.setState(Scanning)
		log.Infof("link: scanning for %q (timeout %s)", m.opts.DeviceName, m.opts.ScanTimeout)
		target, err := m.scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(Idle)
				return nil
			}
			log.Warnf("link: %v", err)
			if err := m.fail(ctx, err); err != nil {
				return m.stop(ctx, err)
			}
			continue
		}

		m.setState(Connecting)
		log.Infof("link: found %s at %s, connecting", target.Name, target.Address)
		p, err := m.connect(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				m.setState(Idle)
				return nil
			}
			log.Warnf("link: %v", err)
			m.publishStatus(Status{Connected: false, DeviceName: m.opts.DeviceName})
			if err := m.fail(ctx, err); err != nil {
				return m.stop(ctx, err)
			}
			continue
		}

		if err := m.session(ctx, p); err != nil {
			log.Warnf("link: %v", err)
			if err := m.fail(ctx, err); err != nil {
				return m.stop(ctx, err)
			}
		}
	}
}

func (m *Manager) stop(ctx context.Context, err error) error {
	if errors.Is(err, ErrLinkExhausted) {
		return err
	}
	if ctx.Err() != nil {
		m.setState(Idle)
		return nil
	}
	return err
}

func (m *Manager) scan(ctx context.Context) (Target, error) {
	sctx, cancel := context.WithTimeout(ctx, m.opts.ScanTimeout)
	defer cancel()

	t, err := m.radio.Scan(sctx, m.opts.DeviceName)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) || errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %q", ErrDeviceNotFound, m.opts.DeviceName)
		}
		return Target{}, &LinkError{Op: "scan", Err: err}
	}
	return t, nil
}

func (m *Manager) connect(ctx context.Context, t Target) (Peripheral, error) {
	cctx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	p, err := m.radio.Connect(cctx, t)
	if err != nil {
		if ctx.Err() == nil && cctx.Err() != nil {
			err = fmt.Errorf("%w after %s: %v", ErrLinkTimeout, m.opts.ConnectTimeout, err)
		}
		return nil, &LinkError{Op: "connect", Err: fmt.Errorf("%s: %w", t.Address, err)}
	}
	return p, nil
}

// fail counts a failed attempt and waits out the backoff. Once the
// attempts are used up it returns ErrLinkExhausted wrapping cause.
func (m *Manager) fail(ctx context.Context, cause error) error {
	n := int(m.attempts.Add(1))
	if n >= m.opts.MaxAttempts {
		m.setState(Exhausted)
		log.Errorf("link: failed to connect after %d attempts", n)
		return fmt.Errorf("%w after %d attempts: %w", ErrLinkExhausted, n, cause)
	}

	delay := Backoff(m.opts.BackoffBase, n)
	log.Infof("link: retrying in %s (attempt %d/%d)", delay, n+1, m.opts.MaxAttempts)
	return m.sleep(ctx, delay)
}

// session runs one connected period. It returns nil when the peripheral
// disconnects or ctx is cancelled, and an error when the session could not
// be set up at all.
func (m *Manager) session(ctx context.Context, p Peripheral) error {
	name := p.Name()
	status := Status{Connected: true, DeviceName: name}

	var active atomic.Bool
	active.Store(true)
	// unix nanos of the last notification, or of the session start
	var lastSample atomic.Int64
	lastSample.Store(time.Now().UnixNano())

	defer func() {
		active.Store(false)
		if err := p.StopNotifications(); err != nil {
			log.Debugf("link: stop notifications: %v", err)
		}
		m.publishStatus(Status{Connected: false, DeviceName: name})
		if err := p.Disconnect(); err != nil {
			log.Debugf("link: disconnect: %v", err)
		}
		log.Infof("link: session with %s closed", name)
	}()

	m.mu.Lock()
	m.deltas.Reset()
	m.mu.Unlock()

	m.setState(Connected)
	log.Infof("link: connected to %s", name)
	m.publishStatus(status)

	err := p.EnableNotifications(func(payload []byte) {
		if !active.Load() || ctx.Err() != nil {
			return
		}
		lastSample.Store(time.Now().UnixNano())
		m.handleSample(payload)
	})
	if err != nil {
		return &LinkError{Op: "session", Err: fmt.Errorf("enable notifications on %s: %w", name, err)}
	}
	// only a session that actually streams clears the failure count
	m.attempts.Store(0)
	log.Infof("link: listening for samples from %s", name)

	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	lastBeat := time.Now()

	for {
		select {
		case <-ctx.Done():
			log.Info("link: stopping")
			return nil
		case <-ticker.C:
		}

		if !p.Connected() {
			log.Warnf("link: connection to %s lost, reconnecting", name)
			return nil
		}
		// some radios never report a dropped peripheral
		if stale := m.staleAfter(); stale > 0 {
			if silent := time.Since(time.Unix(0, lastSample.Load())); silent > stale {
				log.Warnf("link: no samples from %s for %s, reconnecting", name, silent.Round(time.Millisecond))
				return nil
			}
		}

		if time.Since(lastBeat) >= m.opts.Heartbeat {
			m.publishStatus(status)
			lastBeat = time.Now()
		}

		if cmd, ok := m.commands.TakeCommand(); ok {
			if err := p.WriteControl(cmd.Bytes()); err != nil {
				log.Warnf("link: failed to write timer interval: %v", err)
			} else {
				log.Infof("link: updated timer interval to %dms", cmd.IntervalMS)
				m.sampleInterval = time.Duration(cmd.IntervalMS) * time.Millisecond
			}
		}
	}
}

// staleAfter is StaleSamples sample intervals, never less than the
// heartbeat.
func (m *Manager) staleAfter() time.Duration {
	if m.opts.StaleSamples <= 0 {
		return 0
	}
	d := time.Duration(m.opts.StaleSamples) * m.sampleInterval
	if d < m.opts.Heartbeat {
		d = m.opts.Heartbeat
	}
	return d
}

func (m *Manager) handleSample(payload []byte) {
	s, err := imu.Decode(payload)
	if err != nil {
		log.Warnf("link: dropping notification: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dt := m.deltas.Next(s.TimestampMS)
	x, y, z := m.filter.Update(s, dt)
	frame := m.opts.Mapping.Map(x, y, z)

	log.Debugf("link: RAW %s | dt=%.1fms", s, dt*1000)
	log.Debugf("link: FILTERED X=%.1f° Y=%.1f° Z=%.1f°", frame.X, frame.Y, frame.Z)
	m.sink.PublishOrientation(frame)
}

func (m *Manager) publishStatus(s Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink.PublishStatus(s)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
