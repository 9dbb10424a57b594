package link

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/orientation_bridge/internal/imu"
	"github.com/relabs-tech/orientation_bridge/internal/orientation"
)

// fakePeripheral records everything the manager does to it.
type fakePeripheral struct {
	name      string
	connected atomic.Bool
	notifyErr error
	writeErr  error

	mu          sync.Mutex
	handler     func([]byte)
	writeCalls  int
	writes      [][]byte
	stopCalls   int
	disconnects int
}

func newFakePeripheral(name string) *fakePeripheral {
	p := &fakePeripheral{name: name}
	p.connected.Store(true)
	return p
}

func (p *fakePeripheral) Name() string { return p.name }

func (p *fakePeripheral) EnableNotifications(fn func([]byte)) error {
	if p.notifyErr != nil {
		return p.notifyErr
	}
	p.mu.Lock()
	p.handler = fn
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) StopNotifications() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls++
	return nil
}

func (p *fakePeripheral) WriteControl(b []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeCalls++
	if p.writeErr != nil {
		return p.writeErr
	}
	p.writes = append(p.writes, append([]byte(nil), b...))
	return nil
}

func (p *fakePeripheral) Connected() bool { return p.connected.Load() }

func (p *fakePeripheral) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnects++
	p.connected.Store(false)
	return nil
}

func (p *fakePeripheral) notify(b []byte) {
	p.mu.Lock()
	fn := p.handler
	p.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

func (p *fakePeripheral) hasHandler() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler != nil
}

func (p *fakePeripheral) writtenCommands() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.writes...)
}

func (p *fakePeripheral) writeAttempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeCalls
}

func (p *fakePeripheral) cleanupCalls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCalls, p.disconnects
}

// step scripts one scan/connect cycle of the fake radio.
type step struct {
	scanErr    error
	connectErr error
	block      bool // connect waits for the context
	periph     *fakePeripheral
}

type fakeRadio struct {
	mu     sync.Mutex
	steps  []step
	scans  int
	cur    step
	onScan func()
}

func (r *fakeRadio) Scan(ctx context.Context, name string) (Target, error) {
	r.mu.Lock()
	r.scans++
	if r.onScan != nil {
		r.onScan()
	}
	if len(r.steps) == 0 {
		r.mu.Unlock()
		<-ctx.Done()
		return Target{}, ErrDeviceNotFound
	}
	r.cur = r.steps[0]
	r.steps = r.steps[1:]
	cur := r.cur
	r.mu.Unlock()

	if cur.scanErr != nil {
		return Target{}, cur.scanErr
	}
	return Target{Name: name, Address: "AA:BB"}, nil
}

func (r *fakeRadio) Connect(ctx context.Context, t Target) (Peripheral, error) {
	r.mu.Lock()
	cur := r.cur
	r.mu.Unlock()
	if cur.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if cur.connectErr != nil {
		return nil, cur.connectErr
	}
	return cur.periph, nil
}

func (r *fakeRadio) scanCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scans
}

type recordingSink struct {
	mu       sync.Mutex
	statuses []Status
	frames   []orientation.Frame
}

func (s *recordingSink) PublishStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, st)
}

func (s *recordingSink) PublishOrientation(f orientation.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
}

func (s *recordingSink) snapshot() ([]Status, []orientation.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Status(nil), s.statuses...), append([]orientation.Frame(nil), s.frames...)
}

type mailbox struct {
	mu  sync.Mutex
	cmd *IntervalCommand
}

func (b *mailbox) put(c IntervalCommand) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cmd = &c
}

func (b *mailbox) TakeCommand() (IntervalCommand, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd == nil {
		return IntervalCommand{}, false
	}
	c := *b.cmd
	b.cmd = nil
	return c, true
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.DeviceName = "test-imu"
	opts.ScanTimeout = 50 * time.Millisecond
	opts.ConnectTimeout = 50 * time.Millisecond
	opts.Heartbeat = 20 * time.Millisecond
	opts.PollInterval = 2 * time.Millisecond
	return opts
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func (r *delayRecorder) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration{}, r.delays...)
}

func newTestManager(r Radio, sink Sink, cmds CommandSource) (*Manager, *delayRecorder) {
	m := NewManager(r, sink, cmds, testOptions())
	rec := &delayRecorder{}
	m.sleep = rec.sleep
	return m, rec
}

func countConnected(statuses []Status) int {
	n := 0
	for _, s := range statuses {
		if s.Connected {
			n++
		}
	}
	return n
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	for n := 0; n < 5; n++ {
		assert.Equal(t, base*time.Duration(1<<n), Backoff(base, n))
	}
	assert.Equal(t, 4*time.Second, Backoff(base, 1))
	assert.Equal(t, 32*time.Second, Backoff(base, 4))
	assert.Equal(t, base, Backoff(base, -3))
}

func TestIntervalCommand(t *testing.T) {
	assert.Equal(t, []byte{0xf4, 0x01, 0, 0}, IntervalCommand{IntervalMS: 500}.Bytes())

	assert.NoError(t, IntervalCommand{IntervalMS: 10}.Validate())
	assert.NoError(t, IntervalCommand{IntervalMS: 1000}.Validate())
	assert.Error(t, IntervalCommand{IntervalMS: 9}.Validate())
	assert.Error(t, IntervalCommand{IntervalMS: 1001}.Validate())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "scanning", Scanning.String())
	assert.Equal(t, "exhausted", Exhausted.String())
	assert.Equal(t, "State(42)", State(42).String())
}

func TestManager_ExhaustsAfterMaxAttempts(t *testing.T) {
	radio := &fakeRadio{}
	for i := 0; i < 10; i++ {
		radio.steps = append(radio.steps, step{scanErr: ErrDeviceNotFound})
	}
	sink := &recordingSink{}
	m, delays := newTestManager(radio, sink, &mailbox{})

	err := m.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLinkExhausted))
	assert.True(t, errors.Is(err, ErrDeviceNotFound), "wraps the last failure")
	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr))
	assert.Equal(t, "scan", linkErr.Op)
	assert.Equal(t, Exhausted, m.State())
	assert.Equal(t, 5, radio.scanCount())
	assert.Equal(t, 5, m.Attempts())

	// base·2^n for n = 1..MaxAttempts-1
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}, delays.get())

	statuses, _ := sink.snapshot()
	assert.Zero(t, countConnected(statuses))
}

func TestManager_ConnectFailureEmitsStatusThenRecovers(t *testing.T) {
	p := newFakePeripheral("test-imu")
	radio := &fakeRadio{steps: []step{
		{connectErr: errors.New("le-connection-abort-by-local")},
		{block: true}, // hits ConnectTimeout
		{periph: p},
	}}
	sink := &recordingSink{}
	m, delays := newTestManager(radio, sink, &mailbox{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return p.hasHandler() && m.Attempts() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second}, delays.get())

	statuses, _ := sink.snapshot()
	require.GreaterOrEqual(t, len(statuses), 3)
	assert.Equal(t, Status{Connected: false, DeviceName: "test-imu"}, statuses[0])
	assert.Equal(t, Status{Connected: false, DeviceName: "test-imu"}, statuses[1])
	assert.Equal(t, Status{Connected: true, DeviceName: "test-imu"}, statuses[2])

	cancel()
	require.NoError(t, <-done)
}

func TestManager_SessionStreamsAndHandlesCommands(t *testing.T) {
	p := newFakePeripheral("test-imu")
	radio := &fakeRadio{steps: []step{{periph: p}}}
	sink := &recordingSink{}
	cmds := &mailbox{}
	m, _ := newTestManager(radio, sink, cmds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, p.hasHandler, time.Second, time.Millisecond)

	// tilted 30° on x, still
	s := imu.RawSample{TimestampMS: 100, Acc: imu.Vec3f{Y: 0.5, Z: 0.8660254}}
	p.notify(imu.Encode(s))
	p.notify([]byte{1, 2, 3}) // malformed, dropped
	s.TimestampMS = 200
	p.notify(imu.Encode(s))

	_, frames := sink.snapshot()
	require.Len(t, frames, 2)
	// default mapping: output x <- filter x, output z <- -filter y
	assert.InDelta(t, 0.6, frames[0].X, 1e-3)
	assert.InDelta(t, 0.6*0.98+0.6, frames[1].X, 1e-3)
	assert.InDelta(t, 0, frames[1].Y, 1e-9)

	cmds.put(IntervalCommand{IntervalMS: 250})
	require.Eventually(t, func() bool { return len(p.writtenCommands()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, uint32(250), binary.LittleEndian.Uint32(p.writtenCommands()[0]))

	// heartbeats repeat the connected status
	require.Eventually(t, func() bool {
		statuses, _ := sink.snapshot()
		return countConnected(statuses) >= 3
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, Idle, m.State())
}

func TestManager_WriteFailureIsNotFatal(t *testing.T) {
	p := newFakePeripheral("test-imu")
	p.writeErr = errors.New("gatt write failed")
	radio := &fakeRadio{steps: []step{{periph: p}}}
	cmds := &mailbox{}
	m, _ := newTestManager(radio, &recordingSink{}, cmds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, p.hasHandler, time.Second, time.Millisecond)
	cmds.put(IntervalCommand{IntervalMS: 50})
	require.Eventually(t, func() bool { return p.writeAttempts() == 1 }, time.Second, time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, p.writeAttempts(), "failed writes are not retried")
	assert.Equal(t, Connected, m.State())
	assert.Empty(t, p.writtenCommands())

	cancel()
	require.NoError(t, <-done)
}

func TestManager_DisconnectReturnsToScanningWithoutCounting(t *testing.T) {
	p := newFakePeripheral("test-imu")
	radio := &fakeRadio{steps: []step{
		{scanErr: ErrDeviceNotFound},
		{periph: p},
	}}
	sink := &recordingSink{}
	m, _ := newTestManager(radio, sink, &mailbox{})

	// failure count seen at the start of each scan
	var seen []int
	radio.onScan = func() { seen = append(seen, m.Attempts()) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return p.hasHandler() && m.Attempts() == 0 }, time.Second, time.Millisecond)

	p.connected.Store(false)
	require.Eventually(t, func() bool { return radio.scanCount() >= 3 }, time.Second, time.Millisecond)
	radio.mu.Lock()
	assert.Equal(t, []int{0, 1, 0}, seen[:3])
	radio.mu.Unlock()

	stops, disconnects := p.cleanupCalls()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, disconnects)

	statuses, _ := sink.snapshot()
	require.NotEmpty(t, statuses)
	assert.False(t, statuses[len(statuses)-1].Connected)

	cancel()
	require.NoError(t, <-done)
}

func TestManager_CancelRunsCleanup(t *testing.T) {
	p := newFakePeripheral("test-imu")
	radio := &fakeRadio{steps: []step{{periph: p}}}
	sink := &recordingSink{}
	m, _ := newTestManager(radio, sink, &mailbox{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, p.hasHandler, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	stops, disconnects := p.cleanupCalls()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, disconnects)

	statuses, frames := sink.snapshot()
	assert.Equal(t, Status{Connected: false, DeviceName: "test-imu"}, statuses[len(statuses)-1])

	// handler is inert after shutdown
	p.notify(imu.Encode(imu.RawSample{Acc: imu.Vec3f{Z: 1}}))
	_, after := sink.snapshot()
	assert.Equal(t, len(frames), len(after))
}

func TestManager_NotificationSetupFailureCounts(t *testing.T) {
	p := newFakePeripheral("test-imu")
	p.notifyErr = errors.New("notify not permitted")
	radio := &fakeRadio{}
	for i := 0; i < 5; i++ {
		radio.steps = append(radio.steps, step{periph: p})
	}
	m, _ := newTestManager(radio, &recordingSink{}, &mailbox{})

	err := m.Run(context.Background())
	assert.True(t, errors.Is(err, ErrLinkExhausted))
	var linkErr *LinkError
	require.True(t, errors.As(err, &linkErr))
	assert.Equal(t, "session", linkErr.Op)
}

func TestManager_ConnectTimeoutIsLinkTimeout(t *testing.T) {
	radio := &fakeRadio{steps: []step{{block: true}}}
	m, _ := newTestManager(radio, &recordingSink{}, &mailbox{})
	m.opts.MaxAttempts = 1

	err := m.Run(context.Background())
	assert.True(t, errors.Is(err, ErrLinkExhausted))
	assert.True(t, errors.Is(err, ErrLinkTimeout))
}

func TestManager_SilentPeripheralIsTreatedAsDisconnected(t *testing.T) {
	p := newFakePeripheral("test-imu")
	radio := &fakeRadio{steps: []step{{periph: p}}}
	sink := &recordingSink{}
	opts := testOptions()
	opts.StaleSamples = 2 // 200ms at the default interval
	m := NewManager(radio, sink, &mailbox{}, opts)
	m.sleep = (&delayRecorder{}).sleep

	// failure count seen at the start of each scan
	var seen []int
	radio.onScan = func() { seen = append(seen, m.Attempts()) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, p.hasHandler, time.Second, time.Millisecond)
	p.notify(imu.Encode(imu.RawSample{TimestampMS: 100, Acc: imu.Vec3f{Z: 1}}))

	// the radio never reports the drop
	require.Eventually(t, func() bool { return radio.scanCount() >= 2 }, 2*time.Second, time.Millisecond)
	radio.mu.Lock()
	assert.Equal(t, []int{0, 0}, seen[:2], "a silent link does not count as a failed attempt")
	radio.mu.Unlock()

	stops, disconnects := p.cleanupCalls()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, disconnects)

	statuses, frames := sink.snapshot()
	assert.Len(t, frames, 1)
	require.NotEmpty(t, statuses)
	assert.Equal(t, Status{Connected: false, DeviceName: "test-imu"}, statuses[len(statuses)-1])

	cancel()
	require.NoError(t, <-done)
}

func TestManager_StaleAfter(t *testing.T) {
	opts := testOptions()
	opts.Heartbeat = 2 * time.Second
	opts.StaleSamples = 10
	m := NewManager(&fakeRadio{}, &recordingSink{}, &mailbox{}, opts)

	// heartbeat is the floor
	assert.Equal(t, 2*time.Second, m.staleAfter())

	m.sampleInterval = 500 * time.Millisecond
	assert.Equal(t, 5*time.Second, m.staleAfter())

	m.opts.StaleSamples = 0
	assert.Zero(t, m.staleAfter())
}

func TestManager_WrittenIntervalStretchesWatchdog(t *testing.T) {
	p := newFakePeripheral("test-imu")
	radio := &fakeRadio{steps: []step{{periph: p}}}
	cmds := &mailbox{}
	opts := testOptions()
	opts.StaleSamples = 2
	m := NewManager(radio, &recordingSink{}, cmds, opts)
	m.sleep = (&delayRecorder{}).sleep

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, p.hasHandler, time.Second, time.Millisecond)
	cmds.put(IntervalCommand{IntervalMS: 1000})
	require.Eventually(t, func() bool { return len(p.writtenCommands()) == 1 }, time.Second, time.Millisecond)

	// 2 x 1000ms now, well past the 200ms default
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 1, radio.scanCount())

	cancel()
	require.NoError(t, <-done)
}
