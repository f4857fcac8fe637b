package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwade/scale/eventlog"
	"github.com/wwade/scale/presence"
	"github.com/wwade/scale/scale"
)

type fakeReading struct {
	grams float64
	err   error
}

// fakeScale serves a scripted sequence of readings and closes done
// once the script is exhausted (further reads return zero grams).
type fakeScale struct {
	mu          sync.Mutex
	script      []fakeReading
	i           int
	connected   bool
	tares       int
	failTares   int
	disconnects int
	battery     float64
	batteryErr  error
	batteryGets int

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeScale(script ...fakeReading) *fakeScale {
	return &fakeScale{script: script, connected: true, battery: 100, done: make(chan struct{})}
}

func (f *fakeScale) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeScale) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connected {
		f.disconnects++
	}
	f.connected = false
	return nil
}

func (f *fakeScale) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeScale) Read() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.i >= len(f.script) {
		f.doneOnce.Do(func() { close(f.done) })
		return 0, nil
	}
	r := f.script[f.i]
	f.i++
	if f.i == len(f.script) {
		f.doneOnce.Do(func() { close(f.done) })
	}
	return r.grams, r.err
}

func (f *fakeScale) Tare() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tares++
	if f.tares <= f.failTares {
		return &scale.CalibrationError{Err: errors.New("tare rejected")}
	}
	return nil
}

func (f *fakeScale) Battery() (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batteryGets++
	return f.battery, f.batteryErr
}

func (f *fakeScale) tareCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tares
}

func (f *fakeScale) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

type recordingSink struct {
	mu     sync.Mutex
	events []presence.Event
}

func (s *recordingSink) Append(ev presence.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) kinds() []presence.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]presence.EventKind, len(s.events))
	for i, ev := range s.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// failingSink rejects the first failFirst appends, then records like
// recordingSink.
type failingSink struct {
	recordingSink
	failFirst int
	calls     int
}

func (s *failingSink) Append(ev presence.Event) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failFirst
	s.mu.Unlock()
	if fail {
		return &eventlog.WriteError{Err: errors.New("disk full")}
	}
	return s.recordingSink.Append(ev)
}

type systemRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *systemRecorder) PublishSystem(event, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *systemRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func testLoopConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SampleInterval = 0.001
	cfg.TareSettle = 0
	cfg.TareCooldown = 3600 // no repeat auto-tares within a test
	cfg.Battery.Disabled = true
	return cfg
}

func newTestLoop(t *testing.T, cfg *Config, dev scale.Scale, sink eventlog.Sink) *loop {
	t.Helper()
	machine, err := presence.NewMonitor(cfg.Presence())
	require.NoError(t, err)
	return &loop{
		dev:     dev,
		machine: machine,
		sink:    sink,
		cfg:     cfg,
		status:  newStatusStore(),
		tareReq: make(chan struct{}, 1),
	}
}

// runUntilScripted runs the loop until the fake's script has been
// consumed, then cancels and waits for it to return.
func runUntilScripted(t *testing.T, l *loop, fake *fakeScale) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_ = l.run(ctx)
	}()

	select {
	case <-fake.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for scripted readings to be consumed")
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for loop to stop")
	}
}

func TestLoopRecordsVisit(t *testing.T) {
	fake := newFakeScale(
		fakeReading{grams: 0},
		fakeReading{grams: 35},
		fakeReading{grams: 40},
		fakeReading{grams: 0},
	)
	sink := &recordingSink{}
	l := newTestLoop(t, testLoopConfig(t), fake, sink)

	runUntilScripted(t, l, fake)

	require.Equal(t, []presence.EventKind{
		presence.EventBirdLanded,
		presence.EventBirdPresent,
		presence.EventBirdLeft,
	}, sink.kinds())
	assert.Equal(t, 35.0, sink.events[0].Grams)
	assert.Equal(t, 40.0, sink.events[1].Grams)
	// Departure carries the last in-band weight.
	assert.Equal(t, 40.0, sink.events[2].Grams)

	st := l.status.snapshot()
	assert.Equal(t, string(presence.StateIdle), st.State)
	assert.True(t, st.Connected)
	assert.Equal(t, string(presence.EventBirdLeft), st.LastEvent)
}

func TestLoopSkipsReadErrors(t *testing.T) {
	fake := newFakeScale(
		fakeReading{grams: 35},
		fakeReading{err: &scale.ReadError{Err: context.DeadlineExceeded}},
		fakeReading{grams: 36},
		fakeReading{grams: 0},
	)
	sink := &recordingSink{}
	l := newTestLoop(t, testLoopConfig(t), fake, sink)

	runUntilScripted(t, l, fake)

	assert.Equal(t, []presence.EventKind{
		presence.EventBirdLanded,
		presence.EventBirdPresent,
		presence.EventBirdLeft,
	}, sink.kinds())
	// A lone failure must not tear the connection down.
	assert.Equal(t, 0, fake.disconnectCount())
}

func TestLoopDropsLinkAfterRepeatedReadFailures(t *testing.T) {
	script := make([]fakeReading, maxConsecutiveReadFailures)
	for i := range script {
		script[i] = fakeReading{err: &scale.ReadError{Err: context.DeadlineExceeded}}
	}
	fake := newFakeScale(script...)
	sink := &recordingSink{}
	l := newTestLoop(t, testLoopConfig(t), fake, sink)

	runUntilScripted(t, l, fake)

	assert.GreaterOrEqual(t, fake.disconnectCount(), 1)
	assert.Empty(t, sink.events)
}

func TestLoopAutoTaresJunkWeight(t *testing.T) {
	fake := newFakeScale(
		fakeReading{grams: 5},
		fakeReading{grams: 5},
		fakeReading{grams: 5},
	)
	sink := &recordingSink{}
	l := newTestLoop(t, testLoopConfig(t), fake, sink)

	runUntilScripted(t, l, fake)

	// One tare for the junk weight, then the cooldown holds.
	assert.Equal(t, 1, fake.tareCount())
	assert.Empty(t, sink.events)
}

func TestLoopManualTareBypassesCooldown(t *testing.T) {
	fake := newFakeScale(
		fakeReading{grams: 0},
		fakeReading{grams: 0},
	)
	sink := &recordingSink{}
	l := newTestLoop(t, testLoopConfig(t), fake, sink)
	l.tareReq <- struct{}{}

	runUntilScripted(t, l, fake)

	// Near-zero weight never auto-tares, so this must be the manual one.
	assert.Equal(t, 1, fake.tareCount())
}

func TestLoopContinuesAfterSinkWriteFailure(t *testing.T) {
	fake := newFakeScale(
		fakeReading{grams: 35},
		fakeReading{grams: 40},
		fakeReading{grams: 0},
	)
	sink := &failingSink{failFirst: 1}
	l := newTestLoop(t, testLoopConfig(t), fake, sink)

	runUntilScripted(t, l, fake)

	// The landed row was rejected; sampling carried on and the rest of
	// the visit was still recorded.
	assert.Equal(t, 3, sink.calls)
	assert.Equal(t, []presence.EventKind{
		presence.EventBirdPresent,
		presence.EventBirdLeft,
	}, sink.kinds())
}

func TestLoopSurvivesTareFailure(t *testing.T) {
	fake := newFakeScale(
		fakeReading{grams: 5},
		fakeReading{grams: 35},
		fakeReading{grams: 40},
		fakeReading{grams: 0},
	)
	fake.failTares = 1
	sink := &recordingSink{}
	l := newTestLoop(t, testLoopConfig(t), fake, sink)

	runUntilScripted(t, l, fake)

	// The failed tare is logged and the loop keeps classifying.
	assert.Equal(t, 1, fake.tareCount())
	assert.Equal(t, []presence.EventKind{
		presence.EventBirdLanded,
		presence.EventBirdPresent,
		presence.EventBirdLeft,
	}, sink.kinds())
}

func TestLoopTaresAgainAfterFailure(t *testing.T) {
	fake := newFakeScale(
		fakeReading{grams: 5},
		fakeReading{grams: 5},
	)
	fake.failTares = 1
	cfg := testLoopConfig(t)
	cfg.TareCooldown = 0
	l := newTestLoop(t, cfg, fake, &recordingSink{})

	runUntilScripted(t, l, fake)

	// The cooldown is charged even for the failed attempt, so with no
	// cooldown the next junk sample tries again and succeeds.
	assert.Equal(t, 2, fake.tareCount())
}

func TestCheckBatteryAlertsOnce(t *testing.T) {
	fake := newFakeScale()
	fake.battery = 15
	sys := &systemRecorder{}
	cfg := testLoopConfig(t)
	cfg.Battery.Disabled = false
	l := newTestLoop(t, cfg, fake, &recordingSink{})
	l.system = sys

	now := time.Now()
	l.checkBattery(now)
	assert.Equal(t, 1, sys.count())

	// Still low on the next check, but already alerted.
	l.checkBattery(now.Add(cfg.Battery.Interval()))
	assert.Equal(t, 1, sys.count())

	assert.Equal(t, 15.0, l.status.snapshot().Battery)
}

func TestCheckBatteryAlertResetsAfterRecovery(t *testing.T) {
	fake := newFakeScale()
	fake.battery = 15
	sys := &systemRecorder{}
	cfg := testLoopConfig(t)
	cfg.Battery.Disabled = false
	l := newTestLoop(t, cfg, fake, &recordingSink{})
	l.system = sys

	now := time.Now()
	l.checkBattery(now)
	require.Equal(t, 1, sys.count())

	// Needs to clear the threshold by the hysteresis margin.
	fake.battery = cfg.Battery.Threshold + 6
	now = now.Add(cfg.Battery.Interval())
	l.checkBattery(now)
	assert.Equal(t, 1, sys.count())

	fake.battery = 15
	now = now.Add(cfg.Battery.Interval())
	l.checkBattery(now)
	assert.Equal(t, 2, sys.count())
}

func TestCheckBatteryDeadBandHoldsAlert(t *testing.T) {
	fake := newFakeScale()
	fake.battery = 15
	sys := &systemRecorder{}
	cfg := testLoopConfig(t)
	cfg.Battery.Disabled = false
	l := newTestLoop(t, cfg, fake, &recordingSink{})
	l.system = sys

	now := time.Now()
	l.checkBattery(now)
	require.Equal(t, 1, sys.count())

	// Between the threshold and threshold+5: not enough recovery to
	// clear the latch.
	fake.battery = cfg.Battery.Threshold + 3
	now = now.Add(cfg.Battery.Interval())
	l.checkBattery(now)

	fake.battery = 15
	now = now.Add(cfg.Battery.Interval())
	l.checkBattery(now)
	assert.Equal(t, 1, sys.count())
}

func TestCheckBatteryRespectsInterval(t *testing.T) {
	fake := newFakeScale()
	cfg := testLoopConfig(t)
	cfg.Battery.Disabled = false
	l := newTestLoop(t, cfg, fake, &recordingSink{})

	now := time.Now()
	l.checkBattery(now)
	l.checkBattery(now.Add(time.Second))
	assert.Equal(t, 1, fake.batteryGets)

	l.checkBattery(now.Add(cfg.Battery.Interval()))
	assert.Equal(t, 2, fake.batteryGets)
}

func TestCheckBatteryUnsupportedDisablesWatch(t *testing.T) {
	fake := newFakeScale()
	fake.batteryErr = scale.ErrBatteryUnsupported
	cfg := testLoopConfig(t)
	cfg.Battery.Disabled = false
	l := newTestLoop(t, cfg, fake, &recordingSink{})

	now := time.Now()
	l.checkBattery(now)
	l.checkBattery(now.Add(cfg.Battery.Interval()))
	assert.True(t, l.batteryDisabled)
	assert.Equal(t, 1, fake.batteryGets)
}
