package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/wwade/scale/eventlog"
	"github.com/wwade/scale/presence"
	"github.com/wwade/scale/scale"
)

const (
	reconnectInitialDelay = time.Second
	reconnectMaxDelay     = 30 * time.Second
	reconnectSettle       = time.Second

	// This many failed reads in a row is treated as a dead link even
	// if the transport still claims to be connected.
	maxConsecutiveReadFailures = 5
)

// systemPublisher is the optional side channel for operational
// messages (satisfied by eventlog.MQTT).
type systemPublisher interface {
	PublishSystem(event, detail string) error
}

// loop is the sampling loop: read, classify, record, sleep. Strictly
// sequential; the only concurrent access is status snapshots and tare
// requests from the D-Bus service.
type loop struct {
	dev     scale.Scale
	machine *presence.Monitor
	sink    eventlog.Sink
	cfg     *Config
	status  *statusStore
	tareReq chan struct{}
	system  systemPublisher

	readFailures int
	episodeStart time.Time

	// Battery watch state.
	lastBatteryCheck time.Time
	batteryAlerted   bool
	batteryDisabled  bool
}

// run drives the loop until the context is cancelled. Cancellation is
// checked between iterations, never pre-empting an in-flight call.
func (l *loop) run(ctx context.Context) error {
	interval := l.cfg.Interval()
	next := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if !l.dev.Connected() {
			if err := l.reconnect(ctx); err != nil {
				return nil // cancelled while reconnecting
			}
			next = time.Now()
			continue
		}

		l.handleTareRequests()
		l.checkBattery(time.Now())
		l.tick()

		// Fixed-rate scheduling: step the deadline, not the sleep, so
		// slow I/O does not accumulate drift.
		next = next.Add(interval)
		wait := time.Until(next)
		if wait < 0 {
			// Fell more than a full interval behind; rebase rather
			// than bursting to catch up.
			next = time.Now()
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// tick takes one sample through the state machine.
func (l *loop) tick() {
	grams, err := l.dev.Read()
	if err != nil {
		l.readFailures++
		log.Errorf("Reading weight: %v", err)
		if l.readFailures >= maxConsecutiveReadFailures {
			log.Errorf("%d consecutive read failures, treating the link as dead", l.readFailures)
			if err := l.dev.Disconnect(); err != nil {
				log.Debugf("Disconnect after read failures: %v", err)
			}
		}
		return
	}
	l.readFailures = 0

	sample := presence.Sample{Time: time.Now(), Grams: grams}
	events, tare := l.machine.Process(sample)

	for _, ev := range events {
		switch ev.Kind {
		case presence.EventBirdLanded:
			l.episodeStart = ev.Time
			log.Infof("Bird landed: %.1fg", ev.Grams)
		case presence.EventBirdLeft:
			log.Infof("Bird left (duration: %s)", ev.Time.Sub(l.episodeStart).Truncate(time.Second))
		}
		if err := l.sink.Append(ev); err != nil {
			// Losing a row beats losing the session.
			log.Errorf("Recording event: %v", err)
		}
		l.status.setLastEvent(ev)
	}
	l.status.setReading(sample, l.machine.State())

	if tare {
		l.tare(grams)
	}
}

func (l *loop) tare(grams float64) {
	log.Infof("Auto-taring (weight: %.1fg)", grams)
	if err := l.dev.Tare(); err != nil {
		log.Errorf("Taring: %v", err)
		return
	}
	// Give the scale time to process the tare.
	time.Sleep(l.cfg.Settle())
}

// handleTareRequests drains manual tare requests from the D-Bus
// service. Manual tares bypass the auto-tare cooldown.
func (l *loop) handleTareRequests() {
	select {
	case <-l.tareReq:
		log.Info("Manual tare requested")
		if err := l.dev.Tare(); err != nil {
			log.Errorf("Manual tare: %v", err)
			return
		}
		time.Sleep(l.cfg.Settle())
	default:
	}
}

func (l *loop) checkBattery(now time.Time) {
	cfg := l.cfg.Battery
	if cfg.Disabled || l.batteryDisabled {
		return
	}
	if !l.lastBatteryCheck.IsZero() && now.Sub(l.lastBatteryCheck) < cfg.Interval() {
		return
	}

	level, err := l.dev.Battery()
	if errors.Is(err, scale.ErrBatteryUnsupported) {
		log.Warn("Battery reporting not supported by this scale, disabling battery watch")
		l.batteryDisabled = true
		return
	}
	if err != nil {
		log.Warnf("Reading battery level: %v", err)
		return
	}

	l.lastBatteryCheck = now
	l.status.setBattery(level)
	log.Infof("Battery: %.1f%%", level)

	if level <= cfg.Threshold && !l.batteryAlerted {
		log.Warnf("Battery low: %.1f%% (threshold %.1f%%)", level, cfg.Threshold)
		if l.system != nil {
			if err := l.system.PublishSystem("battery_low", formatPercent(level)); err != nil {
				log.Errorf("Publishing battery alert: %v", err)
			}
		}
		l.batteryAlerted = true
	} else if level > cfg.Threshold+5 {
		// Readings between the threshold and threshold+5 keep the
		// latched alert state; clearing needs a real recovery so a
		// level hovering at the threshold does not re-alert every
		// check.
		l.batteryAlerted = false
	}
}

// reconnect retries the connection with exponential backoff until it
// succeeds or the context is cancelled. Any open episode is abandoned
// since the scale may have been disturbed while unreachable.
func (l *loop) reconnect(ctx context.Context) error {
	log.Info("Scale disconnected, attempting to reconnect...")
	l.status.setConnected(false)
	if err := l.dev.Disconnect(); err != nil {
		log.Debugf("Disconnect before reconnect: %v", err)
	}

	delay := reconnectInitialDelay
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.dev.Connect()
		if err == nil {
			break
		}
		log.Errorf("Reconnection failed: %v. Retrying in %s", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
	}

	log.Info("Reconnected successfully")
	l.machine.Reset()
	l.readFailures = 0
	l.lastBatteryCheck = time.Time{}
	l.status.setConnected(true)

	// Let the scale stabilise before sampling again.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(reconnectSettle):
	}
	return nil
}

func formatPercent(v float64) string {
	return fmt.Sprintf("%.1f%%", v)
}

// Status is the snapshot served over D-Bus.
type Status struct {
	State         string  `json:"state"`
	WeightGrams   float64 `json:"weight_g"`
	Battery       float64 `json:"battery_pct"`
	Connected     bool    `json:"connected"`
	LastEvent     string  `json:"last_event,omitempty"`
	LastEventTime string  `json:"last_event_time,omitempty"`
}

// statusStore is the only state shared between the loop and the D-Bus
// service goroutines.
type statusStore struct {
	mu sync.Mutex
	s  Status
}

func newStatusStore() *statusStore {
	return &statusStore{s: Status{State: string(presence.StateIdle), Battery: -1}}
}

func (st *statusStore) setReading(s presence.Sample, state presence.State) {
	st.mu.Lock()
	st.s.WeightGrams = s.Grams
	st.s.State = string(state)
	st.s.Connected = true
	st.mu.Unlock()
}

func (st *statusStore) setLastEvent(ev presence.Event) {
	st.mu.Lock()
	st.s.LastEvent = string(ev.Kind)
	st.s.LastEventTime = ev.Time.Format(time.RFC3339)
	st.mu.Unlock()
}

func (st *statusStore) setBattery(level float64) {
	st.mu.Lock()
	st.s.Battery = level
	st.mu.Unlock()
}

func (st *statusStore) setConnected(connected bool) {
	st.mu.Lock()
	st.s.Connected = connected
	st.mu.Unlock()
}

func (st *statusStore) snapshot() Status {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s
}
