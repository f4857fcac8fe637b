// Package presence turns a stream of weight samples into discrete bird
// visit events and decides when the scale should be re-zeroed.
// It does no I/O and keeps no clock of its own; time comes in with each
// sample, so the same sample sequence always produces the same events.
package presence

import (
	"fmt"
	"math"
	"time"
)

// State of the scale as classified from the weight stream.
type State string

const (
	StateIdle    State = "IDLE"
	StatePresent State = "PRESENT"
)

// EventKind identifies what happened on the scale.
type EventKind string

const (
	EventBirdLanded  EventKind = "bird_landed"
	EventBirdPresent EventKind = "bird_present"
	EventBirdLeft    EventKind = "bird_left"
)

// Sample is a single timestamped weight reading.
type Sample struct {
	Time  time.Time
	Grams float64
}

// Event is emitted by the monitor and never revised afterwards.
type Event struct {
	Time  time.Time
	Grams float64
	Kind  EventKind
}

// Config holds the tunables for classification and auto-taring.
type Config struct {
	// MinGrams and MaxGrams bound the bird weight band.
	MinGrams float64
	MaxGrams float64
	// ZeroEpsilon is how far from zero a reading can be and still count
	// as an empty scale. Anything outside the band and beyond this is
	// junk weight and makes the scale eligible for an auto-tare.
	ZeroEpsilon float64
	// TareCooldown is the minimum time between auto-tare requests.
	// Taring has a physical settle time so it must not be requested
	// every sample while junk sits on the scale.
	TareCooldown time.Duration
}

// DefaultConfig returns the config for a typical small bird.
func DefaultConfig() Config {
	return Config{
		MinGrams:     20,
		MaxGrams:     60,
		ZeroEpsilon:  0.5,
		TareCooldown: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.MinGrams <= 0 || c.MaxGrams <= 0 {
		return fmt.Errorf("weight band must be positive, got %.1f-%.1f", c.MinGrams, c.MaxGrams)
	}
	if c.MinGrams >= c.MaxGrams {
		return fmt.Errorf("min weight %.1f must be below max weight %.1f", c.MinGrams, c.MaxGrams)
	}
	if c.ZeroEpsilon < 0 {
		return fmt.Errorf("zero epsilon must not be negative, got %.2f", c.ZeroEpsilon)
	}
	if c.TareCooldown < 0 {
		return fmt.Errorf("tare cooldown must not be negative, got %v", c.TareCooldown)
	}
	return nil
}

// Monitor is the presence state machine. It owns all mutable visit state
// and must only be driven from a single goroutine.
type Monitor struct {
	cfg   Config
	state State

	// Open episode. Cleared on the transition back to idle.
	startTime time.Time
	lastSeen  time.Time
	lastGrams float64

	lastTare time.Time
}

// NewMonitor returns a monitor in the idle state.
func NewMonitor(cfg Config) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Monitor{cfg: cfg, state: StateIdle}, nil
}

// Process consumes one sample and returns the events to record plus
// whether the scale should be tared now. The last-tare time is recorded
// as soon as a tare is requested, before the command runs, so a failed
// tare still waits out the cooldown.
//
// A single out-of-band reading during a visit ends the episode and the
// next in-band reading starts a new one. There is deliberately no
// debounce window here; see the package tests pinning that behaviour.
func (m *Monitor) Process(s Sample) ([]Event, bool) {
	inBand := s.Grams >= m.cfg.MinGrams && s.Grams <= m.cfg.MaxGrams

	if m.state == StatePresent {
		if inBand {
			m.lastSeen = s.Time
			m.lastGrams = s.Grams
			return []Event{{Time: s.Time, Grams: s.Grams, Kind: EventBirdPresent}}, false
		}
		// The bird left (or the reading is junk). The event carries the
		// last in-band observation so visit durations reflect the time
		// the bird was actually seen.
		left := Event{Time: m.lastSeen, Grams: m.lastGrams, Kind: EventBirdLeft}
		m.clearEpisode()
		return []Event{left}, false
	}

	if inBand {
		m.state = StatePresent
		m.startTime = s.Time
		m.lastSeen = s.Time
		m.lastGrams = s.Grams
		return []Event{{Time: s.Time, Grams: s.Grams, Kind: EventBirdLanded}}, false
	}

	// Idle with an out-of-band reading. Near zero means an empty scale,
	// anything else is junk weight and the scale should be re-zeroed
	// once the cooldown allows.
	if math.Abs(s.Grams) > m.cfg.ZeroEpsilon && s.Time.Sub(m.lastTare) > m.cfg.TareCooldown {
		m.lastTare = s.Time
		return nil, true
	}
	return nil, false
}

// Reset abandons any open episode, e.g. after a reconnect when the
// scale may have been disturbed. No closing event is emitted for the
// abandoned episode. The tare cooldown is kept as it tracks the
// physical scale, not the connection.
func (m *Monitor) Reset() {
	m.clearEpisode()
}

func (m *Monitor) clearEpisode() {
	m.state = StateIdle
	m.startTime = time.Time{}
	m.lastSeen = time.Time{}
	m.lastGrams = 0
}

// State returns the current classification.
func (m *Monitor) State() State {
	return m.state
}

// EpisodeStart returns when the current visit began, or the zero time
// if no bird is present.
func (m *Monitor) EpisodeStart() time.Time {
	return m.startTime
}
