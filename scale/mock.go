package scale

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/TheCacophonyProject/go-utils/logging"
)

var log = logging.NewLogger("info")

// Scenario selects the behaviour of the mock scale.
type Scenario string

const (
	// ScenarioRandom mixes bird visits with occasional junk.
	ScenarioRandom Scenario = "random"
	// ScenarioQuickVisits produces many short visits.
	ScenarioQuickVisits Scenario = "quick_visits"
	// ScenarioLongVisit produces long sitting sessions.
	ScenarioLongVisit Scenario = "long_visit"
	// ScenarioFrequentTare puts junk on the scale half the time.
	ScenarioFrequentTare Scenario = "frequent_tare"
)

// Scenarios lists the valid scenario names for flag help.
func Scenarios() []Scenario {
	return []Scenario{ScenarioRandom, ScenarioQuickVisits, ScenarioLongVisit, ScenarioFrequentTare}
}

type scenarioParams struct {
	visitMin, visitMax time.Duration
	emptyMin, emptyMax time.Duration
	junkProbability    float64
}

var scenarioTable = map[Scenario]scenarioParams{
	ScenarioRandom:       {5 * time.Second, 20 * time.Second, 10 * time.Second, 30 * time.Second, 0.2},
	ScenarioQuickVisits:  {2 * time.Second, 8 * time.Second, 3 * time.Second, 10 * time.Second, 0.1},
	ScenarioLongVisit:    {30 * time.Second, 60 * time.Second, 15 * time.Second, 30 * time.Second, 0.05},
	ScenarioFrequentTare: {3 * time.Second, 10 * time.Second, 2 * time.Second, 5 * time.Second, 0.5},
}

// Mock bird weights sit inside the default detection band.
const (
	mockBirdMin = 25.0
	mockBirdMax = 55.0

	mockReadNoise = 0.5

	// Battery drains 0.1% per minute from full, like a real scale
	// left on for a weekend.
	mockBatteryDrainPerMin = 0.1

	junkMin, junkMax = 2 * time.Second, 6 * time.Second
)

type mockState int

const (
	mockEmpty mockState = iota
	mockBird
	mockJunk
)

// Mock is a simulated scale driven by a seeded random source and an
// injectable clock, so a given seed and clock always produce the same
// reading sequence.
type Mock struct {
	scenario  Scenario
	params    scenarioParams
	rng       *rand.Rand
	now       func() time.Time
	connected bool

	rawGrams   float64
	tareOffset float64

	state      mockState
	stateStart time.Time
	stateFor   time.Duration

	batteryStart time.Time
}

// NewMock creates a mock scale for the named scenario.
func NewMock(scenario Scenario, seed int64) (*Mock, error) {
	params, ok := scenarioTable[scenario]
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", scenario)
	}
	return &Mock{
		scenario: scenario,
		params:   params,
		rng:      rand.New(rand.NewSource(seed)),
		now:      time.Now,
	}, nil
}

// SetClock replaces the wall clock, for tests.
func (m *Mock) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Mock) Connect() error {
	m.connected = true
	now := m.now()
	m.stateStart = now
	m.stateFor = m.randDuration(m.params.emptyMin, m.params.emptyMax)
	m.batteryStart = now
	log.Infof("Mock scale connected (scenario: %s)", m.scenario)
	return nil
}

func (m *Mock) Disconnect() error {
	m.connected = false
	log.Info("Mock scale disconnected")
	return nil
}

func (m *Mock) Connected() bool {
	return m.connected
}

func (m *Mock) Read() (float64, error) {
	if !m.connected {
		return 0, &ReadError{Err: errors.New("mock scale not connected")}
	}
	m.advance()
	noise := (m.rng.Float64()*2 - 1) * mockReadNoise
	return m.rawGrams - m.tareOffset + noise, nil
}

func (m *Mock) Tare() error {
	if !m.connected {
		return &CalibrationError{Err: errors.New("mock scale not connected")}
	}
	m.tareOffset = m.rawGrams
	log.Debugf("Mock scale tared (offset: %.1fg)", m.tareOffset)
	return nil
}

func (m *Mock) Battery() (float64, error) {
	if !m.connected {
		return 0, &ReadError{Err: errors.New("mock scale not connected")}
	}
	elapsedMin := m.now().Sub(m.batteryStart).Minutes()
	level := 100.0 - elapsedMin*mockBatteryDrainPerMin
	if level < 0 {
		level = 0
	}
	return level, nil
}

// advance moves the simulated state forward if the current state has
// run its sampled duration.
func (m *Mock) advance() {
	now := m.now()
	if now.Sub(m.stateStart) <= m.stateFor {
		return
	}

	switch m.state {
	case mockEmpty:
		if m.rng.Float64() < m.params.junkProbability {
			m.toJunk(now)
		} else {
			m.toBird(now)
		}
	case mockBird, mockJunk:
		m.toEmpty(now)
	}
}

func (m *Mock) toBird(now time.Time) {
	m.state = mockBird
	m.stateStart = now
	m.stateFor = m.randDuration(m.params.visitMin, m.params.visitMax)
	// One weight per visit; the read noise supplies the jitter.
	m.rawGrams = mockBirdMin + m.rng.Float64()*(mockBirdMax-mockBirdMin)
	log.Debugf("Mock bird landed (%.1fg)", m.rawGrams)
}

func (m *Mock) toEmpty(now time.Time) {
	m.state = mockEmpty
	m.stateStart = now
	m.stateFor = m.randDuration(m.params.emptyMin, m.params.emptyMax)
	m.rawGrams = 0
	log.Debug("Mock scale empty")
}

func (m *Mock) toJunk(now time.Time) {
	m.state = mockJunk
	m.stateStart = now
	m.stateFor = m.randDuration(junkMin, junkMax)
	switch m.rng.Intn(3) {
	case 0:
		// Light junk: dust, small debris.
		m.rawGrams = 0.5 + m.rng.Float64()*14.5
	case 1:
		// Heavy junk: a cup, a hand.
		m.rawGrams = 70 + m.rng.Float64()*130
	default:
		// Negative drift: something removed after the last tare.
		m.rawGrams = -20 + m.rng.Float64()*18
	}
	log.Debugf("Mock junk on scale (%.1fg)", m.rawGrams)
}

func (m *Mock) randDuration(min, max time.Duration) time.Duration {
	return min + time.Duration(m.rng.Int63n(int64(max-min)))
}
