// ============================================================================
// Simulated Devices
// ============================================================================
//
// Package: internal/device/sim
// Purpose: In-memory stand-ins for every sensor, used by the demo and by
//          tests that need a device which speaks the real wire format.
//
// The serial simulators answer with byte-exact frames, so the workers'
// framing, checksum and resynchronisation code runs unchanged against them.
// Values drift slowly and deterministically.
//
// ============================================================================

package sim

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/indoor-sensors/pkg/types"
)

// ============================================================================
// Bus devices
// ============================================================================

// Barometer reports a pressure that oscillates around standard atmosphere.
type Barometer struct {
	mu sync.Mutex
	n  int
}

func (b *Barometer) Pressure() (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n++
	return 101325 + 150*math.Sin(float64(b.n)/10), nil
}

// Climate reports a comfortable room.
type Climate struct {
	mu sync.Mutex
	n  int
}

func (c *Climate) Temperature() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return 21 + math.Sin(float64(c.n)/5), nil
}

func (c *Climate) Humidity() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return 45 + 5*math.Cos(float64(c.n)/5), nil
}

// Gas simulates an eCO2/TVOC sensor and records the compensation and
// calibration it is given.
type Gas struct {
	mu       sync.Mutex
	n        int
	humidity float64
	baseline types.Baseline
}

func (g *Gas) Init() error { return nil }

func (g *Gas) Measure() (uint16, uint16, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return uint16(400 + g.n%50), uint16(g.n % 30), nil
}

func (g *Gas) SetHumidity(absolute float64) error {
	if absolute < 0 || absolute >= 256 {
		return fmt.Errorf("absolute humidity %.2f g/m3 out of range", absolute)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.humidity = absolute
	return nil
}

func (g *Gas) Baseline() (types.Baseline, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.baseline == (types.Baseline{}) {
		return types.Baseline{CO2: 0x8973, VOC: 0x8aae}, nil
	}
	return g.baseline, nil
}

func (g *Gas) SetBaseline(b types.Baseline) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.baseline = b
	return nil
}

// Humidity returns the last compensation value set.
func (g *Gas) Humidity() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.humidity
}

// Lightning raises an interrupt every Every and reports a strike drifting
// closer each time.
type Lightning struct {
	Every time.Duration

	mu   sync.Mutex
	last time.Time
	n    int
}

func (l *Lightning) Configure(bool, uint8) error { return nil }

func (l *Lightning) WaitForInterrupt(timeout time.Duration) bool {
	every := l.Every
	if every <= 0 {
		every = 30 * time.Second
	}
	l.mu.Lock()
	if l.last.IsZero() {
		l.last = time.Now()
	}
	wait := time.Until(l.last.Add(every))
	l.mu.Unlock()

	if wait > timeout {
		time.Sleep(timeout)
		return false
	}
	time.Sleep(wait)
	l.mu.Lock()
	l.last = time.Now()
	l.mu.Unlock()
	return true
}

func (l *Lightning) ReadEvent() (types.LightningEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.n++
	switch l.n % 3 {
	case 0:
		return types.LightningEvent{Kind: types.LightningDisturber}, nil
	default:
		km := 40 - (l.n*3)%39
		return types.LightningEvent{Kind: types.LightningStrike, Distance: types.StormDistance(km)}, nil
	}
}

// ============================================================================
// Serial devices
// ============================================================================

// Geiger emits one CSV record per read, the way the counter streams them.
type Geiger struct {
	mu sync.Mutex
	n  int
}

func (g *Geiger) Read(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	cps := g.n % 3
	cpm := 18 + g.n%7
	rec := fmt.Sprintf("CPS, %d, CPM, %d, uSv/hr, %.2f, SLOW\r\n", cps, cpm, float64(cpm)*0.0057)
	return copy(p, rec), nil
}

func (g *Geiger) Write(p []byte) (int, error) { return len(p), nil }

// Particulate answers particulate-sensor commands with well-formed frames.
// A read with nothing pending times out.
type Particulate struct {
	mu      sync.Mutex
	pending []byte
	awake   bool
	n       int
}

func (s *Particulate) Write(p []byte) (int, error) {
	if len(p) != 19 || p[0] != 0xAA || p[1] != 0xB4 || p[18] != 0xAB {
		return 0, fmt.Errorf("malformed command % x", p)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch p[2] {
	case 0x04:
		if !s.awake {
			s.pending = nil
			return len(p), nil
		}
		s.n++
		pm25 := uint16(80 + s.n%20)
		pm10 := uint16(120 + s.n%25)
		s.pending = Frame(0xC0, byte(pm25), byte(pm25>>8), byte(pm10), byte(pm10>>8))
	case 0x06:
		if p[3] == 0x01 {
			s.awake = p[4] == 0x01
		}
		s.pending = Frame(0xC5, p[2], p[3], p[4], 0x00)
	default:
		s.pending = Frame(0xC5, p[2], p[3], p[4], 0x00)
	}
	return len(p), nil
}

func (s *Particulate) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return 0, os.ErrDeadlineExceeded
	}
	n := copy(p, s.pending)
	s.pending = nil
	return n, nil
}

// Awake reports whether the fan and laser are on.
func (s *Particulate) Awake() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awake
}

// Frame builds a sensor-to-host reply of the given kind from four data
// bytes, with device id A160.
func Frame(kind byte, d0, d1, d2, d3 byte) []byte {
	f := []byte{0xAA, kind, d0, d1, d2, d3, 0xA1, 0x60, 0, 0xAB}
	var sum byte
	for _, b := range f[2:8] {
		sum += b
	}
	f[8] = sum
	return f
}

// ============================================================================
// Network devices
// ============================================================================

// Thermostat serves a /tstat status document.
type Thermostat struct {
	mu sync.Mutex
	n  int
}

func (t *Thermostat) Status(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.n++
	temp := 70 + float64(t.n%6)/2
	return []byte(fmt.Sprintf(
		`{"temp":%.2f,"tmode":2,"fmode":0,"override":0,"hold":0,"t_cool":75.00,"tstate":%d,"fstate":0,"time":{"day":3,"hour":14,"minute":%d}}`,
		temp, t.n%2*2, t.n%60)), nil
}
