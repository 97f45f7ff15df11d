// Package derived holds the last climate reading shared between the climate
// worker (producer) and the gas worker (consumer).
package derived

import (
	"math"
	"sync"
)

// Pair is a temperature (°C) and relative humidity (%) reading.
type Pair struct {
	Temperature float64
	Humidity    float64
}

// Unknown is the value of a store nothing has been published to.
var Unknown = Pair{Temperature: math.NaN(), Humidity: math.NaN()}

// Known reports whether both halves of the pair are real numbers.
func (p Pair) Known() bool {
	return !math.IsNaN(p.Temperature) && !math.IsNaN(p.Humidity)
}

// Store is a mutex-protected Pair. The zero value is not usable; call New.
type Store struct {
	mu   sync.Mutex
	pair Pair
}

// New returns a store holding Unknown.
func New() *Store {
	return &Store{pair: Unknown}
}

// Publish replaces the stored pair.
func (s *Store) Publish(p Pair) {
	s.mu.Lock()
	s.pair = p
	s.mu.Unlock()
}

// Read returns the most recently published pair, or Unknown.
func (s *Store) Read() Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pair
}

// AbsoluteHumidity converts temperature (°C) and relative humidity (%) into
// absolute humidity in g/m³ using the Magnus approximation.
func AbsoluteHumidity(tempC, rh float64) float64 {
	svp := 6.112 * math.Exp((17.67*tempC)/(tempC+243.5))
	return svp * rh * 2.1674 / (273.15 + tempC)
}
