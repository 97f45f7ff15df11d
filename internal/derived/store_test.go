package derived

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreStartsUnknown(t *testing.T) {
	s := New()
	p := s.Read()
	assert.False(t, p.Known())
	assert.True(t, math.IsNaN(p.Temperature))
	assert.True(t, math.IsNaN(p.Humidity))
}

func TestPublishRead(t *testing.T) {
	s := New()
	s.Publish(Pair{Temperature: 20, Humidity: 50})
	assert.Equal(t, Pair{Temperature: 20, Humidity: 50}, s.Read())
	assert.True(t, s.Read().Known())

	s.Publish(Pair{Temperature: 21, Humidity: math.NaN()})
	assert.False(t, s.Read().Known(), "half-known pair is unknown")
}

func TestAbsoluteHumidity(t *testing.T) {
	assert.InDelta(t, 8.6391, AbsoluteHumidity(20, 50), 1e-3)
	assert.InDelta(t, 0.0, AbsoluteHumidity(25, 0), 1e-9)
	assert.Greater(t, AbsoluteHumidity(30, 50), AbsoluteHumidity(20, 50))
}

func TestConcurrentPublishRead(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			s.Publish(Pair{Temperature: float64(i), Humidity: float64(i)})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			p := s.Read()
			if p.Known() {
				assert.Equal(t, p.Temperature, p.Humidity, "pair must never be torn")
			}
		}
	}()
	wg.Wait()
}
