package sensors

import (
	"context"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/derived"
	"github.com/ChuLiYu/indoor-sensors/internal/worker"
	"github.com/ChuLiYu/indoor-sensors/pkg/types"
)

// DefaultClimatePeriod is offset a few milliseconds from the minute so it
// drifts relative to the other bus users.
const DefaultClimatePeriod = 60005 * time.Millisecond

// ClimateSensor reads temperature (°C) and relative humidity (%).
type ClimateSensor interface {
	Temperature() (float64, error)
	Humidity() (float64, error)
}

// Climate reads temperature and humidity together, publishes the pair for
// the gas sensor's compensation and reports it in °F.
type Climate struct {
	emitter
	bus    Bus
	dev    ClimateSensor
	store  DerivedWriter
	period time.Duration
}

func NewClimate(dev ClimateSensor, bus Bus, store DerivedWriter, period time.Duration, d Deps) *Climate {
	if period <= 0 {
		period = DefaultClimatePeriod
	}
	return &Climate{emitter: newEmitter("climate", d), bus: bus, dev: dev, store: store, period: period}
}

func (w *Climate) Run(ctx context.Context) error {
	w.log.Info("Started climate worker", "period", w.period)
	return worker.Every(ctx, w.clk, w.period, w.Sample)
}

// Sample reads both values in one bus transaction. Only a complete pair is
// published or reported.
func (w *Climate) Sample(ctx context.Context) error {
	var (
		temp, hum       float64
		tempErr, humErr error
	)
	stop, _ := w.guarded(ctx, w.bus, func() error {
		temp, tempErr = w.dev.Temperature()
		hum, humErr = w.dev.Humidity()
		return nil
	})
	if stop != nil {
		return endTick(stop)
	}
	if tempErr != nil {
		w.warn("read", "Failed to read temperature", tempErr)
	}
	if humErr != nil {
		w.warn("read", "Failed to read humidity", humErr)
	}
	if tempErr != nil || humErr != nil {
		return nil
	}

	w.store.Publish(derived.Pair{Temperature: temp, Humidity: hum})
	w.emit(types.TempHumidityReading{
		Timestamp: w.now(),
		Location:  types.LocationTag,
		Temp:      CelsiusToFahrenheit(temp),
		Humidity:  hum,
	})
	return nil
}

func CelsiusToFahrenheit(c float64) float64 {
	return c*1.8 + 32
}
