package sensors

import (
	"context"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/worker"
	"github.com/ChuLiYu/indoor-sensors/pkg/types"
)

const (
	DefaultPressurePeriod = 299 * time.Second
	// PascalsPerInHg converts pascals to inches of mercury.
	PascalsPerInHg = 3386.389
)

// PressureSensor measures barometric pressure in pascals.
type PressureSensor interface {
	Pressure() (float64, error)
}

// Pressure samples the barometer and reports every sample in inHg.
type Pressure struct {
	emitter
	bus    Bus
	dev    PressureSensor
	period time.Duration
}

func NewPressure(dev PressureSensor, bus Bus, period time.Duration, d Deps) *Pressure {
	if period <= 0 {
		period = DefaultPressurePeriod
	}
	return &Pressure{emitter: newEmitter("pressure", d), bus: bus, dev: dev, period: period}
}

func (w *Pressure) Run(ctx context.Context) error {
	w.log.Info("Started pressure worker", "period", w.period)
	return worker.Every(ctx, w.clk, w.period, w.Sample)
}

// Sample performs one guarded measurement and emits it.
func (w *Pressure) Sample(ctx context.Context) error {
	var pa float64
	stop, err := w.guarded(ctx, w.bus, func() (err error) {
		pa, err = w.dev.Pressure()
		return err
	})
	if stop != nil {
		return endTick(stop)
	}
	if err != nil {
		w.warn("read", "Failed to read pressure", err)
		return nil
	}

	r, err := types.NewDecimalReading(types.SensorPressure, w.now(), pa/PascalsPerInHg)
	if err != nil {
		w.warn("parse", "Discarding pressure sample", err)
		return nil
	}
	w.emit(r)
	return nil
}
