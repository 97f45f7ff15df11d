package sensors

import (
	"context"
	"errors"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/baseline"
	"github.com/ChuLiYu/indoor-sensors/internal/derived"
	"github.com/ChuLiYu/indoor-sensors/internal/window"
	"github.com/ChuLiYu/indoor-sensors/internal/worker"
	"github.com/ChuLiYu/indoor-sensors/pkg/types"
)

const (
	// The sensor's dynamic baseline needs a measurement about once a second;
	// a measurement itself takes 12 ms.
	DefaultAirQualityPeriod = 1000*time.Millisecond - 12*time.Millisecond
	DefaultGasReportEvery   = 60
	DefaultGasWindow        = 60
)

// GasSensor is an eCO2/TVOC sensor with humidity compensation and a
// persistable baseline.
type GasSensor interface {
	Init() error
	Measure() (co2 uint16, voc uint16, err error)
	SetHumidity(absolute float64) error
	Baseline() (types.Baseline, error)
	SetBaseline(b types.Baseline) error
}

// AirQualityConfig tunes the gas worker.
type AirQualityConfig struct {
	Period      time.Duration
	ReportEvery int // samples between reports
	Window      int // samples averaged per report
}

// AirQuality samples the gas sensor every period and, every ReportEvery
// samples, reports the windowed means, refreshes humidity compensation and
// persists the sensor's baseline.
type AirQuality struct {
	emitter
	bus       Bus
	dev       GasSensor
	climate   DerivedReader
	baselines BaselineStore
	cfg       AirQualityConfig

	co2, voc *window.Rolling[uint16]
	counter  int
}

func NewAirQuality(dev GasSensor, bus Bus, climate DerivedReader, baselines BaselineStore, cfg AirQualityConfig, d Deps) *AirQuality {
	if cfg.Period <= 0 {
		cfg.Period = DefaultAirQualityPeriod
	}
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = DefaultGasReportEvery
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultGasWindow
	}
	return &AirQuality{
		emitter:   newEmitter("airquality", d),
		bus:       bus,
		dev:       dev,
		climate:   climate,
		baselines: baselines,
		cfg:       cfg,
		co2:       window.New[uint16](cfg.Window),
		voc:       window.New[uint16](cfg.Window),
		counter:   1,
	}
}

func (w *AirQuality) Run(ctx context.Context) error {
	if err := w.Setup(ctx); err != nil {
		return err
	}
	w.log.Info("Started air quality worker", "period", w.cfg.Period, "report_every", w.cfg.ReportEvery)
	return worker.Every(ctx, w.clk, w.cfg.Period, w.Tick)
}

// Setup initialises the sensor and restores the persisted baseline if
// there is one.
func (w *AirQuality) Setup(ctx context.Context) error {
	stop, err := w.guarded(ctx, w.bus, w.dev.Init)
	if stop != nil {
		return endTick(stop)
	}
	if err != nil {
		return err
	}

	b, err := w.baselines.Load()
	switch {
	case errors.Is(err, baseline.ErrNoBaseline):
		w.log.Info("No persisted baseline found, running uncalibrated")
		return nil
	case err != nil:
		w.log.Error("Failed to read persisted baseline, running uncalibrated", "error", err)
		return nil
	}

	stop, err = w.guarded(ctx, w.bus, func() error { return w.dev.SetBaseline(b) })
	if stop != nil {
		return endTick(stop)
	}
	if err != nil {
		w.warn("command", "Failed to restore baseline, running uncalibrated", err)
		return nil
	}
	w.log.Info("Restored baseline", "co2", b.CO2, "voc", b.VOC)
	return nil
}

// Tick takes one measurement and reports every ReportEvery ticks.
func (w *AirQuality) Tick(ctx context.Context) error {
	var co2, voc uint16
	stop, err := w.guarded(ctx, w.bus, func() (err error) {
		co2, voc, err = w.dev.Measure()
		return err
	})
	if stop != nil {
		return endTick(stop)
	}
	if err != nil {
		w.warn("read", "Failed to measure air quality", err)
	} else {
		w.co2.Push(co2)
		w.voc.Push(voc)
	}

	if w.counter >= w.cfg.ReportEvery {
		w.counter = 0
		if err := w.report(ctx); err != nil {
			return err
		}
	}
	w.counter++
	return nil
}

func (w *AirQuality) report(ctx context.Context) error {
	w.emitMean(types.SensorCO2, w.co2)
	w.emitMean(types.SensorVOC, w.voc)

	if pair := w.climate.Read(); pair.Known() {
		abs := derived.AbsoluteHumidity(pair.Temperature, pair.Humidity)
		stop, err := w.guarded(ctx, w.bus, func() error { return w.dev.SetHumidity(abs) })
		if stop != nil {
			return endTick(stop)
		}
		if err != nil {
			w.warn("command", "Failed to update humidity compensation", err)
		} else {
			w.log.Debug("Updated humidity compensation",
				"absolute", abs, "temperature", pair.Temperature, "humidity", pair.Humidity)
		}
	}

	var b types.Baseline
	stop, err := w.guarded(ctx, w.bus, func() (err error) {
		b, err = w.dev.Baseline()
		return err
	})
	if stop != nil {
		return endTick(stop)
	}
	if err != nil {
		w.warn("read", "Failed to read baseline", err)
		return nil
	}
	if err := w.baselines.Save(b); err != nil {
		w.warn("persist", "Failed to persist baseline", err)
		return nil
	}
	w.log.Debug("Saved baseline", "co2", b.CO2, "voc", b.VOC)
	return nil
}

func (w *AirQuality) emitMean(id types.SensorID, win *window.Rolling[uint16]) {
	mean, err := win.FloorMean()
	if err != nil {
		w.log.Warn("No samples to report", "sensor", id.String())
		return
	}
	r, err := types.NewIntegerReading(id, w.now(), int64(mean))
	if err != nil {
		w.warn("serialize", "Failed to build reading", err)
		return
	}
	w.emit(r)
}
