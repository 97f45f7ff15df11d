package cli

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/baseline"
	"github.com/ChuLiYu/indoor-sensors/internal/broker"
	"github.com/ChuLiYu/indoor-sensors/internal/busguard"
	"github.com/ChuLiYu/indoor-sensors/internal/derived"
	"github.com/ChuLiYu/indoor-sensors/internal/device"
	"github.com/ChuLiYu/indoor-sensors/internal/logging"
	"github.com/ChuLiYu/indoor-sensors/internal/metrics"
	"github.com/ChuLiYu/indoor-sensors/internal/outbox"
	"github.com/ChuLiYu/indoor-sensors/internal/publisher"
	"github.com/ChuLiYu/indoor-sensors/internal/sensors"
	"github.com/ChuLiYu/indoor-sensors/internal/server"
	"github.com/ChuLiYu/indoor-sensors/internal/worker"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/i2c"
)

var log = logging.Component("cli")

// ErrNoSensors is returned when no enabled sensor could be opened.
var ErrNoSensors = errors.New("no sensors available")

// ============================================================================
// Devices
// ============================================================================

// Devices are the handles the workers sample. A nil device disables its
// worker.
type Devices struct {
	Barometer   sensors.PressureSensor
	Climate     sensors.ClimateSensor
	Gas         sensors.GasSensor
	Lightning   sensors.LightningSensor
	Geiger      sensors.SerialPort
	Particulate sensors.SerialPort
	Thermostat  sensors.ThermostatClient

	closers []io.Closer
}

// Close releases every opened bus and port, most recent first.
func (d *Devices) Close() error {
	var err error
	for i := len(d.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, d.closers[i].Close())
	}
	d.closers = nil
	return err
}

// OpenDevices opens the hardware behind every enabled sensor. A device
// that cannot be opened is logged and left disabled so the remaining
// sensors keep reporting.
func OpenDevices(cfg *Config) *Devices {
	s := cfg.Sensors
	d := &Devices{}

	if s.Pressure.Enabled || s.Climate.Enabled || s.AirQuality.Enabled || s.Lightning.Enabled {
		bus, err := device.OpenI2C(cfg.I2C.Bus)
		if err != nil {
			log.Error("I2C bus unavailable, bus sensors disabled", "bus", cfg.I2C.Bus, "error", err)
		} else {
			d.closers = append(d.closers, bus)
			d.openBusDevices(cfg, bus)
		}
	}

	if s.Radiation.Enabled {
		if port, err := device.OpenSerial(s.Radiation.Serial); err != nil {
			log.Error("Geiger counter unavailable", "error", err)
		} else {
			d.Geiger = port
			d.closers = append(d.closers, port)
		}
	}
	if s.Particulate.Enabled {
		if port, err := device.OpenSerial(s.Particulate.Serial); err != nil {
			log.Error("Particulate sensor unavailable", "error", err)
		} else {
			d.Particulate = port
			d.closers = append(d.closers, port)
		}
	}
	if s.Thermostat.Enabled {
		d.Thermostat = device.NewThermostat(s.Thermostat.URL, s.Thermostat.Timeout)
	}
	return d
}

func (d *Devices) openBusDevices(cfg *Config, bus i2c.Bus) {
	s := cfg.Sensors
	if s.Pressure.Enabled {
		if b, err := device.NewBMP280(bus, s.Pressure.Address); err != nil {
			log.Error("Barometer unavailable", "error", err)
		} else {
			d.Barometer = b
		}
	}
	if s.Climate.Enabled {
		h := device.NewHTU21D(bus, s.Climate.Address)
		if err := h.Reset(); err != nil {
			log.Warn("Failed to reset climate sensor", "error", err)
		}
		d.Climate = h
	}
	if s.AirQuality.Enabled {
		d.Gas = device.NewSGP30(bus, s.AirQuality.Address)
	}
	if s.Lightning.Enabled {
		pin, err := device.IRQPin(s.Lightning.IRQPin)
		if err != nil {
			log.Error("Lightning detector unavailable", "error", err)
			return
		}
		a, err := device.NewAS3935(bus, s.Lightning.Address, pin)
		if err != nil {
			log.Error("Lightning detector unavailable", "error", err)
			return
		}
		d.Lightning = a
	}
}

// ============================================================================
// Pipeline
// ============================================================================

// Options override process-level collaborators, for the demo and tests.
type Options struct {
	Clock clock.Clock
	// Exit is called when the fault sentinel is delivered; defaults to
	// os.Exit.
	Exit     func(code int)
	Registry *prometheus.Registry
}

// Pipeline wires sensors, outbox, publisher and broker together.
type Pipeline struct {
	cfg      *Config
	registry *prometheus.Registry
	out      *outbox.Outbox
	pool     *worker.Pool
	broker   *broker.Client
	pub      *publisher.Publisher
	health   *server.Server
}

// NewPipeline builds one worker per available device. All bus devices
// share one guard; climate and air quality share the derived store.
func NewPipeline(cfg *Config, dev *Devices, opts Options) (*Pipeline, error) {
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	m := metrics.NewCollectorWith(reg)
	out := outbox.New(m)

	deps := sensors.Deps{
		Out:     out,
		Prefix:  cfg.Publisher.TopicPrefix,
		Clock:   opts.Clock,
		Metrics: m,
	}
	guard := busguard.New(m)
	climate := derived.New()
	s := cfg.Sensors

	var workers []worker.Worker
	if dev.Barometer != nil {
		workers = append(workers, sensors.NewPressure(dev.Barometer, guard, s.Pressure.Period, deps))
	}
	if dev.Climate != nil {
		workers = append(workers, sensors.NewClimate(dev.Climate, guard, climate, s.Climate.Period, deps))
	}
	if dev.Gas != nil {
		workers = append(workers, sensors.NewAirQuality(dev.Gas, guard, climate, baseline.NewStore(cfg.Baseline.Dir),
			sensors.AirQualityConfig{
				Period:      s.AirQuality.Period,
				ReportEvery: s.AirQuality.ReportEvery,
				Window:      s.AirQuality.Window,
			}, deps))
	}
	if dev.Lightning != nil {
		lc := sensors.DefaultLightningConfig()
		lc.Indoor = s.Lightning.Indoor
		lc.SignalThreshold = s.Lightning.SignalThreshold
		workers = append(workers, sensors.NewLightning(dev.Lightning, guard, lc, deps))
	}
	if dev.Geiger != nil {
		workers = append(workers, sensors.NewRadiation(dev.Geiger, sensors.RadiationConfig{
			Period:      s.Radiation.Period,
			ReportEvery: s.Radiation.ReportEvery,
			Window:      s.Radiation.Window,
		}, deps))
	}
	if dev.Particulate != nil {
		workers = append(workers, sensors.NewParticulate(dev.Particulate, s.Particulate.worker(), deps))
	}
	if dev.Thermostat != nil {
		workers = append(workers, sensors.NewThermostat(dev.Thermostat, s.Thermostat.Period, deps))
	}
	if len(workers) == 0 {
		return nil, ErrNoSensors
	}

	bc := broker.New(cfg.MQTT)
	pool := worker.NewPool(m, workers...)
	p := &Pipeline{
		cfg:      cfg,
		registry: reg,
		out:      out,
		pool:     pool,
		broker:   bc,
		pub: publisher.New(out, bc, publisher.Config{
			Retry:   cfg.Publisher.Retry,
			Exit:    opts.Exit,
			Clock:   opts.Clock,
			Metrics: m,
		}),
	}
	if cfg.Health.Enabled {
		p.health = server.New(pool, bc, cfg.Health.Interval)
	}
	if worst := p.pub.MaxDeliveryTime(); cfg.Publisher.DrainTimeout < worst {
		log.Warn("Drain timeout is shorter than one message's worst-case delivery; a message in flight at shutdown may be cut short",
			"drain_timeout", cfg.Publisher.DrainTimeout, "max_delivery", worst)
	}
	return p, nil
}

// Statuses reports the state of every worker.
func (p *Pipeline) Statuses() []worker.Status { return p.pool.Statuses() }

// Registry is the registry the pipeline's metrics are exposed from.
func (p *Pipeline) Registry() *prometheus.Registry { return p.registry }

// Run samples and publishes until ctx is cancelled. On shutdown the
// workers are stopped first, then the publisher is given DrainTimeout to
// deliver what is still queued before the broker connection is closed.
func (p *Pipeline) Run(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, p.cfg.MQTT.ConnectTimeout)
	err := p.broker.Connect(connectCtx)
	cancel()
	if err != nil {
		log.Warn("Broker not reachable yet, retrying in the background", "url", p.cfg.MQTT.URL, "error", err)
	}
	defer p.broker.Close(250 * time.Millisecond)

	g, gctx := errgroup.WithContext(ctx)

	// The publisher outlives ctx so it can drain the outbox.
	pubCtx, pubCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer pubCancel()
	pubDone := make(chan struct{})
	g.Go(func() error {
		defer close(pubDone)
		return p.pub.Run(pubCtx)
	})

	g.Go(func() error {
		if err := p.pool.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		p.pool.Stop()
		p.out.Close()

		select {
		case <-pubDone:
		case <-time.After(p.cfg.Publisher.DrainTimeout):
			log.Warn("Shutdown drain timed out", "undelivered", p.out.Len())
			pubCancel()
		}
		return nil
	})

	// Metrics and health endpoints that cannot listen are reported, not
	// fatal: sampling and delivery carry on without them.
	if p.cfg.Metrics.Enabled {
		g.Go(func() error {
			log.Info("Metrics server listening", "addr", p.cfg.Metrics.Addr)
			if err := metrics.Serve(gctx, p.cfg.Metrics.Addr, p.registry); err != nil {
				log.Error("Metrics server failed, continuing without metrics", "addr", p.cfg.Metrics.Addr, "error", err)
			}
			return nil
		})
	}
	if p.health != nil {
		g.Go(func() error {
			if err := p.health.ListenAndServe(gctx, p.cfg.Health.Addr); err != nil {
				log.Error("Health server failed, continuing without it", "addr", p.cfg.Health.Addr, "error", err)
			}
			return nil
		})
	}

	log.Info("Pipeline started", "sensors", p.pool.GetWorkerCount(), "broker", p.cfg.MQTT.URL)
	err = g.Wait()
	log.Info("Pipeline stopped")
	return err
}
