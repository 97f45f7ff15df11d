package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/baseline"
	"github.com/ChuLiYu/indoor-sensors/internal/broker"
	"github.com/ChuLiYu/indoor-sensors/internal/device"
	"github.com/ChuLiYu/indoor-sensors/internal/logging"
	"github.com/ChuLiYu/indoor-sensors/internal/publisher"
	"github.com/ChuLiYu/indoor-sensors/internal/sensors"
	"github.com/ChuLiYu/indoor-sensors/internal/server"
	"github.com/ChuLiYu/indoor-sensors/pkg/types"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete system configuration structure.
// Sections missing from the file keep the values of DefaultConfig.
type Config struct {
	Log       logging.Config  `yaml:"log"`
	MQTT      broker.Options  `yaml:"mqtt"`
	Publisher PublisherConfig `yaml:"publisher"`

	I2C struct {
		Bus string `yaml:"bus"` // "" picks the first bus
	} `yaml:"i2c"`

	Sensors SensorsConfig `yaml:"sensors"`

	Baseline struct {
		Dir string `yaml:"dir"`
	} `yaml:"baseline"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Health struct {
		Enabled  bool          `yaml:"enabled"`
		Addr     string        `yaml:"addr"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"health"`
}

type PublisherConfig struct {
	TopicPrefix string                `yaml:"topic_prefix"`
	Retry       publisher.RetryPolicy `yaml:"retry"`
	// DrainTimeout bounds how long queued messages are given to reach the
	// broker on shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// SensorsConfig has one section per worker.
type SensorsConfig struct {
	Pressure    PollSensorConfig        `yaml:"pressure"`
	Climate     PollSensorConfig        `yaml:"climate"`
	AirQuality  AirQualitySensorConfig  `yaml:"air_quality"`
	Lightning   LightningSensorConfig   `yaml:"lightning"`
	Radiation   RadiationSensorConfig   `yaml:"radiation"`
	Particulate ParticulateSensorConfig `yaml:"particulate"`
	Thermostat  ThermostatSensorConfig  `yaml:"thermostat"`
}

type PollSensorConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address uint16        `yaml:"address"`
	Period  time.Duration `yaml:"period"`
}

type AirQualitySensorConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Address     uint16        `yaml:"address"`
	Period      time.Duration `yaml:"period"`
	ReportEvery int           `yaml:"report_every"`
	Window      int           `yaml:"window"`
}

type LightningSensorConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Address         uint16 `yaml:"address"`
	IRQPin          string `yaml:"irq_pin"`
	Indoor          bool   `yaml:"indoor"`
	SignalThreshold uint8  `yaml:"signal_threshold"`
}

type RadiationSensorConfig struct {
	Enabled     bool                `yaml:"enabled"`
	Serial      device.SerialConfig `yaml:"serial"`
	Period      time.Duration       `yaml:"period"`
	ReportEvery int                 `yaml:"report_every"`
	Window      int                 `yaml:"window"`
}

type ParticulateSensorConfig struct {
	Enabled       bool                `yaml:"enabled"`
	Serial        device.SerialConfig `yaml:"serial"`
	Tick          time.Duration       `yaml:"tick"`
	WakeAt        int                 `yaml:"wake_at"`
	SampleFrom    int                 `yaml:"sample_from"`
	ReportAt      int                 `yaml:"report_at"`
	Window        int                 `yaml:"window"`
	CommandDelay  time.Duration       `yaml:"command_delay"`
	SetupAttempts int                 `yaml:"setup_attempts"`
}

func (c ParticulateSensorConfig) worker() sensors.ParticulateConfig {
	return sensors.ParticulateConfig{
		Tick:          c.Tick,
		WakeAt:        c.WakeAt,
		SampleFrom:    c.SampleFrom,
		ReportAt:      c.ReportAt,
		Window:        c.Window,
		CommandDelay:  c.CommandDelay,
		SetupAttempts: c.SetupAttempts,
	}
}

type ThermostatSensorConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Period  time.Duration `yaml:"period"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig matches the reference installation: every sensor enabled
// on their usual addresses and ports.
func DefaultConfig() *Config {
	cfg := &Config{
		Log:  logging.DefaultConfig(),
		MQTT: broker.DefaultOptions(),
		Publisher: PublisherConfig{
			TopicPrefix:  types.DefaultTopicPrefix,
			Retry:        publisher.DefaultRetryPolicy(),
			DrainTimeout: 5 * time.Second,
		},
	}
	cfg.Baseline.Dir = baseline.DefaultDir
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":9090"
	cfg.Health.Enabled = true
	cfg.Health.Addr = ":50051"
	cfg.Health.Interval = server.DefaultRefreshInterval

	pc := sensors.DefaultParticulateConfig()
	lc := sensors.DefaultLightningConfig()
	cfg.Sensors = SensorsConfig{
		Pressure: PollSensorConfig{Enabled: true, Address: device.BMP280Addr, Period: sensors.DefaultPressurePeriod},
		Climate:  PollSensorConfig{Enabled: true, Address: device.HTU21DAddr, Period: sensors.DefaultClimatePeriod},
		AirQuality: AirQualitySensorConfig{
			Enabled:     true,
			Address:     device.SGP30Addr,
			Period:      sensors.DefaultAirQualityPeriod,
			ReportEvery: sensors.DefaultGasReportEvery,
			Window:      sensors.DefaultGasWindow,
		},
		Lightning: LightningSensorConfig{
			Enabled:         true,
			Address:         device.AS3935Addr,
			IRQPin:          device.AS3935IRQPin,
			Indoor:          lc.Indoor,
			SignalThreshold: lc.SignalThreshold,
		},
		Radiation: RadiationSensorConfig{
			Enabled:     true,
			Serial:      device.SerialConfig{Path: "/dev/ttyUSB0", Baud: 9600, Timeout: 10 * time.Millisecond},
			Period:      sensors.DefaultRadiationPeriod,
			ReportEvery: sensors.DefaultRadiationReportEvery,
			Window:      sensors.DefaultRadiationWindow,
		},
		Particulate: ParticulateSensorConfig{
			Enabled:       true,
			Serial:        device.SerialConfig{Path: "/dev/serial0", Baud: 9600, Timeout: 250 * time.Millisecond},
			Tick:          pc.Tick,
			WakeAt:        pc.WakeAt,
			SampleFrom:    pc.SampleFrom,
			ReportAt:      pc.ReportAt,
			Window:        pc.Window,
			CommandDelay:  pc.CommandDelay,
			SetupAttempts: pc.SetupAttempts,
		},
		Thermostat: ThermostatSensorConfig{
			Enabled: true,
			URL:     device.DefaultThermostatURL,
			Period:  sensors.DefaultThermostatPeriod,
			Timeout: device.DefaultThermostatTimeout,
		},
	}
	return cfg
}

// Validate rejects settings the workers cannot run with.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt qos %d", ErrInvalidConfig, c.MQTT.QoS)
	}
	p := c.Sensors.Particulate
	if p.Enabled && !(p.WakeAt < p.SampleFrom && p.SampleFrom < p.ReportAt) {
		return fmt.Errorf("%w: particulate duty cycle needs wake_at < sample_from < report_at (got %d, %d, %d)",
			ErrInvalidConfig, p.WakeAt, p.SampleFrom, p.ReportAt)
	}
	if l := c.Sensors.Lightning; l.Enabled && l.SignalThreshold > 15 {
		return fmt.Errorf("%w: lightning signal_threshold %d exceeds 15", ErrInvalidConfig, l.SignalThreshold)
	}
	if c.Baseline.Dir == "" && c.Sensors.AirQuality.Enabled {
		return fmt.Errorf("%w: baseline dir is required by the air quality sensor", ErrInvalidConfig)
	}
	return nil
}

// EnabledSensors returns the worker names of the enabled sensors.
func (c *Config) EnabledSensors() []string {
	s := c.Sensors
	var out []string
	for _, e := range []struct {
		name string
		on   bool
	}{
		{"pressure", s.Pressure.Enabled},
		{"climate", s.Climate.Enabled},
		{"airquality", s.AirQuality.Enabled},
		{"lightning", s.Lightning.Enabled},
		{"radiation", s.Radiation.Enabled},
		{"particulate", s.Particulate.Enabled},
		{"thermostat", s.Thermostat.Enabled},
	} {
		if e.on {
			out = append(out, e.name)
		}
	}
	return out
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
