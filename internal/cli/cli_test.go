package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/baseline"
	"github.com/ChuLiYu/indoor-sensors/internal/broker"
	"github.com/ChuLiYu/indoor-sensors/internal/device/sim"
	"github.com/ChuLiYu/indoor-sensors/internal/server"
	"github.com/ChuLiYu/indoor-sensors/internal/worker"
	"github.com/ChuLiYu/indoor-sensors/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "Failed to write test config file")
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := BuildCLI()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "indoor-sensors", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version, "Version should be 1.0.0")

	commands := cmd.Commands()
	assert.Len(t, commands, 3, "Should have 3 subcommands")

	commandNames := make(map[string]bool)
	for _, c := range commands {
		commandNames[c.Use] = true
	}
	assert.True(t, commandNames["run"], "Should have 'run' command")
	assert.True(t, commandNames["status"], "Should have 'status' command")
	assert.True(t, commandNames["baseline"], "Should have 'baseline' command")

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag, "Should have --config flag")
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue, "Default config path should be configs/default.yaml")
}

func TestBuildSubcommands(t *testing.T) {
	run := buildRunCommand()
	assert.Equal(t, "run", run.Use)
	assert.Contains(t, run.Short, "Start")
	assert.NotNil(t, run.RunE, "RunE function should be set")

	status := buildStatusCommand()
	assert.Equal(t, "status", status.Use)
	assert.NotNil(t, status.Flags().Lookup("addr"), "Should have --addr flag")

	bl := buildBaselineCommand()
	assert.Equal(t, "baseline", bl.Use)
	resetFlag := bl.Flags().Lookup("reset")
	require.NotNil(t, resetFlag, "Should have --reset flag")
	assert.Equal(t, "false", resetFlag.DefValue)
}

// ============================================================================
// Config
// ============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.URL)
	assert.Equal(t, byte(2), cfg.MQTT.QoS)
	assert.Equal(t, types.DefaultTopicPrefix, cfg.Publisher.TopicPrefix)
	assert.Equal(t, 5, cfg.Publisher.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Publisher.Retry.AttemptTimeout)
	assert.Equal(t, baseline.DefaultDir, cfg.Baseline.Dir)

	assert.Equal(t, uint16(0x77), cfg.Sensors.Pressure.Address)
	assert.Equal(t, 299*time.Second, cfg.Sensors.Pressure.Period)
	assert.Equal(t, 60005*time.Millisecond, cfg.Sensors.Climate.Period)
	assert.Equal(t, 988*time.Millisecond, cfg.Sensors.AirQuality.Period)
	assert.Equal(t, "GPIO23", cfg.Sensors.Lightning.IRQPin)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Sensors.Radiation.Serial.Path)
	assert.Equal(t, "/dev/serial0", cfg.Sensors.Particulate.Serial.Path)
	assert.Equal(t, 20*time.Second, cfg.Sensors.Thermostat.Timeout)

	assert.Equal(t,
		[]string{"pressure", "climate", "airquality", "lightning", "radiation", "particulate", "thermostat"},
		cfg.EnabledSensors())
}

func TestLoadConfig_ValidYAML(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
  format: json
mqtt:
  url: tcp://broker.lan:1883
  client_id: attic
publisher:
  retry:
    max_attempts: 3
    backoff: 50ms
sensors:
  pressure:
    address: 0x76
    period: 2m
  lightning:
    enabled: false
  particulate:
    serial:
      path: /dev/ttyAMA0
baseline:
  dir: ./calibration
metrics:
  enabled: false
`)

	cfg, err := loadConfig(path)
	require.NoError(t, err, "loadConfig should not return an error")

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "tcp://broker.lan:1883", cfg.MQTT.URL)
	assert.Equal(t, "attic", cfg.MQTT.ClientID)
	assert.Equal(t, 3, cfg.Publisher.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Publisher.Retry.Backoff)
	assert.Equal(t, uint16(0x76), cfg.Sensors.Pressure.Address)
	assert.Equal(t, 2*time.Minute, cfg.Sensors.Pressure.Period)
	assert.False(t, cfg.Sensors.Lightning.Enabled)
	assert.Equal(t, "/dev/ttyAMA0", cfg.Sensors.Particulate.Serial.Path)
	assert.Equal(t, "./calibration", cfg.Baseline.Dir)
	assert.False(t, cfg.Metrics.Enabled)

	// Untouched settings keep their defaults
	assert.Equal(t, byte(2), cfg.MQTT.QoS)
	assert.Equal(t, time.Second, cfg.Publisher.Retry.AttemptTimeout)
	assert.Equal(t, uint(9600), cfg.Sensors.Particulate.Serial.Baud)
	assert.Equal(t, 300, cfg.Sensors.Particulate.ReportAt)
	assert.True(t, cfg.Sensors.Thermostat.Enabled)
	assert.True(t, cfg.Health.Enabled)
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join("..", "..", "configs", "default.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_FileNotFound(t *testing.T) {
	_, err := loadConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err, "loadConfig should return an error for non-existent file")
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "sensors:\n  pressure: [this is not\n")

	_, err := loadConfig(path)
	assert.Error(t, err, "loadConfig should return an error for invalid YAML")
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoadConfig_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "log:\n  level: loud\n"},
		{"qos", "mqtt:\n  qos: 3\n"},
		{"duty cycle", "sensors:\n  particulate:\n    wake_at: 280\n"},
		{"threshold", "sensors:\n  lightning:\n    signal_threshold: 16\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadConfig(writeConfig(t, tt.content))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestDialAddr(t *testing.T) {
	assert.Equal(t, "localhost:50051", dialAddr(":50051"))
	assert.Equal(t, "10.0.0.2:50051", dialAddr("10.0.0.2:50051"))
}

// ============================================================================
// Commands
// ============================================================================

func TestBaselineCommand(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "baseline:\n  dir: "+dir+"\n")

	out, err := execute(t, "-c", path, "baseline")
	require.NoError(t, err)
	assert.Contains(t, out, "No baseline saved")

	require.NoError(t, baseline.NewStore(dir).Save(types.Baseline{CO2: 0x8973, VOC: 0x8AAE}))

	out, err = execute(t, "-c", path, "baseline")
	require.NoError(t, err)
	assert.Contains(t, out, "CO2:  35187 (0x8973)")
	assert.Contains(t, out, "TVOC: 35502 (0x8AAE)")

	out, err = execute(t, "--config", path, "baseline", "--reset")
	require.NoError(t, err)
	assert.Contains(t, out, "removed")

	_, err = baseline.NewStore(dir).Load()
	assert.ErrorIs(t, err, baseline.ErrNoBaseline)
}

func TestBaselineCommandMalformed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, baseline.CO2File), []byte("lots"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, baseline.VOCFile), []byte("12"), 0o644))

	_, err := execute(t, "-c", writeConfig(t, "baseline:\n  dir: "+dir+"\n"), "baseline")
	assert.ErrorIs(t, err, baseline.ErrMalformed)
}

func TestStatusCommandOffline(t *testing.T) {
	path := writeConfig(t, `
baseline:
  dir: `+t.TempDir()+`
sensors:
  lightning:
    enabled: false
  thermostat:
    enabled: false
health:
  enabled: false
metrics:
  addr: ":9100"
`)

	out, err := execute(t, "-c", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "tcp://localhost:1883")
	assert.Contains(t, out, "├─ airquality")
	assert.Contains(t, out, "└─ particulate")
	assert.NotContains(t, out, "lightning")
	assert.Contains(t, out, "no persisted baseline")
	assert.Contains(t, out, "http://localhost:9100/metrics")
}

type idleWorker string

func (w idleWorker) Name() string { return string(w) }

func (w idleWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func TestStatusCommandQueriesHealth(t *testing.T) {
	pool := worker.NewPool(nil, idleWorker("climate"), idleWorker("pressure"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := server.New(pool, nil, time.Hour)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	path := writeConfig(t, `
baseline:
  dir: `+t.TempDir()+`
sensors:
  air_quality:
    enabled: false
  lightning:
    enabled: false
  radiation:
    enabled: false
  particulate:
    enabled: false
  thermostat:
    enabled: false
`)

	out, err := execute(t, "-c", path, "status", "--addr", lis.Addr().String())
	require.NoError(t, err)
	assert.Contains(t, out, "Overall: ✅ SERVING")
	assert.Contains(t, out, "├─ pressure")
	assert.Contains(t, out, "└─ climate")
	assert.NotContains(t, out, "Not running")
}

func TestStatusCommandHealthUnreachable(t *testing.T) {
	path := writeConfig(t, "baseline:\n  dir: "+t.TempDir()+"\n")

	out, err := execute(t, "-c", path, "status", "--addr", "127.0.0.1:1")
	require.NoError(t, err)
	assert.Contains(t, out, "Not running")
}

// ============================================================================
// Pipeline
// ============================================================================

func TestNewPipelineWithoutDevices(t *testing.T) {
	_, err := NewPipeline(DefaultConfig(), &Devices{}, Options{})
	assert.ErrorIs(t, err, ErrNoSensors)
}

// logBuffer collects log output written from pipeline goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *logBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

func captureLogs(t *testing.T) *logBuffer {
	t.Helper()
	logs := &logBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(logs, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return logs
}

func TestNewPipelineWarnsOnShortDrain(t *testing.T) {
	logs := captureLogs(t)
	dev := &Devices{Barometer: &sim.Barometer{}}

	cfg := DefaultConfig()
	cfg.Publisher.DrainTimeout = time.Second
	_, err := NewPipeline(cfg, dev, Options{})
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "Drain timeout is shorter")

	logs.Reset()
	cfg.Publisher.DrainTimeout = time.Minute
	_, err = NewPipeline(cfg, dev, Options{})
	require.NoError(t, err)
	assert.NotContains(t, logs.String(), "Drain timeout is shorter")
}

// Endpoints that cannot bind must not stop sampling.
func TestPipelineSurvivesBusyEndpoints(t *testing.T) {
	logs := captureLogs(t)

	mq, err := broker.NewEmbedded("127.0.0.1:0", nil)
	require.NoError(t, err)
	require.NoError(t, mq.Start())
	defer mq.Close()

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := DefaultConfig()
	cfg.MQTT.URL = mq.URL()
	cfg.MQTT.UniqueClientID = true
	cfg.Metrics.Addr = busy.Addr().String()
	cfg.Health.Addr = busy.Addr().String()
	cfg.Publisher.DrainTimeout = time.Second
	cfg.Sensors.Pressure.Period = time.Hour

	p, err := NewPipeline(cfg, &Devices{Barometer: &sim.Barometer{}}, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		s := logs.String()
		return strings.Contains(s, "Metrics server failed") && strings.Contains(s, "Health server failed")
	}, 5*time.Second, 10*time.Millisecond)

	select {
	case err := <-done:
		t.Fatalf("pipeline stopped after endpoint failure: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	require.Eventually(t, func() bool {
		st := p.Statuses()
		return len(st) == 1 && st[0].State == worker.StateRunning
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not shut down")
	}
}

type closeRecorder struct {
	name  string
	order *[]string
	err   error
}

func (c closeRecorder) Close() error {
	*c.order = append(*c.order, c.name)
	return c.err
}

func TestDevicesCloseInReverse(t *testing.T) {
	var order []string
	boom := assert.AnError
	d := &Devices{closers: []io.Closer{
		closeRecorder{"i2c", &order, nil},
		closeRecorder{"geiger", &order, boom},
		closeRecorder{"particulate", &order, nil},
	}}

	err := d.Close()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"particulate", "geiger", "i2c"}, order)
	assert.NoError(t, d.Close(), "second close is a no-op")
}
