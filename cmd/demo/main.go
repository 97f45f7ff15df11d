// Command demo runs the whole pipeline against simulated sensors and an
// in-process MQTT broker, printing every message the broker receives.
//
//	go run ./cmd/demo              # run until Ctrl+C
//	go run ./cmd/demo -d 30s       # stop after 30 seconds
//
// Sampling periods are shortened so every route shows up within a few
// seconds.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/broker"
	"github.com/ChuLiYu/indoor-sensors/internal/cli"
	"github.com/ChuLiYu/indoor-sensors/internal/device/sim"
	"github.com/ChuLiYu/indoor-sensors/internal/logging"
	"github.com/ChuLiYu/indoor-sensors/internal/publisher"
	"github.com/spf13/cobra"
)

func main() {
	var (
		duration time.Duration
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:          "demo",
		Short:        "Run the sensor pipeline against simulated devices",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}
			return run(ctx, verbose)
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop after this long (0 runs until interrupted)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, verbose bool) error {
	logCfg := logging.DefaultConfig()
	logCfg.Level = "warn"
	if verbose {
		logCfg.Level = "debug"
	}
	if _, err := logging.Setup(logCfg); err != nil {
		return err
	}

	mq, err := broker.NewEmbedded("127.0.0.1:0", nil)
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	if err := mq.Start(); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	defer mq.Close()

	var received atomic.Int64
	if err := mq.Subscribe("/ws/2/grp/#", 1, func(topic string, payload []byte) {
		received.Add(1)
		route := topic[strings.LastIndex(topic, "/")+1:]
		fmt.Printf("📨 %-16s %s\n", route, payload)
	}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	baselineDir, err := os.MkdirTemp("", "indoor-sensors-demo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(baselineDir)

	cfg := demoConfig(mq.URL(), baselineDir)
	gas := &sim.Gas{}
	particulate := &sim.Particulate{}
	dev := &cli.Devices{
		Barometer:   &sim.Barometer{},
		Climate:     &sim.Climate{},
		Gas:         gas,
		Lightning:   &sim.Lightning{Every: 7 * time.Second},
		Geiger:      &sim.Geiger{},
		Particulate: particulate,
		Thermostat:  &sim.Thermostat{},
	}

	p, err := cli.NewPipeline(cfg, dev, cli.Options{
		// Keep the process alive so the summary can still be printed.
		Exit: func(code int) {
			fmt.Printf("\n💥 Fault sentinel delivered; the daemon would exit with code %d\n", code)
		},
	})
	if err != nil {
		return err
	}

	fmt.Printf("✓ Broker listening on %s\n", mq.URL())
	fmt.Printf("✓ Simulated sensors: %s\n", strings.Join(cfg.EnabledSensors(), ", "))
	fmt.Printf("💡 Press Ctrl+C to stop\n\n")

	start := time.Now()
	if err := p.Run(ctx); err != nil && !errors.Is(err, publisher.ErrFault) {
		return err
	}

	fmt.Printf("\n📊 Summary after %s:\n", time.Since(start).Round(time.Second))
	fmt.Printf("  Messages:           %d\n", received.Load())
	fmt.Printf("  Gas compensation:   %.2f g/m³\n", gas.Humidity())
	fmt.Printf("  Particulate awake:  %t\n", particulate.Awake())
	for _, st := range p.Statuses() {
		fmt.Printf("  Worker %-12s %s\n", st.Name, st.State)
	}
	return nil
}

// demoConfig shortens every period so a full cycle of each sensor fits in
// a few seconds.
func demoConfig(brokerURL, baselineDir string) *cli.Config {
	cfg := cli.DefaultConfig()
	cfg.MQTT.URL = brokerURL
	cfg.MQTT.UniqueClientID = true
	cfg.Metrics.Enabled = false
	cfg.Health.Enabled = false
	cfg.Baseline.Dir = baselineDir

	s := &cfg.Sensors
	s.Pressure.Period = 5 * time.Second
	s.Climate.Period = 2 * time.Second
	s.AirQuality.Period = 200 * time.Millisecond
	s.AirQuality.ReportEvery = 15
	s.AirQuality.Window = 15
	s.Radiation.Period = 200 * time.Millisecond
	s.Radiation.ReportEvery = 20
	s.Radiation.Window = 20
	s.Particulate.Tick = 100 * time.Millisecond
	s.Particulate.WakeAt = 20
	s.Particulate.SampleFrom = 30
	s.Particulate.ReportAt = 40
	s.Particulate.Window = 10
	s.Particulate.CommandDelay = 10 * time.Millisecond
	s.Thermostat.Period = 4 * time.Second
	return cfg
}
