// ============================================================================
// indoor-sensors CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands that start the sensor pipeline and inspect it
//
// Command Structure:
//   indoor-sensors                 # Root command
//   ├── run                        # Sample sensors and publish readings
//   ├── status                     # Configuration, calibration, live health
//   │   └── --addr                # Health server to query
//   ├── baseline                   # Show the persisted gas sensor baseline
//   │   └── --reset               # Delete it; next start is uncalibrated
//   ├── --config, -c               # Config file (default configs/default.yaml)
//   ├── --version
//   └── --help
//
// run Command:
//   1. Load config and set up logging
//   2. Open the devices of every enabled sensor
//   3. Start workers, publisher, metrics and health servers
//   4. On SIGINT/SIGTERM: stop workers, drain the outbox, disconnect
//
// A guard fault ends the process with exit code 1 from the publisher so
// the supervisor restarts it with a fresh bus.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/baseline"
	"github.com/ChuLiYu/indoor-sensors/internal/logging"
	"github.com/ChuLiYu/indoor-sensors/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "indoor-sensors",
		Short: "Indoor sensors: sample a room and publish it over MQTT",
		Long: `indoor-sensors samples the environment sensors of one room:
- barometric pressure, temperature and humidity
- eCO2 and TVOC with humidity compensation
- radiation (CPM) and particulates (PM2.5 / PM10)
- thermostat state and lightning activity
and publishes the readings to an MQTT broker.`,
		Version:      "1.0.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildBaselineCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start sampling and publishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg)
		},
	}
}

func runSystem(ctx context.Context, cfg *Config) (err error) {
	logCloser, err := logging.Setup(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, logCloser.Close()) }()

	log.Info("Starting indoor-sensors", "config", configFile, "sensors", strings.Join(cfg.EnabledSensors(), ","))

	dev := OpenDevices(cfg)
	defer func() {
		if cerr := dev.Close(); cerr != nil {
			log.Warn("Failed to close devices", "error", cerr)
		}
	}()

	p, err := NewPipeline(cfg, dev, Options{})
	if err != nil {
		return err
	}
	if err := p.Run(ctx); err != nil {
		return err
	}
	log.Info("Stopped. Goodbye!")
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration, calibration and worker health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addr == "" {
				addr = dialAddr(cfg.Health.Addr)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			return showStatus(ctx, cmd.OutOrStdout(), cfg, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "health server address (default from config)")
	return cmd
}

// dialAddr turns a listen address such as ":50051" into one a client can
// dial.
func dialAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

func showStatus(ctx context.Context, w io.Writer, cfg *Config, addr string) error {
	fmt.Fprintln(w, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(w, "║           indoor-sensors Status                           ║")
	fmt.Fprintln(w, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📋 Configuration:")
	fmt.Fprintf(w, "  ├─ Config File:   %s\n", configFile)
	fmt.Fprintf(w, "  ├─ Broker:        %s (qos %d)\n", cfg.MQTT.URL, cfg.MQTT.QoS)
	fmt.Fprintf(w, "  ├─ Topic Prefix:  %s\n", cfg.Publisher.TopicPrefix)
	fmt.Fprintf(w, "  └─ Delivery:      %d attempts, %s each, %s apart\n",
		cfg.Publisher.Retry.MaxAttempts, cfg.Publisher.Retry.AttemptTimeout, cfg.Publisher.Retry.Backoff)
	fmt.Fprintln(w)

	enabled := cfg.EnabledSensors()
	fmt.Fprintln(w, "🌡️  Sensors:")
	for i, name := range enabled {
		branch := "├─"
		if i == len(enabled)-1 {
			branch = "└─"
		}
		fmt.Fprintf(w, "  %s %s\n", branch, name)
	}
	if len(enabled) == 0 {
		fmt.Fprintln(w, "  └─ none enabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "💾 Gas Sensor Baseline:")
	store := baseline.NewStore(cfg.Baseline.Dir)
	fmt.Fprintf(w, "  ├─ Directory: %s\n", store.Dir())
	if b, err := store.Load(); err != nil {
		fmt.Fprintf(w, "  └─ ⚠️  %v\n", err)
	} else {
		fmt.Fprintf(w, "  └─ CO2 %d, TVOC %d\n", b.CO2, b.VOC)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📊 Health:")
	if !cfg.Health.Enabled {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	} else if health, err := server.Check(ctx, addr, enabled); err != nil {
		fmt.Fprintf(w, "  └─ Not running (%s unreachable; run 'indoor-sensors run' to start)\n", addr)
	} else {
		fmt.Fprintf(w, "  ├─ Overall: %s\n", statusIcon(health[""]))
		for i, name := range enabled {
			branch := "├─"
			if i == len(enabled)-1 {
				branch = "└─"
			}
			fmt.Fprintf(w, "  %s %-12s %s\n", branch, name, statusIcon(health[name]))
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "  └─ Status: ✅ Enabled on http://%s/metrics\n", dialAddr(cfg.Metrics.Addr))
	} else {
		fmt.Fprintln(w, "  └─ Status: ⚠️  Disabled")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "═══════════════════════════════════════════════════════════")
	return nil
}

func statusIcon(s string) string {
	switch s {
	case "SERVING":
		return "✅ " + s
	case "NOT_SERVING":
		return "❌ " + s
	default:
		return "❔ " + s
	}
}

// ============================================================================
// baseline
// ============================================================================

func buildBaselineCommand() *cobra.Command {
	var reset bool
	cmd := &cobra.Command{
		Use:   "baseline",
		Short: "Show or reset the persisted gas sensor baseline",
		Long: `The gas sensor calibrates itself over hours of operation. Its
baseline is saved once per report so a restart does not lose it. Use
--reset after moving the sensor to a different environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runBaseline(cmd.OutOrStdout(), baseline.NewStore(cfg.Baseline.Dir), reset)
		},
	}
	cmd.Flags().BoolVar(&reset, "reset", false, "delete the persisted baseline")
	return cmd
}

func runBaseline(w io.Writer, store *baseline.Store, reset bool) error {
	if reset {
		if err := store.Reset(); err != nil {
			return fmt.Errorf("failed to reset baseline: %w", err)
		}
		fmt.Fprintf(w, "Baseline in %s removed; the sensor starts uncalibrated next run\n", store.Dir())
		return nil
	}

	b, err := store.Load()
	if errors.Is(err, baseline.ErrNoBaseline) {
		fmt.Fprintf(w, "No baseline saved in %s\n", store.Dir())
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "CO2:  %d (0x%04X)\nTVOC: %d (0x%04X)\n", b.CO2, b.CO2, b.VOC, b.VOC)
	return nil
}
