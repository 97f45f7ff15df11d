package sensors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/window"
	"github.com/ChuLiYu/indoor-sensors/internal/worker"
	"github.com/ChuLiYu/indoor-sensors/pkg/types"
)

// ============================================================================
// Particulate sensor protocol
// ============================================================================
//
// Host → sensor (19 bytes):
//   AA B4 d1..d13 FF FF cs AB        cs = sum(bytes 2..16) & 0xFF
//
// Sensor → host (10 bytes):
//   AA C0 p25lo p25hi p10lo p10hi id id cs AB   measurement
//   AA C5 cmd b1 b2 ...          id id cs AB   command reply
//                                cs = sum(bytes 2..7) & 0xFF
//
// Duty cycle (one tick per second, counter restarts every ReportAt ticks):
//
//   0 ──────────── WakeAt ──── SampleFrom ──── ReportAt
//      sleeping       warm-up      query+read     report, sleep
//
// ============================================================================

const (
	frameHead    = 0xAA
	frameTail    = 0xAB
	cmdHeader    = 0xB4
	replyData    = 0xC0
	replyCommand = 0xC5

	commandLen = 19
	replyLen   = 10
	readLen    = 20
)

var (
	cmdQueryMode = Command(0x02, 0x01, 0x01)
	cmdWake      = Command(0x06, 0x01, 0x01)
	cmdSleep     = Command(0x06, 0x01, 0x00)
	cmdQuery     = Command(0x04)
)

var (
	ErrNoFrame     = errors.New("no particulate frame found")
	ErrBadChecksum = errors.New("particulate frame checksum mismatch")
	ErrNotAcked    = errors.New("particulate command not acknowledged")
	errLongCommand = errors.New("particulate command data too long")
)

// Command builds a host-to-sensor frame addressed to every sensor on the
// line. data fills bytes 2..14; unused bytes are zero.
func Command(data ...byte) []byte {
	if len(data) > 13 {
		panic(errLongCommand)
	}
	buf := make([]byte, commandLen)
	buf[0] = frameHead
	buf[1] = cmdHeader
	copy(buf[2:15], data)
	buf[15], buf[16] = 0xFF, 0xFF
	buf[17] = checksum(buf[2:17])
	buf[18] = frameTail
	return buf
}

func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return sum
}

// findFrame scans b for the first well-formed reply of the given kind,
// skipping any misaligned or corrupt bytes before it.
func findFrame(b []byte, kind byte) ([]byte, error) {
	err := ErrNoFrame
	for i := 0; i+replyLen <= len(b); i++ {
		if b[i] != frameHead || b[i+1] != kind {
			continue
		}
		f := b[i : i+replyLen]
		if f[replyLen-1] != frameTail {
			continue
		}
		if checksum(f[2:8]) != f[8] {
			err = ErrBadChecksum
			continue
		}
		return f, nil
	}
	return nil, err
}

// ParseFrame extracts PM2.5 and PM10, in tenths of µg/m³, from the first
// valid measurement frame in b.
func ParseFrame(b []byte) (pm25, pm10 uint32, err error) {
	f, err := findFrame(b, replyData)
	if err != nil {
		return 0, 0, err
	}
	pm25 = uint32(f[2]) | uint32(f[3])<<8
	pm10 = uint32(f[4]) | uint32(f[5])<<8
	return pm25, pm10, nil
}

// ============================================================================
// Worker
// ============================================================================

// ParticulateConfig tunes the duty cycle. Tick counts are in units of
// Tick.
type ParticulateConfig struct {
	Tick          time.Duration
	WakeAt        int
	SampleFrom    int
	ReportAt      int
	Window        int
	CommandDelay  time.Duration // wait between a command and its reply
	SetupAttempts int
}

func DefaultParticulateConfig() ParticulateConfig {
	return ParticulateConfig{
		Tick:          time.Second,
		WakeAt:        240,
		SampleFrom:    270,
		ReportAt:      300,
		Window:        30,
		CommandDelay:  500 * time.Millisecond,
		SetupAttempts: 3,
	}
}

func (c ParticulateConfig) withDefaults() ParticulateConfig {
	d := DefaultParticulateConfig()
	if c.Tick <= 0 {
		c.Tick = d.Tick
	}
	if c.ReportAt <= 0 {
		c.ReportAt, c.SampleFrom, c.WakeAt = d.ReportAt, d.SampleFrom, d.WakeAt
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.CommandDelay <= 0 {
		c.CommandDelay = d.CommandDelay
	}
	if c.SetupAttempts <= 0 {
		c.SetupAttempts = d.SetupAttempts
	}
	return c
}

// Particulate runs the particulate counter on a duty cycle: it stays
// powered down most of the time, is woken ahead of each report to warm up,
// sampled over a trailing window and powered down again after reporting.
type Particulate struct {
	emitter
	port       SerialPort
	cfg        ParticulateConfig
	pm25, pm10 *window.Rolling[uint32]
	counter    int
	buf        []byte
}

func NewParticulate(port SerialPort, cfg ParticulateConfig, d Deps) *Particulate {
	cfg = cfg.withDefaults()
	return &Particulate{
		emitter: newEmitter("particulate", d),
		port:    port,
		cfg:     cfg,
		pm25:    window.New[uint32](cfg.Window),
		pm10:    window.New[uint32](cfg.Window),
		buf:     make([]byte, readLen),
	}
}

func (w *Particulate) Run(ctx context.Context) error {
	if err := w.Setup(ctx); err != nil {
		return err
	}
	w.log.Info("Started particulate worker", "report_every", time.Duration(w.cfg.ReportAt)*w.cfg.Tick)
	return worker.Every(ctx, w.clk, w.cfg.Tick, w.Tick)
}

// Setup switches the sensor to query mode and powers it down. The first
// command after power-up is often answered with garbage, so the mode
// switch is retried. Only a failed write ends the worker.
func (w *Particulate) Setup(ctx context.Context) error {
	for attempt := 1; attempt <= w.cfg.SetupAttempts; attempt++ {
		w.log.Info("Switching particulate sensor to query mode", "attempt", attempt)
		err := w.command(ctx, cmdQueryMode)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			w.log.Info("Particulate sensor is in query mode")
			break
		}
		if !errors.Is(err, ErrNotAcked) {
			return fmt.Errorf("set query mode: %w", err)
		}
		w.log.Error("Failed to switch particulate sensor to query mode", "error", err)
	}

	w.log.Info("Powering down particulate sensor")
	err := w.command(ctx, cmdSleep)
	switch {
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, ErrNotAcked):
		w.log.Error("Failed to power down particulate sensor", "error", err)
	case err != nil:
		return fmt.Errorf("power down: %w", err)
	}
	return nil
}

// Tick advances the duty cycle by one step.
func (w *Particulate) Tick(ctx context.Context) error {
	switch {
	case w.counter == w.cfg.WakeAt:
		w.log.Info("Powering up particulate sensor")
		w.checkCommand(w.command(ctx, cmdWake))
	case w.counter >= w.cfg.SampleFrom && w.counter < w.cfg.ReportAt:
		w.sample(ctx)
	}

	if w.counter >= w.cfg.ReportAt {
		w.report()
		w.log.Info("Powering down particulate sensor")
		w.checkCommand(w.command(ctx, cmdSleep))
		w.counter = 0
	}
	w.counter++
	return nil
}

func (w *Particulate) sample(ctx context.Context) {
	if _, err := w.port.Write(cmdQuery); err != nil {
		w.warn("write", "Failed to write to particulate sensor", err)
		return
	}
	if err := w.pause(ctx); err != nil {
		return
	}
	n, err := w.port.Read(w.buf)
	if err != nil && !isTimeout(err) {
		w.warn("read", "Failed to read from particulate sensor", err)
		return
	}
	if n == 0 {
		w.warn("read", "No reply from particulate sensor", err)
		return
	}
	pm25, pm10, err := ParseFrame(w.buf[:n])
	if err != nil {
		w.warn("parse", "Discarding particulate frame", fmt.Errorf("%w: % x", err, w.buf[:n]))
		return
	}
	w.pm25.Push(pm25)
	w.pm10.Push(pm10)
}

func (w *Particulate) report() {
	pm25, err25 := w.pm25.FloorMean()
	pm10, err10 := w.pm10.FloorMean()
	if err25 != nil || err10 != nil {
		w.log.Warn("No particulate samples to report")
		return
	}
	w.emit(types.AirParticulateReading{
		Timestamp: w.now(),
		Location:  types.LocationTag,
		PM2_5:     pm25,
		PM10:      pm10,
	})
}

// command writes cmd and checks the sensor's acknowledgement. A write
// failure is returned as is; a missing or wrong reply wraps ErrNotAcked.
func (w *Particulate) command(ctx context.Context, cmd []byte) error {
	if _, err := w.port.Write(cmd); err != nil {
		return err
	}
	if err := w.pause(ctx); err != nil {
		return err
	}
	n, err := w.port.Read(w.buf)
	if err != nil && !isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrNotAcked, err)
	}
	f, err := findFrame(w.buf[:n], replyCommand)
	if err != nil {
		return fmt.Errorf("%w: %w: % x", ErrNotAcked, err, w.buf[:n])
	}
	if !bytes.Equal(f[2:5], cmd[2:5]) {
		return fmt.Errorf("%w: unexpected reply % x", ErrNotAcked, f)
	}
	return nil
}

// checkCommand logs the outcome of a duty-cycle command. Nothing here is
// fatal: the next cycle tries again.
func (w *Particulate) checkCommand(err error) {
	switch {
	case err == nil:
		w.log.Debug("Particulate sensor acknowledged command")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
	case errors.Is(err, ErrNotAcked):
		w.warn("command", "Particulate sensor did not acknowledge command", err)
	default:
		w.warn("write", "Failed to write to particulate sensor", err)
	}
}

func (w *Particulate) pause(ctx context.Context) error {
	t := w.clk.Timer(w.cfg.CommandDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
