package sensors

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/indoor-sensors/internal/window"
	"github.com/ChuLiYu/indoor-sensors/internal/worker"
	"github.com/ChuLiYu/indoor-sensors/pkg/types"
)

const (
	DefaultRadiationPeriod      = time.Second
	DefaultRadiationReportEvery = 60
	DefaultRadiationWindow      = 60

	radiationReadSize = 200
)

var (
	ErrNoCPSMarker = errors.New("no CPS field in radiation data")
	ErrShortRecord = errors.New("radiation record too short")
)

// ParseCPM extracts counts-per-minute from the counter's CSV stream
// ("CPS, n, CPM, n, uSv/hr, x, SLOW"). The stream is resynchronised on the
// first "CPS" field; the CPM value is the third field after it.
func ParseCPM(data []byte) (uint32, error) {
	fields := strings.Split(string(data), ",")
	for i, f := range fields {
		if strings.TrimSpace(f) != "CPS" {
			continue
		}
		if i+3 >= len(fields) {
			return 0, fmt.Errorf("%w: %q", ErrShortRecord, data)
		}
		v, err := strconv.ParseUint(strings.TrimSpace(fields[i+3]), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid CPM value: %w", err)
		}
		return uint32(v), nil
	}
	return 0, ErrNoCPSMarker
}

// RadiationConfig tunes the radiation worker.
type RadiationConfig struct {
	Period      time.Duration
	ReportEvery int
	Window      int
}

// Radiation polls the Geiger counter's serial stream once a period and
// reports the windowed mean CPM every ReportEvery polls.
type Radiation struct {
	emitter
	port    SerialPort
	cfg     RadiationConfig
	cpm     *window.Rolling[uint32]
	counter int
	buf     []byte
}

func NewRadiation(port SerialPort, cfg RadiationConfig, d Deps) *Radiation {
	if cfg.Period <= 0 {
		cfg.Period = DefaultRadiationPeriod
	}
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = DefaultRadiationReportEvery
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultRadiationWindow
	}
	return &Radiation{
		emitter: newEmitter("radiation", d),
		port:    port,
		cfg:     cfg,
		cpm:     window.New[uint32](cfg.Window),
		counter: 1,
		buf:     make([]byte, radiationReadSize),
	}
}

func (w *Radiation) Run(ctx context.Context) error {
	w.log.Info("Started radiation worker", "period", w.cfg.Period)
	return worker.Every(ctx, w.clk, w.cfg.Period, w.Tick)
}

// Tick reads whatever the counter has sent since the last poll.
func (w *Radiation) Tick(context.Context) error {
	n, err := w.port.Read(w.buf)
	switch {
	case err != nil && !isTimeout(err):
		w.warn("read", "Failed to read from radiation counter", err)
	case n > 0:
		cpm, perr := ParseCPM(w.buf[:n])
		switch {
		case errors.Is(perr, ErrNoCPSMarker):
			w.log.Debug("No CPS marker in radiation data", "bytes", n)
		case perr != nil:
			w.warn("parse", "Failed to parse radiation data", perr)
		default:
			w.cpm.Push(cpm)
		}
	}

	if w.counter >= w.cfg.ReportEvery {
		w.counter = 0
		w.report()
	}
	w.counter++
	return nil
}

func (w *Radiation) report() {
	mean, err := w.cpm.FloorMean()
	if err != nil {
		w.log.Warn("No radiation samples to report")
		return
	}
	r, err := types.NewIntegerReading(types.SensorRadiation, w.now(), int64(mean))
	if err != nil {
		w.warn("serialize", "Failed to build reading", err)
		return
	}
	w.emit(r)
}
