package sensors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/indoor-sensors/pkg/types"
)

// LightningSensor is an interrupt-driven lightning detector on the shared
// bus. WaitForInterrupt does not touch the bus; the other two methods do.
type LightningSensor interface {
	Configure(indoor bool, signalThreshold uint8) error
	WaitForInterrupt(timeout time.Duration) bool
	ReadEvent() (types.LightningEvent, error)
}

// LightningConfig tunes the lightning worker.
type LightningConfig struct {
	Indoor bool
	// SignalThreshold is passed to the detector as is; 0 is a valid
	// setting. DefaultLightningConfig holds the usual value.
	SignalThreshold uint8
	// SettleDelay is the wait between the interrupt and reading the event
	// register.
	SettleDelay time.Duration
	// Poll bounds each interrupt wait so shutdown is noticed.
	Poll time.Duration
}

func DefaultLightningConfig() LightningConfig {
	return LightningConfig{
		Indoor:          true,
		SignalThreshold: 2,
		SettleDelay:     2 * time.Millisecond,
		Poll:            time.Second,
	}
}

// Lightning listens for detector interrupts and logs each event. It never
// emits readings.
type Lightning struct {
	emitter
	bus Bus
	dev LightningSensor
	cfg LightningConfig
}

func NewLightning(dev LightningSensor, bus Bus, cfg LightningConfig, d Deps) *Lightning {
	def := DefaultLightningConfig()
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.Poll <= 0 {
		cfg.Poll = def.Poll
	}
	return &Lightning{emitter: newEmitter("lightning", d), bus: bus, dev: dev, cfg: cfg}
}

func (w *Lightning) Run(ctx context.Context) error {
	stop, err := w.guarded(ctx, w.bus, func() error {
		return w.dev.Configure(w.cfg.Indoor, w.cfg.SignalThreshold)
	})
	if stop != nil {
		return endTick(stop)
	}
	if err != nil {
		return fmt.Errorf("configure lightning detector: %w", err)
	}
	w.log.Info("Started lightning worker", "indoor", w.cfg.Indoor, "signal_threshold", w.cfg.SignalThreshold)

	for ctx.Err() == nil {
		if !w.dev.WaitForInterrupt(w.cfg.Poll) {
			continue
		}
		if err := w.Handle(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Handle reads and logs the event behind one interrupt.
func (w *Lightning) Handle(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-w.clk.After(w.cfg.SettleDelay):
	}

	var ev types.LightningEvent
	stop, err := w.guarded(ctx, w.bus, func() (err error) {
		ev, err = w.dev.ReadEvent()
		return err
	})
	switch {
	case stop != nil:
		return endTick(stop)
	case errors.Is(err, types.ErrNoEvent):
		w.log.Debug("Interrupt without a latched event")
	case err != nil:
		w.warn("read", "Failed to read lightning event", err)
	default:
		w.log.Info(ev.String(), "kind", ev.Kind.String(), "distance", ev.Distance.String())
	}
	return nil
}
