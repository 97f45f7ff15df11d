package device

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/indoor-sensors/pkg/types"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
)

const (
	AS3935Addr   = 0x03
	AS3935IRQPin = "GPIO23"
)

// AS3935 registers and values.
const (
	asRegAFE       = 0x00 // [5:1] analog front end gain
	asRegThreshold = 0x01 // [3:0] watchdog threshold
	asRegInterrupt = 0x03 // [3:0] interrupt source
	asRegDistance  = 0x07 // [5:0] storm distance
	asRegPreset    = 0x3C
	asRegCalibRCO  = 0x3D

	asDirectCommand = 0x96
	asGainIndoor    = 0x12
	asGainOutdoor   = 0x0E

	asIntNoise     = 0x01
	asIntDisturber = 0x04
	asIntLightning = 0x08
)

// AS3935 is the lightning detector: register access over I2C plus an
// interrupt line.
type AS3935 struct {
	dev   *i2c.Dev
	irq   gpio.PinIn
	sleep func(time.Duration)
}

// NewAS3935 arms irq for rising edges.
func NewAS3935(bus i2c.Bus, addr uint16, irq gpio.PinIn) (*AS3935, error) {
	if err := irq.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return nil, fmt.Errorf("as3935 irq %s: %w", irq, err)
	}
	return &AS3935{dev: &i2c.Dev{Bus: bus, Addr: addr}, irq: irq, sleep: time.Sleep}, nil
}

// IRQPin looks up a GPIO by name.
func IRQPin(name string) (gpio.PinIn, error) {
	if err := initOnce(); err != nil {
		return nil, err
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("gpio %q not found", name)
	}
	return p, nil
}

// Configure restores defaults, calibrates the oscillators and sets the
// front end gain and signal verification threshold.
func (a *AS3935) Configure(indoor bool, threshold uint8) error {
	if threshold > 0x0F {
		return fmt.Errorf("%w: signal verification threshold %d", ErrOutOfRange, threshold)
	}
	if err := a.writeReg(asRegPreset, asDirectCommand); err != nil {
		return fmt.Errorf("as3935 preset: %w", err)
	}
	a.sleep(2 * time.Millisecond)
	if err := a.writeReg(asRegCalibRCO, asDirectCommand); err != nil {
		return fmt.Errorf("as3935 calibrate: %w", err)
	}
	a.sleep(2 * time.Millisecond)

	gain := byte(asGainOutdoor)
	if indoor {
		gain = asGainIndoor
	}
	if err := a.updateReg(asRegAFE, 0x3E, gain<<1); err != nil {
		return fmt.Errorf("as3935 afe: %w", err)
	}
	if err := a.updateReg(asRegThreshold, 0x0F, threshold); err != nil {
		return fmt.Errorf("as3935 threshold: %w", err)
	}
	return nil
}

// WaitForInterrupt blocks up to timeout for the IRQ line to rise.
func (a *AS3935) WaitForInterrupt(timeout time.Duration) bool {
	return a.irq.WaitForEdge(timeout)
}

// ReadEvent decodes the latched interrupt source.
func (a *AS3935) ReadEvent() (types.LightningEvent, error) {
	src, err := a.readReg(asRegInterrupt)
	if err != nil {
		return types.LightningEvent{}, fmt.Errorf("as3935 interrupt: %w", err)
	}
	switch src & 0x0F {
	case asIntNoise:
		return types.LightningEvent{Kind: types.LightningNoise}, nil
	case asIntDisturber:
		return types.LightningEvent{Kind: types.LightningDisturber}, nil
	case asIntLightning:
		dist, err := a.readReg(asRegDistance)
		if err != nil {
			return types.LightningEvent{}, fmt.Errorf("as3935 distance: %w", err)
		}
		return types.LightningEvent{Kind: types.LightningStrike, Distance: types.StormDistance(dist & 0x3F)}, nil
	default:
		return types.LightningEvent{}, types.ErrNoEvent
	}
}

func (a *AS3935) readReg(reg byte) (byte, error) {
	var r [1]byte
	if err := a.dev.Tx([]byte{reg}, r[:]); err != nil {
		return 0, err
	}
	return r[0], nil
}

func (a *AS3935) writeReg(reg, v byte) error {
	return a.dev.Tx([]byte{reg, v}, nil)
}

func (a *AS3935) updateReg(reg, mask, v byte) error {
	cur, err := a.readReg(reg)
	if err != nil {
		return err
	}
	return a.writeReg(reg, cur&^mask | v&mask)
}
