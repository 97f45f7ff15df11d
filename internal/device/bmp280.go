package device

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/devices/v3/bmxx80"
)

// BMP280Addr is the barometer's address with SDO pulled high.
const BMP280Addr = 0x77

// BMP280 reads barometric pressure.
type BMP280 struct {
	dev *bmxx80.Dev
}

// NewBMP280 probes the barometer. The bus must already be held.
func NewBMP280(bus i2c.Bus, addr uint16) (*BMP280, error) {
	opts := bmxx80.DefaultOpts
	dev, err := bmxx80.NewI2C(bus, addr, &opts)
	if err != nil {
		return nil, fmt.Errorf("bmp280 at %#x: %w", addr, err)
	}
	return &BMP280{dev: dev}, nil
}

// Pressure takes one forced measurement and returns pascals.
func (b *BMP280) Pressure() (float64, error) {
	var env physic.Env
	if err := b.dev.Sense(&env); err != nil {
		return 0, fmt.Errorf("bmp280 sense: %w", err)
	}
	return float64(env.Pressure) / float64(physic.Pascal), nil
}
