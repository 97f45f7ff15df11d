// ============================================================================
// Device Drivers - bus access
// ============================================================================
//
// Package: internal/device
// Purpose: Concrete drivers for the sensors the workers in internal/sensors
//          talk to. Every driver here performs exactly one bus transaction
//          sequence per call and never locks; the caller holds the bus guard.
//
// Bus layout (one I2C bus, shared):
//   0x03  AS3935 lightning detector (+ IRQ on GPIO23)
//   0x40  HTU21D temperature / humidity
//   0x58  SGP30  eCO2 / TVOC
//   0x77  BMP280 pressure
//
// ============================================================================

package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/indoor-sensors/internal/logging"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

var log = logging.Component("device")

var (
	// ErrCRC means a word read from the bus failed its checksum.
	ErrCRC = errors.New("crc mismatch")
	// ErrOutOfRange means a value cannot be encoded for the device.
	ErrOutOfRange = errors.New("value out of range")
)

var initOnce = sync.OnceValue(func() error {
	state, err := host.Init()
	if err != nil {
		return fmt.Errorf("failed to initialise host drivers: %w", err)
	}
	for _, d := range state.Failed {
		log.Warn("Host driver failed to load", "driver", d.String())
	}
	return nil
})

// OpenI2C opens the named I2C bus ("" picks the first one, "1" for
// /dev/i2c-1).
func OpenI2C(name string) (i2c.BusCloser, error) {
	if err := initOnce(); err != nil {
		return nil, err
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open i2c bus %q: %w", name, err)
	}
	log.Info("Opened I2C bus", "bus", bus.String())
	return bus, nil
}
