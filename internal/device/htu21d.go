package device

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/i2c"
)

const (
	HTU21DAddr = 0x40

	htuTempNoHold     = 0xF3
	htuHumidityNoHold = 0xF5
	htuSoftReset      = 0xFE

	htuMeasureDelay = 50 * time.Millisecond
	htuResetDelay   = 15 * time.Millisecond
)

// HTU21D reads temperature and relative humidity in no-hold mode.
type HTU21D struct {
	dev   *i2c.Dev
	sleep func(time.Duration)
}

func NewHTU21D(bus i2c.Bus, addr uint16) *HTU21D {
	return &HTU21D{dev: &i2c.Dev{Bus: bus, Addr: addr}, sleep: time.Sleep}
}

// Reset soft-resets the sensor.
func (h *HTU21D) Reset() error {
	if err := h.dev.Tx([]byte{htuSoftReset}, nil); err != nil {
		return fmt.Errorf("htu21d reset: %w", err)
	}
	h.sleep(htuResetDelay)
	return nil
}

// Temperature returns °C.
func (h *HTU21D) Temperature() (float64, error) {
	raw, err := h.measure(htuTempNoHold)
	if err != nil {
		return 0, fmt.Errorf("htu21d temperature: %w", err)
	}
	return -46.85 + 175.72*float64(raw)/65536, nil
}

// Humidity returns percent relative humidity.
func (h *HTU21D) Humidity() (float64, error) {
	raw, err := h.measure(htuHumidityNoHold)
	if err != nil {
		return 0, fmt.Errorf("htu21d humidity: %w", err)
	}
	return -6 + 125*float64(raw)/65536, nil
}

func (h *HTU21D) measure(cmd byte) (uint16, error) {
	if err := h.dev.Tx([]byte{cmd}, nil); err != nil {
		return 0, err
	}
	h.sleep(htuMeasureDelay)

	var buf [3]byte
	if err := h.dev.Tx(nil, buf[:]); err != nil {
		return 0, err
	}
	if htuCRC(buf[:2]) != buf[2] {
		return 0, fmt.Errorf("%w: % x", ErrCRC, buf)
	}
	// The two low bits are status, not data.
	return (uint16(buf[0])<<8 | uint16(buf[1])) &^ 0x3, nil
}

// htuCRC is CRC-8 with polynomial x^8+x^5+x^4+1 and zero init.
func htuCRC(data []byte) byte {
	var crc byte
	for _, b := range data {
		crc ^= b
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ 0x31
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
