package device

import (
	"fmt"
	"math"
	"time"

	"github.com/ChuLiYu/indoor-sensors/pkg/types"
	"periph.io/x/conn/v3/i2c"
)

const SGP30Addr = 0x58

// SGP30 command words.
const (
	sgpInitAirQuality    = 0x2003
	sgpMeasureAirQuality = 0x2008
	sgpGetBaseline       = 0x2015
	sgpSetBaseline       = 0x201E
	sgpSetHumidity       = 0x2061
)

// SGP30 is the eCO2/TVOC gas sensor. Every read word is followed by a CRC
// byte and every written word must carry one.
type SGP30 struct {
	dev   *i2c.Dev
	sleep func(time.Duration)
}

func NewSGP30(bus i2c.Bus, addr uint16) *SGP30 {
	return &SGP30{dev: &i2c.Dev{Bus: bus, Addr: addr}, sleep: time.Sleep}
}

// Init starts the dynamic baseline algorithm. Measurements for the next
// 15 s read 400 ppm / 0 ppb.
func (s *SGP30) Init() error {
	if err := s.write(sgpInitAirQuality); err != nil {
		return fmt.Errorf("sgp30 init: %w", err)
	}
	s.sleep(10 * time.Millisecond)
	return nil
}

// Measure returns eCO2 (ppm) and TVOC (ppb).
func (s *SGP30) Measure() (uint16, uint16, error) {
	words, err := s.read(sgpMeasureAirQuality, 12*time.Millisecond, 2)
	if err != nil {
		return 0, 0, fmt.Errorf("sgp30 measure: %w", err)
	}
	return words[0], words[1], nil
}

// Baseline returns the current compensation baseline.
func (s *SGP30) Baseline() (types.Baseline, error) {
	words, err := s.read(sgpGetBaseline, 10*time.Millisecond, 2)
	if err != nil {
		return types.Baseline{}, fmt.Errorf("sgp30 get baseline: %w", err)
	}
	return types.Baseline{CO2: words[0], VOC: words[1]}, nil
}

// SetBaseline restores a baseline. The sensor expects TVOC before eCO2.
func (s *SGP30) SetBaseline(b types.Baseline) error {
	if err := s.write(sgpSetBaseline, b.VOC, b.CO2); err != nil {
		return fmt.Errorf("sgp30 set baseline: %w", err)
	}
	s.sleep(10 * time.Millisecond)
	return nil
}

// SetHumidity sets absolute humidity compensation in g/m³.
func (s *SGP30) SetHumidity(absolute float64) error {
	word, err := HumidityFixedPoint(absolute)
	if err != nil {
		return err
	}
	if err := s.write(sgpSetHumidity, word); err != nil {
		return fmt.Errorf("sgp30 set humidity: %w", err)
	}
	s.sleep(10 * time.Millisecond)
	return nil
}

// HumidityFixedPoint encodes g/m³ as 8.8 fixed point. Zero disables
// compensation on the sensor.
func HumidityFixedPoint(absolute float64) (uint16, error) {
	if math.IsNaN(absolute) || absolute < 0 || absolute >= 256 {
		return 0, fmt.Errorf("%w: absolute humidity %v g/m3", ErrOutOfRange, absolute)
	}
	return uint16(absolute * 256), nil
}

func (s *SGP30) write(cmd uint16, args ...uint16) error {
	buf := make([]byte, 0, 2+3*len(args))
	buf = append(buf, byte(cmd>>8), byte(cmd))
	for _, a := range args {
		w := []byte{byte(a >> 8), byte(a)}
		buf = append(buf, w[0], w[1], sgpCRC(w))
	}
	return s.dev.Tx(buf, nil)
}

func (s *SGP30) read(cmd uint16, delay time.Duration, n int) ([]uint16, error) {
	if err := s.write(cmd); err != nil {
		return nil, err
	}
	s.sleep(delay)

	buf := make([]byte, 3*n)
	if err := s.dev.Tx(nil, buf); err != nil {
		return nil, err
	}
	words := make([]uint16, n)
	for i := range words {
		chunk := buf[3*i : 3*i+3]
		if sgpCRC(chunk[:2]) != chunk[2] {
			return nil, fmt.Errorf("%w: word %d % x", ErrCRC, i, chunk)
		}
		words[i] = uint16(chunk[0])<<8 | uint16(chunk[1])
	}
	return words, nil
}

// sgpCRC is CRC-8 with polynomial 0x31 and init 0xFF.
func sgpCRC(data []byte) byte {
	crc := byte(0xFF)
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
