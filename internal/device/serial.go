package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jacobsa/go-serial/serial"
)

// SerialConfig describes an 8N1 serial line.
type SerialConfig struct {
	Path    string        `yaml:"path"`
	Baud    uint          `yaml:"baud"`
	Timeout time.Duration `yaml:"timeout"`
}

// SerialPort is a serial line with a read timeout. A read that finds no
// data within the timeout returns os.ErrDeadlineExceeded.
type SerialPort struct {
	rwc  io.ReadWriteCloser
	path string
}

// OpenSerial opens the line in non-canonical mode. The terminal driver
// counts the timeout in tenths of a second, so it is rounded up to the
// next 100 ms.
func OpenSerial(cfg SerialConfig) (*SerialPort, error) {
	if cfg.Baud == 0 {
		cfg.Baud = 9600
	}
	opts := serial.OpenOptions{
		PortName:              cfg.Path,
		BaudRate:              cfg.Baud,
		DataBits:              8,
		StopBits:              1,
		ParityMode:            serial.PARITY_NONE,
		InterCharacterTimeout: timeoutDeciseconds(cfg.Timeout) * 100,
		MinimumReadSize:       0,
	}
	rwc, err := serial.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Path, err)
	}
	log.Info("Opened serial port", "path", cfg.Path, "baud", cfg.Baud,
		"timeout", time.Duration(opts.InterCharacterTimeout)*time.Millisecond)
	return NewSerialPort(rwc, cfg.Path), nil
}

// NewSerialPort wraps an already open line.
func NewSerialPort(rwc io.ReadWriteCloser, path string) *SerialPort {
	return &SerialPort{rwc: rwc, path: path}
}

func timeoutDeciseconds(d time.Duration) uint {
	ds := (d + 100*time.Millisecond - 1) / (100 * time.Millisecond)
	if ds < 1 {
		ds = 1
	}
	if ds > 255 {
		ds = 255
	}
	return uint(ds)
}

// Read returns what arrived within the timeout. The terminal driver
// signals an expired timeout as a zero-length read, which surfaces as
// io.EOF.
func (p *SerialPort) Read(b []byte) (int, error) {
	n, err := p.rwc.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, os.ErrDeadlineExceeded
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("read %s: %w", p.path, err)
	}
	return n, nil
}

func (p *SerialPort) Write(b []byte) (int, error) {
	n, err := p.rwc.Write(b)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", p.path, err)
	}
	return n, nil
}

func (p *SerialPort) Close() error {
	return p.rwc.Close()
}
