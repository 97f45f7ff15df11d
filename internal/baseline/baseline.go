package baseline

// ============================================================================
// Responsibilities:
// 1. Persist the gas sensor calibration pair as two plain-text files
// 2. Write each file atomically (temp file + rename) so a crash mid-save
//    never leaves a truncated value behind
// 3. Refuse to load a half-written or unparsable pair
// ============================================================================

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ChuLiYu/indoor-sensors/pkg/types"
	"go.uber.org/multierr"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrNoBaseline = errors.New("no persisted baseline")
	ErrMalformed  = errors.New("persisted baseline is malformed")
)

const (
	DefaultDir = "/var/lib/indoor_sensors"
	CO2File    = "sgp30_co2.txt"
	VOCFile    = "sgp30_tvoc.txt"
)

// Store reads and writes the baseline files in one directory.
type Store struct {
	dir string
	mu  sync.Mutex // serializes file operations
}

// NewStore returns a store rooted at dir.
func NewStore(dir string) *Store {
	if dir == "" {
		dir = DefaultDir
	}
	return &Store{dir: dir}
}

func (s *Store) Dir() string     { return s.dir }
func (s *Store) co2Path() string { return filepath.Join(s.dir, CO2File) }
func (s *Store) vocPath() string { return filepath.Join(s.dir, VOCFile) }

// Load reads both values. A missing file yields ErrNoBaseline; content that
// is not a decimal u16 yields ErrMalformed.
func (s *Store) Load() (types.Baseline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	co2, err := readValue(s.co2Path())
	if err != nil {
		return types.Baseline{}, err
	}
	voc, err := readValue(s.vocPath())
	if err != nil {
		return types.Baseline{}, err
	}
	return types.Baseline{CO2: co2, VOC: voc}, nil
}

// Save writes both values. Each file is replaced atomically; a failure on
// one file does not prevent the other being written, and both errors are
// reported.
func (s *Store) Save(b types.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create baseline dir: %w", err)
	}
	return multierr.Combine(
		writeAtomic(s.co2Path(), b.CO2),
		writeAtomic(s.vocPath(), b.VOC),
	)
}

// Reset removes both files so the next start runs uncalibrated.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for _, p := range []string{s.co2Path(), s.vocPath()} {
		if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = multierr.Append(err, rmErr)
		}
	}
	return err
}

func readValue(path string) (uint16, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", ErrNoBaseline, filepath.Base(path))
		}
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMalformed, filepath.Base(path), err)
	}
	return uint16(v), nil
}

func writeAtomic(path string, v uint16) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(strconv.FormatUint(uint64(v), 10)), 0o644); err != nil {
		return fmt.Errorf("failed to write temp baseline: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename baseline: %w", err)
	}
	return nil
}
