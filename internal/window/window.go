// Package window provides the fixed-capacity sample windows sensor workers
// average before reporting.
package window

import (
	"errors"

	"github.com/montanaflynn/stats"
)

// ErrEmpty is returned when averaging a window with no samples.
var ErrEmpty = errors.New("window is empty")

// Sample is the set of raw sample types the workers collect.
type Sample interface {
	~uint16 | ~uint32 | ~uint64 | ~int | ~int32 | ~int64
}

// Rolling keeps the most recent Cap samples. Pushing into a full window
// evicts the oldest sample. Not safe for concurrent use; each worker owns
// its windows.
type Rolling[T Sample] struct {
	buf []T
	cap int
}

// New returns an empty window holding at most capacity samples.
func New[T Sample](capacity int) *Rolling[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Rolling[T]{buf: make([]T, 0, capacity), cap: capacity}
}

// Push appends v, evicting the oldest sample when full.
func (w *Rolling[T]) Push(v T) {
	if len(w.buf) == w.cap {
		copy(w.buf, w.buf[1:])
		w.buf[len(w.buf)-1] = v
		return
	}
	w.buf = append(w.buf, v)
}

func (w *Rolling[T]) Len() int { return len(w.buf) }
func (w *Rolling[T]) Cap() int { return w.cap }

// Values returns a copy of the samples, oldest first.
func (w *Rolling[T]) Values() []T {
	out := make([]T, len(w.buf))
	copy(out, w.buf)
	return out
}

func (w *Rolling[T]) data() stats.Float64Data {
	data := make(stats.Float64Data, len(w.buf))
	for i, v := range w.buf {
		data[i] = float64(v)
	}
	return data
}

// Mean returns the arithmetic mean of the samples.
func (w *Rolling[T]) Mean() (float64, error) {
	if len(w.buf) == 0 {
		return 0, ErrEmpty
	}
	return stats.Mean(w.data())
}

// FloorMean returns the integer mean of the samples, truncated toward zero
// the way the reported integer values always have been. The sum of integer
// samples is exact in a float64, so the division is done on integers.
func (w *Rolling[T]) FloorMean() (T, error) {
	if len(w.buf) == 0 {
		return 0, ErrEmpty
	}
	sum, err := stats.Sum(w.data())
	if err != nil {
		return 0, err
	}
	return T(int64(sum) / int64(len(w.buf))), nil
}
