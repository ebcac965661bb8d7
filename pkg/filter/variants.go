package filter

import (
	"fmt"
	"slices"
)

// Bypass returns every raw sample unchanged with on-board averaging disabled.
type Bypass struct {
	base
}

func (f *Bypass) Mode() Mode { return None }

func (f *Bypass) Setup() error {
	return f.setup(HardwareOff, 1)
}

func (f *Bypass) Value() (float64, error) {
	return f.read()
}

// MeanRepeatFilter relies on the instrument's repeat averaging. Each read
// returns a value the hardware has already averaged over count fresh samples.
type MeanRepeatFilter struct {
	base
}

func (f *MeanRepeatFilter) Mode() Mode { return MeanRepeat }

func (f *MeanRepeatFilter) Setup() error {
	return f.setup(HardwareRepeat, f.count)
}

func (f *MeanRepeatFilter) Value() (float64, error) {
	return f.read()
}

// MeanMovingFilter relies on the instrument's moving averaging.
type MeanMovingFilter struct {
	base
}

func (f *MeanMovingFilter) Mode() Mode { return MeanMoving }

func (f *MeanMovingFilter) Setup() error {
	return f.setup(HardwareMoving, f.count)
}

func (f *MeanMovingFilter) Value() (float64, error) {
	return f.read()
}

// MedianRepeatFilter draws count fresh samples per reading and returns their
// median. On-board averaging is disabled so every sample is a single conversion.
type MedianRepeatFilter struct {
	base
	buf []float64
}

func (f *MedianRepeatFilter) Mode() Mode { return MedianRepeat }

func (f *MedianRepeatFilter) Setup() error {
	return f.setup(HardwareOff, 1)
}

func (f *MedianRepeatFilter) Clear() {
	f.buf = f.buf[:0]
}

func (f *MedianRepeatFilter) Value() (float64, error) {
	f.buf = f.buf[:0]
	for i := range f.count {
		v, err := f.read()
		if err != nil {
			return 0, fmt.Errorf("median repeat sample %d/%d: %w", i+1, f.count, err)
		}
		f.buf = append(f.buf, v)
	}
	return Median(f.buf), nil
}

// MedianMovingFilter keeps the last count raw samples and returns their median.
//
// The first Value after Clear primes the window with count fresh samples, so a
// reading is never a median over fewer than count samples. Every later call
// takes exactly one new sample and evicts the oldest.
type MedianMovingFilter struct {
	base
	window []float64
}

func (f *MedianMovingFilter) Mode() Mode { return MedianMoving }

func (f *MedianMovingFilter) Setup() error {
	return f.setup(HardwareOff, 1)
}

func (f *MedianMovingFilter) Clear() {
	f.window = f.window[:0]
}

func (f *MedianMovingFilter) Value() (float64, error) {
	// Prime (or refill after a failed prime) up to a full window
	for len(f.window) < f.count-1 {
		v, err := f.read()
		if err != nil {
			return 0, fmt.Errorf("median moving prime %d/%d: %w", len(f.window)+1, f.count, err)
		}
		f.window = append(f.window, v)
	}

	v, err := f.read()
	if err != nil {
		return 0, err
	}

	f.window = append(f.window, v)
	if len(f.window) > f.count {
		f.window = f.window[len(f.window)-f.count:] // Remove oldest
	}

	return Median(f.window), nil
}

// Buffered returns the number of samples currently held in the window.
func (f *MedianMovingFilter) Buffered() int {
	return len(f.window)
}

// Median returns the median of values without modifying them. An even number
// of values yields the mean of the two central order statistics. The median of
// an empty slice is 0.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
