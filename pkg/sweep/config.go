package sweep

import (
	"fmt"
	"slices"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/itohio/gosmu/pkg/smu"
)

// Config describes the values swept on one channel.
type Config struct {
	Channel   int
	Source    smu.Quantity
	Values    []float64
	Delay     time.Duration // Settling time after each bias change
	Symmetric bool          // Sweep back to the start after reaching the last value
}

// Effective returns the bias sequence actually applied. A symmetric config
// returns the values followed by their reverse, without repeating the
// turning point: [0 1 2] becomes [0 1 2 1 0].
func (c Config) Effective() []float64 {
	if c.Symmetric {
		return Symmetric(c.Values)
	}
	return slices.Clone(c.Values)
}

// Validate checks the config against a device with numChannels channels.
func (c Config) Validate(numChannels int) error {
	if c.Channel < 0 || c.Channel >= numChannels {
		return fmt.Errorf("%w: sweep on channel %d (device has %d)", smu.ErrChannelRange, c.Channel, numChannels)
	}
	if c.Source != smu.Voltage && c.Source != smu.Current {
		return fmt.Errorf("%w: channel %d: invalid source %s", smu.ErrConfig, c.Channel, c.Source)
	}
	if len(c.Values) == 0 {
		return fmt.Errorf("%w: channel %d: empty value sequence", smu.ErrConfig, c.Channel)
	}
	if c.Delay < 0 {
		return fmt.Errorf("%w: channel %d: negative delay %s", smu.ErrConfig, c.Channel, c.Delay)
	}
	return nil
}

// Linear returns n evenly spaced values from start to stop inclusive.
func Linear(start, stop float64, n int) []float64 {
	switch {
	case n < 1:
		return nil
	case n == 1:
		return []float64{start}
	}
	return floats.Span(make([]float64, n), start, stop)
}

// Logarithmic returns n logarithmically spaced values from start to stop
// inclusive. Both bounds must be positive, otherwise nil is returned.
func Logarithmic(start, stop float64, n int) []float64 {
	switch {
	case n < 1 || start <= 0 || stop <= 0:
		return nil
	case n == 1:
		return []float64{start}
	}
	return floats.LogSpan(make([]float64, n), start, stop)
}

// Symmetric returns values followed by their reverse, sharing the last value.
func Symmetric(values []float64) []float64 {
	if len(values) == 0 {
		return nil
	}

	out := make([]float64, 0, 2*len(values)-1)
	out = append(out, values...)
	for i := len(values) - 2; i >= 0; i-- {
		out = append(out, values[i])
	}
	return out
}
