package smu

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/itohio/gosmu/pkg/filter"
)

var (
	// ErrChannelRange is returned when a channel index is outside [0, NumChannels).
	ErrChannelRange = errors.New("channel out of range")
	// ErrInvalidCount is returned for averaging counts below 1.
	ErrInvalidCount = filter.ErrInvalidCount
	// ErrConfig is returned for unusable sweep configurations.
	ErrConfig = errors.New("invalid configuration")
	// ErrInterrupted is returned when a timed wait inside a sweep is cut short.
	ErrInterrupted = errors.New("wait interrupted")
	// ErrUnsupported is returned when the driver lacks an optional capability.
	ErrUnsupported = errors.New("operation not supported by driver")
	// ErrCommunication marks transport-level read/write failures.
	ErrCommunication = errors.New("communication error")
)

// Quantity is either voltage or current. It names both what a channel sources
// and what is being measured.
type Quantity int

const (
	Voltage Quantity = iota
	Current
)

func (q Quantity) String() string {
	switch q {
	case Voltage:
		return "VOLTAGE"
	case Current:
		return "CURRENT"
	default:
		return fmt.Sprintf("Quantity(%d)", int(q))
	}
}

// Unit returns the SI unit symbol for the quantity.
func (q Quantity) Unit() string {
	if q == Current {
		return "A"
	}
	return "V"
}

// Complement returns the quantity measured while q is sourced.
func (q Quantity) Complement() Quantity {
	if q == Voltage {
		return Current
	}
	return Voltage
}

// ParseQuantity converts "voltage"/"current" (or "v"/"i") into a Quantity.
func ParseQuantity(s string) (Quantity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "voltage", "v":
		return Voltage, nil
	case "current", "i":
		return Current, nil
	default:
		return Voltage, fmt.Errorf("unknown quantity %q", s)
	}
}

// Driver is the instrument-specific layer the Device drives. Implementations
// translate each call into the instrument's command dialect. All methods are
// synchronous; transport failures should wrap ErrCommunication.
type Driver interface {
	NumChannels() int
	ReadRaw(channel int, q Quantity) (float64, error)
	ApplyAveraging(channel int, q Quantity, mode filter.HardwareMode, count int) error
	SetBias(channel int, source Quantity, value float64) error
	SetOutputEnabled(channel int, on bool) error
	SelectSource(channel int, source Quantity) error
}

// Limiter is implemented by drivers that support compliance limits.
type Limiter interface {
	SetLimit(channel int, q Quantity, value float64) error
}

// FourProbe is implemented by drivers that support remote (Kelvin) sensing.
type FourProbe interface {
	SetFourProbe(channel int, enabled bool) error
}

// IVPoint is a voltage/current pair measured within one settling interval.
type IVPoint struct {
	Voltage float64
	Current float64
}

// MCIVPoint holds one IVPoint per channel, taken at the same sweep step.
type MCIVPoint map[int]IVPoint

// Channel returns the point for channel ch.
func (p MCIVPoint) Channel(ch int) (IVPoint, bool) {
	pt, ok := p[ch]
	return pt, ok
}

// Channels returns the channel indices present in ascending order.
func (p MCIVPoint) Channels() []int {
	channels := make([]int, 0, len(p))
	for ch := range p {
		channels = append(channels, ch)
	}
	slices.Sort(channels)
	return channels
}
