package filter

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCount is returned when an averaging count below 1 is requested.
var ErrInvalidCount = errors.New("averaging count must be at least 1")

// Mode selects how raw instrument samples are combined into one reading.
type Mode int

const (
	None Mode = iota
	MeanRepeat
	MeanMoving
	MedianRepeat
	MedianMoving
)

// Modes lists every supported filter mode in declaration order.
var Modes = []Mode{None, MeanRepeat, MeanMoving, MedianRepeat, MedianMoving}

var modeNames = map[Mode]string{
	None:         "NONE",
	MeanRepeat:   "MEAN_REPEAT",
	MeanMoving:   "MEAN_MOVING",
	MedianRepeat: "MEDIAN_REPEAT",
	MedianMoving: "MEDIAN_MOVING",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a mode name (e.g. "median_moving") into a Mode.
func ParseMode(s string) (Mode, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return None, fmt.Errorf("unknown filter mode %q", s)
}

// HardwareMode is the on-board averaging configuration an instrument should use.
type HardwareMode int

const (
	HardwareOff HardwareMode = iota
	HardwareRepeat
	HardwareMoving
)

func (h HardwareMode) String() string {
	switch h {
	case HardwareOff:
		return "off"
	case HardwareRepeat:
		return "repeat"
	case HardwareMoving:
		return "moving"
	default:
		return fmt.Sprintf("HardwareMode(%d)", int(h))
	}
}

// ReadFunc takes one raw sample from the instrument.
type ReadFunc func() (float64, error)

// SetupFunc pushes an averaging configuration to the instrument.
type SetupFunc func(mode HardwareMode, count int) error

// ReadFilter turns raw samples into a single filtered reading.
//
// After SetCount or Setup, Clear must be called before the next Value so that
// samples taken under a previous hardware configuration are discarded.
type ReadFilter interface {
	Value() (float64, error)
	SetCount(n int) error
	Count() int
	Setup() error
	Clear()
	Mode() Mode
}

// New creates the filter variant for mode.
func New(mode Mode, read ReadFunc, setup SetupFunc) (ReadFilter, error) {
	if read == nil || setup == nil {
		return nil, fmt.Errorf("filter %s: read and setup functions are required", mode)
	}

	base := base{read: read, setup: setup, count: 1}

	switch mode {
	case None:
		return &Bypass{base: base}, nil
	case MeanRepeat:
		return &MeanRepeatFilter{base: base}, nil
	case MeanMoving:
		return &MeanMovingFilter{base: base}, nil
	case MedianRepeat:
		return &MedianRepeatFilter{base: base}, nil
	case MedianMoving:
		return &MedianMovingFilter{base: base}, nil
	default:
		return nil, fmt.Errorf("unsupported filter mode %s", mode)
	}
}

// base holds the state shared by all variants.
type base struct {
	read  ReadFunc
	setup SetupFunc
	count int
}

func (b *base) SetCount(n int) error {
	if n < 1 {
		return fmt.Errorf("%w: got %d", ErrInvalidCount, n)
	}
	b.count = n
	return nil
}

func (b *base) Count() int {
	return b.count
}

func (b *base) Clear() {}
