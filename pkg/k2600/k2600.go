// Package k2600 drives Keithley 2600-series dual-channel SMUs through their
// TSP command set.
package k2600

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/itohio/gosmu/pkg/filter"
	"github.com/itohio/gosmu/pkg/scpi"
	"github.com/itohio/gosmu/pkg/smu"
)

// TSP node names, indexed by channel.
var channels = []string{"smua", "smub"}

const (
	cmdMeasureV    = "print(%s.measure.v())"
	cmdMeasureI    = "print(%s.measure.i())"
	cmdSourceFunc  = "%s.source.func = %d"
	cmdLevelV      = "%s.source.levelv = %e"
	cmdLevelI      = "%s.source.leveli = %e"
	cmdOutput      = "%s.source.output = %d"
	cmdFilterCount = "%s.measure.filter.count = %d"
	cmdFilterType  = "%s.measure.filter.type = %d"
	cmdFilterState = "%s.measure.filter.enable = %d"
	cmdLimitV      = "%s.source.limitv = %e"
	cmdLimitI      = "%s.source.limiti = %e"
	cmdSense       = "%s.sense = %d"

	funcDCAmps  = 0
	funcDCVolts = 1

	filterMovingAvg = 0
	filterRepeatAvg = 1
)

// K2600 implements smu.Driver for a 2600-series instrument.
type K2600 struct {
	conn scpi.Conn
}

var (
	_ smu.Driver    = (*K2600)(nil)
	_ smu.Limiter   = (*K2600)(nil)
	_ smu.FourProbe = (*K2600)(nil)
)

// New creates a driver talking over conn.
func New(conn scpi.Conn) *K2600 {
	return &K2600{conn: conn}
}

// NumChannels returns 2 (smua and smub).
func (k *K2600) NumChannels() int {
	return len(channels)
}

func (k *K2600) node(ch int) (string, error) {
	if ch < 0 || ch >= len(channels) {
		return "", fmt.Errorf("%w: k2600 has no channel %d", smu.ErrChannelRange, ch)
	}
	return channels[ch], nil
}

// write sends one command, marking transport failures as communication errors.
func (k *K2600) write(op string, format string, args ...any) error {
	if err := k.conn.Write(format, args...); err != nil {
		return errors.Wrap(communication(err), op)
	}
	return nil
}

func communication(err error) error {
	return fmt.Errorf("%w: %w", smu.ErrCommunication, err)
}

// ReadRaw performs one measurement of q on ch.
func (k *K2600) ReadRaw(ch int, q smu.Quantity) (float64, error) {
	node, err := k.node(ch)
	if err != nil {
		return 0, err
	}

	cmd := cmdMeasureV
	if q == smu.Current {
		cmd = cmdMeasureI
	}

	v, err := k.conn.QueryFloat(cmd, node)
	if err != nil {
		return 0, errors.Wrapf(communication(err), "%s: measure %s", node, q)
	}
	return v, nil
}

// ApplyAveraging configures the measure filter of ch. The 2600 filter is
// shared between voltage and current, so both quantities write the same
// settings.
func (k *K2600) ApplyAveraging(ch int, q smu.Quantity, mode filter.HardwareMode, count int) error {
	node, err := k.node(ch)
	if err != nil {
		return err
	}

	op := fmt.Sprintf("%s: configure %s averaging", node, q)

	filterType, enable := filterRepeatAvg, 1
	switch mode {
	case filter.HardwareOff:
		count, enable = 1, 0
	case filter.HardwareRepeat:
	case filter.HardwareMoving:
		filterType = filterMovingAvg
	default:
		return errors.Wrapf(smu.ErrUnsupported, "%s: averaging mode %s", op, mode)
	}

	if err := k.write(op, cmdFilterType, node, filterType); err != nil {
		return err
	}
	if err := k.write(op, cmdFilterCount, node, count); err != nil {
		return err
	}
	return k.write(op, cmdFilterState, node, enable)
}

// SetBias sets the source level of ch.
func (k *K2600) SetBias(ch int, source smu.Quantity, value float64) error {
	node, err := k.node(ch)
	if err != nil {
		return err
	}

	cmd := cmdLevelV
	if source == smu.Current {
		cmd = cmdLevelI
	}
	return k.write(fmt.Sprintf("%s: set %s level", node, source), cmd, node, value)
}

// SetOutputEnabled switches the output of ch.
func (k *K2600) SetOutputEnabled(ch int, on bool) error {
	node, err := k.node(ch)
	if err != nil {
		return err
	}
	return k.write(node+": switch output", cmdOutput, node, bit(on))
}

// SelectSource selects DC volts or DC amps sourcing on ch.
func (k *K2600) SelectSource(ch int, source smu.Quantity) error {
	node, err := k.node(ch)
	if err != nil {
		return err
	}

	fn := funcDCVolts
	if source == smu.Current {
		fn = funcDCAmps
	}
	return k.write(node+": select source", cmdSourceFunc, node, fn)
}

// SetLimit sets the compliance of q on ch.
func (k *K2600) SetLimit(ch int, q smu.Quantity, value float64) error {
	node, err := k.node(ch)
	if err != nil {
		return err
	}

	cmd := cmdLimitV
	if q == smu.Current {
		cmd = cmdLimitI
	}
	return k.write(fmt.Sprintf("%s: set %s limit", node, q), cmd, node, value)
}

// SetFourProbe switches between local (2-wire) and remote (4-wire) sensing.
func (k *K2600) SetFourProbe(ch int, enabled bool) error {
	node, err := k.node(ch)
	if err != nil {
		return err
	}
	return k.write(node+": switch sense mode", cmdSense, node, bit(enabled))
}

func bit(on bool) int {
	if on {
		return 1
	}
	return 0
}
