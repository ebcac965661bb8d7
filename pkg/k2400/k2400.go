// Package k2400 drives Keithley 2400-series single-channel SMUs through SCPI.
package k2400

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/itohio/gosmu/pkg/filter"
	"github.com/itohio/gosmu/pkg/scpi"
	"github.com/itohio/gosmu/pkg/smu"
)

const (
	cmdFormat      = ":FORM:ELEM VOLT,CURR"
	cmdMeasureV    = ":MEAS:VOLT?"
	cmdMeasureI    = ":MEAS:CURR?"
	cmdAvgMode     = ":SENS:AVER:TCON %s"
	cmdAvgCount    = ":SENS:AVER:COUN %d"
	cmdAvgState    = ":SENS:AVER %d"
	cmdSourceFunc  = ":SOUR:FUNC %s"
	cmdSourceVolt  = ":SOUR:VOLT %e"
	cmdSourceCurr  = ":SOUR:CURR %e"
	cmdOutput      = ":OUTP %d"
	cmdCurrentProt = ":SENS:CURR:PROT %e"
	cmdVoltageProt = ":SENS:VOLT:PROT %e"
	cmdRemoteSense = ":SYST:RSEN %d"
)

// K2400 implements smu.Driver for a 2400-series instrument.
type K2400 struct {
	conn scpi.Conn
}

var (
	_ smu.Driver    = (*K2400)(nil)
	_ smu.Limiter   = (*K2400)(nil)
	_ smu.FourProbe = (*K2400)(nil)
)

// New creates a driver talking over conn and selects the voltage/current
// reading format the driver parses.
func New(conn scpi.Conn) (*K2400, error) {
	k := &K2400{conn: conn}
	if err := k.write("select reading format", cmdFormat); err != nil {
		return nil, err
	}
	return k, nil
}

// NumChannels returns 1.
func (k *K2400) NumChannels() int {
	return 1
}

func check(ch int) error {
	if ch != 0 {
		return fmt.Errorf("%w: k2400 has no channel %d", smu.ErrChannelRange, ch)
	}
	return nil
}

func (k *K2400) write(op string, format string, args ...any) error {
	if err := k.conn.Write(format, args...); err != nil {
		return errors.Wrap(fmt.Errorf("%w: %w", smu.ErrCommunication, err), op)
	}
	return nil
}

// ReadRaw performs one measurement. The instrument answers "V,I"; the field
// for q is returned.
func (k *K2400) ReadRaw(ch int, q smu.Quantity) (float64, error) {
	if err := check(ch); err != nil {
		return 0, err
	}

	cmd, field := cmdMeasureV, 0
	if q == smu.Current {
		cmd, field = cmdMeasureI, 1
	}

	reply, err := k.conn.Query(cmd)
	if err != nil {
		return 0, errors.Wrapf(fmt.Errorf("%w: %w", smu.ErrCommunication, err), "measure %s", q)
	}

	values, err := scpi.ParseFields(reply)
	if err != nil {
		return 0, errors.Wrapf(fmt.Errorf("%w: %w", smu.ErrCommunication, err), "measure %s", q)
	}
	if len(values) <= field {
		return 0, errors.Wrapf(smu.ErrCommunication, "measure %s: short reply %q", q, reply)
	}
	return values[field], nil
}

// ApplyAveraging configures the digital filter. The 2400 has one filter for
// all measurements.
func (k *K2400) ApplyAveraging(ch int, q smu.Quantity, mode filter.HardwareMode, count int) error {
	if err := check(ch); err != nil {
		return err
	}

	op := fmt.Sprintf("configure %s averaging", q)

	tcon, enable := "REP", 1
	switch mode {
	case filter.HardwareOff:
		count, enable = 1, 0
	case filter.HardwareRepeat:
	case filter.HardwareMoving:
		tcon = "MOV"
	default:
		return errors.Wrapf(smu.ErrUnsupported, "%s: averaging mode %s", op, mode)
	}
	if count > 100 {
		return errors.Wrapf(smu.ErrUnsupported, "%s: filter count %d exceeds 100", op, count)
	}

	if err := k.write(op, cmdAvgMode, tcon); err != nil {
		return err
	}
	if err := k.write(op, cmdAvgCount, count); err != nil {
		return err
	}
	return k.write(op, cmdAvgState, enable)
}

// SetBias sets the source level.
func (k *K2400) SetBias(ch int, source smu.Quantity, value float64) error {
	if err := check(ch); err != nil {
		return err
	}

	cmd := cmdSourceVolt
	if source == smu.Current {
		cmd = cmdSourceCurr
	}
	return k.write(fmt.Sprintf("set %s level", source), cmd, value)
}

// SetOutputEnabled switches the output.
func (k *K2400) SetOutputEnabled(ch int, on bool) error {
	if err := check(ch); err != nil {
		return err
	}
	return k.write("switch output", cmdOutput, bit(on))
}

// SelectSource selects the source function.
func (k *K2400) SelectSource(ch int, source smu.Quantity) error {
	if err := check(ch); err != nil {
		return err
	}

	fn := "VOLT"
	if source == smu.Current {
		fn = "CURR"
	}
	return k.write("select source", cmdSourceFunc, fn)
}

// SetLimit sets the compliance of q.
func (k *K2400) SetLimit(ch int, q smu.Quantity, value float64) error {
	if err := check(ch); err != nil {
		return err
	}

	cmd := cmdVoltageProt
	if q == smu.Current {
		cmd = cmdCurrentProt
	}
	return k.write(fmt.Sprintf("set %s compliance", q), cmd, value)
}

// SetFourProbe switches remote sensing.
func (k *K2400) SetFourProbe(ch int, enabled bool) error {
	if err := check(ch); err != nil {
		return err
	}
	return k.write("switch sense mode", cmdRemoteSense, bit(enabled))
}

func bit(on bool) int {
	if on {
		return 1
	}
	return 0
}
