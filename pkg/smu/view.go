package smu

import "github.com/itohio/gosmu/pkg/filter"

// SMU is the single-channel contract. It is satisfied by the default-channel
// facade of a Device and by a ChannelView bound to one of its channels, so
// upstream code can treat single- and multi-channel hardware the same way.
type SMU interface {
	Voltage() (float64, error)
	Current() (float64, error)
	SourceValue() (float64, error)
	MeasureValue() (float64, error)
	IVPoint() (IVPoint, error)

	SetVoltage(voltage float64) error
	SetCurrent(current float64) error
	SetBias(value float64) error
	SetSource(source Quantity) error
	Source() (Quantity, error)

	TurnOn() error
	TurnOff() error
	IsOn() (bool, error)

	SetAverageMode(mode filter.Mode) error
	AverageMode() (filter.Mode, error)
	SetAverageCount(count int) error
	AverageCount() (int, error)
	SetAveraging(mode filter.Mode, count int) error

	SetLimits(voltageLimit, currentLimit float64) error
	UseFourProbe(enabled bool) error
}

var (
	_ SMU = (*ChannelView)(nil)
	_ SMU = defaultView{}
)

// Default returns a facade that forwards every call to whatever the default
// channel is at the time of the call.
func (d *Device) Default() SMU {
	return defaultView{d: d}
}

// Channel returns a view of ch that behaves like a standalone single-channel
// SMU.
func (d *Device) Channel(ch int) (*ChannelView, error) {
	if err := d.checkChannel(ch); err != nil {
		return nil, err
	}
	return &ChannelView{d: d, ch: ch}, nil
}

// Channels returns a view for every channel, in index order.
func (d *Device) Channels() []*ChannelView {
	views := make([]*ChannelView, len(d.channels))
	for ch := range d.channels {
		views[ch] = &ChannelView{d: d, ch: ch}
	}
	return views
}

// ChannelView forwards every call to one fixed channel of a Device. It holds
// no state of its own.
type ChannelView struct {
	d  *Device
	ch int
}

// Index returns the channel the view is bound to.
func (v *ChannelView) Index() int { return v.ch }

func (v *ChannelView) Voltage() (float64, error)      { return v.d.Voltage(v.ch) }
func (v *ChannelView) Current() (float64, error)      { return v.d.Current(v.ch) }
func (v *ChannelView) SourceValue() (float64, error)  { return v.d.SourceValue(v.ch) }
func (v *ChannelView) MeasureValue() (float64, error) { return v.d.MeasureValue(v.ch) }
func (v *ChannelView) IVPoint() (IVPoint, error)      { return v.d.IVPoint(v.ch) }
func (v *ChannelView) SetVoltage(x float64) error     { return v.d.SetVoltage(v.ch, x) }
func (v *ChannelView) SetCurrent(x float64) error     { return v.d.SetCurrent(v.ch, x) }
func (v *ChannelView) SetBias(x float64) error        { return v.d.SetBias(v.ch, x) }
func (v *ChannelView) SetSource(s Quantity) error     { return v.d.SetSource(v.ch, s) }
func (v *ChannelView) Source() (Quantity, error)      { return v.d.Source(v.ch) }
func (v *ChannelView) TurnOn() error                  { return v.d.TurnOn(v.ch) }
func (v *ChannelView) TurnOff() error                 { return v.d.TurnOff(v.ch) }
func (v *ChannelView) IsOn() (bool, error)            { return v.d.IsOn(v.ch) }

func (v *ChannelView) SetAverageMode(m filter.Mode) error { return v.d.SetAverageMode(v.ch, m) }
func (v *ChannelView) AverageMode() (filter.Mode, error)  { return v.d.AverageMode(v.ch) }
func (v *ChannelView) SetAverageCount(n int) error        { return v.d.SetAverageCount(v.ch, n) }
func (v *ChannelView) AverageCount() (int, error)         { return v.d.AverageCount(v.ch) }
func (v *ChannelView) SetAveraging(m filter.Mode, n int) error {
	return v.d.SetAveraging(v.ch, m, n)
}

func (v *ChannelView) SetLimits(vl, il float64) error { return v.d.SetLimits(v.ch, vl, il) }
func (v *ChannelView) UseFourProbe(on bool) error     { return v.d.UseFourProbe(v.ch, on) }

// defaultView resolves the default channel on every call.
type defaultView struct {
	d *Device
}

func (v defaultView) ch() int { return v.d.defaultChannel }

func (v defaultView) Voltage() (float64, error)      { return v.d.Voltage(v.ch()) }
func (v defaultView) Current() (float64, error)      { return v.d.Current(v.ch()) }
func (v defaultView) SourceValue() (float64, error)  { return v.d.SourceValue(v.ch()) }
func (v defaultView) MeasureValue() (float64, error) { return v.d.MeasureValue(v.ch()) }
func (v defaultView) IVPoint() (IVPoint, error)      { return v.d.IVPoint(v.ch()) }
func (v defaultView) SetVoltage(x float64) error     { return v.d.SetVoltage(v.ch(), x) }
func (v defaultView) SetCurrent(x float64) error     { return v.d.SetCurrent(v.ch(), x) }
func (v defaultView) SetBias(x float64) error        { return v.d.SetBias(v.ch(), x) }
func (v defaultView) SetSource(s Quantity) error     { return v.d.SetSource(v.ch(), s) }
func (v defaultView) Source() (Quantity, error)      { return v.d.Source(v.ch()) }
func (v defaultView) TurnOn() error                  { return v.d.TurnOn(v.ch()) }
func (v defaultView) TurnOff() error                 { return v.d.TurnOff(v.ch()) }
func (v defaultView) IsOn() (bool, error)            { return v.d.IsOn(v.ch()) }

func (v defaultView) SetAverageMode(m filter.Mode) error { return v.d.SetAverageMode(v.ch(), m) }
func (v defaultView) AverageMode() (filter.Mode, error)  { return v.d.AverageMode(v.ch()) }
func (v defaultView) SetAverageCount(n int) error        { return v.d.SetAverageCount(v.ch(), n) }
func (v defaultView) AverageCount() (int, error)         { return v.d.AverageCount(v.ch()) }
func (v defaultView) SetAveraging(m filter.Mode, n int) error {
	return v.d.SetAveraging(v.ch(), m, n)
}

func (v defaultView) SetLimits(vl, il float64) error { return v.d.SetLimits(v.ch(), vl, il) }
func (v defaultView) UseFourProbe(on bool) error     { return v.d.UseFourProbe(v.ch(), on) }
