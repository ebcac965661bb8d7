package smu

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/itohio/gosmu/pkg/filter"
)

// channelState is everything the Device remembers about one channel.
type channelState struct {
	source Quantity
	bias   float64
	on     bool
	mode   filter.Mode
	count  int

	// One filter per mode, per measured quantity. Switching modes selects
	// a filter, it never creates one.
	filters [2]map[filter.Mode]filter.ReadFilter
	active  [2]filter.ReadFilter
}

// Device is a multi-channel source-measure unit. A single-channel
// instrument is a Device with one channel.
//
// Device is not safe for concurrent use. Only one goroutine (normally the
// one running a sweep) may change its state at a time.
type Device struct {
	drv      Driver
	log      *zap.Logger
	channels []*channelState

	defaultChannel int
}

// Option configures a Device.
type Option func(*Device)

// WithLogger sets the logger used for state changes.
func WithLogger(l *zap.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// New wraps drv and resets every channel to unfiltered reads with count 1,
// pushing the matching hardware averaging configuration.
func New(drv Driver, opts ...Option) (*Device, error) {
	n := drv.NumChannels()
	if n < 1 {
		return nil, fmt.Errorf("driver reports %d channels", n)
	}

	d := &Device{
		drv:      drv,
		log:      zap.NewNop(),
		channels: make([]*channelState, n),
	}
	for _, opt := range opts {
		opt(d)
	}

	for ch := range n {
		st := &channelState{source: Voltage, mode: filter.None, count: 1}
		for _, q := range []Quantity{Voltage, Current} {
			st.filters[q] = make(map[filter.Mode]filter.ReadFilter, len(filter.Modes))
			for _, mode := range filter.Modes {
				f, err := filter.New(mode, d.reader(ch, q), d.setup(ch, q))
				if err != nil {
					return nil, err
				}
				st.filters[q][mode] = f
			}
		}
		d.channels[ch] = st
	}

	for ch := range n {
		if err := d.SetAverageMode(ch, filter.None); err != nil {
			return nil, fmt.Errorf("failed to reset averaging: %w", err)
		}
	}

	return d, nil
}

func (d *Device) reader(ch int, q Quantity) filter.ReadFunc {
	return func() (float64, error) {
		return d.drv.ReadRaw(ch, q)
	}
}

func (d *Device) setup(ch int, q Quantity) filter.SetupFunc {
	return func(mode filter.HardwareMode, count int) error {
		return d.drv.ApplyAveraging(ch, q, mode, count)
	}
}

// checkChannel is the single bounds check every per-channel call goes through
// before touching the instrument.
func (d *Device) checkChannel(ch int) error {
	if ch < 0 || ch >= len(d.channels) {
		return fmt.Errorf("%w: channel %d does not exist (device has %d)", ErrChannelRange, ch, len(d.channels))
	}
	return nil
}

// NumChannels returns the number of channels on the device.
func (d *Device) NumChannels() int {
	return len(d.channels)
}

// CheckChannel reports whether ch is a valid channel index.
func (d *Device) CheckChannel(ch int) error {
	return d.checkChannel(ch)
}

// DefaultChannel returns the channel used by the Default facade.
func (d *Device) DefaultChannel() int {
	return d.defaultChannel
}

// SetDefaultChannel changes the channel used by the Default facade.
func (d *Device) SetDefaultChannel(ch int) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	d.defaultChannel = ch
	return nil
}

// Voltage returns the filtered voltage reading of ch.
func (d *Device) Voltage(ch int) (float64, error) {
	return d.read(ch, Voltage)
}

// Current returns the filtered current reading of ch.
func (d *Device) Current(ch int) (float64, error) {
	return d.read(ch, Current)
}

func (d *Device) read(ch int, q Quantity) (float64, error) {
	if err := d.checkChannel(ch); err != nil {
		return 0, err
	}

	v, err := d.channels[ch].active[q].Value()
	if err != nil {
		return 0, fmt.Errorf("channel %d: failed to read %s: %w", ch, q, err)
	}
	return v, nil
}

// SourceValue reads the quantity ch is currently sourcing.
func (d *Device) SourceValue(ch int) (float64, error) {
	if err := d.checkChannel(ch); err != nil {
		return 0, err
	}
	return d.read(ch, d.channels[ch].source)
}

// MeasureValue reads the quantity ch is currently measuring.
func (d *Device) MeasureValue(ch int) (float64, error) {
	if err := d.checkChannel(ch); err != nil {
		return 0, err
	}
	return d.read(ch, d.channels[ch].source.Complement())
}

// IVPoint reads voltage then current on ch.
func (d *Device) IVPoint(ch int) (IVPoint, error) {
	v, err := d.Voltage(ch)
	if err != nil {
		return IVPoint{}, err
	}
	i, err := d.Current(ch)
	if err != nil {
		return IVPoint{}, err
	}
	return IVPoint{Voltage: v, Current: i}, nil
}

// MCIVPoint reads an IVPoint from every channel of the device.
func (d *Device) MCIVPoint() (MCIVPoint, error) {
	point := make(MCIVPoint, len(d.channels))
	for ch := range d.channels {
		pt, err := d.IVPoint(ch)
		if err != nil {
			return nil, err
		}
		point[ch] = pt
	}
	return point, nil
}

// SetSource selects whether ch sources voltage or current.
func (d *Device) SetSource(ch int, source Quantity) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	if source != Voltage && source != Current {
		return fmt.Errorf("channel %d: invalid source %s", ch, source)
	}

	if err := d.drv.SelectSource(ch, source); err != nil {
		return fmt.Errorf("channel %d: failed to select %s source: %w", ch, source, err)
	}
	d.channels[ch].source = source
	return nil
}

// Source returns the source kind of ch.
func (d *Device) Source(ch int) (Quantity, error) {
	if err := d.checkChannel(ch); err != nil {
		return Voltage, err
	}
	return d.channels[ch].source, nil
}

// SetBias sets the level of whatever ch is currently sourcing.
func (d *Device) SetBias(ch int, value float64) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}

	st := d.channels[ch]
	if err := d.drv.SetBias(ch, st.source, value); err != nil {
		return fmt.Errorf("channel %d: failed to set %s bias: %w", ch, st.source, err)
	}
	st.bias = value
	return nil
}

// Bias returns the last bias level committed to ch.
func (d *Device) Bias(ch int) (float64, error) {
	if err := d.checkChannel(ch); err != nil {
		return 0, err
	}
	return d.channels[ch].bias, nil
}

// SetVoltage switches ch to voltage sourcing at the given level.
func (d *Device) SetVoltage(ch int, voltage float64) error {
	return d.sourceAt(ch, Voltage, voltage)
}

// SetCurrent switches ch to current sourcing at the given level.
func (d *Device) SetCurrent(ch int, current float64) error {
	return d.sourceAt(ch, Current, current)
}

func (d *Device) sourceAt(ch int, source Quantity, value float64) error {
	if err := d.SetSource(ch, source); err != nil {
		return err
	}
	return d.SetBias(ch, value)
}

// TurnOn enables the output of ch.
func (d *Device) TurnOn(ch int) error {
	return d.setOutput(ch, true)
}

// TurnOff disables the output of ch.
func (d *Device) TurnOff(ch int) error {
	return d.setOutput(ch, false)
}

func (d *Device) setOutput(ch int, on bool) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}

	if err := d.drv.SetOutputEnabled(ch, on); err != nil {
		return fmt.Errorf("channel %d: failed to switch output (on=%t): %w", ch, on, err)
	}
	d.channels[ch].on = on
	d.log.Debug("output switched", zap.Int("channel", ch), zap.Bool("on", on))
	return nil
}

// IsOn reports whether the output of ch was last switched on.
func (d *Device) IsOn(ch int) (bool, error) {
	if err := d.checkChannel(ch); err != nil {
		return false, err
	}
	return d.channels[ch].on, nil
}

// TurnOffAll disables every output, returning the first error encountered
// after trying all channels.
func (d *Device) TurnOffAll() error {
	var first error
	for ch := range d.channels {
		if err := d.TurnOff(ch); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SetAverageMode selects the read filter used for both quantities on ch and
// synchronizes the instrument's on-board averaging with it.
func (d *Device) SetAverageMode(ch int, mode filter.Mode) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}

	st := d.channels[ch]
	fv, ok := st.filters[Voltage][mode]
	if !ok {
		return fmt.Errorf("channel %d: unsupported filter mode %s", ch, mode)
	}

	st.active[Voltage] = fv
	st.active[Current] = st.filters[Current][mode]
	st.mode = mode

	d.log.Debug("filter mode selected", zap.Int("channel", ch), zap.Stringer("mode", mode), zap.Int("count", st.count))

	return d.resetFilters(ch)
}

// AverageMode returns the filter mode of ch.
func (d *Device) AverageMode(ch int) (filter.Mode, error) {
	if err := d.checkChannel(ch); err != nil {
		return filter.None, err
	}
	return d.channels[ch].mode, nil
}

// SetAverageCount changes how many samples the filters on ch combine.
func (d *Device) SetAverageCount(ch int, count int) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	if count < 1 {
		return fmt.Errorf("channel %d: %w: got %d", ch, ErrInvalidCount, count)
	}

	d.channels[ch].count = count
	return d.resetFilters(ch)
}

// AverageCount returns the filter count of ch.
func (d *Device) AverageCount(ch int) (int, error) {
	if err := d.checkChannel(ch); err != nil {
		return 0, err
	}
	return d.channels[ch].count, nil
}

// SetAveraging sets mode and count together with a single hardware update.
func (d *Device) SetAveraging(ch int, mode filter.Mode, count int) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}
	if count < 1 {
		return fmt.Errorf("channel %d: %w: got %d", ch, ErrInvalidCount, count)
	}

	d.channels[ch].count = count
	return d.SetAverageMode(ch, mode)
}

// resetFilters pushes the stored count into the active filters, applies
// their hardware configuration and then empties their buffers. The order
// matters: the instrument must be reconfigured before the next raw read and
// the buffers must not hold samples from the old configuration.
func (d *Device) resetFilters(ch int) error {
	st := d.channels[ch]
	fv, fi := st.active[Voltage], st.active[Current]

	if err := fv.SetCount(st.count); err != nil {
		return err
	}
	if err := fi.SetCount(st.count); err != nil {
		return err
	}

	if err := fv.Setup(); err != nil {
		return fmt.Errorf("channel %d: failed to configure voltage averaging: %w", ch, err)
	}
	if err := fi.Setup(); err != nil {
		return fmt.Errorf("channel %d: failed to configure current averaging: %w", ch, err)
	}

	fv.Clear()
	fi.Clear()

	return nil
}

// SetLimits sets the compliance limits of ch.
func (d *Device) SetLimits(ch int, voltageLimit, currentLimit float64) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}

	lim, ok := d.drv.(Limiter)
	if !ok {
		return fmt.Errorf("channel %d: limits: %w", ch, ErrUnsupported)
	}
	if err := lim.SetLimit(ch, Voltage, voltageLimit); err != nil {
		return fmt.Errorf("channel %d: failed to set voltage limit: %w", ch, err)
	}
	if err := lim.SetLimit(ch, Current, currentLimit); err != nil {
		return fmt.Errorf("channel %d: failed to set current limit: %w", ch, err)
	}
	return nil
}

// UseFourProbe switches ch between local and remote (Kelvin) sensing.
func (d *Device) UseFourProbe(ch int, enabled bool) error {
	if err := d.checkChannel(ch); err != nil {
		return err
	}

	fp, ok := d.drv.(FourProbe)
	if !ok {
		return fmt.Errorf("channel %d: four-probe sensing: %w", ch, ErrUnsupported)
	}
	if err := fp.SetFourProbe(ch, enabled); err != nil {
		return fmt.Errorf("channel %d: failed to switch sensing: %w", ch, err)
	}
	return nil
}
