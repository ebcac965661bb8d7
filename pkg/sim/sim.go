// Package sim provides a simulated multi-channel source-measure unit.
//
// Each channel drives a resistor. The simulation honors source selection,
// output state, compliance limits and on-board repeat/moving averaging, and
// logs every driver call so tests can assert what reached the "hardware".
package sim

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/itohio/gosmu/pkg/config"
	"github.com/itohio/gosmu/pkg/filter"
	"github.com/itohio/gosmu/pkg/smu"
)

// Op identifies a driver call.
type Op string

const (
	OpRead      Op = "read"
	OpAveraging Op = "averaging"
	OpBias      Op = "bias"
	OpOutput    Op = "output"
	OpSource    Op = "source"
	OpLimit     Op = "limit"
	OpFourProbe Op = "four_probe"
)

// Call is one recorded driver call.
type Call struct {
	Op       Op
	Channel  int
	Quantity smu.Quantity
	Value    float64
	On       bool
	Mode     filter.HardwareMode
	Count    int
}

// fault makes an operation fail once it has succeeded `after` times.
type fault struct {
	after int
	err   error
}

type channel struct {
	source    smu.Quantity
	bias      float64
	on        bool
	limit     [2]float64
	fourProbe bool
	hwMode    [2]filter.HardwareMode
	hwCount   [2]int
	history   [2][]float64 // moving-average window per quantity
	scripted  [2][]float64 // queued raw values, returned before the model
}

// SMU simulates a multi-channel instrument.
type SMU struct {
	cfg *config.SimConfig
	log *zap.Logger

	mu       sync.Mutex
	rng      *rand.Rand
	channels []channel
	calls    []Call
	opCount  map[Op]int
	faults   map[Op]fault
}

// Ensure SMU implements the driver contract and optional capabilities.
var (
	_ smu.Driver    = (*SMU)(nil)
	_ smu.Limiter   = (*SMU)(nil)
	_ smu.FourProbe = (*SMU)(nil)
)

// Option configures a simulated instrument.
type Option func(*SMU)

// WithLogger logs every accepted driver call at debug level.
func WithLogger(l *zap.Logger) Option {
	return func(s *SMU) {
		if l != nil {
			s.log = l
		}
	}
}

// New creates a simulated instrument. A nil cfg yields a noiseless
// two-channel instrument with 1 kOhm loads.
func New(cfg *config.SimConfig, opts ...Option) *SMU {
	if cfg == nil {
		cfg = &config.SimConfig{
			Channels:   2,
			Resistance: []float64{1000, 1000},
			Seed:       1,
		}
	}

	n := max(cfg.Channels, 1)

	s := &SMU{
		cfg:      cfg,
		log:      zap.NewNop(),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		channels: make([]channel, n),
		opCount:  make(map[Op]int),
		faults:   make(map[Op]fault),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.channels {
		s.channels[i].limit = [2]float64{math.Inf(1), math.Inf(1)}
		s.channels[i].hwCount = [2]int{1, 1}
	}
	return s
}

// NumChannels returns the number of simulated channels.
func (s *SMU) NumChannels() int {
	return len(s.channels)
}

// resistance returns the load on channel ch.
func (s *SMU) resistance(ch int) float64 {
	if ch < len(s.cfg.Resistance) && s.cfg.Resistance[ch] > 0 {
		return s.cfg.Resistance[ch]
	}
	return 1000
}

// begin records a call and reports an injected fault. Must be called with mu held.
func (s *SMU) begin(c Call) error {
	if c.Channel < 0 || c.Channel >= len(s.channels) {
		return fmt.Errorf("sim: no channel %d", c.Channel)
	}

	if f, ok := s.faults[c.Op]; ok && s.opCount[c.Op] >= f.after {
		return fmt.Errorf("sim %s: %w: %w", c.Op, smu.ErrCommunication, f.err)
	}

	s.opCount[c.Op]++
	s.calls = append(s.calls, c)
	s.log.Debug("driver call", zap.String("op", string(c.Op)), zap.Int("channel", c.Channel),
		zap.Stringer("quantity", c.Quantity), zap.Float64("value", c.Value))
	return nil
}

// ReadRaw returns one reading of q on ch, averaged by the simulated hardware
// when on-board averaging is enabled.
func (s *SMU) ReadRaw(ch int, q smu.Quantity) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(Call{Op: OpRead, Channel: ch, Quantity: q}); err != nil {
		return 0, err
	}

	c := &s.channels[ch]

	if len(c.scripted[q]) > 0 {
		v := c.scripted[q][0]
		c.scripted[q] = c.scripted[q][1:]
		return v, nil
	}

	switch c.hwMode[q] {
	case filter.HardwareRepeat:
		samples := make([]float64, c.hwCount[q])
		for i := range samples {
			samples[i] = s.sample(ch, q)
		}
		return stat.Mean(samples, nil), nil

	case filter.HardwareMoving:
		c.history[q] = append(c.history[q], s.sample(ch, q))
		if len(c.history[q]) > c.hwCount[q] {
			c.history[q] = c.history[q][1:] // Remove oldest
		}
		return stat.Mean(c.history[q], nil), nil

	default:
		return s.sample(ch, q), nil
	}
}

// sample produces one simulated conversion. Must be called with mu held.
func (s *SMU) sample(ch int, q smu.Quantity) float64 {
	if s.cfg.Latency > 0 {
		time.Sleep(s.cfg.Latency)
	}

	v, i := s.operatingPoint(ch)
	value := v
	if q == smu.Current {
		value = i
	}

	if s.cfg.NoiseLevel > 0 {
		value += value * s.cfg.NoiseLevel * s.rng.NormFloat64()
	}
	if s.cfg.SpikeProbability > 0 && s.rng.Float64() < s.cfg.SpikeProbability {
		value += value * s.cfg.SpikeAmplitude
	}

	return value
}

// operatingPoint solves the resistive load for the channel's source setting,
// clamped to the compliance limit of the measured quantity.
func (s *SMU) operatingPoint(ch int) (voltage, current float64) {
	c := &s.channels[ch]
	if !c.on {
		return 0, 0
	}

	r := s.resistance(ch)

	switch c.source {
	case smu.Current:
		current = c.bias
		voltage = clamp(current*r, c.limit[smu.Voltage])
		if math.Abs(voltage) < math.Abs(current*r) {
			current = voltage / r
		}
	default:
		voltage = c.bias
		current = clamp(voltage/r, c.limit[smu.Current])
		if math.Abs(current) < math.Abs(voltage/r) {
			voltage = current * r
		}
	}

	return voltage, current
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}

// ApplyAveraging configures the simulated on-board averaging.
func (s *SMU) ApplyAveraging(ch int, q smu.Quantity, mode filter.HardwareMode, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(Call{Op: OpAveraging, Channel: ch, Quantity: q, Mode: mode, Count: count}); err != nil {
		return err
	}
	if count < 1 {
		return fmt.Errorf("sim: averaging count %d unsupported", count)
	}

	c := &s.channels[ch]
	c.hwMode[q] = mode
	c.hwCount[q] = count
	c.history[q] = c.history[q][:0]
	return nil
}

// SetBias sets the source level of ch.
func (s *SMU) SetBias(ch int, source smu.Quantity, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(Call{Op: OpBias, Channel: ch, Quantity: source, Value: value}); err != nil {
		return err
	}

	c := &s.channels[ch]
	c.source = source
	c.bias = value
	return nil
}

// SetOutputEnabled switches the output of ch.
func (s *SMU) SetOutputEnabled(ch int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(Call{Op: OpOutput, Channel: ch, On: on}); err != nil {
		return err
	}
	s.channels[ch].on = on
	return nil
}

// SelectSource selects the source function of ch.
func (s *SMU) SelectSource(ch int, source smu.Quantity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(Call{Op: OpSource, Channel: ch, Quantity: source}); err != nil {
		return err
	}
	s.channels[ch].source = source
	return nil
}

// SetLimit sets the compliance limit for q on ch.
func (s *SMU) SetLimit(ch int, q smu.Quantity, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(Call{Op: OpLimit, Channel: ch, Quantity: q, Value: value}); err != nil {
		return err
	}
	s.channels[ch].limit[q] = math.Abs(value)
	return nil
}

// SetFourProbe switches remote sensing on ch. The simulated load has no lead
// resistance, so only the state is recorded.
func (s *SMU) SetFourProbe(ch int, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin(Call{Op: OpFourProbe, Channel: ch, On: enabled}); err != nil {
		return err
	}
	s.channels[ch].fourProbe = enabled
	return nil
}

// Script queues raw values to be returned by ReadRaw for q on ch before the
// load model is consulted. Scripted values bypass hardware averaging.
func (s *SMU) Script(ch int, q smu.Quantity, values ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch].scripted[q] = append(s.channels[ch].scripted[q], values...)
}

// FailAfter makes op fail with err once it has succeeded n more times.
func (s *SMU) FailAfter(op Op, n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = fault{after: s.opCount[op] + n, err: err}
}

// ClearFaults removes all injected faults.
func (s *SMU) ClearFaults() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.faults)
}

// Calls returns a copy of the recorded call log.
func (s *SMU) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallsOf returns the recorded calls of one kind.
func (s *SMU) CallsOf(op Op) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Call
	for _, c := range s.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls clears the call log.
func (s *SMU) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = s.calls[:0]
}

// State reports the simulated output state, source and bias of ch.
func (s *SMU) State(ch int) (on bool, source smu.Quantity, bias float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.channels[ch]
	return c.on, c.source, c.bias
}

// Averaging reports the on-board averaging configuration for q on ch.
func (s *SMU) Averaging(ch int, q smu.Quantity) (filter.HardwareMode, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.channels[ch]
	return c.hwMode[q], c.hwCount[q]
}
