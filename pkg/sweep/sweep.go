// Package sweep runs multi-channel bias sweeps on a source-measure unit.
//
// A Sweep holds one Config per swept channel and runs them either nested
// (cartesian product, last config varying fastest) or combined (all channels
// stepping in lock-step). After every step one MCIVPoint is recorded across
// all channels of the device and handed to the caller's Handler on a separate
// goroutine, so consumer latency never stretches the settling delays.
package sweep

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/gosmu/pkg/smu"
)

// Kind selects how configs are combined.
type Kind int

const (
	Nested Kind = iota
	Combo
)

func (k Kind) String() string {
	switch k {
	case Nested:
		return "nested"
	case Combo:
		return "combo"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind converts "nested" or "combo" into a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "nested":
		return Nested, nil
	case "combo":
		return Combo, nil
	default:
		return Nested, fmt.Errorf("unknown sweep kind %q", s)
	}
}

// Device is the part of the channel model a sweep drives. *smu.Device
// implements it.
type Device interface {
	NumChannels() int
	SetSource(ch int, source smu.Quantity) error
	SetBias(ch int, value float64) error
	TurnOn(ch int) error
	TurnOff(ch int) error
	MCIVPoint() (smu.MCIVPoint, error)
}

var _ Device = (*smu.Device)(nil)

// Handler consumes one recorded point. Points arrive in order, one at a time,
// on a goroutine owned by the sweep. Errors and panics are passed to the
// ErrorHandler and never abort the sweep. Handlers must not modify point.
type Handler func(index int, point smu.MCIVPoint) error

// ErrorHandler receives Handler failures.
type ErrorHandler func(index int, err error)

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Option configures a Sweep.
type Option func(*Sweep)

// WithLogger sets the logger for sweep progress and handler failures.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sweep) {
		if l != nil {
			s.log = l
		}
	}
}

// WithErrorHandler replaces the default handler-failure logging.
func WithErrorHandler(h ErrorHandler) Option {
	return func(s *Sweep) {
		s.onError = h
	}
}

// WithWait replaces the settling wait. Mostly useful in tests.
func WithWait(w WaitFunc) Option {
	return func(s *Sweep) {
		if w != nil {
			s.wait = w
		}
	}
}

// Sweep is a configured, reusable sweep. Only one Run may be active per
// device at a time.
type Sweep struct {
	dev     Device
	kind    Kind
	configs []Config

	log     *zap.Logger
	onError ErrorHandler
	wait    WaitFunc
}

// New creates an empty sweep of the given kind on dev.
func New(dev Device, kind Kind, opts ...Option) *Sweep {
	s := &Sweep{
		dev:  dev,
		kind: kind,
		log:  zap.NewNop(),
		wait: sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.onError == nil {
		s.onError = func(index int, err error) {
			s.log.Warn("point handler failed", zap.Int("index", index), zap.Error(err))
		}
	}
	return s
}

// NewNested creates an empty nested sweep.
func NewNested(dev Device, opts ...Option) *Sweep {
	return New(dev, Nested, opts...)
}

// NewCombo creates an empty combo sweep.
func NewCombo(dev Device, opts ...Option) *Sweep {
	return New(dev, Combo, opts...)
}

// Kind returns how the configs are combined.
func (s *Sweep) Kind() Kind {
	return s.kind
}

// Add appends a channel config. Configs are nested in the order added.
func (s *Sweep) Add(cfg Config) {
	cfg.Values = slices.Clone(cfg.Values)
	s.configs = append(s.configs, cfg)
}

// AddLinear appends a config sweeping n evenly spaced values.
func (s *Sweep) AddLinear(ch int, source smu.Quantity, start, stop float64, n int, delay time.Duration, symmetric bool) {
	s.Add(Config{Channel: ch, Source: source, Values: Linear(start, stop, n), Delay: delay, Symmetric: symmetric})
}

// AddLogarithmic appends a config sweeping n logarithmically spaced values.
func (s *Sweep) AddLogarithmic(ch int, source smu.Quantity, start, stop float64, n int, delay time.Duration, symmetric bool) {
	s.Add(Config{Channel: ch, Source: source, Values: Logarithmic(start, stop, n), Delay: delay, Symmetric: symmetric})
}

// Configs returns a copy of the configured channels.
func (s *Sweep) Configs() []Config {
	out := make([]Config, len(s.configs))
	for i, c := range s.configs {
		c.Values = slices.Clone(c.Values)
		out[i] = c
	}
	return out
}

// Points returns the number of points a successful Run records.
func (s *Sweep) Points() (int, error) {
	seqs, err := s.plan()
	if err != nil {
		return 0, err
	}
	return count(s.kind, seqs), nil
}

// Validate reports configuration errors without touching the instrument.
func (s *Sweep) Validate() error {
	_, err := s.plan()
	return err
}

// plan validates the sweep and returns the effective value sequence of every
// config.
func (s *Sweep) plan() ([][]float64, error) {
	if s.kind != Nested && s.kind != Combo {
		return nil, fmt.Errorf("%w: unknown sweep kind %s", smu.ErrConfig, s.kind)
	}
	if len(s.configs) == 0 {
		return nil, fmt.Errorf("%w: no channels configured", smu.ErrConfig)
	}

	n := s.dev.NumChannels()
	seqs := make([][]float64, len(s.configs))
	for i, cfg := range s.configs {
		if err := cfg.Validate(n); err != nil {
			return nil, fmt.Errorf("sweep config %d: %w", i, err)
		}
		seqs[i] = cfg.Effective()
	}

	if s.kind == Combo {
		for i, seq := range seqs[1:] {
			if len(seq) != len(seqs[0]) {
				return nil, fmt.Errorf("%w: combo sweep config %d has %d values, config 0 has %d",
					smu.ErrConfig, i+1, len(seq), len(seqs[0]))
			}
		}
	}

	return seqs, nil
}

func count(kind Kind, seqs [][]float64) int {
	if kind == Combo {
		return len(seqs[0])
	}
	total := 1
	for _, seq := range seqs {
		total *= len(seq)
	}
	return total
}

// Run executes the sweep and returns every recorded point in order. handler
// may be nil.
//
// All configuration errors are reported before the instrument is touched.
// Run returns only after handler has seen every recorded point. If the sweep
// aborts part way (communication failure, cancelled ctx) the points recorded
// so far are returned together with the error.
func (s *Sweep) Run(ctx context.Context, handler Handler) ([]smu.MCIVPoint, error) {
	seqs, err := s.plan()
	if err != nil {
		return nil, err
	}

	s.log.Info("sweep started",
		zap.Stringer("kind", s.kind),
		zap.Int("configs", len(seqs)),
		zap.Int("points", count(s.kind, seqs)),
	)

	if err := ctx.Err(); err != nil {
		return nil, interrupted(err)
	}

	p := startPump(handler, s.onError)

	if err = s.setup(seqs); err == nil {
		switch s.kind {
		case Combo:
			err = s.combo(ctx, p, seqs)
		default:
			err = s.nested(ctx, p, seqs, 0)
		}
	}

	points := p.close()

	if err != nil {
		s.log.Error("sweep aborted", zap.Int("points", len(points)), zap.Error(err))
		return points, err
	}

	s.log.Info("sweep finished", zap.Int("points", len(points)))
	return points, nil
}

// setup brings every configured channel to its first value: output off,
// source selected, first bias committed, output on.
func (s *Sweep) setup(seqs [][]float64) error {
	for i, cfg := range s.configs {
		if err := s.dev.TurnOff(cfg.Channel); err != nil {
			return err
		}
		if err := s.dev.SetSource(cfg.Channel, cfg.Source); err != nil {
			return err
		}
		if err := s.dev.SetBias(cfg.Channel, seqs[i][0]); err != nil {
			return err
		}
		if err := s.dev.TurnOn(cfg.Channel); err != nil {
			return err
		}
	}
	return nil
}

// record measures every channel and queues the point for delivery.
func (s *Sweep) record(p *pump) error {
	pt, err := s.dev.MCIVPoint()
	if err != nil {
		return fmt.Errorf("failed to record point: %w", err)
	}
	p.push(pt)
	return nil
}

// settle waits d, turning cancellation into ErrInterrupted.
func (s *Sweep) settle(ctx context.Context, d time.Duration) error {
	if err := s.wait(ctx, d); err != nil {
		return interrupted(err)
	}
	return nil
}

func interrupted(err error) error {
	return fmt.Errorf("%w: %w", smu.ErrInterrupted, err)
}

// sleep is the default WaitFunc.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
