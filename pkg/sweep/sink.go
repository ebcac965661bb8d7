package sweep

import (
	"context"
	"fmt"

	"github.com/itohio/gosmu/pkg/results"
	"github.com/itohio/gosmu/pkg/smu"
)

// NewTable creates a result table with a voltage and a current column per
// channel: "Voltage 0 [V]", "Current 0 [A]", "Voltage 1 [V]", ...
func NewTable(numChannels int) *results.Table {
	cols := make([]results.Column, 0, 2*numChannels)
	for ch := range numChannels {
		cols = append(cols,
			results.Column{Name: fmt.Sprintf("Voltage %d", ch), Unit: smu.Voltage.Unit()},
			results.Column{Name: fmt.Sprintf("Current %d", ch), Unit: smu.Current.Unit()},
		)
	}
	return results.New(cols...)
}

// TableSink returns a Handler that appends each point to tbl as one row of
// voltage/current pairs in channel order.
func TableSink(tbl *results.Table) Handler {
	return func(_ int, point smu.MCIVPoint) error {
		row := make([]float64, 0, 2*len(point))
		for _, ch := range point.Channels() {
			pt := point[ch]
			row = append(row, pt.Voltage, pt.Current)
		}
		return tbl.AddRow(row...)
	}
}

// RunInto runs the sweep, writing every point into tbl.
func (s *Sweep) RunInto(ctx context.Context, tbl *results.Table) ([]smu.MCIVPoint, error) {
	return s.Run(ctx, TableSink(tbl))
}

// PointHandler consumes one single-channel point.
type PointHandler func(index int, point smu.IVPoint) error

// SingleChannel sweeps one channel through cfg and returns the points measured
// on that channel. handler may be nil.
func SingleChannel(ctx context.Context, dev Device, cfg Config, handler PointHandler, opts ...Option) ([]smu.IVPoint, error) {
	s := NewNested(dev, opts...)
	s.Add(cfg)

	var h Handler
	if handler != nil {
		h = func(index int, point smu.MCIVPoint) error {
			return handler(index, point[cfg.Channel])
		}
	}

	points, err := s.Run(ctx, h)

	out := make([]smu.IVPoint, len(points))
	for i, pt := range points {
		out[i] = pt[cfg.Channel]
	}
	return out, err
}
