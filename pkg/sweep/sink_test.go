package sweep

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gosmu/pkg/results"
	"github.com/itohio/gosmu/pkg/smu"
)

func TestNewTable(t *testing.T) {
	tbl := NewTable(2)

	assert.Equal(t, []results.Column{
		{Name: "Voltage 0", Unit: "V"},
		{Name: "Current 0", Unit: "A"},
		{Name: "Voltage 1", Unit: "V"},
		{Name: "Current 1", Unit: "A"},
	}, tbl.Columns())
}

func TestTableSink(t *testing.T) {
	tbl := NewTable(2)
	sink := TableSink(tbl)

	require.NoError(t, sink(0, smu.MCIVPoint{
		1: {Voltage: 3, Current: 4},
		0: {Voltage: 1, Current: 2},
	}))
	assert.Equal(t, [][]float64{{1, 2, 3, 4}}, tbl.Rows())

	// A point that does not match the table width is rejected
	assert.Error(t, sink(1, smu.MCIVPoint{0: {}}))
}

func TestRunInto(t *testing.T) {
	dev, _ := newDevice(t, 2)

	s := NewNested(dev, WithWait(noWait))
	s.Add(Config{Channel: 0, Values: []float64{1, 2}})

	tbl := NewTable(dev.NumChannels())
	points, err := s.RunInto(context.Background(), tbl)
	require.NoError(t, err)
	require.Equal(t, len(points), tbl.Len())

	// 1 V and 2 V into 1 kOhm, channel 1 idle
	assert.InDeltaSlice(t, []float64{1, 1e-3, 0, 0}, mustRow(t, tbl, 0), 1e-12)
	assert.InDeltaSlice(t, []float64{2, 2e-3, 0, 0}, mustRow(t, tbl, 1), 1e-12)

	var buf bytes.Buffer
	require.NoError(t, tbl.WriteCSV(&buf))
	header, _, _ := strings.Cut(buf.String(), "\n")
	assert.Equal(t, "Voltage 0 [V],Current 0 [A],Voltage 1 [V],Current 1 [A]", header)
}

func mustRow(t *testing.T, tbl *results.Table, i int) []float64 {
	t.Helper()
	row, err := tbl.Row(i)
	require.NoError(t, err)
	return row
}

func TestSingleChannel(t *testing.T) {
	dev, _ := newDevice(t, 2)

	var seen []smu.IVPoint
	points, err := SingleChannel(context.Background(), dev,
		Config{Channel: 1, Source: smu.Current, Values: []float64{1e-3, 2e-3}, Symmetric: true},
		func(_ int, pt smu.IVPoint) error {
			seen = append(seen, pt)
			return nil
		},
		WithWait(noWait),
	)
	require.NoError(t, err)
	require.Len(t, points, 3)
	assert.Equal(t, points, seen)

	for i, want := range []float64{1, 2, 1} {
		assert.InDelta(t, want, points[i].Voltage, 1e-12)
	}
}

func TestSingleChannel_InvalidChannel(t *testing.T) {
	dev, _ := newDevice(t, 1)

	points, err := SingleChannel(context.Background(), dev, Config{Channel: 3, Values: []float64{1}}, nil)
	assert.ErrorIs(t, err, smu.ErrChannelRange)
	assert.Empty(t, points)
}
