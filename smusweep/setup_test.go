package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/itohio/gosmu/pkg/config"
	"github.com/itohio/gosmu/pkg/filter"
	"github.com/itohio/gosmu/pkg/sim"
	"github.com/itohio/gosmu/pkg/smu"
	"github.com/itohio/gosmu/pkg/sweep"
)

func newSim(t *testing.T) (*sim.SMU, *smu.Device) {
	t.Helper()
	s := sim.New(nil)
	dev, err := smu.New(s)
	require.NoError(t, err)
	s.ResetCalls()
	return s, dev
}

func TestBuildSweep(t *testing.T) {
	_, dev := newSim(t)

	sw, err := buildSweep(dev, config.SweepConfig{
		Kind: config.SweepCombo,
		Steps: []config.SweepChannelConfig{
			{Channel: 0, Source: "voltage", Scale: config.ScaleList, Values: []float64{0, 1, 2}, Delay: time.Millisecond},
			{Channel: 1, Source: "current", Scale: config.ScaleLinear, Start: 0, Stop: 2e-3, Points: 3},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, sweep.Combo, sw.Kind())
	configs := sw.Configs()
	require.Len(t, configs, 2)
	assert.Equal(t, smu.Voltage, configs[0].Source)
	assert.Equal(t, []float64{0, 1, 2}, configs[0].Values)
	assert.Equal(t, time.Millisecond, configs[0].Delay)
	assert.Equal(t, smu.Current, configs[1].Source)
	assert.Len(t, configs[1].Values, 3)

	n, err := sw.Points()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestBuildSweep_Errors(t *testing.T) {
	step := config.SweepChannelConfig{Channel: 0, Source: "voltage", Scale: config.ScaleList, Values: []float64{1}}

	tests := []struct {
		name string
		kind string
		edit func(s *config.SweepChannelConfig)
		want error
	}{
		{"unknown kind", "spiral", func(*config.SweepChannelConfig) {}, nil},
		{"unknown source", config.SweepNested, func(s *config.SweepChannelConfig) { s.Source = "power" }, nil},
		{"unknown scale", config.SweepNested, func(s *config.SweepChannelConfig) { s.Scale = "cubic" }, smu.ErrConfig},
		{"log through zero", config.SweepNested, func(s *config.SweepChannelConfig) {
			s.Scale, s.Start, s.Stop, s.Points = config.ScaleLog, 0, 1, 5
		}, smu.ErrConfig},
		{"channel out of range", config.SweepNested, func(s *config.SweepChannelConfig) { s.Channel = 7 }, smu.ErrChannelRange},
		{"negative delay", config.SweepNested, func(s *config.SweepChannelConfig) { s.Delay = -time.Second }, smu.ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, dev := newSim(t)
			st := step
			tt.edit(&st)

			_, err := buildSweep(dev, config.SweepConfig{Kind: tt.kind, Steps: []config.SweepChannelConfig{st}})
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
			assert.Empty(t, s.Calls())
		})
	}
}

func TestStepValues_Log(t *testing.T) {
	values, err := stepValues(config.SweepChannelConfig{Scale: config.ScaleLog, Start: 1e-3, Stop: 1, Points: 4})
	require.NoError(t, err)
	require.Len(t, values, 4)
	assert.InDelta(t, 1e-3, values[0], 1e-12)
	assert.InDelta(t, 1e-2, values[1], 1e-12)
	assert.InDelta(t, 1, values[3], 1e-12)
}

func TestConfigureChannels(t *testing.T) {
	s, dev := newSim(t)

	err := configureChannels(dev, []config.ChannelConfig{
		{Channel: 0, FilterMode: "MEAN_REPEAT", FilterCount: 4, VoltageLimit: 10, CurrentLimit: 0.01, FourProbe: true},
		{Channel: 1, FilterMode: "median_moving", FilterCount: 3},
	}, zap.NewNop())
	require.NoError(t, err)

	mode, count := s.Averaging(0, smu.Voltage)
	assert.Equal(t, filter.HardwareRepeat, mode)
	assert.Equal(t, 4, count)

	m, err := dev.AverageMode(1)
	require.NoError(t, err)
	assert.Equal(t, filter.MedianMoving, m)

	assert.Len(t, s.CallsOf(sim.OpLimit), 2)
	assert.Len(t, s.CallsOf(sim.OpFourProbe), 1)
}

func TestConfigureChannels_BadMode(t *testing.T) {
	_, dev := newSim(t)

	err := configureChannels(dev, []config.ChannelConfig{{Channel: 0, FilterMode: "KALMAN", FilterCount: 1}}, zap.NewNop())
	assert.ErrorContains(t, err, "KALMAN")
}

func TestRun_Sim(t *testing.T) {
	cfg := config.Default()
	cfg.Sim.NoiseLevel = 0
	cfg.Sweep.Steps[0].Delay = 0
	cfg.Sweep.Steps[0].Points = 5

	out := filepath.Join(t.TempDir(), "sweep.csv")
	require.NoError(t, run(context.Background(), cfg, out, zap.NewNop()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	require.Len(t, lines, 1+1+5)
	assert.True(t, strings.HasPrefix(lines[0], "% ATTRIBUTES: "))
	assert.Contains(t, lines[0], `"driver":"sim"`)
	assert.Contains(t, lines[0], `"sweep":"nested"`)
	assert.Equal(t, "Voltage 0 [V],Current 0 [A],Voltage 1 [V],Current 1 [A]", lines[1])
	assert.Equal(t, "0,0,0,0", lines[2])
	assert.Equal(t, "1,0.001,0,0", lines[6])
}

func TestRun_Cancelled(t *testing.T) {
	cfg := config.Default()
	cfg.Sweep.Steps[0].Delay = 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := filepath.Join(t.TempDir(), "sweep.csv")
	err := run(ctx, cfg, out, zap.NewNop())
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, smu.ErrInterrupted)

	// The header is still written for an empty run
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Voltage 0 [V]")
}
