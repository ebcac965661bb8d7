package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/gosmu/pkg/config"
	"github.com/itohio/gosmu/pkg/sim"
	"github.com/itohio/gosmu/pkg/smu"
)

func newDevice(t *testing.T, channels int) (*smu.Device, *sim.SMU) {
	t.Helper()

	res := make([]float64, channels)
	for i := range res {
		res[i] = 1000
	}
	drv := sim.New(&config.SimConfig{Channels: channels, Resistance: res, Seed: 1})

	dev, err := smu.New(drv)
	require.NoError(t, err)
	drv.ResetCalls()
	return dev, drv
}

// waits records settling delays instead of sleeping.
type waits struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (w *waits) wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.delays = append(w.delays, d)
	return ctx.Err()
}

func noWait(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// voltages extracts the measured voltage of every channel at every point.
// The simulated load reproduces the bias as the measured voltage.
func voltages(points []smu.MCIVPoint) [][]float64 {
	out := make([][]float64, len(points))
	for i, p := range points {
		for _, ch := range p.Channels() {
			out[i] = append(out[i], p[ch].Voltage)
		}
	}
	return out
}

func TestNested_Order(t *testing.T) {
	dev, _ := newDevice(t, 2)

	s := NewNested(dev, WithWait(noWait))
	s.Add(Config{Channel: 0, Source: smu.Voltage, Values: []float64{0, 1, 2}})
	s.Add(Config{Channel: 1, Source: smu.Voltage, Values: []float64{10, 20}})

	points, err := s.Run(context.Background(), nil)
	require.NoError(t, err)

	want := [][]float64{
		{0, 10}, {0, 20},
		{1, 10}, {1, 20},
		{2, 10}, {2, 20},
	}
	if diff := cmp.Diff(want, voltages(points)); diff != "" {
		t.Errorf("nested order mismatch (-want +got):\n%s", diff)
	}
}

func TestNested_PointCount(t *testing.T) {
	dev, _ := newDevice(t, 3)

	s := NewNested(dev, WithWait(noWait))
	s.AddLinear(0, smu.Voltage, 0, 1, 2, 0, false)
	s.AddLinear(1, smu.Voltage, 0, 1, 3, 0, false)
	s.AddLinear(2, smu.Current, 0, 1e-3, 4, 0, false)

	n, err := s.Points()
	require.NoError(t, err)
	assert.Equal(t, 24, n)

	points, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, points, 24)

	// Every point covers every channel, swept or not
	for _, p := range points {
		assert.Equal(t, []int{0, 1, 2}, p.Channels())
	}
}

func TestNested_RecordsUnsweptChannels(t *testing.T) {
	dev, _ := newDevice(t, 2)

	s := NewNested(dev, WithWait(noWait))
	s.Add(Config{Channel: 1, Values: []float64{1, 2}})

	points, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, []int{0, 1}, points[0].Channels())
	assert.Zero(t, points[0][0].Voltage)
}

func TestNested_Delays(t *testing.T) {
	dev, _ := newDevice(t, 2)
	w := &waits{}

	s := NewNested(dev, WithWait(w.wait))
	s.Add(Config{Channel: 0, Values: []float64{0, 1}, Delay: 10 * time.Millisecond})
	s.Add(Config{Channel: 1, Values: []float64{0, 1, 2}, Delay: time.Millisecond})

	_, err := s.Run(context.Background(), nil)
	require.NoError(t, err)

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{10 * ms, ms, ms, ms, 10 * ms, ms, ms, ms}, w.delays)
}

func TestCombo_LockStep(t *testing.T) {
	dev, _ := newDevice(t, 2)
	w := &waits{}

	s := NewCombo(dev, WithWait(w.wait))
	s.Add(Config{Channel: 0, Values: []float64{0, 1, 2}, Delay: 2 * time.Millisecond})
	s.Add(Config{Channel: 1, Values: []float64{3, 4, 5}, Delay: time.Millisecond})

	points, err := s.Run(context.Background(), nil)
	require.NoError(t, err)

	want := [][]float64{{0, 3}, {1, 4}, {2, 5}}
	if diff := cmp.Diff(want, voltages(points)); diff != "" {
		t.Errorf("combo mismatch (-want +got):\n%s", diff)
	}

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{2 * ms, ms, 2 * ms, ms, 2 * ms, ms}, w.delays)
}

func TestCombo_Symmetric(t *testing.T) {
	dev, _ := newDevice(t, 2)

	s := NewCombo(dev, WithWait(noWait))
	s.Add(Config{Channel: 0, Values: []float64{0, 1, 2}, Symmetric: true})
	s.Add(Config{Channel: 1, Values: Linear(0, 4, 5)})

	points, err := s.Run(context.Background(), nil)
	require.NoError(t, err)

	want := [][]float64{{0, 0}, {1, 1}, {2, 2}, {1, 3}, {0, 4}}
	if diff := cmp.Diff(want, voltages(points)); diff != "" {
		t.Errorf("symmetric combo mismatch (-want +got):\n%s", diff)
	}
}

func TestSweep_SymmetricBiasSequence(t *testing.T) {
	dev, drv := newDevice(t, 1)

	s := NewNested(dev, WithWait(noWait))
	s.Add(Config{Channel: 0, Values: []float64{0, 1, 2}, Symmetric: true})

	points, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, points, 5)

	var biases []float64
	for _, c := range drv.CallsOf(sim.OpBias) {
		biases = append(biases, c.Value)
	}
	// First bias is the setup step
	assert.Equal(t, []float64{0, 0, 1, 2, 1, 0}, biases)
}

func TestSweep_SetupOrder(t *testing.T) {
	for _, kind := range []Kind{Nested, Combo} {
		t.Run(kind.String(), func(t *testing.T) {
			dev, drv := newDevice(t, 2)

			s := New(dev, kind, WithWait(noWait))
			s.Add(Config{Channel: 1, Source: smu.Current, Values: []float64{1e-6, 2e-6}})

			_, err := s.Run(context.Background(), nil)
			require.NoError(t, err)

			calls := drv.Calls()
			require.GreaterOrEqual(t, len(calls), 4)
			assert.Equal(t, []sim.Call{
				{Op: sim.OpOutput, Channel: 1, On: false},
				{Op: sim.OpSource, Channel: 1, Quantity: smu.Current},
				{Op: sim.OpBias, Channel: 1, Quantity: smu.Current, Value: 1e-6},
				{Op: sim.OpOutput, Channel: 1, On: true},
			}, calls[:4])
		})
	}
}

func TestSweep_ValidationBeforeHardware(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		configs []Config
		wantErr error
	}{
		{"nested empty list", Nested, nil, smu.ErrConfig},
		{"combo empty list", Combo, nil, smu.ErrConfig},
		{"nested empty sequence", Nested, []Config{{Values: []float64{1}}, {Channel: 1}}, smu.ErrConfig},
		{"combo empty sequence", Combo, []Config{{Channel: 0}}, smu.ErrConfig},
		{"nested channel range", Nested, []Config{{Values: []float64{1}}, {Channel: 2, Values: []float64{1}}}, smu.ErrChannelRange},
		{"combo channel range", Combo, []Config{{Channel: -1, Values: []float64{1}}}, smu.ErrChannelRange},
		{"negative delay", Nested, []Config{{Values: []float64{1}, Delay: -1}}, smu.ErrConfig},
		{"combo length mismatch", Combo, []Config{
			{Channel: 0, Values: []float64{1, 2, 3}},
			{Channel: 1, Values: []float64{1, 2}},
		}, smu.ErrConfig},
		{"combo symmetric mismatch", Combo, []Config{
			{Channel: 0, Values: []float64{1, 2, 3}, Symmetric: true},
			{Channel: 1, Values: []float64{1, 2, 3}},
		}, smu.ErrConfig},
		{"unknown kind", Kind(5), []Config{{Values: []float64{1}}}, smu.ErrConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev, drv := newDevice(t, 2)

			s := New(dev, tt.kind, WithWait(noWait))
			for _, c := range tt.configs {
				s.Add(c)
			}

			assert.ErrorIs(t, s.Validate(), tt.wantErr)

			points, err := s.Run(context.Background(), nil)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Empty(t, points)
			assert.Empty(t, drv.Calls(), "no command may reach the instrument")
		})
	}
}

func TestSweep_HandlerFailureDoesNotAbort(t *testing.T) {
	dev, _ := newDevice(t, 1)

	var (
		mu        sync.Mutex
		delivered []int
		failed    []int
	)

	s := NewNested(dev,
		WithWait(noWait),
		WithErrorHandler(func(index int, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, index)
		}),
	)
	s.AddLinear(0, smu.Voltage, 0, 9, 10, 0, false)

	points, err := s.Run(context.Background(), func(index int, _ smu.MCIVPoint) error {
		mu.Lock()
		delivered = append(delivered, index)
		mu.Unlock()

		switch index {
		case 2:
			return errors.New("consumer rejected point")
		case 5:
			panic("consumer crashed")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, points, 10)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, delivered)
	assert.Equal(t, []int{2, 5}, failed)
}

func TestSweep_DeliveryCompleteOnReturn(t *testing.T) {
	dev, _ := newDevice(t, 2)

	var delivered int
	s := NewCombo(dev, WithWait(noWait))
	s.AddLinear(0, smu.Voltage, 0, 1, 20, 0, false)
	s.AddLinear(1, smu.Voltage, 1, 0, 20, 0, false)

	points, err := s.Run(context.Background(), func(int, smu.MCIVPoint) error {
		time.Sleep(time.Millisecond)
		delivered++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(points), delivered)
}

func TestSweep_Cancel(t *testing.T) {
	dev, drv := newDevice(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	s := NewNested(dev, WithWait(func(ctx context.Context, _ time.Duration) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return ctx.Err()
	}))
	s.AddLinear(0, smu.Voltage, 0, 4, 5, time.Millisecond, false)

	var delivered int
	points, err := s.Run(ctx, func(int, smu.MCIVPoint) error {
		delivered++
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, smu.ErrInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, points, 2)
	assert.Equal(t, 2, delivered)

	// No bias change after the interrupted wait
	assert.Len(t, drv.CallsOf(sim.OpBias), 1+3)
}

func TestSweep_CancelledBeforeStart(t *testing.T) {
	dev, drv := newDevice(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewNested(dev)
	s.Add(Config{Values: []float64{1}})

	points, err := s.Run(ctx, nil)
	assert.ErrorIs(t, err, smu.ErrInterrupted)
	assert.Empty(t, points)
	assert.Empty(t, drv.Calls())
}

func TestSweep_DeadlineInterruptsSettling(t *testing.T) {
	dev, _ := newDevice(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s := NewNested(dev)
	s.Add(Config{Values: []float64{1, 2}, Delay: time.Hour})

	start := time.Now()
	_, err := s.Run(ctx, nil)
	assert.ErrorIs(t, err, smu.ErrInterrupted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSweep_CommunicationFailureKeepsPartialResults(t *testing.T) {
	dev, drv := newDevice(t, 2)

	var delivered []int
	s := NewNested(dev, WithWait(noWait))
	s.AddLinear(0, smu.Voltage, 0, 1, 5, 0, false)

	// Each point reads V and I on both channels
	drv.FailAfter(sim.OpRead, 2*4, errors.New("timeout"))

	points, err := s.Run(context.Background(), func(index int, _ smu.MCIVPoint) error {
		delivered = append(delivered, index)
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, smu.ErrCommunication)
	assert.Len(t, points, 2)
	assert.Equal(t, []int{0, 1}, delivered)
}

func TestSweep_Reusable(t *testing.T) {
	dev, _ := newDevice(t, 1)

	s := NewNested(dev, WithWait(noWait))
	s.Add(Config{Values: []float64{1, 2, 3}})

	first, err := s.Run(context.Background(), nil)
	require.NoError(t, err)
	second, err := s.Run(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestSweep_ConfigsAreCopied(t *testing.T) {
	dev, _ := newDevice(t, 1)
	values := []float64{1, 2}

	s := NewNested(dev)
	s.Add(Config{Values: values})
	values[0] = 100

	cfgs := s.Configs()
	require.Len(t, cfgs, 1)
	assert.Equal(t, []float64{1, 2}, cfgs[0].Values)

	cfgs[0].Values[1] = 200
	assert.Equal(t, []float64{1, 2}, s.Configs()[0].Values)
}
