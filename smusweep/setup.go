package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/itohio/gosmu/pkg/config"
	"github.com/itohio/gosmu/pkg/filter"
	"github.com/itohio/gosmu/pkg/k2400"
	"github.com/itohio/gosmu/pkg/k2600"
	"github.com/itohio/gosmu/pkg/results"
	"github.com/itohio/gosmu/pkg/scpi"
	"github.com/itohio/gosmu/pkg/sim"
	"github.com/itohio/gosmu/pkg/smu"
	"github.com/itohio/gosmu/pkg/sweep"
)

// instrument bundles the channel model with the transport it owns.
type instrument struct {
	dev  *smu.Device
	port *scpi.Serial
}

func (i *instrument) Close() {
	if i.port != nil {
		i.port.Close()
	}
}

// openInstrument builds the driver selected by cfg and wraps it in a Device.
func openInstrument(cfg *config.Config, logger *zap.Logger) (*instrument, error) {
	inst := &instrument{}

	var drv smu.Driver
	switch cfg.Instrument.Driver {
	case config.DriverSim:
		drv = sim.New(&cfg.Sim, sim.WithLogger(logger.Named("sim")))
	case config.DriverK2600, config.DriverK2400:
		port := scpi.New(cfg.Instrument.Port, cfg.Instrument.BaudRate, cfg.Instrument.Timeout,
			scpi.WithLogger(logger.Named("scpi")))
		if err := port.Connect(); err != nil {
			return nil, err
		}
		inst.port = port

		if cfg.Instrument.Driver == config.DriverK2600 {
			drv = k2600.New(port)
			break
		}
		k, err := k2400.New(port)
		if err != nil {
			inst.Close()
			return nil, err
		}
		drv = k
	default:
		return nil, fmt.Errorf("unknown instrument driver %q", cfg.Instrument.Driver)
	}

	dev, err := smu.New(drv, smu.WithLogger(logger.Named("smu")))
	if err != nil {
		inst.Close()
		return nil, err
	}
	if err := dev.SetDefaultChannel(cfg.Instrument.DefaultChannel); err != nil {
		inst.Close()
		return nil, err
	}
	inst.dev = dev

	logger.Info("instrument ready",
		zap.String("driver", cfg.Instrument.Driver),
		zap.Int("channels", dev.NumChannels()),
		zap.Int("default_channel", dev.DefaultChannel()))

	return inst, nil
}

// configureChannels applies filter, compliance and sensing settings. Missing
// optional capabilities are logged and skipped.
func configureChannels(dev *smu.Device, channels []config.ChannelConfig, logger *zap.Logger) error {
	for _, cc := range channels {
		mode, err := filter.ParseMode(cc.FilterMode)
		if err != nil {
			return fmt.Errorf("channel %d: %w", cc.Channel, err)
		}
		if err := dev.SetAveraging(cc.Channel, mode, cc.FilterCount); err != nil {
			return err
		}

		if cc.VoltageLimit != 0 || cc.CurrentLimit != 0 {
			err := dev.SetLimits(cc.Channel, cc.VoltageLimit, cc.CurrentLimit)
			if errors.Is(err, smu.ErrUnsupported) {
				logger.Warn("compliance limits ignored", zap.Int("channel", cc.Channel), zap.Error(err))
			} else if err != nil {
				return err
			}
		}

		if cc.FourProbe {
			err := dev.UseFourProbe(cc.Channel, true)
			if errors.Is(err, smu.ErrUnsupported) {
				logger.Warn("four-probe sensing ignored", zap.Int("channel", cc.Channel), zap.Error(err))
			} else if err != nil {
				return err
			}
		}
	}
	return nil
}

// buildSweep turns the sweep section of the configuration into a Sweep.
func buildSweep(dev sweep.Device, sc config.SweepConfig, opts ...sweep.Option) (*sweep.Sweep, error) {
	kind, err := sweep.ParseKind(sc.Kind)
	if err != nil {
		return nil, err
	}

	sw := sweep.New(dev, kind, opts...)
	for i, step := range sc.Steps {
		source, err := smu.ParseQuantity(step.Source)
		if err != nil {
			return nil, fmt.Errorf("sweep step %d: %w", i, err)
		}
		values, err := stepValues(step)
		if err != nil {
			return nil, fmt.Errorf("sweep step %d: %w", i, err)
		}
		sw.Add(sweep.Config{
			Channel:   step.Channel,
			Source:    source,
			Values:    values,
			Delay:     step.Delay,
			Symmetric: step.Symmetric,
		})
	}

	if err := sw.Validate(); err != nil {
		return nil, err
	}
	return sw, nil
}

func stepValues(step config.SweepChannelConfig) ([]float64, error) {
	switch step.Scale {
	case config.ScaleLinear:
		return sweep.Linear(step.Start, step.Stop, step.Points), nil
	case config.ScaleLog:
		values := sweep.Logarithmic(step.Start, step.Stop, step.Points)
		if values == nil {
			return nil, fmt.Errorf("%w: log scale needs positive bounds, got %g..%g", smu.ErrConfig, step.Start, step.Stop)
		}
		return values, nil
	case config.ScaleList:
		return step.Values, nil
	default:
		return nil, fmt.Errorf("%w: unknown scale %q", smu.ErrConfig, step.Scale)
	}
}

func writeTable(tbl *results.Table, out string) error {
	var w io.Writer = os.Stdout
	if out != "" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return tbl.WriteCSV(w)
}
