package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/itohio/gosmu/pkg/config"
	"github.com/itohio/gosmu/pkg/scpi"
	"github.com/itohio/gosmu/pkg/sweep"
)

func main() {
	var (
		portFlag   = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyUSB0)")
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag   = flag.Bool("mock", false, "Use the simulated instrument instead of a serial port")
		outFlag    = flag.String("o", "", "Write the CSV table to this file instead of stdout")
		debugFlag  = flag.Bool("debug", false, "Log every instrument call")
		listFlag   = flag.Bool("list-ports", false, "List serial ports and exit")
	)
	flag.Parse()

	logger, err := newLogger(*debugFlag)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if *listFlag {
		if err := listPorts(); err != nil {
			logger.Fatal("failed to list serial ports", zap.Error(err))
		}
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	if *portFlag != "" {
		cfg.Instrument.Port = *portFlag
	}
	if *mockFlag {
		cfg.Instrument.Driver = config.DriverSim
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *outFlag, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("sweep interrupted", zap.Error(err))
			os.Exit(130)
		}
		logger.Fatal("sweep failed", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func listPorts() error {
	ports, err := scpi.Ports()
	if err != nil {
		return err
	}
	for _, p := range ports {
		fmt.Println(p.Name)
	}
	return nil
}

// run connects to the instrument, applies the channel settings, runs the
// configured sweep and writes the collected table.
func run(ctx context.Context, cfg *config.Config, out string, logger *zap.Logger) error {
	inst, err := openInstrument(cfg, logger)
	if err != nil {
		return err
	}
	defer inst.Close()

	dev := inst.dev
	defer func() {
		if err := dev.TurnOffAll(); err != nil {
			logger.Error("failed to turn outputs off", zap.Error(err))
		}
	}()

	if err := configureChannels(dev, cfg.Channels, logger); err != nil {
		return err
	}

	sw, err := buildSweep(dev, cfg.Sweep, sweep.WithLogger(logger))
	if err != nil {
		return err
	}

	tbl := sweep.NewTable(dev.NumChannels())
	tbl.SetAttribute("driver", cfg.Instrument.Driver)
	tbl.SetAttribute("sweep", sw.Kind().String())
	tbl.SetAttribute("started", time.Now().Format(time.RFC3339))

	points, runErr := sw.RunInto(ctx, tbl)
	logger.Info("sweep collected points", zap.Int("points", len(points)))

	if err := writeTable(tbl, out); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}
