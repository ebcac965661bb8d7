package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported instrument drivers.
const (
	DriverSim   = "sim"
	DriverK2600 = "k2600"
	DriverK2400 = "k2400"
)

// Supported sweep kinds and value scales.
const (
	SweepNested = "nested"
	SweepCombo  = "combo"

	ScaleLinear = "linear"
	ScaleLog    = "log"
	ScaleList   = "list"
)

// Config represents the application configuration.
type Config struct {
	Instrument InstrumentConfig `yaml:"instrument"`
	Channels   []ChannelConfig  `yaml:"channels"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Sim        SimConfig        `yaml:"sim"`
}

// InstrumentConfig selects the driver and how to reach the instrument.
type InstrumentConfig struct {
	Driver         string        `yaml:"driver"`
	Port           string        `yaml:"port"`
	BaudRate       int           `yaml:"baud_rate"`
	Timeout        time.Duration `yaml:"timeout"`
	DefaultChannel int           `yaml:"default_channel"`
}

// ChannelConfig holds per-channel measurement settings applied before a sweep.
type ChannelConfig struct {
	Channel      int     `yaml:"channel"`
	FilterMode   string  `yaml:"filter_mode"`   // NONE, MEAN_REPEAT, MEAN_MOVING, MEDIAN_REPEAT, MEDIAN_MOVING
	FilterCount  int     `yaml:"filter_count"`  // Samples per reading (>= 1)
	VoltageLimit float64 `yaml:"voltage_limit"` // Compliance in V (0 = leave unchanged)
	CurrentLimit float64 `yaml:"current_limit"` // Compliance in A (0 = leave unchanged)
	FourProbe    bool    `yaml:"four_probe"`
}

// SweepConfig describes the sweep to run.
type SweepConfig struct {
	Kind  string              `yaml:"kind"` // nested or combo
	Steps []SweepChannelConfig `yaml:"steps"`
}

// SweepChannelConfig describes the values swept on one channel.
type SweepChannelConfig struct {
	Channel   int           `yaml:"channel"`
	Source    string        `yaml:"source"` // voltage or current
	Scale     string        `yaml:"scale"`  // linear, log or list
	Start     float64       `yaml:"start"`
	Stop      float64       `yaml:"stop"`
	Points    int           `yaml:"points"`
	Values    []float64     `yaml:"values,omitempty"` // Used when scale is list
	Delay     time.Duration `yaml:"delay"`
	Symmetric bool          `yaml:"symmetric"`
}

// SimConfig contains simulated instrument configuration.
type SimConfig struct {
	Channels         int           `yaml:"channels"`
	Resistance       []float64     `yaml:"resistance"`        // DUT resistance per channel (Ohm)
	NoiseLevel       float64       `yaml:"noise_level"`       // Gaussian noise sigma, relative to reading
	SpikeProbability float64       `yaml:"spike_probability"` // Chance of a single-sample spike
	SpikeAmplitude   float64       `yaml:"spike_amplitude"`   // Spike size, relative to reading
	Latency          time.Duration `yaml:"latency"`           // Simulated time per raw conversion
	Seed             uint64        `yaml:"seed"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Instrument: InstrumentConfig{
			Driver:   DriverSim,
			Port:     "/dev/ttyUSB0", // "COM3" on Windows
			BaudRate: 9600,
			Timeout:  2 * time.Second,
		},
		Channels: []ChannelConfig{
			{Channel: 0, FilterMode: "NONE", FilterCount: 1, VoltageLimit: 20, CurrentLimit: 0.01},
		},
		Sweep: SweepConfig{
			Kind: SweepNested,
			Steps: []SweepChannelConfig{
				{
					Channel: 0,
					Source:  "voltage",
					Scale:   ScaleLinear,
					Start:   0,
					Stop:    1,
					Points:  11,
					Delay:   50 * time.Millisecond,
				},
			},
		},
		Sim: SimConfig{
			Channels:         2,
			Resistance:       []float64{1000, 10000},
			NoiseLevel:       0.001,
			SpikeProbability: 0,
			SpikeAmplitude:   0,
			Latency:          0,
			Seed:             1,
		},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Instrument.Driver {
	case DriverSim, DriverK2600, DriverK2400:
	default:
		return fmt.Errorf("unknown instrument driver %q", c.Instrument.Driver)
	}

	switch c.Sweep.Kind {
	case SweepNested, SweepCombo:
	default:
		return fmt.Errorf("unknown sweep kind %q", c.Sweep.Kind)
	}

	for i, step := range c.Sweep.Steps {
		switch step.Scale {
		case ScaleLinear, ScaleLog:
			if step.Points < 1 {
				return fmt.Errorf("sweep step %d: points must be at least 1", i)
			}
		case ScaleList:
			if len(step.Values) == 0 {
				return fmt.Errorf("sweep step %d: list scale requires values", i)
			}
		default:
			return fmt.Errorf("sweep step %d: unknown scale %q", i, step.Scale)
		}
	}

	for i, ch := range c.Channels {
		if ch.FilterCount < 1 {
			return fmt.Errorf("channel config %d: filter_count must be at least 1", i)
		}
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Instrument.Driver == "" {
		c.Instrument.Driver = def.Instrument.Driver
	}
	if c.Instrument.Port == "" {
		c.Instrument.Port = def.Instrument.Port
	}
	if c.Instrument.BaudRate == 0 {
		c.Instrument.BaudRate = def.Instrument.BaudRate
	}
	if c.Instrument.Timeout == 0 {
		c.Instrument.Timeout = def.Instrument.Timeout
	}

	for i := range c.Channels {
		if c.Channels[i].FilterMode == "" {
			c.Channels[i].FilterMode = "NONE"
		}
		if c.Channels[i].FilterCount == 0 {
			c.Channels[i].FilterCount = 1
		}
	}

	if c.Sweep.Kind == "" {
		c.Sweep.Kind = def.Sweep.Kind
	}
	if len(c.Sweep.Steps) == 0 {
		c.Sweep.Steps = def.Sweep.Steps
	}
	for i := range c.Sweep.Steps {
		if c.Sweep.Steps[i].Source == "" {
			c.Sweep.Steps[i].Source = "voltage"
		}
		if c.Sweep.Steps[i].Scale == "" {
			if len(c.Sweep.Steps[i].Values) > 0 {
				c.Sweep.Steps[i].Scale = ScaleList
			} else {
				c.Sweep.Steps[i].Scale = ScaleLinear
			}
		}
	}

	if c.Sim.Channels == 0 {
		c.Sim.Channels = def.Sim.Channels
	}
	if len(c.Sim.Resistance) == 0 {
		c.Sim.Resistance = def.Sim.Resistance
	}
	if c.Sim.Seed == 0 {
		c.Sim.Seed = def.Sim.Seed
	}
}
