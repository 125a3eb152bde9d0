package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"scrolltamer/wheel"
)

// Config is the top-level YAML configuration for the scrolltamer daemon.
//
// The config file is the primary configuration surface; flags exist for
// small overrides and for environments where a file is awkward. Defaults and
// validation are centralized here so the rest of the code can assume a
// well-formed config.
type Config struct {
	// Input device capture
	Input InputConfig `yaml:"input"`

	// Wheel filter tuning (clicks and clicks/s)
	Filter FilterConfig `yaml:"filter"`

	// Optional overscroll prediction/payback mode
	Overscroll OverscrollFileConfig `yaml:"overscroll"`

	// Virtual output device
	Output OutputConfig `yaml:"output"`

	// Daemon loop
	Daemon DaemonConfig `yaml:"daemon"`

	// IPC control socket
	IPC IPCConfig `yaml:"ipc"`

	// State websocket server
	State StateConfig `yaml:"state"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

type InputConfig struct {
	Devices []string `yaml:"devices"` // event nodes to capture, e.g. /dev/input/event5
	Grab    bool     `yaml:"grab"`    // take exclusive access so suppressed events never leak
}

type FilterConfig struct {
	Threshold     float64 `yaml:"threshold"`      // clicks to activate
	OffThreshold  float64 `yaml:"off_threshold"`  // clicks to release; 0 disables the hysteresis band
	RecenterSpeed float64 `yaml:"recenter_speed"` // clicks/s of drift bleed
}

type OverscrollFileConfig struct {
	Enabled        bool    `yaml:"enabled"`
	PredictionGain float64 `yaml:"prediction_gain"`
	StoppingSpeed  float64 `yaml:"stopping_speed"`
	DecayRate      float64 `yaml:"decay_rate"`
	MaxPending     float64 `yaml:"max_pending"`
}

type OutputConfig struct {
	DeviceName string `yaml:"device_name"` // name the virtual device announces
}

type DaemonConfig struct {
	UpdateHz int `yaml:"update_hz"` // tick frequency for quiet-axis relaxation
	SettleMS int `yaml:"settle_ms"` // quiet time on an axis before ticks relax it
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type StateConfig struct {
	WsPort int `yaml:"ws_port"` // 0 disables the state server
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"` // optional log file; empty logs to stderr
}

// DefaultConfig returns the configuration a fresh install runs with.
// Keep this aligned with constants.go defaults and current CLI defaults.
func DefaultConfig() Config {
	return Config{
		Input: InputConfig{
			Devices: []string{"/dev/input/event5"},
			Grab:    true,
		},
		Filter: FilterConfig{
			Threshold:     defaultThreshold,
			OffThreshold:  defaultOffThreshold,
			RecenterSpeed: defaultRecenterSpeed,
		},
		Overscroll: OverscrollFileConfig{
			Enabled:        false,
			PredictionGain: wheel.DefaultPredictionGain,
			StoppingSpeed:  wheel.DefaultStoppingSpeed,
			DecayRate:      wheel.DefaultDecayRate,
			MaxPending:     wheel.DefaultMaxPending,
		},
		Output: OutputConfig{
			DeviceName: defaultOutputName,
		},
		Daemon: DaemonConfig{
			UpdateHz: defaultUpdateHz,
			SettleMS: defaultSettleMS,
		},
		IPC: IPCConfig{
			SocketPath: defaultSocketPath,
		},
		State: StateConfig{
			WsPort: defaultStateWsPort,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile parses a YAML config file on top of the defaults.
//
// Unknown fields are rejected via KnownFields(true) so typos surface as
// errors; fields absent from the file keep their defaults.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// A second YAML document in the file is almost certainly an indentation
	// accident; reject it rather than silently ignoring half the file.
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// WriteDefaultConfig writes the default configuration to path, creating
// parent directories as needed. Used on first run when the configured file
// does not exist yet.
func WriteDefaultConfig(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	path = ExpandPath(path)

	cfg := DefaultConfig()
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# scrolltamer configuration\n")
	buf.WriteString("# Threshold units are wheel clicks; rates are clicks per second.\n")
	buf.Write(body)

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}

// FlagOverrides applies overrides from flags on top of a loaded config.
//
// Flags pass pointers; each override is only applied if the pointer is
// non-nil, so a config file stays the primary source and flags poke at
// individual values.
type FlagOverrides struct {
	Device *string
	NoGrab *bool

	Threshold     *float64
	OffThreshold  *float64
	RecenterSpeed *float64

	OverscrollEnabled *bool

	OutputName *string

	UpdateHz *int

	IPCSocketPath *string
	StateWsPort   *int

	LogLevel *string
	LogFile  *string
}

// Apply merges the overrides into cfg. If an override pointer is nil, it is
// ignored; otherwise the value is applied even if it is a zero value.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Device != nil {
		cfg.Input.Devices = []string{*o.Device}
	}
	if o.NoGrab != nil {
		cfg.Input.Grab = !*o.NoGrab
	}

	if o.Threshold != nil {
		cfg.Filter.Threshold = *o.Threshold
	}
	if o.OffThreshold != nil {
		cfg.Filter.OffThreshold = *o.OffThreshold
	}
	if o.RecenterSpeed != nil {
		cfg.Filter.RecenterSpeed = *o.RecenterSpeed
	}

	if o.OverscrollEnabled != nil {
		cfg.Overscroll.Enabled = *o.OverscrollEnabled
	}

	if o.OutputName != nil {
		cfg.Output.DeviceName = *o.OutputName
	}

	if o.UpdateHz != nil {
		cfg.Daemon.UpdateHz = *o.UpdateHz
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.StateWsPort != nil {
		cfg.State.WsPort = *o.StateWsPort
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.LogFile != nil {
		cfg.Logging.File = *o.LogFile
	}
}

// Validate checks the merged configuration, so it runs after defaults, file
// values, and flag overrides have all been applied. Error text names the
// offending YAML key.
func (c *Config) Validate() error {
	if len(c.Input.Devices) == 0 {
		return errors.New("input.devices must not be empty")
	}
	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}

	if c.Filter.Threshold <= 0 {
		return errors.New("filter.threshold must be > 0")
	}
	if c.Filter.OffThreshold < 0 || c.Filter.OffThreshold > c.Filter.Threshold {
		return errors.New("filter.off_threshold must be between 0 and filter.threshold")
	}
	if c.Filter.RecenterSpeed < 0 {
		return errors.New("filter.recenter_speed must be >= 0")
	}

	if c.Overscroll.PredictionGain < 0 {
		return errors.New("overscroll.prediction_gain must be >= 0")
	}
	if c.Overscroll.StoppingSpeed < 0 {
		return errors.New("overscroll.stopping_speed must be >= 0")
	}
	if c.Overscroll.DecayRate < 0 {
		return errors.New("overscroll.decay_rate must be >= 0")
	}
	if c.Overscroll.MaxPending < 0 {
		return errors.New("overscroll.max_pending must be >= 0")
	}

	if c.Output.DeviceName == "" {
		return errors.New("output.device_name must not be empty")
	}

	if c.Daemon.UpdateHz <= 0 || c.Daemon.UpdateHz > 1000 {
		return errors.New("daemon.update_hz must be between 1 and 1000")
	}
	if c.Daemon.SettleMS < 0 {
		return errors.New("daemon.settle_ms must be >= 0")
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	if c.State.WsPort < 0 || c.State.WsPort > 65535 {
		return errors.New("state.ws_port must be between 0 and 65535 (0 disables)")
	}

	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}

	return nil
}

// ToWheelConfig builds the immutable filter config for one event stream.
// unitsPerClick tells the stream's resolution apart: 1 for classic wheel
// codes, 120 for hi-res.
func (c *Config) ToWheelConfig(unitsPerClick float64) wheel.Config {
	return wheel.Config{
		Threshold:     c.Filter.Threshold,
		OffThreshold:  c.Filter.OffThreshold,
		RecenterSpeed: c.Filter.RecenterSpeed,
		UnitsPerClick: unitsPerClick,
		Overscroll: wheel.OverscrollConfig{
			Enabled:        c.Overscroll.Enabled,
			PredictionGain: c.Overscroll.PredictionGain,
			StoppingSpeed:  c.Overscroll.StoppingSpeed,
			DecayRate:      c.Overscroll.DecayRate,
			MaxPending:     c.Overscroll.MaxPending,
		},
	}
}

// ExpandPath resolves a leading "~" against the user's home directory, for
// config values like logging.file.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
