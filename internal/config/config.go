package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file accepted by Load.
const MaxConfigFileBytes = 64 * 1024

// Motion strategies for moveToFilter.
const (
	StrategyAbsolute = "absolute" // drift-compensated absolute target + search window
	StrategyCounter  = "counter"  // one bounded increment per filter slot
)

// GPIO driver names.
const (
	DriverGPIOCdev = "gpiocdev"
	DriverRPio     = "rpio"
	DriverMock     = "mock"
)

// SerialConfig describes the serial line to the stepper motor controller.
type SerialConfig struct {
	Device         string  `yaml:"device"`           // e.g. /dev/ttyUSB0
	BaudRate       int     `yaml:"baud_rate"`        // default 9600
	ReadTimeoutMs  int     `yaml:"read_timeout_ms"`  // reply timeout (ms)
	InitDelayScale float64 `yaml:"init_delay_scale"` // multiplies the init sequence settle delays; 0 = default 1.0
}

// WheelPins maps the wheel sensors to GPIO lines.
type WheelPins struct {
	Hall   int   `yaml:"hall"`    // hall position bit, active LOW
	IDBits []int `yaml:"id_bits"` // wheel id bits, ones/twos/fours order, active LOW
}

// SpeedConfig holds the motor controller speed profile.
type SpeedConfig struct {
	Low   int `yaml:"low"`   // LSPD
	High  int `yaml:"high"`  // HSPD
	Accel int `yaml:"accel"` // ACC
	Decel int `yaml:"decel"` // DEC
}

// MotionConfig tunes homing and moves.
type MotionConfig struct {
	Strategy         string      `yaml:"strategy"`           // absolute | counter
	MaxStepDistance  int         `yaml:"max_step_distance"`  // steps per bounded increment
	FilterDelta      float64     `yaml:"filter_delta"`       // fallback steps per filter slot
	SearchRangeRatio float64     `yaml:"search_range_ratio"` // search window width as a fraction of filter delta
	HomeDetections   int         `yaml:"home_detections"`    // detections allowed to find the home magnet
	Speeds           SpeedConfig `yaml:"speeds"`
}

// WheelConfig groups everything about the filter wheel itself.
type WheelConfig struct {
	Serial SerialConfig `yaml:"serial"`
	Pins   WheelPins    `yaml:"pins"`
	Motion MotionConfig `yaml:"motion"`
}

// DiffuserPins maps the diffuser actuator and its sensors.
type DiffuserPins struct {
	Command   int `yaml:"command"`    // output, HIGH = in beam
	Rotate    int `yaml:"rotate"`     // output, HIGH = rotate
	InSensor  int `yaml:"in_sensor"`  // input, LOW = in position
	OutSensor int `yaml:"out_sensor"` // input, LOW = out of position
	AtSpeed   int `yaml:"at_speed"`   // input, HIGH = rotation up to speed
	Cover     int `yaml:"cover"`      // input, LOW = cover on
}

// DiffuserConfig describes the diffuser.
type DiffuserConfig struct {
	Pins      DiffuserPins `yaml:"pins"`
	TimeoutMs int          `yaml:"timeout_ms"` // in/out confirmation timeout
}

// PollConfig holds the poll loop intervals.
type PollConfig struct {
	MotionIntervalMs int `yaml:"motion_interval_ms"` // tick while an operation is pending
	IdleIntervalMs   int `yaml:"idle_interval_ms"`   // background status refresh
}

// GPIOConfig selects the GPIO backend.
type GPIOConfig struct {
	Driver string `yaml:"driver"` // gpiocdev | rpio | mock
	Chip   string `yaml:"chip"`   // gpiocdev chip name
}

// ServerConfig describes the command façades.
type ServerConfig struct {
	CommandPort int `yaml:"command_port"` // TCP text command port; 0 = disabled
	MaxUsers    int `yaml:"max_users"`    // concurrent command connections
	WebPort     int `yaml:"web_port"`     // HTTP port; 0 = disabled
}

// TraceConfig enables the raw hall trace recorder.
type TraceConfig struct {
	Path string `yaml:"path"` // empty = disabled
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel   int  `yaml:"debug_level"`   // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockHardware bool `yaml:"mock_hardware"` // use the simulated wheel (true=dev/test)
	Nice         *int `yaml:"nice"`          // scheduling priority for the poll loop; nil = -15, 0 = leave alone
}

// Config aggregates all application configuration.
type Config struct {
	Wheel    WheelConfig    `yaml:"wheel"`
	Diffuser DiffuserConfig `yaml:"diffuser"`
	Poll     PollConfig     `yaml:"poll"`
	GPIO     GPIOConfig     `yaml:"gpio"`
	Server   ServerConfig   `yaml:"server"`
	Trace    TraceConfig    `yaml:"trace"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml file directly inside a
// "configs" directory, and contains no traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file %s is %d bytes, limit is %d", path, info.Size(), MaxConfigFileBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, fills defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	s := &c.Wheel.Serial
	if s.Device == "" {
		s.Device = "/dev/ttyUSB0"
	}
	if s.BaudRate <= 0 {
		s.BaudRate = 9600
	}
	if s.ReadTimeoutMs <= 0 {
		s.ReadTimeoutMs = 500 // same as the controller's USB timeouts
	}
	if s.InitDelayScale <= 0 {
		s.InitDelayScale = 1
	}

	p := &c.Wheel.Pins
	if p.Hall == 0 {
		p.Hall = 36
	}
	if len(p.IDBits) == 0 {
		p.IDBits = []int{37, 38, 39}
	}

	m := &c.Wheel.Motion
	if m.Strategy == "" {
		m.Strategy = StrategyAbsolute
	}
	if m.MaxStepDistance == 0 {
		m.MaxStepDistance = 1500 // wider than a hall pulse, narrower than filter spacing
	}
	if m.FilterDelta == 0 {
		m.FilterDelta = 8000.0 / 6.0
	}
	if m.SearchRangeRatio == 0 {
		m.SearchRangeRatio = 0.2
	}
	if m.HomeDetections == 0 {
		m.HomeDetections = 7
	}
	if m.Speeds.Low == 0 {
		m.Speeds.Low = 10
	}
	if m.Speeds.High == 0 {
		m.Speeds.High = 250
	}
	if m.Speeds.Accel == 0 {
		m.Speeds.Accel = 70
	}
	if m.Speeds.Decel == 0 {
		m.Speeds.Decel = 70
	}

	d := &c.Diffuser
	if d.Pins == (DiffuserPins{}) {
		d.Pins = DiffuserPins{Command: 80, Rotate: 83, InSensor: 81, OutSensor: 82, AtSpeed: 78, Cover: 79}
	}
	if d.TimeoutMs <= 0 {
		d.TimeoutMs = 5000
	}

	if c.Poll.MotionIntervalMs <= 0 {
		c.Poll.MotionIntervalMs = 20
	}
	if c.Poll.IdleIntervalMs <= 0 {
		c.Poll.IdleIntervalMs = 1000
	}

	if c.GPIO.Driver == "" {
		c.GPIO.Driver = DriverGPIOCdev
	}
	if c.GPIO.Chip == "" {
		c.GPIO.Chip = "gpiochip0"
	}

	if c.Server.MaxUsers <= 0 {
		c.Server.MaxUsers = 1
	}

	if c.Defaults.Nice == nil {
		n := -15
		c.Defaults.Nice = &n
	}
}

// Validate checks configuration correctness. It does not mutate cfg.
func (c *Config) Validate() error {
	m := c.Wheel.Motion
	switch m.Strategy {
	case StrategyAbsolute, StrategyCounter:
	default:
		return fmt.Errorf("wheel.motion.strategy must be %q or %q, got %q", StrategyAbsolute, StrategyCounter, m.Strategy)
	}
	if m.MaxStepDistance < 0 {
		return fmt.Errorf("wheel.motion.max_step_distance must be > 0, got %d", m.MaxStepDistance)
	}
	if m.FilterDelta < 0 {
		return fmt.Errorf("wheel.motion.filter_delta must be > 0, got %.2f", m.FilterDelta)
	}
	if float64(m.MaxStepDistance) <= m.FilterDelta {
		return fmt.Errorf("wheel.motion.max_step_distance (%d) must exceed filter_delta (%.1f)", m.MaxStepDistance, m.FilterDelta)
	}
	if m.SearchRangeRatio <= 0 || m.SearchRangeRatio >= 1 {
		return fmt.Errorf("wheel.motion.search_range_ratio must be between 0 and 1, got %.2f", m.SearchRangeRatio)
	}
	if m.HomeDetections < 1 {
		return fmt.Errorf("wheel.motion.home_detections must be >= 1, got %d", m.HomeDetections)
	}
	if len(c.Wheel.Pins.IDBits) != 3 {
		return fmt.Errorf("wheel.pins.id_bits must list 3 pins, got %d", len(c.Wheel.Pins.IDBits))
	}

	switch c.GPIO.Driver {
	case DriverGPIOCdev, DriverRPio, DriverMock:
	default:
		return fmt.Errorf("gpio.driver must be one of gpiocdev, rpio, mock, got %q", c.GPIO.Driver)
	}

	seen := make(map[int]string)
	named := []struct {
		name string
		pin  int
	}{
		{"wheel.pins.hall", c.Wheel.Pins.Hall},
		{"wheel.pins.id_bits[0]", c.Wheel.Pins.IDBits[0]},
		{"wheel.pins.id_bits[1]", c.Wheel.Pins.IDBits[1]},
		{"wheel.pins.id_bits[2]", c.Wheel.Pins.IDBits[2]},
		{"diffuser.pins.command", c.Diffuser.Pins.Command},
		{"diffuser.pins.rotate", c.Diffuser.Pins.Rotate},
		{"diffuser.pins.in_sensor", c.Diffuser.Pins.InSensor},
		{"diffuser.pins.out_sensor", c.Diffuser.Pins.OutSensor},
		{"diffuser.pins.at_speed", c.Diffuser.Pins.AtSpeed},
		{"diffuser.pins.cover", c.Diffuser.Pins.Cover},
	}
	for _, n := range named {
		if n.pin < 0 {
			return fmt.Errorf("%s must be >= 0, got %d", n.name, n.pin)
		}
		if other, ok := seen[n.pin]; ok {
			return fmt.Errorf("%s and %s share pin %d", other, n.name, n.pin)
		}
		seen[n.pin] = n.name
	}

	if c.Server.CommandPort < 0 || c.Server.CommandPort > 65535 {
		return fmt.Errorf("server.command_port must be 0-65535, got %d", c.Server.CommandPort)
	}
	if c.Server.WebPort < 0 || c.Server.WebPort > 65535 {
		return fmt.Errorf("server.web_port must be 0-65535, got %d", c.Server.WebPort)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be 0-4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// ReadTimeout returns the motor controller reply timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Wheel.Serial.ReadTimeoutMs) * time.Millisecond
}

// MotionInterval returns the poll tick used while an operation is pending.
func (c *Config) MotionInterval() time.Duration {
	return time.Duration(c.Poll.MotionIntervalMs) * time.Millisecond
}

// IdleInterval returns the background status refresh interval.
func (c *Config) IdleInterval() time.Duration {
	return time.Duration(c.Poll.IdleIntervalMs) * time.Millisecond
}

// DiffuserTimeout returns how long a diffuser in/out move may take.
func (c *Config) DiffuserTimeout() time.Duration {
	return time.Duration(c.Diffuser.TimeoutMs) * time.Millisecond
}

// SearchRange returns the search window width for a given filter delta.
func (c *Config) SearchRange(filterDelta float64) float64 {
	return filterDelta * c.Wheel.Motion.SearchRangeRatio
}
