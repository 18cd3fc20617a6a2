package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values loaded from the YAML file.
const (
	EnvMotorPort   = "DOSER_MOTOR_PORT"
	EnvScalePort   = "DOSER_SCALE_PORT"
	EnvLogLevel    = "DOSER_LOG_LEVEL"
	EnvJournalPath = "DOSER_JOURNAL_PATH"
	EnvMaxFeedrate = "DOSER_SAFE_MAX_FEEDRATE"
)

// Config represents the application configuration.
type Config struct {
	Motor   MotorConfig    `yaml:"motor"`
	Scale   ScaleConfig    `yaml:"scale"`
	Dose    DoseConfig     `yaml:"dose"`
	Pumps   []PumpConfig   `yaml:"pumps"`
	Recipes []RecipeConfig `yaml:"recipes"`
	Journal JournalConfig  `yaml:"journal"`
	Log     LogConfig      `yaml:"log"`
	Mock    MockConfig     `yaml:"mock"`
}

// SerialConfig contains serial port configuration.
type SerialConfig struct {
	Port         string `yaml:"port"`
	BaudRate     int    `yaml:"baud_rate"`
	DataBits     int    `yaml:"data_bits"`
	Parity       string `yaml:"parity"`         // none, odd, even, mark, space
	StopBits     string `yaml:"stop_bits"`      // 1, 1.5, 2
	RxBufferSize int    `yaml:"rx_buffer_size"` // Receive buffer in bytes
}

// MotorConfig contains the motor controller link and its command timing.
type MotorConfig struct {
	Serial         SerialConfig  `yaml:"serial"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	StatusTimeout  time.Duration `yaml:"status_timeout"`
	ResetSettle    time.Duration `yaml:"reset_settle"` // Wait between Ctrl-X and $X
	HomeTimeout    time.Duration `yaml:"home_timeout"`
}

// ScaleConfig contains the scale link and its burst protocol timing.
type ScaleConfig struct {
	Serial           SerialConfig  `yaml:"serial"`
	Command          string        `yaml:"command"`      // Sent verbatim, byte by byte
	TareCommand      string        `yaml:"tare_command"` // Sent verbatim
	Repeats          int           `yaml:"repeats"`      // Commands per burst
	CharDelay        time.Duration `yaml:"char_delay"`
	CommandDelay     time.Duration `yaml:"command_delay"`
	ReadWindow       time.Duration `yaml:"read_window"`
	InterBurstDelay  time.Duration `yaml:"inter_burst_delay"` // 0 = continuous
	StaleAfter       time.Duration `yaml:"stale_after"`
	FaultAfterMisses int           `yaml:"fault_after_misses"` // Empty windows before reporting a comms fault
}

// DoseConfig contains dose controller parameters.
type DoseConfig struct {
	SafeMaxFeedrate      float64       `yaml:"safe_max_feedrate"` // mm/min
	ContinuousDistanceMm float64       `yaml:"continuous_distance_mm"`
	SettleDelay          time.Duration `yaml:"settle_delay"`
	NoProgressTimeout    time.Duration `yaml:"no_progress_timeout"`
	StatusPollInterval   time.Duration `yaml:"status_poll_interval"`
	ActiveScaleInterval  time.Duration `yaml:"active_scale_interval"` // Inter-burst delay while a weight dose runs
	IdleScaleInterval    time.Duration `yaml:"idle_scale_interval"`   // Inter-burst delay otherwise (0 = keep scale.inter_burst_delay)
	StopLookahead        time.Duration `yaml:"stop_lookahead"`        // Predictive early stop horizon (0 = off)
	FlowWindow           time.Duration `yaml:"flow_window"`
}

// PumpConfig describes one pump and its defaults.
type PumpConfig struct {
	Axis               string  `yaml:"axis"`
	Name               string  `yaml:"name"`
	CalibrationMlPerMm float64 `yaml:"calibration_ml_per_mm"`
	FlowRateMlPerMin   float64 `yaml:"flow_rate_ml_per_min"`
	DefaultVolumeMl    float64 `yaml:"default_volume_ml"`
}

// RecipeConfig is a named sequence of dose steps.
type RecipeConfig struct {
	Name             string       `yaml:"name"`
	FlowRateMlPerMin float64      `yaml:"flow_rate_ml_per_min"`
	Steps            []RecipeStep `yaml:"steps"`
}

// RecipeStep is a single dose of a recipe. Exactly one of VolumeMl/WeightG
// should be set; a step with neither is skipped.
type RecipeStep struct {
	Axis     string  `yaml:"axis"`
	VolumeMl float64 `yaml:"volume_ml,omitempty"`
	WeightG  float64 `yaml:"weight_g,omitempty"`
}

// JournalConfig contains command log and dose history settings.
type JournalConfig struct {
	Path     string `yaml:"path"`     // SQLite file for dose history, empty disables
	Capacity int    `yaml:"capacity"` // Command log entries kept in memory
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MockConfig contains simulated hardware configuration.
type MockConfig struct {
	DensityGPerMl float64       `yaml:"density_g_per_ml"`
	NoiseLevel    float64       `yaml:"noise_level"` // Scale noise (g)
	StartWeightG  float64       `yaml:"start_weight_g"`
	TickRate      time.Duration `yaml:"tick_rate"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Motor: MotorConfig{
			Serial: SerialConfig{
				Port:         "/dev/ttyUSB0",
				BaudRate:     115200,
				DataBits:     8,
				Parity:       "none",
				StopBits:     "1",
				RxBufferSize: 1024,
			},
			CommandTimeout: 2 * time.Second,
			StatusTimeout:  time.Second,
			ResetSettle:    500 * time.Millisecond,
			HomeTimeout:    60 * time.Second,
		},
		Scale: ScaleConfig{
			Serial: SerialConfig{
				Port:         "/dev/ttyUSB1",
				BaudRate:     9600,
				DataBits:     8,
				Parity:       "none",
				StopBits:     "1",
				RxBufferSize: 512,
			},
			Command:          "@P<CR><LF>",
			TareCommand:      "T\r\n",
			Repeats:          13,
			CharDelay:        7 * time.Millisecond,
			CommandDelay:     9 * time.Millisecond,
			ReadWindow:       160 * time.Millisecond,
			InterBurstDelay:  0,
			StaleAfter:       2 * time.Second,
			FaultAfterMisses: 5,
		},
		Dose: DoseConfig{
			SafeMaxFeedrate:      300,
			ContinuousDistanceMm: 1000,
			SettleDelay:          500 * time.Millisecond,
			NoProgressTimeout:    30 * time.Second,
			StatusPollInterval:   200 * time.Millisecond,
			FlowWindow:           5 * time.Second,
		},
		Pumps: []PumpConfig{
			{Axis: "X", Name: "Pump 1", CalibrationMlPerMm: 0.05, FlowRateMlPerMin: 7.5, DefaultVolumeMl: 5},
			{Axis: "Y", Name: "Pump 2", CalibrationMlPerMm: 0.05, FlowRateMlPerMin: 7.5, DefaultVolumeMl: 5},
			{Axis: "Z", Name: "Pump 3", CalibrationMlPerMm: 0.05, FlowRateMlPerMin: 7.5, DefaultVolumeMl: 5},
			{Axis: "A", Name: "Pump 4", CalibrationMlPerMm: 0.05, FlowRateMlPerMin: 7.5, DefaultVolumeMl: 5},
		},
		Recipes: []RecipeConfig{
			{Name: "Water Flush", FlowRateMlPerMin: 30, Steps: volumeSteps(10, 10, 10, 10)},
			{Name: "Color Mix A", FlowRateMlPerMin: 15, Steps: volumeSteps(5, 3, 2, 0)},
			{Name: "Color Mix B", FlowRateMlPerMin: 15, Steps: volumeSteps(3, 5, 2, 0)},
			{Name: "Nutrient 1:1", FlowRateMlPerMin: 20, Steps: volumeSteps(10, 10, 0, 0)},
		},
		Journal: JournalConfig{
			Path:     "",
			Capacity: 50,
		},
		Log: LogConfig{
			Level: "info",
		},
		Mock: MockConfig{
			DensityGPerMl: 1.0,
			NoiseLevel:    0.0,
			StartWeightG:  0.0,
			TickRate:      20 * time.Millisecond,
		},
	}
}

// volumeSteps builds X, Y, Z, A steps from per-pump volumes.
func volumeSteps(x, y, z, a float64) []RecipeStep {
	return []RecipeStep{
		{Axis: "X", VolumeMl: x},
		{Axis: "Y", VolumeMl: y},
		{Axis: "Z", VolumeMl: z},
		{Axis: "A", VolumeMl: a},
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ensureDefaults()

	return cfg, nil
}

// LoadEnv loads the given dotenv files (".env" when none are given) and
// applies DOSER_* overrides. Missing dotenv files are not an error.
func (c *Config) LoadEnv(files ...string) error {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}

	if v, ok := os.LookupEnv(EnvMotorPort); ok && v != "" {
		c.Motor.Serial.Port = v
	}
	if v, ok := os.LookupEnv(EnvScalePort); ok && v != "" {
		c.Scale.Serial.Port = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv(EnvJournalPath); ok {
		c.Journal.Path = v
	}
	if v, ok := os.LookupEnv(EnvMaxFeedrate); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return fmt.Errorf("invalid %s %q", EnvMaxFeedrate, v)
		}
		c.Dose.SafeMaxFeedrate = f
	}

	return nil
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

// Pump returns the pump configured for axis.
func (c *Config) Pump(axis string) (PumpConfig, bool) {
	for _, p := range c.Pumps {
		if p.Axis == axis {
			return p, true
		}
	}
	return PumpConfig{}, false
}

// Recipe returns the recipe with the given name.
func (c *Config) Recipe(name string) (RecipeConfig, bool) {
	for _, r := range c.Recipes {
		if r.Name == name {
			return r, true
		}
	}
	return RecipeConfig{}, false
}

// ensureDefaults ensures that all required fields have default values if missing.
// Durations that are valid at zero (inter-burst delays, stop lookahead) are left alone.
func (c *Config) ensureDefaults() {
	def := Default()

	c.Motor.Serial.ensureDefaults(def.Motor.Serial)
	c.Scale.Serial.ensureDefaults(def.Scale.Serial)

	if c.Motor.CommandTimeout == 0 {
		c.Motor.CommandTimeout = def.Motor.CommandTimeout
	}
	if c.Motor.StatusTimeout == 0 {
		c.Motor.StatusTimeout = def.Motor.StatusTimeout
	}
	if c.Motor.ResetSettle == 0 {
		c.Motor.ResetSettle = def.Motor.ResetSettle
	}
	if c.Motor.HomeTimeout == 0 {
		c.Motor.HomeTimeout = def.Motor.HomeTimeout
	}

	if c.Scale.Command == "" {
		c.Scale.Command = def.Scale.Command
	}
	if c.Scale.TareCommand == "" {
		c.Scale.TareCommand = def.Scale.TareCommand
	}
	if c.Scale.Repeats == 0 {
		c.Scale.Repeats = def.Scale.Repeats
	}
	if c.Scale.CharDelay == 0 {
		c.Scale.CharDelay = def.Scale.CharDelay
	}
	if c.Scale.CommandDelay == 0 {
		c.Scale.CommandDelay = def.Scale.CommandDelay
	}
	if c.Scale.ReadWindow == 0 {
		c.Scale.ReadWindow = def.Scale.ReadWindow
	}
	if c.Scale.StaleAfter == 0 {
		c.Scale.StaleAfter = def.Scale.StaleAfter
	}
	if c.Scale.FaultAfterMisses == 0 {
		c.Scale.FaultAfterMisses = def.Scale.FaultAfterMisses
	}

	if c.Dose.SafeMaxFeedrate == 0 {
		c.Dose.SafeMaxFeedrate = def.Dose.SafeMaxFeedrate
	}
	if c.Dose.ContinuousDistanceMm == 0 {
		c.Dose.ContinuousDistanceMm = def.Dose.ContinuousDistanceMm
	}
	if c.Dose.SettleDelay == 0 {
		c.Dose.SettleDelay = def.Dose.SettleDelay
	}
	if c.Dose.NoProgressTimeout == 0 {
		c.Dose.NoProgressTimeout = def.Dose.NoProgressTimeout
	}
	if c.Dose.StatusPollInterval == 0 {
		c.Dose.StatusPollInterval = def.Dose.StatusPollInterval
	}
	if c.Dose.FlowWindow == 0 {
		c.Dose.FlowWindow = def.Dose.FlowWindow
	}

	if len(c.Pumps) == 0 {
		c.Pumps = def.Pumps
	}
	if c.Recipes == nil {
		c.Recipes = def.Recipes
	}

	if c.Journal.Capacity == 0 {
		c.Journal.Capacity = def.Journal.Capacity
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}

	if c.Mock.DensityGPerMl == 0 {
		c.Mock.DensityGPerMl = def.Mock.DensityGPerMl
	}
	if c.Mock.TickRate == 0 {
		c.Mock.TickRate = def.Mock.TickRate
	}
}

func (s *SerialConfig) ensureDefaults(def SerialConfig) {
	if s.Port == "" {
		s.Port = def.Port
	}
	if s.BaudRate == 0 {
		s.BaudRate = def.BaudRate
	}
	if s.DataBits == 0 {
		s.DataBits = def.DataBits
	}
	if s.Parity == "" {
		s.Parity = def.Parity
	}
	if s.StopBits == "" {
		s.StopBits = def.StopBits
	}
	if s.RxBufferSize == 0 {
		s.RxBufferSize = def.RxBufferSize
	}
}
