// Package config loads the engine configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/shaban/appmixer/dsp"
	"github.com/shaban/appmixer/tap"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root of the YAML document. Durations are Go duration
// strings ("3s", "250ms").
type Config struct {
	Health     Health         `yaml:"health"`
	Permission Permission     `yaml:"permission"`
	Crossfade  Crossfade      `yaml:"crossfade"`
	Recovery   Recovery       `yaml:"recovery"`
	Volume     Volume         `yaml:"volume"`
	Logging    Logging        `yaml:"logging"`
	Apps       map[string]App `yaml:"apps"`
}

// Health tunes the periodic session health check.
type Health struct {
	Interval           time.Duration `yaml:"interval"`
	FrozenWindow       time.Duration `yaml:"frozen_window"`
	FrozenMinCallbacks uint64        `yaml:"frozen_min_callbacks"`
}

// Permission tunes capture-permission confirmation.
type Permission struct {
	MinCallbacks  uint64        `yaml:"min_callbacks"`
	MinInputPeak  float32       `yaml:"min_input_peak"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Crossfade tunes device switching.
type Crossfade struct {
	Duration      time.Duration `yaml:"duration"`
	WarmupTimeout time.Duration `yaml:"warmup_timeout"`
	Timeout       time.Duration `yaml:"timeout"`
}

// Recovery tunes audio-service restart handling.
type Recovery struct {
	StabilizationDelay time.Duration `yaml:"stabilization_delay"`
}

// Volume holds defaults for new applications.
type Volume struct {
	Default  float32       `yaml:"default"`
	RampTime time.Duration `yaml:"ramp_time"`
}

// Logging configures the standard logrus logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// App seeds the preferences of one application, keyed by bundle id or name.
type App struct {
	Volume *float32  `yaml:"volume"`
	Muted  bool      `yaml:"muted"`
	Device string    `yaml:"device"`
	EQ     []float64 `yaml:"eq"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Health: Health{
			Interval:           3 * time.Second,
			FrozenWindow:       10 * time.Second,
			FrozenMinCallbacks: 50,
		},
		Permission: Permission{
			MinCallbacks:  10,
			MinInputPeak:  1e-4,
			CheckInterval: 500 * time.Millisecond,
		},
		Crossfade: Crossfade{
			Duration:      50 * time.Millisecond,
			WarmupTimeout: 500 * time.Millisecond,
			Timeout:       time.Second,
		},
		Recovery: Recovery{
			StabilizationDelay: 2 * time.Second,
		},
		Volume: Volume{
			Default:  1,
			RampTime: 30 * time.Millisecond,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and names.
func (c Config) Validate() error {
	var errs []error
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"health.interval", c.Health.Interval},
		{"permission.check_interval", c.Permission.CheckInterval},
		{"crossfade.duration", c.Crossfade.Duration},
		{"crossfade.warmup_timeout", c.Crossfade.WarmupTimeout},
		{"crossfade.timeout", c.Crossfade.Timeout},
		{"volume.ramp_time", c.Volume.RampTime},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", d.name, d.value))
		}
	}
	if c.Crossfade.Timeout < c.Crossfade.Duration {
		errs = append(errs, fmt.Errorf("crossfade.timeout %v is shorter than crossfade.duration %v", c.Crossfade.Timeout, c.Crossfade.Duration))
	}
	if c.Recovery.StabilizationDelay < 0 {
		errs = append(errs, fmt.Errorf("recovery.stabilization_delay must not be negative"))
	}
	if c.Volume.Default < 0 || c.Volume.Default > tap.MaxVolume {
		errs = append(errs, fmt.Errorf("volume.default %v outside [0, %v]", c.Volume.Default, tap.MaxVolume))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not text or json", c.Logging.Format))
	}
	for key, app := range c.Apps {
		if app.Volume != nil && (*app.Volume < 0 || *app.Volume > tap.MaxVolume) {
			errs = append(errs, fmt.Errorf("apps.%s.volume %v outside [0, %v]", key, *app.Volume, tap.MaxVolume))
		}
		if len(app.EQ) > dsp.BandCount {
			errs = append(errs, fmt.Errorf("apps.%s.eq has %d bands, at most %d", key, len(app.EQ), dsp.BandCount))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Session derives the tap session parameters.
func (c Config) Session() tap.Config {
	cfg := tap.DefaultConfig()
	cfg.RampTime = c.Volume.RampTime
	cfg.WarmupTimeout = c.Crossfade.WarmupTimeout
	cfg.CrossfadeDuration = c.Crossfade.Duration
	cfg.CrossfadeTimeout = c.Crossfade.Timeout
	return cfg
}

// EQSettings converts the configured band list; a present list enables the
// equalizer.
func (a App) EQSettings() dsp.EQSettings {
	var s dsp.EQSettings
	if len(a.EQ) == 0 {
		return s
	}
	copy(s.Gains[:], a.EQ)
	s.Enabled = true
	return s.Clamped()
}

// Apply configures logger (the standard logger when nil).
func (l Logging) Apply(logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return fmt.Errorf("%w: logging.level: %w", ErrInvalid, err)
	}
	logger.SetLevel(level)
	switch strings.ToLower(l.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	}
	return nil
}
