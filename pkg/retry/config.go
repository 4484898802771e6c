package retry

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Strategy maps an attempt number to a delay.
type Strategy string

const (
	Exponential Strategy = "exponential"
	Linear      Strategy = "linear"
	Fixed       Strategy = "fixed"
	Immediate   Strategy = "immediate"
)

// ParseStrategy maps a config value onto a Strategy. Empty means exponential.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return Exponential, nil
	case Exponential, Linear, Fixed, Immediate:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown retry strategy %q", s)
}

// MinDelay is the shortest delay any strategy produces.
const MinDelay = time.Second

// Config governs how a failed job is retried.
type Config struct {
	MaxRetries int           `json:"max_retries"`
	Strategy   Strategy      `json:"strategy"`
	BaseDelay  time.Duration `json:"base_delay"`
	MaxDelay   time.Duration `json:"max_delay"`
	Multiplier float64       `json:"multiplier"`
}

// DefaultConfig is used when a job names no policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		Strategy:   Exponential,
		BaseDelay:  5 * time.Second,
		MaxDelay:   300 * time.Second,
		Multiplier: 2.0,
	}
}

// Named policies a job can request through its RetryPolicy field.
const (
	PresetQuick        = "quick"
	PresetStandard     = "standard"
	PresetAggressive   = "aggressive"
	PresetConservative = "conservative"
)

var presets = map[string]Config{
	PresetQuick: {
		MaxRetries: 2,
		Strategy:   Fixed,
		BaseDelay:  5 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 1.0,
	},
	PresetStandard: {
		MaxRetries: 3,
		Strategy:   Exponential,
		BaseDelay:  10 * time.Second,
		MaxDelay:   300 * time.Second,
		Multiplier: 2.0,
	},
	PresetAggressive: {
		MaxRetries: 5,
		Strategy:   Exponential,
		BaseDelay:  5 * time.Second,
		MaxDelay:   600 * time.Second,
		Multiplier: 1.5,
	},
	PresetConservative: {
		MaxRetries: 3,
		Strategy:   Linear,
		BaseDelay:  60 * time.Second,
		MaxDelay:   1800 * time.Second,
		Multiplier: 1.0,
	},
}

// Preset returns a named policy.
func Preset(name string) (Config, bool) {
	cfg, ok := presets[name]
	return cfg, ok
}

// PresetNames lists the named policies in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.BaseDelay < 0 {
		return fmt.Errorf("base_delay must not be negative")
	}
	if c.MaxDelay < MinDelay {
		return fmt.Errorf("max_delay must be at least %s", MinDelay)
	}
	if c.Strategy == Exponential && c.Multiplier < 1 {
		return fmt.Errorf("multiplier must be at least 1 for exponential backoff")
	}
	return nil
}

// Delay returns the wait before the next attempt of a job that has
// already been retried retryCount times, clamped to [MinDelay, MaxDelay].
func (c Config) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	var secs float64
	base := c.BaseDelay.Seconds()
	switch c.Strategy {
	case Linear:
		secs = base * float64(retryCount+1)
	case Fixed:
		secs = base
	case Immediate:
		secs = 0
	default:
		secs = base * math.Pow(c.Multiplier, float64(retryCount))
	}

	maxSecs := c.MaxDelay.Seconds()
	if maxSecs < MinDelay.Seconds() {
		maxSecs = MinDelay.Seconds()
	}
	secs = math.Min(math.Max(secs, MinDelay.Seconds()), maxSecs)
	return time.Duration(secs * float64(time.Second))
}
