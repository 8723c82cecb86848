package trackdisk

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/trackdisk/pkg/fs"
)

// Config holds device-wide options.
type Config struct {
	// CacheBytes is the shared track cache budget. Zero disables the cache.
	CacheBytes int64 `json:"cache_bytes"` //nolint:tagliatelle // snake_case for config file

	// IdleInterval is the period of the idle maintenance tick that flushes
	// and spins down idled units.
	IdleInterval Duration `json:"idle_interval"` //nolint:tagliatelle // snake_case for config file

	// EjectRetryInterval spaces eject attempts while a unit is busy.
	EjectRetryInterval Duration `json:"eject_retry_interval"` //nolint:tagliatelle // snake_case for config file

	// DiskChecksums enables per-track and whole-disk checksums, which drive
	// duplicate-disk detection.
	DiskChecksums bool `json:"disk_checksums"` //nolint:tagliatelle // snake_case for config file

	// LowMemoryBytes is the free-memory floor below which cache memory is
	// released. Zero disables the pressure monitor.
	LowMemoryBytes uint64 `json:"low_memory_bytes"` //nolint:tagliatelle // snake_case for config file

	// PressureInterval is the free-memory polling period.
	PressureInterval Duration `json:"pressure_interval"` //nolint:tagliatelle // snake_case for config file
}

// ConfigSources tracks which config files were loaded.
type ConfigSources struct {
	Global   string // Path to global config if loaded, empty otherwise
	Explicit string // Path to explicit config if loaded, empty otherwise
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		IdleInterval:       Duration(2500 * time.Millisecond),
		EjectRetryInterval: Duration(500 * time.Millisecond),
		DiskChecksums:      true,
		PressureInterval:   Duration(time.Second),
	}
}

// Duration is a [time.Duration] that reads and writes as a Go duration
// string ("2.5s") in config files.
type Duration time.Duration

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}

	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

var (
	errConfigFileNotFound = errors.New("config file not found")
	errConfigFileRead     = errors.New("cannot read config file")
)

// fileConfig is the on-disk shape. Pointer fields distinguish "absent" from
// an explicit zero so later layers can override earlier ones with false/0.
type fileConfig struct {
	CacheBytes         *int64    `json:"cache_bytes"`          //nolint:tagliatelle // snake_case for config file
	IdleInterval       *Duration `json:"idle_interval"`        //nolint:tagliatelle // snake_case for config file
	EjectRetryInterval *Duration `json:"eject_retry_interval"` //nolint:tagliatelle // snake_case for config file
	DiskChecksums      *bool     `json:"disk_checksums"`       //nolint:tagliatelle // snake_case for config file
	LowMemoryBytes     *uint64   `json:"low_memory_bytes"`     //nolint:tagliatelle // snake_case for config file
	PressureInterval   *Duration `json:"pressure_interval"`    //nolint:tagliatelle // snake_case for config file
}

// LoadConfigInput configures [LoadConfig].
type LoadConfigInput struct {
	// ConfigPath is an explicit config file. It must exist when set.
	ConfigPath string

	// Env is consulted for XDG_CONFIG_HOME before the process environment.
	Env []string

	// FS reads the config files. Defaults to [fs.NewReal].
	FS fs.FS
}

// LoadConfig loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config (~/.config/trackdisk/config.json or $XDG_CONFIG_HOME/trackdisk/config.json)
// 3. Explicit config file via ConfigPath (if non-empty).
//
// Files are JSON with comments and trailing commas. Unknown fields are
// rejected. Every failure wraps [ErrConfigInvalid].
func LoadConfig(in LoadConfigInput) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	fsys := in.FS
	if fsys == nil {
		fsys = fs.NewReal()
	}

	var sources ConfigSources

	if globalPath := globalConfigPath(in.Env); globalPath != "" {
		fc, loaded, err := loadConfigFile(fsys, globalPath, false)
		if err != nil {
			return Config{}, ConfigSources{}, err
		}

		if loaded {
			sources.Global = globalPath
			cfg = mergeConfig(cfg, fc)
		}
	}

	if in.ConfigPath != "" {
		fc, _, err := loadConfigFile(fsys, in.ConfigPath, true)
		if err != nil {
			return Config{}, ConfigSources{}, err
		}

		sources.Explicit = in.ConfigPath
		cfg = mergeConfig(cfg, fc)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, ConfigSources{}, err
	}

	return cfg, sources, nil
}

// globalConfigPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME/trackdisk/config.json if set, otherwise
// ~/.config/trackdisk/config.json. Returns "" if neither can be determined.
func globalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok && after != "" {
			return filepath.Join(after, "trackdisk", "config.json")
		}
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "trackdisk", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "trackdisk", "config.json")
	}

	return ""
}

// loadConfigFile loads one layer. If mustExist is false a missing file is
// not an error and reports loaded=false.
func loadConfigFile(fsys fs.FS, path string, mustExist bool) (fileConfig, bool, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrNotExist) && !mustExist:
			return fileConfig{}, false, nil
		case errors.Is(err, os.ErrNotExist):
			return fileConfig{}, false, fmt.Errorf("%w: %w: %s", ErrConfigInvalid, errConfigFileNotFound, path)
		default:
			return fileConfig{}, false, fmt.Errorf("%w: %w: %s: %w", ErrConfigInvalid, errConfigFileRead, path, err)
		}
	}

	fc, err := parseConfig(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return fc, true, nil
}

func parseConfig(data []byte) (fileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var fc fileConfig

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&fc); err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return fc, nil
}

func mergeConfig(base Config, overlay fileConfig) Config {
	if overlay.CacheBytes != nil {
		base.CacheBytes = *overlay.CacheBytes
	}

	if overlay.IdleInterval != nil {
		base.IdleInterval = *overlay.IdleInterval
	}

	if overlay.EjectRetryInterval != nil {
		base.EjectRetryInterval = *overlay.EjectRetryInterval
	}

	if overlay.DiskChecksums != nil {
		base.DiskChecksums = *overlay.DiskChecksums
	}

	if overlay.LowMemoryBytes != nil {
		base.LowMemoryBytes = *overlay.LowMemoryBytes
	}

	if overlay.PressureInterval != nil {
		base.PressureInterval = *overlay.PressureInterval
	}

	return base
}

// Validate checks ranges. Errors wrap [ErrConfigInvalid].
func (c Config) Validate() error {
	var errs []error

	if c.CacheBytes < 0 {
		errs = append(errs, fmt.Errorf("cache_bytes must be >= 0, got %d", c.CacheBytes))
	}

	if c.IdleInterval <= 0 {
		errs = append(errs, fmt.Errorf("idle_interval must be > 0, got %s", c.IdleInterval.Std()))
	}

	if c.EjectRetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("eject_retry_interval must be > 0, got %s", c.EjectRetryInterval.Std()))
	}

	if c.LowMemoryBytes > 0 && c.PressureInterval <= 0 {
		errs = append(errs, fmt.Errorf("pressure_interval must be > 0, got %s", c.PressureInterval.Std()))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	return nil
}

// FormatConfig returns the config as formatted JSON.
func FormatConfig(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to format config: %w", err)
	}

	return string(data), nil
}
