// Package config provides configuration loading for the activities server.
//
// Configuration is loaded from a single YAML file specified by:
//   - the --config flag passed to the server, or
//   - the ACTIVITIES_CONFIG environment variable
//
// Without either, Default() is used as-is, which is enough for local
// development against ./data/activities.db. Command-line flags for the port
// and database path are applied on top of whatever was loaded.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata" // zone lookups must not depend on the host

	"github.com/warp/activities-sync/activities"
	"github.com/warp/activities-sync/generic"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "ACTIVITIES_CONFIG"

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Clock     ClockConfig     `yaml:"clock"`
	Logging   LoggingConfig   `yaml:"logging"`
	Reference ReferenceConfig `yaml:"reference"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port int `yaml:"port"`

	// ReadTimeout, WriteTimeout and ShutdownTimeout are Go durations ("15s").
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	// AllowedOrigins feeds the CORS middleware.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the database file, or ":memory:". ${VAR} is expanded.
	Path string `yaml:"path"`
}

// ClockConfig decides what "today" is.
type ClockConfig struct {
	// FixedDate pins today (YYYY-MM-DD). For test environments only.
	FixedDate string `yaml:"fixed_date"`

	// TimeZone is the IANA zone whose calendar date is "today". Default Europe/London.
	TimeZone string `yaml:"time_zone"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format: text or json.
	Format string `yaml:"format"`
}

// ReferenceConfig is reference data seeded into the store on start.
type ReferenceConfig struct {
	// IncentiveLevels maps a prison code to the levels offered there.
	IncentiveLevels map[string][]CodeEntry `yaml:"incentive_levels"`

	PayBands []CodeEntry `yaml:"pay_bands"`
}

// CodeEntry is a reference code with its description.
type CodeEntry struct {
	Code        string `yaml:"code"`
	Description string `yaml:"description"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     "15s",
			WriteTimeout:    "15s",
			ShutdownTimeout: "30s",
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Path: "./data/activities.db",
		},
		Clock: ClockConfig{
			TimeZone: "Europe/London",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from path, or from ACTIVITIES_CONFIG when path
// is empty. With neither set the defaults are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, on top of Default().
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default().
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.Database.Path = expandVars(cfg.Database.Path)
	return cfg, nil
}

// expandVars expands ${VAR} and ${VAR:-default} patterns from the environment.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks the configuration for errors. Every problem is reported.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	for name, value := range map[string]string{
		"server.read_timeout":     c.Server.ReadTimeout,
		"server.write_timeout":    c.Server.WriteTimeout,
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	if c.Clock.FixedDate != "" {
		if _, err := generic.ParseDate(c.Clock.FixedDate); err != nil {
			errs = append(errs, fmt.Errorf("clock.fixed_date: %w", err))
		}
	}
	if _, err := time.LoadLocation(c.Clock.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("clock.time_zone: %w", err))
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}

	for prison, levels := range c.Reference.IncentiveLevels {
		for _, l := range levels {
			if l.Code == "" {
				errs = append(errs, fmt.Errorf("reference.incentive_levels.%s: empty code", prison))
			}
		}
	}
	for _, b := range c.Reference.PayBands {
		if b.Code == "" {
			errs = append(errs, errors.New("reference.pay_bands: empty code"))
		}
	}

	return errors.Join(errs...)
}

// =============================================================================
// BUILDERS
// =============================================================================

// Timeouts returns the parsed server durations. Call after Validate.
func (s ServerConfig) Timeouts() (read, write, shutdown time.Duration) {
	read, _ = time.ParseDuration(s.ReadTimeout)
	write, _ = time.ParseDuration(s.WriteTimeout)
	shutdown, _ = time.ParseDuration(s.ShutdownTimeout)
	return read, write, shutdown
}

// NewClock returns a fixed clock when a date is pinned, else the system clock
// in the configured zone.
func (c ClockConfig) NewClock() (generic.Clock, error) {
	if c.FixedDate != "" {
		d, err := generic.ParseDate(c.FixedDate)
		if err != nil {
			return nil, err
		}
		return generic.FixedClock{Date: d}, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, err
	}
	return generic.NewSystemClock(loc), nil
}

// NewLogger builds the process logger writing to w.
func (c LoggingConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("logging.level %q unknown (debug, info, warn, error)", s)
}

// IncentiveLevelList flattens the per-prison map for seeding.
func (r ReferenceConfig) IncentiveLevelList() []activities.IncentiveLevel {
	var out []activities.IncentiveLevel
	for prison, levels := range r.IncentiveLevels {
		for _, l := range levels {
			out = append(out, activities.IncentiveLevel{
				Prison:      activities.PrisonID(prison),
				Code:        l.Code,
				Description: l.Description,
			})
		}
	}
	return out
}

// PayBandList converts the configured bands for seeding.
func (r ReferenceConfig) PayBandList() []activities.PayBand {
	out := make([]activities.PayBand, 0, len(r.PayBands))
	for _, b := range r.PayBands {
		out = append(out, activities.PayBand{Code: b.Code, Description: b.Description})
	}
	return out
}
