// Package config loads facet's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chazu/facet/pkg/kernel"
)

// Config is the complete facet configuration. Zero fields are filled from
// Default by Load.
type Config struct {
	Tessellation Tessellation `yaml:"tessellation"`
	Collab       Collab       `yaml:"collab"`
	Relay        Relay        `yaml:"relay"`
	Log          Log          `yaml:"log"`
}

// Tessellation configures the worker's meshing pipeline.
type Tessellation struct {
	Tolerance   kernel.Tolerance `yaml:"tolerance"`
	Parallelism int              `yaml:"parallelism"`
	// CacheMaxEntries bounds each shape cache; 0 keeps it unbounded.
	CacheMaxEntries int  `yaml:"cacheMaxEntries"`
	MinCells        int  `yaml:"minCells"`
	MaxCells        int  `yaml:"maxCells"`
	Preempt         bool `yaml:"preempt"`
}

// Collab configures awareness publishing.
type Collab struct {
	ThrottleInterval time.Duration `yaml:"throttleInterval"`
}

// Relay configures the collaboration relay.
type Relay struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"dataDir"`
	// URL is the relay a client session joins, e.g. ws://host:8420.
	URL  string `yaml:"url,omitempty"`
	Room string `yaml:"room,omitempty"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Tessellation: Tessellation{
			Tolerance:   kernel.DefaultTolerance,
			Parallelism: runtime.GOMAXPROCS(0),
			MinCells:    32,
			MaxCells:    128,
		},
		Collab: Collab{ThrottleInterval: 100 * time.Millisecond},
		Relay:  Relay{Listen: ":8420", DataDir: defaultDataDir(), Room: "default"},
		Log:    Log{Level: "info", Format: "text"},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "facet")
	}
	return ".facet"
}

// Load reads path over Default. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Write stores cfg at path, creating parent directories.
func Write(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Encode writes cfg to w as YAML.
func Encode(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	return enc.Close()
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	t := c.Tessellation
	switch {
	case t.Tolerance.Linear <= 0:
		return errors.New("tessellation.tolerance.linear must be positive")
	case t.Tolerance.Angular <= 0:
		return errors.New("tessellation.tolerance.angular must be positive")
	case t.Parallelism < 1:
		return errors.New("tessellation.parallelism must be at least 1")
	case t.CacheMaxEntries < 0:
		return errors.New("tessellation.cacheMaxEntries must not be negative")
	case t.MinCells < 1 || t.MaxCells < t.MinCells:
		return fmt.Errorf("tessellation cell range %d..%d is invalid", t.MinCells, t.MaxCells)
	case c.Collab.ThrottleInterval <= 0:
		return errors.New("collab.throttleInterval must be positive")
	case c.Relay.Listen == "":
		return errors.New("relay.listen must be set")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q must be text or json", c.Log.Format)
	}
	return nil
}

func (l Log) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// Logger builds the slog logger described by l, writing to w.
func (l Log) Logger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
