// Package config holds the pagebrowse manager's configuration: pool sizing,
// browser selection, navigation policy and where screenshots may be written.
// Configuration is read from YAML and overridden by command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/entrhq/pagebrowse/pkg/logging"
)

// Config represents the configuration of a pagebrowse manager process
type Config struct {
	// PoolSize, when positive, creates the pool at startup instead of
	// waiting for an Initialize request.
	PoolSize int  `yaml:"pool_size" json:"pool_size"`
	Visible  bool `yaml:"visible" json:"visible"`

	// InitScript runs in every page before its own scripts. InitScriptFile
	// is read when InitScript is empty.
	InitScript     string `yaml:"init_script" json:"init_script"`
	InitScriptFile string `yaml:"init_script_file" json:"init_script_file"`

	// Browser engine settings
	Browser BrowserConfig `yaml:"browser" json:"browser"`

	// Navigation policy
	Navigation NavigationConfig `yaml:"navigation" json:"navigation"`

	// Screenshot output restrictions
	Screenshots ScreenshotConfig `yaml:"screenshots" json:"screenshots"`

	// MetricsAddr serves Prometheus metrics when set, e.g. "127.0.0.1:9464".
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// BrowserConfig selects and tunes the browser engine
type BrowserConfig struct {
	// Name is one of chromium, firefox or webkit
	Name     string   `yaml:"name" json:"name"`
	Install  bool     `yaml:"install" json:"install"`
	Timeout  Duration `yaml:"timeout" json:"timeout"`
	Viewport Viewport `yaml:"viewport" json:"viewport"`
}

// Viewport is the initial page size of every window
type Viewport struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// NavigationConfig lists URL glob patterns. Denied patterns take
// precedence; an empty allow list allows everything not denied. '*' stays
// within one '/'-separated segment and '**' spans segments.
type NavigationConfig struct {
	Allowed []string `yaml:"allowed" json:"allowed"`
	Denied  []string `yaml:"denied" json:"denied"`
}

// ScreenshotConfig restricts where Screenshot requests may write
type ScreenshotConfig struct {
	// Dir confines screenshot paths when set. Relative paths are resolved
	// against it.
	Dir string `yaml:"dir" json:"dir"`
}

// LoggingConfig defines logging configuration
type LoggingConfig struct {
	// Level is one of debug, info, warn or error
	Level string `yaml:"level" json:"level"`
	// Stderr logs to stderr instead of the session log file
	Stderr bool `yaml:"stderr" json:"stderr"`
}

// Duration is a time.Duration that reads "30s" style strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// DefaultConfig returns a configuration with the defaults used when no file
// is given
func DefaultConfig() *Config {
	return &Config{
		Browser: BrowserConfig{
			Name:     "chromium",
			Timeout:  Duration{30 * time.Second},
			Viewport: Viewport{Width: 1280, Height: 720},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFile reads a YAML configuration file on top of DefaultConfig
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// A relative init script path is relative to the config file.
	if cfg.InitScriptFile != "" && !filepath.IsAbs(cfg.InitScriptFile) {
		cfg.InitScriptFile = filepath.Join(filepath.Dir(path), cfg.InitScriptFile)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size cannot be negative")
	}

	switch c.Browser.Name {
	case "chromium", "firefox", "webkit":
	default:
		return fmt.Errorf("invalid browser: %s (must be 'chromium', 'firefox', or 'webkit')", c.Browser.Name)
	}

	if c.Browser.Timeout.Duration < 0 {
		return fmt.Errorf("browser timeout cannot be negative")
	}

	if c.Browser.Viewport.Width < 0 || c.Browser.Viewport.Height < 0 {
		return fmt.Errorf("viewport dimensions cannot be negative")
	}

	if c.InitScript != "" && c.InitScriptFile != "" {
		return fmt.Errorf("init_script and init_script_file are mutually exclusive")
	}

	if _, err := NewNavigationPolicy(c.Navigation.Allowed, c.Navigation.Denied); err != nil {
		return err
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging level: %w", err)
	}

	return nil
}

// LoadInitScript returns the configured init script, reading
// InitScriptFile if needed. It returns nil when no script is configured.
func (c *Config) LoadInitScript() (*string, error) {
	if c.InitScript != "" {
		script := c.InitScript
		return &script, nil
	}
	if c.InitScriptFile == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.InitScriptFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read init script: %w", err)
	}
	script := string(data)
	return &script, nil
}

// Resolve maps a requested screenshot path to the path that will be
// written. Without a configured Dir the path is used as given.
func (s ScreenshotConfig) Resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("screenshot path is required")
	}
	if s.Dir == "" {
		return path, nil
	}

	root, err := filepath.Abs(s.Dir)
	if err != nil {
		return "", fmt.Errorf("invalid screenshot directory: %w", err)
	}

	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(root, target)
	}
	target = filepath.Clean(target)

	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("screenshot path %s is outside %s", path, root)
	}
	return target, nil
}
