// Package config reads the client configuration file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	DefaultLocation = "https://portal.g-node.org/data"
	DefaultOdmlRepo = "http://portal.g-node.org/odml/terminologies/v1.0/terminologies.xml"
	DefaultTimeout  = 30 * time.Second
	DefaultWorkers  = 20
	DefaultMinFree  = 100

	appName  = "gnode"
	fileName = "config.json"
)

// Config is the session configuration. The file is JSON; since JSON is a
// subset of YAML the same loader accepts YAML files.
type Config struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Location is the base URL of the service.
	Location string        `yaml:"location"`
	CacheDir string        `yaml:"cache_dir"`
	LogDir   string        `yaml:"log_dir"`
	OdmlRepo string        `yaml:"odml_repo"`
	Timeout  time.Duration `yaml:"timeout"`
	Workers  int           `yaml:"workers"`
	Retries  int           `yaml:"retries"`
	LogLevel string        `yaml:"log_level"`
	// MinFreeMB keeps the cache index from filling the disk.
	MinFreeMB int `yaml:"min_free_mb"`

	Logger *slog.Logger `yaml:"-"`
	// Prompt is asked for the password when none is configured.
	Prompt    func(username string) (string, error) `yaml:"-"`
	Transport http.RoundTripper                     `yaml:"-"`
}

// DefaultPath is the config file under the user config directory.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return fileName
	}
	return filepath.Join(dir, appName, fileName)
}

// Default returns a configuration with every optional key filled in.
func Default() Config {
	c := Config{}
	c.fill()
	return c
}

// WithDefaults returns c with the empty optional keys filled in.
func (c Config) WithDefaults() Config {
	c.fill()
	return c
}

func (c *Config) fill() {
	if c.Location == "" {
		c.Location = DefaultLocation
	}
	if c.OdmlRepo == "" {
		c.OdmlRepo = DefaultOdmlRepo
	}
	if c.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			base = os.TempDir()
		}
		c.CacheDir = filepath.Join(base, appName)
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MinFreeMB <= 0 {
		c.MinFreeMB = DefaultMinFree
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Load reads path and fills the keys it leaves out. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	var c Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return c, fmt.Errorf("config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &c); err != nil {
			return c, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	c.fill()
	return c, c.Validate()
}

func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimRight(c.Location, "/"))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config: location %q is not an http(s) url", c.Location)
	}
	if c.CacheDir == "" {
		return errors.New("config: cache_dir is empty")
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); c.LogLevel != "" && err != nil {
		return fmt.Errorf("config: log_level %q: %w", c.LogLevel, err)
	}
	return nil
}

// Level is LogLevel as a slog level; unknown values mean info.
func (c Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
