// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host string `json:"host" yaml:"host"`
		Port int    `json:"port" yaml:"port"`
	} `json:"server" yaml:"server"`

	Repository RepositoryConfig `json:"repository" yaml:"repository"`
	Hooks      HooksConfig      `json:"hooks" yaml:"hooks"`

	Environment string `json:"environment" yaml:"environment"` // dev, prod
	LogLevel    string `json:"log_level" yaml:"log_level"`     // debug, info, warn, error, none
}

// RepositoryConfig holds the per-repository storage settings. Sizes are
// human readable ("64KiB", "1MiB").
type RepositoryConfig struct {
	Path             string `json:"path" yaml:"path"`
	ShardSize        int64  `json:"shard_size" yaml:"shard_size"`
	MaxDeltaChain    int    `json:"max_delta_chain" yaml:"max_delta_chain"`
	DeltaWindowSize  string `json:"delta_window_size" yaml:"delta_window_size"`
	DeltaCompression string `json:"delta_compression" yaml:"delta_compression"`
	RevpropPackSize  string `json:"revprop_pack_size" yaml:"revprop_pack_size"`
	PackCompression  string `json:"pack_compression" yaml:"pack_compression"`
	CacheSize        int    `json:"cache_size" yaml:"cache_size"`
	AutoUnlock       bool   `json:"auto_unlock" yaml:"auto_unlock"`
}

type HooksConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Dir     string `json:"dir" yaml:"dir"`
	Timeout string `json:"timeout" yaml:"timeout"`
}

func Default() *Config {
	var cfg Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 8690
	cfg.Repository = DefaultRepository()
	cfg.Hooks = HooksConfig{Timeout: "30s"}
	cfg.Environment = "development"
	cfg.LogLevel = "info"
	return &cfg
}

func DefaultRepository() RepositoryConfig {
	return RepositoryConfig{
		Path:             "repo",
		ShardSize:        1000,
		MaxDeltaChain:    16,
		DeltaWindowSize:  "100KiB",
		DeltaCompression: "zstd",
		RevpropPackSize:  "64KiB",
		PackCompression:  "lz4",
		CacheSize:        1024,
		AutoUnlock:       true,
	}
}

func getConfigPath() string {
	env := os.Getenv("REVFS_ENV")
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.json", env)
}

// Load reads a JSON or YAML file (chosen by extension) over the defaults.
// An empty path falls back to config/config.<REVFS_ENV>.json.
func Load(path string) (*Config, error) {
	if path == "" {
		path = getConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Repository.Validate(); err != nil {
		return err
	}
	if _, err := c.Hooks.TimeoutDuration(); err != nil {
		return err
	}
	return nil
}

func (r RepositoryConfig) Validate() error {
	if r.ShardSize <= 0 {
		return fmt.Errorf("shard_size must be positive, got %d", r.ShardSize)
	}
	if r.MaxDeltaChain < 0 {
		return fmt.Errorf("max_delta_chain must not be negative, got %d", r.MaxDeltaChain)
	}
	if _, err := r.WindowSize(); err != nil {
		return err
	}
	if _, err := r.RevpropPackBytes(); err != nil {
		return err
	}
	for _, name := range []string{r.DeltaCompression, r.PackCompression} {
		switch name {
		case "", "none", "lz4", "zstd":
		default:
			return fmt.Errorf("unknown compression %q", name)
		}
	}
	return nil
}

func (r RepositoryConfig) WindowSize() (int, error) {
	n, err := parseSize(r.DeltaWindowSize, "delta_window_size")
	return int(n), err
}

func (r RepositoryConfig) RevpropPackBytes() (int64, error) {
	return parseSize(r.RevpropPackSize, "revprop_pack_size")
}

func parseSize(s, field string) (int64, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", field, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive", field)
	}
	return n, nil
}

// TimeoutDuration returns the hook timeout; zero means no timeout.
func (h HooksConfig) TimeoutDuration() (time.Duration, error) {
	if h.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(h.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing hooks.timeout: %w", err)
	}
	return d, nil
}
