package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// ErrInvalidConfig is returned when a loaded config fails validation.
var ErrInvalidConfig = errors.New("invalid config")

// Load reads a JSONC (or YAML, by extension) config file, expands
// ${{ .Env.VAR }} templates, unmarshals it into Config, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes config data. ext selects YAML for ".yaml" and ".yml";
// anything else is read as JSON with comments.
func Parse(data []byte, ext string) (*Config, error) {
	// Expand environment variable templates (before parsing, since templates are in strings)
	expanded := []byte(expandEnvTemplates(string(data)))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	default:
		std, err := hujson.Standardize(expanded)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if err := json.Unmarshal(std, &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

// applyDefaults fills in zero-value fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Node.Environment == "" {
		cfg.Node.Environment = "production"
	}
	if cfg.Node.HeartbeatFile == "" {
		cfg.Node.HeartbeatFile = HeartbeatPath()
	}

	if len(cfg.Memory.Pools) == 0 {
		cfg.Memory.Pools = map[string]PoolConfig{
			"general":  {MaxBytes: 1 << 30, RevocableSoftLimit: 512 << 20},
			"reserved": {MaxBytes: 256 << 20},
		}
	}

	if cfg.Tasks.InfoMaxAge == 0 {
		cfg.Tasks.InfoMaxAge = Duration(15 * time.Minute)
	}
	if cfg.Tasks.TornDownMaxAge == 0 {
		cfg.Tasks.TornDownMaxAge = Duration(5 * time.Second)
	}
	if cfg.Tasks.ClientTimeout == 0 {
		cfg.Tasks.ClientTimeout = Duration(2 * time.Minute)
	}
	if cfg.Tasks.ReaperInterval == 0 {
		cfg.Tasks.ReaperInterval = Duration(10 * time.Second)
	}
	if cfg.Tasks.DefaultPool == "" {
		cfg.Tasks.DefaultPool = "general"
	}

	if cfg.Exchange.MaxWait == 0 {
		cfg.Exchange.MaxWait = Duration(time.Second)
	}
	if cfg.Exchange.MaxWaitLimit == 0 {
		cfg.Exchange.MaxWaitLimit = Duration(time.Minute)
	}
	if cfg.Exchange.MaxResponseSize == 0 {
		cfg.Exchange.MaxResponseSize = 16 << 20
	}
	if cfg.Exchange.MaxPages == 0 {
		cfg.Exchange.MaxPages = 128
	}

	if cfg.Drivers.PoolSize <= 0 {
		cfg.Drivers.PoolSize = runtime.NumCPU() * 2
	}
	if cfg.Drivers.Driver == "" {
		cfg.Drivers.Driver = "echo"
	}

	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate reports configuration errors that defaults cannot fix.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	for id, p := range c.Memory.Pools {
		if p.MaxBytes <= 0 {
			errs = append(errs, fmt.Errorf("memory.pools.%s.max_bytes must be positive", id))
		}
		if p.RevocableSoftLimit < 0 {
			errs = append(errs, fmt.Errorf("memory.pools.%s.revocable_soft_limit must not be negative", id))
		}
	}
	if _, ok := c.Memory.Pools[c.Tasks.DefaultPool]; !ok {
		errs = append(errs, fmt.Errorf("tasks.default_pool %q is not a configured pool", c.Tasks.DefaultPool))
	}
	if c.Exchange.MaxWait > c.Exchange.MaxWaitLimit {
		errs = append(errs, fmt.Errorf("exchange.max_wait %s exceeds max_wait_limit %s",
			c.Exchange.MaxWait.Duration(), c.Exchange.MaxWaitLimit.Duration()))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
