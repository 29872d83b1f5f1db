// Package config provides configuration for the console and the dev backend.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/mizkun/project-anima3-sub000/internal/archive"
	"github.com/mizkun/project-anima3-sub000/internal/domain"
)

// EnvPrefix prefixes every environment override. Levels are separated by "__",
// e.g. ANIMA_POLL__INTERVAL=5s.
const EnvPrefix = "ANIMA_"

// DefaultFile is read when no explicit path is given.
const DefaultFile = "anima.yaml"

// MaxReconnectAttempts bounds channel.max_attempts.
const MaxReconnectAttempts = 100

// Config holds the full configuration.
type Config struct {
	Backend   BackendConfig   `koanf:"backend"`
	Poll      PollConfig      `koanf:"poll"`
	Channel   ChannelConfig   `koanf:"channel"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Log       LogConfig       `koanf:"log"`
	DevServer DevServerConfig `koanf:"devserver"`

	// Simulation is the initial simulation config, decoded by its json keys
	// from the "simulation" section.
	Simulation domain.SimulationConfig `koanf:"-"`
}

type BackendConfig struct {
	URL         string        `koanf:"url"`
	WSURL       string        `koanf:"ws_url"` // derived from url when empty
	Timeout     time.Duration `koanf:"timeout"`
	RemotePause bool          `koanf:"remote_pause"`
}

type PollConfig struct {
	Interval time.Duration `koanf:"interval"`
}

type ChannelConfig struct {
	BaseDelay   time.Duration `koanf:"base_delay"`
	MaxAttempts int           `koanf:"max_attempts"`
	MaxDelay    time.Duration `koanf:"max_delay"`
	ReadLimit   int64         `koanf:"read_limit"`
}

// ArchiveConfig selects the local run archive. An empty DSN disables it.
type ArchiveConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type TelemetryConfig struct {
	Enabled bool `koanf:"enabled"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type DevServerConfig struct {
	Port         int           `koanf:"port"`
	TurnInterval time.Duration `koanf:"turn_interval"`
}

var defaults = map[string]any{
	"backend.url":             "http://localhost:8000",
	"backend.timeout":         "30s",
	"backend.remote_pause":    false,
	"poll.interval":           "2s",
	"channel.base_delay":      "1s",
	"channel.max_attempts":    5,
	"channel.max_delay":       "5m",
	"channel.read_limit":      1 << 20,
	"archive.driver":          archive.DriverPure,
	"telemetry.enabled":       false,
	"log.level":               "info",
	"log.format":              "json",
	"devserver.port":          8000,
	"devserver.turn_interval": "0s",

	"simulation.llm_provider":   "gemini",
	"simulation.model_name":     "gemini-1.5-flash",
	"simulation.max_turns":      10,
	"simulation.max_steps":      100,
	"simulation.temperature":    0.7,
	"simulation.max_tokens":     1024,
	"simulation.scene_file":     "scenes/default.yaml",
	"simulation.characters_dir": "characters",
	"simulation.prompts_dir":    "prompts",
}

// Load reads defaults, then the YAML file at path (DefaultFile when empty; a
// missing file is fine), then ANIMA_ environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, val := range defaults {
		if !k.Exists(key) {
			k.Set(key, val)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := k.UnmarshalWithConf("simulation", &cfg.Simulation, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, fmt.Errorf("failed to decode simulation config: %w", err)
	}

	if cfg.Backend.WSURL == "" {
		ws, err := DeriveWSURL(cfg.Backend.URL)
		if err != nil {
			return nil, err
		}
		cfg.Backend.WSURL = ws
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Backend.URL == "" {
		errs = append(errs, errors.New("backend.url is required"))
	}
	if c.Backend.Timeout <= 0 {
		errs = append(errs, errors.New("backend.timeout must be positive"))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, errors.New("poll.interval must be positive"))
	}
	if c.Channel.BaseDelay <= 0 {
		errs = append(errs, errors.New("channel.base_delay must be positive"))
	}
	if c.Channel.MaxAttempts < 0 || c.Channel.MaxAttempts > MaxReconnectAttempts {
		errs = append(errs, fmt.Errorf("channel.max_attempts must be between 0 and %d", MaxReconnectAttempts))
	}
	if c.Channel.MaxDelay < c.Channel.BaseDelay {
		errs = append(errs, errors.New("channel.max_delay must not be below channel.base_delay"))
	}
	switch c.Archive.Driver {
	case archive.DriverCGO, archive.DriverPure:
	default:
		errs = append(errs, fmt.Errorf("archive.driver %q is not supported", c.Archive.Driver))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not supported", c.Log.Format))
	}
	if c.Simulation.MaxTurns <= 0 {
		errs = append(errs, errors.New("simulation.max_turns must be positive"))
	}
	if c.DevServer.TurnInterval < 0 {
		errs = append(errs, errors.New("devserver.turn_interval must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DeriveWSURL maps an http(s) backend URL to its push channel URL.
func DeriveWSURL(backendURL string) (string, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return "", fmt.Errorf("invalid backend.url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid backend.url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}
