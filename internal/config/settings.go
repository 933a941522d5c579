package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"tether/internal/types"
)

const (
	defaultLogLevel       = "info"
	defaultMaxAttempts    = 3
	defaultBackoffStep    = time.Second
	defaultBackoffMax     = 5 * time.Second
	defaultEventPath      = "/event"
	defaultRequestTimeout = 30 * time.Second
	defaultUsername       = "opencode"
)

type Config struct {
	Logging     LoggingConfig     `toml:"logging"`
	Transport   TransportConfig   `toml:"transport"`
	Backend     BackendConfig     `toml:"backend"`
	Preferences types.Preferences `toml:"preferences"`
	Store       StoreConfig       `toml:"store"`
	Instances   []InstanceConfig  `toml:"instances"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file,omitempty"`
}

type TransportConfig struct {
	MaxAttempts int    `toml:"max_attempts"`
	BackoffStep string `toml:"backoff_step"`
	BackoffMax  string `toml:"backoff_max"`
	EventPath   string `toml:"event_path"`
}

type BackendConfig struct {
	RequestTimeout string `toml:"request_timeout"`
	Username       string `toml:"username"`
}

type StoreConfig struct {
	Path string `toml:"path,omitempty"`
}

type InstanceConfig struct {
	ID        string `toml:"id"`
	BaseURL   string `toml:"base_url"`
	Directory string `toml:"directory,omitempty"`
	Token     string `toml:"token,omitempty"`
}

func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: defaultLogLevel},
		Transport: TransportConfig{
			MaxAttempts: defaultMaxAttempts,
			BackoffStep: defaultBackoffStep.String(),
			BackoffMax:  defaultBackoffMax.String(),
			EventPath:   defaultEventPath,
		},
		Backend: BackendConfig{
			RequestTimeout: defaultRequestTimeout.String(),
			Username:       defaultUsername,
		},
	}
}

// Load reads the config file over the defaults. A missing file yields the
// defaults.
func Load() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Config{}, err
	}
	return LoadFromPath(path)
}

func LoadFromPath(path string) (Config, error) {
	cfg := Default()
	if err := readTOML(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	seen := map[string]struct{}{}
	for idx, inst := range c.Instances {
		id := strings.TrimSpace(inst.ID)
		if id == "" {
			return fmt.Errorf("instances[%d]: id is required", idx)
		}
		if strings.TrimSpace(inst.BaseURL) == "" {
			return fmt.Errorf("instance %q: base_url is required", id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("instance %q: duplicate id", id)
		}
		seen[id] = struct{}{}
	}
	for name, raw := range map[string]string{
		"transport.backoff_step":  c.Transport.BackoffStep,
		"transport.backoff_max":   c.Transport.BackoffMax,
		"backend.request_timeout": c.Backend.RequestTimeout,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := time.ParseDuration(strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Encode renders the config as TOML.
func (c Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

func (c Config) LogLevel() string {
	level := strings.TrimSpace(c.Logging.Level)
	if level == "" {
		return defaultLogLevel
	}
	return level
}

// LogFile returns the resolved log file path, or "" for stderr.
func (c Config) LogFile() (string, error) {
	if strings.TrimSpace(c.Logging.File) == "" {
		return "", nil
	}
	return resolveConfigPath(c.Logging.File)
}

func (c Config) MaxAttempts() int {
	if c.Transport.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return c.Transport.MaxAttempts
}

func (c Config) BackoffStep() time.Duration {
	return durationOr(c.Transport.BackoffStep, defaultBackoffStep)
}

func (c Config) BackoffMax() time.Duration {
	return durationOr(c.Transport.BackoffMax, defaultBackoffMax)
}

func (c Config) EventPath() string {
	path := strings.TrimSpace(c.Transport.EventPath)
	if path == "" {
		return defaultEventPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func (c Config) RequestTimeout() time.Duration {
	return durationOr(c.Backend.RequestTimeout, defaultRequestTimeout)
}

func (c Config) Username() string {
	name := strings.TrimSpace(c.Backend.Username)
	if name == "" {
		return defaultUsername
	}
	return name
}

// DBPath returns the resolved bbolt path.
func (c Config) DBPath() (string, error) {
	if strings.TrimSpace(c.Store.Path) == "" {
		return DefaultDBPath()
	}
	return resolveConfigPath(c.Store.Path)
}

func (c Config) Instance(id string) (InstanceConfig, bool) {
	id = strings.TrimSpace(id)
	for _, inst := range c.Instances {
		if strings.TrimSpace(inst.ID) == id {
			return inst, true
		}
	}
	return InstanceConfig{}, false
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func readTOML(path string, out any) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	return toml.Unmarshal(data, out)
}

func resolveConfigPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("path is required")
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	if filepath.IsAbs(path) {
		return path, nil
	}
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, path), nil
}
