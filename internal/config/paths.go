package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	appDirName = ".tether"
	homeEnvVar = "TETHER_HOME"
)

// DataDir returns the base data directory. TETHER_HOME overrides the default
// of ~/.tether.
func DataDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(homeEnvVar)); dir != "" {
		return filepath.Clean(dir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appDirName), nil
}

// ConfigPath returns the path to the TOML configuration file.
func ConfigPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "config.toml"), nil
}

// DefaultDBPath returns the default path of the bbolt listing database.
func DefaultDBPath() (string, error) {
	dataDir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "tether.db"), nil
}
