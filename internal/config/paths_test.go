package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestPathsDefaultToHome(t *testing.T) {
	t.Setenv("TETHER_HOME", "")
	t.Setenv("HOME", filepath.Join(t.TempDir(), "home"))

	dataDir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	if !strings.HasSuffix(dataDir, ".tether") {
		t.Fatalf("unexpected data dir: %s", dataDir)
	}

	configPath, err := ConfigPath()
	if err != nil {
		t.Fatalf("ConfigPath: %v", err)
	}
	if !strings.HasSuffix(configPath, filepath.Join(".tether", "config.toml")) {
		t.Fatalf("unexpected config path: %s", configPath)
	}

	dbPath, err := DefaultDBPath()
	if err != nil {
		t.Fatalf("DefaultDBPath: %v", err)
	}
	if !strings.HasSuffix(dbPath, filepath.Join(".tether", "tether.db")) {
		t.Fatalf("unexpected db path: %s", dbPath)
	}
}

func TestPathsHonorOverride(t *testing.T) {
	root := filepath.Join(t.TempDir(), "custom")
	t.Setenv("TETHER_HOME", root+"/")

	dataDir, err := DataDir()
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	if dataDir != root {
		t.Fatalf("unexpected data dir: got=%q want=%q", dataDir, root)
	}
	configPath, _ := ConfigPath()
	if configPath != filepath.Join(root, "config.toml") {
		t.Fatalf("unexpected config path: %s", configPath)
	}
}
