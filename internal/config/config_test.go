package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.UseRecycleBin = false
	cfg.PinnedChannels = map[string]int{"+15550100": 2}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.UseRecycleBin {
		t.Error("UseRecycleBin = true, want false")
	}
	if loaded.PinnedChannels["+15550100"] != 2 {
		t.Errorf("PinnedChannels = %v, want +15550100 -> 2", loaded.PinnedChannels)
	}
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "messages_limit = 20\n[pinned_channels]\n\"+15550100\" = 1\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MessagesLimit != 20 {
		t.Errorf("MessagesLimit = %d, want 20", cfg.MessagesLimit)
	}
	if cfg.MaxJumpIterations != 64 || cfg.BulkChunkSize != 30 || !cfg.UseRecycleBin {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.ScheduleMinBuffer() != time.Minute {
		t.Errorf("ScheduleMinBuffer() = %v, want 1m", cfg.ScheduleMinBuffer())
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("messages_limit = 0\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for messages_limit = 0")
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultSession != "main" {
		t.Errorf("DefaultSession = %q, want main", cfg.DefaultSession)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
