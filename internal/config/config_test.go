package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lfmarques/susurro/internal/cryptobox"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Call.DialTimeoutSec = 30
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Call.DialTimeoutSec != 30 {
		t.Errorf("DialTimeoutSec = %d, want 30", loaded.Call.DialTimeoutSec)
	}
	if loaded.KDF.Algorithm != cryptobox.AlgorithmArgon2id {
		t.Errorf("KDF.Algorithm = %q, want argon2id", loaded.KDF.Algorithm)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte(`default_profile = "alt"`), 0600); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.KDF.MemoryKiB != 64*1024 {
		t.Errorf("KDF.MemoryKiB = %d, want %d", loaded.KDF.MemoryKiB, 64*1024)
	}
	if loaded.Call.RingTimeoutSec != 45 {
		t.Errorf("RingTimeoutSec = %d, want 45", loaded.Call.RingTimeoutSec)
	}
	if loaded.Clock.DriftWarnThresholdMs != 5000 {
		t.Errorf("DriftWarnThresholdMs = %d, want 5000", loaded.Clock.DriftWarnThresholdMs)
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
