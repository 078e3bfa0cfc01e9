package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fbu.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "source:\n  root: /data/home\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Restore.UpTo != -1 {
		t.Fatalf("restore.up_to default = %d, want -1", cfg.Restore.UpTo)
	}
	if cfg.Backup.Compression != "zstd" {
		t.Fatalf("backup.compression default = %q, want zstd", cfg.Backup.Compression)
	}
	if cfg.Backup.Name != "home" {
		t.Fatalf("backup.name = %q, want source root basename", cfg.Backup.Name)
	}
	if cfg.Storage.SFTP.Port != 22 {
		t.Fatalf("storage.sftp.port default = %d, want 22", cfg.Storage.SFTP.Port)
	}
}

func TestLoadUpToZeroTargetsSequenceZero(t *testing.T) {
	path := writeConfig(t, "source:\n  root: /data/home\nrestore:\n  up_to: 0\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Restore.UpTo != 0 {
		t.Fatalf("restore.up_to = %d, want 0", cfg.Restore.UpTo)
	}
}
