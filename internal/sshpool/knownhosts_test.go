package sshpool

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureKnownHostsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "known_hosts")
	if err := EnsureKnownHostsFile(path); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode %v", info.Mode().Perm())
	}
	// Existing contents survive a second call.
	if err := os.WriteFile(path, []byte("db1 ssh-ed25519 AAAA\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := EnsureKnownHostsFile(path); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		t.Fatalf("contents lost: %q %v", data, err)
	}
}

func TestLoadKnownHostsCallback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	cb, err := LoadKnownHostsCallback(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cb == nil {
		t.Fatal("nil callback")
	}
}
