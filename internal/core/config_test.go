package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fleetdeck/fleetdeck/internal/node"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
session_id: fixed-session
store_path: /tmp/fleetdeck.db
known_hosts: /home/me/.ssh/known_hosts
agent:
  command: /opt/fleetdeck-agent
  cleanup_processes: true
nodes:
  - name: db1
    uri: ssh://root@db1:2222
    identity: /home/me/.ssh/id_ed25519
    restart:
      enabled: true
      at: "03:30"
      grace_seconds: 20
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionID != "fixed-session" {
		t.Fatalf("session id %q", cfg.SessionID)
	}
	if cfg.Agent.Command != "/opt/fleetdeck-agent" || !cfg.Agent.CleanupProcesses {
		t.Fatalf("agent config %+v", cfg.Agent)
	}
	if cfg.Agent.RemotePath == "" {
		t.Fatal("remote path never defaulted")
	}
	if cfg.KnownHosts != "/home/me/.ssh/known_hosts" {
		t.Fatalf("known_hosts %q", cfg.KnownHosts)
	}
	if len(cfg.Nodes) != 1 {
		t.Fatalf("nodes %+v", cfg.Nodes)
	}
	n := cfg.Nodes[0]
	if n.Name != "db1" || n.URI != "ssh://root@db1:2222" {
		t.Fatalf("node %+v", n)
	}
	if !n.Restart.Enabled || n.Restart.At != "03:30" || n.Restart.GraceSeconds != 20 {
		t.Fatalf("restart schedule %+v", n.Restart)
	}
}

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionID == "" {
		t.Fatal("session id not generated")
	}
	if cfg.Agent.Command != "fleetdeck-agent" {
		t.Fatalf("agent command %q", cfg.Agent.Command)
	}
	if len(cfg.Nodes) != 0 {
		t.Fatalf("unexpected nodes %+v", cfg.Nodes)
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("nodes: {not a list"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestResolve(t *testing.T) {
	cfg := Config{Nodes: []node.Node{{Name: "db1", URI: "ssh://root@db1"}}}

	n, ok := cfg.Resolve("db1")
	if !ok || n.URI != "ssh://root@db1" {
		t.Fatalf("resolve db1: %+v %v", n, ok)
	}
	n, ok = cfg.Resolve(node.DefaultName)
	if !ok || !n.IsLocal() {
		t.Fatalf("implicit local: %+v %v", n, ok)
	}
	if _, ok := cfg.Resolve("ghost"); ok {
		t.Fatal("ghost resolved")
	}
}

func TestAgentEnv(t *testing.T) {
	cfg := Config{}
	if env := cfg.AgentEnv(); len(env) != 0 {
		t.Fatalf("env without toggles: %v", env)
	}
	cfg.Agent.CleanupProcesses = true
	if cfg.AgentEnv()["FLEETDECK_CLEANUP_PROCESSES"] != "1" {
		t.Fatalf("cleanup toggle missing: %v", cfg.AgentEnv())
	}
}
