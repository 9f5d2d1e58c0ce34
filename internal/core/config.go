package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fleetdeck/fleetdeck/internal/node"
)

// AgentConfig controls how agents are spawned on nodes.
type AgentConfig struct {
	// Command is the executable run on each node.
	Command string `yaml:"command"`
	// CleanupProcesses is forwarded to the agent as an environment toggle.
	CleanupProcesses bool `yaml:"cleanup_processes"`
	// RemotePath is where DeployAgent installs the agent on remote nodes.
	RemotePath string `yaml:"remote_path"`
}

// Config is the console configuration.
type Config struct {
	// SessionID correlates one logical run across agent restarts. Generated
	// when absent.
	SessionID string `yaml:"session_id"`
	StorePath string `yaml:"store_path"`
	// KnownHosts enables strict host key verification against the given
	// known_hosts file. Empty means host keys are not checked.
	KnownHosts string      `yaml:"known_hosts"`
	Agent      AgentConfig `yaml:"agent"`
	Nodes      []node.Node `yaml:"nodes"`
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves $XDG_CONFIG_HOME/fleetdeck/config.yaml or
// ~/.config/fleetdeck/config.yaml. A missing file yields defaults.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".config")
		}
		path = filepath.Join(base, "fleetdeck", "config.yaml")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.fill()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.fill()
	return cfg, nil
}

func (c *Config) fill() {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.Agent.Command == "" {
		c.Agent.Command = "fleetdeck-agent"
	}
	if c.Agent.RemotePath == "" {
		c.Agent.RemotePath = ".local/bin/fleetdeck-agent"
	}
}

// Resolve looks a node up by name. The implicit local node resolves even
// without configuration.
func (c *Config) Resolve(name string) (node.Node, bool) {
	for _, n := range c.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	if name == node.DefaultName {
		return node.Node{Name: node.DefaultName, URI: node.LocalURI}, true
	}
	return node.Node{}, false
}

// AgentEnv renders the toggles passed to every spawned agent.
func (c *Config) AgentEnv() map[string]string {
	env := map[string]string{}
	if c.Agent.CleanupProcesses {
		env["FLEETDECK_CLEANUP_PROCESSES"] = "1"
	}
	return env
}
