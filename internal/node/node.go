package node

import (
	"fmt"
	"net/url"
	"os/user"
	"strconv"
	"strings"
)

// LocalURI marks a node that runs its agent as a local subprocess rather
// than over SSH.
const LocalURI = "local"

// DefaultName is the implicit node every deployment has, even with an empty
// configuration. It always resolves to a local agent.
const DefaultName = "Local"

// RestartSchedule configures an optional daily graceful restart of a node's agent.
type RestartSchedule struct {
	Enabled bool   `yaml:"enabled"`
	At      string `yaml:"at"` // "HH:MM", local time
	// GraceSeconds is how long to wait for a clean shutdown before the
	// agent process is killed.
	GraceSeconds int `yaml:"grace_seconds"`
}

// Node describes one managed host. Consumed by the agent and terminal layers;
// loading and persistence happen elsewhere.
type Node struct {
	Name     string          `yaml:"name"`
	URI      string          `yaml:"uri"`
	Identity string          `yaml:"identity"`
	Restart  RestartSchedule `yaml:"restart"`
}

// IsLocal reports whether the node's agent should be spawned as a local
// subprocess. The implicit default node and the local marker URI both qualify.
func (n Node) IsLocal() bool {
	return n.URI == "" || n.URI == LocalURI
}

// Endpoint holds the SSH connection parameters derived from a node URI.
type Endpoint struct {
	User string
	Host string
	Port int
}

// Addr returns the host:port dial address.
func (e Endpoint) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// ParseEndpoint derives SSH parameters from the node's URI. Only ssh:// URIs
// are valid here; callers must check IsLocal first.
func (n Node) ParseEndpoint() (Endpoint, error) {
	if n.IsLocal() {
		return Endpoint{}, fmt.Errorf("node %s is local, no SSH endpoint", n.Name)
	}
	raw := n.URI
	if !strings.Contains(raw, "://") {
		raw = "ssh://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse node uri %q: %w", n.URI, err)
	}
	if u.Scheme != "ssh" {
		return Endpoint{}, fmt.Errorf("unsupported node uri scheme %q (want ssh)", u.Scheme)
	}
	ep := Endpoint{Host: u.Hostname(), Port: 22}
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("node uri %q has no host", n.URI)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, fmt.Errorf("node uri %q has invalid port %q", n.URI, p)
		}
		ep.Port = port
	}
	if u.User != nil {
		ep.User = u.User.Username()
	}
	if ep.User == "" {
		if cur, err := user.Current(); err == nil {
			ep.User = cur.Username
		} else {
			ep.User = "root"
		}
	}
	return ep, nil
}

// SSHArgs builds the argument list for invoking the system ssh binary against
// this node. Used by the terminal layer, which drives interactive sessions
// through the ssh CLI rather than the pooled library client.
func (n Node) SSHArgs(remoteCommand string) ([]string, error) {
	ep, err := n.ParseEndpoint()
	if err != nil {
		return nil, err
	}
	args := []string{"-p", strconv.Itoa(ep.Port), "-o", "StrictHostKeyChecking=no"}
	if n.Identity != "" {
		args = append(args, "-i", n.Identity)
	}
	args = append(args, "-t", fmt.Sprintf("%s@%s", ep.User, ep.Host))
	if remoteCommand != "" {
		args = append(args, remoteCommand)
	}
	return args, nil
}
