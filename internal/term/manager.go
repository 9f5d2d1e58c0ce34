package term

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetdeck/fleetdeck/internal/node"
)

const (
	// DefaultIdleTimeout is how long a non-host session may sit unused
	// before the sweep evicts it.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultSweepInterval is how often the idle sweep runs.
	DefaultSweepInterval = time.Minute

	// containerShellScript prefers an interactive bash inside the container,
	// falling back to a POSIX shell.
	containerShellScript = "if command -v bash >/dev/null 2>&1; then exec bash; else exec sh; fi"
)

// Resolver maps a node name to its descriptor for container/node sessions.
type Resolver func(name string) (node.Node, bool)

// Config tunes the session manager.
type Config struct {
	ContainerCLI  string // container runtime binary, default "podman"
	SSHBinary     string // default "ssh"
	Shell         string // host shell, default $SHELL then /bin/bash
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

func (c *Config) fill() {
	if c.ContainerCLI == "" {
		c.ContainerCLI = "podman"
	}
	if c.SSHBinary == "" {
		c.SSHBinary = "ssh"
	}
	if c.Shell == "" {
		if sh := os.Getenv("SHELL"); sh != "" {
			c.Shell = sh
		} else {
			c.Shell = "/bin/bash"
		}
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// Manager owns the map from session id to live pseudo-terminal and relays
// between processes and the hub's broadcast groups.
type Manager struct {
	cfg     Config
	resolve Resolver
	hub     *Hub
	log     zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	done     chan struct{}
	sweepWG  sync.WaitGroup
}

// NewManager creates a manager and starts its idle sweep.
func NewManager(cfg Config, resolve Resolver, hub *Hub, log zerolog.Logger) *Manager {
	cfg.fill()
	m := &Manager{
		cfg:      cfg,
		resolve:  resolve,
		hub:      hub,
		log:      log.With().Str("component", "term").Logger(),
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	m.sweepWG.Add(1)
	go m.sweepLoop()
	return m
}

// Hub returns the broadcast hub sessions publish to.
func (m *Manager) Hub() *Hub { return m.hub }

// Ensure returns the live session for id, creating it on first use.
func (m *Manager) Ensure(id string, cols, rows uint16) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.touch()
		return s, nil
	}
	cmd, err := m.buildCommand(id)
	if err != nil {
		return nil, err
	}
	s, err := newSession(id, cmd, cols, rows)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = s
	go m.pump(s)
	m.log.Info().Str("session", id).Str("command", strings.Join(cmd.Args, " ")).Msg("session started")
	return s, nil
}

// Join ensures the session exists, subscribes the viewer to its broadcast
// group, and returns the scrollback held at join time.
func (m *Manager) Join(ctx context.Context, id string, cols, rows uint16) (history string, out <-chan Output, err error) {
	s, err := m.Ensure(id, cols, rows)
	if err != nil {
		return "", nil, err
	}
	ch, _ := m.hub.Join(ctx, id)
	return s.History(), ch, nil
}

// Input forwards viewer keystrokes to the session's process.
func (m *Manager) Input(id string, data []byte) error {
	s, ok := m.get(id)
	if !ok {
		return fmt.Errorf("session %s not found", id)
	}
	return s.Write(data)
}

// Resize applies new dimensions in place. Failure is logged but the session
// stays usable.
func (m *Manager) Resize(id string, cols, rows uint16) {
	s, ok := m.get(id)
	if !ok {
		return
	}
	if err := s.Resize(cols, rows); err != nil {
		m.log.Warn().Str("session", id).Err(err).Msg("resize failed")
	}
}

func (m *Manager) get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// buildCommand resolves a session id to the process backing it.
//
//	host                      local interactive shell
//	container:<node>:<ctr>    shell inside a container, via ssh for remote nodes
//	node:<name>               raw remote shell over ssh
func (m *Manager) buildCommand(id string) (*exec.Cmd, error) {
	switch {
	case id == HostSessionID:
		return exec.Command(m.cfg.Shell), nil

	case strings.HasPrefix(id, "container:"):
		parts := strings.SplitN(id, ":", 3)
		if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
			return nil, fmt.Errorf("malformed container session id %q", id)
		}
		nodeName, container := parts[1], parts[2]
		n, ok := m.resolve(nodeName)
		if !ok && nodeName != node.DefaultName {
			return nil, fmt.Errorf("session %s: unknown node %s", id, nodeName)
		}
		if n.IsLocal() {
			return exec.Command(m.cfg.ContainerCLI, "exec", "-it", container, "sh", "-c", containerShellScript), nil
		}
		remote := fmt.Sprintf("%s exec -it %s sh -c '%s'", m.cfg.ContainerCLI, container, containerShellScript)
		args, err := n.SSHArgs(remote)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", id, err)
		}
		return exec.Command(m.cfg.SSHBinary, args...), nil

	case strings.HasPrefix(id, "node:"):
		name := strings.TrimPrefix(id, "node:")
		n, ok := m.resolve(name)
		if !ok {
			return nil, fmt.Errorf("session %s: unknown node %s", id, name)
		}
		args, err := n.SSHArgs("")
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", id, err)
		}
		return exec.Command(m.cfg.SSHBinary, args...), nil

	default:
		return nil, fmt.Errorf("unrecognized session id %q", id)
	}
}

// pump relays PTY output into history and the broadcast group until the
// process exits, then announces the exit and removes the session.
func (m *Manager) pump(s *Session) {
	buf := make([]byte, 16*1024)
	for {
		n, err := s.tty.Read(buf)
		if n > 0 {
			s.appendHistory(buf[:n])
			m.hub.Publish(s.ID, string(buf[:n]))
		}
		if err != nil {
			// On Linux the PTY read surfaces EIO once the child side closes.
			break
		}
	}
	code := 0
	if err := s.cmd.Wait(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		} else {
			code = -1
		}
	}
	_ = s.tty.Close()

	m.mu.Lock()
	if m.sessions[s.ID] == s {
		delete(m.sessions, s.ID)
	}
	m.mu.Unlock()

	banner := fmt.Sprintf("\r\n\x1b[1;31m[session exited with code %d]\x1b[0m\r\n", code)
	m.hub.Publish(s.ID, banner)
	m.log.Info().Str("session", s.ID).Int("exit_code", code).Msg("session ended")
}

func (m *Manager) sweepLoop() {
	defer m.sweepWG.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep kills non-host sessions idle past the timeout. Removal happens on
// the pump's exit path.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var victims []*Session
	for id, s := range m.sessions {
		if id == HostSessionID {
			continue
		}
		if s.idleFor(now) > m.cfg.IdleTimeout {
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		m.log.Info().Str("session", s.ID).Msg("evicting idle session")
		s.kill()
	}
}

// Close stops the sweep and kills every session.
func (m *Manager) Close() {
	close(m.done)
	m.sweepWG.Wait()
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.kill()
	}
}
