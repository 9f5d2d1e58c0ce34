package term

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// HistoryCap is the hard ceiling on a session's scrollback buffer. Oldest
// bytes are dropped first once it is reached.
const HistoryCap = 100000

// HostSessionID names the always-on primary local shell. It is never evicted
// by the idle sweep.
const HostSessionID = "host"

// Session is one addressable pseudo-terminal, shared by every viewer joined
// under its id.
type Session struct {
	ID string

	cmd *exec.Cmd
	tty *os.File

	mu         sync.Mutex
	history    []byte
	lastActive time.Time
}

func newSession(id string, cmd *exec.Cmd, cols, rows uint16) (*Session, error) {
	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start pty for %s: %w", id, err)
	}
	return &Session{
		ID:         id,
		cmd:        cmd,
		tty:        tty,
		lastActive: time.Now(),
	}, nil
}

// Write forwards viewer input to the session's process.
func (s *Session) Write(data []byte) error {
	s.touch()
	_, err := s.tty.Write(data)
	if err != nil {
		return fmt.Errorf("write to session %s: %w", s.ID, err)
	}
	return nil
}

// Resize applies new dimensions to the live PTY.
func (s *Session) Resize(cols, rows uint16) error {
	s.touch()
	if err := pty.Setsize(s.tty, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize session %s: %w", s.ID, err)
	}
	return nil
}

// History returns the current scrollback contents.
func (s *Session) History() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.history)
}

// appendHistory records output, trimming the oldest bytes past HistoryCap.
func (s *Session) appendHistory(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, data...)
	if over := len(s.history) - HistoryCap; over > 0 {
		s.history = s.history[over:]
	}
	s.lastActive = time.Now()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// idleFor reports how long the session has been without activity.
func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActive)
}

// kill terminates the process and closes the PTY.
func (s *Session) kill() {
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.tty.Close()
}
