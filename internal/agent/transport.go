package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"

	"github.com/fleetdeck/fleetdeck/internal/node"
	"github.com/fleetdeck/fleetdeck/internal/sshpool"
)

// Transport is a running agent process seen as three byte streams. Both the
// local subprocess and the remote SSH exec variants satisfy it.
type Transport interface {
	Stdin() io.Writer
	Stdout() io.Reader
	Stderr() io.Reader
	// Close tears the agent down: kills the subprocess or closes the SSH
	// channel. Safe to call more than once.
	Close() error
	// Wait blocks until the agent exits or the channel closes.
	Wait() error
}

// Launcher starts a transport for a node. The production implementation is
// ProcessLauncher; tests substitute fakes.
type Launcher interface {
	Launch(ctx context.Context, n node.Node, env map[string]string) (Transport, error)
}

// ProcessLauncher spawns agents: locally via os/exec, remotely by executing
// the agent command over a pooled SSH connection.
type ProcessLauncher struct {
	Pool *sshpool.Pool
	// AgentCommand is the executable run on the node (or locally). Environment
	// variables are passed via the process environment locally and an env
	// prefix remotely.
	AgentCommand string
}

// Launch implements Launcher.
func (l *ProcessLauncher) Launch(ctx context.Context, n node.Node, env map[string]string) (Transport, error) {
	if n.IsLocal() {
		return launchLocal(ctx, l.AgentCommand, env)
	}
	cli, err := l.Pool.Get(ctx, n)
	if err != nil {
		return nil, err
	}
	return launchRemote(cli, l.AgentCommand, env)
}

type localTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

func launchLocal(ctx context.Context, command string, env map[string]string) (Transport, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty agent command")
	}
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Env = append(os.Environ(), envList(env)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn agent %q: %w", command, err)
	}
	return &localTransport{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (t *localTransport) Stdin() io.Writer  { return t.stdin }
func (t *localTransport) Stdout() io.Reader { return t.stdout }
func (t *localTransport) Stderr() io.Reader { return t.stderr }

func (t *localTransport) Close() error {
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		return t.cmd.Process.Kill()
	}
	return nil
}

func (t *localTransport) Wait() error { return t.cmd.Wait() }

type sshTransport struct {
	sess   *xssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func launchRemote(cli sshpool.Client, command string, env map[string]string) (Transport, error) {
	sess, err := cli.NewSession()
	if err != nil {
		return nil, fmt.Errorf("new ssh session: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	// sshd filters SetEnv by AcceptEnv, so variables ride an env(1) prefix
	// on the command line instead.
	full := command
	if vars := envList(env); len(vars) > 0 {
		full = "env " + strings.Join(vars, " ") + " " + command
	}
	if err := sess.Start(full); err != nil {
		sess.Close()
		return nil, fmt.Errorf("exec agent %q: %w", command, err)
	}
	return &sshTransport{sess: sess, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (t *sshTransport) Stdin() io.Writer  { return t.stdin }
func (t *sshTransport) Stdout() io.Reader { return t.stdout }
func (t *sshTransport) Stderr() io.Reader { return t.stderr }
func (t *sshTransport) Close() error      { return t.sess.Close() }
func (t *sshTransport) Wait() error       { return t.sess.Wait() }

// envList renders an environment map as sorted K=V strings.
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// DeployAgent pushes the agent executable to a node over SFTP and marks it
// executable. Called before the first remote launch when the binary is not
// already present.
func DeployAgent(ctx context.Context, cli sshpool.Client, localPath, remotePath string) error {
	sess, err := cli.NewSession()
	if err != nil {
		return fmt.Errorf("sftp session: %w", err)
	}
	defer sess.Close()
	if err := sess.RequestSubsystem("sftp"); err != nil {
		return fmt.Errorf("request sftp subsystem: %w", err)
	}
	wr, err := sess.StdinPipe()
	if err != nil {
		return fmt.Errorf("sftp stdin: %w", err)
	}
	rd, err := sess.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sftp stdout: %w", err)
	}
	sf, err := sftp.NewClientPipe(rd, wr)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	if err := sf.MkdirAll(filepath.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local agent: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote agent: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy agent: %w", err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close remote agent: %w", err)
	}
	if err := sf.Chmod(remotePath, 0755); err != nil {
		return fmt.Errorf("chmod remote agent: %w", err)
	}
	return nil
}
