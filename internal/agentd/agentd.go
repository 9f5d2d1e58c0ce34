// Package agentd implements the agent process the console spawns on every
// node: newline-delimited JSON commands in on stdin, NUL-terminated JSON
// frames out on stdout, structured logs on stderr.
package agentd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetdeck/fleetdeck/internal/agent"
)

// resourceInterval is how often resource state is pushed while monitoring is
// enabled.
const resourceInterval = 5 * time.Second

type inboundCommand struct {
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// Agent is one running agent instance.
type Agent struct {
	Version string

	in  io.Reader
	out io.Writer
	log zerolog.Logger

	outMu sync.Mutex

	mu         sync.Mutex
	monitoring bool

	shutdown context.CancelFunc
}

// New builds an agent over the given streams. Production wiring uses
// os.Stdin/os.Stdout with zerolog on stderr.
func New(in io.Reader, out io.Writer, log zerolog.Logger) *Agent {
	return &Agent{Version: "1.0", in: in, out: out, log: log}
}

// Run processes commands until stdin closes, shutdown is requested, or ctx
// ends.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.shutdown = cancel

	a.log.Info().Str("version", a.Version).Msg("agent starting")
	a.emit(agent.TypeReady, map[string]string{"version": a.Version})

	go a.resourceLoop(ctx)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(a.in)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			a.handle(line)
		}
	}
}

func (a *Agent) handle(line string) {
	var cmd inboundCommand
	if err := json.Unmarshal([]byte(line), &cmd); err != nil {
		a.log.Warn().Err(err).Msg("invalid command json")
		return
	}
	a.log.Debug().Str("action", cmd.Action).Str("id", cmd.ID).Msg("command received")

	result, err := a.dispatch(cmd)
	rp := agent.ResponsePayload{ID: cmd.ID}
	if err != nil {
		rp.Error = err.Error()
	} else {
		data, merr := json.Marshal(result)
		if merr != nil {
			rp.Error = merr.Error()
		} else {
			rp.Result = data
		}
	}
	a.emit(agent.TypeResponse, rp)
}

func (a *Agent) dispatch(cmd inboundCommand) (any, error) {
	switch cmd.Action {
	case agent.ActionPing:
		return "pong", nil

	case agent.ActionExec:
		var p struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Command == "" {
			return nil, fmt.Errorf("missing command")
		}
		return a.execShell(p.Command)

	case agent.ActionReadFile:
		var p struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Path == "" {
			return nil, fmt.Errorf("missing path")
		}
		content, err := os.ReadFile(expand(p.Path))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("file not found: %s", p.Path)
			}
			return nil, err
		}
		return map[string]string{"content": string(content)}, nil

	case agent.ActionWrite:
		var p struct {
			Path    string  `json:"path"`
			Content *string `json:"content"`
		}
		if err := json.Unmarshal(cmd.Payload, &p); err != nil || p.Path == "" || p.Content == nil {
			return nil, fmt.Errorf("missing path or content")
		}
		full := expand(p.Path)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(full, []byte(*p.Content), 0644); err != nil {
			return nil, err
		}
		return "ok", nil

	case agent.ActionListDir:
		var p struct {
			Path string `json:"path"`
		}
		_ = json.Unmarshal(cmd.Payload, &p)
		if p.Path == "" {
			p.Path = "."
		}
		entries, err := os.ReadDir(expand(p.Path))
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return names, nil

	case agent.ActionStartMon:
		a.mu.Lock()
		a.monitoring = true
		a.mu.Unlock()
		a.pushResources()
		return "ok", nil

	case agent.ActionStopMon:
		a.mu.Lock()
		a.monitoring = false
		a.mu.Unlock()
		return "ok", nil

	case agent.ActionShutdown:
		a.log.Info().Msg("shutdown requested")
		// Reply first, then stop the loop.
		defer a.shutdown()
		return "ok", nil

	default:
		return nil, fmt.Errorf("unknown command: %s", cmd.Action)
	}
}

func (a *Agent) execShell(command string) (any, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	code := 0
	if err := cmd.Run(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			code = ee.ExitCode()
		} else {
			return nil, err
		}
	}
	return map[string]any{
		"code":   code,
		"stdout": stdout.String(),
		"stderr": stderr.String(),
	}, nil
}

// emit writes one NUL-terminated frame. The lock keeps concurrent emitters
// (command replies vs the resource loop) from interleaving frames.
func (a *Agent) emit(msgType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		a.log.Error().Err(err).Str("type", msgType).Msg("encode payload")
		return
	}
	frame, err := json.Marshal(agent.Message{Type: msgType, Payload: data})
	if err != nil {
		a.log.Error().Err(err).Str("type", msgType).Msg("encode frame")
		return
	}
	a.outMu.Lock()
	defer a.outMu.Unlock()
	_, _ = a.out.Write(append(frame, 0))
}

func (a *Agent) resourceLoop(ctx context.Context) {
	ticker := time.NewTicker(resourceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			enabled := a.monitoring
			a.mu.Unlock()
			if enabled {
				a.pushResources()
			}
		}
	}
}

func (a *Agent) pushResources() {
	a.emit("state:resources", readResources())
}

// readResources samples host load and uptime from /proc. Fields that cannot
// be read are left zero.
func readResources() map[string]any {
	res := map[string]any{"time": time.Now().Unix()}
	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 3 {
			res["load"] = fields[:3]
		}
	}
	if data, err := os.ReadFile("/proc/uptime"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) >= 1 {
			res["uptime_seconds"] = fields[0]
		}
	}
	return res
}

func expand(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
