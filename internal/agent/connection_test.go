package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetdeck/fleetdeck/internal/node"
)

// fakeTransport wires the connection to an in-process fake agent over pipes.
type fakeTransport struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	closeOnce sync.Once
	done      chan struct{}
}

func newFakeTransport() *fakeTransport {
	t := &fakeTransport{done: make(chan struct{})}
	t.stdinR, t.stdinW = io.Pipe()
	t.stdoutR, t.stdoutW = io.Pipe()
	t.stderrR, t.stderrW = io.Pipe()
	return t
}

func (t *fakeTransport) Stdin() io.Writer  { return t.stdinW }
func (t *fakeTransport) Stdout() io.Reader { return t.stdoutR }
func (t *fakeTransport) Stderr() io.Reader { return t.stderrR }

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() {
		t.stdinW.Close()
		t.stdinR.Close()
		t.stdoutW.Close()
		t.stderrW.Close()
		close(t.done)
	})
	return nil
}

func (t *fakeTransport) Wait() error {
	<-t.done
	return nil
}

// fakeLauncher launches fake transports and answers commands via script.
// A nil script reply drops the command on the floor.
type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	gate     chan struct{} // when non-nil, Launch blocks until closed
	script   func(nodeName string, cmd Command) *Message
	curr     *fakeTransport
}

func (l *fakeLauncher) Launch(ctx context.Context, n node.Node, env map[string]string) (Transport, error) {
	l.mu.Lock()
	l.launches++
	gate := l.gate
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	t := newFakeTransport()
	l.mu.Lock()
	l.curr = t
	l.mu.Unlock()
	go l.serve(t, n.Name)
	return t, nil
}

func (l *fakeLauncher) serve(t *fakeTransport, nodeName string) {
	sc := bufio.NewScanner(t.stdinR)
	for sc.Scan() {
		var cmd Command
		if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil {
			continue
		}
		l.mu.Lock()
		script := l.script
		l.mu.Unlock()
		if script == nil {
			continue
		}
		if msg := script(nodeName, cmd); msg != nil {
			data, _ := json.Marshal(msg)
			t.stdoutW.Write(append(data, 0))
		}
	}
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) transport() *fakeTransport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.curr
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func responseMsg(t *testing.T, rp ResponsePayload) *Message {
	t.Helper()
	return &Message{Type: TypeResponse, Payload: mustRaw(t, rp)}
}

func newTestConnection(l *fakeLauncher) *Connection {
	n := node.Node{Name: "db1", URI: node.LocalURI}
	return NewConnection(n, l, "sess-1", nil, zerolog.Nop())
}

func waitForState(t *testing.T, c *Connection, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, stuck at %s", want, c.State())
}

func TestSendResolvesResult(t *testing.T) {
	l := &fakeLauncher{}
	l.script = func(_ string, cmd Command) *Message {
		if cmd.Action != ActionPing {
			return nil
		}
		return responseMsg(t, ResponsePayload{ID: cmd.ID, Result: json.RawMessage(`"pong"`)})
	}
	c := newTestConnection(l)

	result, err := c.Send(context.Background(), ActionPing, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(result) != `"pong"` {
		t.Fatalf("result %q", result)
	}
	h := c.Health()
	if !h.Connected || h.Messages != 1 {
		t.Fatalf("health after round trip: %+v", h)
	}
}

func TestSendAgentError(t *testing.T) {
	l := &fakeLauncher{}
	l.script = func(_ string, cmd Command) *Message {
		return responseMsg(t, ResponsePayload{ID: cmd.ID, Error: "file not found"})
	}
	c := newTestConnection(l)

	_, err := c.Send(context.Background(), ActionReadFile, map[string]string{"path": "/nope"})
	if err == nil {
		t.Fatal("expected agent error")
	}
	if got := err.Error(); got != "read_file: file not found" {
		t.Fatalf("error %q", got)
	}
	if c.State() != StateConnected {
		t.Fatalf("agent error must not disconnect, state %s", c.State())
	}
}

func TestSendTimeoutKeepsConnection(t *testing.T) {
	l := &fakeLauncher{} // nil script: never answers
	c := newTestConnection(l)
	c.timeout = 50 * time.Millisecond

	_, err := c.Send(context.Background(), ActionExec, map[string]string{"command": "sleep 99"})
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("timeout must not disconnect, state %s", c.State())
	}
	c.mu.Lock()
	n := len(c.pending)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("timed-out request left %d pending entries", n)
	}
}

func TestUnmatchedResponseDropped(t *testing.T) {
	l := &fakeLauncher{}
	l.script = func(_ string, cmd Command) *Message {
		return responseMsg(t, ResponsePayload{ID: cmd.ID, Result: json.RawMessage(`"pong"`)})
	}
	c := newTestConnection(l)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	stray, _ := json.Marshal(Message{Type: TypeResponse, Payload: mustRaw(t, ResponsePayload{ID: "nobody", Result: json.RawMessage(`1`)})})
	l.transport().stdoutW.Write(append(stray, 0))

	// The connection must shrug the stray off and keep serving.
	result, err := c.Send(context.Background(), ActionPing, nil)
	if err != nil {
		t.Fatalf("send after stray response: %v", err)
	}
	if string(result) != `"pong"` {
		t.Fatalf("result %q", result)
	}
}

func TestDisconnectRejectsPending(t *testing.T) {
	l := &fakeLauncher{} // never answers
	c := newTestConnection(l)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), ActionPing, nil)
		errCh <- err
	}()

	// Wait until the request is registered before pulling the plug.
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.mu.Lock()
		n := len(c.pending)
		c.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	c.Disconnect()
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAgentDisconnected) {
			t.Fatalf("expected ErrAgentDisconnected, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never rejected")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state %s", c.State())
	}
}

// TestConcurrentStartCollapsed verifies two racing Start calls share one
// launch and both observe its outcome.
func TestConcurrentStartCollapsed(t *testing.T) {
	gate := make(chan struct{})
	l := &fakeLauncher{gate: gate}
	c := newTestConnection(l)

	first := make(chan error, 1)
	go func() { first <- c.Start(context.Background()) }()
	waitForState(t, c, StateStarting)

	second := make(chan error, 1)
	go func() { second <- c.Start(context.Background()) }()
	time.Sleep(20 * time.Millisecond) // let the second caller join the attempt
	close(gate)

	for i, ch := range []chan error{first, second} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("start %d: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("start %d never returned", i)
		}
	}
	if n := l.launchCount(); n != 1 {
		t.Fatalf("expected 1 launch, got %d", n)
	}
	if c.State() != StateConnected {
		t.Fatalf("state %s", c.State())
	}
}

func TestImplicitReconnect(t *testing.T) {
	l := &fakeLauncher{}
	l.script = func(_ string, cmd Command) *Message {
		return responseMsg(t, ResponsePayload{ID: cmd.ID, Result: json.RawMessage(`"pong"`)})
	}
	c := newTestConnection(l)

	if _, err := c.Send(context.Background(), ActionPing, nil); err != nil {
		t.Fatalf("first send: %v", err)
	}
	c.Disconnect()
	waitForState(t, c, StateDisconnected)

	if _, err := c.Send(context.Background(), ActionPing, nil); err != nil {
		t.Fatalf("send after disconnect: %v", err)
	}
	if n := l.launchCount(); n != 2 {
		t.Fatalf("expected reconnect launch, got %d launches", n)
	}
}

// TestRestartForceKill covers an agent that ignores the shutdown command: the
// grace period expires, the transport is killed, and a fresh run comes up.
func TestRestartForceKill(t *testing.T) {
	l := &fakeLauncher{} // ignores everything, including shutdown
	c := newTestConnection(l)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	firstRun := c.Health().RunID

	if err := c.Restart(context.Background(), "maintenance", 50*time.Millisecond); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state %s", c.State())
	}
	if n := l.launchCount(); n != 2 {
		t.Fatalf("expected 2 launches, got %d", n)
	}
	if c.Health().RunID == firstRun {
		t.Fatal("run id did not change across restart")
	}
}

// TestBreakerDisconnects verifies garbage on the message stream tears the
// connection down after the threshold.
func TestBreakerDisconnects(t *testing.T) {
	l := &fakeLauncher{}
	c := newTestConnection(l)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := c.Events().Subscribe(ctx)

	// Drain connected if it arrives; we only care about disconnected below.
	tr := l.transport()
	for i := 0; i < maxConsecutiveParseErrors; i++ {
		tr.stdoutW.Write([]byte("not a frame\x00"))
	}

	waitForState(t, c, StateDisconnected)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventDisconnected {
				if ev.Node != "db1" {
					t.Fatalf("event node %q", ev.Node)
				}
				if !strings.Contains(ev.Reason, "unparsable frames") {
					t.Fatalf("disconnect reason %q", ev.Reason)
				}
				return
			}
		case <-deadline:
			t.Fatal("no disconnect event")
		}
	}
}

func TestStateStrings(t *testing.T) {
	cases := map[State]string{
		StateIdle:         "idle",
		StateStarting:     "starting",
		StateConnected:    "connected",
		StateDisconnected: "disconnected",
		State(99):         "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Fatalf("%d => %q, want %q", int(s), s.String(), want)
		}
	}
}
