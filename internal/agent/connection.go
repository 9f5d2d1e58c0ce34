package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetdeck/fleetdeck/internal/node"
)

// DefaultRequestTimeout bounds one command round-trip. A timeout fails the
// caller but does not disconnect the agent.
const DefaultRequestTimeout = 10 * time.Second

var (
	// ErrAgentDisconnected rejects pending requests when the connection dies.
	ErrAgentDisconnected = errors.New("agent disconnected")
	// ErrRequestTimeout is returned when no response arrives in time.
	ErrRequestTimeout = errors.New("request timeout")
)

// State is the connection lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Health is per-node telemetry. Connection hands out snapshot copies only.
type Health struct {
	Node      string
	Connected bool
	LastSeen  time.Time
	Messages  int64
	Errors    int64
	LastError string
	RunID     string
	SessionID string
}

type pendingResult struct {
	resp ResponsePayload
	err  error
}

type pendingRequest struct {
	ch chan pendingResult // buffered 1; at most one writer wins
}

type startAttempt struct {
	done chan struct{}
	err  error
}

// Connection owns one node's agent lifecycle: start, health, send/receive,
// restart, disconnect. All other components interact with agents through it.
type Connection struct {
	node     node.Node
	launcher Launcher
	env      map[string]string
	bus      *Bus
	log      zerolog.Logger
	timeout  time.Duration

	mu          sync.Mutex
	state       State
	transport   Transport
	framer      *Framer
	pending     map[string]*pendingRequest
	health      Health
	starting    *startAttempt
	gen         int           // run generation; stale goroutines compare against it
	closed      chan struct{} // closed when the current run disconnects
	closeReason string        // set before a deliberate teardown (breaker trip)

	writeMu sync.Mutex // serializes command frames on stdin
}

// NewConnection builds an idle connection. env is passed to the spawned agent
// (process-cleanup toggles etc.); the session id rides along automatically.
func NewConnection(n node.Node, launcher Launcher, sessionID string, env map[string]string, log zerolog.Logger) *Connection {
	logger := log.With().Str("node", n.Name).Logger()
	c := &Connection{
		node:     n,
		launcher: launcher,
		env:      env,
		bus:      NewBus(logger),
		log:      logger,
		timeout:  DefaultRequestTimeout,
		pending:  make(map[string]*pendingRequest),
	}
	c.health = Health{Node: n.Name, SessionID: sessionID}
	return c
}

// Node returns the descriptor this connection manages.
func (c *Connection) Node() node.Node { return c.node }

// Events exposes the connection's event bus.
func (c *Connection) Events() *Bus { return c.bus }

// State returns the current lifecycle phase.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Health returns a snapshot copy of the node's telemetry.
func (c *Connection) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Start launches the agent if it is not already running. Concurrent callers
// while a start is in flight share the same attempt and outcome.
func (c *Connection) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if att := c.starting; att != nil {
		c.mu.Unlock()
		select {
		case <-att.done:
			return att.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	att := &startAttempt{done: make(chan struct{})}
	c.starting = att
	c.state = StateStarting
	runID := uuid.NewString()
	c.health.RunID = runID
	c.health.LastError = ""
	c.mu.Unlock()

	err := c.launch(ctx, runID)

	c.mu.Lock()
	c.starting = nil
	c.mu.Unlock()
	att.err = err
	close(att.done)
	return err
}

func (c *Connection) launch(ctx context.Context, runID string) error {
	env := map[string]string{
		"FLEETDECK_SESSION_ID": c.health.SessionID,
		"FLEETDECK_RUN_ID":     runID,
	}
	for k, v := range c.env {
		env[k] = v
	}
	t, err := c.launcher.Launch(ctx, c.node, env)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.health.Connected = false
		c.health.LastError = err.Error()
		c.mu.Unlock()
		return fmt.Errorf("start agent on %s: %w", c.node.Name, err)
	}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.transport = t
	c.closed = make(chan struct{})
	c.framer = NewFramer(c.log, &runHandler{c: c, gen: gen})
	c.state = StateConnected
	c.health.Connected = true
	c.health.LastSeen = time.Now()
	framer := c.framer
	c.mu.Unlock()

	go c.readLoop(gen, t.Stdout(), framer.Ingest)
	go c.readLoop(gen, t.Stderr(), framer.IngestDiag)
	go func() {
		err := t.Wait()
		c.handleClose(gen, err)
	}()

	c.log.Info().Str("run_id", runID).Bool("local", c.node.IsLocal()).Msg("agent connected")
	c.bus.Publish(Event{Node: c.node.Name, Kind: EventConnected})
	return nil
}

// readLoop pumps one stream into the framer until it ends. The framer is only
// touched while the generation is current, under the connection lock, so the
// two stream goroutines cannot race each other mid-run either.
func (c *Connection) readLoop(gen int, r io.Reader, ingest func([]byte)) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.mu.Lock()
			if gen == c.gen {
				ingest(buf[:n])
			}
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Send issues a command and waits for the correlated response. A disconnected
// agent is implicitly reconnected first. After DefaultRequestTimeout the
// pending entry is removed and the caller fails; the agent stays connected.
func (c *Connection) Send(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("%s is not connected and reconnect failed: %w", c.node.Name, err)
		}
	}

	id := requestID()
	pr := &pendingRequest{ch: make(chan pendingResult, 1)}

	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil, ErrAgentDisconnected
	}
	c.pending[id] = pr
	t := c.transport
	c.mu.Unlock()

	data, err := EncodeCommand(Command{ID: id, Action: action, Payload: payload})
	if err != nil {
		c.removePending(id)
		return nil, err
	}
	c.writeMu.Lock()
	_, err = t.Stdin().Write(data)
	c.writeMu.Unlock()
	if err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("write command %s: %w", action, err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case res := <-pr.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != "" {
			return nil, fmt.Errorf("%s: %s", action, res.resp.Error)
		}
		return res.resp.Result, nil
	case <-timer.C:
		c.removePending(id)
		return nil, fmt.Errorf("%s after %s: %w", action, c.timeout, ErrRequestTimeout)
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

func (c *Connection) removePending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Disconnect tears down the current transport. Cleanup (pending rejection,
// health, events) runs on the same path as an externally observed close.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
}

// Restart asks the agent to shut down gracefully, waits up to grace for the
// disconnect, force-kills if it never comes, and starts the agent again.
func (c *Connection) Restart(ctx context.Context, reason string, grace time.Duration) error {
	c.log.Info().Str("reason", reason).Dur("grace", grace).Msg("restarting agent")

	c.mu.Lock()
	connected := c.state == StateConnected
	closed := c.closed
	t := c.transport
	c.mu.Unlock()

	if connected && t != nil {
		// Best effort: a wedged agent may never read this.
		if data, err := EncodeCommand(Command{ID: requestID(), Action: ActionShutdown, Payload: map[string]string{"reason": reason}}); err == nil {
			c.writeMu.Lock()
			_, _ = t.Stdin().Write(data)
			c.writeMu.Unlock()
		}
		select {
		case <-closed:
		case <-time.After(grace):
			c.log.Warn().Msg("agent did not shut down in time, force disconnecting")
			c.Disconnect()
			select {
			case <-closed:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.Start(ctx)
}

// handleClose is the single cleanup path for a dying run, whether the process
// exited on its own, the channel dropped, or Disconnect killed it.
func (c *Connection) handleClose(gen int, cause error) {
	c.mu.Lock()
	if gen != c.gen || c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.health.Connected = false
	reason := c.closeReason
	c.closeReason = ""
	if cause != nil {
		reason = cause.Error()
	}
	if reason != "" {
		c.health.LastError = reason
	}
	t := c.transport
	c.transport = nil
	pend := c.pending
	c.pending = make(map[string]*pendingRequest)
	closed := c.closed
	c.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	for _, pr := range pend {
		pr.ch <- pendingResult{err: ErrAgentDisconnected}
	}
	close(closed)

	c.log.Info().AnErr("cause", cause).Int("rejected_requests", len(pend)).Msg("agent disconnected")
	c.bus.Publish(Event{Node: c.node.Name, Kind: EventDisconnected, Reason: reason})
}

// runHandler binds framer callbacks to one run generation so a stale run's
// frames never touch a newer connection.
type runHandler struct {
	c   *Connection
	gen int
}

// HandleMessage runs under the connection lock (see readLoop); it must not
// take c.mu itself.
func (h *runHandler) HandleMessage(msg Message) {
	c := h.c
	c.health.LastSeen = time.Now()
	c.health.Messages++

	switch msg.Kind() {
	case KindResponse:
		rp, err := msg.Response()
		if err != nil {
			c.health.Errors++
			c.log.Error().Err(err).Msg("malformed response payload")
			return
		}
		pr, ok := c.pending[rp.ID]
		if !ok {
			// Already timed out or never ours. First-timeout wins; drop it.
			c.log.Debug().Str("request_id", rp.ID).Msg("response for unknown request dropped")
			return
		}
		delete(c.pending, rp.ID)
		pr.ch <- pendingResult{resp: rp}
	default:
		ev := Event{Node: c.node.Name, Kind: EventMessage, Message: &msg}
		// Publish outside the lock; bus delivery is non-blocking anyway but
		// subscribers may call back into the connection.
		go c.bus.Publish(ev)
	}
}

func (h *runHandler) HandleDiag(level zerolog.Level, line string) {
	h.c.log.WithLevel(level).Str("stream", "agent").Msg(line)
}

func (h *runHandler) HandleParseError(err error) {
	h.c.health.Errors++
	h.c.health.LastError = err.Error()
}

// HandleBreaker runs under the connection lock, like HandleMessage.
func (h *runHandler) HandleBreaker(err error) {
	c := h.c
	c.health.LastError = err.Error()
	c.closeReason = err.Error()
	c.log.Error().Err(err).Msg("protocol circuit breaker tripped, disconnecting agent")
	// Tear down outside the lock currently held by readLoop.
	go c.Disconnect()
}

// requestID returns a short random correlation id.
func requestID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failing is unrecoverable for anything else anyway
		return uuid.NewString()[:8]
	}
	return hex.EncodeToString(b[:])
}
