package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetdeck/fleetdeck/internal/node"
)

// ErrNodeUnknown is returned when a node name has no configuration and is not
// the implicit local node.
var ErrNodeUnknown = errors.New("unknown node")

// Resolver maps a node name to its descriptor. Backed by configuration; the
// registry does not own node definitions.
type Resolver func(name string) (node.Node, bool)

// Registry is the process-wide map from node name to connection, created once
// at bootstrap and threaded through dependency injection. Connections are
// created lazily and live for the lifetime of the process.
type Registry struct {
	launcher  Launcher
	resolve   Resolver
	sessionID string
	env       map[string]string
	bus       *Bus
	log       zerolog.Logger

	mu     sync.Mutex
	agents map[string]*Connection
}

// NewRegistry builds a registry. env is forwarded to every spawned agent.
func NewRegistry(launcher Launcher, resolve Resolver, sessionID string, env map[string]string, log zerolog.Logger) *Registry {
	return &Registry{
		launcher:  launcher,
		resolve:   resolve,
		sessionID: sessionID,
		env:       env,
		bus:       NewBus(log),
		log:       log.With().Str("component", "registry").Logger(),
		agents:    make(map[string]*Connection),
	}
}

// Events exposes registry-level events: every connection's lifecycle and
// message events, already tagged with the node name.
func (r *Registry) Events() *Bus { return r.bus }

// Get returns the connection for a node, creating it if absent.
func (r *Registry) Get(name string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.agents[name]; ok {
		return c, nil
	}
	n, ok := r.resolve(name)
	if !ok {
		if name != node.DefaultName {
			return nil, fmt.Errorf("%w: %s", ErrNodeUnknown, name)
		}
		n = node.Node{Name: node.DefaultName, URI: node.LocalURI}
	}
	c := NewConnection(n, r.launcher, r.sessionID, r.env, r.log)
	r.agents[name] = c
	go r.forward(c)
	return c, nil
}

// Ensure returns the node's connection with its agent started.
func (r *Registry) Ensure(ctx context.Context, name string) (*Connection, error) {
	c, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// List snapshots the registered connections.
func (r *Registry) List() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Connection, 0, len(r.agents))
	for _, c := range r.agents {
		out = append(out, c)
	}
	return out
}

// HealthAll snapshots health for every registered node.
func (r *Registry) HealthAll() []Health {
	conns := r.List()
	out := make([]Health, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Health())
	}
	return out
}

// forward republishes one connection's events on the registry bus. Events
// already carry the node name.
func (r *Registry) forward(c *Connection) {
	ch, _ := c.Events().Subscribe(context.Background())
	for ev := range ch {
		r.bus.Publish(ev)
	}
}

// SetMonitoringAll toggles resource monitoring on every registered agent.
// Best effort: one node's failure does not block the others.
func (r *Registry) SetMonitoringAll(ctx context.Context, enabled bool) error {
	action := ActionStartMon
	if !enabled {
		action = ActionStopMon
	}
	return r.fanOut(ctx, "set monitoring", func(ctx context.Context, c *Connection) error {
		_, err := c.Send(ctx, action, nil)
		return err
	})
}

// RestartAll gracefully restarts every registered agent, forcing after grace.
func (r *Registry) RestartAll(ctx context.Context, reason string, grace time.Duration) error {
	return r.fanOut(ctx, "restart", func(ctx context.Context, c *Connection) error {
		return c.Restart(ctx, reason, grace)
	})
}

// fanOut runs op against every registered connection concurrently and joins
// the failures, allSettled-style.
func (r *Registry) fanOut(ctx context.Context, what string, op func(context.Context, *Connection) error) error {
	conns := r.List()
	var wg sync.WaitGroup
	errs := make([]error, len(conns))
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *Connection) {
			defer wg.Done()
			if err := op(ctx, c); err != nil {
				r.log.Warn().Str("node", c.Node().Name).Err(err).Msgf("%s failed", what)
				errs[i] = fmt.Errorf("%s: %w", c.Node().Name, err)
			}
		}(i, c)
	}
	wg.Wait()
	return errors.Join(errs...)
}
