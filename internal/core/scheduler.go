package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetdeck/fleetdeck/internal/agent"
	"github.com/fleetdeck/fleetdeck/internal/node"
)

// defaultRestartGrace applies when a schedule does not set its own.
const defaultRestartGrace = 15 * time.Second

// RestartScheduler fires each node's daily HH:MM restart through the registry.
type RestartScheduler struct {
	registry *agent.Registry
	nodes    func() []node.Node
	log      zerolog.Logger

	fired map[string]string // node name -> "2006-01-02 15:04" of last firing
}

// NewRestartScheduler builds a scheduler over a node snapshot function, so
// configuration reloads are picked up without restarting the scheduler.
func NewRestartScheduler(registry *agent.Registry, nodes func() []node.Node, log zerolog.Logger) *RestartScheduler {
	return &RestartScheduler{
		registry: registry,
		nodes:    nodes,
		log:      log.With().Str("component", "scheduler").Logger(),
		fired:    make(map[string]string),
	}
}

// Run ticks until ctx ends.
func (s *RestartScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *RestartScheduler) tick(ctx context.Context, now time.Time) {
	for _, n := range s.nodes() {
		if !s.due(n, now) {
			continue
		}
		s.fired[n.Name] = firingKey(n, now)
		grace := time.Duration(n.Restart.GraceSeconds) * time.Second
		if grace <= 0 {
			grace = defaultRestartGrace
		}
		conn, err := s.registry.Get(n.Name)
		if err != nil {
			s.log.Warn().Str("node", n.Name).Err(err).Msg("scheduled restart skipped")
			continue
		}
		s.log.Info().Str("node", n.Name).Str("at", n.Restart.At).Msg("scheduled restart firing")
		go func(c *agent.Connection, grace time.Duration) {
			if err := c.Restart(ctx, "scheduled restart", grace); err != nil {
				s.log.Warn().Str("node", c.Node().Name).Err(err).Msg("scheduled restart failed")
			}
		}(conn, grace)
	}
}

// due reports whether the node's schedule matches the current minute and has
// not already fired for it.
func (s *RestartScheduler) due(n node.Node, now time.Time) bool {
	if !n.Restart.Enabled || n.Restart.At == "" {
		return false
	}
	if now.Format("15:04") != n.Restart.At {
		return false
	}
	return s.fired[n.Name] != firingKey(n, now)
}

func firingKey(n node.Node, now time.Time) string {
	return now.Format("2006-01-02") + " " + n.Restart.At
}
