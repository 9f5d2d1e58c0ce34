package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetdeck/fleetdeck/internal/agent"
	"github.com/fleetdeck/fleetdeck/internal/core"
	"github.com/fleetdeck/fleetdeck/internal/node"
	"github.com/fleetdeck/fleetdeck/internal/sshpool"
	"github.com/fleetdeck/fleetdeck/internal/term"
)

// bootstrap loads configuration and wires the registry stack. The registry is
// constructed once here and passed down; nothing else holds global state.
func bootstrap(cmd *cobra.Command) (core.Config, *agent.Registry, *sshpool.Pool, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := core.LoadConfig(cfgPath)
	if err != nil {
		return core.Config{}, nil, nil, err
	}
	var poolOpts []sshpool.Option
	if cfg.KnownHosts != "" {
		cb, err := sshpool.LoadKnownHostsCallback(cfg.KnownHosts)
		if err != nil {
			return core.Config{}, nil, nil, err
		}
		poolOpts = append(poolOpts, sshpool.WithHostKeyCallback(cb))
	}
	pool := sshpool.NewPool(log.Logger, poolOpts...)
	launcher := &agent.ProcessLauncher{Pool: pool, AgentCommand: cfg.Agent.Command}
	registry := agent.NewRegistry(launcher, cfg.Resolve, cfg.SessionID, cfg.AgentEnv(), log.Logger)
	return cfg, registry, pool, nil
}

func storePath(cfg core.Config) string {
	if cfg.StorePath != "" {
		return cfg.StorePath
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "fleetdeck", "fleetdeck.db")
}

// Create the up command
func newUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Connect to all configured nodes and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, registry, pool, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			dbPath := storePath(cfg)
			if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
				return err
			}
			store, err := core.NewStore(dbPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()
			go core.AuditAgentEvents(ctx, store, registry.Events(), log.Logger)

			names := []string{node.DefaultName}
			for _, n := range cfg.Nodes {
				names = append(names, n.Name)
			}
			for _, name := range names {
				if _, err := registry.Ensure(ctx, name); err != nil {
					log.Warn().Str("node", name).Err(err).Msg("agent start failed")
				}
			}

			scheduler := core.NewRestartScheduler(registry, func() []node.Node { return cfg.Nodes }, log.Logger)
			go scheduler.Run(ctx)

			manager := term.NewManager(term.Config{}, cfg.Resolve, term.NewHub(log.Logger), log.Logger)
			defer manager.Close()
			// The host shell is always on; other sessions start on demand.
			if _, err := manager.Ensure(term.HostSessionID, 120, 32); err != nil {
				log.Warn().Err(err).Msg("host shell start failed")
			}

			log.Info().Int("nodes", len(names)).Str("session_id", cfg.SessionID).Msg("fleetdeck up")
			<-ctx.Done()
			return nil
		},
	}
}

// Create the nodes command
func newNodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List configured nodes and their agent health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, registry, pool, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			names := []string{node.DefaultName}
			for _, n := range cfg.Nodes {
				names = append(names, n.Name)
			}
			for _, name := range names {
				conn, err := registry.Get(name)
				if err != nil {
					return err
				}
				h := conn.Health()
				state := "idle"
				if h.Connected {
					state = "connected"
				}
				fmt.Printf("%-20s %-10s local=%v\n", name, state, conn.Node().IsLocal())
			}
			return nil
		},
	}
}

// Create the send command
func newSendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <action> [payload-json]",
		Short: "Send a command to a node's agent and print the result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, registry, pool, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			nodeName, _ := cmd.Flags().GetString("node")
			var payload any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
					return fmt.Errorf("payload is not valid JSON: %w", err)
				}
			}
			conn, err := registry.Ensure(cmd.Context(), nodeName)
			if err != nil {
				return err
			}
			result, err := conn.Send(cmd.Context(), args[0], payload)
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
	cmd.Flags().String("node", node.DefaultName, "target node name")
	return cmd
}

// Create the restart command
func newRestartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Gracefully restart one agent, or all with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, registry, pool, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			grace, _ := cmd.Flags().GetDuration("grace")
			reason, _ := cmd.Flags().GetString("reason")
			all, _ := cmd.Flags().GetBool("all")
			if all {
				return registry.RestartAll(cmd.Context(), reason, grace)
			}
			nodeName, _ := cmd.Flags().GetString("node")
			conn, err := registry.Ensure(cmd.Context(), nodeName)
			if err != nil {
				return err
			}
			return conn.Restart(cmd.Context(), reason, grace)
		},
	}
	cmd.Flags().String("node", node.DefaultName, "target node name")
	cmd.Flags().Bool("all", false, "restart every registered agent")
	cmd.Flags().String("reason", "operator restart", "reason recorded with the restart")
	cmd.Flags().Duration("grace", 15*time.Second, "graceful shutdown window before force kill")
	return cmd
}

// Create the deploy command
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy <local-agent-binary>",
		Short: "Push the agent executable to a remote node over SFTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, pool, err := bootstrap(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			nodeName, _ := cmd.Flags().GetString("node")
			n, ok := cfg.Resolve(nodeName)
			if !ok {
				return fmt.Errorf("unknown node %s", nodeName)
			}
			if n.IsLocal() {
				return fmt.Errorf("node %s is local, nothing to deploy", nodeName)
			}
			cli, err := pool.Get(cmd.Context(), n)
			if err != nil {
				return err
			}
			if err := agent.DeployAgent(cmd.Context(), cli, args[0], cfg.Agent.RemotePath); err != nil {
				return err
			}
			log.Info().Str("node", nodeName).Str("path", cfg.Agent.RemotePath).Msg("agent deployed")
			return nil
		},
	}
	cmd.Flags().String("node", "", "target node name")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

// Create the events command
func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent agent lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			store, err := core.NewStore(storePath(cfg))
			if err != nil {
				return err
			}
			defer store.Close()
			limit, _ := cmd.Flags().GetInt("limit")
			events, err := store.RecentAgentEvents(context.Background(), limit)
			if err != nil {
				return err
			}
			for _, ev := range events {
				fmt.Printf("%s  %-20s %-12s %s\n", ev.At.Format(time.RFC3339), ev.Node, ev.Kind, ev.Detail)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 50, "maximum events to show")
	return cmd
}
