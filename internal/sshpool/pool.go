package sshpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	xssh "golang.org/x/crypto/ssh"

	"github.com/fleetdeck/fleetdeck/internal/node"
)

const (
	// DefaultConnectTimeout bounds a single connection attempt. If neither a
	// ready client nor an error shows up within it, the attempt fails.
	DefaultConnectTimeout = 15 * time.Second

	// DefaultKeepaliveInterval is how often open connections are probed to
	// detect silent death.
	DefaultKeepaliveInterval = 30 * time.Second

	keepaliveRequest = "keepalive@fleetdeck"
)

// Client is the part of an SSH connection the pool manages. *ssh.Client
// satisfies it; tests substitute fakes.
type Client interface {
	NewSession() (*xssh.Session, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Wait() error
	Close() error
}

// DialFunc establishes an SSH client. Injectable for tests.
type DialFunc func(ctx context.Context, addr string, cfg *xssh.ClientConfig) (Client, error)

// defaultDial wraps xssh.Dial so a cancelled context abandons the attempt.
func defaultDial(ctx context.Context, addr string, cfg *xssh.ClientConfig) (Client, error) {
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.cli, nil
	}
}

type attempt struct {
	done   chan struct{}
	client Client
	err    error
}

// Pool caches one live SSH connection per node name. Concurrent callers for
// the same node share a single in-flight attempt; dead connections are
// evicted so the next call re-establishes.
type Pool struct {
	mu      sync.Mutex
	clients map[string]Client
	pending map[string]*attempt

	dial              DialFunc
	hostKeys          xssh.HostKeyCallback
	connectTimeout    time.Duration
	keepaliveInterval time.Duration
	log               zerolog.Logger
}

// Option configures a Pool.
type Option func(*Pool)

// WithDialFunc replaces the SSH dialer.
func WithDialFunc(d DialFunc) Option { return func(p *Pool) { p.dial = d } }

// WithHostKeyCallback sets strict host key verification. Without it the pool
// accepts any host key, matching the relaxed checking used for node shells.
func WithHostKeyCallback(cb xssh.HostKeyCallback) Option {
	return func(p *Pool) { p.hostKeys = cb }
}

// WithConnectTimeout overrides the connect watchdog.
func WithConnectTimeout(d time.Duration) Option {
	return func(p *Pool) { p.connectTimeout = d }
}

// WithKeepaliveInterval overrides the probe interval. Zero disables probing.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(p *Pool) { p.keepaliveInterval = d }
}

// NewPool creates an empty pool.
func NewPool(log zerolog.Logger, opts ...Option) *Pool {
	p := &Pool{
		clients:           make(map[string]Client),
		pending:           make(map[string]*attempt),
		dial:              defaultDial,
		hostKeys:          xssh.InsecureIgnoreHostKey(),
		connectTimeout:    DefaultConnectTimeout,
		keepaliveInterval: DefaultKeepaliveInterval,
		log:               log.With().Str("component", "sshpool").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Get returns a cached, still-open connection for the node, or establishes a
// new one. Callers that arrive while an attempt is in flight wait for that
// same attempt instead of dialing again.
func (p *Pool) Get(ctx context.Context, n node.Node) (Client, error) {
	p.mu.Lock()
	if cli, ok := p.clients[n.Name]; ok {
		p.mu.Unlock()
		return cli, nil
	}
	if att, ok := p.pending[n.Name]; ok {
		p.mu.Unlock()
		select {
		case <-att.done:
			return att.client, att.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	att := &attempt{done: make(chan struct{})}
	p.pending[n.Name] = att
	p.mu.Unlock()

	cli, err := p.connect(ctx, n)

	p.mu.Lock()
	delete(p.pending, n.Name)
	if err == nil {
		p.clients[n.Name] = cli
		go p.watch(n.Name, cli)
		if p.keepaliveInterval > 0 {
			go p.keepalive(n.Name, cli)
		}
	}
	p.mu.Unlock()

	att.client, att.err = cli, err
	close(att.done)
	return cli, err
}

func (p *Pool) connect(ctx context.Context, n node.Node) (Client, error) {
	ep, err := n.ParseEndpoint()
	if err != nil {
		return nil, err
	}
	var auth []xssh.AuthMethod
	if n.Identity != "" {
		signer, err := LoadPrivateKeySigner(n.Identity)
		if err != nil {
			return nil, err
		}
		auth = append(auth, xssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("connect %s: no identity key configured for %s", n.Name, ep.Addr())
	}
	cfg := &xssh.ClientConfig{
		User:            ep.User,
		Auth:            auth,
		HostKeyCallback: p.hostKeys,
		Timeout:         p.connectTimeout,
	}
	dctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()

	p.log.Debug().Str("node", n.Name).Str("addr", ep.Addr()).Msg("dialing")
	cli, err := p.dial(dctx, ep.Addr(), cfg)
	if err != nil {
		return nil, hintError(n.Name, err)
	}
	p.log.Info().Str("node", n.Name).Str("addr", ep.Addr()).Msg("ssh connection established")
	return cli, nil
}

// watch evicts the cache entry once the underlying connection ends.
func (p *Pool) watch(name string, cli Client) {
	err := cli.Wait()
	p.log.Debug().Str("node", name).AnErr("cause", err).Msg("ssh connection closed")
	p.evict(name, cli)
}

// keepalive probes the connection until a probe fails, then evicts it.
func (p *Pool) keepalive(name string, cli Client) {
	ticker := time.NewTicker(p.keepaliveInterval)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		current := p.clients[name] == cli
		p.mu.Unlock()
		if !current {
			return
		}
		if _, _, err := cli.SendRequest(keepaliveRequest, true, nil); err != nil {
			p.log.Warn().Str("node", name).Err(err).Msg("keepalive probe failed, evicting connection")
			p.evict(name, cli)
			return
		}
	}
}

// evict drops the cached client if it is still the one registered under name.
func (p *Pool) evict(name string, cli Client) {
	p.mu.Lock()
	if p.clients[name] == cli {
		delete(p.clients, name)
	}
	p.mu.Unlock()
	_ = cli.Close()
}

// Drop forcibly closes and removes the cached connection for a node, if any.
func (p *Pool) Drop(name string) {
	p.mu.Lock()
	cli, ok := p.clients[name]
	if ok {
		delete(p.clients, name)
	}
	p.mu.Unlock()
	if ok {
		_ = cli.Close()
	}
}

// Close drops every cached connection.
func (p *Pool) Close() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]Client)
	p.mu.Unlock()
	for _, cli := range clients {
		_ = cli.Close()
	}
}
