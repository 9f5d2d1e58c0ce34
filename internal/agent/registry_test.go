package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetdeck/fleetdeck/internal/node"
)

func testResolver(nodes ...node.Node) Resolver {
	return func(name string) (node.Node, bool) {
		for _, n := range nodes {
			if n.Name == name {
				return n, true
			}
		}
		return node.Node{}, false
	}
}

func TestRegistryCreateIfAbsent(t *testing.T) {
	l := &fakeLauncher{}
	r := NewRegistry(l, testResolver(node.Node{Name: "db1", URI: "ssh://root@db1"}), "sess", nil, zerolog.Nop())

	a, err := r.Get("db1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, err := r.Get("db1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if a != b {
		t.Fatal("same name returned distinct connections")
	}
	if len(r.List()) != 1 {
		t.Fatalf("expected 1 registered, got %d", len(r.List()))
	}
}

func TestRegistryUnknownNode(t *testing.T) {
	r := NewRegistry(&fakeLauncher{}, testResolver(), "sess", nil, zerolog.Nop())
	if _, err := r.Get("ghost"); !errors.Is(err, ErrNodeUnknown) {
		t.Fatalf("expected ErrNodeUnknown, got %v", err)
	}
}

// TestRegistryImplicitLocal verifies the default local node needs no
// configuration entry.
func TestRegistryImplicitLocal(t *testing.T) {
	r := NewRegistry(&fakeLauncher{}, testResolver(), "sess", nil, zerolog.Nop())
	c, err := r.Get(node.DefaultName)
	if err != nil {
		t.Fatalf("get local: %v", err)
	}
	if !c.Node().IsLocal() {
		t.Fatalf("implicit node is not local: %+v", c.Node())
	}
}

// TestRegistryForwardsTaggedEvents verifies connection events surface on the
// registry bus carrying their node name.
func TestRegistryForwardsTaggedEvents(t *testing.T) {
	l := &fakeLauncher{}
	r := NewRegistry(l, testResolver(node.Node{Name: "web1", URI: node.LocalURI}), "sess", nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := r.Events().Subscribe(ctx)

	if _, err := r.Ensure(context.Background(), "web1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Kind != EventConnected || ev.Node != "web1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connected event on registry bus")
	}
}

func TestRegistryHealthAll(t *testing.T) {
	l := &fakeLauncher{}
	r := NewRegistry(l, testResolver(
		node.Node{Name: "a", URI: node.LocalURI},
		node.Node{Name: "b", URI: node.LocalURI},
	), "sess", nil, zerolog.Nop())

	if _, err := r.Ensure(context.Background(), "a"); err != nil {
		t.Fatalf("ensure a: %v", err)
	}
	if _, err := r.Get("b"); err != nil {
		t.Fatalf("get b: %v", err)
	}

	byNode := map[string]Health{}
	for _, h := range r.HealthAll() {
		byNode[h.Node] = h
	}
	if len(byNode) != 2 {
		t.Fatalf("expected 2 health entries, got %d", len(byNode))
	}
	if !byNode["a"].Connected {
		t.Fatal("started node reported disconnected")
	}
	if byNode["b"].Connected {
		t.Fatal("never-started node reported connected")
	}
}

// TestSetMonitoringAllBestEffort verifies one failing node does not stop the
// others, and its failure is reported.
func TestSetMonitoringAllBestEffort(t *testing.T) {
	l := &fakeLauncher{}
	l.script = func(nodeName string, cmd Command) *Message {
		if nodeName == "bad" {
			return responseMsg(t, ResponsePayload{ID: cmd.ID, Error: "monitoring unavailable"})
		}
		return responseMsg(t, ResponsePayload{ID: cmd.ID, Result: json.RawMessage(`"ok"`)})
	}
	r := NewRegistry(l, testResolver(
		node.Node{Name: "good", URI: node.LocalURI},
		node.Node{Name: "bad", URI: node.LocalURI},
	), "sess", nil, zerolog.Nop())

	good, err := r.Ensure(context.Background(), "good")
	if err != nil {
		t.Fatalf("ensure good: %v", err)
	}
	if _, err := r.Ensure(context.Background(), "bad"); err != nil {
		t.Fatalf("ensure bad: %v", err)
	}

	err = r.SetMonitoringAll(context.Background(), true)
	if err == nil {
		t.Fatal("expected the bad node's failure to surface")
	}
	if !strings.Contains(err.Error(), "bad") || !strings.Contains(err.Error(), "monitoring unavailable") {
		t.Fatalf("joined error %q does not name the failing node", err)
	}
	if good.State() != StateConnected {
		t.Fatal("one node's failure disturbed another")
	}
}

func TestRestartAllBestEffort(t *testing.T) {
	l := &fakeLauncher{}
	r := NewRegistry(l, testResolver(
		node.Node{Name: "a", URI: node.LocalURI},
		node.Node{Name: "b", URI: node.LocalURI},
	), "sess", nil, zerolog.Nop())
	for _, name := range []string{"a", "b"} {
		if _, err := r.Ensure(context.Background(), name); err != nil {
			t.Fatalf("ensure %s: %v", name, err)
		}
	}
	before := l.launchCount()

	if err := r.RestartAll(context.Background(), "rollout", 50*time.Millisecond); err != nil {
		t.Fatalf("restart all: %v", err)
	}
	if got := l.launchCount(); got != before+2 {
		t.Fatalf("expected %d launches after restart, got %d", before+2, got)
	}
	for _, c := range r.List() {
		if c.State() != StateConnected {
			t.Fatalf("%s not reconnected", c.Node().Name)
		}
	}
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	b := NewBus(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := b.Subscribe(ctx)

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(Event{Node: "x", Kind: EventMessage})
	}
	// Publish never blocked; the buffer holds exactly its capacity.
	if len(ch) != subscriberBuffer {
		t.Fatalf("buffered %d events, want %d", len(ch), subscriberBuffer)
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	b := NewBus(zerolog.Nop())
	ch, id := b.Subscribe(context.Background())
	b.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after unsubscribe")
	}
	// Publishing after unsubscribe must not panic.
	b.Publish(Event{Node: "x"})
}
