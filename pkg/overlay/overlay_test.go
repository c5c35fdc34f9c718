package overlay

import (
	"context"
	"math/rand"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func fastTiming() TimingConfig {
	return TimingConfig{
		KeepalivePeriod:  50 * time.Millisecond,
		PeerTimeout:      200 * time.Millisecond,
		HolePunchCount:   3,
		HolePunchSpacing: 10 * time.Millisecond,
		STUNTimeout:      100 * time.Millisecond,
	}
}

func newTestNode(t *testing.T, secret string) *Node {
	t.Helper()
	n, err := New(Config{
		NetworkID:  "test-network",
		Secret:     secret,
		LocalPort:  0,
		STUNServer: "127.0.0.1:1", // deliberately unreachable; tests don't depend on STUN
		Timing:     fastTiming(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func waitForEvent(t *testing.T, n *Node, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-n.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %q", kind)
		}
	}
}

func udpHost(n *Node) string {
	// Nodes under test bind to all interfaces (0.0.0.0); dial loopback
	// explicitly rather than the unspecified address LocalAddr reports.
	return "127.0.0.1"
}

func udpPort(n *Node) int {
	return n.LocalAddr().(*net.UDPAddr).Port
}

func TestConnectToPeerEstablishesBidirectionalHello(t *testing.T) {
	a := newTestNode(t, "shared-secret")
	b := newTestNode(t, "shared-secret")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("b.Start: %v", err)
	}

	if err := a.ConnectToPeer(udpHost(b), udpPort(b)); err != nil {
		t.Fatalf("ConnectToPeer: %v", err)
	}

	waitForEvent(t, a, EventPeerConnected, 2*time.Second)
	waitForEvent(t, b, EventPeerConnected, 2*time.Second)

	if len(a.Peers()) != 1 {
		t.Errorf("a.Peers() len = %d, want 1", len(a.Peers()))
	}
	if len(b.Peers()) != 1 {
		t.Errorf("b.Peers() len = %d, want 1", len(b.Peers()))
	}
}

func TestSendDeliversMessage(t *testing.T) {
	a := newTestNode(t, "shared-secret")
	b := newTestNode(t, "shared-secret")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)

	a.ConnectToPeer(udpHost(b), udpPort(b))
	waitForEvent(t, a, EventPeerConnected, 2*time.Second)

	ok := a.Send(b.VirtualIP().String(), []byte("hello peer"))
	if !ok {
		t.Fatal("Send returned false")
	}

	ev := waitForEvent(t, b, EventMessage, 2*time.Second)
	if string(ev.Payload) != "hello peer" {
		t.Errorf("payload = %q, want %q", ev.Payload, "hello peer")
	}
}

func TestSendUnknownPeerReturnsFalse(t *testing.T) {
	a := newTestNode(t, "shared-secret")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	a.Start(ctx)

	if a.Send("10.9.9.9", []byte("x")) {
		t.Error("Send to unknown peer returned true, want false")
	}
}

func TestBroadcastReachesAllPeers(t *testing.T) {
	a := newTestNode(t, "shared-secret")
	b := newTestNode(t, "shared-secret")
	c := newTestNode(t, "shared-secret")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)
	c.Start(ctx)

	a.ConnectToPeer(udpHost(b), udpPort(b))
	waitForEvent(t, a, EventPeerConnected, 2*time.Second)
	a.ConnectToPeer(udpHost(c), udpPort(c))
	waitForEvent(t, a, EventPeerConnected, 2*time.Second)

	a.Broadcast([]byte("to all"))

	waitForEvent(t, b, EventMessage, 2*time.Second)
	waitForEvent(t, c, EventMessage, 2*time.Second)
}

func TestPeerDisconnectsAfterTimeout(t *testing.T) {
	a := newTestNode(t, "shared-secret")
	b := newTestNode(t, "shared-secret")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)

	a.ConnectToPeer(udpHost(b), udpPort(b))
	waitForEvent(t, a, EventPeerConnected, 2*time.Second)

	if err := b.Close(); err != nil {
		t.Fatalf("b.Close: %v", err)
	}

	waitForEvent(t, a, EventPeerDisconnected, 2*time.Second)
	if len(a.Peers()) != 0 {
		t.Errorf("a.Peers() len = %d after disconnect, want 0", len(a.Peers()))
	}
}

// TestCloseLeavesNoGoroutinesRunning confirms Close fully tears down the
// receive and keepalive loops rather than leaking them, since a Node's
// goroutines aren't otherwise observable from outside the package.
func TestCloseLeavesNoGoroutinesRunning(t *testing.T) {
	defer goleak.VerifyNone(t)

	n, err := New(Config{
		NetworkID: "test-network",
		Secret:    "shared-secret",
		LocalPort: 0,
		Timing:    fastTiming(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestWrongSecretCannotJoinMesh(t *testing.T) {
	a := newTestNode(t, "secret-a")
	b := newTestNode(t, "secret-b")

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)

	a.ConnectToPeer(udpHost(b), udpPort(b))

	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected event from mismatched-secret peer: %+v", ev)
	case <-time.After(400 * time.Millisecond):
	}
}

// TestGossipPropagatesTransitiveDiscovery exercises the behavior that makes
// this a mesh rather than a set of pairwise links: c joins through a first,
// then b joins through a, and b must discover c transitively via a's
// hello_ack gossip and gossipHolePunch, without ever calling
// b.ConnectToPeer(c) directly.
func TestGossipPropagatesTransitiveDiscovery(t *testing.T) {
	a := newTestNode(t, "shared-secret")
	b := newTestNode(t, "shared-secret")
	c := newTestNode(t, "shared-secret")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)
	c.Start(ctx)

	if err := c.ConnectToPeer(udpHost(a), udpPort(a)); err != nil {
		t.Fatalf("c.ConnectToPeer(a): %v", err)
	}
	waitForEvent(t, a, EventPeerConnected, 2*time.Second)
	waitForEvent(t, c, EventPeerConnected, 2*time.Second)

	if err := b.ConnectToPeer(udpHost(a), udpPort(a)); err != nil {
		t.Fatalf("b.ConnectToPeer(a): %v", err)
	}
	waitForEvent(t, a, EventPeerConnected, 2*time.Second)
	waitForEvent(t, b, EventPeerConnected, 2*time.Second)

	// a's hello_ack to b gossips c; b's handleHelloAck spawns a hole-punch
	// toward c in a separate goroutine, so b's peer table gains a second
	// entry asynchronously.
	deadline := time.After(3 * time.Second)
	for {
		if len(b.Peers()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("b never discovered c transitively via a's gossip; b.Peers() = %+v", b.Peers())
		case <-time.After(10 * time.Millisecond):
		}
	}

	found := false
	for _, rec := range b.Peers() {
		if rec.NodeID == c.NodeID() {
			found = true
		}
	}
	if !found {
		t.Errorf("b.Peers() does not contain c's NodeID %q: %+v", c.NodeID(), b.Peers())
	}
}

// TestRandomBytesDatagramLeavesStateUnchanged sends an unauthenticated,
// non-decryptable datagram directly at a node's socket, bypassing the
// envelope/wire encode path entirely, and confirms handleDatagram's
// decrypt-failure branch drops it silently: no event fires and the peer
// table is untouched.
func TestRandomBytesDatagramLeavesStateUnchanged(t *testing.T) {
	a := newTestNode(t, "shared-secret")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("a.Start: %v", err)
	}

	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP(udpHost(a)), Port: udpPort(a)})
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer conn.Close()

	garbage := make([]byte, 64)
	rand.Read(garbage)
	if _, err := conn.Write(garbage); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected event from unauthenticated datagram: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}

	if len(a.Peers()) != 0 {
		t.Errorf("a.Peers() len = %d after random-bytes injection, want 0", len(a.Peers()))
	}
}
