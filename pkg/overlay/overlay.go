// Package overlay implements the mesh's UDP overlay engine: the encrypted
// datagram receive loop, hole-punch initiator, and keepalive/reaper loop
// that together keep a peer table converged across NATs.
package overlay

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/javadef/meshnode/internal/envelope"
	"github.com/javadef/meshnode/internal/fragment"
	"github.com/javadef/meshnode/internal/identity"
	"github.com/javadef/meshnode/internal/peertable"
	"github.com/javadef/meshnode/internal/stunclient"
	"github.com/javadef/meshnode/internal/telemetry"
)

// Config configures a Node. Zero-valued Timing fields are filled with
// spec-default constants by New.
type Config struct {
	NetworkID  string
	Secret     string
	LocalPort  int
	STUNServer string
	Timing     TimingConfig
	Metrics    *telemetry.Metrics // nil-safe; no metrics recorded if nil
}

// TimingConfig mirrors internal/config.TimingConfig without importing it,
// keeping pkg/overlay usable independent of the config file format.
type TimingConfig struct {
	KeepalivePeriod  time.Duration
	PeerTimeout      time.Duration
	HolePunchCount   int
	HolePunchSpacing time.Duration
	STUNTimeout      time.Duration
}

func (t TimingConfig) withDefaults() TimingConfig {
	if t.KeepalivePeriod == 0 {
		t.KeepalivePeriod = 10 * time.Second
	}
	if t.PeerTimeout == 0 {
		t.PeerTimeout = 60 * time.Second
	}
	if t.HolePunchCount == 0 {
		t.HolePunchCount = 5
	}
	if t.HolePunchSpacing == 0 {
		t.HolePunchSpacing = 500 * time.Millisecond
	}
	if t.STUNTimeout == 0 {
		t.STUNTimeout = 5 * time.Second
	}
	return t
}

// Node is a single mesh overlay endpoint: one UDP socket, one peer table,
// one receive-loop/keepalive-loop goroutine group.
type Node struct {
	networkID  string
	stunServer string
	timing     TimingConfig
	metrics    *telemetry.Metrics

	nodeID    identity.NodeID
	virtualIP identity.VirtualIP

	conn   *net.UDPConn
	sealer *envelope.Sealer
	stun   *stunclient.Client

	peers       *peertable.Table
	reassembler *fragment.Reassembler

	// holePunchLimiter throttles hole-punch attempts spawned from gossiped
	// peer lists, so a burst of hello_ack/discover_response replies from a
	// well-connected peer can't flood the socket with outbound hellos.
	holePunchLimiter *rate.Limiter

	selfMu   sync.RWMutex
	selfAddr *net.UDPAddr

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	closeOnce sync.Once
}

// eventBufferSize bounds the Events() channel; once full, new events are
// dropped rather than blocking the receive loop.
const eventBufferSize = 256

// gossipHolePunchRate and gossipHolePunchBurst bound how many hole-punch
// attempts gossiped peer discovery may spawn per second, independent of
// however many peers a single hello_ack or discover_response names.
const (
	gossipHolePunchRate  = 20
	gossipHolePunchBurst = 20
)

// New constructs a Node bound to a fresh ephemeral NodeID and deterministic
// VirtualIP derived from cfg.NetworkID, and binds the UDP socket on
// cfg.LocalPort (a bind failure is returned here). No traffic is sent or
// read until Start.
func New(cfg Config) (*Node, error) {
	if cfg.NetworkID == "" {
		return nil, fmt.Errorf("overlay: NetworkID is required")
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("overlay: Secret is required")
	}

	sealer, err := envelope.New(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("overlay: failed to build crypto envelope: %w", err)
	}

	nodeID, err := identity.NewNodeID(cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("overlay: failed to derive node ID: %w", err)
	}
	virtualIP := identity.NewVirtualIP(cfg.NetworkID, nodeID)

	timing := cfg.Timing.withDefaults()

	n := &Node{
		networkID:        cfg.NetworkID,
		stunServer:       cfg.STUNServer,
		timing:           timing,
		metrics:          cfg.Metrics,
		nodeID:           nodeID,
		virtualIP:        virtualIP,
		sealer:           sealer,
		peers:            peertable.New(),
		reassembler:      fragment.NewReassembler(timing.PeerTimeout),
		holePunchLimiter: rate.NewLimiter(rate.Limit(gossipHolePunchRate), gossipHolePunchBurst),
		events:           make(chan Event, eventBufferSize),
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.LocalPort})
	if err != nil {
		return nil, fmt.Errorf("overlay: failed to bind UDP socket: %w", err)
	}
	n.conn = conn
	n.stun = stunclient.New(conn)

	return n, nil
}

// NodeID returns this node's ephemeral identifier.
func (n *Node) NodeID() identity.NodeID { return n.nodeID }

// VirtualIP returns this node's deterministic mesh address.
func (n *Node) VirtualIP() identity.VirtualIP { return n.virtualIP }

// LocalAddr returns the address the overlay socket is bound to.
func (n *Node) LocalAddr() net.Addr { return n.conn.LocalAddr() }

// Start spawns the receive loop and the keepalive/reaper loop, then runs an
// initial STUN probe (whose response the receive loop routes to it). It
// returns once the initial probe completes (or times out); the loops
// continue running in the background until Close.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)

	n.group = &errgroup.Group{}
	n.group.Go(func() error { n.receiveLoop(); return nil })
	n.group.Go(func() error { n.keepaliveLoop(); return nil })

	n.probeSelfAddr()

	slog.Info("overlay: started",
		"node_id", n.nodeID.String(),
		"virtual_ip", n.virtualIP.String(),
		"local_addr", n.conn.LocalAddr().String(),
	)
	return nil
}

// Close stops both background loops and closes the socket. In-flight
// events are not drained; a consumer that stops reading Events() first
// simply lets them pile up until the channel fills.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		if n.cancel != nil {
			n.cancel()
		}
		err = n.conn.Close()
		if n.group != nil {
			n.group.Wait()
		}
		close(n.events)
	})
	return err
}

// Peers returns a point-in-time snapshot of every peer the table currently
// tracks.
func (n *Node) Peers() []peertable.Record {
	return n.peers.Snapshot()
}

// Events returns the channel on which PeerConnected, PeerDisconnected, and
// Message events are delivered. The channel is closed by Close.
func (n *Node) Events() <-chan Event {
	return n.events
}

func (n *Node) emit(ev Event) {
	select {
	case n.events <- ev:
	default:
		slog.Debug("overlay: event dropped, consumer not keeping up", "kind", ev.Kind)
	}
}

func (n *Node) selfAddress() *net.UDPAddr {
	n.selfMu.RLock()
	defer n.selfMu.RUnlock()
	return n.selfAddr
}

func (n *Node) setSelfAddress(addr *net.UDPAddr) {
	n.selfMu.Lock()
	defer n.selfMu.Unlock()
	n.selfAddr = addr
}
