package overlay

import (
	"log/slog"
	"net"
	"time"

	"github.com/javadef/meshnode/internal/identity"
	"github.com/javadef/meshnode/internal/peertable"
	"github.com/javadef/meshnode/internal/wire"
)

const maxDatagramSize = 65536

// receiveLoop blocks on datagram receive for the lifetime of the Node.
// It must never terminate on a decode/decrypt error; only socket closure
// (via Close) ends the loop.
func (n *Node) receiveLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		nRead, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if n.ctx.Err() != nil {
				return // Close was called
			}
			slog.Debug("overlay: receive error", "error", err)
			continue
		}
		datagram := make([]byte, nRead)
		copy(datagram, buf[:nRead])

		if n.stun.HandlePacket(datagram) {
			continue // STUN message; handed to a pending waiter if one matches
		}

		n.handleDatagram(datagram, addr)
	}
}

func (n *Node) handleDatagram(datagram []byte, addr *net.UDPAddr) {
	n.recordDatagramIn(len(datagram))

	plaintext, err := n.sealer.Decrypt(datagram)
	if err != nil {
		slog.Debug("overlay: decrypt failed, dropping datagram", "addr", addr, "error", err)
		n.recordDatagramType("unknown", "decrypt_error")
		return
	}

	env, err := wire.Decode(plaintext)
	if err != nil {
		slog.Debug("overlay: decode failed, dropping datagram", "addr", addr, "error", err)
		n.recordDatagramType("unknown", "decode_error")
		return
	}

	now := time.Now()
	switch env.Type {
	case wire.TypeHello:
		n.handleHello(env, addr, now)
	case wire.TypeHelloAck:
		n.handleHelloAck(env, addr, now)
	case wire.TypeKeepalive:
		n.handleKeepalive(env, addr, now)
	case wire.TypeData:
		n.handleData(env, addr, now)
	case wire.TypeDiscover:
		n.handleDiscover(env, addr)
	case wire.TypeDiscoverResponse:
		n.handleHelloAckLikeGossip(env, addr, now)
	default:
		slog.Debug("overlay: unknown message type, dropping", "type", env.Type)
		n.recordDatagramType(string(env.Type), "unknown_type")
		return
	}
	n.recordDatagramType(string(env.Type), "ok")
}

func (n *Node) recordDatagramIn(bytes int) {
	if n.metrics == nil {
		return
	}
	n.metrics.DatagramBytesTotal.WithLabelValues("in").Add(float64(bytes))
}

func (n *Node) recordDatagramType(msgType, result string) {
	if n.metrics == nil {
		return
	}
	n.metrics.DatagramsTotal.WithLabelValues("in", msgType, result).Inc()
}

func (n *Node) handleHello(env wire.Envelope, addr *net.UDPAddr, now time.Time) {
	msg, err := wire.DecodeHello(env)
	if err != nil {
		slog.Debug("overlay: malformed hello, dropping", "error", err)
		return
	}
	n.upsertFromHelloLike(msg.NodeID, msg.VirtualIP, addr, now)

	ack := wire.HelloAck{
		NodeID:    n.nodeID.String(),
		VirtualIP: n.virtualIP.String(),
		Peers:     n.gossipPeers(),
	}
	n.sendEnvelope(wire.TypeHelloAck, ack, addr)
}

func (n *Node) handleHelloAck(env wire.Envelope, addr *net.UDPAddr, now time.Time) {
	msg, err := wire.DecodeHelloAck(env)
	if err != nil {
		slog.Debug("overlay: malformed hello_ack, dropping", "error", err)
		return
	}
	n.upsertFromHelloLike(msg.NodeID, msg.VirtualIP, addr, now)
	n.gossipHolePunch(msg.Peers)
}

func (n *Node) handleHelloAckLikeGossip(env wire.Envelope, addr *net.UDPAddr, now time.Time) {
	msg, err := wire.DecodeDiscoverResponse(env)
	if err != nil {
		slog.Debug("overlay: malformed discover_response, dropping", "error", err)
		return
	}
	n.upsertFromHelloLike(msg.NodeID, "", addr, now)
	n.gossipHolePunch(msg.Peers)
}

func (n *Node) upsertFromHelloLike(nodeID, virtualIP string, addr *net.UDPAddr, now time.Time) {
	if identity.NodeID(nodeID) == n.nodeID {
		return
	}
	existing, existed := n.peers.Get(identity.NodeID(nodeID))
	if virtualIP == "" && existed {
		virtualIP = existing.VirtualIP.String()
	}
	rec := n.peers.Upsert(identity.NodeID(nodeID), identity.VirtualIP(virtualIP), addr, now)
	if !existed {
		n.emit(Event{Kind: EventPeerConnected, Peer: *rec})
		if n.metrics != nil {
			n.metrics.ConnectedPeers.WithLabelValues(n.networkID).Inc()
		}
	}
}

// gossipHolePunch spawns a hole-punch toward every gossiped peer that is
// neither self nor already known. Attempts are rate-limited so a single
// hello_ack or discover_response naming many peers can't burst-flood the
// socket with outbound hellos.
func (n *Node) gossipHolePunch(peers []wire.DiscoveredPeer) {
	for _, p := range peers {
		if identity.NodeID(p.NodeID) == n.nodeID {
			continue
		}
		if _, known := n.peers.Get(identity.NodeID(p.NodeID)); known {
			continue
		}
		ip := net.ParseIP(p.ExternalIP)
		if ip == nil || p.ExternalPort == 0 {
			continue
		}
		if !n.holePunchLimiter.Allow() {
			slog.Debug("overlay: gossip hole-punch rate-limited, skipping", "node_id", p.NodeID)
			continue
		}
		go n.ConnectToPeer(p.ExternalIP, p.ExternalPort)
	}
}

func (n *Node) handleKeepalive(env wire.Envelope, addr *net.UDPAddr, now time.Time) {
	msg, err := wire.DecodeKeepalive(env)
	if err != nil {
		slog.Debug("overlay: malformed keepalive, dropping", "error", err)
		return
	}
	// Unknown senders are never auto-adopted from a keepalive alone.
	n.peers.TouchAddr(identity.NodeID(msg.NodeID), addr, now)
}

func (n *Node) handleData(env wire.Envelope, addr *net.UDPAddr, now time.Time) {
	msg, err := wire.DecodeData(env)
	if err != nil {
		slog.Debug("overlay: malformed data message, dropping", "error", err)
		return
	}
	n.peers.TouchAddr(identity.NodeID(msg.NodeID), addr, now)

	if msg.FragmentTotal == 0 {
		n.emit(Event{Kind: EventMessage, FromVirtualIP: msg.VirtualIP, Payload: msg.Payload})
		return
	}

	shard := shardFromWire(msg)
	payload, complete, err := n.reassembler.Add(shard, time.Now())
	if err != nil {
		slog.Debug("overlay: fragment reassembly error, dropping shard", "fragment_id", msg.FragmentID, "error", err)
		if n.metrics != nil {
			n.metrics.FragmentsTotal.WithLabelValues("in", "error").Inc()
		}
		return
	}
	if !complete {
		if n.metrics != nil {
			n.metrics.FragmentsTotal.WithLabelValues("in", "partial").Inc()
		}
		return
	}
	if n.metrics != nil {
		n.metrics.FragmentsTotal.WithLabelValues("in", "reconstructed").Inc()
	}
	n.emit(Event{Kind: EventMessage, FromVirtualIP: msg.VirtualIP, Payload: payload})
}

func (n *Node) handleDiscover(env wire.Envelope, addr *net.UDPAddr) {
	msg, err := wire.DecodeDiscover(env)
	if err != nil {
		slog.Debug("overlay: malformed discover, dropping", "error", err)
		return
	}
	n.upsertFromHelloLike(msg.NodeID, msg.VirtualIP, addr, time.Now())

	resp := wire.DiscoverResponse{
		NodeID: n.nodeID.String(),
		Peers:  n.gossipPeers(),
	}
	n.sendEnvelope(wire.TypeDiscoverResponse, resp, addr)
}

func (n *Node) gossipPeers() []wire.DiscoveredPeer {
	snap := n.peers.Snapshot()
	out := make([]wire.DiscoveredPeer, 0, len(snap))
	for _, rec := range snap {
		out = append(out, discoveredPeerFromRecord(rec))
	}
	return out
}

func discoveredPeerFromRecord(rec peertable.Record) wire.DiscoveredPeer {
	return wire.DiscoveredPeer{
		NodeID:       rec.NodeID.String(),
		VirtualIP:    rec.VirtualIP.String(),
		ExternalIP:   rec.ExternalIP.String(),
		ExternalPort: rec.ExternalPort,
	}
}
