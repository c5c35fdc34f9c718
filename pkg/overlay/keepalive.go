package overlay

import (
	"time"

	"github.com/javadef/meshnode/internal/wire"
)

// keepaliveLoop runs every KeepalivePeriod: re-probes STUN, evicts stale
// peers, and sends a keepalive to everyone still within PeerTimeout.
func (n *Node) keepaliveLoop() {
	ticker := time.NewTicker(n.timing.KeepalivePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.probeSelfAddr()
			n.reapAndKeepalive()
		}
	}
}

func (n *Node) reapAndKeepalive() {
	now := time.Now()

	for _, rec := range n.peers.Expire(n.timing.PeerTimeout, now) {
		n.emit(Event{Kind: EventPeerDisconnected, Peer: rec})
		if n.metrics != nil {
			n.metrics.ConnectedPeers.WithLabelValues(n.networkID).Dec()
		}
	}

	n.reassembler.Expire(now)

	keepalive := wire.Keepalive{NodeID: n.nodeID.String(), VirtualIP: n.virtualIP.String()}
	for _, rec := range n.peers.Snapshot() {
		n.sendEnvelope(wire.TypeKeepalive, keepalive, rec.Addr())
	}
}
