package overlay

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/javadef/meshnode/internal/fragment"
	"github.com/javadef/meshnode/internal/identity"
	"github.com/javadef/meshnode/internal/wire"
)

// sendEnvelope encrypts and sends a single typed message to addr. Send
// errors are swallowed: a dropped datagram is indistinguishable from a
// lost one over UDP, so callers rely on keepalive/reaper to notice.
func (n *Node) sendEnvelope(t wire.Type, msg any, addr *net.UDPAddr) {
	raw, err := wire.Encode(t, msg)
	if err != nil {
		slog.Debug("overlay: failed to encode message, dropping", "type", t, "error", err)
		n.recordDatagramOut(t, 0, "encode_error")
		return
	}
	ciphertext, err := n.sealer.Encrypt(raw)
	if err != nil {
		slog.Debug("overlay: failed to encrypt message, dropping", "type", t, "error", err)
		n.recordDatagramOut(t, 0, "encrypt_error")
		return
	}
	if _, err := n.conn.WriteToUDP(ciphertext, addr); err != nil {
		slog.Debug("overlay: failed to send datagram, dropping", "addr", addr, "error", err)
		n.recordDatagramOut(t, 0, "write_error")
		return
	}
	n.recordDatagramOut(t, len(ciphertext), "sent")
}

func (n *Node) recordDatagramOut(t wire.Type, bytes int, result string) {
	if n.metrics == nil {
		return
	}
	n.metrics.DatagramsTotal.WithLabelValues("out", string(t), result).Inc()
	if bytes > 0 {
		n.metrics.DatagramBytesTotal.WithLabelValues("out").Add(float64(bytes))
	}
}

// ConnectToPeer sends HolePunchCount hello datagrams at HolePunchSpacing
// intervals to (ip, port), unconditionally. No peer-table state is created
// until the target replies; the peer appears only when it answers.
func (n *Node) ConnectToPeer(ip string, port int) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return &net.AddrError{Err: "invalid IP address", Addr: ip}
	}
	addr := &net.UDPAddr{IP: parsed, Port: port}

	// attemptID correlates this hole-punch's log lines across the
	// HolePunchCount datagrams it sends, since a rapid string of identical
	// hello sends would otherwise be indistinguishable in the log.
	attemptID := uuid.NewString()
	slog.Debug("overlay: starting hole-punch", "attempt_id", attemptID, "addr", addr)
	start := time.Now()

	hello := wire.Hello{
		NodeID:    n.nodeID.String(),
		VirtualIP: n.virtualIP.String(),
		NetworkID: n.networkID,
	}

	for i := 0; i < n.timing.HolePunchCount; i++ {
		if n.ctx != nil && n.ctx.Err() != nil {
			n.recordHolePunch("cancelled", start)
			return n.ctx.Err()
		}
		n.sendEnvelope(wire.TypeHello, hello, addr)
		slog.Debug("overlay: hole-punch hello sent", "attempt_id", attemptID, "seq", i+1, "addr", addr)
		if i < n.timing.HolePunchCount-1 {
			time.Sleep(n.timing.HolePunchSpacing)
		}
	}
	n.recordHolePunch("sent", start)
	return nil
}

func (n *Node) recordHolePunch(result string, start time.Time) {
	if n.metrics == nil {
		return
	}
	n.metrics.HolePunchTotal.WithLabelValues(result).Inc()
	n.metrics.HolePunchDurationSeconds.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

// Send transmits payload to the peer currently known at virtualIP. It
// returns false only if virtualIP is not in the peer table; encoding,
// fragmentation and write failures are dropped silently, so true does not
// guarantee delivery (the overlay never acknowledges data datagrams).
func (n *Node) Send(virtualIP string, payload []byte) bool {
	rec, ok := n.peers.FindByVirtualIP(identity.VirtualIP(virtualIP))
	if !ok {
		return false
	}
	n.sendPayloadTo(rec.Addr(), payload)
	return true
}

// Broadcast transmits payload to every peer currently in the table.
func (n *Node) Broadcast(payload []byte) {
	for _, rec := range n.peers.Snapshot() {
		n.sendPayloadTo(rec.Addr(), payload)
	}
}

func (n *Node) sendPayloadTo(addr *net.UDPAddr, payload []byte) {
	if len(payload) <= fragment.Threshold {
		msg := wire.Data{
			NodeID:    n.nodeID.String(),
			VirtualIP: n.virtualIP.String(),
			Payload:   payload,
		}
		n.sendEnvelope(wire.TypeData, msg, addr)
		return
	}

	shards, err := fragment.Split(payload)
	if err != nil {
		slog.Debug("overlay: failed to fragment oversized payload, dropping", "size", len(payload), "error", err)
		if n.metrics != nil {
			n.metrics.FragmentsTotal.WithLabelValues("out", "split_error").Inc()
		}
		return
	}
	for _, s := range shards {
		msg := wire.Data{
			NodeID:        n.nodeID.String(),
			VirtualIP:     n.virtualIP.String(),
			Payload:       s.Data,
			FragmentID:    s.FragmentID,
			FragmentIndex: s.Index,
			FragmentTotal: s.Total,
			DataShards:    s.DataShards,
			ParityShards:  s.ParityShards,
			PayloadSize:   s.PayloadSize,
		}
		n.sendEnvelope(wire.TypeData, msg, addr)
		if n.metrics != nil {
			n.metrics.FragmentsTotal.WithLabelValues("out", "sent").Inc()
		}
	}
}

func shardFromWire(msg wire.Data) fragment.Shard {
	return fragment.Shard{
		FragmentID:   msg.FragmentID,
		Index:        msg.FragmentIndex,
		Total:        msg.FragmentTotal,
		DataShards:   msg.DataShards,
		ParityShards: msg.ParityShards,
		PayloadSize:  msg.PayloadSize,
		Data:         msg.Payload,
	}
}

// probeSelfAddr issues a STUN binding request and updates the node's known
// external address on success. On failure or timeout, the previous
// self-address (possibly none yet) is left intact.
func (n *Node) probeSelfAddr() {
	ctx, cancel := context.WithTimeout(context.Background(), n.timing.STUNTimeout)
	defer cancel()

	addr, err := n.stun.Bind(ctx, n.stunServer)
	result := "success"
	if err != nil {
		result = "failure"
		slog.Debug("overlay: STUN probe failed, keeping previous self-address", "error", err)
	} else {
		n.setSelfAddress(addr)
		slog.Info("overlay: STUN probe succeeded", "external_addr", addr.String())
	}
	if n.metrics != nil {
		n.metrics.STUNProbeTotal.WithLabelValues(result).Inc()
	}
}
