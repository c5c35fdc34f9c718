// Package identity derives the ephemeral NodeID and deterministic VirtualIP
// a node uses for one run of the mesh overlay.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// NodeID is a 64-bit node identifier rendered as 16 lowercase hex
// characters. It is regenerated every process start; it is not a stable
// machine identity.
type NodeID string

// NonceSize is the size, in bytes, of the per-start random nonce mixed into
// the NodeID derivation.
const NonceSize = 16

// NewNodeID derives a NodeID from blake3(secret ∥ nonce), truncated to the
// first 8 bytes (16 hex characters). A fresh random nonce is generated on
// every call, so two nodes sharing the same secret still get distinct IDs,
// and the same node restarted gets a new ID too.
func NewNodeID(secret string) (NodeID, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate node ID nonce: %w", err)
	}
	return deriveNodeID(secret, nonce), nil
}

func deriveNodeID(secret string, nonce []byte) NodeID {
	h := blake3.New()
	h.Write([]byte(secret))
	h.Write(nonce)
	sum := h.Sum(nil)
	return NodeID(hex.EncodeToString(sum[:8]))
}

// VirtualIP is the deterministic 10.0.0.0/8 address a node presents on the
// mesh, derived from the network ID and the node's own NodeID so that every
// peer independently computes the same address for the same pair.
type VirtualIP string

// NewVirtualIP computes `10.N.X.Y` where N comes from blake3(networkID) and
// (X, Y) come from blake3(nodeID), per the mesh's virtual addressing scheme.
func NewVirtualIP(networkID string, nodeID NodeID) VirtualIP {
	netHash := blake3.Sum256([]byte(networkID))
	idHash := blake3.Sum256([]byte(nodeID))
	n := netHash[0]
	x, y := idHash[0], idHash[1]
	return VirtualIP(fmt.Sprintf("10.%d.%d.%d", n, x, y))
}

// String implements fmt.Stringer.
func (id NodeID) String() string { return string(id) }

// String implements fmt.Stringer.
func (ip VirtualIP) String() string { return string(ip) }
