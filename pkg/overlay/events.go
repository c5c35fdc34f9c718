package overlay

import "github.com/javadef/meshnode/internal/peertable"

// EventKind discriminates the closed set of events a Node delivers.
type EventKind string

const (
	EventPeerConnected    EventKind = "peer_connected"
	EventPeerDisconnected EventKind = "peer_disconnected"
	EventMessage          EventKind = "message"
)

// Event is the sum type delivered on Node.Events(). Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind

	// Peer is set for PeerConnected and PeerDisconnected.
	Peer peertable.Record

	// FromVirtualIP and Payload are set for Message.
	FromVirtualIP string
	Payload       []byte
}
