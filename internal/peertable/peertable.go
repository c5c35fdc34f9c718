// Package peertable tracks live mesh peers keyed by NodeID, with liveness
// driven by the overlay engine's receive and reaper loops.
package peertable

import (
	"net"
	"sync"
	"time"

	"github.com/javadef/meshnode/internal/identity"
)

// Record is one peer's current known state. The overlay engine's
// receive/keepalive goroutines are the table's single logical writer;
// every Public API read goes through a snapshot copy.
type Record struct {
	NodeID       identity.NodeID
	VirtualIP    identity.VirtualIP
	ExternalIP   net.IP
	ExternalPort int
	LastSeen     time.Time
	Connected    bool
}

// Addr returns the peer's external UDP address.
func (r Record) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: r.ExternalIP, Port: r.ExternalPort}
}

// Table is a concurrency-safe registry of peer records.
type Table struct {
	mu    sync.RWMutex
	peers map[identity.NodeID]*Record
}

// New returns an empty Table.
func New() *Table {
	return &Table{peers: make(map[identity.NodeID]*Record)}
}

// Upsert creates or updates the record for nodeID, refreshing LastSeen to
// now. Called on every authenticated hello/hello_ack/discover/
// discover_response datagram; keepalive and data datagrams go through
// TouchAddr instead, which never creates a record.
func (t *Table) Upsert(nodeID identity.NodeID, virtualIP identity.VirtualIP, addr *net.UDPAddr, now time.Time) *Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.peers[nodeID]
	if !ok {
		rec = &Record{NodeID: nodeID}
		t.peers[nodeID] = rec
	}
	rec.VirtualIP = virtualIP
	rec.ExternalIP = addr.IP
	rec.ExternalPort = addr.Port
	rec.LastSeen = now
	rec.Connected = true
	return rec
}

// Touch refreshes LastSeen for an existing peer without altering its
// address, for keepalives that don't carry a fresh address observation.
func (t *Table) Touch(nodeID identity.NodeID, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	rec.LastSeen = now
	rec.Connected = true
	return true
}

// TouchAddr refreshes LastSeen and the stored address for an existing
// peer, reflecting the address-trust policy that the observed UDP source
// always wins. It returns false without creating a record if nodeID is
// unknown — the mesh never auto-adopts a peer from a keepalive alone.
func (t *Table) TouchAddr(nodeID identity.NodeID, addr *net.UDPAddr, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	rec.LastSeen = now
	rec.Connected = true
	rec.ExternalIP = addr.IP
	rec.ExternalPort = addr.Port
	return true
}

// Get returns a snapshot copy of the record for nodeID.
func (t *Table) Get(nodeID identity.NodeID) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.peers[nodeID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// FindByVirtualIP linearly scans the table for a peer with the given
// virtual IP. The table is small enough (one mesh's worth of peers) that a
// linear scan avoids a second index to keep consistent.
func (t *Table) FindByVirtualIP(virtualIP identity.VirtualIP) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, rec := range t.peers {
		if rec.VirtualIP == virtualIP {
			return *rec, true
		}
	}
	return Record{}, false
}

// Snapshot returns a copy of every peer record currently in the table.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Record, 0, len(t.peers))
	for _, rec := range t.peers {
		result = append(result, *rec)
	}
	return result
}

// Expire removes every peer whose LastSeen is older than timeout relative
// to now, returning the removed records so the caller can emit
// PeerDisconnected events.
func (t *Table) Expire(timeout time.Duration, now time.Time) []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []Record
	for id, rec := range t.peers {
		if now.Sub(rec.LastSeen) > timeout {
			expired = append(expired, *rec)
			delete(t.peers, id)
		}
	}
	return expired
}

// Len returns the current number of tracked peers.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
