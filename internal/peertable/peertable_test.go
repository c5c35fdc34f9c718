package peertable

import (
	"net"
	"testing"
	"time"

	"github.com/javadef/meshnode/internal/identity"
)

func TestUpsertCreatesAndUpdates(t *testing.T) {
	tbl := New()
	now := time.Now()
	addr := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 1), Port: 51820}

	tbl.Upsert("node1", "10.1.2.3", addr, now)
	if tbl.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", tbl.Len())
	}

	rec, ok := tbl.Get("node1")
	if !ok {
		t.Fatal("Get(node1) not found")
	}
	if rec.VirtualIP != "10.1.2.3" || !rec.Connected {
		t.Errorf("unexpected record: %+v", rec)
	}

	later := now.Add(time.Second)
	newAddr := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 2), Port: 51821}
	tbl.Upsert("node1", "10.1.2.3", newAddr, later)
	if tbl.Len() != 1 {
		t.Fatalf("Len() after re-upsert = %d, want 1", tbl.Len())
	}
	rec, _ = tbl.Get("node1")
	if rec.ExternalPort != 51821 {
		t.Errorf("ExternalPort = %d, want 51821 (re-upsert should update address)", rec.ExternalPort)
	}
}

func TestTouchUnknownPeer(t *testing.T) {
	tbl := New()
	if tbl.Touch("ghost", time.Now()) {
		t.Error("Touch on unknown peer returned true, want false")
	}
}

func TestFindByVirtualIP(t *testing.T) {
	tbl := New()
	addr := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 1), Port: 51820}
	tbl.Upsert("node1", "10.1.2.3", addr, time.Now())

	rec, ok := tbl.FindByVirtualIP("10.1.2.3")
	if !ok || rec.NodeID != "node1" {
		t.Errorf("FindByVirtualIP = %+v, %v", rec, ok)
	}

	if _, ok := tbl.FindByVirtualIP("10.9.9.9"); ok {
		t.Error("FindByVirtualIP found a nonexistent address")
	}
}

func TestExpireRemovesStalePeers(t *testing.T) {
	tbl := New()
	now := time.Now()
	addr := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 1), Port: 51820}

	tbl.Upsert("stale", "10.1.2.3", addr, now.Add(-2*time.Minute))
	tbl.Upsert("fresh", "10.1.2.4", addr, now)

	expired := tbl.Expire(60*time.Second, now)
	if len(expired) != 1 || expired[0].NodeID != identity.NodeID("stale") {
		t.Fatalf("Expire() = %+v, want [stale]", expired)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() after expire = %d, want 1", tbl.Len())
	}
	if _, ok := tbl.Get("fresh"); !ok {
		t.Error("fresh peer was expired, should have survived")
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tbl := New()
	addr := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 1), Port: 51820}
	tbl.Upsert("node1", "10.1.2.3", addr, time.Now())

	snap := tbl.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Snapshot() len = %d, want 1", len(snap))
	}
	snap[0].Connected = false

	rec, _ := tbl.Get("node1")
	if !rec.Connected {
		t.Error("mutating a Snapshot entry affected the table's internal state")
	}
}
