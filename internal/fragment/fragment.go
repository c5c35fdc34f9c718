// Package fragment splits oversized payloads into erasure-coded shards for
// transmission as a burst of datagrams, and reassembles them on arrival.
package fragment

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/reedsolomon"
)

// Threshold is the payload size above which the overlay sends a payload as
// Split shards; at or below it, the payload goes out unfragmented as a
// single data message. Split itself does not check it and fragments any
// payload it is given.
const Threshold = 48 * 1024

// DataShards and ParityShards size the Reed-Solomon code: the receiver can
// reconstruct the original payload from any DataShards of the
// DataShards+ParityShards shards surviving, tolerating loss, duplication, and reordering rather than
// requiring every shard to arrive.
const (
	DataShards   = 8
	ParityShards = 4
)

// Shard is one piece of a fragmented payload, carried inside a single data
// datagram.
type Shard struct {
	FragmentID   string
	Index        int
	Total        int
	DataShards   int
	ParityShards int
	PayloadSize  int // original, pre-fragmentation payload length
	Data         []byte
}

// Split erasure-codes payload into DataShards+ParityShards shards, each
// tagged with a shared, randomly generated FragmentID.
func Split(payload []byte) ([]Shard, error) {
	enc, err := reedsolomon.New(DataShards, ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to construct Reed-Solomon encoder: %w", err)
	}

	shardData, err := enc.Split(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to split payload into shards: %w", err)
	}
	if err := enc.Encode(shardData); err != nil {
		return nil, fmt.Errorf("failed to encode parity shards: %w", err)
	}

	fragID, err := newFragmentID()
	if err != nil {
		return nil, err
	}

	total := DataShards + ParityShards
	shards := make([]Shard, total)
	for i, data := range shardData {
		shards[i] = Shard{
			FragmentID:   fragID,
			Index:        i,
			Total:        total,
			DataShards:   DataShards,
			ParityShards: ParityShards,
			PayloadSize:  len(payload),
			Data:         data,
		}
	}
	return shards, nil
}

func newFragmentID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate fragment ID: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Reassembler accumulates shards for in-flight fragments and reconstructs
// the original payload once enough have arrived.
type Reassembler struct {
	mu       sync.Mutex
	pending  map[string]*pendingFragment
	deadline time.Duration
}

type pendingFragment struct {
	shards    [][]byte
	have      int
	total     int
	dataShards, parityShards int
	size      int
	firstSeen time.Time
}

// NewReassembler returns a Reassembler that drops fragments not completed
// within deadline of their first shard's arrival.
func NewReassembler(deadline time.Duration) *Reassembler {
	return &Reassembler{
		pending:  make(map[string]*pendingFragment),
		deadline: deadline,
	}
}

// Add records shard and attempts reconstruction. It returns the
// reassembled payload and true once DataShards distinct shards (data or
// parity) have arrived for that FragmentID; otherwise it returns
// (nil, false).
func (r *Reassembler) Add(s Shard, now time.Time) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pf, ok := r.pending[s.FragmentID]
	if !ok {
		pf = &pendingFragment{
			shards:       make([][]byte, s.Total),
			total:        s.Total,
			dataShards:   s.DataShards,
			parityShards: s.ParityShards,
			size:         s.PayloadSize,
			firstSeen:    now,
		}
		r.pending[s.FragmentID] = pf
	}

	if s.Index < 0 || s.Index >= pf.total {
		return nil, false, fmt.Errorf("shard index %d out of range [0,%d)", s.Index, pf.total)
	}
	if pf.shards[s.Index] == nil {
		pf.shards[s.Index] = s.Data
		pf.have++
	}

	if pf.have < pf.dataShards {
		return nil, false, nil
	}

	enc, err := reedsolomon.New(pf.dataShards, pf.parityShards)
	if err != nil {
		return nil, false, fmt.Errorf("failed to construct Reed-Solomon decoder: %w", err)
	}

	shardsCopy := make([][]byte, len(pf.shards))
	copy(shardsCopy, pf.shards)

	if err := enc.Reconstruct(shardsCopy); err != nil {
		return nil, false, nil // not enough to reconstruct yet; wait for more shards
	}

	var buf []byte
	for _, d := range shardsCopy[:pf.dataShards] {
		buf = append(buf, d...)
	}
	if pf.size > 0 && pf.size <= len(buf) {
		buf = buf[:pf.size]
	}

	delete(r.pending, s.FragmentID)
	return buf, true, nil
}

// Expire drops any fragment whose first shard arrived more than the
// reassembler's deadline ago, for the overlay engine's reaper loop to call
// alongside peer table expiry.
func (r *Reassembler) Expire(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, pf := range r.pending {
		if now.Sub(pf.firstSeen) > r.deadline {
			delete(r.pending, id)
			removed++
		}
	}
	return removed
}
