// Package wire defines the JSON envelope and message types exchanged
// between mesh nodes once a datagram has been authenticated and decrypted.
package wire

import (
	"encoding/json"
	"fmt"
)

// Type names the six message kinds a decrypted datagram can carry.
type Type string

const (
	TypeHello            Type = "hello"
	TypeHelloAck         Type = "hello_ack"
	TypeKeepalive        Type = "keepalive"
	TypeData             Type = "data"
	TypeDiscover         Type = "discover"
	TypeDiscoverResponse Type = "discover_response"
)

// Envelope is the outer shape of every encrypted datagram's plaintext:
// a type tag plus the type-specific payload, deferred as raw JSON until
// Decode knows which struct to unmarshal it into.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Hello announces a node to a peer it is hole-punching toward.
type Hello struct {
	NodeID    string `json:"node_id"`
	VirtualIP string `json:"virtual_ip"`
	NetworkID string `json:"network_id"`
}

// HelloAck confirms receipt of a Hello and gossips the responder's current
// peer table so the newcomer can transitively discover other mesh members.
type HelloAck struct {
	NodeID    string           `json:"node_id"`
	VirtualIP string           `json:"virtual_ip"`
	Peers     []DiscoveredPeer `json:"peers"`
}

// Keepalive refreshes LastSeen on the receiving peer's table entry.
type Keepalive struct {
	NodeID    string `json:"node_id"`
	VirtualIP string `json:"virtual_ip"`
}

// Data carries an application payload addressed by virtual IP.
type Data struct {
	NodeID    string `json:"node_id"`
	VirtualIP string `json:"virtual_ip"`
	Payload   []byte `json:"payload"`

	// Fragment fields are set when Payload is one shard of a larger,
	// erasure-coded message; zero values mean an unfragmented Data message.
	FragmentID    string `json:"fragment_id,omitempty"`
	FragmentIndex int    `json:"fragment_index,omitempty"`
	FragmentTotal int    `json:"fragment_total,omitempty"`
	DataShards    int    `json:"data_shards,omitempty"`
	ParityShards  int    `json:"parity_shards,omitempty"`
	PayloadSize   int    `json:"payload_size,omitempty"`
}

// Discover asks a peer to share the peers it currently knows about.
type Discover struct {
	NodeID    string `json:"node_id"`
	VirtualIP string `json:"virtual_ip"`
}

// DiscoverResponse carries a snapshot of the responder's known peers.
type DiscoverResponse struct {
	NodeID string           `json:"node_id"`
	Peers  []DiscoveredPeer `json:"peers"`
}

// DiscoveredPeer is one entry in a DiscoverResponse.
type DiscoveredPeer struct {
	NodeID       string `json:"node_id"`
	VirtualIP    string `json:"virtual_ip"`
	ExternalIP   string `json:"external_ip"`
	ExternalPort int    `json:"external_port"`
}

// Encode wraps a typed message into an Envelope and marshals it to JSON.
func Encode(t Type, msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// Decode unmarshals the outer Envelope and returns it along with the type
// tag; callers dispatch on Type and unmarshal Data into the matching struct
// themselves (mirroring a typed RPC client decoding a tagged response).
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return env, nil
}

// DecodeHello unmarshals env.Data, from an Envelope already returned by
// Decode, as a Hello for the overlay engine's dispatcher.
func DecodeHello(env Envelope) (Hello, error) {
	var msg Hello
	err := json.Unmarshal(env.Data, &msg)
	return msg, err
}

// DecodeHelloAck unmarshals env.Data as a HelloAck.
func DecodeHelloAck(env Envelope) (HelloAck, error) {
	var msg HelloAck
	err := json.Unmarshal(env.Data, &msg)
	return msg, err
}

// DecodeKeepalive unmarshals env.Data as a Keepalive.
func DecodeKeepalive(env Envelope) (Keepalive, error) {
	var msg Keepalive
	err := json.Unmarshal(env.Data, &msg)
	return msg, err
}

// DecodeData unmarshals env.Data as a Data message.
func DecodeData(env Envelope) (Data, error) {
	var msg Data
	err := json.Unmarshal(env.Data, &msg)
	return msg, err
}

// DecodeDiscover unmarshals env.Data as a Discover.
func DecodeDiscover(env Envelope) (Discover, error) {
	var msg Discover
	err := json.Unmarshal(env.Data, &msg)
	return msg, err
}

// DecodeDiscoverResponse unmarshals env.Data as a DiscoverResponse.
func DecodeDiscoverResponse(env Envelope) (DiscoverResponse, error) {
	var msg DiscoverResponse
	err := json.Unmarshal(env.Data, &msg)
	return msg, err
}
