// Package stunclient implements a minimal RFC 5389 STUN Binding
// Request/Response exchange over a socket shared with other traffic.
//
// Unlike a standalone STUN prober that dials its own throwaway connection,
// this client is handed an already-bound *net.UDPConn so the reflexive
// address STUN reports is the same address peers hole-punch to. Demuxing
// STUN responses from mesh datagrams on the shared socket is the caller's
// job: HandlePacket tells it whether a given inbound datagram was a STUN
// message at all.
package stunclient

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

const (
	magicCookie   uint32 = 0x2112A442
	bindingReq    uint16 = 0x0001
	bindingResp   uint16 = 0x0101
	headerSize           = 20
	attrXorMapped uint16 = 0x0020
	attrMapped    uint16 = 0x0001
)

// errResponseTimeout is wrapped into Bind's error when ctx ends before a
// matching Binding Response arrives.
var errResponseTimeout = errors.New("stun: no response before deadline")

// Client sends Binding Requests on a caller-owned connection and demuxes
// Binding Responses handed to it via HandlePacket.
type Client struct {
	conn *net.UDPConn

	mu      sync.Mutex
	waiters map[[12]byte]chan *net.UDPAddr
}

// New wraps conn, which must already be bound to the local port the overlay
// listens on.
func New(conn *net.UDPConn) *Client {
	return &Client{
		conn:    conn,
		waiters: make(map[[12]byte]chan *net.UDPAddr),
	}
}

// IsSTUNMessage reports whether data's header carries the STUN magic
// cookie at bytes 4-7, RFC 5389's own demux signal.
func IsSTUNMessage(data []byte) bool {
	if len(data) < headerSize {
		return false
	}
	return binary.BigEndian.Uint32(data[4:8]) == magicCookie
}

// HandlePacket delivers an inbound datagram to the waiter matching its
// transaction ID, if any. It returns false if data was not a STUN message,
// signaling the caller to try the envelope decrypt path instead.
func (c *Client) HandlePacket(data []byte) bool {
	if !IsSTUNMessage(data) {
		return false
	}
	if len(data) < headerSize {
		return true
	}
	respType := binary.BigEndian.Uint16(data[0:2])
	if respType != bindingResp {
		return true
	}

	var txID [12]byte
	copy(txID[:], data[8:20])

	c.mu.Lock()
	ch, ok := c.waiters[txID]
	c.mu.Unlock()
	if !ok {
		return true
	}

	attrLen := int(binary.BigEndian.Uint16(data[2:4]))
	if headerSize+attrLen > len(data) {
		return true
	}
	ip, port, err := parseAttributes(data[headerSize:headerSize+attrLen], txID[:])
	if err != nil {
		return true
	}
	select {
	case ch <- &net.UDPAddr{IP: ip, Port: port}:
	default:
	}
	return true
}

// Bind sends a Binding Request to server and waits for the matching
// response, returning the reflexive (external) address the server observed.
func (c *Client) Bind(ctx context.Context, server string) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("resolve STUN server %s: %w", server, err)
	}

	var txID [12]byte
	if _, err := rand.Read(txID[:]); err != nil {
		return nil, fmt.Errorf("generate transaction ID: %w", err)
	}

	ch := make(chan *net.UDPAddr, 1)
	c.mu.Lock()
	c.waiters[txID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, txID)
		c.mu.Unlock()
	}()

	req := buildBindingRequest(txID)
	if _, err := c.conn.WriteToUDP(req, serverAddr); err != nil {
		return nil, fmt.Errorf("send STUN binding request: %w", err)
	}

	select {
	case addr := <-ch:
		return addr, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", errResponseTimeout, ctx.Err())
	}
}

func buildBindingRequest(txID [12]byte) []byte {
	req := make([]byte, headerSize)
	binary.BigEndian.PutUint16(req[0:2], bindingReq)
	binary.BigEndian.PutUint16(req[2:4], 0)
	binary.BigEndian.PutUint32(req[4:8], magicCookie)
	copy(req[8:20], txID[:])
	return req
}

func parseAttributes(data []byte, txID []byte) (net.IP, int, error) {
	var mappedIP net.IP
	var mappedPort int
	var foundXor bool

	offset := 0
	for offset+4 <= len(data) {
		attrType := binary.BigEndian.Uint16(data[offset : offset+2])
		attrLen := int(binary.BigEndian.Uint16(data[offset+2 : offset+4]))
		offset += 4

		if offset+attrLen > len(data) {
			break
		}
		attrData := data[offset : offset+attrLen]

		switch attrType {
		case attrXorMapped:
			if ip, port, err := parseXorMappedAddress(attrData, txID); err == nil {
				mappedIP, mappedPort, foundXor = ip, port, true
			}
		case attrMapped:
			if !foundXor {
				if ip, port, err := parseMappedAddress(attrData); err == nil {
					mappedIP, mappedPort = ip, port
				}
			}
		}

		offset += attrLen
		if attrLen%4 != 0 {
			offset += 4 - (attrLen % 4)
		}
	}

	if mappedIP == nil {
		return nil, 0, fmt.Errorf("no mapped address in STUN response")
	}
	return mappedIP, mappedPort, nil
}

func parseXorMappedAddress(data []byte, txID []byte) (net.IP, int, error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("XOR-MAPPED-ADDRESS too short")
	}
	family := data[1]
	xPort := binary.BigEndian.Uint16(data[2:4])
	port := int(xPort ^ uint16(magicCookie>>16))

	switch family {
	case 0x01: // IPv4
		xAddr := binary.BigEndian.Uint32(data[4:8])
		addr := xAddr ^ magicCookie
		ip := net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))
		return ip, port, nil
	case 0x02: // IPv6
		if len(data) < 20 {
			return nil, 0, fmt.Errorf("IPv6 address too short")
		}
		xorKey := make([]byte, 16)
		binary.BigEndian.PutUint32(xorKey[0:4], magicCookie)
		copy(xorKey[4:16], txID)
		ip := make(net.IP, 16)
		for i := 0; i < 16; i++ {
			ip[i] = data[4+i] ^ xorKey[i]
		}
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("unknown address family: 0x%02x", family)
	}
}

func parseMappedAddress(data []byte) (net.IP, int, error) {
	if len(data) < 8 {
		return nil, 0, fmt.Errorf("MAPPED-ADDRESS too short")
	}
	family := data[1]
	port := int(binary.BigEndian.Uint16(data[2:4]))

	switch family {
	case 0x01:
		return net.IPv4(data[4], data[5], data[6], data[7]), port, nil
	case 0x02:
		if len(data) < 20 {
			return nil, 0, fmt.Errorf("IPv6 address too short")
		}
		ip := make(net.IP, 16)
		copy(ip, data[4:20])
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("unknown address family: 0x%02x", family)
	}
}

// BuildBindingResponse constructs a Binding Response carrying an
// XOR-MAPPED-ADDRESS attribute for addr, echoing txID. Used by tests to
// fake a STUN server without a real one.
func BuildBindingResponse(txID [12]byte, addr *net.UDPAddr) []byte {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil
	}

	attr := make([]byte, 12)
	binary.BigEndian.PutUint16(attr[0:2], attrXorMapped)
	binary.BigEndian.PutUint16(attr[2:4], 8)
	attr[4] = 0
	attr[5] = 0x01

	xPort := uint16(addr.Port) ^ uint16(magicCookie>>16)
	binary.BigEndian.PutUint16(attr[6:8], xPort)

	rawIP := binary.BigEndian.Uint32(ip4)
	xAddr := rawIP ^ magicCookie
	binary.BigEndian.PutUint32(attr[8:12], xAddr)

	resp := make([]byte, headerSize+len(attr))
	binary.BigEndian.PutUint16(resp[0:2], bindingResp)
	binary.BigEndian.PutUint16(resp[2:4], uint16(len(attr)))
	binary.BigEndian.PutUint32(resp[4:8], magicCookie)
	copy(resp[8:20], txID[:])
	copy(resp[headerSize:], attr)
	return resp
}

// TransactionID extracts the 12-byte transaction ID from a raw Binding
// Request, for tests that fake a STUN server responding to a real client.
func TransactionID(request []byte) ([12]byte, error) {
	var txID [12]byte
	if len(request) < headerSize {
		return txID, fmt.Errorf("request too short")
	}
	copy(txID[:], request[8:20])
	return txID, nil
}

// BindTimeout is the default Bind deadline callers should apply via
// context.WithTimeout when the config doesn't override it.
const BindTimeout = 5 * time.Second
