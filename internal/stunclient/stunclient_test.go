package stunclient

import (
	"context"
	"net"
	"testing"
	"time"
)

// fakeSTUNServer listens on its own UDP socket and echoes back a Binding
// Response carrying respAddr for every Binding Request it receives.
func fakeSTUNServer(t *testing.T, respAddr *net.UDPAddr) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen fake server: %v", err)
	}
	go func() {
		buf := make([]byte, 512)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			txID, err := TransactionID(buf[:n])
			if err != nil {
				continue
			}
			resp := BuildBindingResponse(txID, respAddr)
			conn.WriteToUDP(resp, addr)
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestBindSuccess(t *testing.T) {
	want := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 42), Port: 51820}
	server := fakeSTUNServer(t, want)

	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer clientConn.Close()

	client := New(clientConn)

	go func() {
		buf := make([]byte, 512)
		for {
			n, err := clientConn.Read(buf)
			if err != nil {
				return
			}
			client.HandlePacket(buf[:n])
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := client.Bind(ctx, server.LocalAddr().String())
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if !got.IP.Equal(want.IP) || got.Port != want.Port {
		t.Errorf("Bind() = %v, want %v", got, want)
	}
}

func TestBindTimeout(t *testing.T) {
	// A server that never responds.
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()
	go func() {
		buf := make([]byte, 512)
		for {
			if _, _, err := server.ReadFromUDP(buf); err != nil {
				return
			}
		}
	}()

	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen client: %v", err)
	}
	defer clientConn.Close()

	client := New(clientConn)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := client.Bind(ctx, server.LocalAddr().String()); err == nil {
		t.Error("Bind() succeeded, want timeout error")
	}
}

func TestIsSTUNMessage(t *testing.T) {
	req := buildBindingRequest([12]byte{})
	if !IsSTUNMessage(req) {
		t.Error("IsSTUNMessage(req) = false, want true")
	}
	if IsSTUNMessage([]byte("not a stun packet at all, just data")) {
		t.Error("IsSTUNMessage(non-STUN) = true, want false")
	}
	if IsSTUNMessage([]byte("short")) {
		t.Error("IsSTUNMessage(short) = true, want false")
	}
}

func TestHandlePacketIgnoresUnmatchedTransaction(t *testing.T) {
	clientConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer clientConn.Close()
	client := New(clientConn)

	resp := BuildBindingResponse([12]byte{1, 2, 3}, &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 80})
	if !client.HandlePacket(resp) {
		t.Error("HandlePacket on a well-formed STUN response returned false")
	}
}
