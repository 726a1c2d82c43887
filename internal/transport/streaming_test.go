package transport

import (
	"net"
	"testing"
	"time"

	"github.com/epfl-dcsl/lancet-tool/internal/appproto"
)

// startEchoListener starts a TCP listener that echoes back everything it
// reads, and returns its address.
func startEchoListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 4096)
				for {
					n, err := conn.Read(buf)
					if n > 0 {
						conn.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestStreamingEngineSendRecvRoundTrip(t *testing.T) {
	addr := startEchoListener(t)

	var eng StreamingEngine
	c, err := eng.Open(addr, 4, TSNone)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close(c)

	req := &appproto.Request{}
	req.Add([]byte("hello"))

	n, err := eng.Send(c, req, true)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n != 5 {
		t.Fatalf("Send wrote %d bytes, want 5", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got int
	for time.Now().Before(deadline) {
		rn, err := eng.Recv(c, false)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if rn > 0 {
			got = rn
			break
		}
		time.Sleep(time.Millisecond)
	}
	if got != 5 {
		t.Fatalf("Recv got %d bytes, want 5", got)
	}
	if string(c.recvBuf[:got]) != "hello" {
		t.Fatalf("echoed payload = %q, want %q", c.recvBuf[:got], "hello")
	}
}

func TestStreamingEngineRecvReportsPeerClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	var eng StreamingEngine
	c, err := eng.Open(ln.Addr().String(), 1, TSNone)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer eng.Close(c)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, err := eng.Recv(c, false)
		if err != nil {
			return // expected: peer-closed error surfaced
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("Recv never reported the peer closing the connection")
}
