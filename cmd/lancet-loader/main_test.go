package main

import (
	"net"
	"testing"

	"github.com/epfl-dcsl/lancet-tool/internal/appproto"
)

func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
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
	return ln.Addr().String()
}

func TestRunLoadIssuesCountRequests(t *testing.T) {
	addr := startEchoServer(t)
	proto, err := appproto.New("echo:8")
	if err != nil {
		t.Fatalf("appproto.New: %v", err)
	}

	if err := runLoad(proto, addr, 5); err != nil {
		t.Fatalf("runLoad: %v", err)
	}
}

func TestRunLoadFailsOnUnreachableTarget(t *testing.T) {
	proto, err := appproto.New("echo:8")
	if err != nil {
		t.Fatalf("appproto.New: %v", err)
	}
	if err := runLoad(proto, "127.0.0.1:1", 1); err == nil {
		t.Fatal("expected an error dialing an unreachable target")
	}
}
