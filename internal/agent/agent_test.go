package agent

import (
	"net"
	"testing"
	"time"

	"github.com/epfl-dcsl/lancet-tool/internal/config"
	"github.com/epfl-dcsl/lancet-tool/internal/control"
	"github.com/epfl-dcsl/lancet-tool/internal/shm"
)

// startEchoServer runs a trivial TCP echo listener and returns its address.
func startEchoServer(t *testing.T) string {
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

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestBootstrapAndRunDrivesLoadAgainstEchoTarget(t *testing.T) {
	shm.Dir = t.TempDir()
	target := startEchoServer(t)

	cfg := &config.Config{
		ThreadCount:      1,
		Targets:          []config.Target{{Host: "127.0.0.1"}},
		ConnCount:        1,
		Role:             control.RoleThroughput,
		Transport:        config.TransportTCP,
		InterArrivalDist: "fixed:100000",
		AppProto:         "echo:8",
		PerConnReqs:      4,
		CoordAddr:        freePort(t),
	}
	cfg.Targets[0].Host, cfg.Targets[0].Port = splitHostPort(t, target)

	a, err := Bootstrap(cfg)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	go a.Run()
	time.Sleep(200 * time.Millisecond)

	if err := a.Ctrl.SetLoad(1000); err != nil {
		t.Fatalf("SetLoad: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	a.Stop()
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", addr, err)
	}
	port := 0
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	return host, port
}
