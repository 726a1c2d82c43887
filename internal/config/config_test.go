package config

import (
	"testing"

	"github.com/epfl-dcsl/lancet-tool/internal/control"
)

func resetFlags(t *testing.T) {
	t.Helper()
	orig := struct {
		threadCount, connCount, perConnReqs, archiveSample int
		targetsFlag, agentType, transport, iadist, appProto,
		ifName, coordAddr, promAddr, archiveDir string
	}{
		*threadCount, *connCount, *perConnReqs, *archiveSample,
		*targetsFlag, *agentType, *transport, *iadist, *appProto,
		*ifName, *coordAddr, *promAddr, *archiveDir,
	}
	t.Cleanup(func() {
		*threadCount, *connCount, *perConnReqs, *archiveSample = orig.threadCount, orig.connCount, orig.perConnReqs, orig.archiveSample
		*targetsFlag, *agentType, *transport, *iadist, *appProto = orig.targetsFlag, orig.agentType, orig.transport, orig.iadist, orig.appProto
		*ifName, *coordAddr, *promAddr, *archiveDir = orig.ifName, orig.coordAddr, orig.promAddr, orig.archiveDir
	})
}

func TestParseTargetsSplitsCommaAndColon(t *testing.T) {
	targets, err := parseTargets("10.0.0.1:9000,10.0.0.2:9001")
	if err != nil {
		t.Fatalf("parseTargets: %v", err)
	}
	want := []Target{{Host: "10.0.0.1", Port: 9000}, {Host: "10.0.0.2", Port: 9001}}
	if len(targets) != len(want) {
		t.Fatalf("got %d targets, want %d", len(targets), len(want))
	}
	for i := range want {
		if targets[i] != want[i] {
			t.Fatalf("target %d = %+v, want %+v", i, targets[i], want[i])
		}
	}
}

func TestParseTargetsRejectsEmpty(t *testing.T) {
	if _, err := parseTargets(""); err == nil {
		t.Fatal("expected an error for an empty target list")
	}
}

func TestParseTargetsRejectsMalformedPort(t *testing.T) {
	if _, err := parseTargets("10.0.0.1:notaport"); err == nil {
		t.Fatal("expected an error for a non-numeric port")
	}
}

func TestFromFlagsBuildsValidConfig(t *testing.T) {
	resetFlags(t)
	*targetsFlag = "127.0.0.1:6000"
	*agentType = "latency"
	*transport = "UDP"
	*threadCount = 4
	*connCount = 2

	cfg, err := fromFlags()
	if err != nil {
		t.Fatalf("fromFlags: %v", err)
	}
	if cfg.Role != control.RoleLatency {
		t.Fatalf("Role = %v, want RoleLatency", cfg.Role)
	}
	if cfg.Transport != TransportUDP {
		t.Fatalf("Transport = %v, want UDP", cfg.Transport)
	}
	if got := cfg.TargetAddrs(); len(got) != 1 || got[0] != "127.0.0.1:6000" {
		t.Fatalf("TargetAddrs = %v", got)
	}
}

func TestFromFlagsRejectsUnknownRole(t *testing.T) {
	resetFlags(t)
	*targetsFlag = "127.0.0.1:6000"
	*agentType = "bogus"

	if _, err := fromFlags(); err == nil {
		t.Fatal("expected an error for an unknown agent role")
	}
}

func TestFromFlagsRejectsUnknownTransport(t *testing.T) {
	resetFlags(t)
	*targetsFlag = "127.0.0.1:6000"
	*agentType = "throughput"
	*transport = "SCTP"

	if _, err := fromFlags(); err == nil {
		t.Fatal("expected an error for an unknown transport protocol")
	}
}

func TestFromFlagsRequiresIfNameForSymmetricNIC(t *testing.T) {
	resetFlags(t)
	*targetsFlag = "127.0.0.1:6000"
	*agentType = "symmetric-nic"
	*ifName = ""

	if _, err := fromFlags(); err == nil {
		t.Fatal("expected an error when symmetric-nic role is missing -n")
	}
}

func TestFromFlagsRejectsNonPositiveThreadCount(t *testing.T) {
	resetFlags(t)
	*targetsFlag = "127.0.0.1:6000"
	*agentType = "throughput"
	*threadCount = 0

	if _, err := fromFlags(); err == nil {
		t.Fatal("expected an error for a zero thread count")
	}
}
