// Package config parses the agent's command-line configuration, the Go
// equivalent of original_source/agents/args.c's getopt-based
// parse_arguments. Flag variables follow the teacher's main.go convention
// (a package-level var block of flag.* calls parsed by flag.Parse plus
// flagx.ArgsFromEnv), rather than args.c's single-letter getopt switches.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/m-lab/go/flagx"

	"github.com/epfl-dcsl/lancet-tool/internal/control"
)

// Target is one dialed destination, parsed from a "host:port" token.
type Target struct {
	Host string
	Port int
}

func (t Target) String() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

// TransportKind enumerates the transport engines args.c's -p flag selects
// between (spec.md §4.G).
type TransportKind string

const (
	TransportTCP TransportKind = "TCP"
	TransportUDP TransportKind = "UDP"
	TransportTLS TransportKind = "TLS"
)

// Config is the fully parsed, validated agent configuration: the Go
// analogue of args.c's struct agent_config.
type Config struct {
	// ThreadCount is the number of worker goroutines (args.c -t).
	ThreadCount int
	// Targets is the dial list, round-robin assigned across connections
	// (args.c -s, "ip:port,ip:port").
	Targets []Target
	// ConnCount is connections opened per worker thread (args.c -c).
	ConnCount int
	// Role selects the agent's measurement role (args.c -a, originally a
	// numeric THROUGHPUT_AGENT/LATENCY_AGENT/... enum; spelled out here
	// since Go flags read better as names than magic numbers).
	Role control.Role
	// Transport selects the wire-level engine (args.c -p).
	Transport TransportKind
	// InterArrivalDist is a dist.Parse spec string (args.c -i, e.g.
	// "exp:1000").
	InterArrivalDist string
	// AppProto is an appproto.New spec string (args.c -r, e.g.
	// "memcache-bin_fixed:8_fixed:16_100_1.0_uni:100").
	AppProto string
	// IfName is the NIC device hardware timestamping is enabled on, used
	// only by the symmetric-nic role (args.c -n).
	IfName string
	// PerConnReqs bounds pending requests per connection (args.c -o,
	// spec.md §3's "P").
	PerConnReqs int

	// CoordAddr is the address the coordinator TCP server listens on.
	// args.c has no equivalent flag; the reference agent hardcodes
	// MANAGER_PORT in manager.c, which this generalizes into a flag.
	CoordAddr string
	// PromAddr is the Prometheus exporter's listen address, following
	// main.go's -prom convention.
	PromAddr string
	// ArchiveDir, when non-empty, enables raw latency sample archival
	// (internal/archive) under this directory.
	ArchiveDir string
	// ArchiveSampleLimit bounds samples per archive file before rotation.
	ArchiveSampleLimit int
}

var (
	threadCount   = flag.Int("t", 1, "Number of worker threads")
	targetsFlag   = flag.String("s", "", "Comma-separated target list, each host:port")
	connCount     = flag.Int("c", 1, "Connections per worker thread")
	agentType     = flag.String("a", "throughput", "Agent role: throughput, latency, symmetric, symmetric-nic")
	transport     = flag.String("p", "TCP", "Transport protocol: TCP, UDP, TLS")
	iadist        = flag.String("i", "fixed:0", "Inter-arrival distribution spec, e.g. exp:1000")
	appProto      = flag.String("r", "echo:64", "Application protocol spec, e.g. echo:64")
	ifName        = flag.String("n", "", "NIC device name for hardware timestamping (symmetric-nic role only)")
	perConnReqs   = flag.Int("o", 1, "Max pending requests per connection")
	coordAddr     = flag.String("coord", ":9289", "Coordinator TCP listen address")
	promAddr      = flag.String("prom", ":9090", "Prometheus metrics export address")
	archiveDir    = flag.String("archive", "", "Directory to archive raw latency samples under; empty disables archival")
	archiveSample = flag.Int("archive-samples", 10000, "Samples per archive file before rotation")
)

// roleNames mirrors args.c's THROUGHPUT_AGENT/LATENCY_AGENT/
// SYMMETRIC_AGENT/SYMMETRIC_NIC_TIMESTAMP_AGENT enum, spelled as flag
// values instead of integers.
var roleNames = map[string]control.Role{
	"throughput":    control.RoleThroughput,
	"latency":       control.RoleLatency,
	"symmetric":     control.RoleSymmetric,
	"symmetric-nic": control.RoleSymmetricNIC,
}

var transportKinds = map[string]TransportKind{
	"TCP": TransportTCP,
	"UDP": TransportUDP,
	"TLS": TransportTLS,
}

// parseTargets parses args.c's "-s" value: strtok_r on "," then ":".
func parseTargets(s string) ([]Target, error) {
	if s == "" {
		return nil, fmt.Errorf("config: -s requires at least one target")
	}
	var targets []Target
	for _, tok := range strings.Split(s, ",") {
		host, portStr, ok := strings.Cut(tok, ":")
		if !ok {
			return nil, fmt.Errorf("config: malformed target %q, want host:port", tok)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("config: malformed target port in %q: %w", tok, err)
		}
		targets = append(targets, Target{Host: host, Port: port})
		// args.c asserts target_count < 64; mirrored as a hard error
		// rather than an assert so a misconfigured agent fails cleanly.
		if len(targets) >= 64 {
			return nil, fmt.Errorf("config: too many targets (max 63)")
		}
	}
	return targets, nil
}

// Parse reads flags from the command line (and, via flagx.ArgsFromEnv, from
// matching environment variables, following main.go's convention) and
// validates them into a Config.
func Parse() (*Config, error) {
	flag.Parse()
	flagx.ArgsFromEnv(flag.CommandLine)
	return fromFlags()
}

func fromFlags() (*Config, error) {
	targets, err := parseTargets(*targetsFlag)
	if err != nil {
		return nil, err
	}
	role, ok := roleNames[*agentType]
	if !ok {
		return nil, fmt.Errorf("config: unknown agent role %q", *agentType)
	}
	tp, ok := transportKinds[*transport]
	if !ok {
		return nil, fmt.Errorf("config: unknown transport protocol %q", *transport)
	}
	if *threadCount <= 0 {
		return nil, fmt.Errorf("config: thread count must be positive, got %d", *threadCount)
	}
	if *connCount <= 0 {
		return nil, fmt.Errorf("config: connection count must be positive, got %d", *connCount)
	}
	if role == control.RoleSymmetricNIC && *ifName == "" {
		return nil, fmt.Errorf("config: symmetric-nic role requires -n (NIC device name)")
	}

	return &Config{
		ThreadCount:        *threadCount,
		Targets:            targets,
		ConnCount:          *connCount,
		Role:               role,
		Transport:          tp,
		InterArrivalDist:   *iadist,
		AppProto:           *appProto,
		IfName:             *ifName,
		PerConnReqs:        *perConnReqs,
		CoordAddr:          *coordAddr,
		PromAddr:           *promAddr,
		ArchiveDir:         *archiveDir,
		ArchiveSampleLimit: *archiveSample,
	}, nil
}

// TargetAddrs returns the target list as "host:port" strings, the form
// internal/transport.NewWorker expects.
func (c *Config) TargetAddrs() []string {
	addrs := make([]string, len(c.Targets))
	for i, t := range c.Targets {
		addrs[i] = t.String()
	}
	return addrs
}
