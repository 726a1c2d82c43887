// Package agent implements the bootstrap and per-thread worker loop of
// spec.md §4.H: translating original_source/agents/agent.c's
// pthread_create-per-thread-plus-main-thread-runs-thread-0 shape into one
// goroutine per worker thread, each pinned to its own CPU.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log"
	"runtime"
	"sync"

	"github.com/m-lab/uuid"
	"golang.org/x/sys/unix"

	"github.com/epfl-dcsl/lancet-tool/internal/appproto"
	"github.com/epfl-dcsl/lancet-tool/internal/archive"
	"github.com/epfl-dcsl/lancet-tool/internal/config"
	"github.com/epfl-dcsl/lancet-tool/internal/control"
	"github.com/epfl-dcsl/lancet-tool/internal/coordproto"
	"github.com/epfl-dcsl/lancet-tool/internal/dist"
	"github.com/epfl-dcsl/lancet-tool/internal/statsbuf"
	"github.com/epfl-dcsl/lancet-tool/internal/transport"
	"github.com/epfl-dcsl/lancet-tool/internal/tstamp"
)

// newRunID mints the run UUID that tags this agent's shared-memory segment
// names and archival batch filenames (SPEC_FULL.md's "Run UUID"), reusing
// uuid.FromCookie's hostname+boottime prefixing with a random cookie in
// place of a real SO_COOKIE socket cookie, since a run has no socket of its
// own to name it after.
func newRunID() (string, error) {
	var cookie uint64
	if err := binary.Read(rand.Reader, binary.LittleEndian, &cookie); err != nil {
		return "", fmt.Errorf("agent: generating run id: %w", err)
	}
	return uuid.FromCookie(cookie)
}

// thread is one worker thread's complete state: its own Worker loop,
// stats buffer, and (agent.c's "__thread struct request to_send"
// equivalent) protocol instance, since CreateRequest is only safe to call
// from its owning thread.
type thread struct {
	worker *transport.Worker
	stats  *statsbuf.Buffer
}

// Agent is a fully bootstrapped lancet agent process: the shared control
// block, one thread per worker, the coordinator-facing TCP server, and
// (optionally) the raw-sample archive.
type Agent struct {
	Ctrl    *control.Block
	Coord   *coordproto.Server
	Archive *archive.Archive

	threads []thread

	barrier  sync.WaitGroup
	stop     chan struct{}
	done     sync.WaitGroup
	coordCtx context.Context
	coordCxl context.CancelFunc
}

func newEngine(kind config.TransportKind) (transport.Engine, error) {
	switch kind {
	case config.TransportTCP:
		return transport.StreamingEngine{}, nil
	case config.TransportUDP:
		return transport.DatagramEngine{}, nil
	case config.TransportTLS:
		return transport.TLSEngine{}, nil
	default:
		return nil, fmt.Errorf("agent: unsupported transport %q", kind)
	}
}

// Bootstrap builds the control block, per-thread stats buffers and
// workers, the archive (if configured), and the coordinator server,
// mirroring agent.c's main(): configure_control_block, then one
// agent_main per thread. It starts no thread; Run later starts every
// thread, thread 0 included, in its own goroutine.
func Bootstrap(cfg *config.Config) (*Agent, error) {
	runID, err := newRunID()
	if err != nil {
		return nil, err
	}

	idist, err := dist.Parse(cfg.InterArrivalDist, nil)
	if err != nil {
		return nil, fmt.Errorf("agent: parsing inter-arrival distribution: %w", err)
	}

	ctrl, err := control.New(fmt.Sprintf("lancetcontrol_%s", runID), cfg.ThreadCount, cfg.Role, idist)
	if err != nil {
		return nil, fmt.Errorf("agent: creating control block: %w", err)
	}

	if cfg.Role == control.RoleSymmetricNIC {
		if err := tstamp.EnableNIC(cfg.IfName); err != nil {
			ctrl.Close()
			return nil, fmt.Errorf("agent: enabling NIC timestamping on %s: %w", cfg.IfName, err)
		}
	}

	var arc *archive.Archive
	if cfg.ArchiveDir != "" {
		arc = archive.New(cfg.ArchiveDir, cfg.ThreadCount, cfg.ArchiveSampleLimit, runID)
	}

	a := &Agent{Ctrl: ctrl, Archive: arc, stop: make(chan struct{})}
	targets := cfg.TargetAddrs()

	for i := 0; i < cfg.ThreadCount; i++ {
		proto, err := appproto.New(cfg.AppProto)
		if err != nil {
			a.teardownPartial()
			return nil, fmt.Errorf("agent: thread %d: application protocol: %w", i, err)
		}
		engine, err := newEngine(cfg.Transport)
		if err != nil {
			a.teardownPartial()
			return nil, err
		}
		stats, err := statsbuf.New(fmt.Sprintf("lancet-stats%d_%s", i, runID), 1)
		if err != nil {
			a.teardownPartial()
			return nil, fmt.Errorf("agent: thread %d: stats buffer: %w", i, err)
		}
		w, err := transport.NewWorker(engine, proto, idist, ctrl, stats, cfg.Role, targets, cfg.ConnCount, cfg.PerConnReqs)
		if err != nil {
			stats.Close()
			a.teardownPartial()
			return nil, fmt.Errorf("agent: thread %d: opening connections: %w", i, err)
		}
		a.threads = append(a.threads, thread{worker: w, stats: stats})
	}

	agg := coordproto.NewAggregator(ctrl, statsBuffers(a.threads))
	a.Coord = coordproto.New(cfg.CoordAddr, agg)
	a.coordCtx, a.coordCxl = context.WithCancel(context.Background())
	return a, nil
}

func statsBuffers(threads []thread) []*statsbuf.Buffer {
	bufs := make([]*statsbuf.Buffer, len(threads))
	for i, t := range threads {
		bufs[i] = t.stats
	}
	return bufs
}

func (a *Agent) teardownPartial() {
	for _, t := range a.threads {
		t.worker.Close()
		t.stats.Close()
	}
	a.Ctrl.Close()
}

// Run starts every worker thread (agent.c's agent_main, CPU-pinned via
// SchedSetaffinity in place of pthread_setaffinity_np) and the
// coordinator's Listen/Serve, blocking until Stop is called.
func (a *Agent) Run() error {
	if err := a.Coord.Listen(); err != nil {
		return fmt.Errorf("agent: coordinator listen: %w", err)
	}

	a.barrier.Add(len(a.threads))
	a.done.Add(len(a.threads))
	for i, t := range a.threads {
		go a.runThread(i, t)
	}

	// agent.c's pthread_barrier_wait after connection-open, before any
	// thread's main loop starts generating load.
	a.barrier.Wait()

	go func() {
		if err := a.Coord.Serve(a.coordCtx); err != nil {
			log.Printf("agent: coordinator server exited: %v", err)
		}
	}()
	a.done.Wait()
	return nil
}

func (a *Agent) runThread(idx int, t thread) {
	defer a.done.Done()
	runtime.LockOSThread()
	if err := pinToCPU(idx); err != nil {
		log.Printf("agent: thread %d: pinning to cpu %d failed: %v", idx, idx, err)
	}

	a.barrier.Done()
	t.worker.Run(a.stop)
}

// pinToCPU mirrors agent.c's CPU_ZERO/CPU_SET/pthread_setaffinity_np (a
// zero-value CPUSet is already empty, so no separate CPU_ZERO call is
// needed).
func pinToCPU(idx int) error {
	var set unix.CPUSet
	set.Set(idx)
	return unix.SchedSetaffinity(0, &set)
}

// Stop halts every worker's loop and the coordinator server, then waits
// for all threads to exit.
func (a *Agent) Stop() {
	close(a.stop)
	a.coordCxl()
	a.Coord.Wait()
	a.done.Wait()
	for _, t := range a.threads {
		t.worker.Close()
		t.stats.Close()
	}
	if a.Archive != nil {
		a.Archive.Close()
	}
	a.Ctrl.Close()
}
