// Package control implements the agent control block of spec.md §4.E: the
// shared-memory struct carrying coordinator commands (load/measure flags,
// sampling rate, target rate) and the inter-arrival distribution. There is
// a single writer (the coordinator-facing handler thread) and many readers
// (the worker threads), who observe flag flips cooperatively by polling.
package control

import (
	"fmt"
	"math"
	"sync/atomic"

	"github.com/epfl-dcsl/lancet-tool/internal/dist"
	"github.com/epfl-dcsl/lancet-tool/internal/shm"
)

// Role enumerates the four agent roles (spec.md §3).
type Role int32

const (
	RoleThroughput Role = iota
	RoleLatency
	RoleSymmetric
	RoleSymmetricNIC
)

func (r Role) String() string {
	switch r {
	case RoleThroughput:
		return "throughput"
	case RoleLatency:
		return "latency"
	case RoleSymmetric:
		return "symmetric"
	case RoleSymmetricNIC:
		return "symmetric-nic"
	default:
		return fmt.Sprintf("role(%d)", int32(r))
	}
}

// Block is the shared control struct. Flags are monotonic flips with no
// torn-read correctness requirement beyond eventual observation (spec.md
// §3), so plain atomics are sufficient — no mutex is needed since there is
// exactly one writer.
type Block struct {
	shouldLoad       int32
	shouldMeasure    int32
	agentType        int32
	threadCount      int32
	perThreadSamples uint32
	samplingRate     uint64 // bits of a float64, via math.Float64bits

	idist dist.Source
	seg   *shm.Segment
}

// New creates the named shared-memory segment backing the control block.
// The distribution state itself stays in process memory (read-only for
// workers after SetLoad, per spec.md §4.E) — only the flag/role/sampling
// fields are meaningfully "shared" across processes in the reference
// system; in this single-process Go agent the shm segment exists so the
// coordinator-facing TCP handler and the worker goroutines agree on a
// single named resource, matching the teacher's habit of naming every
// resource it creates (e.g. /lancet-stats<tid>).
func New(name string, threadCount int, role Role, idist dist.Source) (*Block, error) {
	seg, err := shm.Create(name, 1)
	if err != nil {
		return nil, err
	}
	return &Block{
		agentType:   int32(role),
		threadCount: int32(threadCount),
		idist:       idist,
		seg:         seg,
	}, nil
}

// Close releases the backing shared-memory segment.
func (b *Block) Close() error {
	if b.seg == nil {
		return nil
	}
	return b.seg.Close()
}

// ShouldLoad reports whether workers should currently be emitting requests.
func (b *Block) ShouldLoad() bool { return atomic.LoadInt32(&b.shouldLoad) != 0 }

// ShouldMeasure reports whether workers should currently be recording
// samples into their stats buffers.
func (b *Block) ShouldMeasure() bool { return atomic.LoadInt32(&b.shouldMeasure) != 0 }

// Role returns the configured agent role.
func (b *Block) Role() Role { return Role(atomic.LoadInt32(&b.agentType)) }

// ThreadCount returns the configured worker thread count.
func (b *Block) ThreadCount() int { return int(atomic.LoadInt32(&b.threadCount)) }

// PerThreadSamples returns the expected-sample-count target set by the most
// recent START_MEASURE.
func (b *Block) PerThreadSamples() uint32 { return atomic.LoadUint32(&b.perThreadSamples) }

// SamplingRate returns the latency subsampling rate set by the most recent
// START_MEASURE.
func (b *Block) SamplingRate() float64 {
	bits := atomic.LoadUint64(&b.samplingRate)
	return math.Float64frombits(bits)
}

// Distribution returns the inter-arrival distribution. Workers may call
// Generate() on it freely (read-only after SetLoad); only the single
// coordinator-facing writer goroutine may call SetLoad.
func (b *Block) Distribution() dist.Source { return b.idist }

// SetLoad converts a requested request-per-second rate into the
// distribution's mean and sets should_load=1 (spec.md §4.E). It is a
// configuration error, not a transient one, if the configured distribution
// doesn't support SetAvg (e.g. a pareto idist) — the coordinator handler
// should reject the command rather than silently no-op.
func (b *Block) SetLoad(ratePerSecond float64) error {
	if ratePerSecond <= 0 {
		atomic.StoreInt32(&b.shouldLoad, 0)
		return nil
	}
	if err := b.idist.SetAvg(1e9 / ratePerSecond); err != nil {
		return err
	}
	atomic.StoreInt32(&b.shouldLoad, 1)
	return nil
}

// StopLoad clears should_load without touching the distribution.
func (b *Block) StopLoad() { atomic.StoreInt32(&b.shouldLoad, 0) }

// StartMeasure sets the per-thread sample target and sampling rate, then
// sets should_measure=1.
func (b *Block) StartMeasure(perThreadSamples uint32, samplingRate float64) {
	atomic.StoreUint32(&b.perThreadSamples, perThreadSamples)
	atomic.StoreUint64(&b.samplingRate, math.Float64bits(samplingRate))
	atomic.StoreInt32(&b.shouldMeasure, 1)
}

// StopMeasure clears should_measure. Per spec.md §4.D, the coordinator must
// wait one polling interval after this before reading worker stats buffers,
// to ensure the release-fence ordering workers rely on has been observed.
func (b *Block) StopMeasure() { atomic.StoreInt32(&b.shouldMeasure, 0) }
