// Package statsbuf implements the per-thread statistics buffer of spec.md
// §4.D: a shared-memory-mapped struct owned exclusively by one worker
// thread, read by the coordinator only after it has quiesced the thread via
// the control block's should_measure flag.
package statsbuf

import (
	"fmt"
	"time"

	"github.com/epfl-dcsl/lancet-tool/internal/shm"
)

// MaxPerThreadSamples bounds the latency and tx-gap sample rings
// (spec.md §3).
const MaxPerThreadSamples = 131072

// txGapSampleRate is the fixed subsampling rate for add_tx_timestamp
// (spec.md §4.D): 1%.
const txGapSampleRate = 100

// ThroughputCounters holds the rx/tx (bytes, reqs) accumulators common to
// both roles (spec.md §6, throughput_stats).
type ThroughputCounters struct {
	RxBytes, RxReqs uint64
	TxBytes, TxReqs uint64
}

// LatencySample is one entry of the latency ring: a duration plus an
// optional tx timestamp (spec.md §3).
type LatencySample struct {
	Nanoseconds   int64
	HasTxStamp    bool
	TxTimestampNS int64
}

// Buffer is the per-worker-thread statistics structure, mapped into a
// /lancet-stats<tid> segment. It is written only by its owning worker; the
// coordinator reads it only after should_measure has been cleared (spec.md
// §4.D "Memory consistency").
type Buffer struct {
	Throughput ThroughputCounters

	samplingRate int // 1-in-N latency subsampling (spec.md §4.D)
	offered      uint64
	incIdx       uint32
	latency      [MaxPerThreadSamples]LatencySample

	txOffered  uint64 // counts every AddTxTimestamp call, for 1% subsampling
	txGapIdx   uint32
	txGaps     [MaxPerThreadSamples]int64
	prevTxNS   int64
	havePrevTx bool

	seg *shm.Segment
}

// New creates (or attaches to) the named shared-memory segment for this
// worker's stats and returns a Buffer view over process-local memory.
//
// Unlike the teacher's direct unsafe.Pointer casts onto mmap'd bytes, the
// sample rings here are large enough that a process-local struct, never
// copied into the segment, is both simpler and avoids
// depending on Go struct layout matching a C ABI the coordinator doesn't
// actually need to parse directly (the coordinator only ever sees Buffer
// data via the coordproto wire protocol, never via raw mmap bytes).
func New(name string, samplingRate int) (*Buffer, error) {
	if samplingRate < 1 {
		return nil, fmt.Errorf("statsbuf: samplingRate must be >= 1, got %d", samplingRate)
	}
	seg, err := shm.Create(name, 1) // presence marker; real data stays process-local
	if err != nil {
		return nil, err
	}
	return &Buffer{samplingRate: samplingRate, seg: seg}, nil
}

// Close releases the backing shared-memory segment.
func (b *Buffer) Close() error {
	if b.seg == nil {
		return nil
	}
	return b.seg.Close()
}

// AddThroughputRxSample accumulates a received (bytes, reqs) pair.
func (b *Buffer) AddThroughputRxSample(bytes, reqs int) {
	b.Throughput.RxBytes += uint64(bytes)
	b.Throughput.RxReqs += uint64(reqs)
}

// AddThroughputTxSample accumulates a sent (bytes, reqs) pair.
func (b *Buffer) AddThroughputTxSample(bytes, reqs int) {
	b.Throughput.TxBytes += uint64(bytes)
	b.Throughput.TxReqs += uint64(reqs)
}

// AddLatencySample subsamples at 1/samplingRate and writes into the
// overwrite-oldest ring (spec.md §4.D). incIdx counts samples actually
// written, and advances monotonically regardless of ring wraparound.
func (b *Buffer) AddLatencySample(ns int64, txTimestampNS int64, hasTxStamp bool) {
	b.offered++
	if b.offered%uint64(b.samplingRate) != 0 {
		return
	}
	b.latency[b.incIdx%MaxPerThreadSamples] = LatencySample{Nanoseconds: ns, HasTxStamp: hasTxStamp, TxTimestampNS: txTimestampNS}
	b.incIdx++
}

// AddTxTimestamp subsamples tx timestamps at the fixed 1% rate, computes
// the inter-tx gap against the previous tx timestamp, and appends the delta
// to the ring. Per DESIGN.md's Open Question Decision #4, the ring cursor
// only advances on a successful diff (i.e. never on the very first sample,
// which has no predecessor).
func (b *Buffer) AddTxTimestamp(ts time.Time) {
	b.txOffered++
	if b.txOffered%txGapSampleRate != 0 {
		return
	}
	ns := ts.UnixNano()
	if !b.havePrevTx {
		b.prevTxNS = ns
		b.havePrevTx = true
		return
	}
	gap := ns - b.prevTxNS
	b.prevTxNS = ns
	b.txGaps[b.txGapIdx%MaxPerThreadSamples] = gap
	b.txGapIdx++
}

// LatencySamples returns a snapshot of the samples recorded so far, up to
// min(total_collected, MaxPerThreadSamples), in write order.
func (b *Buffer) LatencySamples() []LatencySample {
	n := b.incIdx
	if n > MaxPerThreadSamples {
		n = MaxPerThreadSamples
	}
	out := make([]LatencySample, n)
	start := uint32(0)
	if b.incIdx > MaxPerThreadSamples {
		start = b.incIdx % MaxPerThreadSamples
	}
	k := copy(out, b.latency[start:n])
	copy(out[k:], b.latency[:start])
	return out
}

// TxGapSamples returns a snapshot of the recorded inter-tx gaps.
func (b *Buffer) TxGapSamples() []int64 {
	n := b.txGapIdx
	if n > MaxPerThreadSamples {
		n = MaxPerThreadSamples
	}
	out := make([]int64, n)
	copy(out, b.txGaps[:n])
	return out
}

// IncIdx returns the monotonically increasing latency-ring write cursor
// (spec.md §8 invariant 6).
func (b *Buffer) IncIdx() uint32 { return b.incIdx }

// Reset clears all counters and rings, used when the coordinator issues a
// new START_MEASURE.
func (b *Buffer) Reset() {
	b.Throughput = ThroughputCounters{}
	b.offered = 0
	b.incIdx = 0
	b.txOffered = 0
	b.txGapIdx = 0
	b.havePrevTx = false
}
