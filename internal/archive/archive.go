// Package archive implements local raw-sample archival: the agent's
// offline-post-processing-friendly record of every latency sample actually
// taken, independent of (and in addition to) the per-thread statistics
// buffers the coordinator polls live. This is purely additive relative to
// spec.md's core data plane — a supplemented feature grounded on the
// teacher's saver/zstd pipeline.
package archive

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/epfl-dcsl/lancet-tool/internal/control"
	"github.com/epfl-dcsl/lancet-tool/internal/metrics"
	"github.com/epfl-dcsl/lancet-tool/internal/statsbuf"
)

// ErrNoMarshallers mirrors saver.ErrNoMarshallers: an Archive with zero
// marshalling goroutines cannot accept samples.
var ErrNoMarshallers = errors.New("archive: zero marshallers configured")

// recordSize is the fixed on-disk width of one archived sample: nsec (8),
// tx timestamp nsec (8), has-tx-stamp flag (1), worker id (4), role (1).
const recordSize = 22

// Sample is one archived latency observation.
type Sample struct {
	WorkerID      int
	Role          control.Role
	Nanoseconds   int64
	TxTimestampNS int64
	HasTxStamp    bool
}

// Task is a single marshalling task: a batch of samples and the writer to
// append them to. A nil Samples slice means "close the writer" (saver.Task's
// "nil message means close the writer" convention).
type Task struct {
	Samples []Sample
	Writer  io.WriteCloser
}

// MarshalChan is a channel of marshalling tasks.
type MarshalChan chan<- Task

func runMarshaller(taskChan <-chan Task, wg *sync.WaitGroup) {
	for task := range taskChan {
		if task.Samples == nil {
			if err := task.Writer.Close(); err != nil {
				log.Println("archive: closing writer:", err)
			}
			continue
		}
		if task.Writer == nil {
			log.Fatal("archive: nil writer with non-nil batch")
		}
		if err := writeBatch(task.Writer, task.Samples); err != nil {
			log.Println("archive: writing batch:", err)
		}
	}
	wg.Done()
}

// writeBatch appends a uvarint record count followed by recordSize bytes
// per sample, the fixed-layout analogue of saver.runMarshaller's
// varint-size-prefixed protobuf records (no protobuf codegen tool is
// available in this environment, so a hand-rolled varint-count + fixed
// binary.LittleEndian layout stands in for it — see DESIGN.md).
func writeBatch(w io.Writer, samples []Sample) error {
	var countBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(countBuf[:], uint64(len(samples)))
	if _, err := w.Write(countBuf[:n]); err != nil {
		return err
	}

	buf := make([]byte, recordSize*len(samples))
	for i, s := range samples {
		off := i * recordSize
		binary.LittleEndian.PutUint64(buf[off:], uint64(s.Nanoseconds))
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(s.TxTimestampNS))
		if s.HasTxStamp {
			buf[off+16] = 1
		}
		binary.LittleEndian.PutUint32(buf[off+17:], uint32(s.WorkerID))
		buf[off+21] = byte(s.Role)
	}
	_, err := w.Write(buf)
	return err
}

// NewMarshaller spawns one marshalling goroutine and returns the channel
// feeding it work, mirroring saver.NewMarshaller.
func NewMarshaller(wg *sync.WaitGroup) MarshalChan {
	ch := make(chan Task, 100)
	wg.Add(1)
	go runMarshaller(ch, wg)
	return ch
}

// workerFile tracks the currently-open archive file for one worker thread.
type workerFile struct {
	writer      io.WriteCloser
	sampleCount int
	sequence    int
}

// Archive batches and persists latency samples per worker thread, rotating
// to a fresh zstd-compressed file every SampleLimit samples (saver.go
// rotates every FileAgeLimit of wall-clock time on long-lived TCP
// connections; this package has no notion of a "connection" to key
// rotation off of, so rotation is sample-count-based instead — see
// DESIGN.md Open Question decision).
type Archive struct {
	Dir         string
	SampleLimit int
	// RunID tags every archival batch filename with the agent run that
	// produced it (SPEC_FULL.md's "Run UUID"), so files from concurrent or
	// successive runs into the same Dir never collide.
	RunID string

	marshalChans []MarshalChan
	done         *sync.WaitGroup

	mu      sync.Mutex
	workers map[int]*workerFile
}

// New creates an Archive writing under dir, using numMarshaller marshalling
// goroutines and rotating every sampleLimit samples per worker. runID tags
// every batch filename (see RunID).
func New(dir string, numMarshaller, sampleLimit int, runID string) *Archive {
	chans := make([]MarshalChan, 0, numMarshaller)
	wg := &sync.WaitGroup{}
	for i := 0; i < numMarshaller; i++ {
		chans = append(chans, NewMarshaller(wg))
	}
	return &Archive{
		Dir:          dir,
		SampleLimit:  sampleLimit,
		RunID:        runID,
		marshalChans: chans,
		done:         wg,
		workers:      make(map[int]*workerFile),
	}
}

func (a *Archive) chanFor(workerID int) (MarshalChan, error) {
	if len(a.marshalChans) == 0 {
		return nil, ErrNoMarshallers
	}
	return a.marshalChans[workerID%len(a.marshalChans)], nil
}

// rotate opens the next file for a worker, mirroring Connection.Rotate's
// date-stamped naming.
func (a *Archive) rotate(workerID int, wf *workerFile) error {
	seq := wf.sequence
	name := fmt.Sprintf("%s/%s_%s_worker%04d_%05d.zst", a.Dir, time.Now().Format("20060102T150405.000"), a.RunID, workerID, seq)
	w, err := newZstdWriter(name)
	if err != nil {
		return fmt.Errorf("archive: rotate worker %d: %w", workerID, err)
	}
	wf.writer = w
	wf.sampleCount = 0
	wf.sequence++
	metrics.ArchiveFileCount.Inc()
	return nil
}

// Append queues one sample for eventual marshalling, opening or rotating
// the worker's current file as needed.
func (a *Archive) Append(s Sample) error {
	q, err := a.chanFor(s.WorkerID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	wf, ok := a.workers[s.WorkerID]
	if !ok {
		wf = &workerFile{}
		a.workers[s.WorkerID] = wf
	}
	if wf.writer == nil {
		if err := a.rotate(s.WorkerID, wf); err != nil {
			a.mu.Unlock()
			return err
		}
	}
	writer := wf.writer
	wf.sampleCount++
	rotateNeeded := wf.sampleCount >= a.SampleLimit
	if rotateNeeded {
		wf.writer = nil
	}
	a.mu.Unlock()

	q <- Task{Samples: []Sample{s}, Writer: writer}
	if rotateNeeded {
		q <- Task{Samples: nil, Writer: writer}
	}
	return nil
}

// ExportLatencySamples drains buf's currently-recorded latency samples and
// queues them for archival under workerID/role.
func (a *Archive) ExportLatencySamples(workerID int, role control.Role, buf *statsbuf.Buffer) error {
	for _, ls := range buf.LatencySamples() {
		s := Sample{
			WorkerID:      workerID,
			Role:          role,
			Nanoseconds:   ls.Nanoseconds,
			TxTimestampNS: ls.TxTimestampNS,
			HasTxStamp:    ls.HasTxStamp,
		}
		if err := a.Append(s); err != nil {
			return err
		}
	}
	return nil
}

// OpenReader decompresses the archive file at filename (via an external
// zstd process, see newZstdReader) and returns a ReadCloser positioned at
// the start of its first record batch, for cmd/lancet-csvtool.
func OpenReader(filename string) (io.ReadCloser, error) {
	return newZstdReader(filename)
}

// ReadAll decodes every record batch from r (as written by writeBatch)
// into a flat slice of Sample, for cmd/lancet-csvtool.
func ReadAll(r io.Reader) ([]Sample, error) {
	br := bufio.NewReader(r)
	var out []Sample
	for {
		count, err := binary.ReadUvarint(br)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("archive: reading batch count: %w", err)
		}
		buf := make([]byte, recordSize)
		for i := uint64(0); i < count; i++ {
			if _, err := io.ReadFull(br, buf); err != nil {
				return nil, fmt.Errorf("archive: reading record %d of batch: %w", i, err)
			}
			out = append(out, Sample{
				Nanoseconds:   int64(binary.LittleEndian.Uint64(buf[0:8])),
				TxTimestampNS: int64(binary.LittleEndian.Uint64(buf[8:16])),
				HasTxStamp:    buf[16] != 0,
				WorkerID:      int(binary.LittleEndian.Uint32(buf[17:21])),
				Role:          control.Role(buf[21]),
			})
		}
	}
}

// Close flushes and closes every worker's open file and waits for all
// marshalling goroutines to drain, mirroring saver.Saver.Close.
func (a *Archive) Close() {
	a.mu.Lock()
	for id, wf := range a.workers {
		if wf.writer == nil {
			continue
		}
		q, err := a.chanFor(id)
		if err == nil {
			q <- Task{Samples: nil, Writer: wf.writer}
		}
		wf.writer = nil
	}
	a.mu.Unlock()

	for _, ch := range a.marshalChans {
		close(ch)
	}
	a.done.Wait()
}
