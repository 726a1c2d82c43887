// Package transport implements the pluggable transport engines of spec.md
// §4.G — streaming, datagram, TLS, and RPC — each exposing the same
// open/send/recv surface so a single Worker loop can drive any of them
// under any of the four agent roles (throughput, latency, symmetric,
// symmetric-nic).
package transport

import (
	"fmt"
	"time"

	"github.com/epfl-dcsl/lancet-tool/internal/appproto"
	"github.com/epfl-dcsl/lancet-tool/internal/control"
	"github.com/epfl-dcsl/lancet-tool/internal/dist"
	"github.com/epfl-dcsl/lancet-tool/internal/metrics"
	"github.com/epfl-dcsl/lancet-tool/internal/statsbuf"
	"github.com/epfl-dcsl/lancet-tool/internal/tstamp"
)

func (w *Worker) roleLabel() string { return w.Role.String() }

func (w *Worker) engineLabel() string { return fmt.Sprintf("%T", w.Engine) }

// Buffer capacities (spec.md §3).
const (
	MaxPayloadStreaming = 16 * 1024
	MaxPayloadDatagram  = 1500
)

// Conn is a worker-owned connection: transport fd plus the fixed-capacity
// receive buffer, pending-request counter, and (when software or NIC
// timestamping is active) pending-timestamp queue described in spec.md §3.
type Conn struct {
	Addr string

	recvBuf []byte
	recvLen int

	PendingReqs int
	Closed      bool

	// Taken marks a datagram connection's single in-flight slot (spec.md
	// §4.G, "Datagram engine").
	Taken bool

	TSQueue *tstamp.PendingQueue

	// SendTime is the wall-clock send time of the single outstanding
	// request under the latency role (spec.md §4.G: "only one
	// outstanding request per pick").
	SendTime time.Time

	// engine-specific connection state (raw fd, net.Conn, tls.Conn, ...),
	// opaque to Worker.
	impl interface{}
}

func newConn(addr string, capacity int, pendingWindow int, ts TimestampMode) *Conn {
	c := &Conn{Addr: addr, recvBuf: make([]byte, capacity)}
	if ts != TSNone {
		c.TSQueue = tstamp.NewPendingQueue(pendingWindow)
	}
	return c
}

// appendRecv appends n freshly-read bytes already staged at the buffer
// tail and returns the filled prefix.
func (c *Conn) appendRecv(n int) []byte {
	c.recvLen += n
	return c.recvBuf[:c.recvLen]
}

// consumeShift drops the first n consumed bytes, left-shifting any
// unconsumed suffix to the buffer head (spec.md §4.G).
func (c *Conn) consumeShift(n int) {
	if n == 0 {
		return
	}
	remaining := c.recvLen - n
	if remaining > 0 {
		copy(c.recvBuf, c.recvBuf[n:c.recvLen])
	}
	c.recvLen = remaining
}

// readSlot returns the writable tail of the receive buffer for the next
// read/recvfrom call.
func (c *Conn) readSlot() []byte { return c.recvBuf[c.recvLen:] }

// Engine is the per-transport-kind table of entry points spec.md §4.G
// requires: open a connection, send a request (possibly partially,
// returning bytes actually written), and receive into the connection's
// buffer (returning bytes actually read, 0 on "would block").
type Engine interface {
	// Open dials addr. ts selects whether (and how) the connection
	// maintains a pending-timestamp queue: TSNone for throughput/latency,
	// TSSoftware for the symmetric role, TSHardware for symmetric-nic.
	Open(addr string, p int, ts TimestampMode) (*Conn, error)
	Close(c *Conn) error
	// Send writes as much of req as the engine can without blocking
	// (streaming/TLS) or exactly one datagram (datagram), reporting bytes
	// written. Partial writes are resumed on a later call by the engine
	// tracking its own scatter-list cursor on c.
	Send(c *Conn, req *appproto.Request, blocking bool) (int, error)
	// Recv appends newly available bytes to c's receive buffer and
	// reports how many were read; 0 with a nil error means "nothing ready
	// yet" (the nonblocking/WANT_READ case).
	Recv(c *Conn, blocking bool) (int, error)
}

// TimestampMode selects a connection's tx-timestamping discipline.
type TimestampMode int

const (
	TSNone TimestampMode = iota
	// TSSoftware uses Engine.Send's own completion as the tx reference
	// (push_complete_tx_timestamp in original_source/agents/timestamping.c).
	TSSoftware
	// TSHardware awaits a kernel SO_TIMESTAMPING/MSG_ERRQUEUE completion
	// matched by OPT_ID (get_tx_timestamp). Only engines implementing
	// TimestampDrainer support it.
	TSHardware
)

// TimestampDrainer is implemented by engines that can recover a
// hardware tx timestamp from the socket's error queue (spec.md §4.F).
// StreamingEngine and DatagramEngine implement it; TLSEngine and
// RPCEngine do not — see their Open methods for why.
type TimestampDrainer interface {
	DrainTimestamp(c *Conn) (tstamp.TimestampInfo, bool, error)
}

// Worker drives one agent worker thread's connections through an Engine,
// implementing the shared loop shape of spec.md §4.G.
type Worker struct {
	Engine Engine
	Proto  appproto.Protocol
	IDist  dist.Source
	Ctrl   *control.Block
	Stats  *statsbuf.Buffer
	Role   control.Role

	// P bounds pending_reqs per connection (spec.md §3).
	P int
	// TSMode enables the pending-timestamp queue path for the symmetric
	// and symmetric-nic roles (spec.md §4.F).
	TSMode TimestampMode

	conns []*Conn
	rrIdx int

	req appproto.Request
}

// NewWorker opens connCount connections to the given targets (round-robin
// over the target list) using engine, and returns a Worker ready to Run.
func NewWorker(engine Engine, proto appproto.Protocol, idist dist.Source, ctrl *control.Block, stats *statsbuf.Buffer, role control.Role, targets []string, connCount, p int) (*Worker, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("transport: no targets configured")
	}
	ts := TSNone
	switch role {
	case control.RoleSymmetric:
		ts = TSSoftware
	case control.RoleSymmetricNIC:
		ts = TSHardware
	}
	w := &Worker{
		Engine: engine, Proto: proto, IDist: idist, Ctrl: ctrl, Stats: stats,
		Role: role, P: p, TSMode: ts,
	}
	for i := 0; i < connCount; i++ {
		addr := targets[i%len(targets)]
		c, err := engine.Open(addr, p, ts)
		if err != nil {
			w.closeAll()
			return nil, fmt.Errorf("transport: open connection %d to %s: %w", i, addr, err)
		}
		w.conns = append(w.conns, c)
	}
	return w, nil
}

func (w *Worker) closeAll() {
	for _, c := range w.conns {
		w.Engine.Close(c)
	}
}

// Close tears down every connection owned by this worker.
func (w *Worker) Close() { w.closeAll() }

// pickConn returns the next connection with room for another in-flight
// request, round-robin skipping closed or full connections (spec.md §4.G).
// Returns nil if none are eligible.
func (w *Worker) pickConn() *Conn {
	n := len(w.conns)
	for i := 0; i < n; i++ {
		idx := (w.rrIdx + i) % n
		c := w.conns[idx]
		if c.Closed {
			continue
		}
		if c.PendingReqs < w.P {
			w.rrIdx = (idx + 1) % n
			return c
		}
	}
	return nil
}

// Run executes the shared next_tx scheduling loop of spec.md §4.G until
// stop is closed. Role-specific behaviour lives in sendOne and
// drainResponses.
func (w *Worker) Run(stop <-chan struct{}) {
	nextTx := time.Now()
	for {
		select {
		case <-stop:
			return
		default:
		}

		if !w.Ctrl.ShouldLoad() {
			nextTx = time.Now()
			w.drainResponses()
			continue
		}

		for !time.Now().Before(nextTx) {
			c := w.pickConn()
			if c == nil {
				break
			}
			w.sendOne(c)
			nextTx = nextTx.Add(time.Duration(w.IDist.Generate()) * time.Nanosecond)
		}

		w.drainResponses()
	}
}

// sendOne builds one request via the application protocol and sends it,
// updating pending_reqs, throughput stats, and (when enabled) the
// pending-timestamp queue.
func (w *Worker) sendOne(c *Conn) {
	w.req.Reset()
	w.Proto.CreateRequest(&w.req)

	blocking := w.Role == control.RoleLatency
	if blocking {
		c.SendTime = time.Now()
	}
	n, err := w.Engine.Send(c, &w.req, blocking)
	if err != nil {
		c.Closed = true
		metrics.ConnectionsClosed.WithLabelValues(w.engineLabel()).Inc()
		return
	}

	c.PendingReqs++
	metrics.RequestsSent.WithLabelValues(w.roleLabel()).Inc()
	metrics.BytesSent.WithLabelValues(w.roleLabel()).Add(float64(n))
	if w.Ctrl.ShouldMeasure() {
		w.Stats.AddThroughputTxSample(n, 1)
	}
	switch w.TSMode {
	case TSSoftware:
		// The write already completed synchronously; that completion
		// itself is the tx reference (push_complete_tx_timestamp).
		c.TSQueue.PushComplete(time.Now())
	case TSHardware:
		// Await the kernel's MSG_ERRQUEUE completion, matched by OPT_ID
		// in drainResponses via the engine's TimestampDrainer.
		c.TSQueue.AddPending(n)
	}
}

// drainResponses polls every open connection once for available bytes,
// reduces complete replies via the application protocol, and records
// latency/throughput samples (spec.md §4.G). Under the latency role, a
// connection with an outstanding request is read in blocking mode.
func (w *Worker) drainResponses() {
	blocking := w.Role == control.RoleLatency
	drainer, _ := w.Engine.(TimestampDrainer)

	for _, c := range w.conns {
		if c.Closed {
			continue
		}

		if w.TSMode == TSHardware && drainer != nil && c.TSQueue.Depth() > 0 {
			if info, ok, err := drainer.DrainTimestamp(c); err == nil && ok {
				c.TSQueue.MatchCompletion(info)
			}
		}

		n, err := w.Engine.Recv(c, blocking && c.PendingReqs > 0)
		if err != nil {
			c.Closed = true
			metrics.ConnectionsClosed.WithLabelValues(w.engineLabel()).Inc()
			continue
		}
		if n == 0 {
			continue
		}
		buf := c.appendRecv(n)
		result := w.Proto.ConsumeResponse(buf)
		if result.Bytes == 0 && result.Reqs == 0 {
			continue
		}
		c.consumeShift(result.Bytes)
		c.PendingReqs -= result.Reqs
		metrics.RepliesReceived.WithLabelValues(w.roleLabel()).Add(float64(result.Reqs))
		metrics.BytesReceived.WithLabelValues(w.roleLabel()).Add(float64(result.Bytes))

		if w.Ctrl.ShouldMeasure() {
			w.Stats.AddThroughputRxSample(result.Bytes, result.Reqs)
		}
		switch {
		case w.Role == control.RoleLatency && result.Reqs > 0:
			elapsed := time.Since(c.SendTime)
			metrics.LatencyHistogram.WithLabelValues(w.roleLabel()).Observe(elapsed.Seconds())
			if w.Ctrl.ShouldMeasure() {
				w.Stats.AddLatencySample(elapsed.Nanoseconds(), 0, false)
			}
		case w.TSMode != TSNone:
			w.recordLatencySamples(c, result.Reqs)
		}
	}
}

// recordLatencySamples pops one matched tx timestamp per completed
// request and records the elapsed duration, per spec.md §4.F's "when a
// reply is parsed, pop from consumed up to tail" rule.
func (w *Worker) recordLatencySamples(c *Conn, reqs int) {
	now := tstamp.Now()
	for i := 0; i < reqs; i++ {
		info, ok := c.TSQueue.Pop()
		if !ok {
			metrics.TimestampMismatchCount.Inc()
			return
		}
		elapsed := now.Sub(info.Time).Nanoseconds()
		if w.Ctrl.ShouldMeasure() {
			w.Stats.AddLatencySample(elapsed, info.Time.UnixNano(), true)
		}
	}
}
