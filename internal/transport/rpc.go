package transport

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/epfl-dcsl/lancet-tool/internal/appproto"
	"golang.org/x/sys/unix"
)

// rpcTarget is one dialed member of the RPC cluster, shared across every
// logical client slot so "load-balanced" and "replicated" routing can reach
// targets other than a Conn's own primary.
type rpcTarget struct {
	addr string
	fd   int
}

// RPCEngine implements Engine for the optional RPC transport (spec.md
// §4.G "RPC engine"). The routing hint on appproto.Request.Meta selects
// among RouteFixed (the slot's own primary target, which is the cluster's
// first target only for slots opened on that address), RouteLoadBalanced
// (uniformly random target), and RouteReplicated (broadcast the request to
// every target; the primary connection's reply is the one the worker loop
// times and counts, approximating the reference engine's success/error
// callback fan-in for the purposes of this single-process agent).
type RPCEngine struct {
	Targets []string

	cluster []*rpcTarget
	r       *rand.Rand
}

func (e *RPCEngine) ensureCluster() error {
	if e.cluster != nil {
		return nil
	}
	if e.r == nil {
		e.r = rand.New(rand.NewSource(1))
	}
	for _, addr := range e.Targets {
		fd, err := dialNonblocking(addr)
		if err != nil {
			return fmt.Errorf("transport/rpc: dial cluster member %s: %w", addr, err)
		}
		e.cluster = append(e.cluster, &rpcTarget{addr: addr, fd: fd})
	}
	return nil
}

type rpcImpl struct {
	primary *rpcTarget

	iovs   [][]byte
	segIdx int
	segOff int
}

// Open binds a new logical client slot to addr's cluster member (resolving
// the shared cluster on first use). TSHardware is not supported — the
// cluster's fds are shared across every logical client slot, which doesn't
// line up with the one-queue-per-owning-connection model the pending
// timestamp ring assumes — and is downgraded to TSSoftware.
func (e *RPCEngine) Open(addr string, p int, ts TimestampMode) (*Conn, error) {
	if err := e.ensureCluster(); err != nil {
		return nil, err
	}
	var primary *rpcTarget
	for _, t := range e.cluster {
		if t.addr == addr {
			primary = t
			break
		}
	}
	if primary == nil {
		return nil, fmt.Errorf("transport/rpc: %s is not a configured cluster target", addr)
	}

	if ts == TSHardware {
		ts = TSSoftware
	}
	c := newConn(addr, MaxPayloadStreaming, p, ts)
	c.impl = &rpcImpl{primary: primary}
	return c, nil
}

// Close is a no-op for individual slots; cluster fds outlive any one
// worker's connection and are torn down by CloseCluster.
func (*RPCEngine) Close(c *Conn) error { return nil }

// CloseCluster closes every dialed cluster connection.
func (e *RPCEngine) CloseCluster() {
	for _, t := range e.cluster {
		unix.Close(t.fd)
	}
}

func (e *RPCEngine) route(req *appproto.Request, primary *rpcTarget) []*rpcTarget {
	hint, _ := req.Meta.(int)
	switch hint {
	case appproto.RouteLoadBalanced:
		return []*rpcTarget{e.cluster[e.r.Intn(len(e.cluster))]}
	case appproto.RouteReplicated:
		return e.cluster
	default: // RouteFixed, or Meta unset
		return []*rpcTarget{primary}
	}
}

// Send writes req's scatter list, via the runtime's chunked-buffer
// convention of one contiguous write per request, to every target the
// routing hint selects, returning the byte count written to the primary
// target (the one the worker loop's pending_reqs/timestamp bookkeeping
// tracks). No extra framing is added beyond what the application protocol
// itself builds, so ConsumeResponse sees the same wire shape it would over
// any other transport.
func (e *RPCEngine) Send(c *Conn, req *appproto.Request, blocking bool) (int, error) {
	impl := c.impl.(*rpcImpl)

	payload := make([]byte, 0, req.Len())
	for _, seg := range req.IOVs {
		payload = append(payload, seg...)
	}

	targets := e.route(req, impl.primary)
	primaryN := 0
	for _, t := range targets {
		n, err := writeAllBlocking(t.fd, payload, blocking)
		if t == impl.primary {
			primaryN = n
		}
		if err != nil && t == impl.primary {
			return primaryN, err
		}
	}
	return primaryN, nil
}

func writeAllBlocking(fd int, buf []byte, blocking bool) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Write(fd, buf[total:])
		if n > 0 {
			total += n
		}
		if err != nil {
			if err == unix.EAGAIN {
				if !blocking {
					return total, nil
				}
				pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
				unix.Poll(pfd, -1)
				continue
			}
			return total, err
		}
	}
	return total, nil
}

// Recv reads from the primary target only, appending raw bytes to c's
// receive buffer for the application protocol's ConsumeResponse to reduce.
func (e *RPCEngine) Recv(c *Conn, blocking bool) (int, error) {
	impl := c.impl.(*rpcImpl)
	slot := c.readSlot()
	if len(slot) == 0 {
		return 0, fmt.Errorf("transport/rpc: receive buffer full for %s", c.Addr)
	}

	for {
		n, err := unix.Read(impl.primary.fd, slot)
		if err == unix.EAGAIN {
			if !blocking {
				return 0, nil
			}
			time.Sleep(0)
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("transport/rpc: peer closed connection to %s", c.Addr)
		}
		return n, nil
	}
}
