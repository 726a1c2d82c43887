package transport

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/epfl-dcsl/lancet-tool/internal/appproto"
	"github.com/epfl-dcsl/lancet-tool/internal/tstamp"
	"golang.org/x/sys/unix"
)

// streamingImpl is the engine-private state stashed in Conn.impl for a
// streaming (TCP) connection: the raw fd plus a partial-write cursor for
// resuming a scatter list across nonblocking Send calls.
type streamingImpl struct {
	fd int

	// pending write resumption state (spec.md §4.G "partial-write
	// resumption by advancing the scatter-gather list").
	iovs   [][]byte
	segIdx int
	segOff int
}

// StreamingEngine implements Engine over raw nonblocking TCP sockets
// (spec.md §4.G "Streaming (connection-oriented) engine").
type StreamingEngine struct{}

func dialNonblocking(addr string) (int, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, err
	}
	var domain int
	var sa unix.Sockaddr
	if ip4 := raddr.IP.To4(); ip4 != nil {
		domain = unix.AF_INET
		var a [4]byte
		copy(a[:], ip4)
		sa = &unix.SockaddrInet4{Port: raddr.Port, Addr: a}
	} else {
		domain = unix.AF_INET6
		var a [16]byte
		copy(a[:], raddr.IP.To16())
		sa = &unix.SockaddrInet6{Port: raddr.Port, Addr: a}
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, err
	}
	// Wait for the connect to complete (or fail) before returning; the
	// worker loop itself runs nonblocking thereafter.
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	if _, err := unix.Poll(pfd, 5000); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); err != nil || soErr != 0 {
		unix.Close(fd)
		if err == nil {
			err = syscall.Errno(soErr)
		}
		return -1, fmt.Errorf("transport: connect %s: %w", addr, err)
	}
	return fd, nil
}

// Open dials addr and returns a ready streaming Conn. Under TSHardware the
// socket is put into SO_TIMESTAMPING mode immediately (sock_enable_timestamping);
// enabling the NIC itself (enable_nic_timestamping) is a one-time,
// interface-wide step done by internal/agent bootstrap, not per connection.
func (StreamingEngine) Open(addr string, p int, ts TimestampMode) (*Conn, error) {
	fd, err := dialNonblocking(addr)
	if err != nil {
		return nil, err
	}
	if ts == TSHardware {
		if err := tstamp.EnableSocket(fd); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}
	c := newConn(addr, MaxPayloadStreaming, p, ts)
	c.impl = &streamingImpl{fd: fd}
	return c, nil
}

// DrainTimestamp performs one nonblocking MSG_ERRQUEUE read, returning the
// matched (optid, time) pair if the kernel has one ready (get_tx_timestamp).
func (StreamingEngine) DrainTimestamp(c *Conn) (tstamp.TimestampInfo, bool, error) {
	impl := c.impl.(*streamingImpl)
	return recvErrQueueTimestamp(impl.fd)
}

// recvErrQueueTimestamp issues one nonblocking MSG_ERRQUEUE recvmsg and
// extracts the SCM_TIMESTAMPING/IP_RECVERR pair, if any is pending.
func recvErrQueueTimestamp(fd int) (tstamp.TimestampInfo, bool, error) {
	oob := make([]byte, 1024)
	_, oobn, _, _, err := unix.Recvmsg(fd, nil, oob, unix.MSG_ERRQUEUE)
	if err == unix.EAGAIN {
		return tstamp.TimestampInfo{}, false, nil
	}
	if err != nil {
		return tstamp.TimestampInfo{}, false, err
	}
	info, found, err := tstamp.ExtractFromControl(oob[:oobn])
	if err != nil || !found {
		return tstamp.TimestampInfo{}, false, err
	}
	return info, true, nil
}

// Close closes the connection's fd.
func (StreamingEngine) Close(c *Conn) error {
	impl := c.impl.(*streamingImpl)
	return unix.Close(impl.fd)
}

// Send writes as much of req as the kernel will currently accept. In
// blocking mode (the latency role) it polls until the socket is writable
// and loops until the whole request is written, matching "blocking writes
// with busy-polling enabled". In nonblocking mode a partial write parks
// the remaining scatter segments on the connection for the next call.
func (StreamingEngine) Send(c *Conn, req *appproto.Request, blocking bool) (int, error) {
	impl := c.impl.(*streamingImpl)

	iovs := req.IOVs
	if impl.segIdx > 0 || impl.segOff > 0 {
		// Resuming a parked partial write; ignore the newly built request
		// and keep draining the one already in flight.
		iovs = impl.iovs
	} else {
		impl.iovs = iovs
	}

	total := 0
	for impl.segIdx < len(iovs) {
		seg := iovs[impl.segIdx][impl.segOff:]
		n, err := unix.Write(impl.fd, seg)
		if n > 0 {
			total += n
			impl.segOff += n
			if impl.segOff >= len(iovs[impl.segIdx]) {
				impl.segIdx++
				impl.segOff = 0
			}
		}
		if err != nil {
			if err == unix.EAGAIN {
				if !blocking {
					return total, nil
				}
				pfd := []unix.PollFd{{Fd: int32(impl.fd), Events: unix.POLLOUT}}
				unix.Poll(pfd, -1)
				continue
			}
			return total, err
		}
	}
	impl.segIdx, impl.segOff, impl.iovs = 0, 0, nil
	return total, nil
}

// Recv appends newly available bytes from the socket to c's receive
// buffer. In blocking mode it busy-polls until at least one byte is
// available; in nonblocking mode an EAGAIN is reported as (0, nil).
func (StreamingEngine) Recv(c *Conn, blocking bool) (int, error) {
	impl := c.impl.(*streamingImpl)
	slot := c.readSlot()
	if len(slot) == 0 {
		return 0, fmt.Errorf("transport: receive buffer full (unconsumed partial message exceeds %d bytes)", MaxPayloadStreaming)
	}

	for {
		n, err := unix.Read(impl.fd, slot)
		if err == unix.EAGAIN {
			if !blocking {
				return 0, nil
			}
			time.Sleep(0) // busy-poll: yield without blocking the scheduler indefinitely
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, fmt.Errorf("transport: peer closed connection to %s", c.Addr)
		}
		return n, nil
	}
}
