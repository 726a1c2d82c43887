package transport

import (
	"fmt"
	"net"

	"github.com/epfl-dcsl/lancet-tool/internal/appproto"
	"github.com/epfl-dcsl/lancet-tool/internal/tstamp"
	"golang.org/x/sys/unix"
)

// datagramImpl is the engine-private state for a UDP connection: the raw
// fd and the destination sockaddr used for every sendto.
type datagramImpl struct {
	fd   int
	dest unix.Sockaddr
}

// DatagramEngine implements Engine over UDP sockets (spec.md §4.G
// "Datagram engine"): one in-flight datagram per socket, tracked by
// Conn.Taken.
type DatagramEngine struct{}

// Open creates a nonblocking, unconnected UDP socket; every Send passes
// addr to sendto explicitly.
func (DatagramEngine) Open(addr string, p int, ts TimestampMode) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
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

	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if ts == TSHardware {
		if err := tstamp.EnableSocket(fd); err != nil {
			unix.Close(fd)
			return nil, err
		}
	}

	c := newConn(addr, MaxPayloadDatagram, p, ts)
	c.impl = &datagramImpl{fd: fd, dest: sa}
	return c, nil
}

// DrainTimestamp performs one nonblocking MSG_ERRQUEUE read for this
// socket's single in-flight datagram (spec.md §4.G: "if not yet available
// at rx, drain the error queue once").
func (DatagramEngine) DrainTimestamp(c *Conn) (tstamp.TimestampInfo, bool, error) {
	impl := c.impl.(*datagramImpl)
	return recvErrQueueTimestamp(impl.fd)
}

// Close closes the connection's socket.
func (DatagramEngine) Close(c *Conn) error {
	impl := c.impl.(*datagramImpl)
	return unix.Close(impl.fd)
}

// Send transmits one whole datagram assembled from req's scatter list
// (datagrams have no partial-write semantics). Marks the connection
// Taken until the matching reply is received.
func (DatagramEngine) Send(c *Conn, req *appproto.Request, blocking bool) (int, error) {
	impl := c.impl.(*datagramImpl)
	if c.Taken {
		return 0, nil
	}

	buf := make([]byte, 0, req.Len())
	for _, seg := range req.IOVs {
		buf = append(buf, seg...)
	}
	if len(buf) > MaxPayloadDatagram {
		return 0, fmt.Errorf("transport: datagram request of %d bytes exceeds MTU budget %d", len(buf), MaxPayloadDatagram)
	}

	if err := unix.Sendto(impl.fd, buf, 0, impl.dest); err != nil {
		return 0, err
	}
	c.Taken = true
	return len(buf), nil
}

// Recv reads the one outstanding datagram, if any has arrived.
func (DatagramEngine) Recv(c *Conn, blocking bool) (int, error) {
	impl := c.impl.(*datagramImpl)
	if !c.Taken {
		return 0, nil
	}
	slot := c.readSlot()

	for {
		n, _, err := unix.Recvfrom(impl.fd, slot, 0)
		if err == unix.EAGAIN {
			if !blocking {
				return 0, nil
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		c.Taken = false
		return n, nil
	}
}
