package transport

import (
	"testing"

	"github.com/epfl-dcsl/lancet-tool/internal/control"
)

func newTestWorker(p int, role control.Role, n int) *Worker {
	w := &Worker{P: p, Role: role}
	for i := 0; i < n; i++ {
		w.conns = append(w.conns, &Conn{Addr: "test"})
	}
	return w
}

func TestPickConnRoundRobinSkipsFullAndClosed(t *testing.T) {
	w := newTestWorker(2, control.RoleThroughput, 3)
	w.conns[1].Closed = true
	w.conns[2].PendingReqs = 2 // at P, full

	c := w.pickConn()
	if c != w.conns[0] {
		t.Fatalf("pickConn() = %+v, want conns[0]", c)
	}
	c.PendingReqs = 2 // now full too

	if got := w.pickConn(); got != nil {
		t.Fatalf("pickConn() = %+v, want nil (all full/closed)", got)
	}
}

func TestPickConnAdvancesRoundRobinCursor(t *testing.T) {
	w := newTestWorker(5, control.RoleThroughput, 2)
	first := w.pickConn()
	second := w.pickConn()
	if first == second {
		t.Fatal("pickConn() returned the same connection twice in a row under round robin")
	}
}

func TestConnConsumeShiftLeftShiftsUnconsumedSuffix(t *testing.T) {
	c := newConn("test", 16, 1, TSNone)
	copy(c.recvBuf, []byte("hello world"))
	c.recvLen = 11

	c.consumeShift(6) // consume "hello "
	if got := string(c.recvBuf[:c.recvLen]); got != "world" {
		t.Fatalf("after consumeShift, buffer = %q, want %q", got, "world")
	}
}

func TestConnAppendRecvGrowsFilledPrefix(t *testing.T) {
	c := newConn("test", 16, 1, TSNone)
	slot := c.readSlot()
	n := copy(slot, []byte("abc"))
	buf := c.appendRecv(n)
	if string(buf) != "abc" {
		t.Fatalf("appendRecv = %q, want %q", buf, "abc")
	}
	slot2 := c.readSlot()
	copy(slot2, []byte("def"))
	buf2 := c.appendRecv(3)
	if string(buf2) != "abcdef" {
		t.Fatalf("appendRecv after second read = %q, want %q", buf2, "abcdef")
	}
}
