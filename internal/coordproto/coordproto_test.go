package coordproto

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"testing"
	"time"

	"github.com/go-test/deep"

	"github.com/epfl-dcsl/lancet-tool/internal/control"
	"github.com/epfl-dcsl/lancet-tool/internal/dist"
	"github.com/epfl-dcsl/lancet-tool/internal/shm"
	"github.com/epfl-dcsl/lancet-tool/internal/statsbuf"
)

func newTestServer(t *testing.T, role control.Role) (*Server, net.Conn, *Aggregator) {
	t.Helper()
	shm.Dir = t.TempDir()

	d := &dist.Exponential{Mean: 1}
	ctrl, err := control.New("coordproto-ctrl", 2, role, d)
	if err != nil {
		t.Fatalf("control.New: %v", err)
	}
	t.Cleanup(func() { ctrl.Close() })

	var buffers []*statsbuf.Buffer
	for i := 0; i < 2; i++ {
		b, err := statsbuf.New(fmt.Sprintf("coordproto-stats-%d", i), 1)
		if err != nil {
			t.Fatalf("statsbuf.New: %v", err)
		}
		t.Cleanup(func() { b.Close() })
		buffers = append(buffers, b)
	}

	agg := NewAggregator(ctrl, buffers)
	srv := New("127.0.0.1:0", agg)
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx)

	conn, err := net.Dial("tcp", srv.listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return srv, conn, agg
}

func sendHeader(t *testing.T, conn net.Conn, msgType, length uint32) {
	t.Helper()
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:], msgType)
	binary.LittleEndian.PutUint32(buf[4:], length)
	if _, err := conn.Write(buf[:]); err != nil {
		t.Fatalf("write header: %v", err)
	}
}

func readReply(t *testing.T, conn net.Conn) (info uint32, payload []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hdr [8]byte
	if _, err := readFull(conn, hdr[:]); err != nil {
		t.Fatalf("read reply header: %v", err)
	}
	msgType := binary.LittleEndian.Uint32(hdr[0:])
	length := binary.LittleEndian.Uint32(hdr[4:])
	if msgType != MsgReply {
		t.Fatalf("reply message type = %d, want %d", msgType, MsgReply)
	}
	body := make([]byte, length)
	if _, err := readFull(conn, body); err != nil {
		t.Fatalf("read reply body: %v", err)
	}
	return binary.LittleEndian.Uint32(body[0:4]), body[4:]
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestStartLoadSetsDistributionMeanAndReplyAck(t *testing.T) {
	_, conn, agg := newTestServer(t, control.RoleThroughput)

	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], 1000)
	sendHeader(t, conn, MsgStartLoad, 4)
	conn.Write(payload[:])

	info, _ := readReply(t, conn)
	if info != ReplyAck {
		t.Fatalf("reply info = %d, want ReplyAck", info)
	}
	if !agg.Ctrl.ShouldLoad() {
		t.Fatal("should_load must be set after START_LOAD")
	}
}

func TestStartMeasureArmsMeasurementAndReplyAck(t *testing.T) {
	_, conn, agg := newTestServer(t, control.RoleLatency)

	var expected [4]byte
	binary.LittleEndian.PutUint32(expected[:], 10000)
	var sampling [8]byte
	binary.LittleEndian.PutUint64(sampling[:], math.Float64bits(1))
	sendHeader(t, conn, MsgStartMeasure, 12)
	conn.Write(expected[:])
	conn.Write(sampling[:])

	info, _ := readReply(t, conn)
	if info != ReplyAck {
		t.Fatalf("reply info = %d, want ReplyAck", info)
	}
	if !agg.Ctrl.ShouldMeasure() {
		t.Fatal("should_measure must be set after START_MEASURE")
	}
	if agg.Ctrl.PerThreadSamples() == 0 {
		t.Fatal("per-thread sample target must be set")
	}
}

func TestReportReqThroughputAggregatesAcrossBuffers(t *testing.T) {
	_, conn, agg := newTestServer(t, control.RoleThroughput)

	agg.Buffers[0].AddThroughputRxSample(100, 1)
	agg.Buffers[1].AddThroughputRxSample(200, 2)

	var kind [4]byte
	binary.LittleEndian.PutUint32(kind[:], ReportThroughput)
	sendHeader(t, conn, MsgReportReq, 4)
	conn.Write(kind[:])

	info, payload := readReply(t, conn)
	if info != ReplyStatsThroughput {
		t.Fatalf("reply info = %d, want ReplyStatsThroughput", info)
	}
	rx := binary.LittleEndian.Uint64(payload[0:8])
	if rx != 300 {
		t.Fatalf("aggregated rx bytes = %d, want 300", rx)
	}
	reqs := binary.LittleEndian.Uint64(payload[16:24])
	if reqs != 3 {
		t.Fatalf("aggregated req count = %d, want 3", reqs)
	}
}

func TestReportReqLatencyIncludesPercentiles(t *testing.T) {
	_, conn, agg := newTestServer(t, control.RoleLatency)

	for i := int64(1); i <= 100; i++ {
		agg.Buffers[0].AddLatencySample(i*1000, 0, false)
	}

	var kind [4]byte
	binary.LittleEndian.PutUint32(kind[:], ReportLatency)
	sendHeader(t, conn, MsgReportReq, 4)
	conn.Write(kind[:])

	info, payload := readReply(t, conn)
	if info != ReplyStatsLatency {
		t.Fatalf("reply info = %d, want ReplyStatsLatency", info)
	}
	if len(payload) < 40+8 {
		t.Fatalf("latency reply payload too short: %d bytes", len(payload))
	}
	avg := binary.LittleEndian.Uint64(payload[40:48])
	if avg == 0 {
		t.Fatal("average latency must be nonzero")
	}
}

func TestReportReqSymmetricNICIncludesAuxiliaryMessages(t *testing.T) {
	_, conn, agg := newTestServer(t, control.RoleSymmetricNIC)

	agg.Ctrl.StartMeasure(100, 1)
	agg.referenceIA = []float64{1, 2, 3}
	for i := int64(1); i <= 10; i++ {
		agg.Buffers[0].AddLatencySample(i*1000, 0, false)
	}

	var kind [4]byte
	binary.LittleEndian.PutUint32(kind[:], ReportLatency)
	sendHeader(t, conn, MsgReportReq, 4)
	conn.Write(kind[:])

	infos := make([]uint32, 0, 4)
	for i := 0; i < 4; i++ {
		info, _ := readReply(t, conn)
		infos = append(infos, info)
	}
	want := []uint32{ReplyStatsLatency, ReplyConvergence, ReplyIID, ReplyIAComp}
	if diff := deep.Equal(infos, want); diff != nil {
		t.Fatalf("auxiliary message sequence: %v", diff)
	}
}

func TestTerminateClosesLoopWithoutError(t *testing.T) {
	_, conn, _ := newTestServer(t, control.RoleThroughput)
	sendHeader(t, conn, MsgTerminate, 0)
	conn.Close()
}

func TestPercentileCIBoundsAreOrderedAroundValue(t *testing.T) {
	samples := make([]int64, 1000)
	for i := range samples {
		samples[i] = int64(i)
	}
	p := percentileCI(samples, 0.99)
	if !(p.ciLow <= p.value && p.value <= p.ciHigh) {
		t.Fatalf("CI bounds not ordered: low=%d value=%d high=%d", p.ciLow, p.value, p.ciHigh)
	}
}
