// Package tstamp implements the kernel-assisted send-timestamping machinery
// of spec.md §4.F: hardware NIC timestamp configuration, SO_TIMESTAMPING
// socket setup, the MSG_ERRQUEUE drain-and-match loop that pairs tx
// completions with OPT_ID byte counters, and the software fallback used by
// the plain (non-NIC) symmetric role.
//
// golang.org/x/sys/unix exposes SO_TIMESTAMPING, MSG_ERRQUEUE, SIOCSHWTSTAMP
// and the SCM_TIMESTAMPING control-message plumbing, but not the
// linux/net_tstamp.h hwtstamp_config ioctl payload or its HWTSTAMP_FILTER_*
// / HWTSTAMP_TX_* enum — those constants are defined locally, grounded on
// original_source/agents/timestamping.c.
package tstamp

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"time"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// hwtstamp_config enum values (linux/net_tstamp.h), not present in
// golang.org/x/sys/unix.
const (
	hwtstampTxOff = 0
	hwtstampTxOn  = 1

	hwtstampFilterNone = 0
	hwtstampFilterAll  = 1
)

// SO_EE_ORIGIN_TIMESTAMPING (linux/errqueue.h), likewise absent from
// golang.org/x/sys/unix.
const soEEOriginTimestamping = 4

// sockTimestampingFlags is the SOF_TIMESTAMPING_* mask enabled on every
// hardware-timestamped socket (spec.md §4.F): hardware rx/tx capture, the
// raw (pre-PHC) hardware clock, and OPT_ID/OPT_TSONLY so completions report
// back only as tagged error-queue entries instead of looping the payload.
const sockTimestampingFlags = unix.SOF_TIMESTAMPING_RX_HARDWARE |
	unix.SOF_TIMESTAMPING_RAW_HARDWARE |
	unix.SOF_TIMESTAMPING_TX_HARDWARE |
	unix.SOF_TIMESTAMPING_OPT_TSONLY |
	unix.SOF_TIMESTAMPING_OPT_ID

// hwtstampConfig mirrors struct hwtstamp_config from linux/net_tstamp.h:
// three little-endian int32 fields.
type hwtstampConfig struct {
	flags    int32
	txType   int32
	rxFilter int32
}

// EnableNIC turns on hardware tx/rx timestamping for the named interface,
// grounded on enable_nic_timestamping in original_source/agents/timestamping.c.
func EnableNIC(ifName string) error {
	return setHWTimestampFilter(ifName, hwtstampFilterAll, hwtstampTxOn)
}

// DisableNIC reverts EnableNIC.
func DisableNIC(ifName string) error {
	return setHWTimestampFilter(ifName, hwtstampFilterNone, hwtstampTxOff)
}

// setHWTimestampFilter issues SIOCSHWTSTAMP. golang.org/x/sys/unix's Ifreq
// helper only round-trips fixed-width scalars through the ifreq union, not
// an arbitrary pointer (ifr_data), so the ifreq buffer is built by hand here
// — name in the first IFNAMSIZ bytes, the hwtstamp_config pointer in the
// union slot right after it — the same layout set_timestamping_filter
// relies on in the C source.
func setHWTimestampFilter(ifName string, rxFilter, txType int32) error {
	if _, err := netlink.LinkByName(ifName); err != nil {
		return fmt.Errorf("tstamp: resolve interface %q: %w", ifName, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return fmt.Errorf("tstamp: open control socket: %w", err)
	}
	defer unix.Close(fd)

	if len(ifName) >= unix.IFNAMSIZ {
		return fmt.Errorf("tstamp: interface name %q too long", ifName)
	}
	cfg := hwtstampConfig{rxFilter: rxFilter, txType: txType}

	var ifr [unix.IFNAMSIZ + unsafe.Sizeof(uintptr(0))]byte
	copy(ifr[:unix.IFNAMSIZ], ifName)
	*(*uintptr)(unsafe.Pointer(&ifr[unix.IFNAMSIZ])) = uintptr(unsafe.Pointer(&cfg))

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCSHWTSTAMP), uintptr(unsafe.Pointer(&ifr[0])))
	runtime.KeepAlive(&cfg)
	runtime.KeepAlive(&ifr)
	if errno != 0 {
		return fmt.Errorf("tstamp: ioctl SIOCSHWTSTAMP on %q: %w", ifName, errno)
	}
	return nil
}

// EnableSocket turns on SO_TIMESTAMPING with the hardware+OPT_ID flag set
// for fd, grounded on sock_enable_timestamping.
func EnableSocket(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, sockTimestampingFlags)
}

// TimestampInfo pairs a kernel timestamp with the OPT_ID byte-counter value
// the kernel echoed back for it (struct timestamp_info in timestamping.h).
type TimestampInfo struct {
	Time  time.Time
	OptID uint32
}

// ExtractFromControl scans ancillary (control) message data returned
// alongside a recvmsg call for an SCM_TIMESTAMPING record and, on an
// MSG_ERRQUEUE read, the paired IP_RECVERR record carrying the OPT_ID. It
// mirrors extract_timestamp in original_source/agents/timestamping.c.
func ExtractFromControl(oob []byte) (TimestampInfo, bool, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return TimestampInfo{}, false, fmt.Errorf("tstamp: parse control message: %w", err)
	}

	var info TimestampInfo
	found := false
	for _, m := range msgs {
		switch {
		case m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SO_TIMESTAMPING:
			ts, err := parseScmTimestamping(m.Data)
			if err != nil {
				return TimestampInfo{}, false, err
			}
			if !ts.IsZero() {
				info.Time = ts
				found = true
			}
		case m.Header.Level == unix.SOL_IP && m.Header.Type == unix.IP_RECVERR:
			ee, err := parseSockExtendedErr(m.Data)
			if err != nil {
				return TimestampInfo{}, false, err
			}
			if ee.Origin == soEEOriginTimestamping {
				info.OptID = ee.Data
			}
		}
	}
	return info, found, nil
}

// parseScmTimestamping decodes struct scm_timestamping { struct timespec
// ts[3] } and returns ts[2] (the hardware-clock slot), matching the
// ts[2].tv_sec != 0 check in extract_timestamp.
func parseScmTimestamping(data []byte) (time.Time, error) {
	var scm unix.ScmTimestamping
	if len(data) < int(unsafe.Sizeof(scm)) {
		return time.Time{}, fmt.Errorf("tstamp: short SCM_TIMESTAMPING payload: %d bytes", len(data))
	}
	hw := scm.Ts[2]
	if hw.Sec == 0 && hw.Nsec == 0 {
		return time.Time{}, nil
	}
	return time.Unix(int64(hw.Sec), int64(hw.Nsec)), nil
}

func parseSockExtendedErr(data []byte) (unix.SockExtendedErr, error) {
	var ee unix.SockExtendedErr
	if len(data) < int(unsafe.Sizeof(ee)) {
		return ee, fmt.Errorf("tstamp: short sock_extended_err payload: %d bytes", len(data))
	}
	ee.Errno = binary.LittleEndian.Uint32(data[0:4])
	ee.Origin = data[4]
	ee.Type = data[5]
	ee.Code = data[6]
	ee.Pad = data[7]
	ee.Info = binary.LittleEndian.Uint32(data[8:12])
	ee.Data = binary.LittleEndian.Uint32(data[12:16])
	return ee, nil
}

// PendingQueue tracks, per connection, the byte-offset (OPT_ID) of every tx
// completion that still needs a hardware timestamp, realizing struct
// pending_tx_timestamps from timestamping.h. Slots obey
// consumed <= tail <= head and head-consumed <= cap (spec.md §3 and §8).
type PendingQueue struct {
	cap          int
	txByteCount  uint32
	head, tail   uint32
	consumed     uint32
	pending      []TimestampInfo
}

// NewPendingQueue allocates a queue sized to the connection's configured
// pending-request window P.
func NewPendingQueue(p int) *PendingQueue {
	return &PendingQueue{cap: p, pending: make([]TimestampInfo, p)}
}

// AddPending records that `bytes` more were just written to the wire,
// advancing the cumulative OPT_ID counter and opening one new awaiting-slot
// (add_pending_tx_timestamp).
func (q *PendingQueue) AddPending(bytes int) {
	q.txByteCount += uint32(bytes)
	q.pending[q.head%uint32(q.cap)] = TimestampInfo{OptID: q.txByteCount}
	q.head++
}

// MatchCompletion folds one MSG_ERRQUEUE delivery into the queue. A single
// kernel notification's OptID can close out several pending slots at once
// (spec.md §4.F scenario: 100/200/300-byte sends yield optids 100/300/600,
// and one (optid=600, T) delivery fills all three with T) — mirroring the
// `while ts_info->optid <= recv_info.optid+1` loop in get_tx_timestamp.
// Reports the number of slots matched.
func (q *PendingQueue) MatchCompletion(info TimestampInfo) int {
	if q.head == q.tail {
		return 0
	}
	n := 0
	for q.tail != q.head {
		slot := &q.pending[q.tail%uint32(q.cap)]
		if slot.OptID > info.OptID+1 {
			break
		}
		slot.Time = info.Time
		q.tail++
		n++
		if slot.OptID == info.OptID+1 {
			break
		}
	}
	return n
}

// Pop returns the oldest matched-but-not-yet-consumed timestamp, or false if
// none is available yet (pop_pending_tx_timestamps).
func (q *PendingQueue) Pop() (TimestampInfo, bool) {
	if q.consumed >= q.tail {
		return TimestampInfo{}, false
	}
	info := q.pending[q.consumed%uint32(q.cap)]
	q.consumed++
	return info, true
}

// PushComplete is the software (non-NIC) path used by the plain symmetric
// role (push_complete_tx_timestamp): since a userspace write() already
// returns synchronously, head and tail can be advanced immediately
// with a clock_gettime-equivalent time.Now() reading rather than waiting on
// MSG_ERRQUEUE.
func (q *PendingQueue) PushComplete(t time.Time) {
	slot := &q.pending[q.tail%uint32(q.cap)]
	slot.Time = t
	q.head++
	q.tail++
}

// Depth reports the number of slots currently awaiting a hardware
// timestamp (head - tail), bounded by the connection's pending-request
// window per spec.md §8.
func (q *PendingQueue) Depth() int { return int(q.head - q.tail) }

// Now returns the current time (with its monotonic reading); the worker
// uses it as the reply-side reference when recording latency samples from
// the pending-timestamp queue.
func Now() time.Time { return time.Now() }
