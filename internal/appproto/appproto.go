// Package appproto implements the pluggable application-protocol layer of
// spec.md §4.C: each registered protocol builds an outgoing request as a
// scatter list and reduces a connection's accumulated receive buffer into
// (bytes consumed, requests completed).
//
// Reducers are prefix-stable: ConsumeResponse must be callable repeatedly on
// a growing buffer and always report only the bytes belonging to complete
// replies, returning (0,0) on a buffer holding only a partial message.
package appproto

import (
	"fmt"
	"strings"
)

// MaxScatterSegments bounds the scatter list a single request can use
// (spec.md §3, Request).
const MaxScatterSegments = 64

// Request is the thread-local, reused scatter list a transport engine sends.
// Meta carries the RPC routing hint; it is nil for every other transport.
type Request struct {
	IOVs [][]byte
	Meta interface{}
}

// Reset clears a Request for reuse without reallocating IOVs' backing array.
func (r *Request) Reset() {
	r.IOVs = r.IOVs[:0]
	r.Meta = nil
}

// Add appends a scatter segment, enforcing the MaxScatterSegments bound.
func (r *Request) Add(b []byte) error {
	if len(r.IOVs) >= MaxScatterSegments {
		return fmt.Errorf("appproto: request exceeds %d scatter segments", MaxScatterSegments)
	}
	r.IOVs = append(r.IOVs, b)
	return nil
}

// Len returns the total byte length across all scatter segments.
func (r *Request) Len() int {
	n := 0
	for _, b := range r.IOVs {
		n += len(b)
	}
	return n
}

// Result is the (bytes_consumed, requests_completed) pair a reducer reports.
type Result struct {
	Bytes int
	Reqs  int
}

// Protocol is the contract spec.md §4.C requires of every registered
// application protocol. CreateRequest must be callable from exactly one
// thread (its owner); buffers it references must remain valid until the
// transport returns from its send call. ConsumeResponse must not block,
// must be restartable, and must return a zero Result on a partial buffer.
type Protocol interface {
	// CreateRequest fills req with a new request. It is safe to call only
	// from the protocol instance's owning worker thread.
	CreateRequest(req *Request)
	// ConsumeResponse reports how many complete requests buf accounts for.
	// The caller (the transport engine) is responsible for left-shifting
	// the unconsumed suffix of buf to the head of the connection's receive
	// buffer.
	ConsumeResponse(buf []byte) Result
}

// New parses a protocol spec string (e.g. "echo:64",
// "memcache-bin_fixed:8_fixed:16_100_1.0_uni:100") and returns the matching
// Protocol instance.
func New(spec string) (Protocol, error) {
	kind, rest, _ := strings.Cut(spec, ":")
	switch {
	case kind == "echo":
		return newEcho(rest)
	case kind == "synthetic":
		return newSynthetic(rest)
	case strings.HasPrefix(spec, "stss"):
		return newSTSS(spec)
	case kind == "http":
		return newHTTP(rest)
	case spec == "memcache-ascii" || strings.HasPrefix(spec, "memcache-ascii_"):
		return newMemcacheASCII(strings.TrimPrefix(spec, "memcache-ascii_"))
	case spec == "memcache-bin" || strings.HasPrefix(spec, "memcache-bin_"):
		return newMemcacheBinary(strings.TrimPrefix(spec, "memcache-bin_"))
	case spec == "redis" || strings.HasPrefix(spec, "redis_"):
		return newRedis(strings.TrimPrefix(spec, "redis_"))
	default:
		return nil, fmt.Errorf("appproto: unknown protocol spec %q", spec)
	}
}
