package appproto

import (
	"encoding/binary"
	"testing"
)

func TestEchoThroughput64B(t *testing.T) {
	p, err := New("echo:64")
	if err != nil {
		t.Fatal(err)
	}
	var req Request
	p.CreateRequest(&req)
	if req.Len() != 64 {
		t.Fatalf("request len = %d, want 64", req.Len())
	}

	buf := make([]byte, 64*10000)
	for i := range buf {
		buf[i] = '#'
	}
	res := p.ConsumeResponse(buf)
	if res.Reqs != 10000 || res.Bytes != 640000 {
		t.Fatalf("got (%d,%d), want (10000,640000)", res.Bytes, res.Reqs)
	}
}

func TestEchoPartial(t *testing.T) {
	p, _ := New("echo:64")
	res := p.ConsumeResponse(make([]byte, 63))
	if res.Bytes != 0 || res.Reqs != 0 {
		t.Fatalf("partial echo should yield (0,0), got (%d,%d)", res.Bytes, res.Reqs)
	}
}

func TestMemcacheBinaryGet(t *testing.T) {
	p, err := New("memcache-bin_fixed:8_fixed:16_100_1.0_uni:100")
	if err != nil {
		t.Fatal(err)
	}
	var req Request
	for i := 0; i < 10; i++ {
		p.CreateRequest(&req)
		if req.Len() != memcacheHeaderLen+8 { // header + 8-byte key, get has no extras/value
			t.Fatalf("get request len = %d, want %d", req.Len(), memcacheHeaderLen+8)
		}
	}

	// Build one reply: 24-byte header with body_len=16, then 16 bytes body.
	reply := make([]byte, memcacheHeaderLen+16)
	reply[0] = memcacheMagicRequest
	binary.BigEndian.PutUint32(reply[8:12], 16)
	res := p.ConsumeResponse(reply)
	if res.Reqs != 1 || res.Bytes != memcacheHeaderLen+16 {
		t.Fatalf("got (%d,%d), want (1,%d)", res.Bytes, res.Reqs, memcacheHeaderLen+16)
	}
}

func TestMemcacheBinarySplitHeader(t *testing.T) {
	p, err := New("memcache-bin_fixed:8_fixed:16_100_1.0_uni:100")
	if err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, memcacheHeaderLen+16)
	binary.BigEndian.PutUint32(reply[8:12], 16)

	if res := p.ConsumeResponse(reply[:1]); res.Reqs != 0 {
		t.Fatalf("1-byte prefix should not complete a reply")
	}
	if res := p.ConsumeResponse(reply[:23]); res.Reqs != 0 {
		t.Fatalf("23-byte prefix should not complete a reply")
	}
	if res := p.ConsumeResponse(reply); res.Reqs != 1 {
		t.Fatalf("full reply should complete, got reqs=%d", res.Reqs)
	}
}

func TestPartialHTTPResponse(t *testing.T) {
	p, err := New("http:example.com/path")
	if err != nil {
		t.Fatal(err)
	}
	full := "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabc"
	if res := p.ConsumeResponse([]byte(full[:10])); res.Bytes != 0 || res.Reqs != 0 {
		t.Fatalf("partial HTTP should be (0,0), got (%d,%d)", res.Bytes, res.Reqs)
	}
	res := p.ConsumeResponse([]byte(full))
	if res.Reqs != 1 || res.Bytes != len(full) {
		t.Fatalf("got (%d,%d), want (%d,1)", res.Bytes, res.Reqs, len(full))
	}
}

// TestLargeHTTPResponseBeyondDefaultBufioFill guards against sizing the
// internal bufio.Reader at the default 4096 bytes: a complete response
// considerably larger than that must still be recognized as complete, not
// reported as partial.
func TestLargeHTTPResponseBeyondDefaultBufioFill(t *testing.T) {
	p, err := New("http:example.com/path")
	if err != nil {
		t.Fatal(err)
	}
	body := make([]byte, 4950)
	for i := range body {
		body[i] = 'a'
	}
	header := []byte("HTTP/1.1 200 OK\r\nContent-Length: 4950\r\n\r\n")
	full := append(append([]byte{}, header...), body...)

	res := p.ConsumeResponse(full)
	if res.Reqs != 1 || res.Bytes != len(full) {
		t.Fatalf("got (%d,%d), want (%d,1)", res.Bytes, res.Reqs, len(full))
	}
}

func TestRedisMiss(t *testing.T) {
	p, err := New("redis_fixed:8_fixed:16_100_1.0_uni:100")
	if err != nil {
		t.Fatal(err)
	}
	res := p.ConsumeResponse([]byte("$-1\r\n"))
	if res.Bytes != 5 || res.Reqs != 1 {
		t.Fatalf("got (%d,%d), want (5,1)", res.Bytes, res.Reqs)
	}
}

func TestRedisHit(t *testing.T) {
	p, _ := New("redis_fixed:8_fixed:16_100_1.0_uni:100")
	res := p.ConsumeResponse([]byte("$3\r\nabc\r\n"))
	if res.Bytes != 9 || res.Reqs != 1 {
		t.Fatalf("got (%d,%d), want (9,1)", res.Bytes, res.Reqs)
	}
}

func TestRedisSimpleString(t *testing.T) {
	p, _ := New("redis_fixed:8_fixed:16_100_1.0_uni:100")
	res := p.ConsumeResponse([]byte("+OK\r\n"))
	if res.Bytes != 5 || res.Reqs != 1 {
		t.Fatalf("got (%d,%d), want (5,1)", res.Bytes, res.Reqs)
	}
}

func TestMemcacheASCII(t *testing.T) {
	p, err := New("memcache-ascii_fixed:8_fixed:16_100_1.0_uni:100")
	if err != nil {
		t.Fatal(err)
	}
	res := p.ConsumeResponse([]byte("END\r\n"))
	if res.Bytes != 5 || res.Reqs != 1 {
		t.Fatalf("miss got (%d,%d), want (5,1)", res.Bytes, res.Reqs)
	}
	res = p.ConsumeResponse([]byte("STORED\r\n"))
	if res.Bytes != 8 || res.Reqs != 1 {
		t.Fatalf("stored got (%d,%d), want (8,1)", res.Bytes, res.Reqs)
	}
	value := "VALUE foo 0 3\r\nabc\r\nEND\r\n"
	res = p.ConsumeResponse([]byte(value))
	if res.Reqs != 1 {
		t.Fatalf("get reply should be 1 req, got %d", res.Reqs)
	}
}

func TestSTSSGreedyGrammar(t *testing.T) {
	p, err := New("stss_fixed:10_fixed:64_fixed:64")
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 0)
	for _, size := range []int{8, 16} {
		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint64(hdr, uint64(size))
		buf = append(buf, hdr...)
		buf = append(buf, make([]byte, size)...)
	}
	res := p.ConsumeResponse(buf)
	if res.Reqs != 2 || res.Bytes != len(buf) {
		t.Fatalf("got (%d,%d), want (%d,2)", res.Bytes, res.Reqs, len(buf))
	}

	// Partial trailing record yields fewer reqs, not an error.
	res = p.ConsumeResponse(buf[:len(buf)-1])
	if res.Reqs != 1 {
		t.Fatalf("partial trailing record should complete only 1 req, got %d", res.Reqs)
	}
}

func TestEmptyBufferIsZero(t *testing.T) {
	protocols := []string{
		"echo:64",
		"synthetic:fixed:1",
		"redis_fixed:8_fixed:16_100_1.0_uni:100",
		"memcache-ascii_fixed:8_fixed:16_100_1.0_uni:100",
		"memcache-bin_fixed:8_fixed:16_100_1.0_uni:100",
		"stss_fixed:10_fixed:64_fixed:64",
	}
	for _, spec := range protocols {
		p, err := New(spec)
		if err != nil {
			t.Fatalf("%s: %v", spec, err)
		}
		res := p.ConsumeResponse(nil)
		if res.Bytes != 0 || res.Reqs != 0 {
			t.Errorf("%s: empty buffer should be (0,0), got (%d,%d)", spec, res.Bytes, res.Reqs)
		}
	}
}
