package appproto

import (
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/epfl-dcsl/lancet-tool/internal/dist"
	"github.com/epfl-dcsl/lancet-tool/internal/keygen"
)

// memcacheHeaderLen is sizeof(struct bmc_header): magic, opcode, key_len,
// extra_len, data_type, vbucket/status, body_len, opaque, version.
const memcacheHeaderLen = 24

const (
	memcacheMagicRequest = 0x80
	memcacheOpGet        = 0x00
	memcacheOpSet        = 0x01
)

// memcacheBinaryProto implements the memcached binary protocol (spec.md
// §4.C): a 24-byte header (network-order key_len/extra_len/body_len) per
// request, and a two-state {wait-for-header, wait-for-body} reducer that
// consumes 24+body_len bytes per reply.
type memcacheBinaryProto struct {
	keys     *keygen.Set
	valLen   dist.Source
	getRatio float64
	r        *rand.Rand
	header   [memcacheHeaderLen]byte
	extras   [8]byte
}

func newMemcacheBinary(spec string) (Protocol, error) {
	keys, valLen, getRatio, r, err := parseKVSpec(spec)
	if err != nil {
		return nil, err
	}
	return &memcacheBinaryProto{keys: keys, valLen: valLen, getRatio: getRatio, r: r}, nil
}

func (m *memcacheBinaryProto) CreateRequest(req *Request) {
	req.Reset()
	key := m.keys.GetKey()
	h := m.header[:]
	for i := range h {
		h[i] = 0
	}
	h[0] = memcacheMagicRequest
	binary.BigEndian.PutUint16(h[2:4], uint16(len(key)))

	if m.r.Float64() > m.getRatio {
		valLen := int(math.Round(m.valLen.Generate()))
		h[1] = memcacheOpSet
		h[4] = 8 // extras: flags + expiration
		binary.BigEndian.PutUint32(h[8:12], uint32(len(key)+valLen+8))

		req.Add(h)
		req.Add(m.extras[:])
		req.Add([]byte(key))
		req.Add(valuePayload(valLen))
	} else {
		h[1] = memcacheOpGet
		h[4] = 0
		binary.BigEndian.PutUint32(h[8:12], uint32(len(key)))

		req.Add(h)
		req.Add([]byte(key))
	}
}

func (m *memcacheBinaryProto) ConsumeResponse(buf []byte) Result {
	var res Result
	off := 0
	for off+memcacheHeaderLen <= len(buf) {
		bodyLen := int(binary.BigEndian.Uint32(buf[off+8 : off+12]))
		total := memcacheHeaderLen + bodyLen
		if off+total > len(buf) {
			break
		}
		off += total
		res.Reqs++
		res.Bytes += total
	}
	return res
}
