package appproto

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/epfl-dcsl/lancet-tool/internal/dist"
)

// stssProto is the "synthetic time synthetic size" protocol. Per DESIGN.md's
// Open Question Decision #1, the response grammar is
// {u64 payload_size; byte[payload_size]}+, consumed greedily: a reply is
// complete once its 8-byte size prefix and that many payload bytes are
// buffered, and the reducer keeps consuming complete replies until the
// remaining tail can't satisfy the next one.
type stssProto struct {
	timeGen, reqSizeGen, repSizeGen dist.Source
	replicated                      bool
	readRatio                       float64
	r                               *rand.Rand
	header                          [3 * 8]byte
}

// newSTSS parses "stss_<time>_<reqsize>_<repsize>" or
// "stssr_<time>_<reqsize>_<repsize>_<read_ratio>" (the replicated variant
// also carries a routing read ratio consumed by the RPC transport's routing
// hint).
func newSTSS(spec string) (Protocol, error) {
	parts := strings.Split(spec, "_")
	if len(parts) < 4 {
		return nil, fmt.Errorf("appproto: stss spec %q needs at least 4 fields", spec)
	}
	replicated := parts[0] == "stssr"
	if !replicated && parts[0] != "stss" {
		return nil, fmt.Errorf("appproto: stss spec must start with stss or stssr, got %q", parts[0])
	}
	r := rand.New(rand.NewSource(1))
	timeGen, err := dist.Parse(parts[1], r)
	if err != nil {
		return nil, err
	}
	reqSizeGen, err := dist.Parse(parts[2], r)
	if err != nil {
		return nil, err
	}
	repSizeGen, err := dist.Parse(parts[3], r)
	if err != nil {
		return nil, err
	}
	s := &stssProto{timeGen: timeGen, reqSizeGen: reqSizeGen, repSizeGen: repSizeGen, replicated: replicated, r: r}
	if replicated {
		if len(parts) < 5 {
			return nil, fmt.Errorf("appproto: stssr spec %q needs a read ratio", spec)
		}
		var ratio float64
		if _, err := fmt.Sscanf(parts[4], "%g", &ratio); err != nil {
			return nil, fmt.Errorf("appproto: stssr read ratio: %w", err)
		}
		s.readRatio = ratio
	}
	return s, nil
}

// RPC routing hints (spec.md §4.G): fixed=1, load-balanced=2, replicated=3.
const (
	RouteFixed        = 1
	RouteLoadBalanced = 2
	RouteReplicated   = 3
)

func (s *stssProto) CreateRequest(req *Request) {
	req.Reset()
	serviceTime := uint64(math.Round(s.timeGen.Generate()))
	reqSize := uint64(math.Round(s.reqSizeGen.Generate()))
	repSize := uint64(math.Round(s.repSizeGen.Generate()))
	binary.LittleEndian.PutUint64(s.header[0:8], serviceTime)
	binary.LittleEndian.PutUint64(s.header[8:16], reqSize)
	binary.LittleEndian.PutUint64(s.header[16:24], repSize)
	req.Add(s.header[:])
	req.Add(valuePayload(int(reqSize)))

	if s.replicated {
		if s.r.Float64() <= s.readRatio {
			req.Meta = RouteReplicated
		} else {
			req.Meta = RouteLoadBalanced
		}
	}
}

func (s *stssProto) ConsumeResponse(buf []byte) Result {
	var res Result
	off := 0
	for off+8 <= len(buf) {
		size := int(binary.LittleEndian.Uint64(buf[off : off+8]))
		if off+8+size > len(buf) {
			break
		}
		off += 8 + size
		res.Reqs++
		res.Bytes += 8 + size
	}
	return res
}
