package appproto

import (
	"bytes"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"

	"github.com/epfl-dcsl/lancet-tool/internal/dist"
	"github.com/epfl-dcsl/lancet-tool/internal/keygen"
)

// memcacheASCIIProto implements the memcached text protocol (spec.md §4.C):
// "get <key>\r\n" with probability get_ratio, else
// "set <key> 0 0 <vlen>\r\n<value>\r\n".
type memcacheASCIIProto struct {
	keys     *keygen.Set
	valLen   dist.Source
	getRatio float64
	r        *rand.Rand
}

// newMemcacheASCII parses "<key_size_spec>_<val_size_spec>_<key_count>_<get_ratio>_<key_sel_spec>".
func newMemcacheASCII(spec string) (Protocol, error) {
	keys, valLen, getRatio, r, err := parseKVSpec(spec)
	if err != nil {
		return nil, err
	}
	return &memcacheASCIIProto{keys: keys, valLen: valLen, getRatio: getRatio, r: r}, nil
}

func (m *memcacheASCIIProto) CreateRequest(req *Request) {
	req.Reset()
	key := m.keys.GetKey()
	if m.r.Float64() > m.getRatio {
		valLen := int(math.Round(m.valLen.Generate()))
		req.Add([]byte("set "))
		req.Add([]byte(key))
		req.Add([]byte(" 0 0 " + strconv.Itoa(valLen) + "\r\n"))
		req.Add(valuePayload(valLen))
		req.Add([]byte("\r\n"))
	} else {
		req.Add([]byte("get "))
		req.Add([]byte(key))
		req.Add([]byte("\r\n"))
	}
}

func (m *memcacheASCIIProto) ConsumeResponse(buf []byte) Result {
	var res Result
	off := 0
	for off < len(buf) {
		rest := buf[off:]
		if len(rest) >= 5 && string(rest[:5]) == "END\r\n" {
			res.Bytes += 5
			res.Reqs++
			off += 5
			continue
		}
		if len(rest) >= 8 && string(rest[:8]) == "STORED\r\n" {
			res.Bytes += 8
			res.Reqs++
			off += 8
			continue
		}
		// VALUE block: terminated after the third '\n'.
		idx := nthIndex(rest, '\n', 3)
		if idx < 0 {
			break
		}
		n := idx + 1
		res.Bytes += n
		res.Reqs++
		off += n
	}
	return res
}

// nthIndex returns the index of the n-th occurrence of b in buf, or -1.
func nthIndex(buf []byte, b byte, n int) int {
	idx := -1
	for i := 0; i < n; i++ {
		next := bytes.IndexByte(buf[idx+1:], b)
		if next < 0 {
			return -1
		}
		idx += next + 1
	}
	return idx
}

// parseKVSpec parses the common key/value-generator spec grammar shared by
// the memcache and redis protocols:
// "<key_size_dist>_<val_size_dist>_<key_count>_<get_ratio>_<key_sel_dist>".
func parseKVSpec(spec string) (*keygen.Set, dist.Source, float64, *rand.Rand, error) {
	parts := strings.Split(spec, "_")
	if len(parts) < 4 {
		return nil, nil, 0, nil, fmt.Errorf("appproto: kv spec %q needs key_size_val_size_count_ratio[_keysel]", spec)
	}
	r := rand.New(rand.NewSource(1))
	keySizeDist, err := dist.Parse(parts[0], r)
	if err != nil {
		return nil, nil, 0, nil, err
	}
	valDist, err := dist.Parse(parts[1], r)
	if err != nil {
		return nil, nil, 0, nil, err
	}
	count, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, nil, 0, nil, fmt.Errorf("appproto: key count: %w", err)
	}
	ratio, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return nil, nil, 0, nil, fmt.Errorf("appproto: get ratio: %w", err)
	}
	keys, err := keygen.New(count, keySizeDist, r)
	if err != nil {
		return nil, nil, 0, nil, err
	}
	return keys, valDist, ratio, r, nil
}
