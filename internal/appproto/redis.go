package appproto

import (
	"math"
	"math/rand"
	"strconv"

	"github.com/epfl-dcsl/lancet-tool/internal/dist"
	"github.com/epfl-dcsl/lancet-tool/internal/keygen"
)

// redisProto implements the RESP protocol (spec.md §4.C): SET/GET arrays
// built from inlined literals, with a reducer distinguishing simple strings
// ("+...\r\n") from bulk strings ("$<n>\r\n<...>\r\n", "$-1\r\n" for miss).
type redisProto struct {
	keys     *keygen.Set
	valLen   dist.Source
	getRatio float64
	r        *rand.Rand
}

func newRedis(spec string) (Protocol, error) {
	keys, valLen, getRatio, r, err := parseKVSpec(spec)
	if err != nil {
		return nil, err
	}
	return &redisProto{keys: keys, valLen: valLen, getRatio: getRatio, r: r}, nil
}

func (rp *redisProto) CreateRequest(req *Request) {
	req.Reset()
	key := rp.keys.GetKey()
	if rp.r.Float64() > rp.getRatio {
		valLen := int(math.Round(rp.valLen.Generate()))
		req.Add([]byte("*3\r\n$3\r\nSET\r\n$"))
		req.Add([]byte(strconv.Itoa(len(key))))
		req.Add([]byte("\r\n"))
		req.Add([]byte(key))
		req.Add([]byte("\r\n$"))
		req.Add([]byte(strconv.Itoa(valLen)))
		req.Add([]byte("\r\n"))
		req.Add(valuePayload(valLen))
		req.Add([]byte("\r\n"))
	} else {
		req.Add([]byte("*2\r\n$3\r\nGET\r\n$"))
		req.Add([]byte(strconv.Itoa(len(key))))
		req.Add([]byte("\r\n"))
		req.Add([]byte(key))
		req.Add([]byte("\r\n"))
	}
}

func (rp *redisProto) ConsumeResponse(buf []byte) Result {
	var res Result
	off := 0
	for off < len(buf) {
		rest := buf[off:]
		switch rest[0] {
		case '+':
			n := parseSimpleString(rest)
			if n == 0 {
				return res
			}
			res.Bytes += n
			res.Reqs++
			off += n
		case '$':
			n := parseBulkString(rest)
			if n == 0 {
				return res
			}
			res.Bytes += n
			res.Reqs++
			off += n
		default:
			return res
		}
	}
	return res
}

func parseSimpleString(buf []byte) int {
	idx := indexByte(buf, '\n')
	if idx < 0 {
		return 0
	}
	return idx + 1
}

func parseBulkString(buf []byte) int {
	idx := indexByte(buf, '\n')
	if idx < 0 {
		return 0
	}
	lenField := buf[1:idx]
	if n := len(lenField); n > 0 && lenField[n-1] == '\r' {
		lenField = lenField[:n-1]
	}
	length, err := strconv.Atoi(string(lenField))
	if err != nil {
		return 0
	}
	if length == -1 {
		return 5 // "$-1\r\n"
	}
	extra := idx + 1 + 2 // header line plus trailing \r\n after the value
	total := length + extra
	if total > len(buf) {
		return 0
	}
	return total
}

func indexByte(buf []byte, b byte) int {
	for i, c := range buf {
		if c == b {
			return i
		}
	}
	return -1
}
