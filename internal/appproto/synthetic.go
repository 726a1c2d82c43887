package appproto

import (
	"encoding/binary"
	"math"
	"math/rand"

	"github.com/epfl-dcsl/lancet-tool/internal/dist"
)

const synthSampleSize = 8

// syntheticProto sends an 8-byte service-time hint per request; replies are
// 8-byte units (spec.md §4.C).
type syntheticProto struct {
	timeHint dist.Source
	scratch  [synthSampleSize]byte
}

func newSynthetic(spec string) (Protocol, error) {
	d, err := dist.Parse(spec, rand.New(rand.NewSource(1)))
	if err != nil {
		return nil, err
	}
	return &syntheticProto{timeHint: d}, nil
}

func (s *syntheticProto) CreateRequest(req *Request) {
	req.Reset()
	v := uint64(math.Round(s.timeHint.Generate()))
	binary.LittleEndian.PutUint64(s.scratch[:], v)
	req.Add(s.scratch[:])
}

func (s *syntheticProto) ConsumeResponse(buf []byte) Result {
	reqs := len(buf) / synthSampleSize
	return Result{Bytes: reqs * synthSampleSize, Reqs: reqs}
}
