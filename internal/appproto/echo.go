package appproto

import (
	"fmt"
	"strconv"
)

// echoProto implements the fixed-length echo protocol (spec.md §4.C): the
// request is a fixed L-byte payload, and the response framing is L-byte
// units.
type echoProto struct {
	payload []byte
}

func newEcho(spec string) (Protocol, error) {
	n, err := strconv.Atoi(spec)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("appproto: echo requires a positive length, got %q", spec)
	}
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = '#'
	}
	return &echoProto{payload: payload}, nil
}

func (e *echoProto) CreateRequest(req *Request) {
	req.Reset()
	req.Add(e.payload)
}

func (e *echoProto) ConsumeResponse(buf []byte) Result {
	l := len(e.payload)
	reqs := len(buf) / l
	return Result{Bytes: reqs * l, Reqs: reqs}
}
