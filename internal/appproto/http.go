package appproto

import (
	"bufio"
	"bytes"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

// httpProto sends a static GET request and parses a Content-Length-framed
// HTTP/1.1 response (spec.md §4.C). Partial responses yield (0,0).
type httpProto struct {
	request []byte
}

// newHTTP parses "<host>/<path>" (the "http:" prefix is already stripped by
// New) into a static "GET <path> HTTP/1.1\r\nHost: <host>\r\n\r\n" request.
func newHTTP(spec string) (Protocol, error) {
	host, path, ok := strings.Cut(spec, "/")
	if !ok {
		return nil, fmt.Errorf("appproto: http spec %q must be host/path", spec)
	}
	req := fmt.Sprintf("GET /%s HTTP/1.1\r\nHost: %s\r\n\r\n", path, host)
	return &httpProto{request: []byte(req)}, nil
}

func (h *httpProto) CreateRequest(req *Request) {
	req.Reset()
	req.Add(h.request)
}

// ConsumeResponse reads the status line and headers with the standard
// library's HTTP response parser (used here purely to split status-line
// length from Content-Length, not to validate the response) and reports one
// completed request once status_line_len + header_len + content_length
// bytes are buffered, else (0,0).
func (h *httpProto) ConsumeResponse(buf []byte) Result {
	// Size the reader to the whole buffer: the default 4096-byte bufio
	// fill would otherwise make r.Buffered() reflect that fill, not the
	// headers' true length, once buf exceeds 4096 bytes.
	r := bufio.NewReaderSize(bytes.NewReader(buf), len(buf)+1)
	tp := textproto.NewReader(r)

	if _, err := tp.ReadLine(); err != nil {
		return Result{}
	}
	headerBytes, err := tp.ReadMIMEHeader()
	if err != nil {
		return Result{}
	}
	consumedSoFar := len(buf) - r.Buffered()

	cl := headerBytes.Get("Content-Length")
	if cl == "" {
		return Result{}
	}
	contentLength, err := strconv.Atoi(cl)
	if err != nil {
		return Result{}
	}

	total := consumedSoFar + contentLength
	if total > len(buf) {
		return Result{}
	}
	return Result{Bytes: total, Reqs: 1}
}
