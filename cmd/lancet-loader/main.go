// Command lancet-loader pre-populates a target datastore by issuing one
// round trip per request via a configured application protocol, the Go
// analogue of original_source/agents/loader.c.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	"github.com/epfl-dcsl/lancet-tool/internal/appproto"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

var (
	protoSpec = flag.String("proto", "", "Application protocol spec, e.g. memcache-ascii_fixed:8_fixed:16_1000_0.0_uni:1000")
	target    = flag.String("target", "", "host:port of the datastore to pre-populate")
	count     = flag.Int("count", 0, "Number of requests to issue (loader.c's key_count); keys are drawn at random by -proto's key selector, so not every key is guaranteed to be written")
)

// runLoad dials target once and issues count synchronous request/response
// round trips through proto, the Go analogue of loader.c's open_connection
// + create_request/writev/read/consume_response loop.
func runLoad(proto appproto.Protocol, target string, count int) error {
	conn, err := net.Dial("tcp", target)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", target, err)
	}
	defer conn.Close()

	var req appproto.Request
	recvBuf := make([]byte, 0, 64*1024)
	tmp := make([]byte, 64*1024)

	for i := 0; i < count; i++ {
		req.Reset()
		proto.CreateRequest(&req)
		for _, iov := range req.IOVs {
			if _, err := conn.Write(iov); err != nil {
				return fmt.Errorf("request %d: write: %w", i, err)
			}
		}

		for {
			n, err := conn.Read(tmp)
			if n > 0 {
				recvBuf = append(recvBuf, tmp[:n]...)
			}
			if err != nil {
				return fmt.Errorf("request %d: read: %w", i, err)
			}
			result := proto.ConsumeResponse(recvBuf)
			if result.Reqs > 0 {
				recvBuf = recvBuf[result.Bytes:]
				break
			}
		}
	}
	return nil
}

func main() {
	flag.Parse()

	if *protoSpec == "" || *target == "" || *count <= 0 {
		fmt.Fprintf(os.Stderr, "usage: %s -proto <spec> -target <host:port> -count <n>\n", os.Args[0])
		os.Exit(1)
	}

	proto, err := appproto.New(*protoSpec)
	if err != nil {
		log.Fatalf("lancet-loader: %v", err)
	}

	if err := runLoad(proto, *target, *count); err != nil {
		log.Fatalf("lancet-loader: %v", err)
	}
}
