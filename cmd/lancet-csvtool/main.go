// Command lancet-csvtool converts archived raw latency sample batches
// (internal/archive) into CSV, the direct analogue of the teacher's
// cmd/csvtool for tcp-info's own archive format.
package main

import (
	"io"
	"log"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/epfl-dcsl/lancet-tool/internal/archive"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// A variable to enable mocking for testing (cmd/csvtool's own convention).
var logFatal = log.Fatal

// openFile either opens a plain file, or opens and decompresses a file
// ending in .zst (cmd/csvtool's openFile, generalized to archive.OpenReader
// instead of zstd.NewReader).
func openFile(fn string) (io.ReadCloser, error) {
	if strings.HasSuffix(fn, ".zst") {
		return archive.OpenReader(fn)
	}
	return os.Open(fn)
}

func toCSV(samples []archive.Sample, w io.Writer) error {
	return gocsv.Marshal(samples, w)
}

func main() {
	args := os.Args[1:]

	var source io.ReadCloser
	var err error
	source = os.Stdin
	if len(args) == 1 {
		source, err = openFile(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	} else if len(args) > 1 {
		logFatal("Too many command-line arguments.")
	}
	defer source.Close()

	samples, err := archive.ReadAll(source)
	rtx.Must(err, "Could not read archived samples")
	rtx.Must(toCSV(samples, os.Stdout), "Could not convert input to CSV")
}
