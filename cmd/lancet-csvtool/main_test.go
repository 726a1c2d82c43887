package main

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/m-lab/go/rtx"

	"github.com/epfl-dcsl/lancet-tool/internal/archive"
	"github.com/epfl-dcsl/lancet-tool/internal/control"
)

func TestMainTooManyArgs(t *testing.T) {
	defer func(args []string) {
		os.Args = args
		logFatal = log.Fatal
	}(os.Args)

	os.Args = []string{"test_lancet-csvtool", "file1", "file2"}
	logFatal = func(...interface{}) {
		panic("panic instead of log.Fatal")
	}

	defer func() {
		e := recover()
		if e == nil {
			t.Error("Should have panicked")
		}
	}()

	main()
}

func TestOpenFilePlain(t *testing.T) {
	dir := t.TempDir()
	rtx.Must(os.WriteFile(dir+"/test.txt", []byte("abcd"), 0666), "Could not write test.txt")

	r, err := openFile(dir + "/test.txt")
	rtx.Must(err, "Could not open file")
	defer r.Close()

	b := make([]byte, 4)
	if _, err := r.Read(b); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(b) != "abcd" {
		t.Errorf("%q != \"abcd\"", string(b))
	}
}

func TestToCSVMarshalsSamples(t *testing.T) {
	samples := []archive.Sample{
		{WorkerID: 0, Role: control.RoleLatency, Nanoseconds: 1000, HasTxStamp: true, TxTimestampNS: 500},
		{WorkerID: 1, Role: control.RoleThroughput, Nanoseconds: 2000},
	}

	buf := bytes.NewBuffer(nil)
	if err := toCSV(samples, buf); err != nil {
		t.Fatalf("toCSV: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3 (header + 2 records)", len(lines))
	}
	if !strings.Contains(lines[0], "WorkerID") {
		t.Errorf("header missing WorkerID column: %q", lines[0])
	}
}
