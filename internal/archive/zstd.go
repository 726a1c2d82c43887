package archive

import (
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
)

// Variables to allow whitebox mocking for testing error conditions,
// mirroring zstd/zstd.go's own test seams.
var (
	osPipe      = os.Pipe
	zstdCommand = "zstd"
)

type waitingWriteCloser struct {
	io.WriteCloser
	wg *sync.WaitGroup
}

func (w waitingWriteCloser) Close() error {
	err := w.WriteCloser.Close()
	if err != nil {
		return err
	}
	w.wg.Wait()
	return nil
}

// newZstdReader pipes filename through an external "zstd -d -c" process,
// mirroring zstd/zstd.go's NewReader (used there to read back tcp-info's
// own archived connection dumps; here to read back archived sample
// batches in cmd/lancet-csvtool).
func newZstdReader(filename string) (io.ReadCloser, error) {
	pipeR, pipeW, err := osPipe()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filename); err != nil {
		pipeR.Close()
		pipeW.Close()
		return nil, err
	}

	cmd := exec.Command(zstdCommand, "-d", "-c", filename)
	cmd.Stdout = pipeW

	go func() {
		if err := cmd.Run(); err != nil {
			log.Println("archive: zstd decompression error for", filename, err)
		}
		pipeW.Close()
	}()

	return pipeR, nil
}

// newZstdWriter pipes writes through an external zstd process into
// filename; the returned writer's Close waits until the compressor has
// fully drained and closed the file (zstd/zstd.go's NewWriter, adapted from
// tcp-info connection dumps to archive batch files).
func newZstdWriter(filename string) (io.WriteCloser, error) {
	var wg sync.WaitGroup
	wg.Add(1)
	pipeR, pipeW, err := osPipe()
	if err != nil {
		return nil, err
	}
	f, err := os.Create(filename)
	if err != nil {
		pipeR.Close()
		pipeW.Close()
		return nil, err
	}
	cmd := exec.Command(zstdCommand)
	cmd.Stdin = pipeR
	cmd.Stdout = f

	go func() {
		if err := cmd.Run(); err != nil {
			log.Println("archive: zstd compression error for", filename, err)
		}
		pipeR.Close()
		f.Close()
		wg.Done()
	}()

	return waitingWriteCloser{pipeW, &wg}, nil
}
