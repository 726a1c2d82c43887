// Package shm provides POSIX-shared-memory-backed, fixed-size mmap segments.
// Go's standard library has no shm_open binding, so segments are realized
// as files under /dev/shm mapped MAP_SHARED via golang.org/x/sys/unix —
// the same raw-bytes-to-struct technique the teacher uses for netlink
// attribute buffers (see netlink.RawInetDiagMsg.Parse).
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Dir is the directory shared-memory segment files are created under. It's
// a var, not a const, so tests can point it at a scratch directory.
var Dir = "/dev/shm"

// Segment is a fixed-size, page-backed mapping shared between the agent's
// worker threads and the coordinator-facing control handler.
type Segment struct {
	Name string
	Data []byte
	file *os.File
}

// Create opens (creating if necessary) a named segment of exactly size
// bytes and maps it MAP_SHARED so every mapper of the same name observes
// the same bytes.
func Create(name string, size int) (*Segment, error) {
	path := fmt.Sprintf("%s/%s", Dir, name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: truncate %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	return &Segment{Name: name, Data: data, file: f}, nil
}

// Close unmaps the segment and closes the backing file descriptor. It does
// not remove the backing file — callers that own the segment's lifetime
// should call Unlink as well once every mapper has exited.
func (s *Segment) Close() error {
	var err error
	if s.Data != nil {
		err = unix.Munmap(s.Data)
		s.Data = nil
	}
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Unlink removes the backing file. Safe to call after Close.
func Unlink(name string) error {
	return os.Remove(fmt.Sprintf("%s/%s", Dir, name))
}
