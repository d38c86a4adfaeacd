package failinj

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Handle counters are package-wide so handles stay unique across stacked
// runtimes in one process.
var (
	blockIDs  atomic.Uint64
	streamIDs atomic.Uint64
)

// Block is an allocated memory block. The handle identifies the block in
// the tracking tables; Data is the usable memory.
type Block struct {
	id   uint64
	Data []byte
}

func newBlock(size int) *Block {
	return &Block{id: blockIDs.Add(1), Data: make([]byte, size)}
}

// Handle returns the block's tracking identity.
func (b *Block) Handle() uint64 { return b.id }

// Stream is a buffered-I/O style handle over a file or an in-memory
// buffer, the stream-level analogue of a FILE.
type Stream struct {
	id     uint64
	name   string
	f      *os.File      // file-backed streams
	mem    *bytes.Buffer // memory-backed streams
	remove bool          // unlink backing file on close (TempFile)
	closed bool
}

func newFileStream(name string, f *os.File, remove bool) *Stream {
	return &Stream{id: streamIDs.Add(1), name: name, f: f, remove: remove}
}

func newMemStream(buf []byte) *Stream {
	return &Stream{id: streamIDs.Add(1), name: "(memory)", mem: bytes.NewBuffer(buf)}
}

// Handle returns the stream's tracking identity.
func (s *Stream) Handle() uint64 { return s.id }

// Name returns the path or "(memory)" for memory-backed streams.
func (s *Stream) Name() string { return s.name }

// Read implements io.Reader over the backing file or buffer.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, unix.EBADF
	}
	if s.mem != nil {
		return s.mem.Read(p)
	}
	return s.f.Read(p)
}

// Write implements io.Writer over the backing file or buffer.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, unix.EBADF
	}
	if s.mem != nil {
		return s.mem.Write(p)
	}
	return s.f.Write(p)
}

func (s *Stream) flush() error {
	if s.closed {
		return unix.EBADF
	}
	if s.f != nil {
		return s.f.Sync()
	}
	return nil
}

func (s *Stream) close() error {
	if s.closed {
		return unix.EBADF
	}
	s.closed = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	if s.remove {
		if rmErr := os.Remove(s.name); err == nil && rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
	}
	return err
}

// scan reads formatted input from the stream, fmt.Fscanf style.
func (s *Stream) scan(format string, args ...any) (int, error) {
	if s.closed {
		return 0, unix.EBADF
	}
	var r io.Reader = s.f
	if s.mem != nil {
		r = s.mem
	}
	return fmt.Fscanf(r, format, args...)
}
