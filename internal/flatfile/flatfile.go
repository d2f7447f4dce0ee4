// Package flatfile implements the append-only, memory-mapped storage
// primitive every other store component is built on: a numbered set of
// fixed-size files, each with a 16-byte header (an 8-byte magic followed by
// an atomically-updated 8-byte write cursor), written to lock-free via
// compare-and-swap on that cursor.
package flatfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/sirupsen/logrus"

	"chainstore/internal/metrics"
)

const (
	writeCursorOffset = 8
	headerSize        = 16
	magicFileID        = uint64(0x62634d4b00000000)

	// InitialWritePos is the first writable offset in a newly created file,
	// immediately past the 16-byte header.
	InitialWritePos uint64 = 0x10

	// fileCreateRetries bounds how many times a reader waits for a
	// concurrently-creating writer to finish allocating a file before giving up.
	fileCreateRetries = 50
	fileCreateRetryWait = 50 * time.Millisecond
)

// ErrCorrupt is returned when a file's header magic does not match, meaning
// either the file is foreign or was only partially written before a crash.
var ErrCorrupt = errors.New("flatfile: corrupt data file")

// FlatFile is a single memory-mapped file with an atomically maintained
// write cursor in its header.
type FlatFile struct {
	path string
	file *os.File
	data mmap.MMap
}

// open opens path, creating and initializing it with the given fixed size
// if it does not yet exist. If another goroutine or process is in the
// middle of creating the same file, open waits (bounded) for it to finish
// rather than racing to create it twice.
func open(path string, size uint64) (*FlatFile, error) {
	f, err := openOrCreate(path, size)
	if err != nil {
		return nil, err
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flatfile: mmap %s: %w", path, err)
	}

	if binary.LittleEndian.Uint64(data[0:8]) != magicFileID {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, path)
	}

	return &FlatFile{path: path, file: f, data: data}, nil
}

func openOrCreate(path string, size uint64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err == nil {
		var hdr [headerSize]byte
		binary.LittleEndian.PutUint64(hdr[0:8], magicFileID)
		binary.LittleEndian.PutUint64(hdr[8:16], InitialWritePos)

		if _, werr := f.Write(hdr[:]); werr != nil {
			f.Close()
			return nil, fmt.Errorf("flatfile: write header to %s: %w", path, werr)
		}
		if terr := f.Truncate(int64(size)); terr != nil {
			f.Close()
			return nil, fmt.Errorf("flatfile: allocate %d bytes for %s: %w", size, path, terr)
		}
		logrus.WithField("path", path).WithField("size", size).Debug("flatfile: created")
		return f, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("flatfile: create %s: %w", path, err)
	}

	// Another writer is creating (or has created) this file. Wait for it
	// to reach its expected full size rather than reading a half-written file.
	for i := 0; i < fileCreateRetries; i++ {
		existing, openErr := os.OpenFile(path, os.O_RDWR, 0o644)
		if openErr == nil {
			info, statErr := existing.Stat()
			if statErr == nil && uint64(info.Size()) == size {
				return existing, nil
			}
			existing.Close()
		}
		time.Sleep(fileCreateRetryWait)
	}
	return nil, fmt.Errorf("flatfile: %s exists but never reached expected size %d bytes", path, size)
}

func (ff *FlatFile) writeCursor() *uint64 {
	return (*uint64)(unsafe.Pointer(&ff.data[writeCursorOffset]))
}

// AllocWrite atomically reserves size bytes past the file's write cursor,
// returning the offset to write at. ok is false when doing so would exceed
// maxSize, telling the caller to roll over into the next file.
func (ff *FlatFile) AllocWrite(size, maxSize uint64) (pos uint64, ok bool) {
	cursor := ff.writeCursor()
	for {
		current := atomic.LoadUint64(cursor)
		if current+size > maxSize {
			return 0, false
		}
		if atomic.CompareAndSwapUint64(cursor, current, current+size) {
			return current, true
		}
		metrics.CASRetries.WithLabelValues("flatfile").Inc()
	}
}

// WriteCursor atomically loads the file's current write cursor, i.e. the
// offset immediately past the last byte ever reserved by AllocWrite.
func (ff *FlatFile) WriteCursor() uint64 {
	return atomic.LoadUint64(ff.writeCursor())
}

// LoadUint64 atomically loads the 8 bytes at offset.
func (ff *FlatFile) LoadUint64(offset uint64) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&ff.data[offset])))
}

// CompareAndSwapUint64 atomically compares and swaps the 8 bytes at offset.
func (ff *FlatFile) CompareAndSwapUint64(offset uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(unsafe.Pointer(&ff.data[offset])), old, new)
}

// ReadAt returns a slice view over n bytes at offset. The slice aliases the
// memory map directly; callers must not retain it past the FlatFile's
// lifetime.
func (ff *FlatFile) ReadAt(offset uint64, n int) []byte {
	end := offset + uint64(n)
	return ff.data[offset:end:end]
}

// WriteAt copies b into the map starting at offset. The caller must have
// already reserved the range via AllocWrite.
func (ff *FlatFile) WriteAt(b []byte, offset uint64) {
	copy(ff.data[offset:], b)
}

// Close flushes and unmaps the file.
func (ff *FlatFile) Close() error {
	if err := ff.data.Flush(); err != nil {
		return fmt.Errorf("flatfile: flush %s: %w", ff.path, err)
	}
	if err := ff.data.Unmap(); err != nil {
		return fmt.Errorf("flatfile: unmap %s: %w", ff.path, err)
	}
	return ff.file.Close()
}
