package flatfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"chainstore/internal/ptr"
)

// NewPtrFunc constructs a typed pointer from a file number and offset. Every
// Set needs one so that Write/Read can hand back and accept the caller's
// own pointer type (TxPtr, BlockHeaderPtr, RecordPtr, ...) instead of the
// bare (fileNumber, offset) pair.
type NewPtrFunc[P ptr.FlatFilePtr] func(fileNumber int16, fileOffset uint64) P

// Set is a sequential set of files named prefixNNNN, where NNNN is a
// zero-padded 4-hex-digit, signed 16-bit file number. It is the on-disk
// append target for one store subsystem (transactions, block headers,
// hash-index buckets, ...); P pins the set to a single pointer type so a
// TxPtr can never be read back out of the block-header set by mistake.
type Set[P ptr.FlatFilePtr] struct {
	mu sync.Mutex

	dir    string
	prefix string

	firstFile int16
	lastFile  int16 // one past the highest file number currently allocated
	files     map[int16]*FlatFile

	startSize uint64
	maxSize   uint64

	newPtr NewPtrFunc[P]
	log    *logrus.Entry
}

// Open loads (or creates) the file set rooted at dir with the given file
// name prefix. fileSize is the fixed size allocated for each file; maxSize
// is the content high-water mark after which writes roll over to a new
// file — fileSize-maxSize must be large enough to hold the single largest
// write the caller will ever perform.
func Open[P ptr.FlatFilePtr](dir, prefix string, fileSize, maxSize uint64, newPtr NewPtrFunc[P]) (*Set[P], error) {
	if fileSize < maxSize {
		return nil, fmt.Errorf("flatfile: file_size %d must be >= max_size %d", fileSize, maxSize)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("flatfile: create directory %s: %w", dir, err)
	}

	min, max, err := findMinMaxFileNumbers(dir, prefix)
	if err != nil {
		return nil, err
	}

	return &Set[P]{
		dir:       dir,
		prefix:    prefix,
		firstFile: min,
		lastFile:  max,
		files:     make(map[int16]*FlatFile),
		startSize: fileSize,
		maxSize:   maxSize,
		newPtr:    newPtr,
		log:       logrus.WithField("component", "flatfile").WithField("prefix", prefix),
	}, nil
}

func fileName(dir, prefix string, fileno int16) string {
	return filepath.Join(dir, fmt.Sprintf("%s%04x", prefix, uint16(fileno)))
}

func fileNumberFromName(prefix, name string) (int16, bool) {
	if len(name) != len(prefix)+4 {
		return 0, false
	}
	if name[:len(prefix)] != prefix {
		return 0, false
	}
	n, err := strconv.ParseUint(name[len(prefix):], 16, 16)
	if err != nil {
		return 0, false
	}
	return int16(n), true
}

func findMinMaxFileNumbers(dir, prefix string) (min, max int16, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("flatfile: read directory %s: %w", dir, err)
	}

	have := false
	for _, e := range entries {
		n, ok := fileNumberFromName(prefix, e.Name())
		if !ok {
			continue
		}
		if !have {
			min, max = n, n
			have = true
			continue
		}
		if n < min {
			min = n
		}
		if n > max {
			max = n
		}
	}
	if !have {
		return 0, 1, nil
	}
	return min, max + 1, nil
}

// FlatFile returns the already-open file for fileno, opening it on first
// use. It is exposed for components (hashindex) that need raw atomic
// access to a byte offset that isn't expressible as a single P pointer,
// such as a root-table slot or a field nested inside a stored record.
func (s *Set[P]) FlatFile(fileno int16) (*FlatFile, error) {
	return s.getFlatFile(fileno)
}

// getFlatFile returns the already-open file for fileno, opening it on
// first use.
func (s *Set[P]) getFlatFile(fileno int16) (*FlatFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getFlatFileLocked(fileno)
}

func (s *Set[P]) getFlatFileLocked(fileno int16) (*FlatFile, error) {
	if ff, ok := s.files[fileno]; ok {
		return ff, nil
	}
	ff, err := open(fileName(s.dir, s.prefix, fileno), s.startSize)
	if err != nil {
		return nil, err
	}
	s.files[fileno] = ff
	if fileno >= s.lastFile {
		s.lastFile = fileno + 1
	}
	return ff, nil
}

// allocWriteSpace reserves size bytes, rolling over to a new file when the
// current last file is full. Mirrors the recursive retry in the original
// allocator: failure to reserve in the current last file bumps the file
// count and tries again.
func (s *Set[P]) allocWriteSpace(size uint64) (P, error) {
	for {
		s.mu.Lock()
		fileno := s.lastFile - 1
		s.mu.Unlock()

		ff, err := s.getFlatFile(fileno)
		if err != nil {
			var zero P
			return zero, err
		}

		pos, ok := ff.AllocWrite(size, s.maxSize)
		if ok {
			return s.newPtr(fileno, pos), nil
		}

		s.mu.Lock()
		if s.lastFile == fileno+1 {
			s.lastFile++
		}
		s.mu.Unlock()
	}
}

// Write appends a length-prefixed buffer and returns a pointer to it.
func (s *Set[P]) Write(buf []byte) (P, error) {
	writeLen := uint64(len(buf)) + 4
	target, err := s.allocWriteSpace(writeLen)
	if err != nil {
		var zero P
		return zero, err
	}

	ff, err := s.getFlatFile(target.FileNumber())
	if err != nil {
		var zero P
		return zero, err
	}

	var lenBuf [4]byte
	putUint32(lenBuf[:], uint32(len(buf)))
	ff.WriteAt(lenBuf[:], target.FileOffset())
	ff.WriteAt(buf, target.FileOffset()+4)
	return target, nil
}

// WriteFixed appends buf verbatim, with no length prefix, and returns a
// pointer to it. Used for fixed-size records whose length is implied by
// their type (Record, HashIndex nodes, ...).
func (s *Set[P]) WriteFixed(buf []byte) (P, error) {
	target, err := s.allocWriteSpace(uint64(len(buf)))
	if err != nil {
		var zero P
		return zero, err
	}
	ff, err := s.getFlatFile(target.FileNumber())
	if err != nil {
		var zero P
		return zero, err
	}
	ff.WriteAt(buf, target.FileOffset())
	return target, nil
}

// Read returns the length-prefixed buffer stored at pos.
func (s *Set[P]) Read(pos P) ([]byte, error) {
	ff, err := s.getFlatFile(pos.FileNumber())
	if err != nil {
		return nil, err
	}
	lenBuf := ff.ReadAt(pos.FileOffset(), 4)
	n := readUint32(lenBuf)
	if n == 0 {
		return nil, nil
	}
	return ff.ReadAt(pos.FileOffset()+4, int(n)), nil
}

// ReadFixed returns the size bytes stored at pos with no length prefix.
func (s *Set[P]) ReadFixed(pos P, size int) ([]byte, error) {
	ff, err := s.getFlatFile(pos.FileNumber())
	if err != nil {
		return nil, err
	}
	return ff.ReadAt(pos.FileOffset(), size), nil
}

// Offset advances pos by delta bytes, rolling over to the next file's
// first writable offset if delta would push past maxSize.
func (s *Set[P]) Offset(pos P, delta uint64) P {
	if pos.FileOffset()+delta > s.maxSize {
		return s.newPtr(pos.FileNumber()+1, InitialWritePos)
	}
	return s.newPtr(pos.FileNumber(), pos.FileOffset()+delta)
}

// First returns a pointer to the very first writable position of the set.
func (s *Set[P]) First() P {
	return s.newPtr(s.firstFile, InitialWritePos)
}

// Close flushes and unmaps every open file in the set.
func (s *Set[P]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ff := range s.files {
		if err := ff.Close(); err != nil {
			return err
		}
	}
	return nil
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func readUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
