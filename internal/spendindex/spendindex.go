// Package spendindex implements the SpendIndex: a large atomic bit array
// keyed by a 64-bit record fingerprint, used as the SpendTree's "broom
// wagon" so verification never has to walk arbitrarily deep into sealed
// history to determine whether an output has already been spent.
package spendindex

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/bits-and-blooms/bitset"

	"chainstore/internal/flatfile"
	"chainstore/internal/metrics"
	"chainstore/internal/ptr"
)

const (
	fileSize       = 16 * 1024 * 1024 * 1024
	maxContentSize = fileSize - 10*1024*1024

	// bitCount is fixed rather than grown dynamically; the OS does not
	// actually commit pages for bits that are never touched, so the file
	// can be sized generously up front.
	bitCount  = 500_000_000
	wordCount = (bitCount + 63) / 64
)

func newPlainPtr(fileNumber int16, fileOffset uint64) ptr.Ptr {
	return ptr.New(fileNumber, fileOffset)
}

// SpendIndex is a fixed-size, lock-free bit array persisted in a
// FlatFileSet.
type SpendIndex struct {
	fileset *flatfile.Set[ptr.Ptr]
	file    int16
	offset  uint64
}

// Open opens (or creates) the spend index rooted at dir.
func Open(dir string) (*SpendIndex, error) {
	preexisting := dirHasEntries(dir)

	fs, err := flatfile.Open(dir, "si", fileSize, maxContentSize, newPlainPtr)
	if err != nil {
		return nil, err
	}

	si := &SpendIndex{fileset: fs}
	if preexisting {
		si.file, si.offset = 0, flatfile.InitialWritePos
		return si, nil
	}

	zeroed := make([]byte, wordCount*8)
	p, err := fs.WriteFixed(zeroed)
	if err != nil {
		return nil, fmt.Errorf("spendindex: allocate bit array: %w", err)
	}
	si.file, si.offset = p.FileNumber(), p.FileOffset()
	return si, nil
}

func dirHasEntries(dir string) bool {
	entries, err := os.ReadDir(dir)
	return err == nil && len(entries) > 0
}

func (s *SpendIndex) wordAddr(fingerprint uint64) (file int16, addr uint64, bit uint64) {
	idx := fingerprint >> 6
	return s.file, s.offset + idx*8, uint64(1) << (fingerprint & 0x3F)
}

// Exists reports whether fingerprint's bit is set.
func (s *SpendIndex) Exists(fingerprint uint64) (bool, error) {
	file, addr, bit := s.wordAddr(fingerprint)
	ff, err := s.fileset.FlatFile(file)
	if err != nil {
		return false, err
	}
	return ff.LoadUint64(addr)&bit != 0, nil
}

// Set atomically sets fingerprint's bit via a load/CAS retry loop.
func (s *SpendIndex) Set(fingerprint uint64) error {
	file, addr, bit := s.wordAddr(fingerprint)
	ff, err := s.fileset.FlatFile(file)
	if err != nil {
		return err
	}
	for {
		current := ff.LoadUint64(addr)
		next := current | bit
		if current == next {
			return nil
		}
		if ff.CompareAndSwapUint64(addr, current, next) {
			return nil
		}
		metrics.CASRetries.WithLabelValues("spendindex").Inc()
	}
}

// FillRatio reports the fraction of bits currently set, sampled over the
// whole array; used for the chainstore_spendindex_bits_set metric.
func (s *SpendIndex) FillRatio() (float64, error) {
	ff, err := s.fileset.FlatFile(s.file)
	if err != nil {
		return 0, err
	}
	var set uint64
	for i := uint64(0); i < wordCount; i++ {
		w := ff.LoadUint64(s.offset + i*8)
		set += uint64(popcount(w))
	}
	ratio := float64(set) / float64(bitCount)
	metrics.SpendIndexBitsSet.Set(ratio)
	return ratio, nil
}

func popcount(w uint64) int {
	count := 0
	for w != 0 {
		w &= w - 1
		count++
	}
	return count
}

// Rebuild replaces the entire bit array's contents with the fingerprints
// produced by walk. Used after a reorg invalidates the index's previous
// contents (see DESIGN.md OQ1: rebuild-on-reorg). The replacement happens
// word-by-word without per-bit CAS, since a rebuild is performed with
// exclusive access to the store.
func (s *SpendIndex) Rebuild(walk func(yield func(fingerprint uint64)) error) error {
	bs := bitset.New(bitCount)
	if err := walk(func(fp uint64) { bs.Set(uint(fp)) }); err != nil {
		return fmt.Errorf("spendindex: rebuild walk: %w", err)
	}

	words := bs.Bytes()
	ff, err := s.fileset.FlatFile(s.file)
	if err != nil {
		return err
	}

	var buf [8]byte
	for i := uint64(0); i < wordCount; i++ {
		var w uint64
		if int(i) < len(words) {
			w = words[i]
		}
		binary.LittleEndian.PutUint64(buf[:], w)
		ff.WriteAt(buf[:], s.offset+i*8)
	}
	return nil
}

// Close releases the underlying file set.
func (s *SpendIndex) Close() error {
	return s.fileset.Close()
}
