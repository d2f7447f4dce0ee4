// Package hashindex implements a persistent map from a 32-byte hash to a
// set of typed values, backed by a large root hash table with colliding
// keys resolved through an unbalanced binary tree of Node records. All
// mutation is lock-free: pointer slots are updated with 64-bit
// compare-and-swap directly against the memory-mapped file.
package hashindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"chainstore/internal/chainhash"
	"chainstore/internal/flatfile"
	"chainstore/internal/metrics"
	"chainstore/internal/ptr"
)

const (
	fileSize        = 1 * 1024 * 1024 * 1024
	maxContentSize  = fileSize - 10*1024*1024
	hashRootCount   = 256 * 256 * 256 // indexed by the first 3 bytes of the hash
	nodeSize        = 32 + 8 + 8 + 8  // hash + prev + next + leaf, matches the 56-byte original layout
	nodePrevOffset  = 32
	nodeNextOffset  = 40
	nodeLeafOffset  = 48
)

// ErrConflict describes the case where the existing values at a hash are
// not exactly the caller's expected guard set and force is false. Set
// itself reports that case as (false, nil) and does not return ErrConflict.
var ErrConflict = errors.New("hashindex: existing entries do not match expected guards")

func newPlainPtr(fileNumber int16, fileOffset uint64) ptr.Ptr {
	return ptr.New(fileNumber, fileOffset)
}

func packIndexPtr(fileNumber int16, fileOffset uint64) uint64 {
	return uint64(uint32(fileOffset)) | uint64(uint16(fileNumber))<<32
}

func unpackIndexPtr(v uint64) (fileNumber int16, fileOffset uint64) {
	return int16(uint16(v >> 32)), uint64(uint32(v))
}

// HashIndex maps 32-byte hashes to values of type T. T must be a small,
// fixed-size, comparable value (a pointer type from package ptr); encode,
// decode and isGuard adapt it to the byte-level storage format.
type HashIndex[T comparable] struct {
	fileset *flatfile.Set[ptr.Ptr]

	rootFile   int16
	rootOffset uint64

	size    int
	encode  func(T) []byte
	decode  func([]byte) T
	isGuard func(T) bool

	kind string
}

func guardKind(prefix string) string {
	switch prefix {
	case "hi":
		return "transaction"
	case "bi":
		return "block"
	default:
		return prefix
	}
}

// Open opens (or creates) the hash index rooted at dir, with files named
// prefixHHHH (prefix is "hi" for the transaction hash index, "bi" for the
// block hash index, per the fixed subsystem prefixes). size is the
// encoded byte length of T.
func Open[T comparable](dir, prefix string, size int, encode func(T) []byte, decode func([]byte) T, isGuard func(T) bool) (*HashIndex[T], error) {
	preexisting, err := dirHasEntries(dir)
	if err != nil {
		return nil, err
	}

	fs, err := flatfile.Open(dir, prefix, fileSize, maxContentSize, newPlainPtr)
	if err != nil {
		return nil, err
	}

	hi := &HashIndex[T]{fileset: fs, size: size, encode: encode, decode: decode, isGuard: isGuard, kind: guardKind(prefix)}

	if preexisting {
		hi.rootFile, hi.rootOffset = 0, flatfile.InitialWritePos
		return hi, nil
	}

	zeroed := make([]byte, hashRootCount*8)
	rootPtr, err := fs.WriteFixed(zeroed)
	if err != nil {
		return nil, fmt.Errorf("hashindex: allocate root table: %w", err)
	}
	hi.rootFile, hi.rootOffset = rootPtr.FileNumber(), rootPtr.FileOffset()
	return hi, nil
}

func dirHasEntries(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, nil // directory doesn't exist yet: treat as new
	}
	return len(entries) > 0, nil
}

func hashToIndex(h chainhash.Hash) uint32 {
	return uint32(h[0]) | uint32(h[1])<<8 | uint32(h[2])<<16
}

type nodeView struct {
	file   int16
	offset uint64
	hash   chainhash.Hash
	prevV  uint64
	nextV  uint64
	leafV  uint64
}

func decodeNode(file int16, offset uint64, raw []byte) nodeView {
	var n nodeView
	n.file, n.offset = file, offset
	copy(n.hash[:], raw[0:32])
	n.prevV = binary.LittleEndian.Uint64(raw[32:40])
	n.nextV = binary.LittleEndian.Uint64(raw[40:48])
	n.leafV = binary.LittleEndian.Uint64(raw[48:56])
	return n
}

func encodeNode(hash chainhash.Hash, prevV, nextV, leafV uint64) []byte {
	buf := make([]byte, nodeSize)
	copy(buf[0:32], hash[:])
	binary.LittleEndian.PutUint64(buf[32:40], prevV)
	binary.LittleEndian.PutUint64(buf[40:48], nextV)
	binary.LittleEndian.PutUint64(buf[48:56], leafV)
	return buf
}

func (h *HashIndex[T]) encodeLeaf(value T, nextV uint64) []byte {
	buf := make([]byte, h.size+8)
	copy(buf[:h.size], h.encode(value))
	binary.LittleEndian.PutUint64(buf[h.size:h.size+8], nextV)
	return buf
}

func (h *HashIndex[T]) decodeLeaf(raw []byte) (value T, nextV uint64) {
	return h.decode(raw[:h.size]), binary.LittleEndian.Uint64(raw[h.size : h.size+8])
}

// findNode walks the root table and binary tree for hash. If found, node is
// non-nil. Otherwise node is nil and (slotFile, slotOffset) addresses the
// empty pointer slot a new node should be CAS-inserted into.
func (h *HashIndex[T]) findNode(hash chainhash.Hash) (node *nodeView, slotFile int16, slotOffset uint64, err error) {
	curFile := h.rootFile
	curOffset := h.rootOffset + uint64(hashToIndex(hash))*8

	for {
		ff, ferr := h.fileset.FlatFile(curFile)
		if ferr != nil {
			return nil, 0, 0, ferr
		}
		v := ff.LoadUint64(curOffset)
		if v == 0 {
			return nil, curFile, curOffset, nil
		}

		nf, no := unpackIndexPtr(v)
		nodeFF, ferr := h.fileset.FlatFile(nf)
		if ferr != nil {
			return nil, 0, 0, ferr
		}
		raw := nodeFF.ReadAt(no, nodeSize)
		n := decodeNode(nf, no, raw)

		switch bytes.Compare(hash[:], n.hash[:]) {
		case -1:
			curFile, curOffset = n.file, n.offset+nodePrevOffset
		case 1:
			curFile, curOffset = n.file, n.offset+nodeNextOffset
		default:
			return &n, 0, 0, nil
		}
	}
}

func (h *HashIndex[T]) collectValues(node *nodeView) ([]T, error) {
	var result []T
	leafV := node.leafV
	for leafV != 0 {
		lf, lo := unpackIndexPtr(leafV)
		ff, err := h.fileset.FlatFile(lf)
		if err != nil {
			return nil, err
		}
		raw := ff.ReadAt(lo, h.size+8)
		value, next := h.decodeLeaf(raw)
		result = append(result, value)
		leafV = next
	}
	return result, nil
}

// Get returns every value stored at hash, or nil if there is none.
func (h *HashIndex[T]) Get(hash chainhash.Hash) ([]T, error) {
	node, _, _, err := h.findNode(hash)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, nil
	}
	return h.collectValues(node)
}

// exhaustiveEqual reports whether existing and expected contain exactly
// the same multiset of values. See DESIGN.md OQ2: this is an exhaustive
// equality check rather than "any element of existing is in expected",
// so a writer can never silently drop sibling guards it wasn't told about.
func exhaustiveEqual[T comparable](existing, expected []T) bool {
	if len(existing) != len(expected) {
		return false
	}
	counts := make(map[T]int, len(expected))
	for _, v := range expected {
		counts[v]++
	}
	for _, v := range existing {
		counts[v]--
		if counts[v] < 0 {
			return false
		}
	}
	return true
}

// Set stores storePtr at hash. storePtr must not itself be a guard value.
// If values already exist at hash, they are replaced only when they are
// exactly expectedGuards (or force is true); otherwise Set returns
// (false, nil) to signal the caller should retry once the conflicting
// entries are resolved.
func (h *HashIndex[T]) Set(hash chainhash.Hash, storePtr T, expectedGuards []T, force bool) (bool, error) {
	for {
		node, slotFile, slotOffset, err := h.findNode(hash)
		if err != nil {
			return false, err
		}

		if node == nil {
			nodePtr, _, err := h.writeLeafAndNode(hash, storePtr, 0)
			if err != nil {
				return false, err
			}
			ff, err := h.fileset.FlatFile(slotFile)
			if err != nil {
				return false, err
			}
			if ff.CompareAndSwapUint64(slotOffset, 0, packIndexPtr(nodePtr.FileNumber(), nodePtr.FileOffset())) {
				return true, nil
			}
			metrics.CASRetries.WithLabelValues("hashindex").Inc()
			continue
		}

		existing, err := h.collectValues(node)
		if err != nil {
			return false, err
		}
		if !force && !exhaustiveEqual(existing, expectedGuards) {
			return false, nil
		}

		newLeafPtr, err := h.fileset.WriteFixed(h.encodeLeaf(storePtr, 0))
		if err != nil {
			return false, err
		}
		ff, err := h.fileset.FlatFile(node.file)
		if err != nil {
			return false, err
		}
		if ff.CompareAndSwapUint64(node.offset+nodeLeafOffset, node.leafV, packIndexPtr(newLeafPtr.FileNumber(), newLeafPtr.FileOffset())) {
			metrics.GuardEntries.WithLabelValues(h.kind).Sub(float64(len(existing)))
			return true, nil
		}
		metrics.CASRetries.WithLabelValues("hashindex").Inc()
	}
}

// GetOrSet returns the first non-guard value stored at hash. If none
// exists yet, guardPtr is inserted atomically (prepended ahead of any
// existing guards) and GetOrSet returns (zero, false, nil).
func (h *HashIndex[T]) GetOrSet(hash chainhash.Hash, guardPtr T) (value T, found bool, err error) {
	for {
		node, slotFile, slotOffset, ferr := h.findNode(hash)
		if ferr != nil {
			return value, false, ferr
		}

		if node == nil {
			nodePtr, _, werr := h.writeLeafAndNode(hash, guardPtr, 0)
			if werr != nil {
				return value, false, werr
			}
			ff, ferr := h.fileset.FlatFile(slotFile)
			if ferr != nil {
				return value, false, ferr
			}
			if ff.CompareAndSwapUint64(slotOffset, 0, packIndexPtr(nodePtr.FileNumber(), nodePtr.FileOffset())) {
				metrics.GuardEntries.WithLabelValues(h.kind).Inc()
				return value, false, nil
			}
			metrics.CASRetries.WithLabelValues("hashindex").Inc()
			continue
		}

		firstLeafV := node.leafV
		lf, lo := unpackIndexPtr(firstLeafV)
		leafFF, ferr := h.fileset.FlatFile(lf)
		if ferr != nil {
			return value, false, ferr
		}
		existingValue, _ := h.decodeLeaf(leafFF.ReadAt(lo, h.size+8))

		if !h.isGuard(existingValue) {
			return existingValue, true, nil
		}

		newLeafPtr, werr := h.fileset.WriteFixed(h.encodeLeaf(guardPtr, firstLeafV))
		if werr != nil {
			return value, false, werr
		}
		ff, ferr := h.fileset.FlatFile(node.file)
		if ferr != nil {
			return value, false, ferr
		}
		if ff.CompareAndSwapUint64(node.offset+nodeLeafOffset, firstLeafV, packIndexPtr(newLeafPtr.FileNumber(), newLeafPtr.FileOffset())) {
			metrics.GuardEntries.WithLabelValues(h.kind).Inc()
			return value, false, nil
		}
		metrics.CASRetries.WithLabelValues("hashindex").Inc()
	}
}

func (h *HashIndex[T]) writeLeafAndNode(hash chainhash.Hash, value T, nextLeafV uint64) (ptr.Ptr, uint64, error) {
	leafPtr, err := h.fileset.WriteFixed(h.encodeLeaf(value, nextLeafV))
	if err != nil {
		return ptr.Ptr{}, 0, err
	}
	leafV := packIndexPtr(leafPtr.FileNumber(), leafPtr.FileOffset())
	nodePtr, err := h.fileset.WriteFixed(encodeNode(hash, 0, 0, leafV))
	if err != nil {
		return ptr.Ptr{}, 0, err
	}
	return nodePtr, leafV, nil
}

// Close releases the underlying file set.
func (h *HashIndex[T]) Close() error {
	return h.fileset.Close()
}
