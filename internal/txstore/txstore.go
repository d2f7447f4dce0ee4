// Package txstore implements the transaction store: a pair of FlatFileSets
// ("part1" for version+inputs, "part2" for a small header, an
// output-offset table, and the outputs themselves). The TxPtr returned by
// Write always addresses a part2 record; part1 is reached through a
// pointer embedded in part2's header. This split lets ReadOutput fetch a
// single output by index without decoding any of the transaction's inputs.
package txstore

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"chainstore/internal/flatfile"
	"chainstore/internal/ptr"
	"chainstore/internal/wire"
)

const (
	fileSize       = 4 * 1024 * 1024 * 1024
	maxContentSize = fileSize - 10*1024*1024

	part2HeaderSize = 10 // part1 file number (2) + part1 file offset (4) + output count (4)

	// DefaultCacheEntries is the transaction output cache size used when
	// the caller does not override it via Storage.TxCacheEntries.
	DefaultCacheEntries = 4096
)

// Store is the split transaction store.
type Store struct {
	part1 *flatfile.Set[ptr.TxPtr]
	part2 *flatfile.Set[ptr.TxPtr]
	cache *lru.Cache[ptr.TxPtr, []wire.TxOut]
}

func newTxPtr(fileNumber int16, fileOffset uint64) ptr.TxPtr {
	return ptr.NewTxPtr(fileNumber, fileOffset)
}

// Open opens (or creates) the transaction store rooted at dir, with part1
// and part2 in the "tx" and "t2" subdirectories per the fixed subsystem
// prefixes. cacheEntries bounds the decoded-outputs cache; 0 selects
// DefaultCacheEntries.
func Open(dir string, cacheEntries int) (*Store, error) {
	if cacheEntries <= 0 {
		cacheEntries = DefaultCacheEntries
	}

	part1, err := flatfile.Open(dir+"/tx", "tx", fileSize, maxContentSize, newTxPtr)
	if err != nil {
		return nil, fmt.Errorf("txstore: open part1: %w", err)
	}
	part2, err := flatfile.Open(dir+"/t2", "t2", fileSize, maxContentSize, newTxPtr)
	if err != nil {
		return nil, fmt.Errorf("txstore: open part2: %w", err)
	}
	cache, err := lru.New[ptr.TxPtr, []wire.TxOut](cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("txstore: create output cache: %w", err)
	}

	return &Store{part1: part1, part2: part2, cache: cache}, nil
}

func encodePart1(tx wire.Transaction) []byte {
	w := wire.NewWriter()
	w.PutI32(tx.Version)
	w.PutCompactSize(uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		w.PutBytes(in.PrevTxHash[:])
		w.PutU32(in.PrevIndex)
		w.PutVarBytes(in.ScriptSig)
		w.PutU32(in.Sequence)
	}
	return w.Bytes()
}

func decodePart1(buf []byte) (version int32, inputs []wire.TxIn, err error) {
	r := wire.NewReader(buf)
	if version, err = r.I32(); err != nil {
		return 0, nil, err
	}
	n, err := r.CompactSize()
	if err != nil {
		return 0, nil, err
	}
	inputs = make([]wire.TxIn, n)
	for i := range inputs {
		hash, err := r.Bytes(32)
		if err != nil {
			return 0, nil, err
		}
		copy(inputs[i].PrevTxHash[:], hash)
		if inputs[i].PrevIndex, err = r.U32(); err != nil {
			return 0, nil, err
		}
		if inputs[i].ScriptSig, err = r.VarBytes(); err != nil {
			return 0, nil, err
		}
		if inputs[i].Sequence, err = r.U32(); err != nil {
			return 0, nil, err
		}
	}
	return version, inputs, nil
}

// Write splits tx into its part1/part2 halves and appends each to its
// own FlatFileSet, returning the part2 pointer callers use everywhere
// else in the store.
func (s *Store) Write(tx wire.Transaction) (ptr.TxPtr, error) {
	part1Ptr, err := s.part1.Write(encodePart1(tx))
	if err != nil {
		return ptr.TxPtr{}, fmt.Errorf("txstore: write part1: %w", err)
	}

	outputsBlob := wire.NewWriter()
	offsets := make([]uint32, len(tx.Outputs))
	for i, out := range tx.Outputs {
		offsets[i] = uint32(len(outputsBlob.Bytes()))
		outputsBlob.PutI64(out.Value)
		outputsBlob.PutVarBytes(out.PkScript)
	}
	outputsBlob.PutU32(tx.LockTime)

	header := wire.NewWriter()
	header.PutU16(uint16(part1Ptr.FileNumber()))
	header.PutU32(uint32(part1Ptr.FileOffset()))
	header.PutU32(uint32(len(tx.Outputs)))
	for _, off := range offsets {
		header.PutU32(off)
	}

	full := append(header.Bytes(), outputsBlob.Bytes()...)
	part2Ptr, err := s.part2.Write(full)
	if err != nil {
		return ptr.TxPtr{}, fmt.Errorf("txstore: write part2: %w", err)
	}
	return part2Ptr, nil
}

func decodePart2Header(buf []byte) (part1Ptr ptr.TxPtr, outputCount uint32, blobStart int, err error) {
	if len(buf) < part2HeaderSize {
		return ptr.TxPtr{}, 0, 0, wire.ErrTruncated
	}
	part1FileNumber := int16(binary.LittleEndian.Uint16(buf[0:2]))
	part1FileOffset := binary.LittleEndian.Uint32(buf[2:6])
	outputCount = binary.LittleEndian.Uint32(buf[6:10])
	blobStart = part2HeaderSize + int(outputCount)*4
	return ptr.NewTxPtr(part1FileNumber, uint64(part1FileOffset)), outputCount, blobStart, nil
}

// Read fully decodes the transaction stored at p, including its inputs.
func (s *Store) Read(p ptr.TxPtr) (wire.Transaction, error) {
	part2Buf, err := s.part2.Read(p)
	if err != nil {
		return wire.Transaction{}, fmt.Errorf("txstore: read part2: %w", err)
	}
	part1Ptr, outputCount, blobStart, err := decodePart2Header(part2Buf)
	if err != nil {
		return wire.Transaction{}, err
	}

	part1Buf, err := s.part1.Read(part1Ptr)
	if err != nil {
		return wire.Transaction{}, fmt.Errorf("txstore: read part1: %w", err)
	}
	version, inputs, err := decodePart1(part1Buf)
	if err != nil {
		return wire.Transaction{}, fmt.Errorf("txstore: decode part1: %w", err)
	}

	r := wire.NewReader(part2Buf[blobStart:])
	outputs := make([]wire.TxOut, outputCount)
	for i := range outputs {
		if outputs[i].Value, err = r.I64(); err != nil {
			return wire.Transaction{}, fmt.Errorf("txstore: decode output %d: %w", i, err)
		}
		if outputs[i].PkScript, err = r.VarBytes(); err != nil {
			return wire.Transaction{}, fmt.Errorf("txstore: decode output %d: %w", i, err)
		}
	}
	lockTime, err := r.U32()
	if err != nil {
		return wire.Transaction{}, fmt.Errorf("txstore: decode lock_time: %w", err)
	}

	s.cache.Add(p, outputs)
	return wire.Transaction{Version: version, Inputs: inputs, Outputs: outputs, LockTime: lockTime}, nil
}

// ReadOutput returns a single output by index, in constant time relative
// to the transaction's size: it never decodes part1 (the inputs), and it
// seeks directly to the requested output via part2's offset table rather
// than decoding every output before it.
func (s *Store) ReadOutput(p ptr.TxPtr, index uint32) (wire.TxOut, error) {
	if cached, ok := s.cache.Get(p); ok {
		if index >= uint32(len(cached)) {
			return wire.TxOut{}, fmt.Errorf("txstore: output index %d out of range (%d outputs)", index, len(cached))
		}
		return cached[index], nil
	}

	part2Buf, err := s.part2.Read(p)
	if err != nil {
		return wire.TxOut{}, fmt.Errorf("txstore: read part2: %w", err)
	}
	_, outputCount, blobStart, err := decodePart2Header(part2Buf)
	if err != nil {
		return wire.TxOut{}, err
	}
	if index >= outputCount {
		return wire.TxOut{}, fmt.Errorf("txstore: output index %d out of range (%d outputs)", index, outputCount)
	}

	offsetPos := part2HeaderSize + int(index)*4
	relOffset := binary.LittleEndian.Uint32(part2Buf[offsetPos : offsetPos+4])
	abs := blobStart + int(relOffset)

	r := wire.NewReader(part2Buf[abs:])
	value, err := r.I64()
	if err != nil {
		return wire.TxOut{}, fmt.Errorf("txstore: decode output %d value: %w", index, err)
	}
	script, err := r.VarBytes()
	if err != nil {
		return wire.TxOut{}, fmt.Errorf("txstore: decode output %d script: %w", index, err)
	}
	return wire.TxOut{Value: value, PkScript: script}, nil
}

// Close releases both underlying file sets.
func (s *Store) Close() error {
	if err := s.part1.Close(); err != nil {
		return err
	}
	return s.part2.Close()
}
