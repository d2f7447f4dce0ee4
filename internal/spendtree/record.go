// Package spendtree implements the SpendTree: the append-only log of
// 8-byte Records ([start-of-block] tx output* ... [end-of-block]) that
// links every transaction and spent output to the block tree, and the
// backward-walk verification algorithm used when connecting a new block.
package spendtree

import (
	"fmt"

	"chainstore/internal/flatfile"
	"chainstore/internal/ptr"
)

// Record's top two bits identify its kind; the remaining 62 bits are
// interpreted differently per kind, as laid out below.
const (
	recordTypeMask  = uint64(0xC000_0000_0000_0000)
	startOfBlock    = uint64(0xC000_0000_0000_0000)
	endOfBlock      = uint64(0x8000_0000_0000_0000)
	transactionKind = uint64(0x0000_0000_0000_0000)
	outputKind      = uint64(0x4000_0000_0000_0000)

	orphanStartOfBlock = startOfBlock
)

// Record is an 8-byte entry in the spend tree, with this bit layout:
//
//	START_OF_BLOCK: bits 0-61 are the record index of the end of the
//	                previous block.
//	END_OF_BLOCK:   bits 0-31 are the block header's file offset; bits
//	                32-61 are the record count of the block.
//	TRANSACTION:    bits 0-31 are the transaction's file offset; bits
//	                32-47 are its file number.
//	OUTPUT:         as TRANSACTION, plus bits 48-61 hold the output index.
type Record uint64

// NewUnmatchedInput returns the zero record used as a placeholder for an
// input whose output pointer is not yet known when a block is first
// stored; ResolveOrphanPointers replaces it once the output is found.
func NewUnmatchedInput() Record { return Record(0) }

// NewTransaction returns a Record referencing a stored transaction.
func NewTransaction(txPtr ptr.TxPtr) Record {
	return Record(uint64(uint16(txPtr.FileNumber()))<<32 | txPtr.FileOffset())
}

// NewOrphanBlockStart returns a start-of-block record with no known
// previous block, used when a block is first appended before its parent
// has connected.
func NewOrphanBlockStart() Record {
	return Record(startOfBlock)
}

// NewBlockStart returns a start-of-block record linking to the end of
// previous.
func NewBlockStart(previous BlockPtr) Record {
	return Record(startOfBlock | (previous.Start.Index() + previous.Length - 1))
}

// NewBlockEnd returns an end-of-block record for a block header stored at
// headerPtr whose body has size records.
func NewBlockEnd(headerPtr ptr.BlockHeaderPtr, size int) Record {
	return Record(endOfBlock | headerPtr.FileOffset() | (uint64(size) << 32))
}

// NewOutput returns a Record for a spent output at outputIndex of the
// transaction at txPtr.
func NewOutput(txPtr ptr.TxPtr, outputIndex uint32) Record {
	return Record(outputKind |
		uint64(outputIndex)<<48 |
		uint64(uint16(txPtr.FileNumber()))<<32 |
		txPtr.FileOffset())
}

func (r Record) IsTransaction() bool     { return uint64(r)&recordTypeMask == transactionKind }
func (r Record) IsOutput() bool          { return uint64(r)&recordTypeMask == outputKind }
func (r Record) IsBlockStart() bool      { return uint64(r)&recordTypeMask == startOfBlock }
func (r Record) IsBlockEnd() bool        { return uint64(r)&recordTypeMask == endOfBlock }
func (r Record) IsUnmatchedInput() bool  { return uint64(r) == 0 }
func (r Record) isOrphanBlockStart() bool { return uint64(r) == orphanStartOfBlock }

// TransactionPtr returns the TxPtr this transaction or output record
// points to.
func (r Record) TransactionPtr() ptr.TxPtr {
	v := uint64(r)
	return ptr.NewTxPtr(int16(uint16((v&0xFFFF_0000_0000)>>32)), v&0xFFFF_FFFF)
}

// BlockHeaderPtr returns the header pointer carried by an end-of-block
// record.
func (r Record) BlockHeaderPtr() ptr.BlockHeaderPtr {
	return ptr.NewBlockHeaderPtr(0, uint64(r)&0xFFFF_FFFF)
}

// BlockBodySize returns the record count carried by an end-of-block record.
func (r Record) BlockBodySize() uint64 {
	return (uint64(r) & 0x3FFF_FFFF_0000_0000) >> 32
}

// PreviousBlockEndIndex returns the record index of the previous block's
// end-of-block record, carried by a (non-orphan) start-of-block record.
func (r Record) PreviousBlockEndIndex() uint64 {
	return uint64(r) &^ startOfBlock
}

// toTransaction strips the output index from an output record, yielding
// the equivalent transaction record that must also exist in the tree.
func (r Record) toTransaction() Record {
	return Record(uint64(r) & 0x0000_FFFF_FFFF_FFFF)
}

// Hash returns a small, non-cryptographic fingerprint of a transaction or
// output record, used as the SpendIndex key. Distinct records can share a
// fingerprint: an output's fingerprint is its transaction's fingerprint
// plus 1 plus the output index.
func (r Record) Hash() uint64 {
	v := uint64(r)
	return ((v & 0xFFFF_FFFF_FFFF) >> 4) + (v >> 62) + ((v & 0x3FFF_0000_0000_0000) >> 48)
}

func (r Record) String() string {
	return fmt.Sprintf("REC %016X", uint64(r))
}

// RecordPtr addresses a Record by its index into the single spend-tree
// file. The spend tree is kept in one file by design (see
// original_source/src/store/spent_tree/record.rs): FileNumber must
// always be 0.
type RecordPtr struct {
	index uint64
}

// NewRecordPtr constructs a RecordPtr from a (file number, file offset)
// pair, as required to satisfy ptr.FlatFilePtr / flatfile.NewPtrFunc.
// fileNumber must be 0.
func NewRecordPtr(fileNumber int16, fileOffset uint64) RecordPtr {
	if fileNumber != 0 {
		panic("spendtree: the spend tree must live in a single file")
	}
	return RecordPtr{index: (fileOffset - flatfile.InitialWritePos) / 8}
}

// RecordPtrFromIndex constructs a RecordPtr directly from a record index.
func RecordPtrFromIndex(index uint64) RecordPtr {
	return RecordPtr{index: index}
}

func (p RecordPtr) FileNumber() int16  { return 0 }
func (p RecordPtr) FileOffset() uint64 { return flatfile.InitialWritePos + p.index*8 }

// Index returns the record's position in the spend-tree array.
func (p RecordPtr) Index() uint64 { return p.index }

// BlockPtr always points at a start-of-block record; it is the value
// stored in the block HashIndex to look blocks up by hash.
type BlockPtr struct {
	Start   RecordPtr
	Length  uint64
	IsGuard bool
}

// End returns a pointer to the block's end-of-block record.
func (b BlockPtr) End() RecordPtr {
	return RecordPtrFromIndex(b.Start.Index() + b.Length - 1)
}

// ToGuard returns a copy of b marked as a guard (the block it names has
// not yet been seen; b is a placeholder for a child awaiting it).
func (b BlockPtr) ToGuard() BlockPtr {
	b.IsGuard = true
	return b
}

// ToNonGuard returns a copy of b with the guard flag cleared.
func (b BlockPtr) ToNonGuard() BlockPtr {
	b.IsGuard = false
	return b
}
