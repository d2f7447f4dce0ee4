package store

import (
	"encoding/binary"

	"chainstore/internal/ptr"
	"chainstore/internal/spendtree"
)

// txPtrSize is the encoded width of a ptr.TxPtr as stored in a leaf of
// the transaction HashIndex: file number, file offset, guarded input
// index (0xFFFF when the pointer is not a guard).
const txPtrSize = 2 + 4 + 2

func encodeTxPtr(p ptr.TxPtr) []byte {
	b := make([]byte, txPtrSize)
	binary.LittleEndian.PutUint16(b[0:2], uint16(p.FileNumber()))
	binary.LittleEndian.PutUint32(b[2:6], uint32(p.FileOffset()))
	inputIndex := uint16(0xFFFF)
	if p.IsGuard() {
		inputIndex = p.InputIndex()
	}
	binary.LittleEndian.PutUint16(b[6:8], inputIndex)
	return b
}

func decodeTxPtr(b []byte) ptr.TxPtr {
	fileNumber := int16(binary.LittleEndian.Uint16(b[0:2]))
	fileOffset := uint64(binary.LittleEndian.Uint32(b[2:6]))
	inputIndex := binary.LittleEndian.Uint16(b[6:8])

	base := ptr.NewTxPtr(fileNumber, fileOffset)
	if inputIndex == 0xFFFF {
		return base
	}
	return base.WithInput(inputIndex)
}

func isTxPtrGuard(p ptr.TxPtr) bool { return p.IsGuard() }

// blockPtrSize is the encoded width of a spendtree.BlockPtr: the start
// record's index, the block's record count, and the guard flag.
const blockPtrSize = 8 + 8 + 1

func encodeBlockPtr(b spendtree.BlockPtr) []byte {
	buf := make([]byte, blockPtrSize)
	binary.LittleEndian.PutUint64(buf[0:8], b.Start.Index())
	binary.LittleEndian.PutUint64(buf[8:16], b.Length)
	if b.IsGuard {
		buf[16] = 1
	}
	return buf
}

func decodeBlockPtr(buf []byte) spendtree.BlockPtr {
	return spendtree.BlockPtr{
		Start:   spendtree.RecordPtrFromIndex(binary.LittleEndian.Uint64(buf[0:8])),
		Length:  binary.LittleEndian.Uint64(buf[8:16]),
		IsGuard: buf[16] == 1,
	}
}

func isBlockPtrGuard(b spendtree.BlockPtr) bool { return b.IsGuard }
