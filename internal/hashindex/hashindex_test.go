package hashindex

import (
	"encoding/binary"
	"testing"

	"chainstore/internal/chainhash"
	"chainstore/internal/ptr"
)

const txPtrSize = 10 // fileOffset(4) + fileNumber(2) + inputIndex(2) + 2 bytes padding to keep field math simple

func encodeTxPtr(p ptr.TxPtr) []byte {
	buf := make([]byte, txPtrSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.FileOffset()))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(p.FileNumber()))
	if p.IsGuard() {
		binary.LittleEndian.PutUint16(buf[6:8], p.InputIndex())
	} else {
		binary.LittleEndian.PutUint16(buf[6:8], 0xFFFF)
	}
	return buf
}

func decodeTxPtr(b []byte) ptr.TxPtr {
	off := uint64(binary.LittleEndian.Uint32(b[0:4]))
	num := int16(binary.LittleEndian.Uint16(b[4:6]))
	input := binary.LittleEndian.Uint16(b[6:8])
	p := ptr.NewTxPtr(num, off)
	if input != 0xFFFF {
		p = p.WithInput(input)
	}
	return p
}

func isTxPtrGuard(p ptr.TxPtr) bool { return p.IsGuard() }

func openTestIndex(t *testing.T) *HashIndex[ptr.TxPtr] {
	t.Helper()
	idx, err := Open(t.TempDir(), "hi", txPtrSize, encodeTxPtr, decodeTxPtr, isTxPtrGuard)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return idx
}

func TestSetAndGet(t *testing.T) {
	idx := openTestIndex(t)
	defer idx.Close()

	hash := chainhash.Double([]byte("tx-one"))
	tx := ptr.NewTxPtr(0, 123)

	ok, err := idx.Set(hash, tx, nil, false)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !ok {
		t.Fatalf("Set reported conflict on empty slot")
	}

	values, err := idx.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(values) != 1 || values[0].FileOffset() != 123 {
		t.Fatalf("Get = %v, want [offset 123]", values)
	}
}

func TestSetRejectsUnexpectedExistingEntries(t *testing.T) {
	idx := openTestIndex(t)
	defer idx.Close()

	hash := chainhash.Double([]byte("tx-two"))
	guard := ptr.NewTxPtr(0, 1).WithInput(0)

	if _, _, err := idx.GetOrSet(hash, guard); err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}

	// A Set with an expected-guards list that does not exactly match the
	// stored guard must be rejected, not silently accepted.
	other := ptr.NewTxPtr(0, 2).WithInput(0)
	ok, err := idx.Set(hash, ptr.NewTxPtr(0, 999), []ptr.TxPtr{other}, false)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ok {
		t.Fatalf("Set should have been rejected: stored guard does not match expected set")
	}

	// The correct expected set succeeds.
	ok, err = idx.Set(hash, ptr.NewTxPtr(0, 999), []ptr.TxPtr{guard}, false)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !ok {
		t.Fatalf("Set should have succeeded with the exact guard set")
	}
}

func TestGetOrSetReturnsExistingNonGuardValue(t *testing.T) {
	idx := openTestIndex(t)
	defer idx.Close()

	hash := chainhash.Double([]byte("tx-three"))
	tx := ptr.NewTxPtr(0, 42)

	if ok, err := idx.Set(hash, tx, nil, false); err != nil || !ok {
		t.Fatalf("Set: ok=%v err=%v", ok, err)
	}

	value, found, err := idx.GetOrSet(hash, ptr.NewTxPtr(0, 1).WithInput(0))
	if err != nil {
		t.Fatalf("GetOrSet: %v", err)
	}
	if !found || value.FileOffset() != 42 {
		t.Fatalf("GetOrSet = (%v,%v), want (offset 42, true)", value, found)
	}
}

func TestGetOrSetAccumulatesGuards(t *testing.T) {
	idx := openTestIndex(t)
	defer idx.Close()

	hash := chainhash.Double([]byte("tx-four"))
	g1 := ptr.NewTxPtr(0, 1).WithInput(0)
	g2 := ptr.NewTxPtr(0, 2).WithInput(1)

	if _, found, err := idx.GetOrSet(hash, g1); err != nil || found {
		t.Fatalf("GetOrSet g1: found=%v err=%v", found, err)
	}
	if _, found, err := idx.GetOrSet(hash, g2); err != nil || found {
		t.Fatalf("GetOrSet g2: found=%v err=%v", found, err)
	}

	values, err := idx.Get(hash)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !exhaustiveEqual(values, []ptr.TxPtr{g1, g2}) {
		t.Fatalf("Get = %v, want the two accumulated guards", values)
	}
}
