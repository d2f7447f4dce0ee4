package spendtree

import (
	"errors"
	"testing"

	"chainstore/internal/ptr"
	"chainstore/internal/spendindex"
)

func TestStoreBlockRecordSequence(t *testing.T) {
	tree, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tree.Close()

	header := ptr.NewBlockHeaderPtr(0, 0x1000)
	tx := ptr.NewTxPtr(0, 0x2000)

	block, err := tree.StoreBlock(header, []Record{NewTransaction(tx)})
	if err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}
	if block.Length != 3 {
		t.Fatalf("block.Length = %d, want 3 (start, transaction, end)", block.Length)
	}

	records, err := tree.GetBlock(block)
	if err != nil {
		t.Fatalf("GetBlock: %v", err)
	}
	if !records[0].IsBlockStart() || !records[0].isOrphanBlockStart() {
		t.Fatalf("records[0] = %v, want an orphan start-of-block record", records[0])
	}
	if !records[1].IsTransaction() {
		t.Fatalf("records[1] = %v, want a transaction record", records[1])
	}
	if !records[2].IsBlockEnd() {
		t.Fatalf("records[2] = %v, want an end-of-block record", records[2])
	}
	if got := records[2].BlockHeaderPtr().FileOffset(); got != header.FileOffset() {
		t.Fatalf("end-of-block header offset = %d, want %d", got, header.FileOffset())
	}
}

func TestConnectBlockVerifiesSpendExists(t *testing.T) {
	dir := t.TempDir()
	tree, err := Open(dir)
	if err != nil {
		t.Fatalf("Open(tree): %v", err)
	}
	defer tree.Close()

	index, err := spendindex.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open(index): %v", err)
	}
	defer index.Close()

	genesisTx := ptr.NewTxPtr(0, 0x2000)
	block1, err := tree.StoreBlock(ptr.NewBlockHeaderPtr(0, 0x1000), []Record{NewTransaction(genesisTx)})
	if err != nil {
		t.Fatalf("StoreBlock(block1): %v", err)
	}

	// block1 is never connected: its orphan start-of-block record plays
	// the role of the chain's genesis.

	block2, err := tree.StoreBlock(ptr.NewBlockHeaderPtr(0, 0x1100), []Record{NewOutput(genesisTx, 0)})
	if err != nil {
		t.Fatalf("StoreBlock(block2): %v", err)
	}

	if err := tree.ConnectBlock(index, block1, block2); err != nil {
		t.Fatalf("ConnectBlock(block2 onto block1): %v", err)
	}

	spent, err := index.Exists(NewOutput(genesisTx, 0).Hash())
	if err != nil {
		t.Fatalf("index.Exists: %v", err)
	}
	if !spent {
		t.Fatalf("expected the spent output's fingerprint to be recorded in the index")
	}
}

func TestConnectBlockRejectsDoubleSpendAcrossForks(t *testing.T) {
	dir := t.TempDir()
	tree, err := Open(dir)
	if err != nil {
		t.Fatalf("Open(tree): %v", err)
	}
	defer tree.Close()

	index, err := spendindex.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open(index): %v", err)
	}
	defer index.Close()

	genesisTx := ptr.NewTxPtr(0, 0x2000)
	block1, err := tree.StoreBlock(ptr.NewBlockHeaderPtr(0, 0x1000), []Record{NewTransaction(genesisTx)})
	if err != nil {
		t.Fatalf("StoreBlock(block1): %v", err)
	}

	block2a, err := tree.StoreBlock(ptr.NewBlockHeaderPtr(0, 0x1100), []Record{NewOutput(genesisTx, 0)})
	if err != nil {
		t.Fatalf("StoreBlock(block2a): %v", err)
	}
	block2b, err := tree.StoreBlock(ptr.NewBlockHeaderPtr(0, 0x1200), []Record{NewOutput(genesisTx, 0)})
	if err != nil {
		t.Fatalf("StoreBlock(block2b): %v", err)
	}

	if err := tree.ConnectBlock(index, block1, block2a); err != nil {
		t.Fatalf("ConnectBlock(block2a): %v", err)
	}

	// Connecting the competing fork reuses the same SpendIndex, which has
	// no notion of chain tips (see DESIGN.md OQ1): it reports the output
	// as already spent even though block2b is a different branch. A real
	// reorg onto block2b must first call SpendIndex.Rebuild walking only
	// the new best chain.
	err = tree.ConnectBlock(index, block1, block2b)
	if !errors.Is(err, ErrOutputAlreadySpent) {
		t.Fatalf("ConnectBlock(block2b) = %v, want ErrOutputAlreadySpent", err)
	}
}

func TestConnectBlockSealsParentInteriorIntoIndex(t *testing.T) {
	dir := t.TempDir()
	tree, err := Open(dir)
	if err != nil {
		t.Fatalf("Open(tree): %v", err)
	}
	defer tree.Close()

	index, err := spendindex.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open(index): %v", err)
	}
	defer index.Close()

	genesisTx := ptr.NewTxPtr(0, 0x2000)
	grandparent, err := tree.StoreBlock(ptr.NewBlockHeaderPtr(0, 0x1000), []Record{NewTransaction(genesisTx)})
	if err != nil {
		t.Fatalf("StoreBlock(grandparent): %v", err)
	}

	parentSpend := NewOutput(genesisTx, 0)
	parent, err := tree.StoreBlock(ptr.NewBlockHeaderPtr(0, 0x1100), []Record{parentSpend})
	if err != nil {
		t.Fatalf("StoreBlock(parent): %v", err)
	}
	if err := tree.ConnectBlock(index, grandparent, parent); err != nil {
		t.Fatalf("ConnectBlock(parent): %v", err)
	}

	child, err := tree.StoreBlock(ptr.NewBlockHeaderPtr(0, 0x1200), []Record{NewTransaction(ptr.NewTxPtr(0, 0x3000))})
	if err != nil {
		t.Fatalf("StoreBlock(child): %v", err)
	}
	if err := tree.ConnectBlock(index, parent, child); err != nil {
		t.Fatalf("ConnectBlock(child): %v", err)
	}

	spent, err := index.Exists(parentSpend.Hash())
	if err != nil {
		t.Fatalf("index.Exists: %v", err)
	}
	if !spent {
		t.Fatalf("expected parent's interior spend to be sealed into the index once child connects")
	}
}

func TestConnectBlockRejectsSpendOfNonAncestorTransaction(t *testing.T) {
	dir := t.TempDir()
	tree, err := Open(dir)
	if err != nil {
		t.Fatalf("Open(tree): %v", err)
	}
	defer tree.Close()

	index, err := spendindex.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open(index): %v", err)
	}
	defer index.Close()

	// foreignTx lives only on an unrelated chain; it is never stored,
	// connected or sealed anywhere b's own lineage below can reach.
	foreignTx := ptr.NewTxPtr(0, 0x9000)

	b0, err := tree.StoreBlock(ptr.NewBlockHeaderPtr(0, 0x1000), []Record{NewTransaction(ptr.NewTxPtr(0, 0x2000))})
	if err != nil {
		t.Fatalf("StoreBlock(b0): %v", err)
	}
	b1, err := tree.StoreBlock(ptr.NewBlockHeaderPtr(0, 0x1100), []Record{NewTransaction(ptr.NewTxPtr(0, 0x3000))})
	if err != nil {
		t.Fatalf("StoreBlock(b1): %v", err)
	}
	if err := tree.ConnectBlock(index, b0, b1); err != nil {
		t.Fatalf("ConnectBlock(b1): %v", err)
	}

	// b2 claims to spend foreignTx's output 0. Walking back from b2 crosses
	// b1's boundary (1) and then b0's boundary (2), at which point the walk
	// must defer to the index rather than assume foreignTx is an ancestor.
	b2, err := tree.StoreBlock(ptr.NewBlockHeaderPtr(0, 0x1200), []Record{NewOutput(foreignTx, 0)})
	if err != nil {
		t.Fatalf("StoreBlock(b2): %v", err)
	}

	err = tree.ConnectBlock(index, b1, b2)
	if !errors.Is(err, ErrOutputNotFound) {
		t.Fatalf("ConnectBlock(b2) = %v, want ErrOutputNotFound", err)
	}
}

func TestResolveOrphanPointers(t *testing.T) {
	tree, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer tree.Close()

	block, err := tree.StoreBlock(ptr.NewBlockHeaderPtr(0, 0x1000), []Record{NewUnmatchedInput()})
	if err != nil {
		t.Fatalf("StoreBlock: %v", err)
	}

	resolved := NewTransaction(ptr.NewTxPtr(0, 0x4000))
	err = tree.ResolveOrphanPointers(block, func(i int) (Record, bool) {
		if i != 1 {
			return 0, false
		}
		return resolved, true
	})
	if err != nil {
		t.Fatalf("ResolveOrphanPointers: %v", err)
	}

	got, err := tree.GetRecord(RecordPtrFromIndex(block.Start.Index() + 1))
	if err != nil {
		t.Fatalf("GetRecord: %v", err)
	}
	if got != resolved {
		t.Fatalf("record after resolve = %v, want %v", got, resolved)
	}
}
