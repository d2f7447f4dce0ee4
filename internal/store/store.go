// Package store wires every storage subsystem together into the
// orchestration spec.md §4.6 describes: add_block, add_transaction,
// get_block and get_transaction. It is the only package that understands
// the block-addition algorithm end to end; every other package exposes a
// narrow, independently-testable primitive.
package store

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"chainstore/internal/chainhash"
	"chainstore/internal/consensus"
	"chainstore/internal/flatfile"
	"chainstore/internal/hashindex"
	"chainstore/internal/merkle"
	"chainstore/internal/metrics"
	"chainstore/internal/ptr"
	"chainstore/internal/spendindex"
	"chainstore/internal/spendtree"
	"chainstore/internal/txstore"
	"chainstore/internal/wire"
	"chainstore/pkg/utils"
)

const (
	headerFileSize       = 1 * 1024 * 1024 * 1024
	headerMaxContentSize = headerFileSize - 10*1024*1024
)

// ErrMerkleMismatch is returned when a block's declared merkle root does
// not match the root computed from its transactions.
var ErrMerkleMismatch = errors.New("store: merkle root mismatch")

// ErrNotFound is returned by GetBlock/GetTransaction when hash names
// nothing that has a published, non-guard entry.
var ErrNotFound = errors.New("store: hash not found")

// Config configures Open.
type Config struct {
	// RootDir is the directory each subsystem's subdirectory is created
	// under.
	RootDir string
	// TxCacheEntries bounds the transaction store's decoded-output cache.
	// Zero selects txstore.DefaultCacheEntries.
	TxCacheEntries int
	// Verifier runs script verification for spending inputs. Nil selects
	// consensus.P2PKHVerifier{}.
	Verifier consensus.Verifier
}

// Store is the top-level handle orchestrating every subsystem.
type Store struct {
	headers    *flatfile.Set[ptr.BlockHeaderPtr]
	txIndex    *hashindex.HashIndex[ptr.TxPtr]
	blockIndex *hashindex.HashIndex[spendtree.BlockPtr]
	tree       *spendtree.SpendTree
	spendIdx   *spendindex.SpendIndex
	txs        *txstore.Store
	verifier   consensus.Verifier

	log *logrus.Entry

	// mu serializes add_block/add_transaction orchestration. Each
	// subsystem mutates lock-free on its own, but the multi-step
	// guard/connect protocol below assumes a single orchestrator drives
	// it at a time; concurrent callers still get correct results, just
	// not concurrent progress.
	mu sync.Mutex
}

// Open opens (or creates) every subsystem under cfg.RootDir.
func Open(cfg Config) (*Store, error) {
	if cfg.RootDir == "" {
		return nil, errors.New("store: RootDir is required")
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = consensus.P2PKHVerifier{}
	}

	headers, err := flatfile.Open(cfg.RootDir+"/bh", "bh", headerFileSize, headerMaxContentSize, ptr.NewBlockHeaderPtr)
	if err != nil {
		return nil, utils.Wrap(err, "open block headers")
	}
	txIndex, err := hashindex.Open(cfg.RootDir+"/hi", "hi", txPtrSize, encodeTxPtr, decodeTxPtr, isTxPtrGuard)
	if err != nil {
		return nil, utils.Wrap(err, "open transaction hash index")
	}
	blockIndex, err := hashindex.Open(cfg.RootDir+"/bi", "bi", blockPtrSize, encodeBlockPtr, decodeBlockPtr, isBlockPtrGuard)
	if err != nil {
		return nil, utils.Wrap(err, "open block hash index")
	}
	tree, err := spendtree.Open(cfg.RootDir + "/st")
	if err != nil {
		return nil, utils.Wrap(err, "open spend tree")
	}
	spendIdx, err := spendindex.Open(cfg.RootDir + "/si")
	if err != nil {
		return nil, utils.Wrap(err, "open spend index")
	}
	txs, err := txstore.Open(cfg.RootDir+"/txstore", cfg.TxCacheEntries)
	if err != nil {
		return nil, utils.Wrap(err, "open transaction store")
	}

	return &Store{
		headers:    headers,
		txIndex:    txIndex,
		blockIndex: blockIndex,
		tree:       tree,
		spendIdx:   spendIdx,
		txs:        txs,
		verifier:   verifier,
		log:        logrus.WithField("component", "store"),
	}, nil
}

// Close releases every subsystem's underlying file set.
func (s *Store) Close() error {
	for _, c := range []func() error{
		s.headers.Close,
		s.txIndex.Close,
		s.blockIndex.Close,
		s.tree.Close,
		s.spendIdx.Close,
		s.txs.Close,
	} {
		if err := c(); err != nil {
			return err
		}
	}
	return nil
}

// resolvedInput is what processTransaction learned about one input while
// running the tx HashIndex guard protocol: whether the previous
// transaction was already known, and if so, where.
type resolvedInput struct {
	ptr   ptr.TxPtr
	found bool
}

type txResult struct {
	hash     chainhash.Hash
	ptr      ptr.TxPtr
	inputs   []wire.TxIn
	resolved []resolvedInput
}

// processTransaction validates, stores and indexes one transaction: the
// shared core of both add_transaction and add_block's per-transaction
// step 3.
func (s *Store) processTransaction(raw []byte) (*txResult, error) {
	tx, _, err := wire.DecodeTransaction(raw)
	if err != nil {
		return nil, utils.Wrap(err, "decode transaction")
	}
	if err := tx.Validate(); err != nil {
		return nil, utils.Wrap(err, "validate transaction")
	}
	hash := tx.Hash()

	txPtr, err := s.txs.Write(tx)
	if err != nil {
		return nil, utils.Wrap(err, "store transaction")
	}

	resolved := make([]resolvedInput, len(tx.Inputs))
	for i, in := range tx.Inputs {
		if in.IsNull() {
			// A coinbase's sole input names no real previous output: it
			// never guards against, verifies, or produces a record for a
			// transaction hash index entry, matching the original
			// get_output_records' null-prevout filter.
			continue
		}
		guard := txPtr.WithInput(uint16(i))
		prevPtr, found, err := s.txIndex.GetOrSet(in.PrevTxHash, guard)
		if err != nil {
			return nil, utils.Wrap(err, "guard input against transaction hash index")
		}
		if !found {
			// The referenced transaction has not arrived yet; the guard
			// just deposited defers verification until it does.
			continue
		}

		prevOut, err := s.txs.ReadOutput(prevPtr, in.PrevIndex)
		if err != nil {
			return nil, utils.Wrap(err, "read spent output")
		}
		if err := s.verifier.VerifyInput(prevOut.PkScript, raw, i); err != nil {
			return nil, utils.Wrap(err, "script verification")
		}
		resolved[i] = resolvedInput{ptr: prevPtr, found: true}
	}

	if err := s.publishTransactionHash(hash, txPtr); err != nil {
		return nil, err
	}

	return &txResult{hash: hash, ptr: txPtr, inputs: tx.Inputs, resolved: resolved}, nil
}

// publishTransactionHash is step 3.e: set(hash, tx_ptr, expected =
// guards_observed). On conflict it re-reads the current guard list,
// reverse-verifies any guard it has not already resolved (a tx that
// started waiting on hash after this call began), and retries.
func (s *Store) publishTransactionHash(hash chainhash.Hash, txPtr ptr.TxPtr) error {
	verified := make(map[ptr.TxPtr]bool)

	guards, err := s.txIndex.Get(hash)
	if err != nil {
		return utils.Wrap(err, "read transaction hash index guards")
	}

	for {
		for _, g := range guards {
			if !g.IsGuard() || verified[g] {
				continue
			}
			if err := s.resolveWaitingTransaction(g, txPtr); err != nil {
				return err
			}
			verified[g] = true
		}

		ok, err := s.txIndex.Set(hash, txPtr, guards, false)
		if err != nil {
			return utils.Wrap(err, "publish transaction hash")
		}
		if ok {
			return nil
		}

		metrics.CASRetries.WithLabelValues("store").Inc()
		guards, err = s.txIndex.Get(hash)
		if err != nil {
			return utils.Wrap(err, "read transaction hash index guards")
		}
	}
}

// resolveWaitingTransaction runs reverse script verification for guard: a
// transaction that deposited a back-reference because it spent
// resolvedPtr's transaction before that transaction had arrived.
func (s *Store) resolveWaitingTransaction(guard, resolvedPtr ptr.TxPtr) error {
	waitingTx, err := s.txs.Read(guard)
	if err != nil {
		return utils.Wrap(err, "read waiting transaction")
	}
	inputIndex := int(guard.InputIndex())
	if inputIndex < 0 || inputIndex >= len(waitingTx.Inputs) {
		return fmt.Errorf("store: guard input index %d out of range (%d inputs)", inputIndex, len(waitingTx.Inputs))
	}

	prevOut, err := s.txs.ReadOutput(resolvedPtr, waitingTx.Inputs[inputIndex].PrevIndex)
	if err != nil {
		return utils.Wrap(err, "read resolved output")
	}
	if err := s.verifier.VerifyInput(prevOut.PkScript, waitingTx.Encode(), inputIndex); err != nil {
		return utils.Wrap(err, "reverse script verification")
	}
	return nil
}

// AddTransaction is the add_transaction(&mut Store, raw) entry point.
func (s *Store) AddTransaction(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.processTransaction(raw)
	if err != nil {
		s.log.WithError(err).Warn("add_transaction rejected")
		return err
	}
	return nil
}

// GetTransaction is the get_transaction(hash) entry point.
func (s *Store) GetTransaction(hash chainhash.Hash) (wire.Transaction, error) {
	values, err := s.txIndex.Get(hash)
	if err != nil {
		return wire.Transaction{}, err
	}
	for _, v := range values {
		if !v.IsGuard() {
			return s.txs.Read(v)
		}
	}
	return wire.Transaction{}, ErrNotFound
}

// processTransactionsParallel runs processTransaction over every
// transaction in a block, split into GOMAXPROCS chunks processed
// concurrently, mirroring merkle.reduceLevel's chunking. Results land at
// their original index regardless of completion order, since the block's
// merkle root and SpendTree record order both depend on it.
func (s *Store) processTransactionsParallel(txs []wire.Transaction) ([]*txResult, error) {
	results := make([]*txResult, len(txs))
	if len(txs) == 0 {
		return results, nil
	}

	workers := runtime.GOMAXPROCS(0)
	if workers > len(txs) {
		workers = len(txs)
	}
	chunk := (len(txs) + workers - 1) / workers

	g, _ := errgroup.WithContext(context.Background())
	for start := 0; start < len(txs); start += chunk {
		end := start + chunk
		if end > len(txs) {
			end = len(txs)
		}
		start, end := start, end
		g.Go(func() error {
			for i := start; i < end; i++ {
				raw := txs[i].Encode()
				r, err := s.processTransaction(raw)
				if err != nil {
					return fmt.Errorf("transaction %d: %w", i, err)
				}
				results[i] = r
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// workItem is one entry of the bounded work list that replaces the
// recursive "connect waiting children" step described in spec.md §4.6
// step 7. blockHash is the key this block is (or will be) published
// under in the block HashIndex.
type workItem struct {
	blockHash chainhash.Hash
	block     spendtree.BlockPtr
}

// AddBlock is the add_block(&mut Store, raw) entry point.
func (s *Store) AddBlock(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := wire.DecodeBlock(raw)
	if err != nil {
		return utils.Wrap(err, "decode block")
	}
	blockHash := block.Header.Hash()

	existing, err := s.blockIndex.Get(blockHash)
	if err != nil {
		return utils.Wrap(err, "read block hash index")
	}
	for _, v := range existing {
		if !v.IsGuard {
			s.log.WithField("block", blockHash.String()).Debug("add_block: already connected")
			return nil
		}
	}

	results, err := s.processTransactionsParallel(block.Transactions)
	if err != nil {
		return err
	}

	leaves := make([]chainhash.Hash, len(results))
	for i, r := range results {
		leaves[i] = r.hash
	}
	if got := merkle.Root(leaves); got != block.Header.MerkleRoot {
		return fmt.Errorf("%w: got %s, want %s", ErrMerkleMismatch, got, block.Header.MerkleRoot)
	}

	headerPtr, err := s.headers.Write(block.Header.Encode())
	if err != nil {
		return utils.Wrap(err, "store block header")
	}

	records := make([]spendtree.Record, 0, len(results)*2)
	for _, r := range results {
		records = append(records, spendtree.NewTransaction(r.ptr))
		for i, in := range r.inputs {
			if in.IsNull() {
				// No record at all for a coinbase's null-prevout input:
				// there is no previous output to match or leave unmatched.
				continue
			}
			if r.resolved[i].found {
				records = append(records, spendtree.NewOutput(r.resolved[i].ptr, in.PrevIndex))
			} else {
				records = append(records, spendtree.NewUnmatchedInput())
			}
		}
	}

	target, err := s.tree.StoreBlock(headerPtr, records)
	if err != nil {
		return utils.Wrap(err, "store block body")
	}

	// A block naming the all-zero hash as its parent carries no real
	// parent to wait for: it is a genesis block, and its own orphan
	// start-of-block record plays the role the chain root normally would.
	// It publishes immediately rather than guarding against the zero hash,
	// which is never a real block's hash.
	if !chainhash.IsZero(block.Header.PrevHash) {
		parent, found, err := s.blockIndex.GetOrSet(block.Header.PrevHash, target.ToGuard())
		if err != nil {
			return utils.Wrap(err, "guard block against parent")
		}
		if !found {
			s.log.WithField("block", blockHash.String()).Debug("add_block: parent not yet known, staying orphan")
			return nil
		}

		if err := s.tree.ConnectBlock(s.spendIdx, parent, target); err != nil {
			return utils.Wrap(err, "connect block")
		}
		metrics.BlocksConnected.Inc()
	}

	return s.drainWorkList([]workItem{{blockHash: blockHash, block: target}})
}

// drainWorkList runs step 7's "set, then connect any waiting children"
// loop iteratively rather than recursively, so a long chain of orphans
// resolving in a burst cannot overflow the stack.
func (s *Store) drainWorkList(workList []workItem) error {
	for len(workList) > 0 {
		item := workList[0]
		workList = workList[1:]

		guards, err := s.blockIndex.Get(item.blockHash)
		if err != nil {
			return utils.Wrap(err, "read block hash index")
		}

		for {
			ok, err := s.blockIndex.Set(item.blockHash, item.block.ToNonGuard(), guards, false)
			if err != nil {
				return utils.Wrap(err, "publish block hash")
			}
			if ok {
				break
			}
			metrics.CASRetries.WithLabelValues("store").Inc()
			guards, err = s.blockIndex.Get(item.blockHash)
			if err != nil {
				return utils.Wrap(err, "read block hash index")
			}
		}

		for _, g := range guards {
			if !g.IsGuard {
				continue
			}
			child := g.ToNonGuard()

			if err := s.resolveOrphanPointers(child); err != nil {
				return utils.Wrap(err, "resolve orphan pointers")
			}
			if err := s.tree.ConnectBlock(s.spendIdx, item.block, child); err != nil {
				return utils.Wrap(err, "connect waiting child")
			}
			metrics.BlocksConnected.Inc()

			childHash, err := s.blockHashOf(child)
			if err != nil {
				return utils.Wrap(err, "read connected child's header")
			}
			workList = append(workList, workItem{blockHash: childHash, block: child})
		}
	}
	return nil
}

// inputSlot is what resolveOrphanPointers reconstructs for one
// UNMATCHED_INPUT record by walking the block's own transaction bodies,
// per spec.md §4.6's "carried in the block's transaction bodies".
type inputSlot struct {
	prevHash  chainhash.Hash
	prevIndex uint32
}

// resolveOrphanPointers is revolve_orphan_pointers(block): for every
// UNMATCHED_INPUT record, re-derive which (prev tx hash, prev index) it
// stands for from the block's own transactions, and replace it with a
// resolved OUTPUT record if the transaction HashIndex now has an answer.
func (s *Store) resolveOrphanPointers(block spendtree.BlockPtr) error {
	records, err := s.tree.GetBlock(block)
	if err != nil {
		return err
	}

	slots := make(map[int]inputSlot)
	for i := 1; i < len(records)-1; {
		rec := records[i]
		if !rec.IsTransaction() {
			i++
			continue
		}
		tx, err := s.txs.Read(rec.TransactionPtr())
		if err != nil {
			return utils.Wrap(err, "read block transaction")
		}
		i++
		for _, in := range tx.Inputs {
			if in.IsNull() {
				// No record was emitted for a coinbase's null-prevout
				// input; the record stream has nothing to advance past.
				continue
			}
			if i >= len(records)-1 {
				break
			}
			if records[i].IsUnmatchedInput() {
				slots[i] = inputSlot{prevHash: in.PrevTxHash, prevIndex: in.PrevIndex}
			}
			i++
		}
	}

	return s.tree.ResolveOrphanPointers(block, func(recordIndex int) (spendtree.Record, bool) {
		slot, ok := slots[recordIndex]
		if !ok {
			return 0, false
		}
		values, err := s.txIndex.Get(slot.prevHash)
		if err != nil {
			s.log.WithError(err).Warn("resolve_orphan_pointers: hash index lookup failed")
			return 0, false
		}
		for _, v := range values {
			if !v.IsGuard() {
				return spendtree.NewOutput(v, slot.prevIndex), true
			}
		}
		return 0, false
	})
}

// blockHashOf recomputes the hash of an already-stored block by reading
// its header back out through its end-of-block record.
func (s *Store) blockHashOf(block spendtree.BlockPtr) (chainhash.Hash, error) {
	end, err := s.tree.GetRecord(block.End())
	if err != nil {
		return chainhash.Hash{}, err
	}
	raw, err := s.headers.Read(end.BlockHeaderPtr())
	if err != nil {
		return chainhash.Hash{}, err
	}
	header, err := wire.DecodeBlockHeader(raw)
	if err != nil {
		return chainhash.Hash{}, err
	}
	return header.Hash(), nil
}

// GetBlock is the get_block(hash) entry point.
func (s *Store) GetBlock(hash chainhash.Hash) (spendtree.BlockPtr, error) {
	values, err := s.blockIndex.Get(hash)
	if err != nil {
		return spendtree.BlockPtr{}, err
	}
	for _, v := range values {
		if !v.IsGuard {
			return v, nil
		}
	}
	return spendtree.BlockPtr{}, ErrNotFound
}

// GetBlockRecords returns a connected or orphan block's full record
// slice; a thin convenience wrapper used by the CLI and tests that want
// to inspect a block's SpendTree span without reaching into
// internal/spendtree directly.
func (s *Store) GetBlockRecords(b spendtree.BlockPtr) ([]spendtree.Record, error) {
	return s.tree.GetBlock(b)
}
