package spendtree

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"chainstore/internal/flatfile"
	"chainstore/internal/ptr"
	"chainstore/internal/spendindex"
)

const (
	fileSize       = 16 * 1024 * 1024 * 1024
	maxContentSize = fileSize - 10*1024*1024
)

// ErrOutputNotFound is returned when an input claims to spend an output
// that does not appear anywhere in recorded history.
var ErrOutputNotFound = errors.New("spendtree: output not found")

// ErrOutputAlreadySpent is returned when an input claims to spend an
// output that a prior input has already consumed.
var ErrOutputAlreadySpent = errors.New("spendtree: output already spent")

// SpendTree is the append-only record log described in the package doc.
// It is always a single FlatFile (RecordPtr.FileNumber is always 0).
type SpendTree struct {
	fileset *flatfile.Set[RecordPtr]
}

// Open opens (or creates) the spend tree rooted at dir.
func Open(dir string) (*SpendTree, error) {
	fs, err := flatfile.Open(dir, "st", fileSize, maxContentSize, NewRecordPtr)
	if err != nil {
		return nil, err
	}
	return &SpendTree{fileset: fs}, nil
}

func encodeRecord(r Record) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(r))
	return b[:]
}

func decodeRecord(b []byte) Record {
	return Record(binary.LittleEndian.Uint64(b))
}

// GetRecord returns the record stored at p.
func (t *SpendTree) GetRecord(p RecordPtr) (Record, error) {
	b, err := t.fileset.ReadFixed(p, 8)
	if err != nil {
		return 0, err
	}
	return decodeRecord(b), nil
}

// setRecord overwrites the record at p in place; used only to replace a
// placeholder (orphan block start, unmatched input) once its real value
// becomes known.
func (t *SpendTree) setRecord(p RecordPtr, r Record) error {
	ff, err := t.fileset.FlatFile(p.FileNumber())
	if err != nil {
		return err
	}
	ff.WriteAt(encodeRecord(r), p.FileOffset())
	return nil
}

// GetAllRecords returns every record written so far, in order. Meant for
// tests and diagnostics, not the hot path.
func (t *SpendTree) GetAllRecords() ([]Record, error) {
	ff, err := t.fileset.FlatFile(0)
	if err != nil {
		return nil, err
	}
	n := int((ff.WriteCursor() - flatfile.InitialWritePos) / 8)
	records := make([]Record, n)
	for i := 0; i < n; i++ {
		records[i] = decodeRecord(ff.ReadAt(flatfile.InitialWritePos+uint64(i)*8, 8))
	}
	return records, nil
}

// GetBlock returns b's full record slice, from its start-of-block record
// through its end-of-block record inclusive.
func (t *SpendTree) GetBlock(b BlockPtr) ([]Record, error) {
	buf, err := t.fileset.ReadFixed(b.Start, int(b.Length)*8)
	if err != nil {
		return nil, err
	}
	records := make([]Record, b.Length)
	for i := range records {
		records[i] = decodeRecord(buf[i*8 : i*8+8])
	}
	return records, nil
}

// StoreBlock appends a new block to the tree: an orphan start-of-block
// placeholder (ConnectBlock later replaces it once the parent block is
// known), the caller's transaction/output/unmatched-input records in
// order, and an end-of-block record referencing headerPtr.
func (t *SpendTree) StoreBlock(headerPtr ptr.BlockHeaderPtr, records []Record) (BlockPtr, error) {
	full := make([]Record, 0, len(records)+2)
	full = append(full, NewOrphanBlockStart())
	full = append(full, records...)
	full = append(full, NewBlockEnd(headerPtr, len(records)))

	buf := make([]byte, len(full)*8)
	for i, r := range full {
		copy(buf[i*8:i*8+8], encodeRecord(r))
	}

	startPtr, err := t.fileset.WriteFixed(buf)
	if err != nil {
		return BlockPtr{}, fmt.Errorf("spendtree: store block: %w", err)
	}
	return BlockPtr{Start: startPtr, Length: uint64(len(full))}, nil
}

// ResolveOrphanPointers scans target for unmatched-input placeholders and
// replaces each with a proper output record once resolve can name the
// output it spends. A placeholder resolve cannot yet explain is left in
// place for a later block to try again.
func (t *SpendTree) ResolveOrphanPointers(target BlockPtr, resolve func(recordIndex int) (Record, bool)) error {
	for i := uint64(1); i < target.Length-1; i++ {
		p := RecordPtrFromIndex(target.Start.Index() + i)
		rec, err := t.GetRecord(p)
		if err != nil {
			return err
		}
		if !rec.IsUnmatchedInput() {
			continue
		}
		resolved, ok := resolve(int(i))
		if !ok {
			continue
		}
		if err := t.setRecord(p, resolved); err != nil {
			return err
		}
	}
	return nil
}

// VerifySpent confirms that the output target claims to spend exists in
// recorded history, walking backward from walkFrom. The walk is allowed
// to cross one block-start boundary (into target's immediate parent,
// which may not yet be reflected in index); crossing a second boundary
// means the output, if it exists at all, lives in already-sealed history
// that index summarizes authoritatively, so the walk defers to it there
// rather than continuing arbitrarily far back.
func (t *SpendTree) VerifySpent(index *spendindex.SpendIndex, walkFrom RecordPtr, target Record) error {
	seekTx := target.toTransaction()

	blocksCrossed := 0
	cur := walkFrom
	for {
		rec, err := t.GetRecord(cur)
		if err != nil {
			return err
		}

		switch {
		case rec.IsOutput() && rec == target:
			return ErrOutputAlreadySpent

		case rec.IsTransaction() && rec == seekTx:
			return nil

		case rec.isOrphanBlockStart():
			return ErrOutputNotFound

		case rec.IsBlockStart():
			blocksCrossed++
			if blocksCrossed > 1 {
				// Beyond the immediate parent, sealed history no longer walks:
				// index must already carry seek_tx itself if it is truly an
				// ancestor of target, and whether target was already spent.
				txSealed, err := index.Exists(seekTx.Hash())
				if err != nil {
					return err
				}
				if !txSealed {
					return ErrOutputNotFound
				}
				spent, err := index.Exists(target.Hash())
				if err != nil {
					return err
				}
				if spent {
					return ErrOutputAlreadySpent
				}
				return nil
			}
			cur = RecordPtrFromIndex(rec.PreviousBlockEndIndex())
			continue
		}

		if cur.Index() == 0 {
			return ErrOutputNotFound
		}
		cur = RecordPtrFromIndex(cur.Index() - 1)
	}
}

// ConnectBlock links target onto previous (replacing target's orphan
// start-of-block placeholder with a real link) and verifies every output
// target's transactions spend: that it exists, and that nothing else —
// neither already-sealed history nor another input within target itself
// — has already spent it. Verified spends are recorded in index. Checks
// run concurrently, one goroutine per candidate input, since each walks
// an independent path through the tree.
func (t *SpendTree) ConnectBlock(index *spendindex.SpendIndex, previous, target BlockPtr) error {
	if err := t.setRecord(target.Start, NewBlockStart(previous)); err != nil {
		return err
	}

	records, err := t.GetBlock(target)
	if err != nil {
		return err
	}

	var claimedThisBlock sync.Map // fingerprint -> struct{}

	g, _ := errgroup.WithContext(context.Background())
	for i, rec := range records {
		i, rec := i, rec
		if !rec.IsOutput() {
			continue
		}
		g.Go(func() error {
			fp := rec.Hash()
			if _, already := claimedThisBlock.LoadOrStore(fp, struct{}{}); already {
				return fmt.Errorf("%w: %s", ErrOutputAlreadySpent, rec)
			}

			spent, err := index.Exists(fp)
			if err != nil {
				return err
			}
			if spent {
				return fmt.Errorf("%w: %s", ErrOutputAlreadySpent, rec)
			}

			walkFrom := RecordPtrFromIndex(target.Start.Index() + uint64(i) - 1)
			if err := t.VerifySpent(index, walkFrom, rec); err != nil {
				return fmt.Errorf("%w: %s", err, rec)
			}
			return index.Set(fp)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// previous is now sealed one level deeper: target may itself gain
	// children whose own VerifySpent walk crosses target to reach
	// previous, at which point VerifySpent stops walking and defers to
	// index instead. Make sure previous's own spent outputs, and the
	// transactions those children might still need to find, are already
	// reflected there before that happens. index.Set is idempotent, so
	// re-sealing an already-sealed parent (previous had other children
	// before target) costs nothing beyond the redundant CAS attempts.
	prevRecords, err := t.GetBlock(previous)
	if err != nil {
		return err
	}
	for i := 1; i < len(prevRecords)-1; i++ {
		rec := prevRecords[i]
		if !rec.IsOutput() && !rec.IsTransaction() {
			continue
		}
		if err := index.Set(rec.Hash()); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying file set.
func (t *SpendTree) Close() error {
	return t.fileset.Close()
}
