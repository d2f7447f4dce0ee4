package wire

import (
	"errors"
	"fmt"

	"chainstore/internal/chainhash"
)

// MaxBlockSize is the largest raw block the store will parse.
const MaxBlockSize = 1_000_000

// MaxTxSize is the largest raw transaction the store will parse.
const MaxTxSize = 1_000_000

const blockHeaderSize = 80

var (
	// ErrOversizeBlock is returned when a raw block exceeds MaxBlockSize.
	ErrOversizeBlock = errors.New("wire: block exceeds maximum size")
	// ErrOversizeTx is returned when a raw transaction exceeds MaxTxSize.
	ErrOversizeTx = errors.New("wire: transaction exceeds maximum size")
	// ErrEmptyInputs is returned by a transaction with zero inputs.
	ErrEmptyInputs = errors.New("wire: transaction has no inputs")
	// ErrEmptyOutputs is returned by a transaction with zero outputs.
	ErrEmptyOutputs = errors.New("wire: transaction has no outputs")
	// ErrDuplicateInput is returned when two inputs spend the same
	// (prev tx hash, index) pair.
	ErrDuplicateInput = errors.New("wire: duplicate input")
	// ErrTrailingBytes is returned when a decode leaves unconsumed input.
	ErrTrailingBytes = errors.New("wire: trailing bytes after last transaction")
)

// BlockHeader is the fixed 80-byte block header.
type BlockHeader struct {
	Version    uint32
	PrevHash   chainhash.Hash
	MerkleRoot chainhash.Hash
	Time       uint32
	Bits       uint32
	Nonce      uint32
}

// DecodeBlockHeader parses the leading 80 bytes of raw.
func DecodeBlockHeader(raw []byte) (BlockHeader, error) {
	if len(raw) < blockHeaderSize {
		return BlockHeader{}, ErrTruncated
	}
	r := NewReader(raw[:blockHeaderSize])
	var h BlockHeader
	var err error
	if h.Version, err = r.U32(); err != nil {
		return BlockHeader{}, err
	}
	prev, err := r.Bytes(chainhash.Size)
	if err != nil {
		return BlockHeader{}, err
	}
	h.PrevHash = chainhash.FromSlice(prev)
	root, err := r.Bytes(chainhash.Size)
	if err != nil {
		return BlockHeader{}, err
	}
	h.MerkleRoot = chainhash.FromSlice(root)
	if h.Time, err = r.U32(); err != nil {
		return BlockHeader{}, err
	}
	if h.Bits, err = r.U32(); err != nil {
		return BlockHeader{}, err
	}
	if h.Nonce, err = r.U32(); err != nil {
		return BlockHeader{}, err
	}
	return h, nil
}

// Encode serializes h to its canonical 80-byte form.
func (h BlockHeader) Encode() []byte {
	w := NewWriter()
	w.PutU32(h.Version)
	w.PutBytes(h.PrevHash[:])
	w.PutBytes(h.MerkleRoot[:])
	w.PutU32(h.Time)
	w.PutU32(h.Bits)
	w.PutU32(h.Nonce)
	return w.Bytes()
}

// Hash returns the double-SHA256 of the encoded header.
func (h BlockHeader) Hash() chainhash.Hash { return chainhash.Double(h.Encode()) }

// TxIn is one transaction input.
type TxIn struct {
	PrevTxHash chainhash.Hash
	PrevIndex  uint32
	ScriptSig  []byte
	Sequence   uint32
}

// IsNull reports whether in names no real previous output: the sentinel
// a coinbase's sole input uses in place of a spent transaction.
func (in TxIn) IsNull() bool {
	return chainhash.IsZero(in.PrevTxHash)
}

// TxOut is one transaction output.
type TxOut struct {
	Value    int64
	PkScript []byte
}

// Transaction is a fully decoded transaction.
type Transaction struct {
	Version  int32
	Inputs   []TxIn
	Outputs  []TxOut
	LockTime uint32
}

// DecodeTransaction parses one transaction from the front of raw,
// returning the number of bytes consumed.
func DecodeTransaction(raw []byte) (Transaction, int, error) {
	r := NewReader(raw)
	tx, err := decodeTransaction(r)
	if err != nil {
		return Transaction{}, 0, err
	}
	return tx, r.Pos(), nil
}

func decodeTransaction(r *Reader) (Transaction, error) {
	var tx Transaction
	v, err := r.I32()
	if err != nil {
		return Transaction{}, err
	}
	tx.Version = v

	inCount, err := r.CompactSize()
	if err != nil {
		return Transaction{}, err
	}
	tx.Inputs = make([]TxIn, inCount)
	for i := range tx.Inputs {
		hash, err := r.Bytes(chainhash.Size)
		if err != nil {
			return Transaction{}, err
		}
		tx.Inputs[i].PrevTxHash = chainhash.FromSlice(hash)
		if tx.Inputs[i].PrevIndex, err = r.U32(); err != nil {
			return Transaction{}, err
		}
		if tx.Inputs[i].ScriptSig, err = r.VarBytes(); err != nil {
			return Transaction{}, err
		}
		if tx.Inputs[i].Sequence, err = r.U32(); err != nil {
			return Transaction{}, err
		}
	}

	outCount, err := r.CompactSize()
	if err != nil {
		return Transaction{}, err
	}
	tx.Outputs = make([]TxOut, outCount)
	for i := range tx.Outputs {
		val, err := r.I64()
		if err != nil {
			return Transaction{}, err
		}
		tx.Outputs[i].Value = val
		if tx.Outputs[i].PkScript, err = r.VarBytes(); err != nil {
			return Transaction{}, err
		}
	}

	if tx.LockTime, err = r.U32(); err != nil {
		return Transaction{}, err
	}
	return tx, nil
}

// Encode serializes tx to its canonical wire form.
func (tx Transaction) Encode() []byte {
	w := NewWriter()
	w.PutI32(tx.Version)
	w.PutCompactSize(uint64(len(tx.Inputs)))
	for _, in := range tx.Inputs {
		w.PutBytes(in.PrevTxHash[:])
		w.PutU32(in.PrevIndex)
		w.PutVarBytes(in.ScriptSig)
		w.PutU32(in.Sequence)
	}
	w.PutCompactSize(uint64(len(tx.Outputs)))
	for _, out := range tx.Outputs {
		w.PutI64(out.Value)
		w.PutVarBytes(out.PkScript)
	}
	w.PutU32(tx.LockTime)
	return w.Bytes()
}

// Hash returns the double-SHA256 of the encoded transaction.
func (tx Transaction) Hash() chainhash.Hash { return chainhash.Double(tx.Encode()) }

// IsCoinbase reports whether tx is a coinbase transaction: its sole input
// names no real previous output.
func (tx Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].IsNull()
}

// Validate enforces the syntax rules that gate storage: non-empty
// inputs/outputs, no duplicate inputs, size within MaxTxSize.
func (tx Transaction) Validate() error {
	if len(tx.Inputs) == 0 {
		return ErrEmptyInputs
	}
	if len(tx.Outputs) == 0 {
		return ErrEmptyOutputs
	}
	if len(tx.Encode()) > MaxTxSize {
		return ErrOversizeTx
	}
	seen := make(map[string]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		key := string(in.PrevTxHash[:]) + fmt.Sprint(in.PrevIndex)
		if _, ok := seen[key]; ok {
			return ErrDuplicateInput
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Block is a fully decoded block: header plus transactions.
type Block struct {
	Header       BlockHeader
	Transactions []Transaction
}

// DecodeBlock parses raw as a complete block, rejecting input over
// MaxBlockSize before doing any work.
func DecodeBlock(raw []byte) (Block, error) {
	if len(raw) > MaxBlockSize {
		return Block{}, ErrOversizeBlock
	}
	header, err := DecodeBlockHeader(raw)
	if err != nil {
		return Block{}, err
	}
	r := NewReader(raw[blockHeaderSize:])
	txCount, err := r.CompactSize()
	if err != nil {
		return Block{}, err
	}
	txs := make([]Transaction, txCount)
	for i := range txs {
		tx, err := decodeTransaction(r)
		if err != nil {
			return Block{}, fmt.Errorf("wire: decode transaction %d: %w", i, err)
		}
		txs[i] = tx
	}
	if r.Remaining() != 0 {
		return Block{}, ErrTrailingBytes
	}
	return Block{Header: header, Transactions: txs}, nil
}

// Encode serializes b to its canonical wire form.
func (b Block) Encode() []byte {
	w := NewWriter()
	w.PutBytes(b.Header.Encode())
	w.PutCompactSize(uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		w.PutBytes(tx.Encode())
	}
	return w.Bytes()
}
