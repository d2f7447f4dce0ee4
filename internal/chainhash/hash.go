// Package chainhash adapts github.com/btcsuite/btcd/chaincfg/chainhash's
// double-SHA256 hash type to the store's needs: internal storage order is
// the raw digest order, while String/display order is byte-reversed, as
// specified for wire and explorer compatibility.
package chainhash

import (
	"fmt"

	btcchainhash "github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Size is the length in bytes of a Hash.
const Size = btcchainhash.HashSize

// Hash is a double-SHA256 digest, stored in internal byte order.
type Hash = btcchainhash.Hash

// Double returns the double-SHA256 of b.
func Double(b []byte) Hash {
	return btcchainhash.DoubleHashH(b)
}

// DoublePair hashes the concatenation of two hashes, as used by the
// merkle-tree reduction step.
func DoublePair(first, second Hash) Hash {
	var buf [Size * 2]byte
	copy(buf[:Size], first[:])
	copy(buf[Size:], second[:])
	return Double(buf[:])
}

// FromSlice copies a 32-byte slice into a Hash. It panics if b is not
// exactly Size bytes, matching the teacher's "caller validated length
// already" convention for internal parsing helpers.
func FromSlice(b []byte) Hash {
	h, err := btcchainhash.NewHash(b)
	if err != nil {
		panic(fmt.Sprintf("chainhash: %v", err))
	}
	return *h
}

// IsZero reports whether h consists entirely of zero bytes, the sentinel
// used for a genesis block's previous-block hash.
func IsZero(h Hash) bool {
	return h == Hash{}
}

// NewFromDisplayHex parses a reversed-order hex string (e.g. a hash as
// printed by Hash.String) back into a Hash.
func NewFromDisplayHex(s string) (Hash, error) {
	h, err := btcchainhash.NewHashFromStr(s)
	if err != nil {
		return Hash{}, fmt.Errorf("chainhash: decode hex: %w", err)
	}
	return *h, nil
}
