// Package consensus defines the external script-verification collaborator
// the store calls during block/transaction addition (spec's
// verify_script(prev_pk_script, spending_tx_raw, input_index)), plus a
// reference P2PKH implementation used by tests and the CLI demo path. The
// store itself never depends on a concrete Verifier beyond the interface.
package consensus

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // HASH160 requires this exact, obsolete construction

	"chainstore/internal/chainhash"
	"chainstore/internal/wire"
)

// ErrorCategory is the symbolic category spec.md §6 calls for alongside
// an opaque code; Code is the opaque integer itself.
type ErrorCategory int

const (
	CategoryScript ErrorCategory = iota
	CategorySignature
	CategoryScriptForm
)

// ScriptError is the error type a Verifier returns: an opaque code plus a
// symbolic category, per spec.md §6's external interface description.
type ScriptError struct {
	Code     int
	Category ErrorCategory
	Message  string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("consensus: script error %d (%v): %s", e.Code, e.Category, e.Message)
}

func newScriptError(code int, cat ErrorCategory, msg string) *ScriptError {
	return &ScriptError{Code: code, Category: cat, Message: msg}
}

// Verifier is the external script-verification callback the store invokes
// once per spending input. prevPkScript is the output being spent's
// locking script; spendingTxRaw is the full raw spending transaction;
// inputIndex identifies which input is being verified.
type Verifier interface {
	VerifyInput(prevPkScript, spendingTxRaw []byte, inputIndex int) error
}

// Standard P2PKH script template opcodes.
const (
	opDup         = 0x76
	opHash160     = 0xA9
	opData20      = 0x14
	opEqualVerify = 0x88
	opCheckSig    = 0xAC

	hash160Len = 20
)

// Hash160 computes ripemd160(sha256(b)), the standard Bitcoin address
// digest.
func Hash160(b []byte) [hash160Len]byte {
	sum := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(sum[:])
	var out [hash160Len]byte
	copy(out[:], h.Sum(nil))
	return out
}

// P2PKHVerifier checks the standard
// OP_DUP OP_HASH160 <20 bytes> OP_EQUALVERIFY OP_CHECKSIG locking script
// against a scriptSig carrying a DER signature and a compressed public key.
type P2PKHVerifier struct{}

// parseP2PKH extracts the 20-byte HASH160 from a standard locking script.
func parseP2PKH(pkScript []byte) ([hash160Len]byte, error) {
	var digest [hash160Len]byte
	if len(pkScript) != 5+hash160Len ||
		pkScript[0] != opDup || pkScript[1] != opHash160 || pkScript[2] != opData20 ||
		pkScript[3+hash160Len] != opEqualVerify || pkScript[4+hash160Len] != opCheckSig {
		return digest, newScriptError(1, CategoryScriptForm, "not a standard P2PKH locking script")
	}
	copy(digest[:], pkScript[3:3+hash160Len])
	return digest, nil
}

// parseScriptSig extracts (signature, pubkey) from a scriptSig built from
// two length-prefixed pushes: <len><sig><len><pubkey>.
func parseScriptSig(scriptSig []byte) (sig, pubkey []byte, err error) {
	if len(scriptSig) < 2 {
		return nil, nil, newScriptError(2, CategoryScriptForm, "scriptSig too short")
	}
	sigLen := int(scriptSig[0])
	if 1+sigLen >= len(scriptSig) {
		return nil, nil, newScriptError(2, CategoryScriptForm, "scriptSig signature push overruns buffer")
	}
	sig = scriptSig[1 : 1+sigLen]
	rest := scriptSig[1+sigLen:]
	if len(rest) < 1 {
		return nil, nil, newScriptError(2, CategoryScriptForm, "scriptSig missing pubkey push")
	}
	pubkeyLen := int(rest[0])
	if 1+pubkeyLen != len(rest) {
		return nil, nil, newScriptError(2, CategoryScriptForm, "scriptSig pubkey push overruns buffer")
	}
	pubkey = rest[1:]
	return sig, pubkey, nil
}

// VerifyInput implements Verifier.
func (P2PKHVerifier) VerifyInput(prevPkScript, spendingTxRaw []byte, inputIndex int) error {
	wantDigest, err := parseP2PKH(prevPkScript)
	if err != nil {
		return err
	}

	tx, _, err := wire.DecodeTransaction(spendingTxRaw)
	if err != nil {
		return newScriptError(3, CategoryScriptForm, "failed to decode spending transaction: "+err.Error())
	}
	if inputIndex < 0 || inputIndex >= len(tx.Inputs) {
		return newScriptError(4, CategoryScriptForm, "input index out of range")
	}

	sigDER, pubkeyBytes, err := parseScriptSig(tx.Inputs[inputIndex].ScriptSig)
	if err != nil {
		return err
	}

	pubkey, err := btcec.ParsePubKey(pubkeyBytes)
	if err != nil {
		return newScriptError(5, CategoryScriptForm, "invalid public key: "+err.Error())
	}
	if Hash160(pubkeyBytes) != wantDigest {
		return newScriptError(6, CategoryScript, "public key does not match locking script")
	}

	sig, err := ecdsa.ParseDERSignature(sigDER)
	if err != nil {
		return newScriptError(7, CategorySignature, "invalid DER signature: "+err.Error())
	}

	// The reference verifier signs the transaction bytes with every
	// scriptSig emptied rather than reproducing Bitcoin's legacy
	// script-substitution sighash algorithm, which belongs to the
	// out-of-scope script interpreter, not the storage engine; this is
	// enough to exercise the signature-checking path end to end for tests
	// and the CLI demo.
	unsigned := tx
	unsigned.Inputs = make([]wire.TxIn, len(tx.Inputs))
	copy(unsigned.Inputs, tx.Inputs)
	for i := range unsigned.Inputs {
		unsigned.Inputs[i].ScriptSig = nil
	}
	sighash := chainhash.Double(unsigned.Encode())
	if !sig.Verify(sighash[:], pubkey) {
		return newScriptError(8, CategorySignature, "signature verification failed")
	}
	return nil
}

// ErrUnsupportedScript is returned by callers that only understand P2PKH
// and encounter anything else.
var ErrUnsupportedScript = errors.New("consensus: unsupported script type")
