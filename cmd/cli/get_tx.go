package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chainstore/internal/chainhash"
)

var getTxCmd = &cobra.Command{
	Use:               "get-tx <hash>",
	Short:             "Look up a published transaction by its display-order hash",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: ensureStore,
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := chainhash.NewFromDisplayHex(args[0])
		if err != nil {
			return err
		}
		tx, err := theStore.GetTransaction(hash)
		if err != nil {
			return fmt.Errorf("get-tx: %w", err)
		}
		fmt.Printf("transaction %s: %d inputs, %d outputs\n", hash, len(tx.Inputs), len(tx.Outputs))
		for i, out := range tx.Outputs {
			fmt.Printf("  out[%d] value=%d pkscript=%x\n", i, out.Value, out.PkScript)
		}
		return nil
	},
}

// RegisterGetTx adds the get-tx command to root.
func RegisterGetTx(root *cobra.Command) { root.AddCommand(getTxCmd) }
