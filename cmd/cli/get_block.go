package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chainstore/internal/chainhash"
)

var getBlockCmd = &cobra.Command{
	Use:               "get-block <hash>",
	Short:             "Look up a connected block by its display-order hash",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: ensureStore,
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := chainhash.NewFromDisplayHex(args[0])
		if err != nil {
			return err
		}
		block, err := theStore.GetBlock(hash)
		if err != nil {
			return fmt.Errorf("get-block: %w", err)
		}
		records, err := theStore.GetBlockRecords(block)
		if err != nil {
			return fmt.Errorf("get-block: %w", err)
		}
		fmt.Printf("block %s: %d records\n", hash, len(records))
		for i, r := range records {
			fmt.Printf("  [%d] %s\n", i, r)
		}
		return nil
	},
}

// RegisterGetBlock adds the get-block command to root.
func RegisterGetBlock(root *cobra.Command) { root.AddCommand(getBlockCmd) }
