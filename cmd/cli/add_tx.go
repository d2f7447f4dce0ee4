package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var addTxCmd = &cobra.Command{
	Use:               "add-tx <file>",
	Short:             "Decode and store a raw transaction from a hex-encoded file",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: ensureStore,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readHexFile(args[0])
		if err != nil {
			return err
		}
		if err := theStore.AddTransaction(raw); err != nil {
			return fmt.Errorf("add-tx: %w", err)
		}
		fmt.Println("transaction stored")
		return nil
	},
}

// RegisterAddTx adds the add-tx command to root.
func RegisterAddTx(root *cobra.Command) { root.AddCommand(addTxCmd) }
