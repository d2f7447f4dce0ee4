package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initGenesisFile string

var initGenesisCmd = &cobra.Command{
	Use:               "init-genesis",
	Short:             "Add the bundled genesis block (or one named by --file) to an empty store",
	Args:              cobra.NoArgs,
	PersistentPreRunE: ensureStore,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := initGenesisFile
		if path == "" {
			path = "testdata/genesis_block.hex"
		}
		raw, err := readHexFile(path)
		if err != nil {
			return err
		}
		if err := theStore.AddBlock(raw); err != nil {
			return fmt.Errorf("init-genesis: %w", err)
		}
		fmt.Println("genesis block connected")
		return nil
	},
}

func init() {
	initGenesisCmd.Flags().StringVar(&initGenesisFile, "file", "", "path to a hex-encoded block (default: bundled mainnet genesis)")
}

// RegisterInitGenesis adds the init-genesis command to root.
func RegisterInitGenesis(root *cobra.Command) { root.AddCommand(initGenesisCmd) }
