// Command chainstore-cli is the operator-facing front door to the store:
// add-block, add-tx, get-block, get-tx, stats and init-genesis, each
// implemented in chainstore/cmd/cli.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"chainstore/cmd/cli"
)

func main() {
	root := &cobra.Command{Use: "chainstore-cli"}
	root.PersistentFlags().String("root-dir", "./data", "storage root directory")
	root.PersistentFlags().Int("tx-cache-entries", 0, "transaction store decoded-output cache size (0 selects the default)")

	cli.RegisterAddBlock(root)
	cli.RegisterAddTx(root)
	cli.RegisterGetBlock(root)
	cli.RegisterGetTx(root)
	cli.RegisterStats(root)
	cli.RegisterInitGenesis(root)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
