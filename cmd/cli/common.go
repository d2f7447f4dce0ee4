// Package cli implements the chainstore-cli cobra subcommands: add-block,
// add-tx, get-block, get-tx, stats and init-genesis. Each subcommand lives
// in its own file and exposes a RegisterX function the command's binary
// uses to attach it to a root command, the way the teacher's master node
// commands do.
package cli

import (
	"github.com/spf13/cobra"

	"chainstore/internal/store"
)

// theStore is the single Store instance every subcommand in this process
// shares, opened lazily by ensureStore on first use.
var theStore *store.Store

// ensureStore opens theStore from the --root-dir persistent flag if it has
// not already been opened. It is wired as each subcommand's
// PersistentPreRunE so a fresh invocation of the binary always has a store
// ready before its RunE runs.
func ensureStore(cmd *cobra.Command, _ []string) error {
	if theStore != nil {
		return nil
	}
	rootDir, err := cmd.Flags().GetString("root-dir")
	if err != nil {
		return err
	}
	cacheEntries, err := cmd.Flags().GetInt("tx-cache-entries")
	if err != nil {
		return err
	}
	s, err := store.Open(store.Config{RootDir: rootDir, TxCacheEntries: cacheEntries})
	if err != nil {
		return err
	}
	theStore = s
	return nil
}
