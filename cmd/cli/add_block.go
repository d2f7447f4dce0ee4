package cli

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var addBlockCmd = &cobra.Command{
	Use:               "add-block <file>",
	Short:             "Decode and connect a raw block from a hex-encoded file",
	Args:              cobra.ExactArgs(1),
	PersistentPreRunE: ensureStore,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readHexFile(args[0])
		if err != nil {
			return err
		}
		if err := theStore.AddBlock(raw); err != nil {
			return fmt.Errorf("add-block: %w", err)
		}
		fmt.Println("block connected")
		return nil
	},
}

func readHexFile(path string) ([]byte, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(contents)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return raw, nil
}

// RegisterAddBlock adds the add-block command to root.
func RegisterAddBlock(root *cobra.Command) { root.AddCommand(addBlockCmd) }
