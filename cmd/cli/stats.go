package cli

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"chainstore/internal/metrics"
)

var statsCmd = &cobra.Command{
	Use:               "stats",
	Short:             "Dump the running process's store metrics in Prometheus text format",
	Args:              cobra.NoArgs,
	PersistentPreRunE: ensureStore,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := prometheus.NewRegistry()
		metrics.MustRegister(reg)

		families, err := reg.Gather()
		if err != nil {
			return err
		}
		enc := expfmt.NewEncoder(os.Stdout, expfmt.FmtText)
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				return err
			}
		}
		return nil
	},
}

// RegisterStats adds the stats command to root.
func RegisterStats(root *cobra.Command) { root.AddCommand(statsCmd) }
