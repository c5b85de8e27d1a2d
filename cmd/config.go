package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/y9c-cli/internal/config"
	"github.com/sells-group/y9c-cli/internal/mdrm"
	"github.com/sells-group/y9c-cli/internal/source"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective tracking configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		catalog, err := mdrm.Load(cfg.Tracking.MetricsFile)
		if err != nil {
			return err
		}
		formatConfig(os.Stdout, cfg, catalog)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

// formatConfig writes the tracked institutions, sources, and catalog counts to out.
func formatConfig(out io.Writer, c *config.Config, catalog *mdrm.Catalog) {
	sel := source.NewSelector(c.Cutover())

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Tracked RSSD IDs:\t%v\n", c.Tracking.RSSDIDs)
	_, _ = fmt.Fprintf(w, "Start year:\t%d\n", c.Tracking.StartYear)
	_, _ = fmt.Fprintf(w, "Cutover:\t%s (earlier periods from %s, later from %s)\n",
		sel.Cutover, source.Chicago, source.NIC)
	_, _ = fmt.Fprintf(w, "NIC URL:\t%s\n", c.Sources.NICURL)
	_, _ = fmt.Fprintf(w, "Chicago URL:\t%s\n", c.Sources.ChicagoURL)
	_, _ = fmt.Fprintf(w, "Publication lag:\t%d days\n", c.Sources.PublicationLagDays)
	_, _ = fmt.Fprintf(w, "Cache dir:\t%s\n", c.Fetch.CacheDir)
	_, _ = fmt.Fprintf(w, "Manual dir:\t%s\n", c.Fetch.ManualDir)
	_, _ = fmt.Fprintf(w, "Store:\t%s\n", c.Store.Driver)
	_ = w.Flush()

	metrics := c.Tracking.MetricsFile
	if metrics == "" {
		metrics = "(embedded)"
	}
	_, _ = fmt.Fprintf(out, "\nMetric catalog %s: %d items\n", metrics, catalog.Len())
	counts := catalog.Counts()
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, st := range mdrm.Statements {
		_, _ = fmt.Fprintf(w, "  %s\t%d\n", st, counts[st])
	}
	_ = w.Flush()
}
