package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/y9c-cli/internal/archive"
	"github.com/sells-group/y9c-cli/internal/model"
	"github.com/sells-group/y9c-cli/internal/store"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show load history and raw-archive cache state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")
		failed, _ := cmd.Flags().GetBool("failed")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		f := store.LoadFilter{Limit: limit}
		if failed {
			f.Status = model.LoadFailed
		}
		entries, err := env.Store.ListLoads(ctx, f)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		latest, err := env.Store.LatestPeriod(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if latest != nil {
			fmt.Printf("Latest stored period: %s\n\n", latest)
		}

		if len(entries) == 0 {
			zap.L().Info("no load history found, run 'y9c init' or 'y9c update' to load data")
		} else {
			formatLoadEntries(os.Stdout, entries)
		}

		cached, err := env.Cache.List()
		if err != nil {
			return err
		}
		fmt.Println()
		formatCacheEntries(os.Stdout, cached)
		return nil
	},
}

func init() {
	statusCmd.Flags().Int("limit", 20, "maximum load history rows")
	statusCmd.Flags().Bool("failed", false, "only show failed loads")
	rootCmd.AddCommand(statusCmd)
}

// formatLoadEntries writes a tabular representation of load history entries to w.
func formatLoadEntries(out io.Writer, entries []model.LoadEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPERIOD\tSOURCE\tSTATUS\tSTARTED\tDURATION\tRECORDS\tCACHED\tERROR")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t------\t-------\t--------\t-------\t------\t-----")

	for _, e := range entries {
		dur := "-"
		if e.CompletedAt != nil {
			d := e.CompletedAt.Sub(e.StartedAt).Round(time.Second)
			dur = d.String()
		}

		errMsg := ""
		if e.Error != "" {
			errMsg = truncate(e.Error, 60)
		}

		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%t\t%s\n",
			e.ID,
			e.Period,
			e.Source,
			e.Status,
			e.StartedAt.Format("2006-01-02 15:04"),
			dur,
			e.Records,
			e.Cached,
			errMsg,
		)
	}
	_ = w.Flush()
}

// formatCacheEntries writes the raw-archive cache listing to w.
func formatCacheEntries(out io.Writer, entries []archive.Entry) {
	_, _ = fmt.Fprintf(out, "Cached archives: %d\n", len(entries))
	if len(entries) == 0 {
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PERIOD\tSOURCE\tSIZE\tMODIFIED\tVALID")
	for _, e := range entries {
		valid := "yes"
		if !e.Valid {
			valid = "no: " + truncate(e.Problem, 50)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			e.Period, e.Source, e.Size, e.ModTime.Format("2006-01-02 15:04"), valid)
	}
	_ = w.Flush()
}
