package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/y9c-cli/internal/ingest"
	"github.com/sells-group/y9c-cli/internal/monitoring"
	"github.com/sells-group/y9c-cli/internal/period"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Full load over a year range",
	Long: `Loads every published quarter from --start through --end.

Periods before the source cutover come from the Chicago Fed archive, later
periods from the FFIEC NIC portal. Cached archives are reused.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetInt("start")
		end, _ := cmd.Flags().GetInt("end")
		if start == 0 {
			start = cfg.Tracking.StartYear
		}
		if end == 0 {
			end = time.Now().Year()
		}

		return runIngest(cmd, func(e *ingest.Engine) ([]period.Period, error) {
			return e.PlanFull(start, end, time.Now())
		})
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Load quarters newer than the latest stored period",
	Long:  "Incremental update: loads every published quarter strictly after the latest period in the store.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(cmd, func(e *ingest.Engine) ([]period.Period, error) {
			return e.PlanIncremental(cmd.Context(), time.Now())
		})
	},
}

var loadCmd = &cobra.Command{
	Use:   "load PERIOD [PERIOD...]",
	Short: "Load explicit periods (e.g. 2024Q4)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		periods, err := parsePeriods(args)
		if err != nil {
			return err
		}
		return runIngest(cmd, func(*ingest.Engine) ([]period.Period, error) {
			return periods, nil
		})
	},
}

func init() {
	initCmd.Flags().Int("start", 0, "first year (default tracking.start_year)")
	initCmd.Flags().Int("end", 0, "last year (default current year)")
	rootCmd.AddCommand(initCmd, updateCmd, loadCmd)
}

// runIngest plans, runs, and reports a batch, mapping the report onto the exit code.
func runIngest(cmd *cobra.Command, plan func(*ingest.Engine) ([]period.Period, error)) error {
	ctx := cmd.Context()
	log := zap.L().With(zap.String("command", cmd.Name()))

	env, err := initEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	engine, err := env.newEngine()
	if err != nil {
		return err
	}

	periods, err := plan(engine)
	if err != nil {
		return err
	}
	if len(periods) == 0 {
		log.Info("nothing to load, store is up to date")
		return nil
	}

	log.Info("loading periods",
		zap.String("from", periods[0].String()),
		zap.String("to", periods[len(periods)-1].String()),
		zap.Int("count", len(periods)),
		zap.Int64s("rssd_ids", cfg.Tracking.RSSDIDs),
	)

	rep := engine.Run(ctx, periods)
	formatReport(os.Stdout, rep)
	alertOnReport(context.WithoutCancel(ctx), env, rep)
	return reportError(rep)
}

// alertOnReport evaluates the run and posts any alerts to the configured
// webhook. Alerting problems are logged and never change the exit code.
func alertOnReport(ctx context.Context, env *appEnv, rep *ingest.Report) {
	snap, err := monitoring.NewCollector(env.Store, cfg.Sources.PublicationLagDays).Collect(ctx, rep, time.Now())
	if err != nil {
		zap.L().Warn("monitoring: collect failed", zap.Error(err))
		return
	}

	alerter := monitoring.NewAlerter(cfg.Monitoring)
	alerts := alerter.Evaluate(snap)
	for _, a := range alerts {
		zap.L().Warn("monitoring: alert",
			zap.String("type", string(a.Type)),
			zap.String("severity", a.Severity),
			zap.String("message", a.Message),
		)
	}
	if sent := alerter.SendAlerts(ctx, alerts); sent > 0 {
		zap.L().Info("monitoring: alerts delivered", zap.Int("sent", sent), zap.Int("total", len(alerts)))
	}
}

// reportError converts a failed report into an exitError.
func reportError(rep *ingest.Report) error {
	code := rep.ExitCode()
	if code == ingest.ExitOK {
		return nil
	}
	if rep.Fatal != nil {
		return &exitError{code: code, err: eris.Wrap(rep.Fatal, "ingest aborted")}
	}
	return &exitError{code: code, err: eris.Errorf("%d of %d period(s) failed", len(rep.Failures()), len(rep.Results))}
}

func parsePeriods(args []string) ([]period.Period, error) {
	var out []period.Period
	for _, a := range args {
		for _, s := range strings.Split(a, ",") {
			if strings.TrimSpace(s) == "" {
				continue
			}
			p, err := period.Parse(s)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// formatReport writes a per-period table and a failure summary to w.
func formatReport(out io.Writer, rep *ingest.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PERIOD\tSOURCE\tSTATUS\tCACHED\tRECORDS\tDROPPED\tSKIPPED\tELAPSED")
	_, _ = fmt.Fprintln(w, "------\t------\t------\t------\t-------\t-------\t-------\t-------")
	for _, r := range rep.Results {
		status := "loaded"
		if !r.OK() {
			status = r.Kind().String() + " failure"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%d\t%d\t%s\n",
			r.Period,
			r.Source,
			status,
			r.Cached,
			r.Records,
			r.Drops.Total(),
			r.Parse.Skipped,
			r.Elapsed.Round(time.Millisecond),
		)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\n%d loaded, %d failed, %d records\n", rep.Loaded(), len(rep.Failures()), rep.Records())
	for _, r := range rep.Failures() {
		_, _ = fmt.Fprintf(out, "  %s: %s\n", r.Period, truncate(r.Err.Error(), 160))
	}
	if rep.Fatal != nil {
		_, _ = fmt.Fprintf(out, "aborted: %v\n", rep.Fatal)
	}
}

// truncate shortens s to at most n runes, adding "..." if truncated.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= 3 {
		return string(runes[:n])
	}
	return string(runes[:n-3]) + "..."
}
