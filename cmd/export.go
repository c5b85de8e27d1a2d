package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/y9c-cli/internal/export"
	"github.com/sells-group/y9c-cli/internal/mdrm"
	"github.com/sells-group/y9c-cli/internal/period"
	"github.com/sells-group/y9c-cli/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored records to CSV or XLSX",
	Long: `Writes stored records to --out. CSV output is one file per statement plus
y9c_all.csv; XLSX output is one workbook with a sheet per statement.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		opts, err := parseExportOpts(cmd)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		paths, err := export.New(env.Store, env.Catalog).Export(ctx, opts)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Println(p)
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().String("out", "data/export", "output directory")
	exportCmd.Flags().String("format", "csv", "output format: csv, xlsx")
	exportCmd.Flags().String("statement", "", "limit to one statement: balance_sheet, income_statement, insurance, memoranda")
	exportCmd.Flags().Int64Slice("rssd", nil, "RSSD IDs to export (default all stored)")
	exportCmd.Flags().String("from", "", "first period (e.g. 2020Q1)")
	exportCmd.Flags().String("to", "", "last period (e.g. 2024Q4)")
	rootCmd.AddCommand(exportCmd)
}

// parseExportOpts extracts export.Options from the cobra command flags.
func parseExportOpts(cmd *cobra.Command) (export.Options, error) {
	out, _ := cmd.Flags().GetString("out")
	formatStr, _ := cmd.Flags().GetString("format")
	statementStr, _ := cmd.Flags().GetString("statement")
	ids, _ := cmd.Flags().GetInt64Slice("rssd")
	fromStr, _ := cmd.Flags().GetString("from")
	toStr, _ := cmd.Flags().GetString("to")

	format, err := export.ParseFormat(formatStr)
	if err != nil {
		return export.Options{}, err
	}

	opts := export.Options{Dir: out, Format: format, Filter: store.Filter{RSSD: ids}}

	if statementStr != "" {
		st, err := mdrm.ParseStatement(statementStr)
		if err != nil {
			return export.Options{}, err
		}
		opts.Statement = st
	}

	if fromStr != "" {
		p, err := period.Parse(fromStr)
		if err != nil {
			return export.Options{}, err
		}
		opts.Filter.From = &p
	}
	if toStr != "" {
		p, err := period.Parse(toStr)
		if err != nil {
			return export.Options{}, err
		}
		opts.Filter.To = &p
	}

	return opts, nil
}
