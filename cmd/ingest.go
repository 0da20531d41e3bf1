package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/memberworks/membersync/internal/model"
)

var (
	ingestResume string
	ingestDryRun bool
	ingestSheet  string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>",
	Short: "Verify and import a membership batch file",
	Long:  "Reads an XLSX or CSV batch, validates identity codes, verifies members against the voter roll, and upserts the results. A run paused by the hourly quota can be continued with --resume.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("ingest"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		p, err := initPipeline(st, ingestDryRun)
		if err != nil {
			return err
		}

		batch, err := readBatch(args[0], cfg.Ingest.SheetIndex, batchSheet(ingestSheet))
		if err != nil {
			return eris.Wrapf(err, "ingest: read %s", args[0])
		}

		var run *model.Run
		if ingestResume != "" {
			run, _, err = p.Resume(ctx, ingestResume, batch)
		} else {
			run, _, err = p.Run(ctx, batch)
		}
		if err != nil {
			return eris.Wrap(err, "ingest")
		}

		printSummary(run)
		return nil
	},
}

func printSummary(run *model.Run) {
	s := run.Summary
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Run:\t%s\n", run.ID)
	fmt.Fprintf(w, "Status:\t%s\n", run.Status)
	if s == nil {
		w.Flush() //nolint:errcheck
		return
	}
	fmt.Fprintf(w, "Total rows:\t%d\n", s.Total)
	fmt.Fprintf(w, "Imported:\t%d\n", s.Imported)
	fmt.Fprintf(w, "Skipped:\t%d\n", s.Skipped)
	fmt.Fprintf(w, "Invalid:\t%d\n", s.Invalid)
	fmt.Fprintf(w, "Duplicates:\t%d\n", s.Duplicates)
	fmt.Fprintf(w, "Existing:\t%d\n", s.Existing)
	fmt.Fprintf(w, "New:\t%d\n", s.New)
	w.Flush() //nolint:errcheck

	if s.Paused {
		fmt.Printf("\nRun paused by the hourly quota at row index %d.\n", s.ResumeIndex)
		if run.ResetTime != nil {
			fmt.Printf("Quota resets at %s. Continue with:\n", run.ResetTime.Format("15:04 MST"))
		}
		fmt.Printf("  membersync ingest --resume %s <file>\n", run.ID)
	}
	for _, e := range s.Errors {
		fmt.Fprintf(os.Stderr, "  %s\n", e)
	}
}

func init() {
	ingestCmd.Flags().StringVar(&ingestResume, "resume", "", "resume a paused run by ID")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "verify and report without writing members")
	ingestCmd.Flags().StringVar(&ingestSheet, "sheet", "", "XLSX sheet name (overrides the configured default)")
	rootCmd.AddCommand(ingestCmd)
}
