package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Inspect the shared verification quota",
}

var ratelimitStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current hourly window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limiter, err := initLimiter()
		if err != nil {
			return err
		}

		st, err := limiter.Status(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "ratelimit status")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Backend:\t%s\n", cfg.RateLimit.Backend)
		fmt.Fprintf(w, "Used:\t%d / %d\n", st.Count, st.Capacity)
		fmt.Fprintf(w, "Remaining:\t%d\n", st.Remaining)
		fmt.Fprintf(w, "Resets:\t%s\n", st.ResetTime.Local().Format(time.Kitchen))
		switch {
		case st.Exceeded:
			fmt.Fprintf(w, "State:\texceeded\n")
		case st.Warning:
			fmt.Fprintf(w, "State:\twarning\n")
		default:
			fmt.Fprintf(w, "State:\tnormal\n")
		}
		w.Flush() //nolint:errcheck
		return nil
	},
}

func init() {
	ratelimitCmd.AddCommand(ratelimitStatusCmd)
	rootCmd.AddCommand(ratelimitCmd)
}
