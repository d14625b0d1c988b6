package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"taskcal/internal/ics"
)

func newNextCmd(opts *rootOptions) *cobra.Command {
	var (
		veventPath string
		count      int
		from       string
	)
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Print the upcoming occurrences of a VEVENT schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			vevent, err := readVEvent(veventPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			sched, err := ics.ParseSchedule(vevent)
			if err != nil {
				return err
			}

			start := time.Now().UTC()
			if from != "" {
				if start, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			for _, t := range ics.Upcoming(sched, start, count) {
				fmt.Fprintln(out, t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&veventPath, "vevent", "", "VEVENT file, or - for stdin")
	cmd.Flags().IntVar(&count, "count", 5, "number of occurrences")
	cmd.Flags().StringVar(&from, "from", "", "start instant (RFC 3339), default now")
	return cmd
}
