package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"cronix/internal/task/cronclock"
)

func cronCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect cron expressions",
	}

	var (
		n       int
		seconds bool
		tz      string
	)
	next := &cobra.Command{
		Use:   "next <expression>",
		Short: "Print the next fire times of an expression",
		Example: `  cronix cron next "*/15 9-17 * * MON-FRI" -n 3
  cronix cron next "0 30 2 * * *" --seconds --tz Asia/Jakarta`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opt := cronclock.Options{Seconds: seconds}
			if tz != "" {
				loc, err := time.LoadLocation(tz)
				if err != nil {
					return fmt.Errorf("--tz: %w", err)
				}
				opt.Location = loc
			}
			clock := cronclock.New(opt)
			times, err := clock.NextN(args[0], time.Now(), n)
			if errors.Is(err, cronclock.ErrNoFire) {
				fmt.Fprintln(cmd.OutOrStdout(), "(never fires)")
				return nil
			}
			if err != nil {
				return err
			}
			now := time.Now()
			for _, t := range times {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  (%s)\n", t.Format(time.RFC3339), humanize.RelTime(t, now, "ago", "from now"))
			}
			return nil
		},
	}
	next.Flags().IntVarP(&n, "count", "n", 5, "number of fire times")
	next.Flags().BoolVar(&seconds, "seconds", false, "expression has a leading seconds field")
	next.Flags().StringVar(&tz, "tz", "", "IANA timezone (default local)")

	cmd.AddCommand(next)
	return cmd
}
