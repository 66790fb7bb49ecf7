package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"cronix/internal/app"
	"cronix/internal/config"
)

func serveCmd(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(); err != nil {
				return err
			}
			a, err := app.NewApp(*cfgPath)
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}
			// No-op unless started by systemd with Type=notify.
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			reason := app.StopAppStop
			select {
			case s := <-sigs:
				reason = app.StopSIGTERM
				if s == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			runErr := a.Err()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			if reason == app.StopFatalError && runErr != nil {
				return runErr
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 30*time.Second, "upper bound for graceful shutdown")
	return cmd
}
