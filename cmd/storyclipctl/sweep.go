package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"storyclip/internal/storage"
	"storyclip/internal/worker"
)

func sweepCmd() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Run one stall watchdog pass and fail every stalled job",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := load(cmd)
			if err != nil {
				return err
			}
			pool, err := e.connectDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store := worker.NewJobStore(e.cfg, pool, e.log)
			wd := worker.NewWatchdog(e.cfg, store, worker.NewWorkspace(e.cfg), e.log)
			report, err := wd.Sweep(ctx)
			if err != nil {
				return err
			}

			w := cmd.Root().Writer
			fmt.Fprintf(w, "scanned %d active jobs, failed %d\n", report.Scanned, len(report.Failed))
			for _, id := range report.Failed {
				fmt.Fprintln(w, " ", id)
			}
			return nil
		},
	}
}

func purgeCmd() *cli.Command {
	return &cli.Command{
		Name:  "purge",
		Usage: "Remove jobs past retention together with their artifacts",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := load(cmd)
			if err != nil {
				return err
			}
			pool, err := e.connectDB(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			sp, err := storage.NewProvider(ctx, e.cfg.Storage)
			if err != nil {
				return err
			}

			store := worker.NewJobStore(e.cfg, pool, e.log)
			janitor := worker.NewJanitor(store, sp, worker.NewWorkspace(e.cfg), e.log)
			purged, err := janitor.Sweep(ctx)
			if err != nil {
				return err
			}

			w := cmd.Root().Writer
			fmt.Fprintf(w, "purged %d jobs\n", len(purged))
			for _, id := range purged {
				fmt.Fprintln(w, " ", id)
			}
			return nil
		},
	}
}
