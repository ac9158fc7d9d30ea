package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"storyclip/internal/database"
)

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Run database migrations",
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
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

					v, err := database.Migrate(ctx, pool, e.log)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.Root().Writer, "schema at version %d\n", v)
					return nil
				},
			},
			{
				Name:  "down",
				Usage: "Roll back the newest migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "steps",
						Usage: "Number of migrations to revert",
						Value: 1,
					},
				},
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

					steps := int(cmd.Int("steps"))
					if steps < 1 {
						return fmt.Errorf("--steps must be at least 1")
					}
					v, err := database.Rollback(ctx, pool, steps, e.log)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.Root().Writer, "schema at version %d\n", v)
					return nil
				},
			},
		},
	}
}
