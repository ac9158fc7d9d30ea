package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v3"

	"storyclip/internal/capability"
	"storyclip/internal/effects"
)

func capabilitiesCmd() *cli.Command {
	return &cli.Command{
		Name:  "capabilities",
		Usage: "Inspect ffmpeg capabilities",
		Commands: []*cli.Command{
			{
				Name:  "probe",
				Usage: "Probe the local ffmpeg and report which effects it can render",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "publish",
						Usage: "Also publish the snapshot to Redis for the API",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					e, err := load(cmd)
					if err != nil {
						return err
					}
					probe := capability.NewProbe(capability.Config{
						Binary: e.cfg.Renderer.FFmpegBinary,
						Log:    e.log,
					})
					snap, err := probe.Refresh(ctx)
					if err != nil {
						return fmt.Errorf("probe %s: %w", e.cfg.Renderer.FFmpegBinary, err)
					}

					if cmd.Bool("publish") {
						rdb, err := e.connectRedis(ctx)
						if err != nil {
							return err
						}
						defer rdb.Close()
						if err := capability.NewRedisStore(rdb, e.cfg.Redis.CapabilitiesKey).Publish(ctx, snap); err != nil {
							return err
						}
					}
					return printReport(cmd, snap)
				},
			},
			{
				Name:  "show",
				Usage: "Print the snapshot a worker last published",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					e, err := load(cmd)
					if err != nil {
						return err
					}
					rdb, err := e.connectRedis(ctx)
					if err != nil {
						return err
					}
					defer rdb.Close()

					snap, err := capability.NewRedisStore(rdb, e.cfg.Redis.CapabilitiesKey).Load(ctx)
					if err != nil {
						return err
					}
					return printReport(cmd, snap)
				},
			},
		},
	}
}

type effectSupport struct {
	Kind    effects.Kind `json:"kind"`
	Missing []string     `json:"missing_filters,omitempty"`
}

func printReport(cmd *cli.Command, snap *capability.Snapshot) error {
	support := make([]effectSupport, 0)
	for _, k := range effects.Kinds() {
		support = append(support, effectSupport{
			Kind:    k,
			Missing: snap.MissingFilters(effects.RequiredFilters(k)),
		})
	}
	out := map[string]any{
		"version":      snap.Version,
		"refreshed_at": snap.RefreshedAt,
		"filters":      len(snap.Filters),
		"encoders":     len(snap.Encoders),
		"hwaccels":     snap.HWAccels,
		"effects":      support,
	}
	enc := json.NewEncoder(cmd.Root().Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
