package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	inputredis "riskflow/internal/input/redis"
	"riskflow/internal/sightings"
	"riskflow/internal/transform/ti"
)

func newIngestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest [file|-]",
		Short: "Validate a TI JSON record and push it onto the feed queue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(cmd, args)
			if err != nil {
				return err
			}
			if _, err := ti.Parse(raw); err != nil {
				return err
			}

			rc := a.cfg.Riskflow.Input.Redis
			consumer, err := inputredis.NewConsumer(inputredis.Config{
				Addr:         rc.Addr,
				Password:     rc.Password,
				DB:           rc.DB,
				Key:          rc.Key,
				BlockTimeout: rc.BlockTimeout,
			})
			if err != nil {
				return err
			}
			defer consumer.Close()

			depth, err := consumer.Push(cmd.Context(), []byte(strings.TrimSpace(string(raw))))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued on %s (depth %d)\n", rc.Key, depth)
			return nil
		},
	}
}

func newSightingsCmd(a *app) *cobra.Command {
	var (
		since    time.Duration
		minCount int64
		limit    int64
	)
	cmd := &cobra.Command{
		Use:   "sightings",
		Short: "List indicators seen by the feed pipeline, most reported first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tracker, err := a.newSightingStore()
			if err != nil {
				return err
			}
			defer tracker.Close()

			all, err := tracker.FetchUpdatedSince(cmd.Context(), time.Now().Add(-since), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sightings.Recurring(all, minCount))
		},
	}
	f := cmd.Flags()
	f.DurationVar(&since, "since", 24*time.Hour, "only indicators updated within this window")
	f.Int64Var(&minCount, "min-count", 1, "only indicators reported at least this many times")
	f.Int64Var(&limit, "limit", 1000, "maximum number of indicators read")
	return cmd
}
