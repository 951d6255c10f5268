package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"riskflow/internal/lifecycle"
	"riskflow/internal/service"
	"riskflow/internal/transform/ti"
	"riskflow/pkg/models"
)

// errChainBroken makes verify exit non-zero after printing its report.
var errChainBroken = errors.New("audit chain verification failed")

func newScanCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one auto-promotion pass over DETECTED risks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *service.Service) error {
				res, err := svc.ProcessDetectedThreats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count risks per lifecycle state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *service.Service) error {
				st, err := svc.GetRiskPipelineStats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}
}

func newListCmd(a *app) *cobra.Command {
	var (
		filter        models.RiskFilter
		state         string
		minConfidence float64
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List risks newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.State = models.DynamicState(state)
			if cmd.Flags().Changed("min-confidence") {
				filter.MinConfidence = &minConfidence
			}
			return a.withService(cmd, func(ctx context.Context, svc *service.Service) error {
				risks, err := svc.GetDynamicRisks(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), risks)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&state, "state", "", "only risks in this state")
	f.StringVar(&filter.Source, "source", "", "only risks from this feed")
	f.StringVar(&filter.IndicatorType, "type", "", "only this indicator type")
	f.StringVar(&filter.IndicatorValue, "value", "", "only this indicator value")
	f.Float64Var(&minConfidence, "min-confidence", 0, "only risks at or above this confidence")
	f.Int64Var(&filter.BeforeID, "before-id", 0, "only risks with a smaller id, for paging")
	f.IntVar(&filter.Limit, "limit", 0, fmt.Sprintf("maximum number of risks (at most %d)", models.MaxQueryLimit))
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|RISK-ref>",
		Short: "Show one risk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *service.Service) error {
				id, err := resolveRiskID(ctx, svc, args[0])
				if err != nil {
					return err
				}
				risk, err := svc.GetDynamicRisk(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), risk)
			})
		},
	}
}

func newCreateCmd(a *app) *cobra.Command {
	var fold bool
	cmd := &cobra.Command{
		Use:   "create [file|-]",
		Short: "Create a risk from one TI JSON record",
		Long:  "Reads one threat-intelligence record from a file or stdin and creates a DETECTED risk. With --fold a matching open risk has its confidence raised instead.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readPayload(cmd, args)
			if err != nil {
				return err
			}
			rec, err := ti.Parse(raw)
			if err != nil {
				return err
			}
			return a.withService(cmd, func(ctx context.Context, svc *service.Service) error {
				if fold {
					out, err := svc.IngestThreatIntel(ctx, rec)
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), out)
				}
				risk, err := svc.CreateDynamicRisk(ctx, rec)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), risk)
			})
		},
	}
	cmd.Flags().BoolVar(&fold, "fold", false, "raise the confidence of a matching open risk instead of creating a duplicate")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	var (
		title, description, category string
		probability, impact          int
		confidence                   float64
	)
	cmd := &cobra.Command{
		Use:   "update <id|RISK-ref>",
		Short: "Edit the fields of a risk outside the state machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch models.RiskPatch
			f := cmd.Flags()
			if f.Changed("title") {
				patch.Title = &title
			}
			if f.Changed("description") {
				patch.Description = &description
			}
			if f.Changed("category") {
				patch.Category = &category
			}
			if f.Changed("probability") {
				patch.Probability = &probability
			}
			if f.Changed("impact") {
				patch.Impact = &impact
			}
			if f.Changed("confidence") {
				patch.Confidence = &confidence
			}
			return a.withService(cmd, func(ctx context.Context, svc *service.Service) error {
				id, err := resolveRiskID(ctx, svc, args[0])
				if err != nil {
					return err
				}
				risk, err := svc.UpdateDynamicRisk(ctx, id, patch)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), risk)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&title, "title", "", "new title")
	f.StringVar(&description, "description", "", "new description")
	f.StringVar(&category, "category", "", "new category")
	f.IntVar(&probability, "probability", 0, "new probability (1-5)")
	f.IntVar(&impact, "impact", 0, "new impact (1-5)")
	f.Float64Var(&confidence, "confidence", 0, "new confidence (0-1)")
	return cmd
}

func newTransitionCmd(a *app) *cobra.Command {
	var (
		reason    string
		actor     int64
		automated bool
		expected  string
	)
	cmd := &cobra.Command{
		Use:   "transition <id|RISK-ref> <state>",
		Short: "Move a risk to another lifecycle state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := lifecycle.TransitionRequest{
				Target:        models.DynamicState(args[1]),
				Reason:        reason,
				Automated:     automated,
				ExpectedState: models.DynamicState(expected),
			}
			if cmd.Flags().Changed("actor") {
				req.ActorID = &actor
			}
			return a.withService(cmd, func(ctx context.Context, svc *service.Service) error {
				id, err := resolveRiskID(ctx, svc, args[0])
				if err != nil {
					return err
				}
				req.RiskID = id
				res, err := svc.TransitionRiskState(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&reason, "reason", "", "transition reason recorded in the audit trail")
	f.Int64Var(&actor, "actor", 0, "id of the user making a manual transition")
	f.BoolVar(&automated, "automated", false, "record the transition as automated (no actor)")
	f.StringVar(&expected, "expected", "", "fail unless the risk is still in this state")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history <id|RISK-ref>",
		Short: "Print the audit records of a risk, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *service.Service) error {
				id, err := resolveRiskID(ctx, svc, args[0])
				if err != nil {
					return err
				}
				records, err := svc.History(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), records)
			})
		},
	}
}

func newVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id|RISK-ref>",
		Short: "Check the hash chain and transition path of a risk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *service.Service) error {
				id, err := resolveRiskID(ctx, svc, args[0])
				if err != nil {
					return err
				}
				report, err := svc.VerifyHistory(ctx, id)
				if err != nil {
					return err
				}
				if err := printJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.Valid {
					return errChainBroken
				}
				return nil
			})
		},
	}
}

func readPayload(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return raw, nil
}
