package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "riskflow",
		Short:         "Dynamic risk lifecycle pipeline",
		Long:          "riskflow turns threat-intelligence indicators into dynamic risks and moves them through DETECTED, DRAFT, VALIDATED, ACTIVE and RETIRED with a hash-chained audit trail.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVarP(&a.configArg, "config", "c", "", "path to riskflow.yml")

	root.AddCommand(
		newServeCmd(a),
		newScanCmd(a),
		newStatsCmd(a),
		newListCmd(a),
		newShowCmd(a),
		newCreateCmd(a),
		newUpdateCmd(a),
		newTransitionCmd(a),
		newHistoryCmd(a),
		newVerifyCmd(a),
		newIngestCmd(a),
		newSightingsCmd(a),
	)
	return root
}
