package main

import (
	"github.com/spf13/cobra"
)

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "recover",
		Short:  "Boot a printer into recovery mode (not supported)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, closeAgent, err := openAgent(nil)
			if err != nil {
				return err
			}
			defer closeAgent()
			err = o.StartRecovery(cmd.Context())
			if run := o.Snapshot().Run; run != nil {
				renderRun(cmd.OutOrStdout(), *run)
			}
			return err
		},
	}
}
