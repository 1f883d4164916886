package main

import (
	"github.com/spf13/cobra"
)

func newConnectCmd() *cobra.Command {
	var flags connectFlags
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a printer and report whether it can be installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, closeAgent, err := openAgent(nil)
			if err != nil {
				return err
			}
			defer closeAgent()

			out := cmd.OutOrStdout()
			err = connectInteractive(cmd.Context(), o, &flags, out)
			renderStatus(out, o.Snapshot())
			return err
		},
	}
	flags.register(cmd)
	return cmd
}
