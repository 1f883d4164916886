package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/httprunner/PrinterAgent/internal/messages"
)

func newSerialCmd() *cobra.Command {
	var flagAddress, flagAccessCode string
	cmd := &cobra.Command{
		Use:   "serial",
		Short: "Ask a printer for its serial number",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, closeAgent, err := openAgent(nil)
			if err != nil {
				return err
			}
			defer closeAgent()
			serial, ok, err := o.QuerySerial(cmd.Context(), strings.TrimSpace(flagAddress), strings.TrimSpace(flagAccessCode))
			if err != nil {
				return err
			}
			if !ok {
				return errors.New(messages.ErrSerialUnknown)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), serial)
			return nil
		},
	}
	cmd.Flags().StringVarP(&flagAddress, "address", "a", "", "printer IP address (required)")
	cmd.Flags().StringVarP(&flagAccessCode, "access-code", "c", "", "LAN access code (required)")
	_ = cmd.MarkFlagRequired("address")
	_ = cmd.MarkFlagRequired("access-code")
	return cmd
}
