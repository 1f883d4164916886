package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	printeragent "github.com/httprunner/PrinterAgent"
	"github.com/httprunner/PrinterAgent/internal/install"
)

func newInstallCmd() *cobra.Command {
	var (
		flags      connectFlags
		flagBundle string
		flagSetup  string
		flagMethod string
		flagAwake  bool
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a firmware bundle on a printer",
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch printeragent.ParamsPatch
			if cmd.Flags().Changed("bundle") {
				patch.BundlePath = &flagBundle
			}
			if cmd.Flags().Changed("setup") {
				patch.SetupPath = &flagSetup
			}
			if cmd.Flags().Changed("method") {
				method, err := printeragent.ParseMethod(flagMethod)
				if err != nil {
					return err
				}
				patch.Method = &method
			}
			if cmd.Flags().Changed("keep-awake") {
				patch.KeepAwake = &flagAwake
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			o, closeAgent, err := openAgent(nil)
			if err != nil {
				return err
			}
			defer closeAgent()
			o.SetParams(patch)

			out := cmd.OutOrStdout()
			if err := connectInteractive(ctx, o, &flags, out); err != nil {
				renderStatus(out, o.Snapshot())
				return err
			}
			renderStatus(out, o.Snapshot())

			progress := &runPrinter{out: out}
			unsubscribe := o.Subscribe(progress.observe)
			err = o.StartInstall(ctx)
			unsubscribe()
			if err != nil {
				return err
			}
			snap := o.Snapshot()
			if snap.Run == nil {
				return errors.New("install did not start")
			}
			_, _ = fmt.Fprintln(out)
			renderRun(out, *snap.Run)
			if snap.Run.Phase != install.PhaseFinished {
				if ctx.Err() != nil {
					return errors.Wrap(context.Cause(ctx), "install interrupted")
				}
				return errors.New(snap.Run.Summary())
			}
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVarP(&flagBundle, "bundle", "b", "", "firmware bundle (.x1p) to install (default $PRINTERAGENT_BUNDLE)")
	cmd.Flags().StringVar(&flagSetup, "setup", "", "setup archive (default setup.tgz next to the bundle)")
	cmd.Flags().StringVarP(&flagMethod, "method", "m", string(printeragent.MethodShell), "install method: shell or legacy")
	cmd.Flags().BoolVar(&flagAwake, "keep-awake", false, "keep the printer's Wi-Fi out of power save during the install")
	return cmd
}
