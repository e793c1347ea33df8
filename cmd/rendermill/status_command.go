package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"rendermill/internal/preflight"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check binaries, directories, and disk space",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			report := preflight.Run(cmd.Context(), cfg)

			rows := make([][]string, 0, len(report.Binaries)+len(report.Checks))
			for _, status := range report.Binaries {
				state := "ok"
				detail := status.Command
				if !status.Available {
					state = "missing"
					detail = status.Detail
				}
				rows = append(rows, []string{status.Name, state, detail})
			}
			for _, check := range report.Checks {
				state := "ok"
				if !check.Passed {
					state = "failed"
				}
				rows = append(rows, []string{check.Name, state, check.Detail})
			}

			fancy := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"Check", "Status", "Detail"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft},
				fancy,
			))

			if !report.Ready() {
				return fmt.Errorf("environment is not ready; fix the failed checks above")
			}
			fmt.Fprintln(out, "Environment ready.")
			return nil
		},
	}
}
