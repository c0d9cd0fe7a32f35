package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"lectern/internal/config"
	"lectern/internal/daemonrun"
	"lectern/internal/deps"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	var logLevel string

	root := &cobra.Command{
		Use:           "lecternd",
		Short:         "Run the lectern book setup daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{LogLevel: logLevel})
		},
	}
	root.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "deps",
		Short: "Report external binaries the daemon needs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			missing := 0
			for _, status := range deps.CheckBinaries(deps.Requirements(cfg)) {
				state := "ok"
				if !status.Available {
					state = "missing"
					if !status.Optional {
						missing++
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-8s %s\n", status.Name, state, status.Command)
			}
			if missing > 0 {
				return fmt.Errorf("%d required dependencies missing", missing)
			}
			return nil
		},
	})
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file path")
	return root
}
