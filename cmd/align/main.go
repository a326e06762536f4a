package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-align/internal/config"
	"github.com/23skdu/longbow-align/internal/logger"
)

func main() {
	cfg := config.Default()
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	if err := newRootCmd(&cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:          "align",
		Short:        "Masked global attention over padded source batches",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.Setup(cfg.LogLevel, cfg.LogFormat)
			return cfg.Validate()
		},
	}
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (console, json)")

	root.AddCommand(newRunCmd(cfg), newSinkCmd(cfg))
	return root
}
