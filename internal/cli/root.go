package cli

import (
	"github.com/spf13/cobra"

	"github.com/BartekS5/retailetl/internal/config"
	"github.com/BartekS5/retailetl/pkg/logger"
)

// GlobalOptions are shared by every subcommand.
type GlobalOptions struct {
	ConfigDir string

	cfg *config.Config
}

func NewRootCmd() *cobra.Command {
	opts := &GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "retailetl",
		Short: "retailetl - hourly retail data ETL",
		Long: `retailetl loads hourly partitions of retail data (customers, products,
transactions) from raw NDJSON files into the relational store, keeps a
processed copy of every partition and applies privacy-erasure requests to
data that was already processed.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigDir)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return logger.Init(logger.Config{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Output: cfg.Log.Output,
			})
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logger.Sync()
		},
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigDir, "config", "c", ".", "Directory holding config.yaml")

	rootCmd.AddCommand(NewRunCmd(opts), NewErasureCmd(opts), NewScheduleCmd(opts))

	return rootCmd
}
