package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BartekS5/retailetl/pkg/models"
)

type RunOptions struct {
	DryRun bool
}

func NewRunCmd(global *GlobalOptions) *cobra.Command {
	opts := &RunOptions{}

	cmd := &cobra.Command{
		Use:       "run <customers|products|transactions|all>",
		Short:     "Run the ETL job for one dataset or all of them",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"customers", "products", "transactions", "all"},
		RunE: func(c *cobra.Command, args []string) error {
			datasets, err := datasetsFor(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(c.Context(), global.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.runDatasets(c.Context(), datasets, opts.DryRun)
		},
	}

	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Validate and report without writing anything")
	return cmd
}

type ErasureOptions struct {
	NoArchive bool
}

func NewErasureCmd(global *GlobalOptions) *cobra.Command {
	opts := &ErasureOptions{}

	cmd := &cobra.Command{
		Use:   "erasure",
		Short: "Ingest erasure requests and apply queued ones to processed data",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			a, err := newApp(c.Context(), global.cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.runErasure(c.Context(), global.cfg.Erasure.ArchiveArtifacts && !opts.NoArchive)
		},
	}

	cmd.Flags().BoolVar(&opts.NoArchive, "no-archive", false, "Leave anonymized artifacts in the processed tree")
	return cmd
}

// datasetsFor maps the run argument onto the datasets to process, in order.
func datasetsFor(arg string) ([]models.Dataset, error) {
	if arg == "all" {
		return models.ETLDatasets, nil
	}
	d, err := models.ParseDataset(arg)
	if err != nil {
		return nil, err
	}
	if d == models.DatasetErasureRequests {
		return nil, fmt.Errorf("%s are handled by the erasure command", d)
	}
	return []models.Dataset{d}, nil
}
