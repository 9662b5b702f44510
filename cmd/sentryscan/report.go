package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sentryscan/sentryscan/pkg/report"
)

// ReportCmd groups the findings-export subcommands.
type ReportCmd struct {
	Export ReportExportCmd `cmd:"" help:"Export a workflow's findings to a .xlsx workbook."`
}

// ReportExportCmd reads a workflow's latest checkpoint and renders its
// accumulated findings to an Excel workbook, one sheet per severity.
type ReportExportCmd struct {
	WorkflowID string `help:"Workflow ID to export." required:""`
	Out        string `help:"Output .xlsx path." required:""`
}

func (c *ReportExportCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	store, closeStore, err := checkpointStore(cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer closeStore()

	cp, err := store.GetLatestCheckpoint(context.Background(), c.WorkflowID)
	if err != nil {
		return fmt.Errorf("sentryscan: report export %s: %w", c.WorkflowID, err)
	}

	f, err := os.Create(c.Out)
	if err != nil {
		return fmt.Errorf("sentryscan: create %s: %w", c.Out, err)
	}
	defer f.Close()

	if err := report.Export(cp.Snapshot.Findings, f); err != nil {
		return fmt.Errorf("sentryscan: export findings: %w", err)
	}
	fmt.Printf("wrote %d findings to %s\n", len(cp.Snapshot.Findings), c.Out)
	return nil
}
