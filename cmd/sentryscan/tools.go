package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

// ToolsCmd groups introspection subcommands over the configured tool
// registry.
type ToolsCmd struct {
	List ToolsListCmd `cmd:"" help:"List registered tool adapters."`
}

// ToolsListCmd prints one line per registered adapter: its ID,
// category, vendor, and the number of CWEs it covers.
type ToolsListCmd struct{}

func (c *ToolsListCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg.Tools)
	if err != nil {
		return fmt.Errorf("sentryscan: build tool registry: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL ID\tCATEGORY\tVENDOR\tCWE COVERAGE")
	for _, d := range reg.List() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", d.ToolID, d.Category, d.Vendor, len(d.CWECoverage))
	}
	return w.Flush()
}
