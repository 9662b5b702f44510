// Command sentryscan drives the tool broker, the workflow orchestration
// engine, and their supporting ambient surface (operator HTTP, metrics,
// tracing) from a single binary.
//
// Usage:
//
//	sentryscan serve --config config.yaml
//	sentryscan workflow run --config config.yaml --scenario code_commit --target /repo --tools semgrep,trivy
//	sentryscan tools list --config config.yaml
//	sentryscan report export --config config.yaml --workflow-id <id> --out findings.xlsx
package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/sentryscan/sentryscan/internal/config"
	"github.com/sentryscan/sentryscan/internal/config/provider"
	"github.com/sentryscan/sentryscan/internal/logging"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Run the JSON-RPC broker and operator HTTP surface."`
	Workflow WorkflowCmd `cmd:"" help:"Run, resume, cancel, or inspect a workflow."`
	Tools    ToolsCmd    `cmd:"" help:"Inspect registered tool adapters."`
	Report   ReportCmd   `cmd:"" help:"Export a workflow's findings to .xlsx."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd prints build version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	fmt.Printf("sentryscan %s\n", version)
	return nil
}

func main() {
	config.LoadDotEnv("")

	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("sentryscan"),
		kong.Description("Heterogeneous security-analysis tool orchestration."),
		kong.UsageOnError(),
	)

	level, err := logging.ParseLevel(cli.LogLevel)
	if err != nil {
		ctx.FatalIfErrorf(err)
	}
	logging.Init(level, os.Stderr, cli.LogFormat)

	err = ctx.Run(cli)
	ctx.FatalIfErrorf(err)
}

// loadConfig reads and validates the configuration file at path,
// applying defaults for every unset option group.
func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("sentryscan: --config is required")
	}
	p, err := provider.NewFileProvider(path)
	if err != nil {
		return nil, fmt.Errorf("sentryscan: open config: %w", err)
	}
	loader := config.NewLoader(p)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("sentryscan: load config: %w", err)
	}
	return cfg, nil
}
