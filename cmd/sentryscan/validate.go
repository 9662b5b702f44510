package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sentryscan/sentryscan/internal/config"
)

// ValidateCmd validates a configuration file without starting anything.
type ValidateCmd struct {
	Config      string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH"`
	Format      string `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`
	PrintConfig bool   `short:"p" name:"print-config" help:"Print the expanded configuration (defaults applied, env vars resolved)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	ctx := context.Background()

	cfg, err := loadConfig(ctx, c.Config)
	if err != nil {
		return printValidateError(c.Format, c.Config, err)
	}

	if c.PrintConfig {
		return printExpandedConfig(c.Format, c.Config, cfg)
	}

	printValidateSuccess(c.Format, c.Config)
	return nil
}

func printValidateError(format, path string, err error) error {
	switch format {
	case "json":
		return json.NewEncoder(os.Stdout).Encode(map[string]any{
			"valid": false,
			"path":  path,
			"error": err.Error(),
		})
	default:
		fmt.Printf("%s: invalid\n  %v\n", path, err)
		return err
	}
}

func printValidateSuccess(format, path string) {
	switch format {
	case "json":
		_ = json.NewEncoder(os.Stdout).Encode(map[string]any{"valid": true, "path": path})
	default:
		fmt.Printf("%s: valid\n", path)
	}
}

func printExpandedConfig(format, path string, cfg *config.Config) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("sentryscan: marshal config: %w", err)
		}
		fmt.Printf("# %s (expanded)\n%s", path, out)
		return nil
	}
}
