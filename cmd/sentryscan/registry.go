package main

import (
	"fmt"

	"github.com/sentryscan/sentryscan/internal/config"
	"github.com/sentryscan/sentryscan/pkg/adapter/mcpadapter"
	"github.com/sentryscan/sentryscan/pkg/adapter/pluginadapter"
	"github.com/sentryscan/sentryscan/pkg/adapter/semgrepadapter"
	"github.com/sentryscan/sentryscan/pkg/adapter/trivyadapter"
	"github.com/sentryscan/sentryscan/pkg/adapter/zapadapter"
	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/toolregistry"
)

// buildRegistry constructs every adapter named in cfg and registers it
// under the shared tool registry.
func buildRegistry(cfg config.ToolsConfig) (*toolregistry.Registry, error) {
	reg := toolregistry.New()

	for _, sc := range cfg.Semgrep {
		if err := reg.Register(semgrepadapter.New(sc.BinaryPath)); err != nil {
			return nil, fmt.Errorf("register semgrep adapter %q: %w", sc.ToolID, err)
		}
	}
	for _, tc := range cfg.Trivy {
		if err := reg.Register(trivyadapter.New(tc.BinaryPath)); err != nil {
			return nil, fmt.Errorf("register trivy adapter %q: %w", tc.ToolID, err)
		}
	}
	for _, zc := range cfg.Zap {
		if err := reg.Register(zapadapter.New(zc.BaseURL, zc.APIKey)); err != nil {
			return nil, fmt.Errorf("register zap adapter %q: %w", zc.ToolID, err)
		}
	}
	for _, mc := range cfg.MCP {
		targets, err := parseTargetKinds(mc.AcceptedTargetKinds)
		if err != nil {
			return nil, fmt.Errorf("mcp adapter %q: %w", mc.ToolID, err)
		}
		a := mcpadapter.New(mcpadapter.Config{
			ToolID:              mc.ToolID,
			Category:            capability.Category(mc.Category),
			Command:             mc.Command,
			Args:                mc.Args,
			Env:                 mc.Env,
			ScanToolName:        mc.ScanToolName,
			AcceptedTargetKinds: targets,
		})
		if err := reg.Register(a); err != nil {
			return nil, fmt.Errorf("register mcp adapter %q: %w", mc.ToolID, err)
		}
	}
	for _, pc := range cfg.Plugin {
		targets, err := parseTargetKinds(pc.AcceptedTargetKinds)
		if err != nil {
			return nil, fmt.Errorf("plugin adapter %q: %w", pc.ToolID, err)
		}
		a := pluginadapter.New(pc.BinaryPath, pc.ToolID, capability.Category(pc.Category), targets)
		if err := reg.Register(a); err != nil {
			return nil, fmt.Errorf("register plugin adapter %q: %w", pc.ToolID, err)
		}
	}

	return reg, nil
}

func parseTargetKinds(raw []string) ([]capability.TargetKind, error) {
	out := make([]capability.TargetKind, 0, len(raw))
	for _, r := range raw {
		kind := capability.TargetKind(r)
		switch kind {
		case capability.TargetLocalPath, capability.TargetGitRepo, capability.TargetContainerImage, capability.TargetHTTPURL:
			out = append(out, kind)
		default:
			return nil, fmt.Errorf("unknown target kind %q", r)
		}
	}
	return out, nil
}
