// Package mcpadapter wraps an external scanner that speaks the Model
// Context Protocol as a single adapter.Adapter, so any MCP-exposed
// security tool can be driven through the same broker/scheduler
// pipeline as the built-in binary-wrapping adapters.
package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
)

// Config describes how to reach the MCP server backing this adapter and
// which of its tools performs the scan.
type Config struct {
	// ToolID is the descriptor tool_id surfaced to callers.
	ToolID string
	// Category is the capability category reported by this adapter.
	Category capability.Category
	// Command launches the MCP server over stdio.
	Command string
	Args    []string
	Env     map[string]string
	// ScanToolName is the MCP tool this adapter invokes to run a scan.
	ScanToolName string
	// AcceptedTargetKinds narrows which scan_request target kinds this
	// MCP-backed tool accepts.
	AcceptedTargetKinds []capability.TargetKind
}

// Adapter drives one MCP tool over a lazily-established stdio session.
type Adapter struct {
	cfg Config

	mu        sync.Mutex
	mcpClient *client.Client
	connected bool
}

// New builds an MCP-backed Adapter. The underlying connection is
// established on first Execute, not at construction.
func New(cfg Config) *Adapter {
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Describe() capability.Descriptor {
	return capability.Descriptor{
		ToolID:      a.cfg.ToolID,
		ToolName:    a.cfg.ToolID,
		ToolVersion: "mcp",
		Category:    a.cfg.Category,
		Description: fmt.Sprintf("MCP-backed tool exposing the %q operation.", a.cfg.ScanToolName),
		InputRequirements: capability.InputRequirements{
			AcceptedTargetKinds: a.cfg.AcceptedTargetKinds,
		},
		OutputSchema: capability.OutputSchema{
			NativeFormatID: "mcp.tool.result.v1",
			ExpectedFields: []string{"findings"},
		},
		Execution: capability.ExecutionLimits{DefaultTimeout: 10 * time.Minute},
	}
}

func (a *Adapter) Validate(req *scanrequest.Request) error {
	return adapter.ValidateAgainstDescriptor(a.Describe(), req)
}

func (a *Adapter) connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	env := make([]string, 0, len(a.cfg.Env))
	for k, v := range a.cfg.Env {
		env = append(env, k+"="+v)
	}

	mcpClient, err := client.NewStdioMCPClient(a.cfg.Command, env, a.cfg.Args...)
	if err != nil {
		return fmt.Errorf("mcpadapter: create client: %w", err)
	}
	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("mcpadapter: start client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "sentryscan", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("mcpadapter: initialize: %w", err)
	}

	a.mcpClient = mcpClient
	a.connected = true
	return nil
}

func (a *Adapter) Execute(ctx context.Context, req *scanrequest.Request, execCtx *adapter.ExecutionContext) (*adapter.NativeOutput, error) {
	if err := a.connect(ctx); err != nil {
		return nil, &adapter.ToolMissingError{ToolID: a.cfg.ToolID, Detail: err.Error()}
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = a.cfg.ScanToolName
	callReq.Params.Arguments = map[string]any{
		"target_kind": string(req.Target.Kind),
		"path":        req.Target.Path,
		"url":         req.Target.URL,
		"branch":      req.Target.Branch,
		"commit":      req.Target.Commit,
	}

	start := time.Now()
	resp, err := a.mcpClient.CallTool(ctx, callReq)
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &adapter.TimeoutError{Elapsed: duration.String()}
	}
	if err != nil {
		return nil, &adapter.ExecutionFailedError{ExitCode: -1, StderrTail: err.Error()}
	}

	if resp.IsError {
		return nil, &adapter.ExecutionFailedError{ExitCode: -1, StderrTail: firstText(resp)}
	}

	payload := []byte(firstText(resp))
	return &adapter.NativeOutput{
		Payload:     payload,
		Diagnostics: adapter.Diagnostics{Duration: duration},
	}, nil
}

func firstText(resp *mcp.CallToolResult) string {
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

type mcpFinding struct {
	RuleID     string  `json:"rule_id"`
	Name       string  `json:"name"`
	Severity   string  `json:"severity"`
	FilePath   string  `json:"file_path"`
	LineStart  int     `json:"line_start"`
	LineEnd    int     `json:"line_end"`
	CWE        int     `json:"cwe"`
	Summary    string  `json:"summary"`
	Detail     string  `json:"detail"`
	Confidence float64 `json:"confidence"`
}

type mcpResult struct {
	Findings []mcpFinding `json:"findings"`
}

// Parse decodes the generic finding envelope MCP-backed tools are
// expected to return from their scan tool's text content.
func (a *Adapter) Parse(output *adapter.NativeOutput, req *scanrequest.Request) ([]finding.Finding, error) {
	var parsed mcpResult
	if err := json.Unmarshal(output.Payload, &parsed); err != nil {
		return nil, fmt.Errorf("mcpadapter: decode output: %w", err)
	}

	findings := make([]finding.Finding, 0, len(parsed.Findings))
	for _, mf := range parsed.Findings {
		loc := finding.Location{
			FilePath:  mf.FilePath,
			LineStart: mf.LineStart,
			LineEnd:   mf.LineEnd,
		}
		level, reason := finding.NormalizeSeverity(mf.Severity)

		confidenceScore := int(mf.Confidence * 100)
		if confidenceScore <= 0 {
			confidenceScore = 50
		}

		findings = append(findings, finding.Finding{
			FindingID:         finding.ComputeFindingID(a.cfg.ToolID, mf.RuleID, loc),
			ScanSessionID:     req.ScanID,
			VulnerabilityType: finding.VulnerabilityType{Name: mf.Name, CWEID: mf.CWE},
			Location:          loc,
			Severity:          finding.Severity{Level: level},
			Confidence:        finding.Confidence{Score: confidenceScore, Reason: reason},
			SourceTool: finding.SourceTool{
				ToolID:         a.cfg.ToolID,
				RuleID:         mf.RuleID,
				NativeSeverity: mf.Severity,
			},
			Description:         finding.Description{Summary: mf.Summary, Detail: mf.Detail},
			VerificationStatus:  finding.VerificationPending,
		})
	}

	return findings, nil
}

// Close releases the underlying MCP session, if one was established.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mcpClient == nil {
		return nil
	}
	err := a.mcpClient.Close()
	a.mcpClient = nil
	a.connected = false
	return err
}
