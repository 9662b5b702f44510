// Package semgrepadapter fronts the semgrep static analyzer.
package semgrepadapter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
)

// Adapter fronts a local `semgrep` binary, parsing its `--json` output.
type Adapter struct {
	binaryPath string
}

// New builds a semgrep Adapter. binaryPath defaults to "semgrep" on PATH.
func New(binaryPath string) *Adapter {
	if binaryPath == "" {
		binaryPath = "semgrep"
	}
	return &Adapter{binaryPath: binaryPath}
}

func (a *Adapter) Describe() capability.Descriptor {
	return capability.Descriptor{
		ToolID:             "semgrep",
		ToolName:           "Semgrep",
		ToolVersion:        "latest",
		Category:           capability.CategorySAST,
		Vendor:             "Semgrep Inc.",
		Description:        "Lightweight static analysis for many languages.",
		SupportedLanguages: []string{"python", "javascript", "typescript", "go", "java", "ruby"},
		DetectionTypes:     []string{"sast"},
		InputRequirements: capability.InputRequirements{
			RequiresSource:      true,
			AcceptedTargetKinds: []capability.TargetKind{capability.TargetLocalPath, capability.TargetGitRepo},
		},
		OutputSchema: capability.OutputSchema{
			NativeFormatID: "semgrep.json.v1",
			ExpectedFields: []string{"results"},
		},
		Execution: capability.ExecutionLimits{DefaultTimeout: 10 * time.Minute},
	}
}

func (a *Adapter) Validate(req *scanrequest.Request) error {
	return adapter.ValidateAgainstDescriptor(a.Describe(), req)
}

func (a *Adapter) Execute(ctx context.Context, req *scanrequest.Request, execCtx *adapter.ExecutionContext) (*adapter.NativeOutput, error) {
	if _, err := exec.LookPath(a.binaryPath); err != nil {
		return nil, &adapter.ToolMissingError{ToolID: "semgrep", Detail: err.Error()}
	}

	args := []string{"--json", "--quiet", req.Target.Path}
	cmd := exec.CommandContext(ctx, a.binaryPath, args...)
	cmd.Dir = execCtx.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	hash := sha256.Sum256([]byte(a.binaryPath + " " + fmt.Sprint(args)))
	diag := adapter.Diagnostics{
		CommandHash: hex.EncodeToString(hash[:8]),
		Duration:    duration,
	}

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &adapter.TimeoutError{Elapsed: duration.String()}
	}

	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		// semgrep exits 1 when findings are present; that is not a
		// failure, only exit codes >= 2 indicate a real tool error.
		if !ok || exitErr.ExitCode() >= 2 {
			exitCode := -1
			if ok {
				exitCode = exitErr.ExitCode()
			}
			diag.ExitCode = exitCode
			diag.StderrTail = tail(stderr.String(), 2048)
			return nil, &adapter.ExecutionFailedError{ExitCode: exitCode, StderrTail: diag.StderrTail}
		}
	}

	return &adapter.NativeOutput{Payload: stdout.Bytes(), Diagnostics: diag}, nil
}

type semgrepResult struct {
	CheckID string `json:"check_id"`
	Path    string `json:"path"`
	Start   struct {
		Line int `json:"line"`
		Col  int `json:"col"`
	} `json:"start"`
	End struct {
		Line int `json:"line"`
		Col  int `json:"col"`
	} `json:"end"`
	Extra struct {
		Message  string `json:"message"`
		Severity string `json:"severity"`
		Lines    string `json:"lines"`
		Metadata struct {
			CWE []string `json:"cwe"`
			OWASP []string `json:"owasp"`
		} `json:"metadata"`
	} `json:"extra"`
}

type semgrepOutput struct {
	Results []semgrepResult `json:"results"`
}

func (a *Adapter) Parse(output *adapter.NativeOutput, req *scanrequest.Request) ([]finding.Finding, error) {
	var parsed semgrepOutput
	if err := json.Unmarshal(output.Payload, &parsed); err != nil {
		return nil, fmt.Errorf("semgrepadapter: decode output: %w", err)
	}

	findings := make([]finding.Finding, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		loc := finding.Location{
			FilePath:    r.Path,
			LineStart:   r.Start.Line,
			LineEnd:     r.End.Line,
			ColumnStart: r.Start.Col,
			ColumnEnd:   r.End.Col,
			CodeSnippet: r.Extra.Lines,
		}

		level, reason := finding.NormalizeSeverity(r.Extra.Severity)

		cweID := 0
		if len(r.Extra.Metadata.CWE) > 0 {
			cweID = finding.ExtractCWE(r.Extra.Metadata.CWE[0])
		}

		owasp := ""
		if len(r.Extra.Metadata.OWASP) > 0 {
			owasp = r.Extra.Metadata.OWASP[0]
		}

		f := finding.Finding{
			FindingID:     finding.ComputeFindingID("semgrep", r.CheckID, loc),
			ScanSessionID: req.ScanID,
			VulnerabilityType: finding.VulnerabilityType{
				Name:          r.CheckID,
				CWEID:         cweID,
				OWASPCategory: owasp,
			},
			Location: loc,
			Severity: finding.Severity{Level: level},
			Confidence: finding.Confidence{
				Score:  80,
				Reason: reason,
			},
			SourceTool: finding.SourceTool{
				ToolID:         "semgrep",
				RuleID:         r.CheckID,
				NativeSeverity: r.Extra.Severity,
			},
			Description: finding.Description{Summary: r.Extra.Message},
			VerificationStatus: finding.VerificationPending,
		}
		findings = append(findings, f)
	}

	return findings, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
