// Package trivyadapter fronts the trivy dependency and container
// vulnerability scanner.
package trivyadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
)

// Adapter fronts a local `trivy` binary for both dependency-manifest
// (fs) and container-image scans, selected by the request's target kind.
type Adapter struct {
	binaryPath string
}

// New builds a trivy Adapter. binaryPath defaults to "trivy" on PATH.
func New(binaryPath string) *Adapter {
	if binaryPath == "" {
		binaryPath = "trivy"
	}
	return &Adapter{binaryPath: binaryPath}
}

func (a *Adapter) Describe() capability.Descriptor {
	return capability.Descriptor{
		ToolID:      "trivy",
		ToolName:    "Trivy",
		ToolVersion: "latest",
		Category:    capability.CategorySCA,
		Vendor:      "Aqua Security",
		Description: "Dependency and container image vulnerability scanner.",
		DetectionTypes: []string{"sca", "container"},
		InputRequirements: capability.InputRequirements{
			RequiresManifest: true,
			AcceptedTargetKinds: []capability.TargetKind{
				capability.TargetLocalPath, capability.TargetContainerImage,
			},
		},
		OutputSchema: capability.OutputSchema{
			NativeFormatID: "trivy.json.v2",
			ExpectedFields: []string{"Results"},
		},
		Execution: capability.ExecutionLimits{DefaultTimeout: 15 * time.Minute, RequiresNetwork: true},
	}
}

func (a *Adapter) Validate(req *scanrequest.Request) error {
	return adapter.ValidateAgainstDescriptor(a.Describe(), req)
}

func (a *Adapter) Execute(ctx context.Context, req *scanrequest.Request, execCtx *adapter.ExecutionContext) (*adapter.NativeOutput, error) {
	if _, err := exec.LookPath(a.binaryPath); err != nil {
		return nil, &adapter.ToolMissingError{ToolID: "trivy", Detail: err.Error()}
	}

	var args []string
	switch req.Target.Kind {
	case capability.TargetContainerImage:
		ref := req.Target.Digest
		if ref == "" {
			ref = req.Target.Path
		}
		args = []string{"image", "--format", "json", "--quiet", ref}
	default:
		args = []string{"fs", "--format", "json", "--quiet", req.Target.Path}
	}

	cmd := exec.CommandContext(ctx, a.binaryPath, args...)
	cmd.Dir = execCtx.WorkDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, &adapter.TimeoutError{Elapsed: duration.String()}
	}

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return nil, &adapter.ExecutionFailedError{ExitCode: exitCode, StderrTail: tail(stderr.String(), 2048)}
	}

	return &adapter.NativeOutput{
		Payload:     stdout.Bytes(),
		Diagnostics: adapter.Diagnostics{Duration: duration},
	}, nil
}

type trivyVulnerability struct {
	VulnerabilityID  string `json:"VulnerabilityID"`
	PkgName          string `json:"PkgName"`
	InstalledVersion string `json:"InstalledVersion"`
	FixedVersion     string `json:"FixedVersion"`
	Severity         string `json:"Severity"`
	Title            string `json:"Title"`
	Description      string `json:"Description"`
	CVSS             map[string]struct {
		V3Score float64 `json:"V3Score"`
	} `json:"CVSS"`
}

type trivyResult struct {
	Target          string                `json:"Target"`
	Vulnerabilities []trivyVulnerability `json:"Vulnerabilities"`
}

type trivyOutput struct {
	Results []trivyResult `json:"Results"`
}

func (a *Adapter) Parse(output *adapter.NativeOutput, req *scanrequest.Request) ([]finding.Finding, error) {
	var parsed trivyOutput
	if err := json.Unmarshal(output.Payload, &parsed); err != nil {
		return nil, fmt.Errorf("trivyadapter: decode output: %w", err)
	}

	var findings []finding.Finding
	for _, result := range parsed.Results {
		for _, v := range result.Vulnerabilities {
			loc := finding.Location{FilePath: result.Target}
			level, reason := finding.NormalizeSeverity(v.Severity)

			var cvssPtr *float64
			for _, score := range v.CVSS {
				s := score.V3Score
				cvssPtr = &s
				break
			}

			remediation := ""
			if v.FixedVersion != "" {
				remediation = fmt.Sprintf("upgrade %s to %s", v.PkgName, v.FixedVersion)
			}

			f := finding.Finding{
				FindingID:     finding.ComputeFindingID("trivy", v.VulnerabilityID, loc),
				ScanSessionID: req.ScanID,
				VulnerabilityType: finding.VulnerabilityType{
					Name: v.VulnerabilityID,
				},
				Location: loc,
				Severity: finding.Severity{Level: level, CVSS: cvssPtr},
				Confidence: finding.Confidence{Score: 85, Reason: reason},
				SourceTool: finding.SourceTool{
					ToolID:         "trivy",
					RuleID:         v.VulnerabilityID,
					NativeSeverity: v.Severity,
				},
				Description: finding.Description{
					Summary:     v.Title,
					Detail:      v.Description,
					Remediation: remediation,
				},
				Metadata:            finding.Metadata{Tags: []string{v.PkgName}},
				VerificationStatus:  finding.VerificationPending,
			}
			findings = append(findings, f)
		}
	}

	return findings, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
