// Package zapadapter fronts an OWASP ZAP daemon's control API for
// dynamic application security testing against a running target.
package zapadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
)

// Adapter talks to a ZAP daemon's JSON control API (no official Go SDK
// exists for ZAP, so this speaks the bespoke HTTP API directly).
type Adapter struct {
	zapBaseURL string
	apiKey     string
	httpClient *http.Client
	pollEvery  time.Duration
}

// New builds a ZAP control-API adapter against a running daemon.
func New(zapBaseURL, apiKey string) *Adapter {
	return &Adapter{
		zapBaseURL: zapBaseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		pollEvery:  2 * time.Second,
	}
}

func (a *Adapter) Describe() capability.Descriptor {
	return capability.Descriptor{
		ToolID:         "owasp-zap",
		ToolName:       "OWASP ZAP",
		ToolVersion:    "latest",
		Category:       capability.CategoryDAST,
		Vendor:         "OWASP",
		Description:    "Dynamic application security testing against a running web application.",
		DetectionTypes: []string{"dast"},
		InputRequirements: capability.InputRequirements{
			RequiresRunningApp:  true,
			AcceptedTargetKinds: []capability.TargetKind{capability.TargetHTTPURL},
		},
		OutputSchema: capability.OutputSchema{
			NativeFormatID: "zap.alerts.json.v1",
			ExpectedFields: []string{"alerts"},
		},
		Execution: capability.ExecutionLimits{DefaultTimeout: 20 * time.Minute, RequiresNetwork: true},
	}
}

func (a *Adapter) Validate(req *scanrequest.Request) error {
	if err := adapter.ValidateAgainstDescriptor(a.Describe(), req); err != nil {
		return err
	}
	if !req.NetworkAllowed {
		return &adapter.InvalidInputError{Field: "network_allowed", Reason: "DAST scans require network access"}
	}
	return nil
}

func (a *Adapter) Execute(ctx context.Context, req *scanrequest.Request, execCtx *adapter.ExecutionContext) (*adapter.NativeOutput, error) {
	start := time.Now()

	scanID, err := a.startActiveScan(ctx, req.Target.URL)
	if err != nil {
		return nil, &adapter.ToolMissingError{ToolID: "owasp-zap", Detail: err.Error()}
	}

	for {
		select {
		case <-ctx.Done():
			return nil, &adapter.TimeoutError{Elapsed: time.Since(start).String()}
		case <-time.After(a.pollEvery):
		}

		progress, err := a.scanStatus(ctx, scanID)
		if err != nil {
			return nil, &adapter.ExecutionFailedError{ExitCode: -1, StderrTail: err.Error()}
		}
		if progress >= 100 {
			break
		}
	}

	payload, err := a.fetchAlerts(ctx, req.Target.URL)
	if err != nil {
		return nil, &adapter.ExecutionFailedError{ExitCode: -1, StderrTail: err.Error()}
	}

	return &adapter.NativeOutput{
		Payload:     payload,
		Diagnostics: adapter.Diagnostics{Duration: time.Since(start)},
	}, nil
}

func (a *Adapter) startActiveScan(ctx context.Context, target string) (string, error) {
	vals := url.Values{"url": {target}, "apikey": {a.apiKey}}
	var resp struct {
		Scan string `json:"scan"`
	}
	if err := a.get(ctx, "/JSON/ascan/action/scan/", vals, &resp); err != nil {
		return "", err
	}
	return resp.Scan, nil
}

func (a *Adapter) scanStatus(ctx context.Context, scanID string) (int, error) {
	vals := url.Values{"scanId": {scanID}, "apikey": {a.apiKey}}
	var resp struct {
		Status string `json:"status"`
	}
	if err := a.get(ctx, "/JSON/ascan/view/status/", vals, &resp); err != nil {
		return 0, err
	}
	var pct int
	fmt.Sscanf(resp.Status, "%d", &pct)
	return pct, nil
}

func (a *Adapter) fetchAlerts(ctx context.Context, target string) ([]byte, error) {
	vals := url.Values{"baseurl": {target}, "apikey": {a.apiKey}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.zapBaseURL+"/JSON/core/view/alerts/?"+vals.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}

func (a *Adapter) get(ctx context.Context, path string, vals url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.zapBaseURL+path+"?"+vals.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

type zapAlert struct {
	PluginID   string `json:"pluginId"`
	Alert      string `json:"alert"`
	Risk       string `json:"risk"`
	Confidence string `json:"confidence"`
	URL        string `json:"url"`
	Param      string `json:"param"`
	Desc       string `json:"description"`
	Solution   string `json:"solution"`
	CweID      string `json:"cweid"`
}

type zapAlertsResponse struct {
	Alerts []zapAlert `json:"alerts"`
}

func (a *Adapter) Parse(output *adapter.NativeOutput, req *scanrequest.Request) ([]finding.Finding, error) {
	var parsed zapAlertsResponse
	if err := json.Unmarshal(output.Payload, &parsed); err != nil {
		return nil, fmt.Errorf("zapadapter: decode output: %w", err)
	}

	findings := make([]finding.Finding, 0, len(parsed.Alerts))
	for _, alert := range parsed.Alerts {
		loc := finding.Location{FilePath: alert.URL}
		level, reason := finding.NormalizeSeverity(alert.Risk)

		cweID := 0
		fmt.Sscanf(alert.CweID, "%d", &cweID)

		confidenceScore := 50
		switch alert.Confidence {
		case "High":
			confidenceScore = 90
		case "Medium":
			confidenceScore = 70
		case "Low":
			confidenceScore = 40
		}

		f := finding.Finding{
			FindingID:     finding.ComputeFindingID("owasp-zap", alert.PluginID, loc),
			ScanSessionID: req.ScanID,
			VulnerabilityType: finding.VulnerabilityType{
				Name:  alert.Alert,
				CWEID: cweID,
			},
			Location: loc,
			Severity: finding.Severity{Level: level},
			Confidence: finding.Confidence{Score: confidenceScore, Reason: reason},
			SourceTool: finding.SourceTool{
				ToolID:         "owasp-zap",
				RuleID:         alert.PluginID,
				NativeSeverity: alert.Risk,
			},
			Description: finding.Description{
				Summary:     alert.Alert,
				Detail:      alert.Desc,
				Remediation: alert.Solution,
			},
			VerificationStatus: finding.VerificationPending,
		}
		findings = append(findings, f)
	}

	return findings, nil
}
