package report

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/sentryscan/sentryscan/pkg/finding"
)

func sampleFindings() []finding.Finding {
	return []finding.Finding{
		{
			FindingID:         "f1",
			VulnerabilityType:  finding.VulnerabilityType{Name: "SQL Injection", CWEID: 89},
			Location:           finding.Location{FilePath: "app/db.py", LineStart: 42},
			Severity:           finding.Severity{Level: finding.LevelCritical},
			Confidence:         finding.Confidence{Score: 90},
			SourceTool:         finding.SourceTool{ToolID: "semgrep"},
			ContributingTools:  []finding.SourceTool{{ToolID: "semgrep"}, {ToolID: "bandit"}},
			Description:        finding.Description{Summary: "Unsanitized query parameter"},
			VerificationStatus: finding.VerificationPending,
		},
		{
			FindingID:          "f2",
			VulnerabilityType:  finding.VulnerabilityType{Name: "Weak Crypto"},
			Location:           finding.Location{FilePath: "app/crypto.py", LineStart: 7},
			Severity:           finding.Severity{Level: finding.LevelLow},
			Confidence:         finding.Confidence{Score: 40},
			SourceTool:         finding.SourceTool{ToolID: "bandit"},
			VerificationStatus: finding.VerificationPending,
		},
	}
}

func TestExport_WritesSheetPerSeverityAndSummary(t *testing.T) {
	var buf bytes.Buffer
	if err := Export(sampleFindings(), &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	want := map[string]bool{"Summary": true, "CRITICAL": true, "LOW": true}
	for name := range want {
		found := false
		for _, s := range sheets {
			if s == name {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected sheet %q, got sheets %v", name, sheets)
		}
	}
	if containsSheet(sheets, "Sheet1") {
		t.Fatalf("expected default Sheet1 to be dropped, got %v", sheets)
	}

	id, err := f.GetCellValue("CRITICAL", "A2")
	if err != nil {
		t.Fatalf("GetCellValue: %v", err)
	}
	if id != "f1" {
		t.Fatalf("expected f1 in CRITICAL sheet row 2, got %q", id)
	}

	cwe, err := f.GetCellValue("CRITICAL", "D2")
	if err != nil {
		t.Fatalf("GetCellValue: %v", err)
	}
	if cwe != "CWE-89" {
		t.Fatalf("expected CWE-89, got %q", cwe)
	}

	total, err := f.GetCellValue("Summary", "B7")
	if err != nil {
		t.Fatalf("GetCellValue: %v", err)
	}
	if total != "2" {
		t.Fatalf("expected total count 2, got %q", total)
	}
}

func containsSheet(sheets []string, name string) bool {
	for _, s := range sheets {
		if s == name {
			return true
		}
	}
	return false
}

func TestExport_EmptyFindingsStillProducesAllSheets(t *testing.T) {
	var buf bytes.Buffer
	if err := Export(nil, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	if len(f.GetSheetList()) != 6 {
		t.Fatalf("expected 6 sheets (summary + 5 severities), got %v", f.GetSheetList())
	}
}
