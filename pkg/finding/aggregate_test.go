package finding

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func cvss(v float64) *float64 { return &v }

func TestAggregate_DedupKeepsHighestConfidence(t *testing.T) {
	loc := Location{FilePath: "app/db.py", LineStart: 42}

	a := Finding{
		FindingID:  "f1",
		Location:   loc,
		Severity:   Severity{Level: LevelHigh, CVSS: cvss(7.5)},
		Confidence: Confidence{Score: 60},
		SourceTool: SourceTool{ToolID: "semgrep"},
	}
	b := Finding{
		FindingID:  "f1",
		Location:   loc,
		Severity:   Severity{Level: LevelHigh, CVSS: cvss(7.5)},
		Confidence: Confidence{Score: 90},
		SourceTool: SourceTool{ToolID: "codeql"},
	}

	out := Aggregate([]Finding{a, b})

	require.Len(t, out, 1)
	require.Equal(t, 90, out[0].Confidence.Score)
	require.ElementsMatch(t, []string{"semgrep", "codeql"}, toolIDs(out[0].ContributingTools))
}

func TestAggregate_CorrelatesWithoutMerging(t *testing.T) {
	loc := Location{FilePath: "app/db.py", LineStart: 42}
	vt := VulnerabilityType{Name: "sql-injection"}

	a := Finding{FindingID: "a", Location: loc, VulnerabilityType: vt, Severity: Severity{Level: LevelHigh}, SourceTool: SourceTool{ToolID: "semgrep"}}
	b := Finding{FindingID: "b", Location: loc, VulnerabilityType: vt, Severity: Severity{Level: LevelHigh}, SourceTool: SourceTool{ToolID: "codeql"}}

	out := Aggregate([]Finding{a, b})

	require.Len(t, out, 2)
	for _, f := range out {
		require.Contains(t, f.Metadata.Tags, "correlated")
	}
}

func TestAggregate_Idempotent(t *testing.T) {
	findings := []Finding{
		{FindingID: "a", Severity: Severity{Level: LevelCritical}, Location: Location{FilePath: "a.go", LineStart: 1}, SourceTool: SourceTool{ToolID: "trivy"}},
		{FindingID: "b", Severity: Severity{Level: LevelLow}, Location: Location{FilePath: "b.go", LineStart: 1}, SourceTool: SourceTool{ToolID: "trivy"}},
	}

	once := Aggregate(findings)
	twice := Aggregate(once)

	require.Equal(t, once, twice)
}

func TestAggregate_SortOrder(t *testing.T) {
	findings := []Finding{
		{FindingID: "low", Severity: Severity{Level: LevelLow}, Location: Location{FilePath: "z.go", LineStart: 1}},
		{FindingID: "crit-b", Severity: Severity{Level: LevelCritical, CVSS: cvss(9.1)}, Location: Location{FilePath: "b.go", LineStart: 5}},
		{FindingID: "crit-a", Severity: Severity{Level: LevelCritical, CVSS: cvss(9.1)}, Location: Location{FilePath: "a.go", LineStart: 3}},
		{FindingID: "high", Severity: Severity{Level: LevelHigh}, Location: Location{FilePath: "c.go", LineStart: 1}},
	}

	out := Aggregate(findings)

	require.Equal(t, []string{"crit-a", "crit-b", "high", "low"}, ids(out))
}

func toolIDs(tools []SourceTool) []string {
	out := make([]string, len(tools))
	for i, tl := range tools {
		out[i] = tl.ToolID
	}
	return out
}

func ids(findings []Finding) []string {
	out := make([]string, len(findings))
	for i, f := range findings {
		out[i] = f.FindingID
	}
	return out
}
