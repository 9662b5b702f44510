package finding

import "sort"

// Aggregate collapses findings sharing a finding_id into one (keeping
// the highest confidence and accumulating contributing tools), marks
// findings that are merely correlated (same file/line/vulnerability
// type but distinct finding_id) without merging them, and returns the
// result in a deterministic sort order.
//
// Aggregate is idempotent: running it twice over its own output
// (testable property "dedup idempotence") yields an equal set, since
// every finding_id in the output is already unique.
func Aggregate(findings []Finding) []Finding {
	byID := make(map[string]*Finding, len(findings))
	order := make([]string, 0, len(findings))

	for _, f := range findings {
		existing, ok := byID[f.FindingID]
		if !ok {
			cp := f
			if len(cp.ContributingTools) == 0 {
				cp.ContributingTools = []SourceTool{f.SourceTool}
			}
			byID[f.FindingID] = &cp
			order = append(order, f.FindingID)
			continue
		}

		existing.ContributingTools = append(existing.ContributingTools, f.SourceTool)
		if f.Confidence.Score > existing.Confidence.Score {
			// Keep the higher-confidence record's own fields, but
			// preserve the accumulated contributing-tool list.
			contributing := existing.ContributingTools
			cp := f
			cp.ContributingTools = contributing
			byID[f.FindingID] = &cp
		}
	}

	out := make([]Finding, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}

	correlate(out)
	sortFindings(out)
	return out
}

// correlationKey groups findings that plausibly describe the same
// underlying issue reported under different rule ids.
type correlationKey struct {
	path string
	line int
	vuln string
}

// correlate tags findings sharing a (file, line, vulnerability type)
// but a distinct finding_id with metadata.tag "correlated", without
// merging them.
func correlate(findings []Finding) {
	groups := make(map[correlationKey][]int)
	for i, f := range findings {
		key := correlationKey{
			path: canonicalPath(f.Location.FilePath),
			line: f.Location.LineStart,
			vuln: f.VulnerabilityType.Name,
		}
		groups[key] = append(groups[key], i)
	}

	for _, idxs := range groups {
		if len(idxs) < 2 {
			continue
		}
		for _, i := range idxs {
			if !hasTag(findings[i].Metadata.Tags, "correlated") {
				findings[i].Metadata.Tags = append(findings[i].Metadata.Tags, "correlated")
			}
		}
	}
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// sortFindings orders findings by severity desc, CVSS desc (nulls
// last), file_path asc, line_start asc.
func sortFindings(findings []Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]

		if ra, rb := rank[a.Severity.Level], rank[b.Severity.Level]; ra != rb {
			return ra < rb
		}

		switch {
		case a.Severity.CVSS == nil && b.Severity.CVSS == nil:
			// fall through to next key
		case a.Severity.CVSS == nil:
			return false
		case b.Severity.CVSS == nil:
			return true
		case *a.Severity.CVSS != *b.Severity.CVSS:
			return *a.Severity.CVSS > *b.Severity.CVSS
		}

		if a.Location.FilePath != b.Location.FilePath {
			return a.Location.FilePath < b.Location.FilePath
		}
		return a.Location.LineStart < b.Location.LineStart
	})
}
