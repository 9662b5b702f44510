package finding

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// severityTable maps native severity tokens (case-insensitive) to the
// unified level.
var severityTable = map[string]Level{
	"critical":      LevelCritical,
	"severe":        LevelCritical,
	"high":          LevelHigh,
	"medium":        LevelMedium,
	"warning":       LevelMedium,
	"low":           LevelLow,
	"info":          LevelInfo,
	"informational": LevelInfo,
	"note":          LevelInfo,
}

// NormalizeSeverity maps a tool's native severity token onto the
// unified Level. Unknown tokens map to MEDIUM and log a diagnostic,
// matching the "severity unmapped" confidence reason callers use to
// flag findings whose native severity token had no known mapping.
func NormalizeSeverity(nativeToken string) (Level, string) {
	token := strings.ToLower(strings.TrimSpace(nativeToken))
	if level, ok := severityTable[token]; ok {
		return level, ""
	}
	reason := fmt.Sprintf("severity unmapped: %s", nativeToken)
	slog.Warn("unmapped native severity token, defaulting to MEDIUM", "token", nativeToken)
	return LevelMedium, reason
}

var cweRegex = regexp.MustCompile(`(?i)CWE[-_ ]?([0-9]+)`)

// ExtractCWE pulls a CWE number out of free-form rule metadata text. It
// returns 0 if no CWE reference is present. The first match wins when
// more than one CWE id appears.
func ExtractCWE(ruleMetadata string) int {
	m := cweRegex.FindStringSubmatch(ruleMetadata)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// ComputeFindingID derives the stable, deterministic finding_id from
// tool_id, rule_id, canonicalized location, and a whitespace-normalized
// code fingerprint. xxhash is used for speed and stability; no
// collision-resistance against an adversary is required since the
// hash only ever keys a tool's own deterministic output.
func ComputeFindingID(toolID, ruleID string, loc Location) string {
	parts := []string{
		toolID,
		ruleID,
		canonicalPath(loc.FilePath),
		strconv.Itoa(loc.LineStart),
		normalizedFingerprint(loc.CodeSnippet),
	}
	sum := xxhash.Sum64String(strings.Join(parts, "\x1f"))
	return strconv.FormatUint(sum, 16)
}
